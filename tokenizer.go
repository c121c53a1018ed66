package mailfolder

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/mailfolder/errors"
)

// Separator is a line pattern marking the start of the next message in a
// single-file folder, together with the escape string used to protect body
// lines that would otherwise match it. The classic mbox separator is
// {Prefix: "From ", Escape: ">"}.
type Separator struct {
	Prefix string
	Escape string
}

// matches reports whether line starts a new section for this separator.
func (s Separator) matches(line string) bool {
	return strings.HasPrefix(line, s.Prefix)
}

// escaped reports whether line is an escaped form of this separator:
// one or more escape strings followed by the prefix.
func (s Separator) escaped(line string) bool {
	if s.Escape == "" || !strings.HasPrefix(line, s.Escape) {
		return false
	}
	rest := line
	for strings.HasPrefix(rest, s.Escape) {
		rest = rest[len(s.Escape):]
	}
	return strings.HasPrefix(rest, s.Prefix)
}

// Extent describes a byte range holding a message body. Offset is absolute
// in the backing stream. Size counts raw on-disk bytes including line
// endings and escape characters; Lines counts content lines. The blank
// line a single-file format inserts before the next separator belongs to
// the format, not the body, and is excluded.
type Extent struct {
	Offset int64
	Size   int64
	Lines  int64
}

// known reports whether the extent describes a usable byte range.
func (e Extent) known() bool { return e.Size > 0 || e.Lines > 0 }

// Field is one header field as read from a folder: the name before the
// colon and the unfolded value after it.
type Field struct {
	Name  string
	Value string
}

// dosProbeLines is how many leading lines are inspected for CRLF endings.
const dosProbeLines = 4

// rawLine is one line as read from the stream: text without its ending,
// the absolute offset where it starts, and its raw on-disk byte length.
type rawLine struct {
	text  string
	start int64
	size  int64
}

// Tokenizer reads messages, header fields and body extents from a folder's
// byte stream. It tracks absolute positions, normalizes line endings, and
// applies the separator escaping rules of single-file formats. A Tokenizer
// reads no more of the stream than the caller asks for.
type Tokenizer struct {
	src    io.ReadSeeker
	br     *bufio.Reader
	offset int64 // absolute offset of the next unread byte
	unread *rawLine

	dos       bool // CRLF line endings detected
	dosLocked bool // detection finished, dos can no longer change
	probed    int

	seps []Separator
	log  *slog.Logger
}

// NewTokenizer returns a Tokenizer reading src from its current position,
// which is taken to be absolute offset zero unless Seek is called first.
func NewTokenizer(src io.ReadSeeker, logger *slog.Logger) *Tokenizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tokenizer{
		src: src,
		br:  bufio.NewReader(src),
		log: logger,
	}
}

// Offset returns the absolute offset of the next line the Tokenizer will
// return.
func (t *Tokenizer) Offset() int64 {
	if t.unread != nil {
		return t.unread.start
	}
	return t.offset
}

// Seek repositions the Tokenizer at an absolute offset, discarding any
// buffered data.
func (t *Tokenizer) Seek(offset int64) error {
	if _, err := t.src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek folder stream to %d: %w", offset, err)
	}
	t.br.Reset(t.src)
	t.offset = offset
	t.unread = nil
	return nil
}

// DOSMode reports whether the stream was detected to use CRLF line endings.
// Writers must re-add the CR that reading stripped.
func (t *Tokenizer) DOSMode() bool { return t.dos }

// PushSeparator makes sep active for subsequent body extraction. Separators
// stack; multipart bodies push their boundary on top of the folder's own
// separator.
func (t *Tokenizer) PushSeparator(sep Separator) {
	t.seps = append(t.seps, sep)
}

// PopSeparator deactivates the most recently pushed separator.
func (t *Tokenizer) PopSeparator() {
	if len(t.seps) > 0 {
		t.seps = t.seps[:len(t.seps)-1]
	}
}

// separatorFor returns the active separator matching line, if any.
func (t *Tokenizer) separatorFor(line string) (Separator, bool) {
	for i := len(t.seps) - 1; i >= 0; i-- {
		if t.seps[i].matches(line) {
			return t.seps[i], true
		}
	}
	return Separator{}, false
}

// unescape strips exactly one escape string from line if it is an escaped
// form of any active separator.
func (t *Tokenizer) unescape(line string) string {
	for i := len(t.seps) - 1; i >= 0; i-- {
		if t.seps[i].escaped(line) {
			return line[len(t.seps[i].Escape):]
		}
	}
	return line
}

// readLine returns the next line with its ending stripped. A final line
// without a newline is returned as a normal line; the next call reports
// io.EOF.
func (t *Tokenizer) readLine() (rawLine, error) {
	if t.unread != nil {
		l := *t.unread
		t.unread = nil
		return l, nil
	}

	start := t.offset
	s, err := t.br.ReadString('\n')
	if len(s) == 0 {
		if err == nil {
			err = io.EOF
		}
		return rawLine{start: start}, err
	}
	if err == io.EOF {
		err = nil // unterminated final line still counts
	}
	if err != nil {
		return rawLine{start: start}, fmt.Errorf("read folder stream: %w", err)
	}
	t.offset += int64(len(s))

	terminated := strings.HasSuffix(s, "\n")
	text := strings.TrimSuffix(s, "\n")
	hadCR := strings.HasSuffix(text, "\r")
	if hadCR {
		text = text[:len(text)-1]
	}
	if terminated {
		t.probeLineEnding(hadCR)
	}
	return rawLine{text: text, start: start, size: int64(len(s))}, nil
}

// probeLineEnding updates CRLF detection. The first few lines decide the
// mode; a later line without CR is authoritative and turns DOS mode off.
// Nothing ever turns it back on mid-stream.
func (t *Tokenizer) probeLineEnding(hadCR bool) {
	if t.dosLocked {
		return
	}
	if !hadCR {
		if t.dos {
			t.log.Warn("line ending changed mid-stream, leaving DOS mode")
		}
		t.dos = false
		t.dosLocked = true
		return
	}
	if t.probed < dosProbeLines {
		t.dos = true
		t.probed++
	}
}

// pushLine makes l the next line returned by readLine.
func (t *Tokenizer) pushLine(l rawLine) {
	t.unread = &l
}

// ReadLine returns the next line without its ending and the absolute
// offset where it starts. It returns io.EOF when the stream is exhausted.
func (t *Tokenizer) ReadLine() (string, int64, error) {
	l, err := t.readLine()
	if err != nil {
		return "", l.start, err
	}
	return l.text, l.start, nil
}

// PeekLine returns the next line without consuming it.
func (t *Tokenizer) PeekLine() (string, int64, error) {
	l, err := t.readLine()
	if err != nil {
		return "", l.start, err
	}
	t.pushLine(l)
	return l.text, l.start, nil
}

// ReadHeader reads header fields up to, but not including, the first blank
// line. Continuation lines are unfolded into the previous field's value
// with the folding whitespace collapsed to a single space and trailing
// whitespace stripped. A malformed line ends the header (it is pushed back
// and a warning logged); a stream that ends before the blank terminator is
// logged and treated as "header ends here".
func (t *Tokenizer) ReadHeader() ([]Field, error) {
	var fields []Field
	for {
		l, err := t.readLine()
		if err == io.EOF {
			t.log.Warn("unterminated header, treating end of stream as end of header",
				slog.Int64("offset", l.start))
			return fields, nil
		}
		if err != nil {
			return fields, err
		}
		if l.text == "" {
			return fields, nil
		}
		if l.text[0] == ' ' || l.text[0] == '\t' {
			if len(fields) == 0 {
				t.log.Warn("continuation line before any header field, ending header",
					slog.Int64("offset", l.start))
				t.pushLine(l)
				return fields, nil
			}
			fields[len(fields)-1].Value = joinFolded(fields[len(fields)-1].Value, l.text)
			continue
		}
		colon := strings.IndexByte(l.text, ':')
		if colon <= 0 {
			t.log.Warn("malformed header line, ending header",
				slog.Int64("offset", l.start),
				slog.String("err", errors.ErrMalformedHeader.Error()))
			t.pushLine(l)
			return fields, nil
		}
		name := strings.TrimRight(l.text[:colon], " \t")
		value := strings.TrimSpace(l.text[colon+1:])
		fields = append(fields, Field{Name: name, Value: value})
	}
}

// joinFolded merges a continuation line into an unfolded value.
func joinFolded(value, continuation string) string {
	continuation = strings.TrimSpace(continuation)
	if continuation == "" {
		return value
	}
	if value == "" {
		return continuation
	}
	return value + " " + continuation
}

// BodyExtent computes the extent of the body starting at the current
// position. When expectedSize is trustworthy it first tries a fast path:
// seek directly past the expected size and verify a plausible boundary
// (the next non-blank line is an active separator, or the stream ends).
// If the boundary does not check out, or DOS-mode normalization makes raw
// offsets unreliable, it falls back to a full line-by-line scan applying
// the escape and artifact-blank rules. Either way the Tokenizer is left
// positioned at the separator line (or end of stream).
func (t *Tokenizer) BodyExtent(expectedSize, expectedLines int64) (Extent, error) {
	start := t.Offset()
	if expectedSize > 0 && !t.dos && t.unread == nil {
		if ok, err := t.tryJump(start, expectedSize); err != nil {
			return Extent{}, err
		} else if ok {
			return Extent{Offset: start, Size: expectedSize, Lines: expectedLines}, nil
		}
		if err := t.Seek(start); err != nil {
			return Extent{}, err
		}
	}
	ext, _, err := t.scanBody(false)
	return ext, err
}

// tryJump seeks past an expected body size and checks that what follows is
// a believable message boundary.
func (t *Tokenizer) tryJump(start, size int64) (bool, error) {
	if err := t.Seek(start + size); err != nil {
		return false, err
	}
	blanks := 0
	for {
		l, err := t.readLine()
		if err == io.EOF {
			if len(t.seps) == 0 || blanks <= 1 {
				return true, nil
			}
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if l.text == "" {
			blanks++
			if blanks > 1 {
				return false, nil
			}
			continue
		}
		if _, ok := t.separatorFor(l.text); ok {
			t.pushLine(l)
			return true, nil
		}
		return false, nil
	}
}

// ReadBody scans the body starting at the current position, returning its
// extent and content lines with separator escapes removed. The separator
// line that terminated the body, if any, is left to be read next.
func (t *Tokenizer) ReadBody() (Extent, []string, error) {
	return t.scanBody(true)
}

// scanBody is the full line-by-line body scan. It stops at the first line
// matching an active separator or at end of stream, strips one escape from
// escaped separator forms, and silently drops at most one fully-blank line
// immediately preceding the boundary.
func (t *Tokenizer) scanBody(collect bool) (Extent, []string, error) {
	ext := Extent{Offset: t.Offset()}
	var lines []string
	var held *rawLine // blank line whose fate depends on what follows

	count := func(l rawLine, text string) {
		ext.Size += l.size
		ext.Lines++
		if collect {
			lines = append(lines, text)
		}
	}

	for {
		l, err := t.readLine()
		if err == io.EOF {
			// A blank right before end of stream is the format artifact
			// when separators are in play; plain streams keep it.
			if held != nil && len(t.seps) == 0 {
				count(*held, "")
			}
			return ext, lines, nil
		}
		if err != nil {
			return ext, lines, err
		}
		if _, ok := t.separatorFor(l.text); ok {
			t.pushLine(l)
			return ext, lines, nil
		}
		if held != nil {
			count(*held, "")
			held = nil
		}
		if l.text == "" && len(t.seps) > 0 {
			held = &l
			continue
		}
		count(l, t.unescape(l.text))
	}
}
