package mailfolder

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"strings"

	"github.com/infodancer/mailfolder/errors"
)

// BodyKind identifies a body representation.
type BodyKind int

const (
	// KindDelayed means only the byte extent and estimated size are known.
	KindDelayed BodyKind = iota

	// KindLines holds the body as an ordered slice of text lines.
	KindLines

	// KindBuffer holds the body as one contiguous byte buffer.
	KindBuffer

	// KindFile spools the body to a temporary file.
	KindFile

	// KindMultipart decomposes the body into sub-messages plus the
	// preamble and epilogue runs around them.
	KindMultipart

	// KindNested wraps exactly one embedded message.
	KindNested
)

// Body is one realized (or delayed) message body. Exactly one
// representation is active for a message at a time. Content uses plain LF
// line endings; separator escaping and CRLF restoration are the writing
// backend's job.
type Body interface {
	Kind() BodyKind
	Size() int64
	Lines() int64
	Encode(w io.Writer) (int64, error)
	Close() error
}

// ContentInfo is the MIME/body-decoding collaborator. The engine consults
// it only for binary/text classification and transfer-encoding preference;
// it never performs charset or transfer-encoding conversion itself.
type ContentInfo interface {
	// IsBinary reports whether content of the given type must be treated
	// as opaque bytes rather than text lines.
	IsBinary(contentType string) bool

	// PreferredEncoding returns the transfer encoding to use when writing
	// content of the given type (e.g. "7bit", "quoted-printable", "base64").
	PreferredEncoding(contentType string) string
}

// BodyPolicy chooses a body representation from content size and type.
// It must be a pure function.
type BodyPolicy func(size int64, contentType string) BodyKind

// DefaultBodyThreshold is the file-backing threshold used when no body
// policy is configured.
const DefaultBodyThreshold = 64 * 1024

// DefaultBodyPolicy routes multipart content to Multipart regardless of
// size, embedded messages to Nested, content of at least fileThreshold
// bytes to a temporary file, small binary content to a buffer, and small
// text to lines. info may be nil, in which case nothing is classified as
// binary.
func DefaultBodyPolicy(info ContentInfo, fileThreshold int64) BodyPolicy {
	if fileThreshold <= 0 {
		fileThreshold = DefaultBodyThreshold
	}
	return func(size int64, contentType string) BodyKind {
		mt := contentType
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mt = parsed
		}
		mt = strings.ToLower(mt)
		switch {
		case strings.HasPrefix(mt, "multipart/"):
			return KindMultipart
		case mt == "message/rfc822":
			return KindNested
		case size >= fileThreshold:
			return KindFile
		case info != nil && info.IsBinary(contentType):
			return KindBuffer
		default:
			return KindLines
		}
	}
}

// DelayedBody records a body that has not been read yet: only its extent
// in the backing store and the estimated size and line count are known.
type DelayedBody struct {
	extent Extent
}

func (b *DelayedBody) Kind() BodyKind { return KindDelayed }
func (b *DelayedBody) Size() int64    { return b.extent.Size }
func (b *DelayedBody) Lines() int64   { return b.extent.Lines }
func (b *DelayedBody) Close() error   { return nil }

func (b *DelayedBody) Encode(io.Writer) (int64, error) {
	return 0, errors.ErrBodyDelayed
}

// LinesBody owns the body as text lines without line endings.
type LinesBody struct {
	lines []string
}

// NewLinesBody returns a body holding the given lines.
func NewLinesBody(lines []string) *LinesBody { return &LinesBody{lines: lines} }

func (b *LinesBody) Kind() BodyKind { return KindLines }
func (b *LinesBody) Lines() int64   { return int64(len(b.lines)) }
func (b *LinesBody) Close() error   { return nil }

// Content returns the body's lines. The slice is shared.
func (b *LinesBody) Content() []string { return b.lines }

func (b *LinesBody) Size() int64 {
	var n int64
	for _, l := range b.lines {
		n += int64(len(l)) + 1
	}
	return n
}

func (b *LinesBody) Encode(w io.Writer) (int64, error) {
	var n int64
	for _, l := range b.lines {
		written, err := io.WriteString(w, l+"\n")
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// BufferBody owns the body as one contiguous buffer with LF line endings.
type BufferBody struct {
	data []byte
}

// NewBufferBody returns a body holding data.
func NewBufferBody(data []byte) *BufferBody { return &BufferBody{data: data} }

func (b *BufferBody) Kind() BodyKind { return KindBuffer }
func (b *BufferBody) Size() int64    { return int64(len(b.data)) }
func (b *BufferBody) Close() error   { return nil }

// Bytes returns the body's content. The slice is shared.
func (b *BufferBody) Bytes() []byte { return b.data }

func (b *BufferBody) Lines() int64 {
	n := int64(bytes.Count(b.data, []byte{'\n'}))
	if len(b.data) > 0 && b.data[len(b.data)-1] != '\n' {
		n++
	}
	return n
}

func (b *BufferBody) Encode(w io.Writer) (int64, error) {
	n, err := w.Write(b.data)
	return int64(n), err
}

// FileBody spools the body to a temporary file that it owns. Close removes
// the file.
type FileBody struct {
	path  string
	size  int64
	lines int64
}

func (b *FileBody) Kind() BodyKind { return KindFile }
func (b *FileBody) Size() int64    { return b.size }
func (b *FileBody) Lines() int64   { return b.lines }

// Path returns the temporary file holding the content.
func (b *FileBody) Path() string { return b.path }

func (b *FileBody) Encode(w io.Writer) (int64, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return 0, fmt.Errorf("open body spool: %w", err)
	}
	defer func() { _ = f.Close() }()
	return io.Copy(w, f)
}

func (b *FileBody) Close() error {
	if b.path == "" {
		return nil
	}
	err := os.Remove(b.path)
	b.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MultipartBody decomposes a multipart body into its sub-messages plus the
// preamble and epilogue byte runs around them.
type MultipartBody struct {
	boundary string
	preamble Body
	parts    []*Message
	epilogue Body
}

// NewMultipartBody assembles a multipart body. preamble and epilogue may
// be nil.
func NewMultipartBody(boundary string, preamble Body, parts []*Message, epilogue Body) *MultipartBody {
	return &MultipartBody{boundary: boundary, preamble: preamble, parts: parts, epilogue: epilogue}
}

func (b *MultipartBody) Kind() BodyKind { return KindMultipart }

// Boundary returns the MIME boundary separating the parts.
func (b *MultipartBody) Boundary() string { return b.boundary }

// Parts returns the sub-messages in order.
func (b *MultipartBody) Parts() []*Message { return b.parts }

// Preamble returns the content before the first boundary, or nil.
func (b *MultipartBody) Preamble() Body { return b.preamble }

// Epilogue returns the content after the closing boundary, or nil.
func (b *MultipartBody) Epilogue() Body { return b.epilogue }

func (b *MultipartBody) Size() int64 {
	var c countWriter
	_, _ = b.Encode(&c)
	return c.bytes
}

func (b *MultipartBody) Lines() int64 {
	var c countWriter
	_, _ = b.Encode(&c)
	return c.lines
}

func (b *MultipartBody) Encode(w io.Writer) (int64, error) {
	var n int64
	write := func(s string) error {
		written, err := io.WriteString(w, s)
		n += int64(written)
		return err
	}
	if b.preamble != nil {
		written, err := b.preamble.Encode(w)
		n += written
		if err != nil {
			return n, err
		}
	}
	for _, part := range b.parts {
		if err := write("--" + b.boundary + "\n"); err != nil {
			return n, err
		}
		var c countWriter
		tee := io.MultiWriter(w, &c)
		if err := part.encode(tee); err != nil {
			return n + c.bytes, err
		}
		n += c.bytes
	}
	if err := write("--" + b.boundary + "--\n"); err != nil {
		return n, err
	}
	if b.epilogue != nil {
		written, err := b.epilogue.Encode(w)
		n += written
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (b *MultipartBody) Close() error {
	var first error
	if b.preamble != nil {
		first = b.preamble.Close()
	}
	for _, part := range b.parts {
		if err := part.closeBody(); err != nil && first == nil {
			first = err
		}
	}
	if b.epilogue != nil {
		if err := b.epilogue.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NestedBody wraps exactly one embedded message (message/rfc822).
type NestedBody struct {
	inner *Message
}

// NewNestedBody returns a body wrapping inner.
func NewNestedBody(inner *Message) *NestedBody { return &NestedBody{inner: inner} }

func (b *NestedBody) Kind() BodyKind { return KindNested }

// Inner returns the embedded message.
func (b *NestedBody) Inner() *Message { return b.inner }

func (b *NestedBody) Size() int64 {
	var c countWriter
	_ = b.inner.encode(&c)
	return c.bytes
}

func (b *NestedBody) Lines() int64 {
	var c countWriter
	_ = b.inner.encode(&c)
	return c.lines
}

func (b *NestedBody) Encode(w io.Writer) (int64, error) {
	var c countWriter
	err := b.inner.encode(io.MultiWriter(w, &c))
	return c.bytes, err
}

func (b *NestedBody) Close() error { return b.inner.closeBody() }

// countWriter counts bytes and newlines written through it.
type countWriter struct {
	bytes int64
	lines int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	c.bytes += int64(len(p))
	c.lines += int64(bytes.Count(p, []byte{'\n'}))
	return len(p), nil
}

// materializeBody reads the body at the tokenizer's position into the
// representation chosen by policy. expected carries the previously
// recorded extent for reconciliation; a zero extent means no estimate.
func materializeBody(t *Tokenizer, owner *Message, policy BodyPolicy, contentType string, expected Extent, log *slog.Logger) (Body, error) {
	if policy == nil {
		policy = DefaultBodyPolicy(nil, 0)
	}
	switch policy(expected.Size, contentType) {
	case KindMultipart:
		if body, err := materializeMultipart(t, owner, policy, contentType, log); err == nil {
			return body, nil
		} else if err != io.EOF {
			return nil, err
		}
		// Not usable as multipart (e.g. missing boundary parameter):
		// fall through to a plain representation.
		fallthrough
	case KindNested:
		if _, _, err := mime.ParseMediaType(contentType); err == nil &&
			strings.HasPrefix(strings.ToLower(contentType), "message/") {
			return materializeNested(t, owner, policy, log)
		}
		fallthrough
	default:
		return materializeFlat(t, policy, contentType, expected, log)
	}
}

// materializeFlat reads a non-structured body as lines, a buffer or a
// spool file.
func materializeFlat(t *Tokenizer, policy BodyPolicy, contentType string, expected Extent, log *slog.Logger) (Body, error) {
	ext, lines, err := t.ReadBody()
	if err != nil {
		return nil, err
	}
	reconcileExtent(expected, ext, log)

	switch policy(ext.Size, contentType) {
	case KindFile:
		return spoolLines(lines)
	case KindBuffer:
		var buf bytes.Buffer
		for _, l := range lines {
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
		return NewBufferBody(buf.Bytes()), nil
	default:
		return NewLinesBody(lines), nil
	}
}

// spoolLines writes lines to a temporary file owned by the returned body.
func spoolLines(lines []string) (*FileBody, error) {
	f, path, err := newTempFile(os.TempDir(), "mailfolder-body")
	if err != nil {
		return nil, err
	}
	var size int64
	for _, l := range lines {
		n, err := io.WriteString(f, l+"\n")
		size += int64(n)
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("spool body: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("spool body: %w", err)
	}
	return &FileBody{path: path, size: size, lines: int64(len(lines))}, nil
}

// materializeMultipart re-enters the tokenizer with the MIME boundary
// pushed as an additional active separator: preamble, then parts until the
// closing boundary variant, then the epilogue, then pop.
func materializeMultipart(t *Tokenizer, owner *Message, policy BodyPolicy, contentType string, log *slog.Logger) (Body, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["boundary"] == "" {
		return nil, io.EOF // caller falls back to a flat representation
	}
	boundary := params["boundary"]
	marker := "--" + boundary
	closing := marker + "--"

	t.PushSeparator(Separator{Prefix: marker})

	_, preLines, err := t.ReadBody()
	if err != nil {
		t.PopSeparator()
		return nil, err
	}
	var preamble Body
	if len(preLines) > 0 {
		preamble = NewLinesBody(preLines)
	}

	var parts []*Message
	sawClosing := false
	for {
		line, offset, err := t.ReadLine()
		if err == io.EOF {
			log.Warn("multipart body without closing boundary, treating as complete",
				slog.String("boundary", boundary),
				slog.String("err", errors.ErrMissingBoundary.Error()))
			break
		}
		if err != nil {
			t.PopSeparator()
			return nil, err
		}
		if strings.HasPrefix(line, closing) {
			sawClosing = true
			break
		}
		if !strings.HasPrefix(line, marker) {
			// The line terminating the previous body must be a boundary;
			// anything else means the folder separator cut us short.
			t.pushLine(rawLine{text: line, start: offset, size: int64(len(line)) + 1})
			log.Warn("multipart body cut short by folder separator",
				slog.String("boundary", boundary),
				slog.Int64("offset", offset))
			break
		}

		part, err := readEmbeddedMessage(t, owner, policy, log)
		if err != nil {
			t.PopSeparator()
			return nil, err
		}
		parts = append(parts, part)
	}
	t.PopSeparator()

	var epilogue Body
	if sawClosing {
		_, epiLines, err := t.ReadBody()
		if err != nil {
			return nil, err
		}
		if len(epiLines) > 0 {
			epilogue = NewLinesBody(epiLines)
		}
	}
	return NewMultipartBody(boundary, preamble, parts, epilogue), nil
}

// materializeNested reads one embedded message occupying the rest of the
// enclosing body.
func materializeNested(t *Tokenizer, owner *Message, policy BodyPolicy, log *slog.Logger) (Body, error) {
	inner, err := readEmbeddedMessage(t, owner, policy, log)
	if err != nil {
		return nil, err
	}
	return NewNestedBody(inner), nil
}

// readEmbeddedMessage reads a header plus body pair at the tokenizer's
// position into a fully realized message owned by the same folder.
func readEmbeddedMessage(t *Tokenizer, owner *Message, policy BodyPolicy, log *slog.Logger) (*Message, error) {
	fields, err := t.ReadHeader()
	if err != nil {
		return nil, err
	}
	header := NewHeader(fields)
	sub := newEmbeddedMessage(owner, header)
	body, err := materializeBody(t, sub, policy, header.Get("Content-Type"), Extent{}, log)
	if err != nil {
		return nil, err
	}
	sub.adoptBody(body)
	return sub, nil
}

// reconcileExtent checks a freshly scanned extent against the recorded
// estimate. Disagreement is reconciled in favor of the scan and logged;
// it usually means the folder changed underneath its caches.
func reconcileExtent(expected, actual Extent, log *slog.Logger) {
	if !expected.known() {
		return
	}
	if expected.Size != actual.Size || (expected.Lines > 0 && expected.Lines != actual.Lines) {
		log.Warn("body extent differs from recorded estimate",
			slog.Int64("offset", actual.Offset),
			slog.Int64("expectedSize", expected.Size),
			slog.Int64("actualSize", actual.Size),
			slog.Int64("expectedLines", expected.Lines),
			slog.Int64("actualLines", actual.Lines))
	}
}
