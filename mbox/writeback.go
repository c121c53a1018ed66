package mbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infodancer/mailfolder"
)

// WriteBack persists the folder under the configured write policy.
func (s *Store) WriteBack(ctx context.Context, f *mailfolder.Folder) error {
	if f.Config().Write == mailfolder.WriteInPlace {
		return s.writeInPlace(ctx, f)
	}
	return s.writeFullReplace(ctx, f)
}

// relocation is a locator/extent update held back until the write as a
// whole has succeeded. A failed write must not touch the message table.
type relocation struct {
	m      *mailfolder.Message
	loc    mailfolder.Locator
	ext    mailfolder.Extent
	hasExt bool
}

// writeFullReplace rewrites the folder to a temporary file in the same
// directory and renames it over the original. Unmodified messages are
// copied verbatim from the old file through the still-open read handle;
// modified ones are serialized fresh with a recomputed separator line.
func (s *Store) writeFullReplace(ctx context.Context, f *mailfolder.Folder) error {
	// Realize modified messages up front; realization reads through the
	// old file and must finish before anything replaces it.
	for _, m := range f.Messages() {
		if m.Deleted() || !m.Modified() {
			continue
		}
		if err := m.Realize(ctx); err != nil {
			return fmt.Errorf("realize message %d: %w", m.Seq(), err)
		}
	}

	tmp, tmpPath, err := mailfolder.NewTempFile(filepath.Dir(s.path), ".mbox-sync")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	out := &countWriter{w: tmp}
	var relocs []relocation
	for _, m := range f.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Deleted() {
			continue
		}
		start := out.n
		if !m.Modified() && m.Locator().Length > 0 {
			old := m.Locator()
			if _, err := mailfolder.CopyExtent(out, s.file, old.Offset, old.Length); err != nil {
				return fmt.Errorf("write message %d: %w", m.Seq(), err)
			}
			r := relocation{m: m, loc: mailfolder.Locator{File: s.path, Offset: start, Length: old.Length}}
			if ext := m.Extent(); ext.Size > 0 || ext.Lines > 0 {
				ext.Offset = start + (ext.Offset - old.Offset)
				r.ext, r.hasExt = ext, true
			}
			relocs = append(relocs, r)
			continue
		}
		if err := s.encodeMessage(ctx, out, m); err != nil {
			return fmt.Errorf("write message %d: %w", m.Seq(), err)
		}
		relocs = append(relocs, relocation{
			m:   m,
			loc: mailfolder.Locator{File: s.path, Offset: start, Length: out.n - start},
		})
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := mailfolder.ReplaceFile(tmpPath, s.path); err != nil {
		return err
	}
	committed = true
	return s.finish(relocs)
}

// writeInPlace truncates the folder after the longest unmodified prefix
// and rewrites the remainder. Raw bytes of surviving unmodified messages
// past the truncation point are captured in memory first so their stored
// form is preserved exactly. A crash between truncate and append loses
// the messages past the prefix; callers opt into that.
func (s *Store) writeInPlace(ctx context.Context, f *mailfolder.Folder) error {
	msgs := f.Messages()

	prefix := 0
	var truncateAt int64
	for _, m := range msgs {
		if m.Deleted() || m.Modified() || m.Locator().Length == 0 {
			break
		}
		prefix++
		truncateAt = m.Locator().Offset + m.Locator().Length
	}
	if prefix == len(msgs) {
		return nil
	}

	type pending struct {
		m        *mailfolder.Message
		raw      []byte // verbatim bytes, nil when the message is re-encoded
		ext      mailfolder.Extent
		fromLine string
	}
	var tail []pending
	for _, m := range msgs[prefix:] {
		if m.Deleted() {
			continue
		}
		if !m.Modified() && m.Locator().Length > 0 {
			raw := make([]byte, m.Locator().Length)
			if _, err := s.file.ReadAt(raw, m.Locator().Offset); err != nil {
				return fmt.Errorf("read message %d: %w", m.Seq(), err)
			}
			ext := m.Extent()
			if ext.Size > 0 || ext.Lines > 0 {
				ext.Offset -= m.Locator().Offset // relative until rewritten
			}
			tail = append(tail, pending{m: m, raw: raw, ext: ext})
			continue
		}
		if err := m.Realize(ctx); err != nil {
			return fmt.Errorf("realize message %d: %w", m.Seq(), err)
		}
		// The separator line must be captured while its bytes still exist.
		fromLine, _ := s.separatorLine(m.Locator())
		tail = append(tail, pending{m: m, fromLine: fromLine})
	}

	w, err := os.OpenFile(s.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s for writing: %w", s.path, err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Truncate(truncateAt); err != nil {
		return fmt.Errorf("truncate %s at %d: %w", s.path, truncateAt, err)
	}
	if _, err := w.Seek(truncateAt, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", s.path, err)
	}

	out := &countWriter{w: w, n: truncateAt}
	var relocs []relocation
	for _, p := range tail {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := out.n
		if p.raw != nil {
			if _, err := out.Write(p.raw); err != nil {
				return fmt.Errorf("write message %d: %w", p.m.Seq(), err)
			}
			r := relocation{m: p.m, loc: mailfolder.Locator{File: s.path, Offset: start, Length: int64(len(p.raw))}}
			if p.ext.Size > 0 || p.ext.Lines > 0 {
				p.ext.Offset += start
				r.ext, r.hasExt = p.ext, true
			}
			relocs = append(relocs, r)
			continue
		}
		fromLine := p.fromLine
		if fromLine == "" {
			fromLine = synthesizeFromLine(ctx, p.m)
		}
		if err := s.encodeMessageFrom(ctx, out, p.m, fromLine); err != nil {
			return fmt.Errorf("write message %d: %w", p.m.Seq(), err)
		}
		relocs = append(relocs, relocation{
			m:   p.m,
			loc: mailfolder.Locator{File: s.path, Offset: start, Length: out.n - start},
		})
	}

	if err := w.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return s.finish(relocs)
}

// finish swaps the read handle onto the rewritten file and applies the
// held-back locator updates.
func (s *Store) finish(relocs []relocation) error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close old read handle: %w", err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("reopen mbox %s: %w", s.path, err)
	}
	s.file = f
	for _, r := range relocs {
		r.m.SetLocator(r.loc)
		if r.hasExt {
			r.m.SetExtent(r.ext)
		} else {
			r.m.SetExtent(mailfolder.Extent{})
		}
	}
	return nil
}

// encodeMessage writes one message as separator line, escaped content and
// trailing blank line, with CRLF endings when the message was stored that
// way. The original separator line is carried through when it can still
// be read.
func (s *Store) encodeMessage(ctx context.Context, w io.Writer, m *mailfolder.Message) error {
	fromLine, ok := s.separatorLine(m.Locator())
	if !ok {
		fromLine = synthesizeFromLine(ctx, m)
	}
	return s.encodeMessageFrom(ctx, w, m, fromLine)
}

func (s *Store) encodeMessageFrom(ctx context.Context, w io.Writer, m *mailfolder.Message, fromLine string) error {
	ending := "\n"
	if m.DOSMode() {
		ending = "\r\n"
	}
	if _, err := io.WriteString(w, fromLine+ending); err != nil {
		return err
	}
	lw := &lineWriter{w: w, dos: m.DOSMode()}
	if err := m.Encode(ctx, lw); err != nil {
		return err
	}
	if err := lw.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, ending)
	return err
}

// synthesizeFromLine builds a separator line for a message that never had
// one, preferring the envelope sender from Return-Path.
func synthesizeFromLine(ctx context.Context, m *mailfolder.Message) string {
	sender := "MAILER-DAEMON"
	if v, err := m.Get(ctx, "Return-Path"); err == nil {
		if v = strings.Trim(v, "<> \t"); v != "" {
			sender = v
		}
	}
	return "From " + sender + " " + time.Now().UTC().Format(time.ANSIC)
}

// lineWriter applies mboxrd quoting and line-ending restoration to a
// message stream written with plain LF endings. Any line matching
// ">*From " gains one ">".
type lineWriter struct {
	w   io.Writer
	dos bool
	buf []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		if err := lw.emit(string(lw.buf[:i])); err != nil {
			return len(p), err
		}
		lw.buf = lw.buf[i+1:]
	}
}

// Flush writes any final line that arrived without a newline.
func (lw *lineWriter) Flush() error {
	if len(lw.buf) == 0 {
		return nil
	}
	line := string(lw.buf)
	lw.buf = lw.buf[:0]
	return lw.emit(line)
}

func (lw *lineWriter) emit(line string) error {
	if needsEscape(line) {
		line = separator.Escape + line
	}
	ending := "\n"
	if lw.dos {
		ending = "\r\n"
	}
	_, err := io.WriteString(lw.w, line+ending)
	return err
}

// needsEscape reports whether a stored line would be mistaken for a
// separator or for an already-escaped one.
func needsEscape(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, separator.Escape), separator.Prefix)
}

// countWriter tracks the absolute offset of everything written through it.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
