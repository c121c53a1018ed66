package maildir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/infodancer/mailfolder"
)

// WriteBack applies pending changes per file: modified messages are
// delivered as fresh files before their old files are removed, deleted
// messages are removed, and pure label changes rename the file to carry
// the new flag set.
func (s *Store) WriteBack(ctx context.Context, f *mailfolder.Folder) error {
	for _, m := range f.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, hasKey := s.keys[m]

		switch {
		case m.Deleted():
			if hasKey {
				if err := s.removeByKey(key); err != nil {
					return fmt.Errorf("remove message %d: %w", m.Seq(), err)
				}
				delete(s.keys, m)
			}

		case m.Modified() || !hasKey:
			if err := s.rewriteMessage(ctx, m); err != nil {
				return fmt.Errorf("write message %d: %w", m.Seq(), err)
			}
			if hasKey {
				if err := s.removeByKey(key); err != nil {
					return fmt.Errorf("remove old copy of message %d: %w", m.Seq(), err)
				}
			}

		case m.LabelsModified():
			if err := s.renameFlags(m, key); err != nil {
				return fmt.Errorf("reflag message %d: %w", m.Seq(), err)
			}
		}
	}
	return nil
}

// removeByKey removes a message file, tolerating one already gone.
func (s *Store) removeByKey(key string) error {
	msg, err := s.dir.MessageByKey(key)
	if err != nil {
		return nil // already gone
	}
	if err := msg.Remove(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// rewriteMessage writes a realized message as a new file in cur with its
// labels as flags and points the locator at it.
func (s *Store) rewriteMessage(ctx context.Context, m *mailfolder.Message) error {
	if err := m.Realize(ctx); err != nil {
		return err
	}
	header, err := m.Header(ctx)
	if err != nil {
		return err
	}
	body, err := m.Body(ctx)
	if err != nil {
		return err
	}

	msg, w, err := s.dir.Create(labelFlags(m))
	if err != nil {
		return err
	}
	abort := func(err error) error {
		_ = w.Close()
		_ = msg.Remove()
		return err
	}

	dos := m.DOSMode()
	ending := "\n"
	if dos {
		ending = "\r\n"
	}
	out := &countWriter{w: w}
	if err := header.Encode(out, mailfolder.DefaultFoldWidth, dos); err != nil {
		return abort(err)
	}
	if _, err := io.WriteString(out, ending); err != nil {
		return abort(err)
	}
	bodyStart := out.n
	var bw io.Writer = out
	if dos {
		bw = crlfWriter{w: out}
	}
	if _, err := body.Encode(bw); err != nil {
		return abort(err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	s.keys[m] = msg.Key()
	m.SetLocator(mailfolder.Locator{File: msg.Filename(), Length: out.n})
	m.SetExtent(mailfolder.Extent{
		Offset: bodyStart,
		Size:   out.n - bodyStart,
		Lines:  body.Lines(),
	})
	return nil
}

// renameFlags applies a pure label change by renaming the message file to
// carry the new flag set, then updates the locator to the new name.
func (s *Store) renameFlags(m *mailfolder.Message, key string) error {
	msg, err := s.dir.MessageByKey(key)
	if err != nil {
		return err
	}
	if err := msg.SetFlags(labelFlags(m)); err != nil {
		return err
	}
	loc := m.Locator()
	loc.File = msg.Filename()
	m.SetLocator(loc)
	return nil
}

// crlfWriter restores CRLF endings on a stream written with plain LF.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// countWriter tracks how many bytes passed through it.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
