package mh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/infodancer/mailfolder"
)

// WriteBack is the degenerate per-file form: each modified message is
// written to a uniquely named temporary file and renamed over its numeric
// name, deleted messages have their files removed, and the sequence and
// index files are regenerated afterwards.
func (s *Store) WriteBack(ctx context.Context, f *mailfolder.Folder) error {
	used, next, err := s.usedNumbers(f)
	if err != nil {
		return err
	}

	numbers := make(map[*mailfolder.Message]int)
	for _, m := range f.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.Deleted() {
			if file := m.Locator().File; file != "" {
				if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove message %d: %w", m.Seq(), err)
				}
			}
			continue
		}

		name := filepath.Base(m.Locator().File)
		n, ok := messageNumber(name)
		if !ok {
			for used[next] {
				next++
			}
			n, name = next, fmt.Sprint(next)
			used[n] = true
		}
		numbers[m] = n

		if m.Modified() || m.Locator().File == "" {
			if err := s.writeMessage(ctx, m, name); err != nil {
				return fmt.Errorf("write message %d: %w", m.Seq(), err)
			}
		}
	}

	if err := s.writeSequences(f, numbers); err != nil {
		return err
	}
	return s.rebuildIndex(ctx, f, numbers)
}

// usedNumbers collects the numeric names already taken, on disk or in the
// table, and the first candidate for a new message.
func (s *Store) usedNumbers(f *mailfolder.Folder) (map[int]bool, int, error) {
	used := make(map[int]bool)
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, 0, fmt.Errorf("read mh folder %s: %w", s.path, err)
	}
	for _, e := range entries {
		if n, ok := messageNumber(e.Name()); ok {
			used[n] = true
		}
	}
	for _, m := range f.Messages() {
		if n, ok := messageNumber(filepath.Base(m.Locator().File)); ok {
			used[n] = true
		}
	}
	next := 1
	for used[next] {
		next++
	}
	return used, next, nil
}

// writeMessage serializes one realized message to a temporary file and
// renames it over the numeric name, then updates locator and extent.
func (s *Store) writeMessage(ctx context.Context, m *mailfolder.Message, name string) error {
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

	tmp, tmpPath, err := mailfolder.NewTempFile(s.path, ".mh")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	dos := m.DOSMode()
	ending := "\n"
	if dos {
		ending = "\r\n"
	}
	out := &countWriter{w: tmp}
	if err := header.Encode(out, mailfolder.DefaultFoldWidth, dos); err != nil {
		return fail(err)
	}
	if _, err := io.WriteString(out, ending); err != nil {
		return fail(err)
	}
	bodyStart := out.n
	var bw io.Writer = out
	if dos {
		bw = crlfWriter{w: out}
	}
	if _, err := body.Encode(bw); err != nil {
		return fail(err)
	}

	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync %s: %w", tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	target := filepath.Join(s.path, name)
	if err := mailfolder.ReplaceFile(tmpPath, target); err != nil {
		return err
	}

	m.SetLocator(mailfolder.Locator{File: target, Length: out.n})
	m.SetExtent(mailfolder.Extent{
		Offset: bodyStart,
		Size:   out.n - bodyStart,
		Lines:  body.Lines(),
	})
	return nil
}

// writeSequences regenerates .mh_sequences from the surviving messages'
// labels. An empty sequence set removes the file.
func (s *Store) writeSequences(f *mailfolder.Folder, numbers map[*mailfolder.Message]int) error {
	seqs := make(map[string][]int)
	for _, m := range f.Messages() {
		n, ok := numbers[m]
		if !ok {
			continue
		}
		if !m.Label(LabelSeen) {
			seqs[seqUnseen] = append(seqs[seqUnseen], n)
		}
		for _, label := range m.Labels() {
			switch label {
			case LabelSeen:
			case LabelCurrent:
				seqs[seqCurrent] = append(seqs[seqCurrent], n)
			default:
				seqs[label] = append(seqs[label], n)
			}
		}
	}

	path := filepath.Join(s.path, sequencesFile)
	content := formatSequences(seqs)
	if content == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}

	tmp, tmpPath, err := mailfolder.NewTempFile(s.path, ".mh_sequences")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(tmp, content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	return mailfolder.ReplaceFile(tmpPath, path)
}

// rebuildIndex regenerates the header cache from every message whose
// complete header and body extent are in memory.
func (s *Store) rebuildIndex(ctx context.Context, f *mailfolder.Folder, numbers map[*mailfolder.Message]int) error {
	var entries []indexEntry
	for _, m := range f.Messages() {
		if _, ok := numbers[m]; !ok {
			continue
		}
		if m.State() < mailfolder.StateHeaderComplete {
			continue
		}
		ext := m.Extent()
		if ext.Size == 0 && ext.Lines == 0 {
			continue
		}
		header, err := m.Header(ctx)
		if err != nil {
			continue
		}
		entries = append(entries, indexEntry{
			name:      filepath.Base(m.Locator().File),
			size:      m.Locator().Length,
			bodyStart: ext.Offset,
			bodyLines: ext.Lines,
			header:    header,
		})
	}
	return writeIndex(s.path, entries)
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
