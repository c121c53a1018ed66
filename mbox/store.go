package mbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/infodancer/mailfolder"
	"github.com/infodancer/mailfolder/errors"
)

// separator is the mbox message boundary with mboxrd escaping.
var separator = mailfolder.Separator{Prefix: "From ", Escape: ">"}

// Store implements mailfolder.Backend for a single mbox file. The read
// handle stays open for the folder's lifetime so unrealized messages can
// be read on demand; write-back uses a separate handle.
type Store struct {
	cfg  mailfolder.Config
	path string
	file *os.File
	log  *slog.Logger

	dos bool // CRLF endings detected during the scan
}

var _ mailfolder.Backend = (*Store)(nil)

// New opens the mbox file at cfg.Path. A missing file is an error in
// read-only mode and is created empty otherwise.
func New(cfg mailfolder.Config) (mailfolder.Backend, error) {
	if cfg.Path == "" {
		return nil, errors.ErrFolderConfigInvalid
	}
	f, err := os.Open(cfg.Path)
	if os.IsNotExist(err) && cfg.Mode != mailfolder.ReadOnly {
		f, err = os.OpenFile(cfg.Path, os.O_RDONLY|os.O_CREATE, 0600)
	}
	if os.IsNotExist(err) {
		return nil, errors.ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open mbox %s: %w", cfg.Path, err)
	}
	return &Store{cfg: cfg, path: cfg.Path, file: f, log: cfg.Logger}, nil
}

// Detect reports whether path looks like an mbox folder: a regular file
// that is empty or begins with a "From " line.
func Detect(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() == 0 {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, len(separator.Prefix))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}
	return string(buf) == separator.Prefix
}

// Kind returns "mbox".
func (s *Store) Kind() string { return Kind }

// Scan walks the folder once, delimiting each message's raw byte range
// and body extent. With a capture set configured, the header fields it
// names are kept as partial headers; otherwise messages come back as
// stubs.
func (s *Store) Scan(ctx context.Context) ([]*mailfolder.Message, error) {
	tok := mailfolder.NewTokenizer(s.file, s.logger())
	if err := tok.Seek(0); err != nil {
		return nil, err
	}
	tok.PushSeparator(separator)

	var msgs []*mailfolder.Message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, start, err := tok.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(line, separator.Prefix) {
			// Content before the first separator (or between messages
			// where none should be) is skipped with a warning.
			s.logger().Warn("skipping content outside any message",
				slog.Int64("offset", start))
			continue
		}

		fields, err := tok.ReadHeader()
		if err != nil {
			return nil, err
		}
		ext, err := tok.BodyExtent(0, 0)
		if err != nil {
			return nil, err
		}

		end := tok.Offset()
		m := mailfolder.NewStub(mailfolder.Locator{
			File:   s.path,
			Offset: start,
			Length: end - start,
		}, ext)
		if len(s.cfg.Capture) > 0 {
			m.SetPartialHeader(mailfolder.NewPartialHeader(fields, s.cfg.Capture))
		}
		m.SetDOSMode(tok.DOSMode())
		msgs = append(msgs, m)
	}
	s.dos = tok.DOSMode()
	return msgs, nil
}

// Open positions a tokenizer at the header of the message at loc, just
// past its "From " line. A locator pointing outside the file or at
// something other than a separator line is stale.
func (s *Store) Open(ctx context.Context, loc mailfolder.Locator) (*mailfolder.Tokenizer, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	info, err := s.file.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat mbox %s: %w", s.path, err)
	}
	if loc.Offset+loc.Length > info.Size() {
		return nil, nil, fmt.Errorf("locator %d+%d beyond %d bytes: %w",
			loc.Offset, loc.Length, info.Size(), errors.ErrStaleLocator)
	}

	tok := mailfolder.NewTokenizer(s.file, s.logger())
	if err := tok.Seek(loc.Offset); err != nil {
		return nil, nil, err
	}
	tok.PushSeparator(separator)
	line, _, err := tok.ReadLine()
	if err != nil {
		return nil, nil, fmt.Errorf("read separator at %d: %w", loc.Offset, err)
	}
	if !strings.HasPrefix(line, separator.Prefix) {
		return nil, nil, fmt.Errorf("no separator at %d: %w", loc.Offset, errors.ErrStaleLocator)
	}
	return tok, func() {}, nil
}

// Remove deletes the backing file.
func (s *Store) Remove(ctx context.Context) error {
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("remove mbox %s: %w", s.path, err)
	}
	return nil
}

// Close releases the read handle without writing.
func (s *Store) Close() error {
	return s.file.Close()
}

func (s *Store) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// separatorLine reads the original "From " line of the message at loc so
// a rewrite can carry it through unchanged.
func (s *Store) separatorLine(loc mailfolder.Locator) (string, bool) {
	if loc.Length == 0 {
		return "", false
	}
	buf := make([]byte, min64(loc.Length, 1024))
	n, err := s.file.ReadAt(buf, loc.Offset)
	if err != nil && err != io.EOF {
		return "", false
	}
	text := string(buf[:n])
	if !strings.HasPrefix(text, separator.Prefix) {
		return "", false
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimRight(text[:i], "\r"), true
	}
	return "", false
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
