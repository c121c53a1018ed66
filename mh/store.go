package mh

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/infodancer/mailfolder"
	"github.com/infodancer/mailfolder/errors"
)

// Store implements mailfolder.Backend for an MH folder directory. Message
// files are opened on demand; nothing stays open between reads.
type Store struct {
	cfg  mailfolder.Config
	path string
	log  *slog.Logger
}

var _ mailfolder.Backend = (*Store)(nil)

// New opens the MH directory at cfg.Path. A missing directory is an error
// in read-only mode and is created otherwise.
func New(cfg mailfolder.Config) (mailfolder.Backend, error) {
	if cfg.Path == "" {
		return nil, errors.ErrFolderConfigInvalid
	}
	info, err := os.Stat(cfg.Path)
	switch {
	case os.IsNotExist(err) && cfg.Mode != mailfolder.ReadOnly:
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create mh folder %s: %w", cfg.Path, err)
		}
	case os.IsNotExist(err):
		return nil, errors.ErrFolderNotFound
	case err != nil:
		return nil, fmt.Errorf("open mh folder %s: %w", cfg.Path, err)
	case !info.IsDir():
		return nil, errors.ErrFolderConfigInvalid
	}
	return &Store{cfg: cfg, path: cfg.Path, log: cfg.Logger}, nil
}

// Detect reports whether path looks like an MH folder: a directory that
// is not a Maildir and holds a .mh_sequences file or a numbered message.
func Detect(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if isMaildirLayout(path) {
		return false
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() == sequencesFile {
			return true
		}
		if _, ok := messageNumber(e.Name()); ok && !e.IsDir() {
			return true
		}
	}
	return false
}

func isMaildirLayout(path string) bool {
	for _, sub := range []string{"cur", "new", "tmp"} {
		if info, err := os.Stat(filepath.Join(path, sub)); err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// messageNumber parses an MH message file name: a positive decimal
// number with no extra characters.
func messageNumber(name string) (int, bool) {
	n, err := strconv.Atoi(name)
	if err != nil || n < 1 || strconv.Itoa(n) != name {
		return 0, false
	}
	return n, true
}

// Kind returns "mh".
func (s *Store) Kind() string { return Kind }

// Scan enumerates numbered files in numeric order. Headers come from the
// index cache where an entry's recorded size matches the live file;
// everything else starts as a stub. Labels are seeded from .mh_sequences.
func (s *Store) Scan(ctx context.Context) ([]*mailfolder.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("read mh folder %s: %w", s.path, err)
	}

	type numbered struct {
		n    int
		name string
		size int64
	}
	var files []numbered
	for _, e := range entries {
		n, ok := messageNumber(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, numbered{n: n, name: e.Name(), size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	highest := 0
	if len(files) > 0 {
		highest = files[len(files)-1].n
	}

	index := readIndex(filepath.Join(s.path, indexFile), s.logger())
	seqs, err := s.readSequences(highest)
	if err != nil {
		return nil, err
	}
	unseen := toSet(seqs[seqUnseen])
	current := toSet(seqs[seqCurrent])

	msgs := make([]*mailfolder.Message, 0, len(files))
	for _, file := range files {
		m := mailfolder.NewStub(mailfolder.Locator{
			File:   filepath.Join(s.path, file.name),
			Length: file.size,
		}, mailfolder.Extent{})

		if entry, ok := index[file.name]; ok && entry.size == file.size {
			m.SetCachedHeader(entry.header, mailfolder.Extent{
				Offset: entry.bodyStart,
				Size:   file.size - entry.bodyStart,
				Lines:  entry.bodyLines,
			})
		}

		var labels []string
		if current[file.n] {
			labels = append(labels, LabelCurrent)
		}
		if !unseen[file.n] {
			labels = append(labels, LabelSeen)
		}
		for name, nums := range seqs {
			if name == seqUnseen || name == seqCurrent {
				continue
			}
			if toSet(nums)[file.n] {
				labels = append(labels, name)
			}
		}
		m.InitLabels(labels...)
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Store) readSequences(highest int) (map[string][]int, error) {
	f, err := os.Open(filepath.Join(s.path, sequencesFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sequencesFile, err)
	}
	defer func() { _ = f.Close() }()
	return parseSequences(f, highest)
}

func toSet(nums []int) map[int]bool {
	set := make(map[int]bool, len(nums))
	for _, n := range nums {
		set[n] = true
	}
	return set
}

// Open positions a tokenizer at the start of the message's own file. The
// file is closed by done. A vanished or resized file is a stale locator.
func (s *Store) Open(ctx context.Context, loc mailfolder.Locator) (*mailfolder.Tokenizer, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(loc.File)
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("message file %s vanished: %w", loc.File, errors.ErrStaleLocator)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open message file %s: %w", loc.File, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat message file %s: %w", loc.File, err)
	}
	if loc.Length > 0 && info.Size() != loc.Length {
		_ = f.Close()
		return nil, nil, fmt.Errorf("message file %s is %d bytes, expected %d: %w",
			loc.File, info.Size(), loc.Length, errors.ErrStaleLocator)
	}
	tok := mailfolder.NewTokenizer(f, s.logger())
	return tok, func() { _ = f.Close() }, nil
}

// Remove deletes the folder directory with its bookkeeping files.
func (s *Store) Remove(ctx context.Context) error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("remove mh folder %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op; the store holds no open handles between operations.
func (s *Store) Close() error { return nil }

func (s *Store) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}
