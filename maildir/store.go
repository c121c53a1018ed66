package maildir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/mailfolder"
	"github.com/infodancer/mailfolder/errors"
)

// LabelRecent marks messages that were in new when the folder was opened.
// It is transient and never written back.
const LabelRecent = "recent"

// flagLabels maps maildir flags to label names, both directions.
var flagLabels = []struct {
	flag  maildir.Flag
	label string
}{
	{maildir.FlagSeen, "seen"},
	{maildir.FlagReplied, "replied"},
	{maildir.FlagFlagged, "flagged"},
	{maildir.FlagDraft, "draft"},
	{maildir.FlagTrashed, "trashed"},
	{maildir.FlagPassed, "passed"},
}

// Store implements mailfolder.Backend over a Maildir directory, using
// emersion/go-maildir for the low-level file naming and flag handling.
type Store struct {
	cfg  mailfolder.Config
	path string
	dir  maildir.Dir
	log  *slog.Logger

	// keys maps table messages to their maildir keys. Keys survive flag
	// renames; filenames do not.
	keys map[*mailfolder.Message]string
}

var _ mailfolder.Backend = (*Store)(nil)

// New opens the Maildir at cfg.Path. A missing or uninitialized directory
// is an error in read-only mode and is initialized otherwise.
func New(cfg mailfolder.Config) (mailfolder.Backend, error) {
	if cfg.Path == "" {
		return nil, errors.ErrFolderConfigInvalid
	}
	dir := maildir.Dir(cfg.Path)
	if _, err := os.Stat(filepath.Join(cfg.Path, "cur")); os.IsNotExist(err) {
		if cfg.Mode == mailfolder.ReadOnly {
			return nil, errors.ErrFolderNotFound
		}
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create maildir %s: %w", cfg.Path, err)
		}
		if err := dir.Init(); err != nil {
			return nil, fmt.Errorf("init maildir %s: %w", cfg.Path, err)
		}
	}
	return &Store{
		cfg:  cfg,
		path: cfg.Path,
		dir:  dir,
		log:  cfg.Logger,
		keys: make(map[*mailfolder.Message]string),
	}, nil
}

// Detect reports whether path has the Maildir cur/new/tmp layout.
func Detect(path string) bool {
	for _, sub := range []string{"cur", "new", "tmp"} {
		info, err := os.Stat(filepath.Join(path, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// Kind returns "maildir".
func (s *Store) Kind() string { return Kind }

// Scan moves newly delivered messages from new to cur, then enumerates
// everything in cur ordered by key. Flags become labels; messages that
// arrived via new carry the transient recent label.
func (s *Store) Scan(ctx context.Context) ([]*mailfolder.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recent := make(map[string]bool)
	unseen, err := s.dir.Unseen()
	if err != nil {
		return nil, fmt.Errorf("scan maildir %s: %w", s.path, err)
	}
	for _, msg := range unseen {
		recent[msg.Key()] = true
	}

	all, err := s.dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("scan maildir %s: %w", s.path, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })

	msgs := make([]*mailfolder.Message, 0, len(all))
	for _, msg := range all {
		filename := msg.Filename()
		info, err := os.Stat(filename)
		if err != nil {
			s.logger().Warn("message file vanished during scan, skipping it",
				slog.String("key", msg.Key()),
				slog.String("err", err.Error()))
			continue
		}
		m := mailfolder.NewStub(mailfolder.Locator{
			File:   filename,
			Length: info.Size(),
		}, mailfolder.Extent{})

		var labels []string
		for _, fl := range flagLabels {
			for _, have := range msg.Flags() {
				if have == fl.flag {
					labels = append(labels, fl.label)
				}
			}
		}
		if recent[msg.Key()] {
			labels = append(labels, LabelRecent)
		}
		m.InitLabels(labels...)

		s.keys[m] = msg.Key()
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Open positions a tokenizer at the start of the message's own file. The
// file is closed by done.
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
	tok := mailfolder.NewTokenizer(f, s.logger())
	return tok, func() { _ = f.Close() }, nil
}

// Remove deletes the Maildir with all its subdirectories.
func (s *Store) Remove(ctx context.Context) error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("remove maildir %s: %w", s.path, err)
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

// labelFlags converts a message's labels to the maildir flag set.
func labelFlags(m *mailfolder.Message) []maildir.Flag {
	var flags []maildir.Flag
	for _, fl := range flagLabels {
		if m.Label(fl.label) {
			flags = append(flags, fl.flag)
		}
	}
	return flags
}
