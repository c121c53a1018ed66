package mailfolder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infodancer/mailfolder/errors"
)

// Backend is one folder format implementation. A Backend owns the on-disk
// representation; the Folder owns the message table and drives the backend
// for scanning, realization reads and write-back.
type Backend interface {
	// Kind returns the format name, e.g. "mbox".
	Kind() string

	// Scan enumerates the folder's messages in storage order as stubs or,
	// when the backend carries a header cache or capture set, partially
	// realized messages.
	Scan(ctx context.Context) ([]*Message, error)

	// Open returns a Tokenizer positioned at the header of the message at
	// loc, with the format's separators active. done releases whatever the
	// read borrowed and must be called exactly once.
	Open(ctx context.Context, loc Locator) (tok *Tokenizer, done func(), err error)

	// WriteBack persists the folder's current message table, skipping
	// messages flagged deleted, and updates surviving locators. The caller
	// holds the folder lock.
	WriteBack(ctx context.Context, f *Folder) error

	// Remove deletes the folder's backing file or directory.
	Remove(ctx context.Context) error

	// Close releases the backend's open handles without writing.
	Close() error
}

// Folder is an open mail folder: an ordered table of messages over a
// format backend. A Folder and its messages belong to a single goroutine;
// cross-process coordination goes through the configured Locker.
type Folder struct {
	cfg     Config
	backend Backend
	log     *slog.Logger
	lock    Locker

	msgs []*Message

	undeleted      []*Message
	undeletedValid bool

	dirty  bool
	closed bool
}

// newFolder wraps an opened backend. Registry.Open calls this and then
// load; backends' tests may too.
func newFolder(cfg Config, backend Backend) *Folder {
	return &Folder{
		cfg:     cfg,
		backend: backend,
		log: cfg.logger().With(
			slog.String("kind", backend.Kind()),
			slog.String("folder", cfg.Path)),
		lock: cfg.locker(),
	}
}

// Kind returns the folder's format name.
func (f *Folder) Kind() string { return f.backend.Kind() }

// Path returns the folder's backing path.
func (f *Folder) Path() string { return f.cfg.Path }

// Config returns the configuration the folder was opened with.
func (f *Folder) Config() Config { return f.cfg }

// load scans the backend and applies the laziness policy: messages the
// policy does not delay are realized eagerly, the rest stay as the scan
// left them.
func (f *Folder) load(ctx context.Context) error {
	if !f.lock.Acquire(f.cfg.Path) {
		return fmt.Errorf("scan %s: %w", f.cfg.Path, errors.ErrFolderLocked)
	}
	defer f.lock.Release(f.cfg.Path)

	msgs, err := f.backend.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan %s: %w", f.cfg.Path, err)
	}
	f.msgs = msgs
	for i, m := range f.msgs {
		m.attach(f, i+1)
	}
	for _, m := range f.msgs {
		if f.cfg.Lazy.delay(m) {
			continue
		}
		if err := m.Realize(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("realize message %d in %s: %w", m.Seq(), f.cfg.Path, err)
			}
			// Realize logged the warning and preserved the message's
			// state; one unreadable message must not fail the open.
			continue
		}
	}
	f.undeletedValid = false
	return nil
}

// Len returns the number of messages, including ones flagged deleted.
func (f *Folder) Len() int { return len(f.msgs) }

// Messages returns the message table in storage order, deleted-flagged
// messages included. The slice is shared; callers must not modify it.
func (f *Folder) Messages() []*Message { return f.msgs }

// Message returns the message with the given 1-based sequence number.
func (f *Folder) Message(seq int) (*Message, error) {
	if seq < 1 || seq > len(f.msgs) {
		return nil, fmt.Errorf("message %d of %d: %w", seq, len(f.msgs), errors.ErrMessageNotFound)
	}
	return f.msgs[seq-1], nil
}

// Undeleted returns the messages not flagged for deletion. The result is
// cached and recomputed only after a deletion flag changes.
func (f *Folder) Undeleted() []*Message {
	if f.undeletedValid {
		return f.undeleted
	}
	f.undeleted = f.undeleted[:0]
	for _, m := range f.msgs {
		if !m.Deleted() {
			f.undeleted = append(f.undeleted, m)
		}
	}
	f.undeletedValid = true
	return f.undeleted
}

// Append adds a detached message to the end of the folder. The message is
// persisted at the next Sync.
func (f *Folder) Append(ctx context.Context, m *Message) error {
	if f.closed {
		return errors.ErrFolderClosed
	}
	if f.cfg.Mode == ReadOnly {
		return errors.ErrReadOnly
	}
	if m.state != StateBodyRealized {
		if err := m.Realize(ctx); err != nil {
			return err
		}
	}
	m.attach(f, len(f.msgs)+1)
	m.modified = true
	f.msgs = append(f.msgs, m)
	f.dirty = true
	f.undeletedValid = false
	return nil
}

// Dirty reports whether the folder holds changes not yet written back.
func (f *Folder) Dirty() bool {
	if f.dirty {
		return true
	}
	for _, m := range f.msgs {
		if m.Deleted() || m.LabelsModified() {
			return true
		}
	}
	return false
}

// Sync writes pending changes back to the store: modified messages are
// rewritten, deleted-flagged ones are dropped and the survivors
// renumbered. With nothing pending it is a no-op.
func (f *Folder) Sync(ctx context.Context) error {
	if f.closed {
		return errors.ErrFolderClosed
	}
	if !f.Dirty() {
		return nil
	}
	if f.cfg.Mode == ReadOnly {
		return errors.ErrReadOnly
	}
	if !f.lock.Acquire(f.cfg.Path) {
		return fmt.Errorf("sync %s: %w", f.cfg.Path, errors.ErrFolderLocked)
	}
	defer f.lock.Release(f.cfg.Path)

	if err := f.backend.WriteBack(ctx, f); err != nil {
		return fmt.Errorf("sync %s: %w", f.cfg.Path, err)
	}

	kept := f.msgs[:0]
	for _, m := range f.msgs {
		if m.Deleted() {
			_ = m.closeBody()
			continue
		}
		kept = append(kept, m)
	}
	f.msgs = kept
	for i, m := range f.msgs {
		m.attach(f, i+1)
		m.modified = false
		m.clearLabelsModified()
	}
	f.dirty = false
	f.undeletedValid = false

	if f.cfg.AutoRemoveEmpty && len(f.msgs) == 0 {
		if err := f.backend.Remove(ctx); err != nil {
			return fmt.Errorf("remove empty %s: %w", f.cfg.Path, err)
		}
		f.closed = true
	}
	return nil
}

// Close syncs pending changes (unless the folder is read-only) and
// releases the backend. A closed folder rejects further operations.
func (f *Folder) Close(ctx context.Context) error {
	if f.closed {
		return nil
	}
	if f.cfg.Mode != ReadOnly && f.Dirty() {
		if err := f.Sync(ctx); err != nil {
			return err
		}
	}
	f.closed = true
	for _, m := range f.msgs {
		_ = m.closeBody()
	}
	return f.backend.Close()
}

// noteModification marks the folder dirty.
func (f *Folder) noteModification() { f.dirty = true }

// noteDeletion invalidates the undeleted cache after a deletion flag flip.
func (f *Folder) noteDeletion() { f.undeletedValid = false }

// openMessage positions a read at m's stored bytes for realization.
func (f *Folder) openMessage(ctx context.Context, m *Message) (*Tokenizer, func(), error) {
	if f.closed {
		return nil, nil, errors.ErrFolderClosed
	}
	return f.backend.Open(ctx, m.loc)
}

// bodyPolicy returns the configured body policy or the default.
func (f *Folder) bodyPolicy() BodyPolicy {
	if f.cfg.Body != nil {
		return f.cfg.Body
	}
	return DefaultBodyPolicy(nil, 0)
}

// Logger returns the folder's logger for backends to share.
func (f *Folder) Logger() *slog.Logger { return f.log }
