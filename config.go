package mailfolder

import "log/slog"

// Mode selects how a folder is opened.
type Mode int

const (
	// ReadOnly opens the folder for reading; Sync and message edits fail.
	ReadOnly Mode = iota

	// ReadWrite opens the folder for reading and writing.
	ReadWrite

	// Append opens the folder for adding messages only; existing messages
	// may be read but not modified or deleted.
	Append
)

// WritePolicy selects the write-back strategy for single-file folders.
type WritePolicy int

const (
	// WriteFullReplace writes the whole folder to a temporary file and
	// atomically renames it over the original. An interrupted write leaves
	// the original untouched. This is the default.
	WriteFullReplace WritePolicy = iota

	// WriteInPlace truncates the backing file after the longest unmodified
	// prefix of messages and appends the remainder. Faster for folders
	// modified near the end, but a crash between truncate and append loses
	// the remaining messages. Opt-in only.
	WriteInPlace
)

// LazyMode selects when message bodies are realized.
type LazyMode int

const (
	// LazyAlways delays every body until its content is first accessed.
	LazyAlways LazyMode = iota

	// LazySizeThreshold delays bodies of at least Threshold bytes and
	// realizes smaller ones eagerly during header realization.
	LazySizeThreshold

	// LazyPredicate consults Predicate; a true result delays the body.
	LazyPredicate

	// LazyNever realizes every body as soon as its header is read.
	LazyNever
)

// LazyPolicy controls when message bodies are read from disk.
type LazyPolicy struct {
	Mode      LazyMode
	Threshold int64               // used by LazySizeThreshold
	Predicate func(*Message) bool // used by LazyPredicate
}

// delay reports whether m's body should stay delayed after header realization.
func (p LazyPolicy) delay(m *Message) bool {
	switch p.Mode {
	case LazySizeThreshold:
		return m.extent.Size >= p.Threshold
	case LazyPredicate:
		return p.Predicate != nil && p.Predicate(m)
	case LazyNever:
		return false
	default:
		return true
	}
}

// Config contains settings for opening a folder. It is passed in-process;
// the engine defines no command-line or file-based configuration surface.
type Config struct {
	// Kind is the folder format name (e.g. "mbox", "mh", "maildir").
	// Empty means autodetect against the registered formats.
	Kind string

	// Path is the folder's backing file (mbox) or directory (MH, Maildir).
	Path string

	// Mode is the open mode. The zero value is ReadOnly.
	Mode Mode

	// Capture lists the header field names recorded during partial header
	// realization. Empty means headers are always read completely.
	// Matching is case-insensitive.
	Capture []string

	// Lazy controls when message bodies are realized.
	Lazy LazyPolicy

	// Write selects the write-back strategy. Directory-per-message formats
	// ignore it and always rewrite per file.
	Write WritePolicy

	// Body chooses the in-memory representation for realized bodies.
	// Nil means DefaultBodyPolicy with a 64 KiB file threshold.
	Body BodyPolicy

	// AutoRemoveEmpty deletes the backing file or directory when a
	// write-back leaves the folder with zero messages.
	AutoRemoveEmpty bool

	// Locker coordinates with other processes touching the same folder.
	// Nil means no locking.
	Locker Locker

	// Logger receives parse and realization warnings.
	// Nil means slog.Default().
	Logger *slog.Logger

	// Options contains format-specific settings.
	Options map[string]string
}

// logger returns the configured logger or the process default.
func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// locker returns the configured locker or a no-op one.
func (c Config) locker() Locker {
	if c.Locker != nil {
		return c.Locker
	}
	return nopLocker{}
}
