package mailfolder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/infodancer/mailfolder/errors"
)

// Locator records where a message's raw bytes live in its backing store.
// For single-file formats File names the folder file and Offset/Length the
// verbatim byte range including the separator line; for per-file formats
// File names the message's own file and Offset is zero. A Locator is only
// valid until the next write-back rearranges the store.
type Locator struct {
	File   string
	Offset int64
	Length int64
}

// State is a message's position in the realization lifecycle. States only
// ever advance, except that a failed realization leaves the prior state in
// place.
type State int

const (
	// StateStub means only the locator and extent estimate are known.
	StateStub State = iota

	// StateHeaderPartial means a bounded capture set of header fields was
	// read; the rest of the header is unknown, not absent.
	StateHeaderPartial

	// StateHeaderComplete means the full header is in memory but the
	// body's extent has not been delimited yet.
	StateHeaderComplete

	// StateBodyDelayed means the full header and the body's extent are
	// known; the body content itself has not been read.
	StateBodyDelayed

	// StateBodyRealized means header and body are both fully in memory
	// (or spooled under the engine's control).
	StateBodyRealized
)

func (s State) String() string {
	switch s {
	case StateStub:
		return "stub"
	case StateHeaderPartial:
		return "header-partial"
	case StateHeaderComplete:
		return "header-complete"
	case StateBodyDelayed:
		return "body-delayed"
	case StateBodyRealized:
		return "body-realized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is one message in a folder. Messages are created by their
// folder's backend during the scan and stay owned by the folder; they hold
// a borrowed reference back to it for on-demand realization. Content
// access realizes lazily: reading an uncaptured header field upgrades the
// header, and reading the body materializes it.
type Message struct {
	folder *Folder
	seq    int // 1-based position in the folder, 0 for detached messages

	loc    Locator
	extent Extent
	state  State

	header *Header
	body   Body

	modified bool
	deleted  bool
	dos      bool // body bytes on disk carry CRLF endings

	labels         map[string]bool
	labelsModified bool
}

// NewStub returns a message in the Stub state, known only by its location
// and extent estimate. Backends create stubs during the folder scan.
func NewStub(loc Locator, ext Extent) *Message {
	return &Message{loc: loc, extent: ext, state: StateStub}
}

// NewMessage returns a detached, fully realized message ready to be
// appended to a folder. body may be nil for an empty body.
func NewMessage(h *Header, body Body) *Message {
	if h == nil {
		h = NewHeader(nil)
	}
	if body == nil {
		body = NewLinesBody(nil)
	}
	return &Message{header: h, body: body, state: StateBodyRealized, modified: true}
}

// newEmbeddedMessage returns a sub-message of a multipart or nested body.
// It shares the owner's folder for logging but has no locator of its own.
func newEmbeddedMessage(owner *Message, h *Header) *Message {
	return &Message{folder: owner.folder, header: h, state: StateHeaderComplete}
}

// adoptBody installs a freshly materialized body on an embedded message.
func (m *Message) adoptBody(b Body) {
	m.body = b
	m.state = StateBodyRealized
}

// attach binds a message to its owning folder at sequence seq.
func (m *Message) attach(f *Folder, seq int) {
	m.folder = f
	m.seq = seq
}

// Seq returns the message's 1-based sequence number within its folder, or
// zero for a detached message.
func (m *Message) Seq() int { return m.seq }

// State returns the message's realization state.
func (m *Message) State() State { return m.state }

// Locator returns where the message's raw bytes live.
func (m *Message) Locator() Locator { return m.loc }

// SetLocator updates the message's location after a write-back moved it.
func (m *Message) SetLocator(loc Locator) { m.loc = loc }

// Extent returns the recorded body extent, which may be a zero estimate.
func (m *Message) Extent() Extent { return m.extent }

// SetExtent records the body extent, typically from an index cache or a
// write-back relocation.
func (m *Message) SetExtent(ext Extent) {
	m.extent = ext
	if db, ok := m.body.(*DelayedBody); ok {
		db.extent = ext
	}
}

// Modified reports whether the message differs from its stored bytes.
func (m *Message) Modified() bool { return m.modified }

// DOSMode reports whether the stored body carries CRLF line endings.
func (m *Message) DOSMode() bool { return m.dos }

// SetDOSMode records the stored line-ending convention, set by backends
// during the scan or realization.
func (m *Message) SetDOSMode(dos bool) { m.dos = dos }

// Deleted reports whether the message is flagged for removal at the next
// sync.
func (m *Message) Deleted() bool { return m.deleted }

// Delete flags the message for removal at the next sync. The flag is a
// label until then; Undelete clears it.
func (m *Message) Delete() {
	if !m.deleted {
		m.deleted = true
		if m.folder != nil {
			m.folder.noteDeletion()
		}
	}
}

// Undelete clears the deletion flag.
func (m *Message) Undelete() {
	if m.deleted {
		m.deleted = false
		if m.folder != nil {
			m.folder.noteDeletion()
		}
	}
}

// InitLabels seeds labels from the store during the scan, without marking
// them modified.
func (m *Message) InitLabels(names ...string) {
	if m.labels == nil {
		m.labels = make(map[string]bool, len(names))
	}
	for _, name := range names {
		m.labels[name] = true
	}
}

// Label reports whether the named label is set on the message.
func (m *Message) Label(name string) bool { return m.labels[name] }

// SetLabel sets or clears a label. Labels persist through sync in formats
// that store them (MH sequences, Maildir flags) and are dropped elsewhere.
func (m *Message) SetLabel(name string, on bool) {
	if m.labels[name] == on {
		return
	}
	if m.labels == nil {
		m.labels = make(map[string]bool)
	}
	if on {
		m.labels[name] = true
	} else {
		delete(m.labels, name)
	}
	m.labelsModified = true
}

// Labels returns the set labels in sorted order.
func (m *Message) Labels() []string {
	names := make([]string, 0, len(m.labels))
	for name, on := range m.labels {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LabelsModified reports whether labels changed since the last sync.
func (m *Message) LabelsModified() bool { return m.labelsModified }

// clearLabelsModified is called by backends after persisting labels.
func (m *Message) clearLabelsModified() { m.labelsModified = false }

// SetCachedHeader seeds the message with header fields recovered from an
// index cache, skipping the initial read. A complete header with a known
// body extent advances straight to BodyDelayed.
func (m *Message) SetCachedHeader(h *Header, bodyExtent Extent) {
	m.header = h
	if bodyExtent.known() {
		m.extent = bodyExtent
		m.body = &DelayedBody{extent: bodyExtent}
	}
	switch {
	case !h.Complete():
		m.state = StateHeaderPartial
	case bodyExtent.known():
		m.state = StateBodyDelayed
	default:
		m.state = StateHeaderComplete
	}
}

// SetPartialHeader seeds the message with a capture-set header read during
// the folder scan.
func (m *Message) SetPartialHeader(h *Header) {
	m.header = h
	m.state = StateHeaderPartial
}

// Get returns the first value of the named header field, realizing the
// complete header first when a partial header does not cover the name. An
// uncovered name is a trigger, never a silent miss.
func (m *Message) Get(ctx context.Context, name string) (string, error) {
	if m.header != nil && m.header.Covers(name) {
		return m.header.Get(name), nil
	}
	if err := m.realize(ctx, false); err != nil {
		return "", err
	}
	return m.header.Get(name), nil
}

// Header returns the complete header, reading it from the store if the
// message holds none or only a partial one.
func (m *Message) Header(ctx context.Context) (*Header, error) {
	if m.header == nil || !m.header.Complete() {
		if err := m.realize(ctx, false); err != nil {
			return nil, err
		}
	}
	return m.header, nil
}

// Body returns the realized body, materializing it on first access.
func (m *Message) Body(ctx context.Context) (Body, error) {
	if m.state != StateBodyRealized {
		if err := m.realize(ctx, true); err != nil {
			return nil, err
		}
	}
	return m.body, nil
}

// Realize brings the message fully into memory: complete header and
// materialized body.
func (m *Message) Realize(ctx context.Context) error {
	return m.realize(ctx, true)
}

// SetField replaces the named header field's value, realizing the complete
// header first so duplicates elsewhere in the header are found.
func (m *Message) SetField(ctx context.Context, name, value string) error {
	if err := m.mutableHeader(ctx); err != nil {
		return err
	}
	m.header.Set(name, value)
	m.markModified()
	return nil
}

// AddField appends a header field, preserving existing fields of the same
// name.
func (m *Message) AddField(ctx context.Context, name, value string) error {
	if err := m.mutableHeader(ctx); err != nil {
		return err
	}
	m.header.Add(name, value)
	m.markModified()
	return nil
}

// DeleteField removes every header field of the given name.
func (m *Message) DeleteField(ctx context.Context, name string) error {
	if err := m.mutableHeader(ctx); err != nil {
		return err
	}
	m.header.Del(name)
	m.markModified()
	return nil
}

// writable reports whether the open mode allows mutating this message.
// Append mode admits only messages not yet persisted.
func (m *Message) writable() error {
	if m.folder == nil {
		return nil
	}
	switch m.folder.cfg.Mode {
	case ReadWrite:
		return nil
	case Append:
		if m.loc.File == "" {
			return nil
		}
		return errors.ErrReadOnly
	default:
		return errors.ErrReadOnly
	}
}

// mutableHeader ensures a header is present to mutate. Partial headers may
// be mutated directly; the mutation makes the name authoritative.
func (m *Message) mutableHeader(ctx context.Context) error {
	if err := m.writable(); err != nil {
		return err
	}
	if m.header == nil {
		if err := m.realize(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

// SetBody replaces the message's body. The old body is closed, the stored
// extent no longer describes the message, and the message is modified.
func (m *Message) SetBody(b Body) error {
	if err := m.writable(); err != nil {
		return err
	}
	if m.body != nil {
		_ = m.body.Close()
	}
	m.body = b
	m.extent = Extent{}
	m.state = StateBodyRealized
	m.markModified()
	return nil
}

// markModified flags the message and its folder as needing a write-back.
func (m *Message) markModified() {
	m.modified = true
	if m.folder != nil {
		m.folder.noteModification()
	}
}

// Encode writes the message as header, blank line and body with plain LF
// endings, realizing it first. Separator escaping and CRLF restoration are
// applied by the backend writing a folder, not here.
func (m *Message) Encode(ctx context.Context, w io.Writer) error {
	if err := m.realize(ctx, true); err != nil {
		return err
	}
	return m.encode(w)
}

// encode writes an already realized message.
func (m *Message) encode(w io.Writer) error {
	if m.header == nil || m.body == nil || m.state != StateBodyRealized {
		return errors.ErrBodyDelayed
	}
	if err := m.header.Encode(w, DefaultFoldWidth, false); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	_, err := m.body.Encode(w)
	return err
}

// closeBody releases body resources, recursively for structured bodies.
func (m *Message) closeBody() error {
	if m.body == nil {
		return nil
	}
	err := m.body.Close()
	m.body = nil
	return err
}

// realize advances the message's state with a single backend open: the
// header is completed if partial or absent, then the body is either
// delimited (recording its extent) or fully materialized when needBody is
// set. On failure the prior state is preserved and a warning logged.
func (m *Message) realize(ctx context.Context, needBody bool) error {
	headerNeeded := m.header == nil || !m.header.Complete()
	bodyNeeded := needBody && m.state != StateBodyRealized
	if !headerNeeded && !bodyNeeded {
		return nil
	}
	if m.folder == nil {
		return errors.ErrBodyDelayed
	}
	log := m.folder.log

	tok, done, err := m.folder.openMessage(ctx, m)
	if err != nil {
		log.Warn("message realization failed, state preserved",
			slog.Int("seq", m.seq),
			slog.String("state", m.state.String()),
			slog.String("err", err.Error()))
		return err
	}
	defer done()

	prior := m.state
	priorHeader := m.header

	// Position at the body. A complete header with a known extent can be
	// skipped over directly; otherwise the header is read on the way.
	if headerNeeded || !m.extent.known() {
		fields, err := tok.ReadHeader()
		if err != nil {
			log.Warn("message realization failed, state preserved",
				slog.Int("seq", m.seq),
				slog.String("state", prior.String()),
				slog.String("err", err.Error()))
			return err
		}
		if headerNeeded {
			fresh := NewHeader(fields)
			if priorHeader != nil && !priorHeader.Complete() {
				overlayMutations(fresh, priorHeader)
			}
			m.header = fresh
			if m.state < StateHeaderComplete {
				m.state = StateHeaderComplete
			}
		}
	} else if err := tok.Seek(m.extent.Offset); err != nil {
		log.Warn("message realization failed, state preserved",
			slog.Int("seq", m.seq),
			slog.String("state", prior.String()),
			slog.String("err", err.Error()))
		return err
	}
	m.dos = tok.DOSMode()

	if bodyNeeded {
		body, err := materializeBody(tok, m, m.folder.bodyPolicy(),
			m.header.Get("Content-Type"), m.extent, log)
		if err != nil {
			m.state = prior
			m.header = priorHeader
			log.Warn("body realization failed, state preserved",
				slog.Int("seq", m.seq),
				slog.String("state", prior.String()),
				slog.String("err", err.Error()))
			return err
		}
		if m.body != nil {
			_ = m.body.Close()
		}
		m.body = body
		m.state = StateBodyRealized
		// When the header was skipped over, the line-ending probe only saw
		// the body; its verdict is the fresher one.
		m.dos = tok.DOSMode()
		return nil
	}

	// Header-only realization still delimits the body so a later body read
	// can seek straight to it.
	ext, err := tok.BodyExtent(m.extent.Size, m.extent.Lines)
	if err != nil {
		log.Warn("body delimiting failed, extent left unrecorded",
			slog.Int("seq", m.seq),
			slog.String("err", err.Error()))
		return nil // the header was realized; the extent stays an estimate
	}
	m.extent = ext
	m.body = &DelayedBody{extent: ext}
	m.state = StateBodyDelayed
	return nil
}

// overlayMutations re-applies the mutations made to a partial header onto
// a freshly read complete one, so local edits survive the upgrade.
func overlayMutations(fresh, partial *Header) {
	for _, name := range partial.Mutated() {
		vals := partial.Values(name)
		fresh.Del(name)
		for _, v := range vals {
			fresh.Add(name, v)
		}
	}
}
