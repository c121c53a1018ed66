package mailfolder

import (
	"io"
	"strings"
)

// Header holds a message's header fields in physical order, duplicates
// preserved as ordered multi-values. A Header is either complete or
// partial: a partial header captured only a bounded set of field names
// during realization and never claims to know the rest. Reads of fields
// outside the capture set go through Message, which upgrades the header
// with a fresh read before answering; Header itself only reports what it
// holds.
type Header struct {
	fields   []Field
	complete bool
	captured map[string]bool // lowercased capture set, nil when complete
	mutated  map[string]bool // lowercased names changed since construction
	index    map[string][]int
}

// NewHeader returns a complete header holding fields.
func NewHeader(fields []Field) *Header {
	return &Header{fields: fields, complete: true}
}

// NewPartialHeader returns a partial header holding only the fields of
// fields whose names appear in capture. Matching is case-insensitive.
func NewPartialHeader(fields []Field, capture []string) *Header {
	captured := make(map[string]bool, len(capture))
	for _, name := range capture {
		captured[strings.ToLower(name)] = true
	}
	var kept []Field
	for _, f := range fields {
		if captured[strings.ToLower(f.Name)] {
			kept = append(kept, f)
		}
	}
	return &Header{fields: kept, captured: captured}
}

// Complete reports whether every field of the original header is present.
func (h *Header) Complete() bool { return h.complete }

// Covers reports whether a query for name can be answered from this
// header alone. For a partial header an uncovered name is a realization
// trigger, not a miss.
func (h *Header) Covers(name string) bool {
	return h.complete || h.captured[strings.ToLower(name)]
}

// Len returns the number of physical fields.
func (h *Header) Len() int { return len(h.fields) }

// Fields returns the fields in physical order. The slice is shared;
// callers must not modify it.
func (h *Header) Fields() []Field { return h.fields }

func (h *Header) buildIndex() {
	if h.index != nil {
		return
	}
	h.index = make(map[string][]int, len(h.fields))
	for i, f := range h.fields {
		k := strings.ToLower(f.Name)
		h.index[k] = append(h.index[k], i)
	}
}

// Get returns the first value of name, or "" if the header holds none.
// Use Covers to distinguish an absent field from an uncaptured one.
func (h *Header) Get(name string) string {
	h.buildIndex()
	idx := h.index[strings.ToLower(name)]
	if len(idx) == 0 {
		return ""
	}
	return h.fields[idx[0]].Value
}

// Values returns every value of name in physical order.
func (h *Header) Values(name string) []string {
	h.buildIndex()
	idx := h.index[strings.ToLower(name)]
	if len(idx) == 0 {
		return nil
	}
	vals := make([]string, len(idx))
	for i, j := range idx {
		vals[i] = h.fields[j].Value
	}
	return vals
}

// Mutated returns the lowercased names of fields changed through Set, Add
// or Del since the header was constructed.
func (h *Header) Mutated() []string {
	names := make([]string, 0, len(h.mutated))
	for name := range h.mutated {
		names = append(names, name)
	}
	return names
}

// Set replaces the first field named name with value and removes any
// duplicates, appending a new field if none existed.
func (h *Header) Set(name, value string) {
	h.index = nil
	h.markCaptured(name)
	replaced := false
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if !replaced {
				kept = append(kept, Field{Name: f.Name, Value: value})
				replaced = true
			}
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept
	if !replaced {
		h.fields = append(h.fields, Field{Name: name, Value: value})
	}
}

// Add appends a field, preserving any existing fields of the same name.
func (h *Header) Add(name, value string) {
	h.index = nil
	h.markCaptured(name)
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	h.index = nil
	h.markCaptured(name)
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// markCaptured records that name was mutated and, for a partial header,
// that it is now authoritatively covered since the caller just decided its
// value.
func (h *Header) markCaptured(name string) {
	if h.mutated == nil {
		h.mutated = make(map[string]bool)
	}
	h.mutated[strings.ToLower(name)] = true
	if h.complete {
		return
	}
	if h.captured == nil {
		h.captured = make(map[string]bool)
	}
	h.captured[strings.ToLower(name)] = true
}

// Encode writes the header fields, each folded to width columns, using
// CRLF endings when crlf is set. It does not write the blank line that
// separates header from body.
func (h *Header) Encode(w io.Writer, width int, crlf bool) error {
	ending := "\n"
	if crlf {
		ending = "\r\n"
	}
	for _, f := range h.fields {
		for _, line := range FoldLine(f.Name+": "+f.Value, width) {
			if _, err := io.WriteString(w, line+ending); err != nil {
				return err
			}
		}
	}
	return nil
}
