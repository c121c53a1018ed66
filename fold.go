package mailfolder

import "strings"

const (
	// DefaultFoldWidth is the preferred maximum physical line width when
	// writing header fields.
	DefaultFoldWidth = 78

	// minFoldWidth is the shortest physical line folding will produce on
	// purpose. Below it a break only happens when nothing better exists.
	minFoldWidth = 20

	// foldIndent prefixes every continuation line produced by FoldLine.
	foldIndent = "        "
)

// FoldLine breaks one logical header line into physical lines no wider
// than maxWidth, the inverse of the unfolding ReadHeader performs. Breaks
// happen preferentially at ';', ',' or space boundaries nearest the width
// limit, and never below minFoldWidth unless the line offers no boundary
// at all above it, in which case the last available boundary is used.
// Continuation lines carry fixed indentation. Widths below minFoldWidth
// are raised to it; narrower widths cannot fit the continuation indent.
func FoldLine(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		maxWidth = DefaultFoldWidth
	}
	if maxWidth < minFoldWidth {
		maxWidth = minFoldWidth
	}
	var out []string
	indent := ""
	for {
		avail := maxWidth - len(indent)
		if len(text) <= avail {
			out = append(out, indent+text)
			return out
		}
		cut := foldPoint(text, avail)
		out = append(out, indent+strings.TrimRight(text[:cut], " \t"))
		text = strings.TrimLeft(text[cut:], " \t")
		indent = foldIndent
		if text == "" {
			return out
		}
	}
}

// foldPoint picks the byte offset to break text at, given the width limit.
func foldPoint(text string, limit int) int {
	window := text[:limit]

	// Break after ';' or ',', or at a space, nearest the limit.
	for _, c := range []byte{';', ','} {
		if i := strings.LastIndexByte(window, c); i+1 >= minFoldWidth {
			return i + 1
		}
	}
	if i := strings.LastIndexByte(window, ' '); i >= minFoldWidth {
		return i
	}

	// Nothing at or above the minimum width: last candidate wins.
	best := -1
	for _, c := range []byte{';', ',', ' '} {
		if i := strings.LastIndexByte(window, c); i > best {
			best = i
		}
	}
	if best > 0 {
		if window[best] == ' ' {
			return best
		}
		return best + 1
	}
	return limit
}

// UnfoldLine reassembles physical lines produced by FoldLine into the
// single logical value, collapsing the folding whitespace to one space.
func UnfoldLine(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(l)
	}
	return b.String()
}
