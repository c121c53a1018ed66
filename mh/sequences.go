package mh

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// sequencesFile is the bookkeeping file holding named message sets.
const sequencesFile = ".mh_sequences"

// Sequence names with engine-level meaning.
const (
	seqCurrent = "cur"
	seqUnseen  = "unseen"
)

// Labels the special sequences map onto.
const (
	// LabelCurrent marks the folder's current message (the cur sequence).
	LabelCurrent = "current"

	// LabelSeen marks a message as read. It is stored inverted: the
	// unseen sequence lists the messages without it.
	LabelSeen = "seen"
)

// parseSequences reads .mh_sequences content into sequence name to sorted
// message numbers. Malformed tokens are skipped, and ranges are clipped to
// max before expanding so a corrupt token cannot balloon into a huge
// slice; the folder's highest message number is the natural cap.
func parseSequences(r io.Reader, max int) (map[string][]int, error) {
	seqs := make(map[string][]int)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		var nums []int
		for _, tok := range strings.Fields(line[colon+1:]) {
			if lo, hi, ok := parseRange(tok); ok {
				if hi > max {
					hi = max
				}
				for n := lo; n <= hi; n++ {
					nums = append(nums, n)
				}
			}
		}
		if len(nums) > 0 {
			sort.Ints(nums)
			seqs[name] = nums
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", sequencesFile, err)
	}
	return seqs, nil
}

// parseRange parses "n" or "n-m" with n <= m.
func parseRange(tok string) (lo, hi int, ok bool) {
	if dash := strings.IndexByte(tok, '-'); dash > 0 {
		lo, err := strconv.Atoi(tok[:dash])
		if err != nil {
			return 0, 0, false
		}
		hi, err := strconv.Atoi(tok[dash+1:])
		if err != nil || hi < lo {
			return 0, 0, false
		}
		return lo, hi, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, 0, false
	}
	return n, n, true
}

// formatSequences renders sequences in .mh_sequences syntax, names
// sorted, runs of consecutive numbers compressed to inclusive ranges.
// The result is empty when no sequence holds a number.
func formatSequences(seqs map[string][]int) string {
	names := make([]string, 0, len(seqs))
	for name, nums := range seqs {
		if len(nums) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		nums := append([]int(nil), seqs[name]...)
		sort.Ints(nums)
		b.WriteString(name)
		b.WriteString(":")
		lo, hi := nums[0], nums[0]
		flush := func() {
			if lo == hi {
				fmt.Fprintf(&b, " %d", lo)
			} else {
				fmt.Fprintf(&b, " %d-%d", lo, hi)
			}
		}
		for _, n := range nums[1:] {
			if n == hi || n == hi+1 {
				hi = n
				continue
			}
			flush()
			lo, hi = n, n
		}
		flush()
		b.WriteString("\n")
	}
	return b.String()
}
