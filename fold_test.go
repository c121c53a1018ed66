package mailfolder

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFoldLine_ShortValueUnchanged(t *testing.T) {
	values := []string{
		"Subject: hello",
		"From: alice@example.com",
		"X-Short: x",
		"",
	}
	for _, v := range values {
		got := FoldLine(v, DefaultFoldWidth)
		if len(got) != 1 || got[0] != v {
			t.Errorf("FoldLine(%q) = %v, want unchanged", v, got)
		}
	}
}

func TestFoldLine_Idempotent(t *testing.T) {
	line := "To: alice@example.com, bob@example.com, carol@example.com, dave@example.com, erin@example.com"
	once := FoldLine(line, DefaultFoldWidth)
	if len(once) < 2 {
		t.Fatalf("expected folding, got %v", once)
	}
	for _, physical := range once {
		again := FoldLine(physical, DefaultFoldWidth)
		if len(again) != 1 || again[0] != physical {
			t.Errorf("refolding %q changed it: %v", physical, again)
		}
	}
}

func TestFoldLine_BreaksAfterSeparators(t *testing.T) {
	line := "Received: from mail.example.com (mail.example.com [192.0.2.1]); by mx.example.net with ESMTP"
	got := FoldLine(line, DefaultFoldWidth)
	if len(got) < 2 {
		t.Fatalf("expected folding, got %v", got)
	}
	if !strings.HasSuffix(got[0], ";") {
		t.Errorf("expected break after semicolon, first line %q", got[0])
	}
	for i, physical := range got {
		if len(physical) > DefaultFoldWidth {
			t.Errorf("line %d exceeds width: %q", i, physical)
		}
		if i > 0 && !strings.HasPrefix(physical, " ") {
			t.Errorf("continuation %d not indented: %q", i, physical)
		}
	}
}

func TestFoldLine_HardBreakWithoutBoundaries(t *testing.T) {
	line := strings.Repeat("x", 200)
	got := FoldLine(line, DefaultFoldWidth)
	if len(got) < 2 {
		t.Fatalf("expected a hard break, got %d lines", len(got))
	}
	var rejoined strings.Builder
	for _, physical := range got {
		rejoined.WriteString(strings.TrimLeft(physical, " "))
	}
	if rejoined.String() != line {
		t.Error("hard break lost content")
	}
}

func TestFoldLine_NarrowWidthsClampToMinimum(t *testing.T) {
	line := "Subject: a fairly long value that still has to fold at tiny widths"
	for _, width := range []int{1, 5, 8, minFoldWidth - 1} {
		got := FoldLine(line, width)
		if len(got) < 2 {
			t.Fatalf("width %d produced %v", width, got)
		}
		for i, physical := range got {
			if len(physical) > minFoldWidth {
				t.Errorf("width %d line %d exceeds the clamped width: %q", width, i, physical)
			}
		}
		if round := UnfoldLine(got); round != line {
			t.Errorf("width %d round trip:\n got %q\nwant %q", width, round, line)
		}
	}
}

func TestUnfoldLine_InvertsFolding(t *testing.T) {
	line := "To: alice@example.com, bob@example.com, carol@example.com, dave@example.com, erin@example.com"
	got := UnfoldLine(FoldLine(line, DefaultFoldWidth))
	if got != line {
		t.Errorf("round trip mismatch:\n got %q\nwant %q", got, line)
	}
}

func TestUnfoldLine_CollapsesWhitespace(t *testing.T) {
	got := UnfoldLine([]string{"Subject: first", "        second"})
	want := "Subject: first second"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
