package mbox_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/infodancer/mailfolder"
	"github.com/infodancer/mailfolder/mbox"
)

const msg1 = "From alice Thu Jun 12 10:00:00 2025\n" +
	"Subject: first\n" +
	"From: alice@example.com\n" +
	"\n" +
	"first body\n" +
	"\n"

const msg2 = "From bob Thu Jun 12 11:00:00 2025\n" +
	"Subject: second\n" +
	"From: bob@example.com\n" +
	"\n" +
	"second body\n" +
	">From quoted\n" +
	"\n"

func writeFolder(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "folder")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func openFolder(t *testing.T, path string, cfg mailfolder.Config) *mailfolder.Folder {
	t.Helper()
	reg := mailfolder.NewRegistry()
	mbox.Register(reg)
	cfg.Kind = mbox.Kind
	cfg.Path = path
	folder, err := reg.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return folder
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func bodyLines(t *testing.T, m *mailfolder.Message) []string {
	t.Helper()
	body, err := m.Body(context.Background())
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	lines, ok := body.(*mailfolder.LinesBody)
	if !ok {
		t.Fatalf("body is %T", body)
	}
	return lines.Content()
}

func TestDetect(t *testing.T) {
	path := writeFolder(t, msg1)
	if !mbox.Detect(path) {
		t.Error("mbox file not detected")
	}
	empty := writeFolder(t, "")
	if !mbox.Detect(empty) {
		t.Error("empty file should detect as mbox")
	}
	other := writeFolder(t, "not a folder\n")
	if mbox.Detect(other) {
		t.Error("non-mbox content detected")
	}
	if mbox.Detect(filepath.Dir(path)) {
		t.Error("directory detected as mbox")
	}
}

func TestScan_DelimitsMessages(t *testing.T) {
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{})

	if folder.Len() != 2 {
		t.Fatalf("Len = %d, want 2", folder.Len())
	}
	first, _ := folder.Message(1)
	second, _ := folder.Message(2)
	if got := first.Locator(); got.Offset != 0 || got.Length != int64(len(msg1)) {
		t.Errorf("first locator = %+v", got)
	}
	if got := second.Locator(); got.Offset != int64(len(msg1)) || got.Length != int64(len(msg2)) {
		t.Errorf("second locator = %+v", got)
	}
}

func TestScan_CaptureSetGivesPartialHeaders(t *testing.T) {
	ctx := context.Background()
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{Capture: []string{"subject"}})

	m, _ := folder.Message(1)
	if m.State() != mailfolder.StateHeaderPartial {
		t.Fatalf("state = %v", m.State())
	}
	if got, err := m.Get(ctx, "Subject"); err != nil || got != "first" {
		t.Errorf("Get(Subject) = %q, %v", got, err)
	}
}

func TestReadBody_StripsOneEscape(t *testing.T) {
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{})

	m, _ := folder.Message(2)
	want := []string{"second body", "From quoted"}
	if diff := cmp.Diff(want, bodyLines(t, m)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestSync_UnmodifiedMessageCopiedVerbatim(t *testing.T) {
	ctx := context.Background()
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})

	m, _ := folder.Message(2)
	if err := m.SetField(ctx, "Status", "RO"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	raw := readFile(t, path)
	if !strings.HasPrefix(raw, msg1) {
		t.Errorf("first message not byte-identical:\n%q", raw[:min(len(raw), len(msg1))])
	}
	rest := raw[len(msg1):]
	if !strings.HasPrefix(rest, "From bob Thu Jun 12 11:00:00 2025\n") {
		t.Errorf("original separator line not carried through:\n%q", rest)
	}
	if !strings.Contains(rest, "Status: RO\n") {
		t.Errorf("edit missing from rewrite:\n%q", rest)
	}
	if !strings.Contains(rest, ">From quoted\n") {
		t.Errorf("escape lost in rewrite:\n%q", rest)
	}

	// The table reflects the new layout without a rescan.
	reloaded, _ := folder.Message(2)
	if reloaded.Locator().Offset != int64(len(msg1)) {
		t.Errorf("locator not updated: %+v", reloaded.Locator())
	}
}

func TestSync_EscapeRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "new-folder")
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})

	lines := []string{"From the very start", ">From already quoted", "plain line"}
	header := mailfolder.NewHeader([]mailfolder.Field{
		{Name: "Subject", Value: "escapes"},
		{Name: "Return-Path", Value: "<carol@example.com>"},
	})
	if err := folder.Append(ctx, mailfolder.NewMessage(header, mailfolder.NewLinesBody(lines))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	raw := readFile(t, path)
	if !strings.HasPrefix(raw, "From carol@example.com ") {
		t.Errorf("synthesized separator wrong:\n%q", raw)
	}
	if !strings.Contains(raw, "\n>From the very start\n") {
		t.Errorf("separator-like line not escaped:\n%q", raw)
	}
	if !strings.Contains(raw, "\n>>From already quoted\n") {
		t.Errorf("escaped form not re-escaped:\n%q", raw)
	}

	reopened := openFolder(t, path, mailfolder.Config{})
	if reopened.Len() != 1 {
		t.Fatalf("Len after reopen = %d", reopened.Len())
	}
	m, _ := reopened.Message(1)
	if diff := cmp.Diff(lines, bodyLines(t, m)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSync_DeleteCompactsFolder(t *testing.T) {
	ctx := context.Background()
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})

	m, _ := folder.Message(1)
	m.Delete()
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if folder.Len() != 1 {
		t.Fatalf("Len = %d", folder.Len())
	}
	raw := readFile(t, path)
	if raw != msg2 {
		t.Errorf("file should hold only the second message verbatim:\n%q", raw)
	}
}

func TestSync_FailedWriteLeavesFileUntouched(t *testing.T) {
	ctx := context.Background()
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})

	m, _ := folder.Message(2)
	if err := m.SetField(ctx, "Status", "RO"); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	// Sabotage the backing file so body realization during write-back
	// must fail with a stale locator.
	if err := os.Truncate(path, 10); err != nil {
		t.Fatal(err)
	}
	if err := folder.Sync(ctx); err == nil {
		t.Fatal("expected sync to fail")
	}

	if got := readFile(t, path); len(got) != 10 {
		t.Errorf("failed sync rewrote the folder, %d bytes", len(got))
	}
	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestInPlace_PrefixUntouched(t *testing.T) {
	ctx := context.Background()
	path := writeFolder(t, msg1+msg2)
	folder := openFolder(t, path, mailfolder.Config{
		Mode:  mailfolder.ReadWrite,
		Write: mailfolder.WriteInPlace,
	})

	m, _ := folder.Message(2)
	if err := m.SetField(ctx, "Status", "RO"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	raw := readFile(t, path)
	if !strings.HasPrefix(raw, msg1) {
		t.Errorf("unmodified prefix rewritten:\n%q", raw)
	}
	if !strings.Contains(raw[len(msg1):], "Status: RO\n") {
		t.Errorf("edit missing:\n%q", raw)
	}

	reopened := openFolder(t, path, mailfolder.Config{})
	if reopened.Len() != 2 {
		t.Fatalf("Len after reopen = %d", reopened.Len())
	}
}

func TestDOSFolder_EndingsPreserved(t *testing.T) {
	ctx := context.Background()
	dosMsg := "From carol Thu Jun 12 12:00:00 2025\r\n" +
		"Subject: dos\r\n" +
		"\r\n" +
		"dos body\r\n" +
		"\r\n"
	path := writeFolder(t, dosMsg)
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})

	m, _ := folder.Message(1)
	if got, err := m.Get(ctx, "Subject"); err != nil || got != "dos" {
		t.Fatalf("Get(Subject) = %q, %v", got, err)
	}
	if err := m.SetField(ctx, "Subject", "changed"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	raw := readFile(t, path)
	if !strings.Contains(raw, "Subject: changed\r\n") {
		t.Errorf("CRLF not restored on header:\n%q", raw)
	}
	if !strings.Contains(raw, "dos body\r\n") {
		t.Errorf("CRLF not restored on body:\n%q", raw)
	}
}

func TestAutoRemoveEmpty(t *testing.T) {
	ctx := context.Background()
	path := writeFolder(t, msg1)
	folder := openFolder(t, path, mailfolder.Config{
		Mode:            mailfolder.ReadWrite,
		AutoRemoveEmpty: true,
	})

	m, _ := folder.Message(1)
	m.Delete()
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("empty folder not removed, stat err = %v", err)
	}
}
