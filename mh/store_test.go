package mh_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/infodancer/mailfolder"
	"github.com/infodancer/mailfolder/mh"
)

// seedFolder creates an MH directory with files 1, 2 and 4 plus a
// sequences file marking 2 and 4 unread and 2 current.
func seedFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"1", "2", "4"} {
		content := "Subject: message " + name + "\n\nbody of " + name + "\n"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	seqs := "unseen: 2 4\ncur: 2\n"
	if err := os.WriteFile(filepath.Join(dir, ".mh_sequences"), []byte(seqs), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func openFolder(t *testing.T, path string, cfg mailfolder.Config) *mailfolder.Folder {
	t.Helper()
	reg := mailfolder.NewRegistry()
	mh.Register(reg)
	cfg.Kind = mh.Kind
	cfg.Path = path
	folder, err := reg.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return folder
}

func TestDetect(t *testing.T) {
	if !mh.Detect(seedFolder(t)) {
		t.Error("seeded folder not detected")
	}

	bare := t.TempDir()
	if mh.Detect(bare) {
		t.Error("empty directory detected as mh")
	}
	if err := os.WriteFile(filepath.Join(bare, ".mh_sequences"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	if !mh.Detect(bare) {
		t.Error("sequences file alone should detect")
	}

	md := t.TempDir()
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.Mkdir(filepath.Join(md, sub), 0700); err != nil {
			t.Fatal(err)
		}
	}
	if mh.Detect(md) {
		t.Error("maildir layout detected as mh")
	}
}

func TestScan_NumericOrderSkipsGaps(t *testing.T) {
	ctx := context.Background()
	folder := openFolder(t, seedFolder(t), mailfolder.Config{})

	if folder.Len() != 3 {
		t.Fatalf("Len = %d, want 3", folder.Len())
	}
	var subjects []string
	for seq := 1; seq <= folder.Len(); seq++ {
		m, err := folder.Message(seq)
		if err != nil {
			t.Fatalf("Message(%d): %v", seq, err)
		}
		got, err := m.Get(ctx, "Subject")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		subjects = append(subjects, got)
	}
	want := []string{"message 1", "message 2", "message 4"}
	if diff := cmp.Diff(want, subjects); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestScan_SequencesBecomeLabels(t *testing.T) {
	folder := openFolder(t, seedFolder(t), mailfolder.Config{})

	first, _ := folder.Message(1)
	second, _ := folder.Message(2)
	third, _ := folder.Message(3)

	if !first.Label(mh.LabelSeen) || first.Label(mh.LabelCurrent) {
		t.Errorf("message 1 labels = %v", first.Labels())
	}
	if second.Label(mh.LabelSeen) || !second.Label(mh.LabelCurrent) {
		t.Errorf("message 2 labels = %v", second.Labels())
	}
	if third.Label(mh.LabelSeen) || third.Label(mh.LabelCurrent) {
		t.Errorf("message 4 labels = %v", third.Labels())
	}
	if folder.Dirty() {
		t.Error("seeding labels from sequences dirtied the folder")
	}
}

func TestSync_LabelChangeRewritesSequences(t *testing.T) {
	ctx := context.Background()
	dir := seedFolder(t)
	folder := openFolder(t, dir, mailfolder.Config{Mode: mailfolder.ReadWrite})

	second, _ := folder.Message(2)
	second.SetLabel(mh.LabelSeen, true)
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".mh_sequences"))
	if err != nil {
		t.Fatal(err)
	}
	want := "cur: 2\nunseen: 4\n"
	if string(data) != want {
		t.Errorf("sequences = %q, want %q", data, want)
	}
}

func TestSync_DeleteRemovesFileKeepsGaps(t *testing.T) {
	ctx := context.Background()
	dir := seedFolder(t)
	folder := openFolder(t, dir, mailfolder.Config{Mode: mailfolder.ReadWrite})

	second, _ := folder.Message(2)
	second.Delete()
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "2")); !os.IsNotExist(err) {
		t.Errorf("deleted message file survives, stat err = %v", err)
	}
	// Survivors keep their numeric names; only the table renumbers.
	for _, name := range []string{"1", "4"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("file %s gone after sync: %v", name, err)
		}
	}
	if folder.Len() != 2 {
		t.Errorf("Len = %d after sync", folder.Len())
	}
}

func TestSync_AppendTakesLowestFreeNumber(t *testing.T) {
	ctx := context.Background()
	dir := seedFolder(t)
	folder := openFolder(t, dir, mailfolder.Config{Mode: mailfolder.ReadWrite})

	header := mailfolder.NewHeader([]mailfolder.Field{{Name: "Subject", Value: "fresh"}})
	body := mailfolder.NewLinesBody([]string{"fresh body"})
	if err := folder.Append(ctx, mailfolder.NewMessage(header, body)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "3"))
	if err != nil {
		t.Fatalf("appended message not at the gap: %v", err)
	}
	if !strings.Contains(string(data), "Subject: fresh\n") {
		t.Errorf("file 3 content:\n%q", data)
	}
}

func TestIndex_CachesHeadersAcrossOpens(t *testing.T) {
	ctx := context.Background()
	dir := seedFolder(t)

	folder := openFolder(t, dir, mailfolder.Config{Mode: mailfolder.ReadWrite})
	for seq := 1; seq <= folder.Len(); seq++ {
		m, _ := folder.Message(seq)
		if _, err := m.Header(ctx); err != nil {
			t.Fatalf("Header(%d): %v", seq, err)
		}
	}
	m, _ := folder.Message(1)
	m.SetLabel("flagged", true) // dirty the folder so sync writes the index
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".index")); err != nil {
		t.Fatalf("index not written: %v", err)
	}

	reopened := openFolder(t, dir, mailfolder.Config{})
	cached, _ := reopened.Message(1)
	if cached.State() < mailfolder.StateHeaderComplete {
		t.Fatalf("state = %v, want cached header applied", cached.State())
	}
	if got, err := cached.Get(ctx, "Subject"); err != nil || got != "message 1" {
		t.Errorf("Get(Subject) = %q, %v", got, err)
	}
}

func TestIndex_SizeMismatchDiscardsEntry(t *testing.T) {
	ctx := context.Background()
	dir := seedFolder(t)

	folder := openFolder(t, dir, mailfolder.Config{Mode: mailfolder.ReadWrite})
	m, _ := folder.Message(1)
	if _, err := m.Header(ctx); err != nil {
		t.Fatalf("Header: %v", err)
	}
	m.SetLabel("flagged", true)
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Grow the message file behind the engine's back.
	path := filepath.Join(dir, "1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("late line\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openFolder(t, dir, mailfolder.Config{})
	stale, _ := reopened.Message(1)
	if stale.State() != mailfolder.StateStub {
		t.Errorf("state = %v, want stub after size mismatch", stale.State())
	}
}

func TestIndex_TamperedEntryDiscarded(t *testing.T) {
	ctx := context.Background()
	dir := seedFolder(t)

	folder := openFolder(t, dir, mailfolder.Config{Mode: mailfolder.ReadWrite})
	m, _ := folder.Message(1)
	if _, err := m.Header(ctx); err != nil {
		t.Fatalf("Header: %v", err)
	}
	m.SetLabel("flagged", true)
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	indexPath := filepath.Join(dir, ".index")
	data, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "message 1", "message X", 1)
	if tampered == string(data) {
		t.Fatal("tamper target not found in index")
	}
	if err := os.WriteFile(indexPath, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	reopened := openFolder(t, dir, mailfolder.Config{})
	stale, _ := reopened.Message(1)
	if stale.State() != mailfolder.StateStub {
		t.Fatalf("state = %v, tampered entry trusted", stale.State())
	}
	// The live file still answers.
	if got, err := stale.Get(ctx, "Subject"); err != nil || got != "message 1" {
		t.Errorf("Get(Subject) = %q, %v", got, err)
	}
}

func TestNew_CreatesMissingFolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox")
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})
	if folder.Len() != 0 {
		t.Fatalf("Len = %d in fresh folder", folder.Len())
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Errorf("folder directory not created: %v", err)
	}
}
