package maildir_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gomaildir "github.com/emersion/go-maildir"

	"github.com/infodancer/mailfolder"
	"github.com/infodancer/mailfolder/maildir"
)

const sample = "Subject: hello\n" +
	"From: alice@example.com\n" +
	"\n" +
	"hello body\n"

// seedMaildir initializes a maildir and returns its path.
func seedMaildir(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox")
	if err := os.MkdirAll(path, 0700); err != nil {
		t.Fatal(err)
	}
	if err := gomaildir.Dir(path).Init(); err != nil {
		t.Fatal(err)
	}
	return path
}

// createCur writes a message straight into cur with the given flags.
func createCur(t *testing.T, path, content string, flags ...gomaildir.Flag) {
	t.Helper()
	_, w, err := gomaildir.Dir(path).Create(flags)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// deliverNew delivers a message into new, as an MDA would.
func deliverNew(t *testing.T, path, content string) {
	t.Helper()
	d, err := gomaildir.NewDelivery(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(d, content); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func openFolder(t *testing.T, path string, cfg mailfolder.Config) *mailfolder.Folder {
	t.Helper()
	reg := mailfolder.NewRegistry()
	maildir.Register(reg)
	cfg.Kind = maildir.Kind
	cfg.Path = path
	folder, err := reg.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return folder
}

func curFlags(t *testing.T, path string) [][]gomaildir.Flag {
	t.Helper()
	msgs, err := gomaildir.Dir(path).Messages()
	if err != nil {
		t.Fatal(err)
	}
	flags := make([][]gomaildir.Flag, 0, len(msgs))
	for _, msg := range msgs {
		flags = append(flags, msg.Flags())
	}
	return flags
}

func TestDetect(t *testing.T) {
	if !maildir.Detect(seedMaildir(t)) {
		t.Error("initialized maildir not detected")
	}
	if maildir.Detect(t.TempDir()) {
		t.Error("plain directory detected as maildir")
	}
}

func TestScan_FlagsBecomeLabels(t *testing.T) {
	path := seedMaildir(t)
	createCur(t, path, sample, gomaildir.FlagSeen, gomaildir.FlagReplied)

	folder := openFolder(t, path, mailfolder.Config{})
	if folder.Len() != 1 {
		t.Fatalf("Len = %d", folder.Len())
	}
	m, _ := folder.Message(1)
	for _, label := range []string{"seen", "replied"} {
		if !m.Label(label) {
			t.Errorf("label %q missing, have %v", label, m.Labels())
		}
	}
	if m.Label(maildir.LabelRecent) {
		t.Error("cur message marked recent")
	}
	if folder.Dirty() {
		t.Error("scan dirtied the folder")
	}
}

func TestScan_NewDeliveriesMarkedRecent(t *testing.T) {
	path := seedMaildir(t)
	deliverNew(t, path, sample)

	folder := openFolder(t, path, mailfolder.Config{})
	m, _ := folder.Message(1)
	if !m.Label(maildir.LabelRecent) {
		t.Errorf("delivered message not recent, labels = %v", m.Labels())
	}
	// Scanning moved the file to cur; its content still reads.
	if got, err := m.Get(context.Background(), "Subject"); err != nil || got != "hello" {
		t.Errorf("Get(Subject) = %q, %v", got, err)
	}
}

func TestSync_LabelChangeRenamesFile(t *testing.T) {
	ctx := context.Background()
	path := seedMaildir(t)
	createCur(t, path, sample, gomaildir.FlagSeen)

	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})
	m, _ := folder.Message(1)
	m.SetLabel("flagged", true)
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	flags := curFlags(t, path)
	if len(flags) != 1 {
		t.Fatalf("message count = %d", len(flags))
	}
	var seen, flagged bool
	for _, fl := range flags[0] {
		seen = seen || fl == gomaildir.FlagSeen
		flagged = flagged || fl == gomaildir.FlagFlagged
	}
	if !seen || !flagged {
		t.Errorf("flags after sync = %v", flags[0])
	}
	// The locator follows the rename.
	if _, err := os.Stat(m.Locator().File); err != nil {
		t.Errorf("locator stale after reflag: %v", err)
	}
}

func TestSync_DeleteExpungesFile(t *testing.T) {
	ctx := context.Background()
	path := seedMaildir(t)
	createCur(t, path, sample)
	createCur(t, path, strings.Replace(sample, "hello", "other", 2))

	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})
	m, _ := folder.Message(1)
	m.Delete()
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := len(curFlags(t, path)); got != 1 {
		t.Errorf("messages on disk after expunge = %d", got)
	}
	if folder.Len() != 1 {
		t.Errorf("Len = %d after sync", folder.Len())
	}
}

func TestSync_EditRewritesSingleFile(t *testing.T) {
	ctx := context.Background()
	path := seedMaildir(t)
	createCur(t, path, sample, gomaildir.FlagSeen)

	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})
	m, _ := folder.Message(1)
	if err := m.SetField(ctx, "Status", "RO"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// One file on disk, carrying the edit and the original flags.
	msgs, err := gomaildir.Dir(path).Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages on disk = %d", len(msgs))
	}
	data, err := os.ReadFile(msgs[0].Filename())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Status: RO\n") {
		t.Errorf("edit missing:\n%q", data)
	}
	var seen bool
	for _, fl := range msgs[0].Flags() {
		seen = seen || fl == gomaildir.FlagSeen
	}
	if !seen {
		t.Error("seen flag lost across rewrite")
	}
}

func TestSync_AppendDeliversFile(t *testing.T) {
	ctx := context.Background()
	path := seedMaildir(t)

	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})
	header := mailfolder.NewHeader([]mailfolder.Field{{Name: "Subject", Value: "appended"}})
	msg := mailfolder.NewMessage(header, mailfolder.NewLinesBody([]string{"appended body"}))
	msg.SetLabel("seen", true)
	if err := folder.Append(ctx, msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := folder.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	flags := curFlags(t, path)
	if len(flags) != 1 {
		t.Fatalf("messages on disk = %d", len(flags))
	}
	reopened := openFolder(t, path, mailfolder.Config{})
	m, _ := reopened.Message(1)
	if got, err := m.Get(ctx, "Subject"); err != nil || got != "appended" {
		t.Errorf("Get(Subject) = %q, %v", got, err)
	}
	if !m.Label("seen") {
		t.Errorf("seen label lost, labels = %v", m.Labels())
	}
}

func TestNew_InitializesMissingMaildir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh")
	folder := openFolder(t, path, mailfolder.Config{Mode: mailfolder.ReadWrite})
	if folder.Len() != 0 {
		t.Fatalf("Len = %d in fresh maildir", folder.Len())
	}
	if !maildir.Detect(path) {
		t.Error("cur/new/tmp layout not created")
	}
}
