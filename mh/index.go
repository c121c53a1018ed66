package mh

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/infodancer/mailfolder"
)

// indexFile caches complete headers so reopening a folder avoids
// rereading every message file.
const indexFile = ".index"

// indexEntryField tags the line carrying an entry's metadata: file name,
// recorded file size, body offset, body line count and entry digest.
const indexEntryField = "X-MH-Index-Entry"

// indexEntry is one cached header with the validation metadata deciding
// whether it may be trusted.
type indexEntry struct {
	name      string
	size      int64 // message file size when the entry was written
	bodyStart int64 // offset of the body within the file
	bodyLines int64
	header    *mailfolder.Header
}

// digest computes the entry's BLAKE2b digest over its metadata and its
// canonically re-encoded header.
func (e indexEntry) digest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %d %d\n", e.name, e.size, e.bodyStart, e.bodyLines)
	_ = e.header.Encode(&b, mailfolder.DefaultFoldWidth, false)
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// readIndex parses the index file into entries keyed by message file
// name. Entries that fail digest validation are dropped silently; a
// missing index is an empty one.
func readIndex(path string, log *slog.Logger) map[string]indexEntry {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("header index unreadable, ignoring it",
				slog.String("path", path),
				slog.String("err", err.Error()))
		}
		return nil
	}
	defer func() { _ = f.Close() }()

	entries := make(map[string]indexEntry)
	tok := mailfolder.NewTokenizer(f, log)
	for {
		line, _, err := tok.ReadLine()
		if err == io.EOF {
			return entries
		}
		if err != nil {
			return entries
		}
		if line == "" {
			continue
		}
		meta, ok := parseEntryLine(line)
		if !ok {
			continue
		}
		fields, err := tok.ReadHeader()
		if err != nil {
			return entries
		}
		entry := indexEntry{
			name:      meta.name,
			size:      meta.size,
			bodyStart: meta.bodyStart,
			bodyLines: meta.bodyLines,
			header:    mailfolder.NewHeader(fields),
		}
		if entry.digest() != meta.digest {
			continue
		}
		entries[entry.name] = entry
	}
}

// entryMeta is the parsed metadata line of one index entry.
type entryMeta struct {
	name      string
	size      int64
	bodyStart int64
	bodyLines int64
	digest    string
}

func parseEntryLine(line string) (entryMeta, bool) {
	rest, ok := strings.CutPrefix(line, indexEntryField+": ")
	if !ok {
		return entryMeta{}, false
	}
	parts := strings.Fields(rest)
	if len(parts) != 5 {
		return entryMeta{}, false
	}
	size, err1 := strconv.ParseInt(parts[1], 10, 64)
	bodyStart, err2 := strconv.ParseInt(parts[2], 10, 64)
	bodyLines, err3 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return entryMeta{}, false
	}
	return entryMeta{
		name:      parts[0],
		size:      size,
		bodyStart: bodyStart,
		bodyLines: bodyLines,
		digest:    parts[4],
	}, true
}

// writeIndex rewrites the index file from entries, via a temporary file
// and rename. No entries removes the file.
func writeIndex(dir string, entries []indexEntry) error {
	path := filepath.Join(dir, indexFile)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}

	tmp, tmpPath, err := mailfolder.NewTempFile(dir, ".index")
	if err != nil {
		return err
	}
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: %s %d %d %d %s\n",
			indexEntryField, e.name, e.size, e.bodyStart, e.bodyLines, e.digest())
		if err := e.header.Encode(&b, mailfolder.DefaultFoldWidth, false); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
		b.WriteString("\n")
		if _, err := io.WriteString(tmp, b.String()); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write %s: %w", tmpPath, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	return mailfolder.ReplaceFile(tmpPath, path)
}
