package mailfolder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// newTempFile creates a uniquely named temporary file in dir. The returned
// path is the file's name; the caller removes it on failure or renames it
// into place on success.
func newTempFile(dir, prefix string) (*os.File, string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.tmp", prefix, uuid.NewString()))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("create temp file %s: %w", path, err)
	}
	return f, path, nil
}

// NewTempFile creates a uniquely named temporary file in dir for backends
// staging a full-replace write-back.
func NewTempFile(dir, prefix string) (*os.File, string, error) {
	return newTempFile(dir, prefix)
}

// CopyExtent copies length raw bytes starting at offset from src to dst,
// byte for byte. Unmodified messages are carried through a write-back this
// way so their stored form is preserved exactly.
func CopyExtent(dst io.Writer, src io.ReaderAt, offset, length int64) (int64, error) {
	n, err := io.Copy(dst, io.NewSectionReader(src, offset, length))
	if err != nil {
		return n, fmt.Errorf("copy %d bytes at %d: %w", length, offset, err)
	}
	if n != length {
		return n, fmt.Errorf("copy %d bytes at %d: short copy of %d", length, offset, n)
	}
	return n, nil
}

// ReplaceFile atomically renames a fully written temporary file over dst.
// The caller must have synced tmp first.
func ReplaceFile(tmp, dst string) error {
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return nil
}
