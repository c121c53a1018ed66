// Package dotlock implements advisory folder locking with classic .lock
// files: the lock for a target is a sibling file created with O_EXCL, so
// creation succeeds for exactly one process. Locks left behind by a dead
// process are broken after a staleness age.
package dotlock

import (
	"fmt"
	"os"
	"time"

	"github.com/infodancer/mailfolder"
)

// Suffix is appended to the locked target's path to name the lock file.
const Suffix = ".lock"

const pollInterval = 100 * time.Millisecond

// Locker implements mailfolder.Locker with .lock files.
type Locker struct {
	// Timeout bounds how long Acquire waits for a contended lock. It
	// applies to acquisition only; a held lock has no time limit.
	Timeout time.Duration

	// Stale is the age past which another process's lock file is assumed
	// abandoned and broken. Zero disables lock breaking.
	Stale time.Duration
}

var _ mailfolder.Locker = (*Locker)(nil)

// New returns a Locker that waits up to timeout for contended locks and
// breaks lock files older than an hour.
func New(timeout time.Duration) *Locker {
	return &Locker{Timeout: timeout, Stale: time.Hour}
}

// Acquire takes the lock for target, waiting up to the timeout. It
// reports false when the lock stays contended or the lock file cannot be
// created.
func (l *Locker) Acquire(target string) bool {
	path := target + Suffix
	deadline := time.Now().Add(l.Timeout)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return true
		}
		if !os.IsExist(err) {
			return false
		}
		if l.Stale > 0 {
			if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > l.Stale {
				_ = os.Remove(path)
				continue
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// Release removes the lock file for target.
func (l *Locker) Release(target string) {
	_ = os.Remove(target + Suffix)
}
