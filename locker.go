package mailfolder

// Locker is the advisory-locking collaborator. The engine acquires the lock
// before a read or write-back sequence and releases it afterwards; it holds
// no in-process mutex of its own. Timeouts, where an implementation has
// them, apply to acquisition only, never to parsing or write-back.
type Locker interface {
	// Acquire attempts to take the advisory lock for target, returning
	// false if the lock could not be obtained.
	Acquire(target string) bool

	// Release gives up the advisory lock for target.
	Release(target string)
}

// nopLocker is used when no Locker is configured.
type nopLocker struct{}

func (nopLocker) Acquire(string) bool { return true }
func (nopLocker) Release(string)      {}
