package fs

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrWouldBlock is returned by LockFD in try mode when the lock is held by
// another process.
var ErrWouldBlock = errors.New("fs: lock would block")

// LockFD acquires an advisory flock(2) lock on an open file descriptor.
//
// flock locks the inode behind the descriptor, not the pathname, so callers
// must hold the descriptor open for as long as they rely on the lock.
// Readers take a shared lock, writers an exclusive one. In try mode the call
// never blocks and returns ErrWouldBlock on contention.
func LockFD(fd int, exclusive, try bool) error {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}

	if try {
		how |= syscall.LOCK_NB
	}

	err := flockRetryEINTR(fd, how)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	return nil
}

// UnlockFD releases a lock taken with LockFD. Closing the descriptor also
// releases the lock; this exists for the cases where the descriptor outlives
// the locked region.
func UnlockFD(fd int) error {
	err := flockRetryEINTR(fd, syscall.LOCK_UN)
	if err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}

	return nil
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// Signals like SIGWINCH or SIGCHLD can interrupt a blocking flock before it
// completes; the call didn't fail, it just needs to be retried. The retry
// count is capped so a pathological signal storm cannot spin forever.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
