package ioutil

import (
	"syscall"

	"github.com/pkg/errors"
)

// Lock takes a non-blocking exclusive flock on fd, surfacing the
// spec's "concurrent writers to one file" non-goal as an explicit
// error instead of silent corruption. Grounded on hybridlog's
// flock/funlock (internal/persistence/kleio/hybridlog/sys.go in the
// teacher), generalized to a single non-blocking attempt; any waiting
// for the lock to free up is done by the caller retrying Lock.
func Lock(fd uintptr) error {
	if err := syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return errors.New("ioutil: bag file is already open for writing elsewhere")
		}
		return errors.Wrap(err, "ioutil: flock")
	}
	return nil
}

// Unlock releases a lock taken with Lock.
func Unlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
