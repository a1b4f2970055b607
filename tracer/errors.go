//go:build linux && amd64

package tracer

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotStopped is returned for operations on a thread that is
	// running or unknown.
	ErrNotStopped = errors.New("thread is not stopped")
	// ErrExited is returned once the traced process is gone.
	ErrExited = errors.New("process exited")
)

func formatPtraceError(operation string, tid int, err error) error {
	switch {
	case errors.Is(err, unix.ESRCH):
		return fmt.Errorf("%s failed: thread %d does not exist or is not stopped: %w", operation, tid, err)
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("%s failed: permission denied: %w", operation, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%s failed: process is busy: %w", operation, err)
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}
