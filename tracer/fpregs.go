//go:build linux && amd64

package tracer

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"simdguard/fpstate"
)

// ELF note types for PTRACE_GETREGSET.
const (
	NT_PRFPREG    = 0x2
	NT_X86_XSTATE = 0x202
)

func regset(req int, tid int, note uintptr, buf []byte) (int, error) {
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	_, _, errno := unix.Syscall6(
		unix.SYS_PTRACE,
		uintptr(req),
		uintptr(tid),
		note,
		uintptr(unsafe.Pointer(&iov)),
		0, 0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(iov.Len), nil
}

// getFPRegs reads the XSAVE image of tid, or just the FXSAVE region on
// kernels or CPUs without XSAVE.
func (w *worker) getFPRegs(tid int) (fpstate.State, error) {
	return call(w, func() (fpstate.State, error) {
		buf, n, err := w.getXState(tid)
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENODEV) {
			buf = make([]byte, fpstate.FXSaveSize)
			n, err = regset(unix.PTRACE_GETREGSET, tid, NT_PRFPREG, buf)
		}
		if err != nil {
			return nil, formatPtraceError("getregset", tid, err)
		}
		s := fpstate.State(buf[:n:n])
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	})
}

// getXState fetches NT_X86_XSTATE. The kernel silently truncates the image
// to the buffer, so a completely filled buffer is retried at twice the size.
// The size that fit is remembered for later reads.
func (w *worker) getXState(tid int) ([]byte, int, error) {
	size := max(w.xstateSize, fpstate.MinBufSize)
	for {
		buf := make([]byte, size)
		n, err := regset(unix.PTRACE_GETREGSET, tid, NT_X86_XSTATE, buf)
		if err != nil {
			return nil, 0, err
		}
		if n < size {
			w.xstateSize = size
			return buf, n, nil
		}
		if size >= fpstate.MaxSize {
			return nil, 0, fmt.Errorf("xstate of thread %d exceeds %d bytes", tid, fpstate.MaxSize)
		}
		size *= 2
	}
}

// setFPRegs writes fp back with the note type its size implies.
func (w *worker) setFPRegs(tid int, fp fpstate.State) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	note := uintptr(NT_X86_XSTATE)
	if len(fp) == fpstate.FXSaveSize {
		note = NT_PRFPREG
	} else {
		fp = fp.Clone()
		fp.MarkLegacy()
	}
	return callErr(w, func() error {
		if _, err := regset(unix.PTRACE_SETREGSET, tid, note, fp); err != nil {
			return formatPtraceError("setregset", tid, err)
		}
		return nil
	})
}
