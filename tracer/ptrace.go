//go:build linux && amd64

package tracer

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel si_code values of interest for SIGTRAP.
const (
	siKernel  = 0x80
	trapBrkpt = 1
	trapTrace = 2
)

func (w *worker) readMem(tid int, addr uint64, n int) ([]byte, error) {
	return call(w, func() ([]byte, error) {
		mem := make([]byte, n)
		count, err := unix.PtracePeekData(tid, uintptr(addr), mem)
		if err != nil && count == 0 {
			return nil, formatPtraceError("peekdata", tid, err)
		}
		return mem[:count], nil
	})
}

func (w *worker) writeMem(tid int, addr uint64, data []byte) error {
	return callErr(w, func() error {
		if _, err := unix.PtracePokeData(tid, uintptr(addr), data); err != nil {
			return formatPtraceError("pokedata", tid, err)
		}
		return nil
	})
}

func (w *worker) readWord(tid int, addr uint64) (uint64, error) {
	b, err := w.readMem(tid, addr, 8)
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, formatPtraceError("peekdata", tid, unix.EFAULT)
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (w *worker) writeWord(tid int, addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return w.writeMem(tid, addr, b[:])
}

func (w *worker) siginfo(tid int) (*unix.Siginfo, error) {
	return call(w, func() (*unix.Siginfo, error) {
		info := &unix.Siginfo{}
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
			uintptr(tid), 0, uintptr(unsafe.Pointer(info)), 0, 0)
		if errno != 0 {
			return nil, formatPtraceError("getsiginfo", tid, errno)
		}
		return info, nil
	})
}

// step single-steps tid, delivering sig first when it is not 0. With a
// handled signal the thread stops on the first instruction of the handler.
func (w *worker) step(tid int, sig unix.Signal) error {
	return callErr(w, func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP,
			uintptr(tid), 0, uintptr(sig), 0, 0)
		if errno != 0 {
			return formatPtraceError("singlestep", tid, errno)
		}
		return nil
	})
}

func (w *worker) cont(tid int, sig unix.Signal) error {
	return callErr(w, func() error {
		if err := unix.PtraceCont(tid, int(sig)); err != nil {
			return formatPtraceError("cont", tid, err)
		}
		return nil
	})
}

func (w *worker) syscall(tid int, sig unix.Signal) error {
	return callErr(w, func() error {
		if err := unix.PtraceSyscall(tid, int(sig)); err != nil {
			return formatPtraceError("syscall", tid, err)
		}
		return nil
	})
}

func (w *worker) setOptions(tid int, options int) error {
	return callErr(w, func() error {
		if err := unix.PtraceSetOptions(tid, options); err != nil {
			return formatPtraceError("setoptions", tid, err)
		}
		return nil
	})
}

func (w *worker) eventMsg(tid int) (uint, error) {
	return call(w, func() (uint, error) {
		msg, err := unix.PtraceGetEventMsg(tid)
		if err != nil {
			return 0, formatPtraceError("geteventmsg", tid, err)
		}
		return msg, nil
	})
}

type waitResult struct {
	tid int
	ws  unix.WaitStatus
}

// wait reaps the next event of tid, or of any traced thread for -1.
func (w *worker) wait(tid int) (waitResult, error) {
	return call(w, func() (waitResult, error) {
		var ws unix.WaitStatus
		for {
			wpid, err := unix.Wait4(tid, &ws, unix.WALL, nil)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return waitResult{}, formatPtraceError("wait", tid, err)
			}
			return waitResult{tid: wpid, ws: ws}, nil
		}
	})
}
