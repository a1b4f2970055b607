//go:build linux && amd64

package tracer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"simdguard/engine"
)

// Process is a running program attached for inspection. All of its
// threads are stopped between calls; one of them is selected.
type Process struct {
	pid     int
	tid     int
	w       *worker
	log     logrus.FieldLogger
	stopped map[int]bool
	pending map[int]unix.Signal
	image   *Image
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

func isProcessTraced(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}
	return !strings.Contains(string(data), "TracerPid:\t0")
}

func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	var tids []int
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// Attach stops every thread of pid under ptrace.
func Attach(pid int, log logrus.FieldLogger) (*Process, error) {
	if !isProcessAlive(pid) {
		return nil, fmt.Errorf("process %d does not exist", pid)
	}
	if isProcessTraced(pid) {
		return nil, fmt.Errorf("process %d is already being traced", pid)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	p := &Process{
		pid:     pid,
		tid:     pid,
		w:       newWorker(),
		log:     log,
		stopped: make(map[int]bool),
		pending: make(map[int]unix.Signal),
	}

	// Threads created while attaching are picked up by the next pass.
	for {
		tids, err := listThreads(pid)
		if err != nil {
			p.Detach()
			return nil, err
		}
		fresh := 0
		for _, tid := range tids {
			if p.stopped[tid] {
				continue
			}
			if err := p.attachThread(tid); err != nil {
				p.Detach()
				return nil, err
			}
			fresh++
		}
		if fresh == 0 {
			break
		}
	}

	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		if maps, err := ReadMaps(pid); err == nil {
			if img, err := OpenImage(filepath.Clean(exe), maps); err == nil {
				p.image = img
			} else {
				log.WithError(err).Debug("no symbols")
			}
		}
	}
	return p, nil
}

func (p *Process) attachThread(tid int) error {
	err := callErr(p.w, func() error {
		return unix.PtraceAttach(tid)
	})
	if errors.Is(err, unix.ESRCH) {
		// Exited in the meantime.
		return nil
	}
	if err != nil {
		return formatPtraceError("attach", tid, err)
	}
	res, err := p.w.wait(tid)
	if err != nil {
		return err
	}
	if !res.ws.Stopped() {
		return nil
	}
	if sig := res.ws.StopSignal(); sig != unix.SIGSTOP {
		p.pending[tid] = sig
	}
	p.stopped[tid] = true
	p.log.WithField("tid", tid).Debug("attached")
	return nil
}

func (p *Process) Pid() int { return p.pid }

// Tid is the selected thread.
func (p *Process) Tid() int { return p.tid }

// Image is the main executable, nil when its symbols could not be read.
func (p *Process) Image() *Image { return p.image }

// Threads lists the stopped threads.
func (p *Process) Threads() []int {
	tids := make([]int, 0, len(p.stopped))
	for tid := range p.stopped {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

// Select makes tid the thread the other methods work on.
func (p *Process) Select(tid int) error {
	if !p.stopped[tid] {
		return fmt.Errorf("thread %d: %w", tid, ErrNotStopped)
	}
	p.tid = tid
	return nil
}

func (p *Process) check() error {
	if len(p.stopped) == 0 {
		return ErrExited
	}
	if !p.stopped[p.tid] {
		return fmt.Errorf("thread %d: %w", p.tid, ErrNotStopped)
	}
	return nil
}

// Context reads the registers and FP state of the selected thread.
func (p *Process) Context() (*engine.Context, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	regs, err := p.w.getRegs(p.tid)
	if err != nil {
		return nil, err
	}
	fp, err := p.w.getFPRegs(p.tid)
	if err != nil {
		return nil, err
	}
	ctx := engine.NewContext(fp)
	loadRegs(ctx, regs)
	return ctx, nil
}

// SetContext writes ctx back to the selected thread.
func (p *Process) SetContext(ctx *engine.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	regs := &unix.PtraceRegs{}
	storeRegs(regs, ctx)
	if err := p.w.setRegs(p.tid, regs); err != nil {
		return err
	}
	fp := ctx.NewFPState()
	ctx.GetFPState(fp)
	return p.w.setFPRegs(p.tid, fp)
}

func (p *Process) ReadMemory(addr uint64, n int) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.w.readMem(p.tid, addr, n)
}

// Step executes one instruction of the selected thread.
func (p *Process) Step() error {
	if err := p.check(); err != nil {
		return err
	}
	if err := p.w.step(p.tid, p.takePending()); err != nil {
		return err
	}
	return p.waitSelected()
}

// Cont resumes the selected thread until its next stop. Interrupt stops
// it from another goroutine.
func (p *Process) Cont() error {
	if err := p.check(); err != nil {
		return err
	}
	if err := p.w.cont(p.tid, p.takePending()); err != nil {
		return err
	}
	return p.waitSelected()
}

// Interrupt sends SIGSTOP to the selected thread.
func (p *Process) Interrupt() error {
	return unix.Tgkill(p.pid, p.tid, unix.SIGSTOP)
}

func (p *Process) takePending() unix.Signal {
	sig := p.pending[p.tid]
	delete(p.pending, p.tid)
	return sig
}

// waitSelected collects the next stop of the selected thread and keeps
// any signal for the next resume.
func (p *Process) waitSelected() error {
	res, err := p.w.wait(p.tid)
	if err != nil {
		return err
	}
	if res.ws.Exited() || res.ws.Signaled() {
		delete(p.stopped, p.tid)
		return fmt.Errorf("thread %d: %w", p.tid, ErrExited)
	}
	sig := res.ws.StopSignal()
	if sig != unix.SIGTRAP && sig != unix.SIGSTOP {
		p.pending[p.tid] = sig
		p.log.WithFields(logrus.Fields{"tid": p.tid, "signal": unix.SignalName(sig)}).Debug("stopped by signal")
	}
	return nil
}

// Detach lets every thread run again and ends the session.
func (p *Process) Detach() error {
	var errs []error
	for tid := range p.stopped {
		sig := p.pending[tid]
		err := callErr(p.w, func() error {
			_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 0, uintptr(sig), 0, 0)
			if errno != 0 {
				return errno
			}
			return nil
		})
		if err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, formatPtraceError("detach", tid, err))
		}
	}
	p.stopped = map[int]bool{}
	p.w.close()
	return errors.Join(errs...)
}
