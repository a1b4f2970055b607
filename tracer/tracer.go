//go:build linux && amd64

// Package tracer is a ptrace host for engine tools. It starts a program
// stopped at exec, loads the main image, and drives every thread of the
// program from one event loop: routine replacement through int3
// breakpoints, per-instruction calls through single-stepping, and context
// change callbacks at signal delivery and rt_sigreturn.
package tracer

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"simdguard/engine"
)

// redZone is the area below rsp the amd64 ABI lets leaf functions use.
const redZone = 128

type thread struct {
	tid       int
	started   bool
	inSyscall bool

	// sigreturnFrom is the context seen at rt_sigreturn entry until the
	// matching exit.
	sigreturnFrom *engine.Context
	// skipReplace lets a CallApplicationFunction reach the original code
	// at a replaced address once.
	skipReplace uint64
	calls       []*appCall
}

// appCall is an outstanding CallApplicationFunction: the callee returns to
// the trap address with rsp == sp+8.
type appCall struct {
	sp   uint64
	done bool
}

// callbackFrame is the state of a running replacement or inserted call.
type callbackFrame struct {
	tid      int
	redirect *engine.Context
	result   uint64
}

type replacement struct {
	fn   engine.ReplacementFunc
	opts engine.ReplaceOptions
}

// Tracer runs one program and implements engine.Engine for the tools
// registered with it.
type Tracer struct {
	engine.ContextOps

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	path string
	args []string
	log  logrus.FieldLogger
	w    *worker

	instrumentFuncs    []engine.InstrumentFunc
	imageFuncs         []engine.ImageFunc
	threadStartFuncs   []engine.ThreadStartFunc
	contextChangeFuncs []engine.ContextChangeFunc

	pid      int
	cur      int
	stepping bool
	sysgood  bool
	threads  map[int]*thread
	image    *Image
	bps      map[uint64]*breakpoint
	replaced map[uint64]*replacement
	insCache map[uint64]*engine.Ins
	frames   []*callbackFrame
	exited   bool
	status   int
}

var _ engine.Engine = (*Tracer)(nil)

// New prepares to run the x86-64 ELF executable at path. Nothing is
// started until Run.
func New(path string, args []string, log logrus.FieldLogger) (*Tracer, error) {
	abs, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	f, err := elf.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: not an x86-64 ELF executable", abs)
	}

	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracer{
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		path:     abs,
		args:     args,
		log:      log,
		threads:  make(map[int]*thread),
		bps:      make(map[uint64]*breakpoint),
		replaced: make(map[uint64]*replacement),
		insCache: make(map[uint64]*engine.Ins),
	}, nil
}

func resolvePath(bin string) (string, error) {
	path := bin
	switch {
	case strings.HasPrefix(bin, "~"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, bin[1:])
	case !strings.Contains(bin, "/"):
		p, err := exec.LookPath(bin)
		if err != nil {
			return "", err
		}
		path = p
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	// /proc/<pid>/maps shows the target of symlinks.
	return filepath.EvalSymlinks(path)
}

func (t *Tracer) AddInstrumentFunction(fn engine.InstrumentFunc) {
	t.instrumentFuncs = append(t.instrumentFuncs, fn)
}

func (t *Tracer) AddImageFunction(fn engine.ImageFunc) {
	t.imageFuncs = append(t.imageFuncs, fn)
}

func (t *Tracer) AddThreadStartFunction(fn engine.ThreadStartFunc) {
	t.threadStartFuncs = append(t.threadStartFuncs, fn)
}

func (t *Tracer) AddContextChangeFunction(fn engine.ContextChangeFunc) {
	t.contextChangeFuncs = append(t.contextChangeFuncs, fn)
}

// Pid is the process id of the traced program, 0 before Run.
func (t *Tracer) Pid() int {
	return t.pid
}

// Run starts the program and returns its exit status: the exit code, or
// 128 plus the signal number when a signal killed it. Cancelling ctx kills
// the program.
func (t *Tracer) Run(ctx context.Context) (int, error) {
	t.w = newWorker()
	defer t.w.close()

	t.stepping = len(t.instrumentFuncs) > 0
	t.sysgood = len(t.contextChangeFuncs) > 0 && !t.stepping

	if err := t.start(); err != nil {
		if t.pid > 0 {
			unix.Kill(t.pid, unix.SIGKILL)
		}
		return 1, err
	}

	stop := context.AfterFunc(ctx, func() {
		t.log.WithField("pid", t.pid).Debug("cancelled, killing tracee")
		unix.Kill(t.pid, unix.SIGKILL)
	})
	defer stop()

	if err := t.loop(func() bool { return t.exited }); err != nil {
		if !t.exited {
			unix.Kill(t.pid, unix.SIGKILL)
			t.drain()
		}
		return 1, err
	}
	if err := ctx.Err(); err != nil {
		return t.status, err
	}
	return t.status, nil
}

// drain reaps whatever is left after a kill.
func (t *Tracer) drain() {
	for !t.exited {
		res, err := t.w.wait(-1)
		if err != nil {
			return
		}
		if (res.ws.Exited() || res.ws.Signaled()) && res.tid == t.pid {
			t.exited = true
		}
	}
}

func (t *Tracer) start() error {
	err := callErr(t.w, func() error {
		cmd := exec.Command(t.path, t.args...)
		cmd.SysProcAttr = &unix.SysProcAttr{
			Ptrace: true,
		}
		cmd.Stdin = t.Stdin
		cmd.Stdout = t.Stdout
		cmd.Stderr = t.Stderr

		if err := cmd.Start(); err != nil {
			return err
		}
		t.pid = cmd.Process.Pid
		return nil
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", t.path, err)
	}
	log := t.log.WithField("pid", t.pid)
	log.WithField("path", t.path).Debug("started")

	res, err := t.w.wait(t.pid)
	if err != nil {
		return err
	}
	if !res.ws.Stopped() || res.ws.StopSignal() != unix.SIGTRAP {
		return fmt.Errorf("start %s: unexpected status %#x at exec", t.path, uint32(res.ws))
	}

	options := unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_EXITKILL
	if t.sysgood {
		options |= unix.PTRACE_O_TRACESYSGOOD
	}
	if err := t.w.setOptions(t.pid, options); err != nil {
		return err
	}

	th := &thread{tid: t.pid, started: true}
	t.threads[t.pid] = th
	t.cur = t.pid

	maps, err := ReadMaps(t.pid)
	if err != nil {
		return err
	}
	t.image, err = OpenImage(t.path, maps)
	if err != nil {
		return err
	}
	t.image.replace = t.replaceRoutine
	log.WithFields(logrus.Fields{
		"image": t.image.Name(),
		"low":   fmt.Sprintf("%#x", t.image.LowAddress()),
	}).Debug("image loaded")
	for _, fn := range t.imageFuncs {
		fn(t.image)
	}

	if err := t.fireThreadStart(th); err != nil {
		return err
	}
	return t.proceed(th, 0)
}

func (t *Tracer) loop(until func() bool) error {
	for !until() {
		res, err := t.w.wait(-1)
		if err != nil {
			return err
		}
		if err := t.handle(res); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracer) handle(res waitResult) error {
	tid, ws := res.tid, res.ws
	log := t.log.WithField("tid", tid)

	if ws.Exited() || ws.Signaled() {
		delete(t.threads, tid)
		if tid == t.pid {
			t.exited = true
			if ws.Exited() {
				t.status = ws.ExitStatus()
			} else {
				t.status = 128 + int(ws.Signal())
			}
			log.WithField("status", t.status).Debug("process exited")
		} else {
			log.Debug("thread exited")
		}
		return nil
	}
	if !ws.Stopped() {
		return nil
	}

	th, ok := t.threads[tid]
	if !ok {
		// The first stop of a new thread can be seen before the clone
		// event of its parent.
		th = &thread{tid: tid}
		t.threads[tid] = th
	}
	t.cur = tid

	sig := ws.StopSignal()
	switch {
	case sig == unix.SIGTRAP|0x80:
		return t.syscallStop(th)
	case ws.TrapCause() > 0:
		return t.eventStop(th, ws.TrapCause())
	case sig == unix.SIGSTOP && !th.started:
		th.started = true
		log.Debug("thread started")
		if err := t.fireThreadStart(th); err != nil {
			return err
		}
		return t.proceed(th, 0)
	case sig == unix.SIGTRAP:
		info, err := t.w.siginfo(tid)
		if err != nil {
			return err
		}
		if info.Code > 0 {
			return t.trapStop(th, info.Code)
		}
	}
	return t.signalStop(th, sig)
}

func (t *Tracer) eventStop(th *thread, cause int) error {
	if cause == unix.PTRACE_EVENT_CLONE {
		msg, err := t.w.eventMsg(th.tid)
		if err != nil {
			return err
		}
		child := int(msg)
		if _, ok := t.threads[child]; !ok {
			t.threads[child] = &thread{tid: child}
		}
		t.log.WithFields(logrus.Fields{"tid": th.tid, "child": child}).Debug("clone")
	}
	return t.resume(th, 0)
}

func (t *Tracer) trapStop(th *thread, code int32) error {
	if t.stepping && code != siKernel {
		return t.proceed(th, 0)
	}
	if !t.stepping && code == siKernel {
		regs, err := t.w.getRegs(th.tid)
		if err != nil {
			return err
		}
		if bp, ok := t.bps[regs.Rip-1]; ok && bp.enabled {
			regs.Rip--
			if err := t.w.setRegs(th.tid, regs); err != nil {
				return err
			}
			return t.proceed(th, 0)
		}
	}
	return t.signalStop(th, unix.SIGTRAP)
}

func (t *Tracer) syscallStop(th *thread) error {
	th.inSyscall = !th.inSyscall
	regs, err := t.w.getRegs(th.tid)
	if err != nil {
		return err
	}
	if regs.Orig_rax == unix.SYS_RT_SIGRETURN {
		if th.inSyscall {
			from, err := t.readContext(th.tid)
			if err != nil {
				return err
			}
			th.sigreturnFrom = from.Const()
		} else if err := t.finishSigreturn(th); err != nil {
			return err
		}
	}
	return t.resume(th, 0)
}

// finishSigreturn reports the switch back from a signal handler once
// rt_sigreturn has restored the interrupted context.
func (t *Tracer) finishSigreturn(th *thread) error {
	from := th.sigreturnFrom
	th.sigreturnFrom = nil
	if from == nil {
		return nil
	}
	to, err := t.readContext(th.tid)
	if err != nil {
		return err
	}
	t.fireContextChange(th, engine.ReasonSigReturn, from, to, 0)
	return t.writeContext(th.tid, to)
}

func (t *Tracer) signalStop(th *thread, sig unix.Signal) error {
	th.inSyscall = false
	if sig == unix.SIGSTOP && th.started {
		return t.proceed(th, 0)
	}

	masks, err := readSigMasks(t.pid)
	if err != nil {
		return err
	}
	disp := masks.disposition(sig)
	t.log.WithFields(logrus.Fields{
		"tid":    th.tid,
		"signal": unix.SignalName(sig),
		"action": disp.String(),
	}).Debug("signal")

	if len(t.contextChangeFuncs) == 0 || disp == dispPass {
		return t.proceed(th, sig)
	}

	from, err := t.readContext(th.tid)
	if err != nil {
		return err
	}
	if disp == dispFatal {
		t.fireContextChange(th, engine.ReasonFatalSignal, from.Const(), nil, sig)
		return t.resume(th, sig)
	}

	// Let the kernel build the signal frame and stop on the first
	// instruction of the handler.
	if err := t.w.step(th.tid, sig); err != nil {
		return err
	}
	res, err := t.w.wait(th.tid)
	if err != nil {
		return err
	}
	if !res.ws.Stopped() || res.ws.StopSignal() != unix.SIGTRAP {
		return t.handle(res)
	}
	to, err := t.readContext(th.tid)
	if err != nil {
		return err
	}
	t.fireContextChange(th, engine.ReasonSignal, from.Const(), to, sig)
	if err := t.writeContext(th.tid, to); err != nil {
		return err
	}
	return t.proceed(th, 0)
}

// proceed runs whatever is due at the thread's current instruction and
// resumes it, unless the thread finished an application call.
func (t *Tracer) proceed(th *thread, sig unix.Signal) error {
	hold, err := t.arrive(th)
	if err != nil || hold {
		return err
	}
	return t.resume(th, sig)
}

func (t *Tracer) resume(th *thread, sig unix.Signal) error {
	if t.stepping {
		return t.w.step(th.tid, sig)
	}
	regs, err := t.w.getRegs(th.tid)
	if err != nil {
		return err
	}
	if bp, ok := t.bps[regs.Rip]; ok && bp.enabled {
		return t.stepOver(th, bp, sig)
	}
	if t.sysgood {
		return t.w.syscall(th.tid, sig)
	}
	return t.w.cont(th.tid, sig)
}

// stepOver executes the instruction under bp with the original byte in
// place.
func (t *Tracer) stepOver(th *thread, bp *breakpoint, sig unix.Signal) error {
	if err := t.disableBreakpoint(th.tid, bp); err != nil {
		return err
	}
	if err := t.w.step(th.tid, sig); err != nil {
		return err
	}
	res, err := t.w.wait(th.tid)
	if err != nil {
		return err
	}
	if !res.ws.Stopped() {
		return t.handle(res)
	}
	if err := t.enableBreakpoint(th.tid, bp); err != nil {
		return err
	}
	if res.ws.StopSignal() == unix.SIGTRAP && res.ws.TrapCause() == 0 {
		return t.proceed(th, 0)
	}
	return t.handle(res)
}

// arrive handles the thread's next instruction: the end of an
// application call, a replaced routine, or inserted calls. It reports
// whether the thread has to stay stopped.
func (t *Tracer) arrive(th *thread) (bool, error) {
	for {
		if t.stepping && th.sigreturnFrom != nil {
			if err := t.finishSigreturn(th); err != nil {
				return false, err
			}
		}

		regs, err := t.w.getRegs(th.tid)
		if err != nil {
			return false, err
		}
		pc := regs.Rip
		if th.skipReplace != pc {
			th.skipReplace = 0
		}

		if n := len(th.calls); n > 0 && pc == t.trapAddr() && regs.Rsp == th.calls[n-1].sp+8 {
			th.calls[n-1].done = true
			return true, nil
		}

		if r, ok := t.replaced[pc]; ok {
			if th.skipReplace == pc {
				th.skipReplace = 0
			} else {
				if err := t.runReplacement(th, pc, r); err != nil {
					return false, err
				}
				if t.exited {
					return true, nil
				}
				continue
			}
		}

		if !t.stepping {
			return false, nil
		}
		redirected, err := t.instrument(th, regs.Rip, regs.Rax)
		if err != nil || !redirected {
			return false, err
		}
	}
}

func (t *Tracer) trapAddr() uint64 {
	return t.image.Entry()
}

func (t *Tracer) readContext(tid int) (*engine.Context, error) {
	regs, err := t.w.getRegs(tid)
	if err != nil {
		return nil, err
	}
	fp, err := t.w.getFPRegs(tid)
	if err != nil {
		return nil, err
	}
	ctx := engine.NewContext(fp)
	loadRegs(ctx, regs)
	return ctx, nil
}

func (t *Tracer) writeContext(tid int, ctx *engine.Context) error {
	regs := &unix.PtraceRegs{}
	storeRegs(regs, ctx)
	if err := t.w.setRegs(tid, regs); err != nil {
		return err
	}
	fp := ctx.NewFPState()
	ctx.GetFPState(fp)
	return t.w.setFPRegs(tid, fp)
}

func (t *Tracer) fireThreadStart(th *thread) error {
	if len(t.threadStartFuncs) == 0 {
		return nil
	}
	ctx, err := t.readContext(th.tid)
	if err != nil {
		return err
	}
	for _, fn := range t.threadStartFuncs {
		fn(engine.ThreadID(th.tid), ctx, 0)
	}
	return t.writeContext(th.tid, ctx)
}

func (t *Tracer) fireContextChange(th *thread, reason engine.ContextChangeReason, from, to *engine.Context, sig unix.Signal) {
	t.log.WithFields(logrus.Fields{
		"tid":    th.tid,
		"pc":     fmt.Sprintf("%#x", from.Reg(engine.RegInstPtr)),
		"reason": reason.String(),
	}).Debug("context change")
	for _, fn := range t.contextChangeFuncs {
		fn(engine.ThreadID(th.tid), reason, from, to, int32(sig))
	}
}

func (t *Tracer) pushFrame(th *thread) *callbackFrame {
	f := &callbackFrame{tid: th.tid}
	t.frames = append(t.frames, f)
	return f
}

func (t *Tracer) popFrame() {
	t.frames = t.frames[:len(t.frames)-1]
}

func (t *Tracer) topFrame() *callbackFrame {
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

var errNoCallback = errors.New("ExecuteAt outside a replacement or inserted call")

// ExecuteAt resumes the thread of the innermost running replacement or
// inserted call at ctx once that callback returns.
func (t *Tracer) ExecuteAt(ctx *engine.Context) error {
	f := t.topFrame()
	if f == nil {
		return errNoCallback
	}
	f.redirect = ctx.Save()
	t.log.WithFields(logrus.Fields{
		"tid": f.tid,
		"pc":  fmt.Sprintf("%#x", ctx.Reg(engine.RegInstPtr)),
	}).Debug("execute at")
	return nil
}
