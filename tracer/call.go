//go:build linux && amd64

package tracer

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"simdguard/engine"
)

func (t *Tracer) replaceRoutine(addr uint64, fn engine.ReplacementFunc, opts engine.ReplaceOptions) error {
	if _, ok := t.replaced[addr]; ok {
		return fmt.Errorf("routine at %#x is already replaced", addr)
	}
	if !t.stepping {
		if err := t.setBreakpoint(t.cur, addr); err != nil {
			return err
		}
	}
	t.replaced[addr] = &replacement{fn: fn, opts: opts}
	return nil
}

// runReplacement calls the replacement of the routine th is entering.
// Without a redirect the routine then returns to its caller with the result
// of the last application call.
func (t *Tracer) runReplacement(th *thread, pc uint64, r *replacement) error {
	ctx, err := t.readContext(th.tid)
	if err != nil {
		return err
	}
	entry := ctx.Save()
	arg := ctx
	if r.opts.ConstContext {
		arg = ctx.Const()
	}

	t.log.WithFields(logrus.Fields{"tid": th.tid, "pc": fmt.Sprintf("%#x", pc)}).Debug("replacement")
	f := t.pushFrame(th)
	r.fn(engine.Replacement{Context: arg, Thread: engine.ThreadID(th.tid), Original: pc})
	t.popFrame()

	if t.exited {
		return nil
	}
	if f.redirect != nil {
		return t.writeContext(th.tid, f.redirect)
	}

	sp := entry.Reg(engine.RegStackPtr)
	ret, err := t.w.readWord(th.tid, sp)
	if err != nil {
		return err
	}
	entry.SetReg(engine.RegRax, f.result)
	entry.SetReg(engine.RegInstPtr, ret)
	entry.SetReg(engine.RegStackPtr, sp+8)
	return t.writeContext(th.tid, entry)
}

// CallApplicationFunction runs fn on thread tid with the registers and FP
// state of ctx until it returns, servicing every other event meanwhile. The
// thread must be stopped in a callback.
func (t *Tracer) CallApplicationFunction(ctx *engine.Context, tid engine.ThreadID, fn uint64) (uint64, error) {
	if t.exited {
		return 0, ErrExited
	}
	th, ok := t.threads[int(tid)]
	if !ok {
		return 0, fmt.Errorf("call %#x on thread %d: %w", fn, tid, ErrNotStopped)
	}
	if !t.stepping {
		if err := t.setBreakpoint(th.tid, t.trapAddr()); err != nil {
			return 0, err
		}
	}

	call := ctx.Save()
	sp := (call.Reg(engine.RegStackPtr)-redZone)&^15 - 8
	if err := t.w.writeWord(th.tid, sp, t.trapAddr()); err != nil {
		return 0, err
	}
	call.SetReg(engine.RegStackPtr, sp)
	call.SetReg(engine.RegInstPtr, fn)
	if err := t.writeContext(th.tid, call); err != nil {
		return 0, err
	}

	log := t.log.WithFields(logrus.Fields{"tid": th.tid, "pc": fmt.Sprintf("%#x", fn)})
	log.Debug("application call")

	ac := &appCall{sp: sp}
	th.calls = append(th.calls, ac)
	defer func() { th.calls = th.calls[:len(th.calls)-1] }()
	th.skipReplace = fn

	if err := t.proceed(th, 0); err != nil {
		return 0, err
	}
	if err := t.loop(func() bool { return ac.done || t.exited }); err != nil {
		return 0, err
	}
	if !ac.done {
		return 0, ErrExited
	}

	regs, err := t.w.getRegs(th.tid)
	if err != nil {
		return 0, err
	}
	if f := t.topFrame(); f != nil {
		f.result = regs.Rax
	}
	log.WithField("result", regs.Rax).Debug("application call returned")
	return regs.Rax, nil
}

const maxInsBytes = 16

// instrument decodes the instruction at pc on first sight, and runs its
// inserted calls on a context of th. It reports whether a call redirected
// the thread.
func (t *Tracer) instrument(th *thread, pc, rax uint64) (bool, error) {
	ins, ok := t.insCache[pc]
	if !ok {
		code, err := t.w.readMem(th.tid, pc, maxInsBytes)
		if err != nil {
			return false, err
		}
		ins = engine.DecodeIns(pc, code)
		for _, fn := range t.instrumentFuncs {
			fn(ins)
		}
		t.insCache[pc] = ins
	}

	if ins.Opcode() == x86asm.SYSCALL && rax == unix.SYS_RT_SIGRETURN && len(t.contextChangeFuncs) > 0 {
		from, err := t.readContext(th.tid)
		if err != nil {
			return false, err
		}
		th.sigreturnFrom = from.Const()
	}

	calls := ins.Calls()
	if len(calls) == 0 {
		return false, nil
	}
	ctx, err := t.readContext(th.tid)
	if err != nil {
		return false, err
	}
	f := t.pushFrame(th)
	for _, c := range calls {
		c(ctx)
	}
	t.popFrame()

	if f.redirect != nil {
		return true, t.writeContext(th.tid, f.redirect)
	}
	return false, t.writeContext(th.tid, ctx)
}
