// Package fpcheck verifies that an engine carries XMM state correctly
// through function replacement, application calls, redirected execution and
// signal delivery. The traced program cooperates: it exposes the routines
// named below and checks the patterns it is handed.
package fpcheck

import (
	"io"
	"os"

	"simdguard/abi"
	"simdguard/console"
	"simdguard/engine"
	"simdguard/fpstate"
)

// Routines looked up in every loaded image.
const (
	ReplacedRoutine  = "ReplacedXmmRegs"
	ExecuteAtRoutine = "ExecutedAtFunc"
	DumpAtExcRoutine = "DumpXmmRegsAtException"
)

// Sentinels.
const (
	CallPattern      = 0xacdcacdc
	ExecuteAtPattern = 0xdeadbeef
	ThreadPattern    = 0xbaadf00d
	FromByte         = 0xa5
	ToByte           = 0x5a
)

// FatalExitCode is the process exit code after a failed round trip.
const FatalExitCode = -1

// Options selects the optional behaviour of the tool.
type Options struct {
	// ConstContext has the replacement receive a read-only context.
	ConstContext bool

	// ThreadStart registers OnThread.
	ThreadStart bool

	// Out receives the diagnostics; stdout when nil.
	Out io.Writer

	// Exit ends the process; os.Exit when nil.
	Exit func(code int)

	Arch abi.Arch
}

// Tool is one verification session.
type Tool struct {
	eng  engine.Engine
	opts Options
	out  *console.Writer
	exit func(int)

	executeAtAddr uint64
	dumpAddr      uint64
}

func New(eng engine.Engine, opts Options) *Tool {
	t := &Tool{eng: eng, opts: opts, exit: opts.Exit}
	if opts.Out != nil {
		t.out = console.New(opts.Out)
	} else {
		t.out = console.Stdout
	}
	if t.exit == nil {
		t.exit = os.Exit
	}
	return t
}

// Register installs the image and context-change callbacks, and the
// thread-start callback when asked to.
func (t *Tool) Register() {
	if t.opts.ThreadStart {
		t.eng.AddThreadStartFunction(t.OnThread)
	}
	t.eng.AddImageFunction(t.Image)
	t.eng.AddContextChangeFunction(t.OnContextChange)
}

// ExecuteAtAddr and DumpAddr are the resolved redirect targets, 0 until
// found.
func (t *Tool) ExecuteAtAddr() uint64 { return t.executeAtAddr }
func (t *Tool) DumpAddr() uint64      { return t.dumpAddr }

// Image replaces ReplacedXmmRegs and resolves the redirect targets of an
// image that has it.
func (t *Tool) Image(img engine.Image) {
	rtn, ok := img.FindRoutine(ReplacedRoutine)
	if !ok {
		return
	}
	err := rtn.ReplaceSignature(t.Replacement, engine.ReplaceOptions{ConstContext: t.opts.ConstContext})
	if err != nil {
		t.out.LogError("replace %s in %s: %v", ReplacedRoutine, img.Name(), err)
		return
	}
	t.out.Linef("TOOL found and replaced %s", ReplacedRoutine)

	if rtn, ok := img.FindRoutine(ExecuteAtRoutine); ok {
		t.executeAtAddr = rtn.Address()
		t.out.Linef("TOOL found %s for later PIN_ExecuteAt", ExecuteAtRoutine)
	}
	if rtn, ok := img.FindRoutine(DumpAtExcRoutine); ok {
		t.dumpAddr = rtn.Address()
		t.out.Linef("TOOL found %s for later Exception", DumpAtExcRoutine)
	}
}

// setAndVerify stores p into every XMM register of ctx and reads the state
// back. It returns the state that was written, or false after reporting a
// mismatch.
func (t *Tool) setAndVerify(ctx *engine.Context, p fpstate.Pattern, tag string) (fpstate.State, bool) {
	want := ctx.NewFPState()
	t.eng.GetContextFPState(ctx, want)
	want.FillXmm(fpstate.NumXmmRegs, p)
	if err := t.eng.SetContextFPState(ctx, want); err != nil {
		t.out.Linef("TOOL %s setting FP state: %v", tag, err)
		return nil, false
	}

	got := ctx.NewFPState()
	t.eng.GetContextFPState(ctx, got)
	if i := fpstate.FirstXmmMismatch(want, got, fpstate.NumXmmRegs); i >= 0 {
		t.out.Linef("TOOL %s at xmm[%d]  (%s) (%s)", tag, i, fpstate.PatternOf(want, i), fpstate.PatternOf(got, i))
		return nil, false
	}
	return want, true
}

// Replacement runs instead of ReplacedXmmRegs. It calls the original with
// every XMM register holding CallPattern, then, if ExecutedAtFunc exists,
// resumes the thread there with ExecuteAtPattern.
func (t *Tool) Replacement(r engine.Replacement) {
	t.out.Linef("TOOL in REPLACE_%s", ReplacedRoutine)

	ctx := r.Context
	if t.opts.ConstContext || ctx.IsConst() {
		ctx = t.eng.SaveContext(ctx)
	}

	fp, ok := t.setAndVerify(ctx, fpstate.Repeat32(CallPattern), "ERROR")
	if !ok {
		t.exit(FatalExitCode)
		return
	}

	t.out.Linef("TOOL Calling replaced %s()", ReplacedRoutine)
	if _, err := t.eng.CallApplicationFunction(ctx, r.Thread, r.Original); err != nil {
		t.out.LogError("call %s: %v", ReplacedRoutine, err)
		t.exit(FatalExitCode)
		return
	}
	t.out.Linef("TOOL Returned from replaced %s()", ReplacedRoutine)

	if t.executeAtAddr == 0 {
		return
	}
	fp.FillXmm(fpstate.NumXmmRegs, fpstate.Repeat32(ExecuteAtPattern))
	if err := t.eng.SetContextFPState(ctx, fp); err != nil {
		t.out.LogError("set FP state: %v", err)
		t.exit(FatalExitCode)
		return
	}
	if err := t.redirect(ctx, t.executeAtAddr); err != nil {
		t.out.LogError("redirect to %s: %v", ExecuteAtRoutine, err)
		t.exit(FatalExitCode)
		return
	}
	t.out.Linef("TOOL Calling %s", ExecuteAtRoutine)
	if err := t.eng.ExecuteAt(ctx); err != nil {
		t.out.LogError("execute at %s: %v", ExecuteAtRoutine, err)
		t.exit(FatalExitCode)
	}
}

// redirect points ctx at pc and lowers its stack pointer so pc starts with
// the alignment a call would have given it.
func (t *Tool) redirect(ctx *engine.Context, pc uint64) error {
	sp := t.eng.GetContextReg(ctx, engine.RegStackPtr)
	if err := t.eng.SetContextReg(ctx, engine.RegInstPtr, pc); err != nil {
		return err
	}
	return t.eng.SetContextReg(ctx, engine.RegStackPtr, abi.RedirectSP(t.opts.Arch, sp))
}

// OnThread loads ThreadPattern into a new thread's XMM registers.
func (t *Tool) OnThread(tid engine.ThreadID, ctx *engine.Context, flags int32) {
	t.out.Linef("TOOL OnThread callback")
	if _, ok := t.setAndVerify(ctx, fpstate.Repeat32(ThreadPattern), "ERROR2"); !ok {
		t.exit(FatalExitCode)
	}
}

// skipReason lists the context changes the tool leaves alone.
func skipReason(reason engine.ContextChangeReason) bool {
	switch reason {
	case engine.ReasonSigReturn, engine.ReasonAPC, engine.ReasonCallback, engine.ReasonFatalSignal:
		return true
	}
	return false
}

// Handles reports whether OnContextChange acts on an event.
func Handles(reason engine.ContextChangeReason, to *engine.Context) bool {
	return to != nil && !skipReason(reason)
}

// OnContextChange checks the state the application faulted with, hands the
// handler a different pattern and diverts it into DumpXmmRegsAtException.
func (t *Tool) OnContextChange(tid engine.ThreadID, reason engine.ContextChangeReason, from, to *engine.Context, info int32) {
	if !Handles(reason, to) {
		return
	}
	t.out.Linef("TOOL OnException callback")
	if !t.checkAndSetFromTo(from, to) {
		t.exit(FatalExitCode)
		return
	}
	if t.dumpAddr == 0 {
		return
	}
	if err := t.redirect(to, t.dumpAddr); err != nil {
		t.out.LogError("redirect to %s: %v", DumpAtExcRoutine, err)
		t.exit(FatalExitCode)
	}
}

func (t *Tool) checkAndSetFromTo(from, to *engine.Context) bool {
	t.out.Linef("TOOL CheckAndSetFpContextXmmRegs")
	fp := from.NewFPState()
	t.eng.GetContextFPState(from, fp)
	for _, m := range fpstate.XmmByteMismatches(fp, fpstate.NumXmmRegs, FromByte) {
		t.out.Linef("TOOL unexpected _xmm[%d]._vec8[%d] value %x", m.Reg, m.Byte, m.Got)
	}
	t.out.Linef("TOOL Checked ctxtFrom OK")

	if len(fp) != to.FPSize() {
		cur := to.NewFPState()
		t.eng.GetContextFPState(to, cur)
		cur.CopyFrom(fp)
		fp = cur
	}
	fp.FillXmm(fpstate.NumXmmRegs, fpstate.Repeat8(ToByte))
	if err := t.eng.SetContextFPState(to, fp); err != nil {
		t.out.Linef("TOOL ERROR")
		return false
	}

	fp.ClearXmm(fpstate.NumXmmRegs)
	t.eng.GetContextFPState(to, fp)
	if len(fpstate.XmmByteMismatches(fp, fpstate.NumXmmRegs, ToByte)) > 0 {
		t.out.Linef("TOOL ERROR")
		return false
	}
	t.out.Linef("TOOL Checked ctxtTo OK")
	return true
}
