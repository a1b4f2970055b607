// Package engine is the contract between an instrumentation host and the
// tools running inside it. Tools register callbacks; the host decides when
// they run and applies whatever they change in the contexts it hands out.
package engine

import "fmt"

// ThreadID identifies a thread of the instrumented process. For the ptrace
// host it is the kernel tid.
type ThreadID int

// ContextChangeReason says why a thread's context is being switched.
type ContextChangeReason int

const (
	ReasonFatalSignal ContextChangeReason = iota
	ReasonSignal
	ReasonSigReturn
	ReasonAPC
	ReasonException
	ReasonCallback
)

func (r ContextChangeReason) String() string {
	switch r {
	case ReasonFatalSignal:
		return "fatal-signal"
	case ReasonSignal:
		return "signal"
	case ReasonSigReturn:
		return "sigreturn"
	case ReasonAPC:
		return "apc"
	case ReasonException:
		return "exception"
	case ReasonCallback:
		return "callback"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

type (
	// InstrumentFunc is called once for every unique instruction before it
	// first executes.
	InstrumentFunc func(ins *Ins)

	// ImageFunc is called when an image is loaded.
	ImageFunc func(img Image)

	// ThreadStartFunc is called before a new thread runs its first
	// instruction. ctx is writable.
	ThreadStartFunc func(tid ThreadID, ctx *Context, flags int32)

	// ContextChangeFunc is called when a thread is diverted, e.g. into a
	// signal handler. from is read-only, to is writable and nil when the
	// thread will not resume (fatal signal). info carries the signal number.
	ContextChangeFunc func(tid ThreadID, reason ContextChangeReason, from, to *Context, info int32)
)

// Image is a loaded executable or library.
type Image interface {
	Name() string
	LowAddress() uint64
	FindRoutine(name string) (Routine, bool)
}

// Routine is a function of an image.
type Routine interface {
	Name() string
	Address() uint64
	// ReplaceSignature makes every call of the routine run fn instead.
	ReplaceSignature(fn ReplacementFunc, opts ReplaceOptions) error
}

// ReplaceOptions selects how a replacement receives its context.
type ReplaceOptions struct {
	// ConstContext hands the replacement a read-only context; it has to
	// Save() a copy before modifying anything.
	ConstContext bool
}

// Replacement is what a replacement function receives on each call.
type Replacement struct {
	Context *Context
	Thread  ThreadID
	// Original is the address of the replaced routine. Calling it through
	// CallApplicationFunction runs the original code.
	Original uint64
}

// ReplacementFunc runs in place of a replaced routine. Unless it redirects
// execution with ExecuteAt, the routine returns the value of the last
// CallApplicationFunction made from it.
type ReplacementFunc func(r Replacement)

// Engine is the host a tool registers with.
type Engine interface {
	AddInstrumentFunction(fn InstrumentFunc)
	AddImageFunction(fn ImageFunc)
	AddThreadStartFunction(fn ThreadStartFunc)
	AddContextChangeFunction(fn ContextChangeFunc)

	// CallApplicationFunction runs the application function at fn on
	// thread tid with the registers and FP state of ctx, and returns its
	// integer result.
	CallApplicationFunction(ctx *Context, tid ThreadID, fn uint64) (uint64, error)
	// ExecuteAt abandons the current callback's thread state and resumes
	// the thread at ctx once the callback returns.
	ExecuteAt(ctx *Context) error

	GetContextFPState(ctx *Context, dst []byte)
	SetContextFPState(ctx *Context, src []byte) error
	GetContextReg(ctx *Context, r Reg) uint64
	SetContextReg(ctx *Context, r Reg, v uint64) error
	SaveContext(ctx *Context) *Context
}

// ContextOps implements the context accessors of Engine directly on
// Context. Hosts embed it.
type ContextOps struct{}

func (ContextOps) GetContextFPState(ctx *Context, dst []byte) {
	ctx.GetFPState(dst)
}

func (ContextOps) SetContextFPState(ctx *Context, src []byte) error {
	return ctx.SetFPState(src)
}

func (ContextOps) GetContextReg(ctx *Context, r Reg) uint64 {
	return ctx.Reg(r)
}

func (ContextOps) SetContextReg(ctx *Context, r Reg, v uint64) error {
	return ctx.SetReg(r, v)
}

func (ContextOps) SaveContext(ctx *Context) *Context {
	return ctx.Save()
}
