// Package enginetest provides an in-memory engine.Engine for driving tools
// in tests. Application code is modelled as Go functions bound to
// addresses; the test plays the role of the running program by calling the
// drivers (LoadImage, StartThread, Execute, Call, ChangeContext).
package enginetest

import (
	"fmt"

	"simdguard/engine"
	"simdguard/fpstate"
)

// Body is the application code at a routine's address. It sees the context
// the routine was entered with.
type Body func(ctx *engine.Context) uint64

// AppCall records one CallApplicationFunction.
type AppCall struct {
	Thread  engine.ThreadID
	Addr    uint64
	Context *engine.Context
}

// Engine is a fake host. The zero value is not usable; call New.
type Engine struct {
	engine.ContextOps

	InstrumentFuncs    []engine.InstrumentFunc
	ImageFuncs         []engine.ImageFunc
	ThreadStartFuncs   []engine.ThreadStartFunc
	ContextChangeFuncs []engine.ContextChangeFunc

	// CorruptFP, when set, mangles every FP image written through
	// SetContextFPState before it reaches the context.
	CorruptFP func(fp fpstate.State)

	// RegErr and FPErr, when set, fail SetContextReg and SetContextFPState
	// without touching the context.
	RegErr error
	FPErr  error

	// AppCalls and Executed record CallApplicationFunction and ExecuteAt.
	AppCalls []AppCall
	Executed []*engine.Context

	routines     map[uint64]*Routine
	instrumented map[uint64]*engine.Ins
	redirect     *engine.Context
	lastResult   uint64
}

func New() *Engine {
	return &Engine{
		routines:     make(map[uint64]*Routine),
		instrumented: make(map[uint64]*engine.Ins),
	}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) AddInstrumentFunction(fn engine.InstrumentFunc) {
	e.InstrumentFuncs = append(e.InstrumentFuncs, fn)
}

func (e *Engine) AddImageFunction(fn engine.ImageFunc) {
	e.ImageFuncs = append(e.ImageFuncs, fn)
}

func (e *Engine) AddThreadStartFunction(fn engine.ThreadStartFunc) {
	e.ThreadStartFuncs = append(e.ThreadStartFuncs, fn)
}

func (e *Engine) AddContextChangeFunction(fn engine.ContextChangeFunc) {
	e.ContextChangeFuncs = append(e.ContextChangeFuncs, fn)
}

// CallApplicationFunction runs the body at fn on a writable copy of ctx,
// bypassing any replacement of it.
func (e *Engine) CallApplicationFunction(ctx *engine.Context, tid engine.ThreadID, fn uint64) (uint64, error) {
	e.AppCalls = append(e.AppCalls, AppCall{Thread: tid, Addr: fn, Context: ctx.Save()})
	r, ok := e.routines[fn]
	if !ok {
		return 0, fmt.Errorf("no application function at %#x", fn)
	}
	e.lastResult = r.body(ctx.Save())
	return e.lastResult, nil
}

func (e *Engine) ExecuteAt(ctx *engine.Context) error {
	c := ctx.Save()
	e.Executed = append(e.Executed, c)
	e.redirect = c
	return nil
}

func (e *Engine) SetContextFPState(ctx *engine.Context, src []byte) error {
	if e.FPErr != nil {
		return e.FPErr
	}
	if e.CorruptFP == nil {
		return e.ContextOps.SetContextFPState(ctx, src)
	}
	fp := fpstate.State(src).Clone()
	e.CorruptFP(fp)
	return ctx.SetFPState(fp)
}

func (e *Engine) SetContextReg(ctx *engine.Context, r engine.Reg, v uint64) error {
	if e.RegErr != nil {
		return e.RegErr
	}
	return e.ContextOps.SetContextReg(ctx, r, v)
}

// NewContext returns a writable context with an XSAVE image and the given
// stack and instruction pointers.
func NewContext(sp, pc uint64) *engine.Context {
	ctx := engine.NewContext(fpstate.New())
	ctx.SetReg(engine.RegStackPtr, sp)
	ctx.SetReg(engine.RegInstPtr, pc)
	return ctx
}

// LoadImage runs the image callbacks.
func (e *Engine) LoadImage(img *Image) {
	for _, fn := range e.ImageFuncs {
		fn(img)
	}
}

// StartThread runs the thread-start callbacks on ctx.
func (e *Engine) StartThread(tid engine.ThreadID, ctx *engine.Context) {
	for _, fn := range e.ThreadStartFuncs {
		fn(tid, ctx, 0)
	}
}

// ChangeContext runs the context-change callbacks. from is passed
// read-only; to is modified in place.
func (e *Engine) ChangeContext(tid engine.ThreadID, reason engine.ContextChangeReason, from, to *engine.Context, info int32) {
	for _, fn := range e.ContextChangeFuncs {
		fn(tid, reason, from.Const(), to, info)
	}
}

// Execute runs ins on ctx: the instrumentation callbacks see the first
// instruction decoded at an address, and its inserted calls run on every
// execution. It returns the instruction that was used.
func (e *Engine) Execute(ins *engine.Ins, ctx *engine.Context) *engine.Ins {
	cached, ok := e.instrumented[ins.Addr]
	if !ok {
		for _, fn := range e.InstrumentFuncs {
			fn(ins)
		}
		e.instrumented[ins.Addr] = ins
		cached = ins
	}
	for _, call := range cached.Calls() {
		call(ctx)
	}
	return cached
}

// Instrumented reports how many unique addresses were instrumented.
func (e *Engine) Instrumented() int {
	return len(e.instrumented)
}

// Call simulates the application calling the routine at addr. A replaced
// routine runs its replacement; if the replacement redirected execution,
// the body at the redirect target runs with that context and its result is
// returned. Otherwise the result is that of the replacement's last
// application call.
func (e *Engine) Call(tid engine.ThreadID, addr uint64, ctx *engine.Context) (uint64, error) {
	r, ok := e.routines[addr]
	if !ok {
		return 0, fmt.Errorf("no routine at %#x", addr)
	}
	if r.replacement == nil {
		return r.body(ctx), nil
	}

	e.redirect = nil
	e.lastResult = 0
	arg := ctx
	if r.opts.ConstContext {
		arg = ctx.Const()
	}
	r.replacement(engine.Replacement{Context: arg, Thread: tid, Original: r.addr})

	if e.redirect == nil {
		return e.lastResult, nil
	}
	to := e.redirect
	e.redirect = nil
	target, ok := e.routines[to.Reg(engine.RegInstPtr)]
	if !ok {
		return 0, fmt.Errorf("redirect to unknown address %#x", to.Reg(engine.RegInstPtr))
	}
	return target.body(to), nil
}

// Image is a fake loaded image.
type Image struct {
	eng      *Engine
	name     string
	low      uint64
	routines map[string]*Routine
}

// NewImage creates an image whose routines are callable through e.
func (e *Engine) NewImage(name string, low uint64) *Image {
	return &Image{eng: e, name: name, low: low, routines: make(map[string]*Routine)}
}

func (img *Image) Name() string       { return img.name }
func (img *Image) LowAddress() uint64 { return img.low }

func (img *Image) FindRoutine(name string) (engine.Routine, bool) {
	r, ok := img.routines[name]
	if !ok {
		return nil, false
	}
	return r, true
}

// AddRoutine binds body to addr under name.
func (img *Image) AddRoutine(name string, addr uint64, body Body) *Routine {
	r := &Routine{name: name, addr: addr, body: body}
	img.routines[name] = r
	img.eng.routines[addr] = r
	return r
}

// Routine is a fake routine.
type Routine struct {
	name        string
	addr        uint64
	body        Body
	replacement engine.ReplacementFunc
	opts        engine.ReplaceOptions
}

func (r *Routine) Name() string    { return r.name }
func (r *Routine) Address() uint64 { return r.addr }

func (r *Routine) ReplaceSignature(fn engine.ReplacementFunc, opts engine.ReplaceOptions) error {
	if r.replacement != nil {
		return fmt.Errorf("routine %s already replaced", r.name)
	}
	r.replacement = fn
	r.opts = opts
	return nil
}

// Replaced reports whether the routine has a replacement and with which
// options.
func (r *Routine) Replaced() (engine.ReplaceOptions, bool) {
	return r.opts, r.replacement != nil
}
