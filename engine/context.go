package engine

import (
	"errors"
	"fmt"

	"simdguard/fpstate"
)

// ErrConstContext is returned when a read-only context is written.
var ErrConstContext = errors.New("context is read-only")

// Context is a snapshot of one thread's registers and FP/vector state at a
// callback point. Engines hand out either writable contexts, whose changes
// they apply when the callback returns, or read-only ones.
type Context struct {
	regs     [NumRegs]uint64
	fp       fpstate.State
	readOnly bool
}

// NewContext returns a writable context owning fp.
func NewContext(fp fpstate.State) *Context {
	return &Context{fp: fp}
}

func (c *Context) Reg(r Reg) uint64 {
	if !r.Valid() {
		return 0
	}
	return c.regs[r]
}

func (c *Context) SetReg(r Reg, v uint64) error {
	if c.readOnly {
		return ErrConstContext
	}
	if !r.Valid() {
		return fmt.Errorf("invalid register %d", int(r))
	}
	c.regs[r] = v
	return nil
}

// GetFPState copies the FP/vector image into dst.
func (c *Context) GetFPState(dst fpstate.State) {
	copy(dst, c.fp)
}

// SetFPState copies src over the FP/vector image. Bytes beyond the
// context's own image size are dropped.
func (c *Context) SetFPState(src fpstate.State) error {
	if c.readOnly {
		return ErrConstContext
	}
	copy(c.fp, src)
	return nil
}

// FPSize is the size of the context's FP/vector image.
func (c *Context) FPSize() int {
	return len(c.fp)
}

// NewFPState returns a zeroed image the size of the context's.
func (c *Context) NewFPState() fpstate.State {
	return make(fpstate.State, len(c.fp))
}

func (c *Context) IsConst() bool {
	return c.readOnly
}

// Save returns a writable deep copy.
func (c *Context) Save() *Context {
	n := &Context{regs: c.regs, fp: c.fp.Clone()}
	return n
}

// Const returns a read-only deep copy.
func (c *Context) Const() *Context {
	n := c.Save()
	n.readOnly = true
	return n
}
