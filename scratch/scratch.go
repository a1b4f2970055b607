// Package scratch loads a sentinel into the upper halves of the vector
// registers ahead of every instruction that touches vector state, so code
// that relies on scratch bits it never wrote shows up in the results.
package scratch

import (
	"encoding/binary"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"simdguard/console"
	"simdguard/engine"
	"simdguard/fpstate"
)

// Fill is the value every YmmInit word starts with.
const Fill = 0xdeadbeef

// Tool holds the buffers the inserted calls work on.
type Tool struct {
	// YmmInit is copied into YMM_Hi128 of the 16 registers, 4 words each.
	YmmInit [fpstate.NumXmmRegs * 4]uint32
	// XmmSave keeps XMM0 across the update.
	XmmSave [4]uint32
	// Failures counts the updates the engine refused. Only the first one
	// is reported.
	Failures int

	eng engine.Engine
	out *console.Writer
	fp  fpstate.State
}

// New returns a tool bound to eng with YmmInit filled.
func New(eng engine.Engine) *Tool {
	t := &Tool{eng: eng, out: console.Stdout}
	for i := range t.YmmInit {
		t.YmmInit[i] = Fill
	}
	return t
}

// SetOutput sends failure reports to w instead of stdout.
func (t *Tool) SetOutput(w io.Writer) {
	t.out = console.New(w)
}

// Register installs the instrumentation callback.
func (t *Tool) Register() {
	t.eng.AddInstrumentFunction(t.Instruction)
}

var saveOps = map[x86asm.Op]bool{
	x86asm.FXSAVE:   true,
	x86asm.FXSAVE64: true,
	x86asm.XSAVE:    true,
	x86asm.XSAVE64:  true,
}

// vexOps are the VEX instructions the decoder knows; their operands are
// reliable.
var vexOps = map[x86asm.Op]bool{
	x86asm.VMOVDQA:    true,
	x86asm.VMOVDQU:    true,
	x86asm.VMOVNTDQ:   true,
	x86asm.VMOVNTDQA:  true,
	x86asm.VZEROUPPER: true,
}

// gprOnlyVEX reports whether a VEX encoding belongs to the BMI groups,
// which only use general purpose registers: ANDN, BLS*, BZHI, PDEP, PEXT,
// MULX, BEXTR, SHLX/SARX/SHRX (0F38 F2-F7) and RORX (0F3A F0).
func gprOnlyVEX(prefix, opMap, opcode byte) bool {
	if prefix == 0x62 {
		return false
	}
	switch opMap {
	case 2:
		return opcode >= 0xf2 && opcode <= 0xf7
	case 3:
		return opcode == 0xf0
	}
	return false
}

// NeedsInstrumentation reports whether ins saves the full FP state or reads
// or writes one of the vector registers.
func NeedsInstrumentation(ins *engine.Ins) bool {
	if saveOps[ins.Opcode()] {
		return true
	}
	if ins.IsVEX() {
		if ins.Opcode() == x86asm.VZEROUPPER {
			return true
		}
		if !ins.Valid() || !vexOps[ins.Opcode()] {
			// Anything else decodes as the legacy instruction behind the
			// prefix, so only the encoding can be trusted.
			prefix, opMap, opcode, ok := ins.VEX()
			return !ok || !gprOnlyVEX(prefix, opMap, opcode)
		}
	}
	for r := x86asm.X0; r <= x86asm.X15; r++ {
		if ins.RegRead(r) || ins.RegWritten(r) {
			return true
		}
	}
	return false
}

// Instruction is the instrumentation callback.
func (t *Tool) Instruction(ins *engine.Ins) {
	if NeedsInstrumentation(ins) {
		ins.InsertCall(t.SetScratches)
	}
}

// SetScratches runs before each instrumented instruction. XMM0 goes
// through XmmSave while the upper halves are rewritten.
func (t *Tool) SetScratches(ctx *engine.Context) {
	if len(t.fp) != ctx.FPSize() {
		t.fp = ctx.NewFPState()
	}
	t.eng.GetContextFPState(ctx, t.fp)

	xmm0 := t.fp.Xmm(0)
	for j := range t.XmmSave {
		t.XmmSave[j] = binary.LittleEndian.Uint32(xmm0[j*4:])
	}
	if !t.fp.HasYmm() {
		return
	}

	for i := 0; i < fpstate.NumXmmRegs; i++ {
		var p fpstate.Pattern
		for j := 0; j < 4; j++ {
			binary.LittleEndian.PutUint32(p[j*4:], t.YmmInit[i*4+j])
		}
		t.fp.SetYmmHi(i, p)
	}
	for j, w := range t.XmmSave {
		t.fp.SetVec32(0, j, w)
	}
	if err := t.eng.SetContextFPState(ctx, t.fp); err != nil {
		t.Failures++
		if t.Failures == 1 {
			t.out.LogError("set scratch state at %#x: %v", t.eng.GetContextReg(ctx, engine.RegInstPtr), err)
		}
	}
}
