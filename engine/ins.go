package engine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// InsertedCall runs before an instrumented instruction executes. The
// context is writable; the engine applies its changes to the thread.
type InsertedCall func(ctx *Context)

// Ins is one decoded instruction as seen by instrumentation callbacks.
// Instrumentation runs once per address; the calls it inserts run on every
// dynamic execution.
type Ins struct {
	Addr uint64
	Raw  []byte
	Inst x86asm.Inst

	err   error
	calls []InsertedCall
}

// maxInsLen is the architectural limit on an x86 instruction's length.
const maxInsLen = 15

// DecodeIns decodes the instruction at the start of code.
func DecodeIns(addr uint64, code []byte) *Ins {
	inst, err := x86asm.Decode(code, 64)
	ins := &Ins{Addr: addr, Inst: inst, err: err}
	n := inst.Len
	if err != nil || n <= 0 || n > len(code) {
		n = min(len(code), maxInsLen)
	}
	ins.Raw = append([]byte(nil), code[:n]...)
	return ins
}

// Valid reports whether the decoder recognised the instruction.
func (ins *Ins) Valid() bool {
	return ins.err == nil
}

func (ins *Ins) Err() error {
	return ins.err
}

// Opcode is the decoded mnemonic, or 0 for an undecodable instruction.
func (ins *Ins) Opcode() x86asm.Op {
	if ins.err != nil {
		return 0
	}
	return ins.Inst.Op
}

// Len is the encoded length, at least 1 for undecodable bytes.
func (ins *Ins) Len() int {
	if ins.err == nil && ins.Inst.Len > 0 {
		return ins.Inst.Len
	}
	return 1
}

// vexStart returns the index of the VEX or EVEX prefix byte in Raw, after
// any legacy and segment prefixes, or -1.
func (ins *Ins) vexStart() int {
	for i, b := range ins.Raw {
		switch {
		case b == 0x66 || b == 0x67 || b == 0xf2 || b == 0xf3 || b == 0xf0:
			continue
		case b == 0x26 || b == 0x2e || b == 0x36 || b == 0x3e || b == 0x64 || b == 0x65:
			continue
		case b == 0xc4 || b == 0xc5 || b == 0x62:
			return i
		default:
			return -1
		}
	}
	return -1
}

// IsVEX reports whether the instruction uses a VEX or EVEX prefix. The
// decoder only knows a few of them; for the rest it reports whatever the
// bytes after the prefix look like as a legacy instruction.
func (ins *Ins) IsVEX() bool {
	return ins.vexStart() >= 0
}

// VEX returns the prefix byte (0xc4, 0xc5 or 0x62), the opcode map
// (1 = 0F, 2 = 0F38, 3 = 0F3A) and the opcode byte of a VEX or EVEX
// encoded instruction. ok is false for other instructions and for
// truncated encodings.
func (ins *Ins) VEX() (prefix, opMap, opcode byte, ok bool) {
	i := ins.vexStart()
	if i < 0 {
		return 0, 0, 0, false
	}
	raw := ins.Raw[i:]
	switch raw[0] {
	case 0xc5:
		if len(raw) < 3 {
			return raw[0], 0, 0, false
		}
		return raw[0], 1, raw[2], true
	case 0xc4:
		if len(raw) < 4 {
			return raw[0], 0, 0, false
		}
		return raw[0], raw[1] & 0x1f, raw[3], true
	default:
		if len(raw) < 5 {
			return raw[0], 0, 0, false
		}
		return raw[0], raw[1] & 0x7, raw[4], true
	}
}

// readOnlyDest lists ops whose first operand is only read.
var readOnlyDest = map[x86asm.Op]bool{
	x86asm.CMP:     true,
	x86asm.TEST:    true,
	x86asm.COMISS:  true,
	x86asm.COMISD:  true,
	x86asm.UCOMISS: true,
	x86asm.UCOMISD: true,
	x86asm.PTEST:   true,
	x86asm.PUSH:    true,
}

// writeOnlyDest lists ops that overwrite their first operand without
// reading it.
var writeOnlyDest = map[x86asm.Op]bool{
	x86asm.MOV:      true,
	x86asm.MOVZX:    true,
	x86asm.MOVSX:    true,
	x86asm.MOVSXD:   true,
	x86asm.LEA:      true,
	x86asm.MOVAPS:   true,
	x86asm.MOVAPD:   true,
	x86asm.MOVUPS:   true,
	x86asm.MOVUPD:   true,
	x86asm.MOVDQA:   true,
	x86asm.MOVDQU:   true,
	x86asm.MOVD:     true,
	x86asm.MOVQ:     true,
	x86asm.LDDQU:    true,
	x86asm.MOVNTDQA: true,
	x86asm.MOVMSKPS: true,
	x86asm.MOVMSKPD: true,
	x86asm.PMOVMSKB: true,
	x86asm.POP:      true,
}

// operand roles: the first operand is the destination, the rest are
// sources, and every register used in a memory address is read.
func (ins *Ins) regAccess(r x86asm.Reg) (read, written bool) {
	if ins.err != nil {
		return false, false
	}
	for i, a := range ins.Inst.Args {
		if a == nil {
			break
		}
		switch arg := a.(type) {
		case x86asm.Reg:
			if arg != r {
				continue
			}
			if i == 0 {
				op := ins.Inst.Op
				if !readOnlyDest[op] {
					written = true
				}
				if !writeOnlyDest[op] {
					read = true
				}
			} else {
				read = true
			}
		case x86asm.Mem:
			if arg.Base == r || arg.Index == r {
				read = true
			}
		}
	}
	return read, written
}

// RegRead reports whether r is an explicit source operand or part of an
// address.
func (ins *Ins) RegRead(r x86asm.Reg) bool {
	read, _ := ins.regAccess(r)
	return read
}

// RegWritten reports whether r is an explicit destination operand.
func (ins *Ins) RegWritten(r x86asm.Reg) bool {
	_, written := ins.regAccess(r)
	return written
}

// InsertCall attaches fn to run before every execution of the
// instruction.
func (ins *Ins) InsertCall(fn InsertedCall) {
	ins.calls = append(ins.calls, fn)
}

// Calls returns the inserted calls in insertion order.
func (ins *Ins) Calls() []InsertedCall {
	return ins.calls
}

func (ins *Ins) String() string {
	if ins.err != nil {
		return fmt.Sprintf("%#x: (bad) % x", ins.Addr, ins.Raw)
	}
	return fmt.Sprintf("%#x: %s", ins.Addr, x86asm.IntelSyntax(ins.Inst, ins.Addr, nil))
}
