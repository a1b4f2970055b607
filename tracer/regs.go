//go:build linux && amd64

package tracer

import (
	"golang.org/x/sys/unix"

	"simdguard/engine"
)

// regField maps a context register to its slot in the kernel's user_regs.
func regField(regs *unix.PtraceRegs, r engine.Reg) *uint64 {
	switch r {
	case engine.RegR15:
		return &regs.R15
	case engine.RegR14:
		return &regs.R14
	case engine.RegR13:
		return &regs.R13
	case engine.RegR12:
		return &regs.R12
	case engine.RegRbp:
		return &regs.Rbp
	case engine.RegRbx:
		return &regs.Rbx
	case engine.RegR11:
		return &regs.R11
	case engine.RegR10:
		return &regs.R10
	case engine.RegR9:
		return &regs.R9
	case engine.RegR8:
		return &regs.R8
	case engine.RegRax:
		return &regs.Rax
	case engine.RegRcx:
		return &regs.Rcx
	case engine.RegRdx:
		return &regs.Rdx
	case engine.RegRsi:
		return &regs.Rsi
	case engine.RegRdi:
		return &regs.Rdi
	case engine.RegOrigRax:
		return &regs.Orig_rax
	case engine.RegRip:
		return &regs.Rip
	case engine.RegCs:
		return &regs.Cs
	case engine.RegEflags:
		return &regs.Eflags
	case engine.RegRsp:
		return &regs.Rsp
	case engine.RegSs:
		return &regs.Ss
	case engine.RegFsBase:
		return &regs.Fs_base
	case engine.RegGsBase:
		return &regs.Gs_base
	case engine.RegDs:
		return &regs.Ds
	case engine.RegEs:
		return &regs.Es
	case engine.RegFs:
		return &regs.Fs
	case engine.RegGs:
		return &regs.Gs
	}
	return nil
}

// loadRegs copies every register of regs into ctx, which must be writable.
func loadRegs(ctx *engine.Context, regs *unix.PtraceRegs) {
	for r := engine.RegRax; r < engine.NumRegs; r++ {
		if p := regField(regs, r); p != nil {
			ctx.SetReg(r, *p)
		}
	}
}

// storeRegs copies the registers of ctx into regs.
func storeRegs(regs *unix.PtraceRegs, ctx *engine.Context) {
	for r := engine.RegRax; r < engine.NumRegs; r++ {
		if p := regField(regs, r); p != nil {
			*p = ctx.Reg(r)
		}
	}
}

func (w *worker) getRegs(tid int) (*unix.PtraceRegs, error) {
	return call(w, func() (*unix.PtraceRegs, error) {
		regs := &unix.PtraceRegs{}
		if err := unix.PtraceGetRegs(tid, regs); err != nil {
			return nil, formatPtraceError("getregs", tid, err)
		}
		return regs, nil
	})
}

func (w *worker) setRegs(tid int, regs *unix.PtraceRegs) error {
	return callErr(w, func() error {
		if err := unix.PtraceSetRegs(tid, regs); err != nil {
			return formatPtraceError("setregs", tid, err)
		}
		return nil
	})
}
