// Package abi computes stack adjustments needed when execution is
// redirected straight into a function instead of reaching it with a call.
package abi

// Arch selects a calling convention.
type Arch int

const (
	ArchAMD64 Arch = iota
	ArchIA32Unix
	ArchIA32Windows
)

// EntryAlignment is the special stack alignment (rsp mod 16) at callee
// entry, after the return address has been pushed. 0 means plain pointer
// alignment.
func EntryAlignment(a Arch) int32 {
	switch a {
	case ArchAMD64:
		return 8
	case ArchIA32Unix:
		return 12
	default:
		return 0
	}
}

// StackAdjustment returns how far the stack pointer must be lowered so that
// a stack currently aligned to current (mod 16) satisfies required at
// function entry. The result is in [0,16).
func StackAdjustment(current, required int32) int32 {
	adjustment := (current - required) % 16
	if adjustment < 0 {
		adjustment += 16
	}
	return adjustment
}

// StackAdjustmentForRedirection applies the entry alignment of a.
func StackAdjustmentForRedirection(a Arch, current int32) int32 {
	return StackAdjustment(current, EntryAlignment(a))
}

// RedirectSP returns the stack pointer to use when jumping to a function
// entry with sp as the current stack pointer.
func RedirectSP(a Arch, sp uint64) uint64 {
	return sp - uint64(StackAdjustmentForRedirection(a, int32(sp%16)))
}
