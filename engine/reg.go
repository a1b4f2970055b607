package engine

import "strings"

// Reg names an architectural register held in a Context.
type Reg int

const (
	RegInvalid Reg = iota
	RegRax
	RegRbx
	RegRcx
	RegRdx
	RegRsi
	RegRdi
	RegRbp
	RegRsp
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRip
	RegEflags
	RegOrigRax
	RegFsBase
	RegGsBase
	RegCs
	RegSs
	RegDs
	RegEs
	RegFs
	RegGs

	NumRegs
)

// Generic aliases.
const (
	RegInstPtr  = RegRip
	RegStackPtr = RegRsp
)

var regNames = [NumRegs]string{
	RegRax:     "RAX",
	RegRbx:     "RBX",
	RegRcx:     "RCX",
	RegRdx:     "RDX",
	RegRsi:     "RSI",
	RegRdi:     "RDI",
	RegRbp:     "RBP",
	RegRsp:     "RSP",
	RegR8:      "R8",
	RegR9:      "R9",
	RegR10:     "R10",
	RegR11:     "R11",
	RegR12:     "R12",
	RegR13:     "R13",
	RegR14:     "R14",
	RegR15:     "R15",
	RegRip:     "RIP",
	RegEflags:  "EFLAGS",
	RegOrigRax: "ORIG_RAX",
	RegFsBase:  "FS_BASE",
	RegGsBase:  "GS_BASE",
	RegCs:      "CS",
	RegSs:      "SS",
	RegDs:      "DS",
	RegEs:      "ES",
	RegFs:      "FS",
	RegGs:      "GS",
}

func (r Reg) String() string {
	if r <= RegInvalid || r >= NumRegs {
		return "INVALID"
	}
	return regNames[r]
}

func (r Reg) Valid() bool {
	return r > RegInvalid && r < NumRegs
}

// RegByName looks a register up by its name, case-insensitively.
func RegByName(name string) (Reg, bool) {
	name = strings.ToUpper(name)
	for r := RegRax; r < NumRegs; r++ {
		if regNames[r] == name {
			return r, true
		}
	}
	return RegInvalid, false
}
