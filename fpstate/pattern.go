package fpstate

import (
	"encoding/binary"
	"fmt"
)

// Pattern is the 128-bit value of one vector register.
type Pattern [XmmSize]byte

// Repeat8 fills every byte with b.
func Repeat8(b byte) Pattern {
	var p Pattern
	for i := range p {
		p[i] = b
	}
	return p
}

// Repeat32 fills every 32-bit word with w.
func Repeat32(w uint32) Pattern {
	var p Pattern
	for j := 0; j < XmmSize/4; j++ {
		binary.LittleEndian.PutUint32(p[j*4:], w)
	}
	return p
}

func (p Pattern) Word32(j int) uint32 {
	return binary.LittleEndian.Uint32(p[j*4:])
}

func (p Pattern) Word64(j int) uint64 {
	return binary.LittleEndian.Uint64(p[j*8:])
}

// String prints the four 32-bit words low to high.
func (p Pattern) String() string {
	return fmt.Sprintf("%x %x %x %x", p.Word32(0), p.Word32(1), p.Word32(2), p.Word32(3))
}

// PatternOf copies XMM register i out of s.
func PatternOf(s State, i int) Pattern {
	var p Pattern
	copy(p[:], s.Xmm(i))
	return p
}

// FillXmm stores p into the first n XMM registers.
func (s State) FillXmm(n int, p Pattern) {
	for i := 0; i < n; i++ {
		s.SetXmm(i, p)
	}
}

// ClearXmm zeroes the first n XMM registers through the 64-bit view.
func (s State) ClearXmm(n int) {
	for i := 0; i < n; i++ {
		s.SetVec64(i, 0, 0)
		s.SetVec64(i, 1, 0)
	}
}
