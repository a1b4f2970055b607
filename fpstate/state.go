// Package fpstate holds an x86 floating-point/vector register image in the
// XSAVE standard format and gives typed access to it.
//
// The image is a plain byte slice. Every accessor reads or writes the
// little-endian bytes in place, so a value stored through one view (8, 32 or
// 64 bit) is immediately visible through the others.
package fpstate

import (
	"encoding/binary"
	"fmt"
)

// Layout of the legacy FXSAVE region and the XSAVE extension.
const (
	FXSaveSize = 512

	fcwOffset       = 0
	fswOffset       = 2
	ftwOffset       = 4
	fopOffset       = 6
	fipOffset       = 8
	fdpOffset       = 16
	mxcsrOffset     = 24
	mxcsrMaskOffset = 28
	stOffset        = 32
	xmmOffset       = 160

	xsaveHeaderOffset = 512
	ymmHiOffset       = 576
	ymmHiSize         = NumXmmRegs * XmmSize

	// XSaveSize covers the legacy region, the header and YMM_Hi128.
	XSaveSize = ymmHiOffset + ymmHiSize

	// MinBufSize is the first buffer offered for NT_X86_XSTATE. CPUs with
	// AVX-512 or AMX have larger user images, so readers grow it up to
	// MaxSize until the kernel leaves part of the buffer unused.
	MinBufSize = 4096
	MaxSize    = 1 << 16
)

const (
	NumXmmRegs = 16
	NumStRegs  = 8
	XmmSize    = 16
)

// XSAVE state component bits
const (
	XSTATE_FP        = 0x1
	XSTATE_SSE       = 0x2
	XSTATE_YMM       = 0x4
	XSTATE_BNDREGS   = 0x8
	XSTATE_BNDCSR    = 0x10
	XSTATE_OPMASK    = 0x20
	XSTATE_ZMM_Hi256 = 0x40
	XSTATE_Hi16_ZMM  = 0x80
)

// State is a FXSAVE or XSAVE image. A State shorter than XSaveSize has no
// YMM component.
type State []byte

// New returns a zeroed image large enough for the YMM component.
func New() State {
	return make(State, XSaveSize)
}

// NewLegacy returns a zeroed FXSAVE-only image.
func NewLegacy() State {
	return make(State, FXSaveSize)
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	n := make(State, len(s))
	copy(n, s)
	return n
}

// CopyFrom overwrites s with as much of src as fits.
func (s State) CopyFrom(src State) {
	copy(s, src)
}

// Validate checks that s holds at least the legacy region.
func (s State) Validate() error {
	if len(s) < FXSaveSize {
		return fmt.Errorf("invalid XSAVE buffer size: %d bytes", len(s))
	}
	return nil
}

// HasYmm reports whether the image carries the YMM_Hi128 component.
func (s State) HasYmm() bool {
	return len(s) >= XSaveSize
}

func (s State) Fcw() uint16 { return binary.LittleEndian.Uint16(s[fcwOffset:]) }
func (s State) Fsw() uint16 { return binary.LittleEndian.Uint16(s[fswOffset:]) }
func (s State) Ftw() uint16 { return binary.LittleEndian.Uint16(s[ftwOffset:]) }
func (s State) Fop() uint16 { return binary.LittleEndian.Uint16(s[fopOffset:]) }
func (s State) Fip() uint64 { return binary.LittleEndian.Uint64(s[fipOffset:]) }
func (s State) Fdp() uint64 { return binary.LittleEndian.Uint64(s[fdpOffset:]) }

func (s State) Mxcsr() uint32 { return binary.LittleEndian.Uint32(s[mxcsrOffset:]) }

func (s State) SetMxcsr(v uint32) { binary.LittleEndian.PutUint32(s[mxcsrOffset:], v) }

func (s State) MxcsrMask() uint32 { return binary.LittleEndian.Uint32(s[mxcsrMaskOffset:]) }

// St returns the 16-byte slot of x87 register ST(i). Only the low 10 bytes
// are architecturally meaningful.
func (s State) St(i int) []byte {
	off := stOffset + i*16
	return s[off : off+16 : off+16]
}

// Xmm returns the 16 bytes of XMM register i. The slice aliases s.
func (s State) Xmm(i int) []byte {
	off := xmmOffset + i*XmmSize
	return s[off : off+XmmSize : off+XmmSize]
}

func (s State) Vec8(i, j int) uint8 {
	return s.Xmm(i)[j]
}

func (s State) SetVec8(i, j int, v uint8) {
	s.Xmm(i)[j] = v
}

func (s State) Vec32(i, j int) uint32 {
	return binary.LittleEndian.Uint32(s.Xmm(i)[j*4:])
}

func (s State) SetVec32(i, j int, v uint32) {
	binary.LittleEndian.PutUint32(s.Xmm(i)[j*4:], v)
}

func (s State) Vec64(i, j int) uint64 {
	return binary.LittleEndian.Uint64(s.Xmm(i)[j*8:])
}

func (s State) SetVec64(i, j int, v uint64) {
	binary.LittleEndian.PutUint64(s.Xmm(i)[j*8:], v)
}

// SetXmm stores p into XMM register i.
func (s State) SetXmm(i int, p Pattern) {
	copy(s.Xmm(i), p[:])
}

// XStateBV returns the XSAVE header's state-component bitmap, or 0 for a
// legacy image.
func (s State) XStateBV() uint64 {
	if len(s) < xsaveHeaderOffset+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(s[xsaveHeaderOffset:])
}

func (s State) SetXStateBV(v uint64) {
	binary.LittleEndian.PutUint64(s[xsaveHeaderOffset:], v)
}

// MarkLegacy sets the x87 and SSE bits of the header, since the kernel
// ignores the legacy region of an XSAVE write without them. FXSAVE images
// have no header and are left alone.
func (s State) MarkLegacy() {
	if len(s) < xsaveHeaderOffset+8 {
		return
	}
	s.SetXStateBV(s.XStateBV() | XSTATE_FP | XSTATE_SSE)
}

// YmmHi returns the upper 128 bits of YMM register i. It panics when the
// image has no YMM component.
func (s State) YmmHi(i int) []byte {
	if !s.HasYmm() {
		panic("fpstate: image has no YMM component")
	}
	off := ymmHiOffset + i*XmmSize
	return s[off : off+XmmSize : off+XmmSize]
}

// SetYmmHi stores p into the upper half of YMM register i and marks the
// component as present, otherwise the kernel restores it in its init state.
func (s State) SetYmmHi(i int, p Pattern) {
	copy(s.YmmHi(i), p[:])
	s.SetXStateBV(s.XStateBV() | XSTATE_YMM)
}
