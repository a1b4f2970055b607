package fpstate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewsAlias(t *testing.T) {
	patterns := []Pattern{
		Repeat32(0xacdcacdc),
		Repeat32(0xdeadbeef),
		Repeat8(0xa5),
		Repeat8(0x5a),
		{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
	}
	for _, p := range patterns {
		for i := 0; i < NumXmmRegs; i++ {
			s := New()
			s.SetXmm(i, p)

			for j := 0; j < 16; j++ {
				assert.Equal(t, p[j], s.Vec8(i, j), "xmm%d byte %d", i, j)
			}
			for j := 0; j < 4; j++ {
				assert.Equal(t, p.Word32(j), s.Vec32(i, j), "xmm%d word %d", i, j)
			}
			for j := 0; j < 2; j++ {
				assert.Equal(t, p.Word64(j), s.Vec64(i, j), "xmm%d qword %d", i, j)
			}
			assert.Equal(t, p, PatternOf(s, i))
		}
	}
}

func TestWritesThroughEachView(t *testing.T) {
	s := New()

	s.SetVec64(3, 1, 0x0102030405060708)
	assert.Equal(t, uint32(0x05060708), s.Vec32(3, 2))
	assert.Equal(t, uint32(0x01020304), s.Vec32(3, 3))
	assert.Equal(t, uint8(0x08), s.Vec8(3, 8))
	assert.Equal(t, uint8(0x01), s.Vec8(3, 15))

	s.SetVec8(3, 8, 0xff)
	assert.Equal(t, uint64(0x01020304050607ff), s.Vec64(3, 1))

	s.SetVec32(3, 3, 0xcafebabe)
	assert.Equal(t, uint64(0xcafebabe050607ff), s.Vec64(3, 1))

	// Neighbours untouched.
	assert.Equal(t, Pattern{}, PatternOf(s, 2))
	assert.Equal(t, Pattern{}, PatternOf(s, 4))
}

func TestRegistersDoNotOverlap(t *testing.T) {
	s := New()
	for i := 0; i < NumXmmRegs; i++ {
		s.SetXmm(i, Repeat8(byte(i+1)))
	}
	for i := 0; i < NumXmmRegs; i++ {
		for j := 0; j < XmmSize; j++ {
			assert.Equal(t, byte(i+1), s.Vec8(i, j))
		}
	}
	// XMM area sits between ST7 and the reserved tail of the legacy region.
	assert.Equal(t, make([]byte, 16), []byte(s.St(NumStRegs-1)))
	assert.Equal(t, make([]byte, FXSaveSize-xmmOffset-NumXmmRegs*XmmSize), []byte(s[xmmOffset+NumXmmRegs*XmmSize:FXSaveSize]))
}

func TestYmmHi(t *testing.T) {
	s := New()
	require.True(t, s.HasYmm())
	assert.Zero(t, s.XStateBV()&XSTATE_YMM)

	p := Repeat32(0xdeadbeef)
	s.SetYmmHi(15, p)
	assert.NotZero(t, s.XStateBV()&XSTATE_YMM)
	assert.Equal(t, p[:], s.YmmHi(15))
	assert.Equal(t, Pattern{}, PatternOf(s, 15), "low half must not change")

	legacy := NewLegacy()
	assert.False(t, legacy.HasYmm())
	assert.Zero(t, legacy.XStateBV())
	assert.Panics(t, func() { legacy.YmmHi(0) })
}

func TestMarkLegacy(t *testing.T) {
	s := New()
	s.SetXStateBV(XSTATE_YMM)
	s.MarkLegacy()
	assert.Equal(t, uint64(XSTATE_FP|XSTATE_SSE|XSTATE_YMM), s.XStateBV())

	legacy := NewLegacy()
	legacy.MarkLegacy()
	assert.Equal(t, []byte(NewLegacy()), []byte(legacy))
}

func TestCloneIsDeep(t *testing.T) {
	s := New()
	s.FillXmm(NumXmmRegs, Repeat32(0xbaadf00d))
	c := s.Clone()
	if diff := cmp.Diff([]byte(s), []byte(c)); diff != "" {
		t.Fatalf("clone differs (-want +got):\n%s", diff)
	}
	c.ClearXmm(NumXmmRegs)
	assert.Equal(t, uint32(0xbaadf00d), s.Vec32(0, 0))
	assert.Equal(t, uint32(0), c.Vec32(0, 0))

	var nilState State
	assert.Nil(t, nilState.Clone())
}

func TestFirstXmmMismatch(t *testing.T) {
	a := New()
	a.FillXmm(NumXmmRegs, Repeat32(0xacdcacdc))
	b := a.Clone()
	assert.Equal(t, -1, FirstXmmMismatch(a, b, NumXmmRegs))

	b.SetVec8(9, 15, 0)
	assert.Equal(t, 9, FirstXmmMismatch(a, b, NumXmmRegs))
	assert.Equal(t, -1, FirstXmmMismatch(a, b, 9))
}

func TestXmmByteMismatches(t *testing.T) {
	s := New()
	s.FillXmm(NumXmmRegs, Repeat8(0xa5))
	assert.Empty(t, XmmByteMismatches(s, NumXmmRegs, 0xa5))

	s.SetVec8(1, 2, 0x00)
	s.SetVec8(7, 15, 0x5a)
	got := XmmByteMismatches(s, NumXmmRegs, 0xa5)
	assert.Equal(t, []ByteMismatch{{Reg: 1, Byte: 2, Got: 0x00}, {Reg: 7, Byte: 15, Got: 0x5a}}, got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New().Validate())
	assert.NoError(t, NewLegacy().Validate())
	assert.Error(t, make(State, 100).Validate())
}

func TestMxcsr(t *testing.T) {
	s := NewLegacy()
	s.SetMxcsr(0x1f80)
	assert.Equal(t, uint32(0x1f80), s.Mxcsr())
	assert.Equal(t, uint8(0x80), s[mxcsrOffset])
}

func TestPatternString(t *testing.T) {
	assert.Equal(t, "acdcacdc acdcacdc acdcacdc acdcacdc", Repeat32(0xacdcacdc).String())
}
