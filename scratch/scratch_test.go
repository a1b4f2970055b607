package scratch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simdguard/engine"
	"simdguard/engine/enginetest"
	"simdguard/fpstate"
)

func TestNewFillsYmmInit(t *testing.T) {
	tool := New(enginetest.New())
	for i, w := range tool.YmmInit {
		assert.Equal(t, uint32(Fill), w, "word %d", i)
	}
	assert.Equal(t, [4]uint32{}, tool.XmmSave)
}

func TestNeedsInstrumentation(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want bool
	}{
		{"fxsave", []byte{0x0f, 0xae, 0x07}, true},
		{"fxsave64", []byte{0x48, 0x0f, 0xae, 0x07}, true},
		{"xsave", []byte{0x0f, 0xae, 0x27}, true},
		{"xsave64", []byte{0x48, 0x0f, 0xae, 0x27}, true},
		{"movups store", []byte{0x0f, 0x11, 0x07}, true},
		{"pxor", []byte{0x66, 0x0f, 0xef, 0xca}, true},
		{"movd to gpr", []byte{0x66, 0x0f, 0x7e, 0xc0}, true},
		{"vzeroupper", []byte{0xc5, 0xf8, 0x77}, true},
		{"evex", []byte{0x62, 0xf1, 0x7c, 0x48, 0x28, 0xc1}, true},
		{"vpxor ymm", []byte{0xc5, 0xfd, 0xef, 0xc0}, true},
		{"vxorps xmm", []byte{0xc5, 0xf8, 0x57, 0xc0}, true},
		{"vaddps ymm", []byte{0xc5, 0xf4, 0x58, 0xc2}, true},
		{"vaddps three-byte vex", []byte{0xc4, 0xe1, 0x74, 0x58, 0xc2}, true},
		{"vmovdqu load", []byte{0xc5, 0xfe, 0x6f, 0x07}, true},
		{"vex truncated", []byte{0xc4, 0xe2}, true},
		{"andn", []byte{0xc4, 0xe2, 0x60, 0xf2, 0xc1}, false},
		{"shlx", []byte{0xc4, 0xe2, 0x61, 0xf7, 0xc0}, false},
		{"rorx", []byte{0xc4, 0xe3, 0x7b, 0xf0, 0xc3, 0x05}, false},
		{"mov", []byte{0x48, 0x89, 0xc3}, false},
		{"push", []byte{0x55}, false},
		{"nop", []byte{0x90}, false},
		{"fld", []byte{0xd9, 0x07}, false},
		{"fxrstor", []byte{0x0f, 0xae, 0x0f}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsInstrumentation(engine.DecodeIns(0x1000, tt.code)))
		})
	}
}

func TestInstructionInsertsOnce(t *testing.T) {
	eng := enginetest.New()
	tool := New(eng)
	tool.Register()
	require.Len(t, eng.InstrumentFuncs, 1)

	movups := engine.DecodeIns(0x1000, []byte{0x0f, 0x11, 0x07})
	nop := engine.DecodeIns(0x1003, []byte{0x90})

	ctx := enginetest.NewContext(0x7ffc0000, 0x1000)
	for i := 0; i < 3; i++ {
		got := eng.Execute(movups, ctx)
		assert.Len(t, got.Calls(), 1)
		got = eng.Execute(nop, ctx)
		assert.Empty(t, got.Calls())
	}
	assert.Equal(t, 2, eng.Instrumented())
}

func TestSetScratches(t *testing.T) {
	eng := enginetest.New()
	tool := New(eng)

	ctx := enginetest.NewContext(0x7ffc0000, 0x1000)
	fp := ctx.NewFPState()
	for i := 0; i < fpstate.NumXmmRegs; i++ {
		fp.SetXmm(i, fpstate.Repeat8(byte(i+1)))
	}
	fp.SetVec32(0, 0, 0x11111111)
	fp.SetVec32(0, 3, 0x44444444)
	require.NoError(t, ctx.SetFPState(fp))

	tool.SetScratches(ctx)

	assert.Equal(t, [4]uint32{0x11111111, 0x01010101, 0x01010101, 0x44444444}, tool.XmmSave)

	got := ctx.NewFPState()
	ctx.GetFPState(got)
	assert.NotZero(t, got.XStateBV()&fpstate.XSTATE_YMM)
	want := fpstate.Repeat32(Fill)
	for i := 0; i < fpstate.NumXmmRegs; i++ {
		assert.Equal(t, want[:], got.YmmHi(i), "ymm%d", i)
		if i > 0 {
			assert.Equal(t, fpstate.Repeat8(byte(i+1)), fpstate.PatternOf(got, i), "xmm%d", i)
		}
	}
	assert.Equal(t, uint32(0x11111111), got.Vec32(0, 0))
	assert.Equal(t, uint32(0x44444444), got.Vec32(0, 3))
}

func TestSetScratchesCustomInit(t *testing.T) {
	eng := enginetest.New()
	tool := New(eng)
	for i := range tool.YmmInit {
		tool.YmmInit[i] = uint32(i)
	}

	ctx := enginetest.NewContext(0, 0)
	tool.SetScratches(ctx)

	got := ctx.NewFPState()
	ctx.GetFPState(got)
	for j := 0; j < 4; j++ {
		assert.Equal(t, uint32(5*4+j), binary.LittleEndian.Uint32(got.YmmHi(5)[j*4:]), "ymm5 word %d", j)
	}
}

func TestSetScratchesLegacyImage(t *testing.T) {
	eng := enginetest.New()
	tool := New(eng)

	fp := fpstate.NewLegacy()
	fp.SetXmm(0, fpstate.Repeat32(0xcafef00d))
	ctx := engine.NewContext(fp.Clone())

	tool.SetScratches(ctx)
	assert.Equal(t, [4]uint32{0xcafef00d, 0xcafef00d, 0xcafef00d, 0xcafef00d}, tool.XmmSave)

	got := ctx.NewFPState()
	ctx.GetFPState(got)
	assert.Equal(t, []byte(fp), []byte(got))
}

func TestSetScratchesReportsFailure(t *testing.T) {
	eng := enginetest.New()
	tool := New(eng)
	var out bytes.Buffer
	tool.SetOutput(&out)

	ctx := enginetest.NewContext(0x7ffc0000, 0x401234)
	tool.SetScratches(ctx.Const())
	tool.SetScratches(ctx.Const())

	assert.Equal(t, 2, tool.Failures)
	assert.Equal(t, "[ERROR] set scratch state at 0x401234: context is read-only\n", out.String())

	got := ctx.NewFPState()
	ctx.GetFPState(got)
	assert.Zero(t, got.XStateBV()&fpstate.XSTATE_YMM, "read-only context must not change")

	eng.FPErr = errors.New("busy")
	tool.SetScratches(ctx)
	assert.Equal(t, 3, tool.Failures)
	assert.NotContains(t, out.String(), "busy")
}
