//go:build linux && amd64

package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simdguard/console"
	"simdguard/engine"
	"simdguard/fpstate"
)

// fakeTarget is a stopped process with one context per thread.
type fakeTarget struct {
	tid    int
	ctxs   map[int]*engine.Context
	mem    map[uint64][]byte
	steps  int
	conts  int
	mangle bool
}

func newFakeTarget(tids ...int) *fakeTarget {
	f := &fakeTarget{tid: tids[0], ctxs: make(map[int]*engine.Context), mem: make(map[uint64][]byte)}
	for _, tid := range tids {
		ctx := engine.NewContext(fpstate.New())
		ctx.SetReg(engine.RegRip, 0x401000)
		ctx.SetReg(engine.RegRsp, 0x7ffc0000+uint64(tid))
		f.ctxs[tid] = ctx
	}
	return f
}

func (f *fakeTarget) Tid() int { return f.tid }

func (f *fakeTarget) Threads() []int {
	var tids []int
	for tid := range f.ctxs {
		tids = append(tids, tid)
	}
	return tids
}

func (f *fakeTarget) Select(tid int) error {
	if _, ok := f.ctxs[tid]; !ok {
		return fmt.Errorf("thread %d is not stopped", tid)
	}
	f.tid = tid
	return nil
}

func (f *fakeTarget) Context() (*engine.Context, error) {
	return f.ctxs[f.tid].Save(), nil
}

func (f *fakeTarget) SetContext(ctx *engine.Context) error {
	saved := ctx.Save()
	if f.mangle {
		fp := saved.NewFPState()
		saved.GetFPState(fp)
		fp.SetVec8(2, 5, 0)
		saved.SetFPState(fp)
	}
	f.ctxs[f.tid] = saved
	return nil
}

func (f *fakeTarget) ReadMemory(addr uint64, n int) ([]byte, error) {
	b, ok := f.mem[addr]
	if !ok {
		return nil, errors.New("input/output error")
	}
	return b[:min(n, len(b))], nil
}

func (f *fakeTarget) Step() error {
	f.steps++
	ctx := f.ctxs[f.tid]
	ctx.SetReg(engine.RegRip, ctx.Reg(engine.RegRip)+1)
	return nil
}

func (f *fakeTarget) Cont() error {
	f.conts++
	return nil
}

func (f *fakeTarget) Interrupt() error { return nil }

type fakeSyms map[uint64]string

func (s fakeSyms) Symbolize(addr uint64) (string, uint64, bool) {
	for base, name := range s {
		if addr >= base && addr < base+0x100 {
			return name, addr - base, true
		}
	}
	return "", 0, false
}

func newTestSession(t *testing.T, tids ...int) (*session, *fakeTarget, *bytes.Buffer) {
	t.Helper()
	f := newFakeTarget(tids...)
	// nop; mov eax, 1; ret
	f.mem[0x401000] = []byte{0x90, 0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3}
	f.mem[0x401001] = f.mem[0x401000][1:]
	var buf bytes.Buffer
	s := newSession(f, fakeSyms{0x401000: "ReplacedXmmRegs"}, console.New(&buf))
	s.pick = func(tids []int, cur int) (int, error) {
		return 0, errors.New("no terminal")
	}
	return s, f, &buf
}

func TestCommandTable(t *testing.T) {
	tests := []struct {
		req  string
		want bool
	}{
		{"simd", true},
		{"  SIMD  ", true},
		{"xmm 3", true},
		{"xmm", false},
		{"fill 0xa5", true},
		{"fill32 0xdeadbeef", true},
		{"fill32", false},
		{"verify 0x5a", true},
		{"regs", true},
		{"regs rip", true},
		{"thread", true},
		{"t 1234", true},
		{"disass", true},
		{"disass 0x401000", true},
		{"disass 0x401000 16", true},
		{"step", true},
		{"si", true},
		{"c", true},
		{"cont", true},
		{"q", true},
		{"detach", true},
		{"break 0x401000", false},
		{"fill 0xzz", false},
	}
	for _, tt := range tests {
		matched := false
		for _, h := range compiledCmds {
			if h.regex.MatchString(tt.req) {
				matched = true
				break
			}
		}
		assert.Equal(t, tt.want, matched, "%q", tt.req)
	}
}

func TestUnknownCommand(t *testing.T) {
	s, _, _ := newTestSession(t, 100)
	assert.ErrorIs(t, s.cmdExec("frobnicate"), errUnknownCommand)
}

func TestFillAndVerify(t *testing.T) {
	s, f, buf := newTestSession(t, 100)

	require.NoError(t, s.cmdExec("fill 0xa5"))
	assert.Contains(t, buf.String(), "set 16 XMM registers to (a5a5a5a5 a5a5a5a5 a5a5a5a5 a5a5a5a5)")

	fp := f.ctxs[100].NewFPState()
	f.ctxs[100].GetFPState(fp)
	assert.Empty(t, fpstate.XmmByteMismatches(fp, fpstate.NumXmmRegs, 0xa5))

	buf.Reset()
	require.NoError(t, s.cmdExec("verify 0xa5"))
	assert.Equal(t, "every XMM byte is 0xa5\n", buf.String())

	buf.Reset()
	require.NoError(t, s.cmdExec("fill32 0xdeadbeef"))
	err := s.cmdExec("verify 0xa5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "256 bytes differ")
}

func TestFillReadBackMismatch(t *testing.T) {
	s, f, _ := newTestSession(t, 100)
	f.mangle = true
	err := s.cmdExec("fill 0x5a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xmm[2]")
}

func TestVerifyReportsBytes(t *testing.T) {
	s, f, buf := newTestSession(t, 100)
	fp := f.ctxs[100].NewFPState()
	fp.FillXmm(fpstate.NumXmmRegs, fpstate.Repeat8(0x5a))
	fp.SetVec8(7, 3, 0x11)
	require.NoError(t, f.ctxs[100].SetFPState(fp))

	err := s.cmdExec("verify 0x5a")
	require.Error(t, err)
	assert.Equal(t, "unexpected xmm[7] byte 3 value 11\n", buf.String())
}

func TestXmmCommand(t *testing.T) {
	s, f, buf := newTestSession(t, 100)
	fp := f.ctxs[100].NewFPState()
	fp.SetXmm(4, fpstate.Repeat32(0xacdcacdc))
	fp.SetYmmHi(4, fpstate.Repeat32(0xdeadbeef))
	require.NoError(t, f.ctxs[100].SetFPState(fp))

	require.NoError(t, s.cmdExec("xmm 4"))
	out := buf.String()
	assert.Contains(t, out, "XMM4  : acdcacdcacdcacdc acdcacdcacdcacdc | f64:")
	assert.Contains(t, out, "YMM4  : "+strings.Repeat("deadbeef", 4)+" "+strings.Repeat("acdcacdc", 4))
	assert.Contains(t, out, "words: acdcacdc acdcacdc acdcacdc acdcacdc")

	assert.Error(t, s.cmdExec("xmm 16"))
}

func TestSIMDCommand(t *testing.T) {
	s, f, buf := newTestSession(t, 100)
	fp := f.ctxs[100].NewFPState()
	fp.SetMxcsr(0x1f80 | 0x4 | 0x20)
	fp.SetYmmHi(0, fpstate.Repeat8(0x11))
	require.NoError(t, f.ctxs[100].SetFPState(fp))

	require.NoError(t, s.cmdExec("simd"))
	out := buf.String()
	assert.Contains(t, out, "MXCSR: 0x00001fa4 [ZE PE] RC:0 FTZ:0 DAZ:0")
	assert.Contains(t, out, "XSTATE_BV: 0x0000000000000004 [AVX]")
	assert.Contains(t, out, "[XMM Registers (SSE - 128 bit)]")
	assert.Contains(t, out, "[YMM Registers (AVX - 256 bit)]")
	assert.Contains(t, out, "ST(7)  : ")
}

func TestSIMDFlagNames(t *testing.T) {
	assert.Equal(t, "IE DE ZE OE UE PE", mxcsrFlags(0x3f))
	assert.Equal(t, "", mxcsrFlags(0x1f80))
	assert.Equal(t, "x87 SSE AVX", xstateFeatures(0x7))
	assert.Equal(t, "AVX512_OPMASK AVX512_ZMM_Hi256 AVX512_Hi16_ZMM", xstateFeatures(0xe0))
	assert.Equal(t, "0807060504030201", hexHighFirst([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0))
	assert.Equal(t, "0403 0201", hexHighFirst([]byte{1, 2, 3, 4}, 2))
}

func TestRegsCommand(t *testing.T) {
	s, _, buf := newTestSession(t, 100)
	require.NoError(t, s.cmdExec("regs rip"))
	assert.Equal(t, "rip = 0x0000000000401000\n", buf.String())

	buf.Reset()
	require.NoError(t, s.cmdExec("regs"))
	assert.Contains(t, buf.String(), "$rip   : 0x0000000000401000 <ReplacedXmmRegs>\n")
	assert.Contains(t, buf.String(), "$rsp   : 0x000000007ffc0064\n")

	assert.Error(t, s.cmdExec("regs xmm0"))
}

func TestDisassCommand(t *testing.T) {
	s, _, buf := newTestSession(t, 100)
	require.NoError(t, s.cmdExec("disass 0x401000 7"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "0x0000000000401000 <ReplacedXmmRegs>: 90")
	assert.Contains(t, lines[0], "nop")
	assert.Contains(t, lines[1], "<ReplacedXmmRegs+1>: b8 01 00 00 00")
	assert.Contains(t, lines[1], "mov $0x1,%eax")
	assert.Contains(t, lines[2], "ret")

	assert.Error(t, s.cmdExec("disass 0x500000"))
}

func TestStepAndThread(t *testing.T) {
	s, f, buf := newTestSession(t, 100, 101)

	require.NoError(t, s.cmdExec("step"))
	assert.Equal(t, 1, f.steps)
	assert.Contains(t, buf.String(), "thread 100 at 0x0000000000401001 <ReplacedXmmRegs+1>")
	assert.Contains(t, buf.String(), "mov $0x1,%eax")

	buf.Reset()
	require.NoError(t, s.cmdExec("thread 101"))
	assert.Equal(t, 101, f.Tid())
	assert.Contains(t, buf.String(), "thread 101 at 0x0000000000401000")

	assert.Error(t, s.cmdExec("thread 5"))
	assert.Error(t, s.cmdExec("thread"), "picker failure is reported")

	s.pick = func(tids []int, cur int) (int, error) { return 100, nil }
	require.NoError(t, s.cmdExec("thread"))
	assert.Equal(t, 100, f.Tid())

	require.NoError(t, s.cmdExec("cont"))
	assert.Equal(t, 1, f.conts)
}

func TestDetach(t *testing.T) {
	s, _, _ := newTestSession(t, 100)
	require.NoError(t, s.cmdExec("detach"))
	assert.True(t, s.done)
}
