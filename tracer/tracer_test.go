//go:build linux && amd64

package tracer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"simdguard/engine"
	"simdguard/fpstate"
)

const sampleMaps = `555555554000-555555555000 r--p 00000000 08:01 1048602                    /usr/bin/app
555555555000-555555556000 r-xp 00001000 08:01 1048602                    /usr/bin/app
555555559000-55555557a000 rw-p 00000000 00:00 0                          [heap]
7ffff7dd3000-7ffff7dfc000 r-xp 00000000 08:01 2097290                    /lib/x86_64-linux-gnu/ld-2.31.so
7ffffffde000-7ffffffff000 rw-p 00000000 00:00 0                          [stack]
7ffff7ff9000-7ffff7ffd000 r--p 00000000 00:00 0
this line is not a mapping
`

func TestParseMaps(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 6)

	want := Mapping{
		Start:  0x555555555000,
		End:    0x555555556000,
		Perms:  "r-xp",
		Offset: 0x1000,
		Path:   "/usr/bin/app",
	}
	if diff := cmp.Diff(want, maps[1]); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "[heap]", maps[2].Path)
	assert.Empty(t, maps[5].Path)
}

func TestLoadAddress(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	addr, ok := loadAddress(maps, "/usr/bin/app")
	require.True(t, ok)
	assert.Equal(t, uint64(0x555555554000), addr)

	_, ok = loadAddress(maps, "/usr/bin/other")
	assert.False(t, ok)
}

func TestFindMapping(t *testing.T) {
	maps, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	m, ok := FindMapping(maps, 0x7ffff7dd3010)
	require.True(t, ok)
	assert.Equal(t, "/lib/x86_64-linux-gnu/ld-2.31.so", m.Path)

	// End is exclusive.
	m, ok = FindMapping(maps, 0x555555555000)
	require.True(t, ok)
	assert.Equal(t, "r-xp", m.Perms)

	_, ok = FindMapping(maps, 0x1000)
	assert.False(t, ok)
}

const sampleStatus = `Name:	app
State:	t (tracing stop)
TracerPid:	1234
SigQ:	0/63448
SigPnd:	0000000000000000
ShdPnd:	0000000000000000
SigBlk:	0000000000000000
SigIgn:	0000000000001000
SigCgt:	0000000000000180
`

func TestParseSigMasks(t *testing.T) {
	m, err := parseSigMasks(strings.NewReader(sampleStatus))
	require.NoError(t, err)
	assert.Equal(t, sigMasks{ignored: 0x1000, caught: 0x180}, m)

	_, err = parseSigMasks(strings.NewReader("SigIgn:\tzz\n"))
	assert.Error(t, err)
}

func TestDisposition(t *testing.T) {
	// SIGILL (4) and SIGFPE (8) have handlers, SIGPIPE (13) is ignored.
	m := sigMasks{ignored: 1 << 12, caught: 1<<7 | 1<<3}

	tests := []struct {
		sig  unix.Signal
		want disposition
	}{
		{unix.SIGFPE, dispHandled},
		{unix.SIGILL, dispHandled},
		{unix.SIGPIPE, dispPass},
		{unix.SIGSEGV, dispFatal},
		{unix.SIGTERM, dispFatal},
		{unix.SIGCHLD, dispPass},
		{unix.SIGWINCH, dispPass},
		{unix.SIGSTOP, dispPass},
		{unix.SIGKILL, dispFatal},
	}
	for _, tt := range tests {
		t.Run(unix.SignalName(tt.sig), func(t *testing.T) {
			assert.Equal(t, tt.want, m.disposition(tt.sig))
		})
	}

	// A handler for SIGKILL cannot exist, but the bit must not matter.
	assert.Equal(t, dispFatal, sigMasks{caught: 1 << 8}.disposition(unix.SIGKILL))
	assert.Equal(t, "handled", dispHandled.String())
	assert.Equal(t, "pass", dispPass.String())
}

func TestRegsRoundTrip(t *testing.T) {
	regs := &unix.PtraceRegs{}
	for r := engine.RegRax; r < engine.NumRegs; r++ {
		p := regField(regs, r)
		require.NotNil(t, p, "register %s has no slot", r)
		*p = 0x1000 + uint64(r)
	}
	assert.Equal(t, uint64(0x1000)+uint64(engine.RegRip), regs.Rip)
	assert.Equal(t, uint64(0x1000)+uint64(engine.RegOrigRax), regs.Orig_rax)

	ctx := engine.NewContext(fpstate.New())
	loadRegs(ctx, regs)
	assert.Equal(t, regs.Rsp, ctx.Reg(engine.RegStackPtr))
	assert.Equal(t, regs.Fs_base, ctx.Reg(engine.RegFsBase))

	var back unix.PtraceRegs
	storeRegs(&back, ctx)
	if diff := cmp.Diff(*regs, back); diff != "" {
		t.Errorf("registers changed (-want +got):\n%s", diff)
	}

	assert.Nil(t, regField(regs, engine.RegInvalid))
}

func TestFormatPtraceError(t *testing.T) {
	err := formatPtraceError("getregs", 42, unix.ESRCH)
	assert.True(t, errors.Is(err, unix.ESRCH))
	assert.Contains(t, err.Error(), "thread 42")

	err = formatPtraceError("attach", 42, unix.EPERM)
	assert.True(t, errors.Is(err, unix.EPERM))
	assert.Contains(t, err.Error(), "permission denied")

	err = formatPtraceError("peek", 7, unix.EIO)
	assert.Equal(t, fmt.Sprintf("peek failed: %v", unix.EIO), err.Error())
}

func TestOpenImageSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	maps, err := ReadMaps(os.Getpid())
	require.NoError(t, err)

	img, err := OpenImage(exe, maps)
	require.NoError(t, err)
	assert.Equal(t, exe, img.Name())
	assert.NotZero(t, img.Entry())
	assert.LessOrEqual(t, img.LowAddress(), img.Entry())

	r, ok := img.FindRoutine("main.main")
	require.True(t, ok)
	assert.Equal(t, "main.main", r.Name())

	m, ok := FindMapping(maps, r.Address())
	require.True(t, ok, "main.main at %#x is not mapped", r.Address())
	assert.Contains(t, m.Perms, "x")

	name, off, ok := img.Symbolize(r.Address() + 1)
	require.True(t, ok)
	assert.Equal(t, "main.main", name)
	assert.Equal(t, uint64(1), off)

	_, _, ok = img.Symbolize(0)
	assert.False(t, ok)

	// Without a tracer the routine cannot be replaced.
	err = r.ReplaceSignature(func(engine.Replacement) {}, engine.ReplaceOptions{})
	assert.Error(t, err)

	_, ok = img.FindRoutine("no_such_routine")
	assert.False(t, ok)
}

func TestOpenImageRejectsNonELF(t *testing.T) {
	path := t.TempDir() + "/script"
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	_, err := OpenImage(path, nil)
	assert.Error(t, err)
}

func TestNewResolvesPath(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	tr, err := New(exe, []string{"-test.run=^$"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Pid())

	_, err = New("/nonexistent/program", nil, nil)
	assert.Error(t, err)
}
