//go:build linux && amd64

package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"simdguard/console"
	"simdguard/fpstate"
)

var mxcsrFlagNames = []struct {
	bit  uint32
	name string
}{
	{0x1, "IE"},
	{0x2, "DE"},
	{0x4, "ZE"},
	{0x8, "OE"},
	{0x10, "UE"},
	{0x20, "PE"},
}

var xstateNames = []struct {
	bit  uint64
	name string
}{
	{fpstate.XSTATE_FP, "x87"},
	{fpstate.XSTATE_SSE, "SSE"},
	{fpstate.XSTATE_YMM, "AVX"},
	{fpstate.XSTATE_OPMASK, "AVX512_OPMASK"},
	{fpstate.XSTATE_ZMM_Hi256, "AVX512_ZMM_Hi256"},
	{fpstate.XSTATE_Hi16_ZMM, "AVX512_Hi16_ZMM"},
}

// mxcsrFlags lists the exception flags set in mxcsr.
func mxcsrFlags(mxcsr uint32) string {
	var flags []string
	for _, f := range mxcsrFlagNames {
		if mxcsr&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, " ")
}

// xstateFeatures lists the state components present in bv.
func xstateFeatures(bv uint64) string {
	var names []string
	for _, x := range xstateNames {
		if bv&x.bit != 0 {
			names = append(names, x.name)
		}
	}
	return strings.Join(names, " ")
}

// hexHighFirst prints data most significant byte first, with a space
// after every split bytes counted from the top.
func hexHighFirst(data []byte, split int) string {
	var b strings.Builder
	for i := len(data) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%02x", data[i])
		if split > 0 && i > 0 && i%split == 0 {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func printXMMRegister(out *console.Writer, name string, data []byte) {
	if len(data) != fpstate.XmmSize {
		return
	}
	f64_0 := math.Float64frombits(binary.LittleEndian.Uint64(data[0:8]))
	f64_1 := math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	out.Printf("%-6s: %s | f64:[%.6f %.6f]\n", name, hexHighFirst(data, 8), f64_0, f64_1)
}

func printYMMRegister(out *console.Writer, name string, low, high []byte) {
	if len(low) != fpstate.XmmSize || len(high) != fpstate.XmmSize {
		return
	}
	out.Printf("%-6s: %s %s\n", name, hexHighFirst(high, 0), hexHighFirst(low, 0))
}

// printSIMD dumps MXCSR, the XSAVE features, the vector registers and the
// x87 stack of fp.
func printSIMD(out *console.Writer, fp fpstate.State) {
	mxcsr := fp.Mxcsr()
	out.Printf("MXCSR: 0x%08x [%s] RC:%d FTZ:%d DAZ:%d\n",
		mxcsr, mxcsrFlags(mxcsr), (mxcsr>>13)&0x3, (mxcsr>>15)&0x1, (mxcsr>>6)&0x1)

	if fp.HasYmm() {
		bv := fp.XStateBV()
		out.Printf("XSTATE_BV: 0x%016x [%s]\n", bv, xstateFeatures(bv))
	}
	out.Linef("")

	out.HLine("XMM Registers (SSE - 128 bit)")
	for i := 0; i < fpstate.NumXmmRegs; i++ {
		printXMMRegister(out, fmt.Sprintf("XMM%d", i), fp.Xmm(i))
	}

	if fp.HasYmm() && fp.XStateBV()&fpstate.XSTATE_YMM != 0 {
		out.Linef("")
		out.HLine("YMM Registers (AVX - 256 bit)")
		for i := 0; i < fpstate.NumXmmRegs; i++ {
			printYMMRegister(out, fmt.Sprintf("YMM%d", i), fp.Xmm(i), fp.YmmHi(i))
		}
	}

	out.Linef("")
	out.HLine("x87 FPU Registers")
	out.Printf("FCW: 0x%04x  FSW: 0x%04x  FTW: 0x%04x  FOP: 0x%04x\n", fp.Fcw(), fp.Fsw(), fp.Ftw(), fp.Fop())
	out.Printf("FIP: 0x%016x  FDP: 0x%016x\n", fp.Fip(), fp.Fdp())
	out.Linef("")
	for i := 0; i < fpstate.NumStRegs; i++ {
		out.Printf("ST(%d)  : %s\n", i, hexHighFirst(fp.St(i), 8))
	}
}
