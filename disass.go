//go:build linux && amd64

package main

import (
	"golang.org/x/arch/x86/x86asm"
)

const maxInsLen = 15

// disass prints the instructions in size bytes at addr, at most count of
// them when count is positive.
func (s *session) disass(addr uint64, size, count int) error {
	code, err := s.t.ReadMemory(addr, size)
	if err != nil {
		return err
	}
	if len(code) == 0 {
		s.out.Printf("0x%016x: not readable\n", addr)
		return nil
	}

	for off, n := 0, 0; off < len(code) && (count <= 0 || n < count); n++ {
		pc := addr + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			if len(code)-off < maxInsLen && off > 0 {
				// Cut off by the end of the window.
				break
			}
			s.out.Printf("0x%016x%s: (bad)\n", pc, s.symSuffix(pc))
			off++
			continue
		}
		s.out.Printf("0x%016x%s: %-24s %s\n", pc, s.symSuffix(pc),
			hexBytes(code[off:off+inst.Len]), x86asm.GNUSyntax(inst, pc, s.symLookup))
		off += inst.Len
	}
	return nil
}

// symLookup resolves branch targets for the GNU syntax printer.
func (s *session) symLookup(addr uint64) (string, uint64) {
	if s.sym == nil {
		return "", 0
	}
	name, off, ok := s.sym.Symbolize(addr)
	if !ok {
		return "", 0
	}
	return name, addr - off
}

func hexBytes(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*3)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, digits[c>>4], digits[c&0xf])
	}
	return string(out)
}
