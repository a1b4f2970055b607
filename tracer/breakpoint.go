//go:build linux && amd64

package tracer

import (
	"fmt"
)

const int3 = 0xcc

type breakpoint struct {
	addr    uint64
	orig    byte
	enabled bool
}

// setBreakpoint plants an int3 at addr, going through tid for the memory
// access. Planting twice is a no-op.
func (t *Tracer) setBreakpoint(tid int, addr uint64) error {
	if bp, ok := t.bps[addr]; ok {
		if bp.enabled {
			return nil
		}
		return t.enableBreakpoint(tid, bp)
	}
	bp := &breakpoint{addr: addr}
	if err := t.enableBreakpoint(tid, bp); err != nil {
		return fmt.Errorf("breakpoint at %#x: %w", addr, err)
	}
	t.bps[addr] = bp
	t.log.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("breakpoint planted")
	return nil
}

func (t *Tracer) enableBreakpoint(tid int, bp *breakpoint) error {
	b, err := t.w.readMem(tid, bp.addr, 1)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return fmt.Errorf("%#x is not readable", bp.addr)
	}
	if err := t.w.writeMem(tid, bp.addr, []byte{int3}); err != nil {
		return err
	}
	bp.orig = b[0]
	bp.enabled = true
	return nil
}

func (t *Tracer) disableBreakpoint(tid int, bp *breakpoint) error {
	if err := t.w.writeMem(tid, bp.addr, []byte{bp.orig}); err != nil {
		return err
	}
	bp.enabled = false
	return nil
}
