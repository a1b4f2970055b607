package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStackAdjustmentProperties(t *testing.T) {
	for _, required := range []int32{0, 4, 8, 12} {
		for current := int32(0); current < 16; current++ {
			got := StackAdjustment(current, required)
			assert.GreaterOrEqual(t, got, int32(0), "current=%d required=%d", current, required)
			assert.Less(t, got, int32(16), "current=%d required=%d", current, required)
			assert.Equal(t, ((current-got)%16+16)%16, required%16, "current=%d required=%d", current, required)
		}
	}
}

func TestStackAdjustmentExamples(t *testing.T) {
	tests := []struct {
		current, required, want int32
	}{
		{0, 8, 8},
		{4, 12, 8},
		{8, 8, 0},
		{0, 0, 0},
		{15, 8, 7},
		{12, 12, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StackAdjustment(tt.current, tt.required), "current=%d required=%d", tt.current, tt.required)
	}
}

func TestEntryAlignment(t *testing.T) {
	assert.Equal(t, int32(8), EntryAlignment(ArchAMD64))
	assert.Equal(t, int32(12), EntryAlignment(ArchIA32Unix))
	assert.Equal(t, int32(0), EntryAlignment(ArchIA32Windows))
}

func TestRedirectSP(t *testing.T) {
	// Handler frames on amd64 start 16-byte aligned; the redirected function
	// must see rsp = 8 mod 16.
	assert.Equal(t, uint64(0x7ffc0008), RedirectSP(ArchAMD64, 0x7ffc0010))
	assert.Equal(t, uint64(0x7ffc0008), RedirectSP(ArchAMD64, 0x7ffc0008))
	for sp := uint64(0x1000); sp < 0x1010; sp++ {
		got := RedirectSP(ArchAMD64, sp)
		assert.Equal(t, uint64(8), got%16, "sp=%#x", sp)
		assert.LessOrEqual(t, got, sp)
	}
}
