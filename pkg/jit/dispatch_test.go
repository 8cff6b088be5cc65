package jit

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestDispatchTableSizing(t *testing.T) {
	// 4096 bytes of sandbox -> 1024 four-byte slots.
	d := NewDispatchTable(4096)
	require.Len(t, d.slots, 1024)
}

func TestDispatchTableSizingRoundsUpPartialWord(t *testing.T) {
	d := NewDispatchTable(13)
	require.Len(t, d.slots, 4)
}

func TestDispatchTableSizingZeroStillHasOneSlot(t *testing.T) {
	d := NewDispatchTable(0)
	require.Len(t, d.slots, 1)
}

func TestDispatchTableSetAndSlotAddr(t *testing.T) {
	d := NewDispatchTable(64)
	d.Set(8, 0xCAFEBABE)

	slotAddr := d.SlotAddr(8)
	got := *(*uintptr)(unsafe.Pointer(slotAddr))
	require.EqualValues(t, 0xCAFEBABE, got)
}

func TestDispatchTableBaseMatchesSlotZero(t *testing.T) {
	d := NewDispatchTable(64)
	require.Equal(t, d.SlotAddr(0), d.Base())
}

func TestDispatchTableBasePlusOffsetMatchesSlotAddr(t *testing.T) {
	// JALR derives a slot address by masking a runtime register value
	// and adding it to Base() rather than calling SlotAddr directly;
	// the two must agree for any in-range pc.
	d := NewDispatchTable(64)
	const pc = 20
	want := d.SlotAddr(pc)
	got := d.Base() + uintptr(pc/4)*unsafe.Sizeof(uintptr(0))
	require.Equal(t, want, got)
}
