package vm

import "unsafe"

// The JIT backend (pkg/jit) addresses architectural state through a
// single pinned host base register holding the address of a VM value.
// Rather than hand-duplicating the reference design's offsetof(...)
// C macros as magic numbers — which silently go stale the moment a
// field is added or reordered — every offset a template needs is
// computed once, here, via unsafe.Offsetof against a zero-value VM.
// Because these helpers live inside package vm they may name
// unexported fields (memBase, memMask) directly; pkg/jit only ever
// sees the uintptr each one returns.
var zeroVM VM

// RegOffset returns the byte offset of general-purpose register r
// (0..31) from the start of a VM value.
func RegOffset(r int) uintptr {
	return unsafe.Offsetof(zeroVM.Regs) + uintptr(r)*4
}

// PCOffset returns the byte offset of the pc field.
func PCOffset() uintptr { return unsafe.Offsetof(zeroVM.PC) }

// MemBaseOffset returns the byte offset of the cached sandbox
// base-address field.
func MemBaseOffset() uintptr { return unsafe.Offsetof(zeroVM.memBase) }

// MemMaskOffset returns the byte offset of the cached sandbox address
// mask field.
func MemMaskOffset() uintptr { return unsafe.Offsetof(zeroVM.memMask) }

// BasePointer returns the address of v itself, the value every JIT
// template pins into its host base register.
func BasePointer(v *VM) uintptr { return uintptr(unsafe.Pointer(v)) }
