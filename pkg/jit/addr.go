package jit

import "unsafe"

// addrOfByte returns the host address of mem[pos]. mem must be backed
// by memory that does not move (true of the slices returned by the
// platform RWX allocators in this package, which are never grown or
// reallocated after NewBuffer returns).
func addrOfByte(mem []byte, pos int) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0])) + uintptr(pos)
}
