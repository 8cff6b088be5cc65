//go:build windows

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// allocRWX obtains RWX pages via VirtualAlloc, mirroring the
// reference JIT's Windows backend (MEM_COMMIT|MEM_RESERVE,
// PAGE_EXECUTE_READWRITE).
func allocRWX(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("%w: VirtualAlloc: %s", ErrAlloc, err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func freeRWX(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
