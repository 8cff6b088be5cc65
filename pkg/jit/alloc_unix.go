//go:build !windows

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRWX obtains an anonymous, private mapping with read, write,
// and execute permissions, matching the reference JIT's mmap(...,
// PROT_READ|PROT_WRITE|PROT_EXEC, MAP_PRIVATE|MAP_ANONYMOUS, ...)
// call. Size is rounded up to page granularity by the kernel.
//
// Platforms that enforce W^X and refuse RWX mappings outright would
// need to request PROT_READ|PROT_WRITE here, emit the whole buffer,
// then unix.Mprotect to PROT_READ|PROT_EXEC before the first call —
// the driver already separates "done emitting" from "about to call"
// into two steps, so that switch would slot in between them. This
// target does not require that split.
func allocRWX(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %s", ErrAlloc, err)
	}
	return mem, nil
}

func freeRWX(mem []byte) error {
	return unix.Munmap(mem)
}
