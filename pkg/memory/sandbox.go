// Package memory implements the guest-visible sandbox: a power-of-two
// byte array addressed through a single bitwise mask, with no
// alignment faults and no out-of-bounds traps. Every multi-byte access
// re-masks each constituent byte independently so a word straddling
// the top of the sandbox wraps to offset 0, by policy rather than as
// an error.
package memory

import "fmt"

// Sandbox is the guest's flat address space. It is not safe for
// concurrent use; the VM that owns it is single-threaded by design.
type Sandbox struct {
	bytes []byte
	mask  uint32
}

// New allocates a sandbox of the given size, which must already be a
// power of two (callers in pkg/image are responsible for rounding).
func New(size uint32) (*Sandbox, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("memory: size %d is not a power of two", size)
	}
	return &Sandbox{bytes: make([]byte, size), mask: size - 1}, nil
}

// Mask returns size-1, the address mask applied to every access.
func (s *Sandbox) Mask() uint32 { return s.mask }

// Size returns the sandbox size in bytes.
func (s *Sandbox) Size() uint32 { return uint32(len(s.bytes)) }

// Bytes exposes the backing array directly, for the loader (section
// placement) and for the acceptance-check memory diff in cmd/r5vm.
// The JIT takes its own raw pointer into this same array; callers must
// not reallocate or resize a Sandbox once its address has been handed
// to a compiled JIT unit.
func (s *Sandbox) Bytes() []byte { return s.bytes }

func (s *Sandbox) at(addr uint32) byte {
	return s.bytes[addr&s.mask]
}

// LoadByte reads one unsigned byte.
func (s *Sandbox) LoadByte(addr uint32) uint8 {
	return s.at(addr)
}

// LoadByteSigned reads one sign-extended byte.
func (s *Sandbox) LoadByteSigned(addr uint32) int8 {
	return int8(s.at(addr))
}

// LoadHalf reads two little-endian bytes, unsigned.
func (s *Sandbox) LoadHalf(addr uint32) uint16 {
	b0 := s.at(addr)
	b1 := s.at(addr + 1)
	return uint16(b0) | uint16(b1)<<8
}

// LoadHalfSigned reads two little-endian bytes, sign-extended.
func (s *Sandbox) LoadHalfSigned(addr uint32) int16 {
	return int16(s.LoadHalf(addr))
}

// LoadWord reads four little-endian bytes.
func (s *Sandbox) LoadWord(addr uint32) uint32 {
	b0 := s.at(addr)
	b1 := s.at(addr + 1)
	b2 := s.at(addr + 2)
	b3 := s.at(addr + 3)
	return uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16 | uint32(b3)<<24
}

// StoreByte writes one byte.
func (s *Sandbox) StoreByte(addr uint32, v uint8) {
	s.bytes[addr&s.mask] = v
}

// StoreHalf writes two little-endian bytes.
func (s *Sandbox) StoreHalf(addr uint32, v uint16) {
	s.StoreByte(addr, uint8(v))
	s.StoreByte(addr+1, uint8(v>>8))
}

// StoreWord writes four little-endian bytes.
func (s *Sandbox) StoreWord(addr uint32, v uint32) {
	s.StoreByte(addr, uint8(v))
	s.StoreByte(addr+1, uint8(v>>8))
	s.StoreByte(addr+2, uint8(v>>16))
	s.StoreByte(addr+3, uint8(v>>24))
}
