// Package jit implements the single-pass template JIT: an RWX code
// buffer, one x86-32 emission template per RV32I opcode family, a
// dispatch table resolving branch/jump targets, and the driver that
// ties them together. Only GOARCH=386 hosts actually emit and run
// machine code (see driver_386.go); every other architecture gets a
// stub that reports ErrUnsupportedHost (driver_stub.go), leaving the
// interpreter in pkg/vm as the host-neutral fallback.
package jit

import "errors"

// Errors returned by Buffer and the driver. Flat, matching spec's
// error-kind taxonomy (Alloc / BufferOverflow).
var (
	// ErrAlloc indicates the RWX code buffer could not be obtained
	// from the host.
	ErrAlloc = errors.New("jit: allocation failed")

	// ErrBufferOverflow indicates the emit cursor exceeded the
	// buffer's capacity; emission stops and the buffer is never run.
	ErrBufferOverflow = errors.New("jit: buffer overflow")

	// ErrUnsupportedHost indicates the current GOARCH has no
	// template JIT backend; only the interpreter is available.
	ErrUnsupportedHost = errors.New("jit: unsupported host architecture")

	// ErrIllegalInstruction indicates the encoder hit an
	// opcode/funct combination with no template, in debug mode.
	ErrIllegalInstruction = errors.New("jit: illegal instruction")
)

// Buffer is a block of host memory marked read/write/execute, grown
// by appending raw bytes at a cursor. Once Err() is true, every
// further Emit* call is a no-op.
type Buffer struct {
	mem []byte
	pos int
	err bool
}

// NewBuffer allocates an RWX buffer whose usable capacity is exactly
// size bytes; the platform allocator rounds the underlying mapping up
// to page granularity, but emits past size still overflow.
func NewBuffer(size int) (*Buffer, error) {
	mem, err := allocRWX(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{mem: mem}, nil
}

// Close releases the buffer's backing memory.
func (b *Buffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := freeRWX(b.mem)
	b.mem = nil
	return err
}

// Pos returns the current write cursor, i.e. the number of bytes
// emitted so far.
func (b *Buffer) Pos() int { return b.pos }

// Err reports whether an emit has overflowed the buffer.
func (b *Buffer) Err() bool { return b.err }

// Addr returns the host address of the byte at the given cursor
// position, for baking a fixed jump target (e.g. the halt stub)
// into later-emitted code.
func (b *Buffer) Addr(pos int) uintptr {
	return addrOfByte(b.mem, pos)
}

func (b *Buffer) room(n int) bool {
	if b.err || b.pos+n > len(b.mem) {
		b.err = true
		return false
	}
	return true
}

// EmitByte appends one raw byte.
func (b *Buffer) EmitByte(v byte) {
	if !b.room(1) {
		return
	}
	b.mem[b.pos] = v
	b.pos++
}

// EmitWord32 appends a little-endian 32-bit word, the width x86-32
// uses for rel32 displacements and immediates.
func (b *Buffer) EmitWord32(v uint32) {
	if !b.room(4) {
		return
	}
	b.mem[b.pos+0] = byte(v)
	b.mem[b.pos+1] = byte(v >> 8)
	b.mem[b.pos+2] = byte(v >> 16)
	b.mem[b.pos+3] = byte(v >> 24)
	b.pos += 4
}

// EmitHex appends the bytes described by a space-separated hex
// literal, e.g. "8B 47 04" — the idiom the reference JIT's own emit()
// helper uses for template bodies, kept here because it makes the
// x86 templates in driver_386.go readable against an x86 reference
// listing instead of a wall of EmitByte calls.
func (b *Buffer) EmitHex(lit string) {
	hi := -1
	for i := 0; i < len(lit); i++ {
		c := lit[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c == ' ':
			continue
		default:
			b.err = true
			return
		}
		if hi < 0 {
			hi = v
		} else {
			b.EmitByte(byte(hi<<4 | v))
			hi = -1
		}
	}
}
