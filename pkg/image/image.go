// Package image parses and loads the VM's native `.r5m` binary image
// format: a 64-byte little-endian header followed by raw `.code` and
// `.data` blobs at the file offsets the header declares.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/r5vm/r5vm-go/pkg/memory"
	"github.com/r5vm/r5vm-go/pkg/vm"
)

// HeaderSize is the fixed, packed size of an .r5m header in bytes.
const HeaderSize = 64

// Magic is the expected value of the header's magic field, ASCII "r5vm".
const Magic = 0x6d763572 // "r5vm" little-endian

// FileVersion is the only header version this loader accepts.
const FileVersion = 1

// Flag64Bit marks a 64-bit image; this loader rejects such images.
const Flag64Bit = 1 << 0

// minMemSize is the smallest sandbox this loader will ever allocate,
// regardless of how small the header or the requested override are.
const minMemSize = 64

// The following errors are returned by Load/ParseHeader. They are
// flat sentinels (spec's ImageInvalid / ImageIO / Alloc kinds), never
// wrapped into each other.
var (
	// ErrImageInvalid covers bad magic, unsupported version, the
	// 64-bit flag being set, or section sizes that exceed ram_size.
	ErrImageInvalid = errors.New("image: invalid")

	// ErrImageIO covers file open/read/seek failures.
	ErrImageIO = errors.New("image: io error")

	// ErrAlloc covers sandbox allocation failure.
	ErrAlloc = errors.New("image: allocation failed")
)

// Header is the decoded form of an .r5m file header.
type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	Entry       uint32
	LoadAddr    uint32
	RAMSize     uint32
	CodeOffset  uint32
	CodeSize    uint32
	DataOffset  uint32
	DataSize    uint32
	BSSSize     uint32
	TotalSize   uint32
	// Reserved is ignored on load; kept only for round-trip fidelity
	// in tests that re-serialize a Header.
	Reserved [24]byte
}

// ParseHeader reads and decodes a 64-byte .r5m header from r. It does
// not validate the header's contents; call Validate for that.
func ParseHeader(r io.Reader) (Header, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, fmt.Errorf("%w: reading header: %s", ErrImageIO, err)
	}
	var h Header
	h.Magic = binary.LittleEndian.Uint32(raw[0:4])
	h.Version = binary.LittleEndian.Uint16(raw[4:6])
	h.Flags = binary.LittleEndian.Uint16(raw[6:8])
	h.Entry = binary.LittleEndian.Uint32(raw[8:12])
	h.LoadAddr = binary.LittleEndian.Uint32(raw[12:16])
	h.RAMSize = binary.LittleEndian.Uint32(raw[16:20])
	h.CodeOffset = binary.LittleEndian.Uint32(raw[20:24])
	h.CodeSize = binary.LittleEndian.Uint32(raw[24:28])
	h.DataOffset = binary.LittleEndian.Uint32(raw[28:32])
	h.DataSize = binary.LittleEndian.Uint32(raw[32:36])
	h.BSSSize = binary.LittleEndian.Uint32(raw[36:40])
	h.TotalSize = binary.LittleEndian.Uint32(raw[40:44])
	copy(h.Reserved[:], raw[44:64])
	return h, nil
}

// Bytes serializes h back into a 64-byte .r5m header, for tests that
// build a synthetic image in memory.
func (h Header) Bytes() []byte {
	var raw [HeaderSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], h.Magic)
	binary.LittleEndian.PutUint16(raw[4:6], h.Version)
	binary.LittleEndian.PutUint16(raw[6:8], h.Flags)
	binary.LittleEndian.PutUint32(raw[8:12], h.Entry)
	binary.LittleEndian.PutUint32(raw[12:16], h.LoadAddr)
	binary.LittleEndian.PutUint32(raw[16:20], h.RAMSize)
	binary.LittleEndian.PutUint32(raw[20:24], h.CodeOffset)
	binary.LittleEndian.PutUint32(raw[24:28], h.CodeSize)
	binary.LittleEndian.PutUint32(raw[28:32], h.DataOffset)
	binary.LittleEndian.PutUint32(raw[32:36], h.DataSize)
	binary.LittleEndian.PutUint32(raw[36:40], h.BSSSize)
	binary.LittleEndian.PutUint32(raw[40:44], h.TotalSize)
	copy(raw[44:64], h.Reserved[:])
	return raw[:]
}

// Validate applies the loader's acceptance checks to h.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: bad magic %#08x", ErrImageInvalid, h.Magic)
	}
	if h.Version != FileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrImageInvalid, h.Version)
	}
	if h.Flags&Flag64Bit != 0 {
		return fmt.Errorf("%w: 64-bit image not supported", ErrImageInvalid)
	}
	needed := uint64(h.LoadAddr) + uint64(h.CodeSize) + uint64(h.DataSize) + uint64(h.BSSSize)
	if needed > uint64(h.RAMSize) {
		return fmt.Errorf("%w: load_addr+sections (%d) exceeds ram_size (%d)",
			ErrImageInvalid, needed, h.RAMSize)
	}
	return nil
}

// memSizePow2 rounds max(ramSize, requested) up to the next power of
// two, with a floor of minMemSize, mirroring the reference loader's
// mem_size_power2.
func memSizePow2(ramSize, requested uint32) uint32 {
	total := ramSize
	if requested > total {
		total = requested
	}
	if total < minMemSize {
		total = minMemSize
	}
	pow2 := uint32(1)
	for pow2 < total {
		pow2 <<= 1
	}
	return pow2
}

// Load reads an .r5m image from r (supporting seek via ReaderAt) and
// produces a fully initialized, freshly reset VM. requestedMemSize may
// be 0 to use the image's own declared ram_size.
func Load(r io.ReaderAt, requestedMemSize uint32) (*vm.VM, error) {
	hdr, err := ParseHeader(io.NewSectionReader(r, 0, HeaderSize))
	if err != nil {
		return nil, err
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}

	memSize := memSizePow2(hdr.RAMSize, requestedMemSize)
	sb, err := memory.New(memSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlloc, err)
	}

	code := make([]byte, hdr.CodeSize)
	if hdr.CodeSize > 0 {
		if _, err := r.ReadAt(code, int64(hdr.CodeOffset)); err != nil {
			return nil, fmt.Errorf("%w: reading .code section: %s", ErrImageIO, err)
		}
	}
	data := make([]byte, hdr.DataSize)
	if hdr.DataSize > 0 {
		if _, err := r.ReadAt(data, int64(hdr.DataOffset)); err != nil {
			return nil, fmt.Errorf("%w: reading .data section: %s", ErrImageIO, err)
		}
	}

	bytes := sb.Bytes()
	copy(bytes[hdr.LoadAddr:], code)
	copy(bytes[hdr.LoadAddr+hdr.CodeSize:], data)

	v := &vm.VM{
		CodeOffset: hdr.LoadAddr,
		CodeSize:   hdr.CodeSize,
		DataOffset: hdr.LoadAddr + hdr.CodeSize,
		DataSize:   hdr.DataSize,
		BSSSize:    hdr.BSSSize,
	}
	v.BindMemory(sb)
	v.BSSOffset = v.DataOffset + v.DataSize
	v.Entry = hdr.Entry & sb.Mask()
	v.Reset()
	return v, nil
}
