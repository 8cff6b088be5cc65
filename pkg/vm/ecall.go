package vm

// The following exported functions exist only to be called back into
// from raw JIT-emitted machine code (pkg/jit): the dynamic half of
// ECALL handling (the decision depends on the runtime value of a7,
// unlike EBREAK which the JIT resolves entirely at compile time) and
// the eight masked sandbox accessors, so the JIT's load/store
// templates share the exact same wraparound semantics as the
// interpreter instead of re-deriving the per-byte masking arithmetic
// in raw x86 a second time.
//
// Go's 386 backend still uses the original stack-based calling
// convention (there is no register ABI for this architecture), which
// is why emitted machine code can call these directly; see
// pkg/jit/driver_386.go for the emission side of that contract.

// EcallHandler implements the runtime half of ECALL for the JIT: it
// inspects a7 and performs the write-byte service inline, returning 0
// to tell the caller to fall through to the next instruction or 1 to
// signal a jump to the halt stub.
func EcallHandler(v *VM) int32 {
	switch v.Regs[17] {
	case EcallHalt:
		return 1
	case EcallWrite:
		v.writeByte(uint8(v.Regs[10]))
		return 0
	default:
		if !v.Debug {
			return 0
		}
		if v.OnFault != nil {
			v.OnFault(v, "unknown ECALL service", v.PC, 0)
		}
		return 1
	}
}

// JITLoadByteSigned, JITLoadByteUnsigned, JITLoadHalfSigned,
// JITLoadHalfUnsigned, and JITLoadWord back the LB/LBU/LH/LHU/LW
// templates.
func JITLoadByteSigned(v *VM, addr uint32) uint32   { return uint32(int32(v.Mem.LoadByteSigned(addr))) }
func JITLoadByteUnsigned(v *VM, addr uint32) uint32 { return uint32(v.Mem.LoadByte(addr)) }
func JITLoadHalfSigned(v *VM, addr uint32) uint32   { return uint32(int32(v.Mem.LoadHalfSigned(addr))) }
func JITLoadHalfUnsigned(v *VM, addr uint32) uint32 { return uint32(v.Mem.LoadHalf(addr)) }
func JITLoadWord(v *VM, addr uint32) uint32         { return v.Mem.LoadWord(addr) }

// JITStoreByte, JITStoreHalf, and JITStoreWord back the SB/SH/SW
// templates.
func JITStoreByte(v *VM, addr, val uint32) { v.Mem.StoreByte(addr, uint8(val)) }
func JITStoreHalf(v *VM, addr, val uint32) { v.Mem.StoreHalf(addr, uint16(val)) }
func JITStoreWord(v *VM, addr, val uint32) { v.Mem.StoreWord(addr, val) }
