//go:build 386

package jit

import (
	"fmt"
	"os"
	"reflect"

	"github.com/r5vm/r5vm-go/pkg/rv32i"
	"github.com/r5vm/r5vm-go/pkg/vm"
)

// x86-32 general-purpose register numbers, as used in ModRM/opcode
// low bits throughout this file.
const (
	regEAX = 0
	regECX = 1
	regEDX = 2
	regEBX = 3
	regESP = 4
	regEBP = 5
	regESI = 6
	regEDI = 7
)

// Driver compiles a loaded VM's code section into host machine code.
// DumpPath, when set, receives a hex listing of the emitted buffer
// after a successful compile — the JIT-side analogue of VM.DumpState,
// useful for diagnosing a miscompile without a disassembler on hand.
type Driver struct {
	DumpPath string
}

// Compiled is a finished compilation: an RWX buffer plus the dispatch
// table used to resolve every branch, jump, and JALR target within
// it.
type Compiled struct {
	buf   *Buffer
	table *DispatchTable
	entry uintptr
}

// bufSizeFor sizes the RWX buffer generously against the input code:
// every RV32I instruction can expand into dozens of host bytes in the
// worst case (a call-backed load/store), plus a fixed prolog/epilog
// allowance.
func bufSizeFor(codeSize uint32) int {
	return int(codeSize)*48 + 256
}

// funcAddr returns the entry address of a package-level, non-closure
// Go function, the same trick low-level Go code uses wherever it
// needs to hand a callable address to something outside the Go type
// system — here, to bake a CALL target into raw machine code.
func funcAddr(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// compiler holds the running state of a single Compile call: the
// buffer being emitted into, the dispatch table being populated, and
// the handful of addresses every template needs (the VM's own
// address, the halt stub, and the Go bridge functions backing ECALL
// and masked memory access).
type compiler struct {
	v     *vm.VM
	buf   *Buffer
	table *DispatchTable

	vmAddr  uint32
	haltPos int  // buffer position of the halt stub, fixed once known
	illegal bool // set when emitInstruction hit an unrecognized opcode in debug mode

	loadFn  [8]uintptr // indexed by rv32i load funct3
	storeFn [8]uintptr // indexed by rv32i store funct3
	ecallFn uintptr
}

// Compile emits one host instruction sequence per RV32I instruction
// in v's code section, in a single linear pass, and returns a
// Compiled ready to Run. v must already be loaded (pkg/image.Load)
// with Mem bound.
func (d *Driver) Compile(v *vm.VM) (*Compiled, error) {
	buf, err := NewBuffer(bufSizeFor(v.CodeSize))
	if err != nil {
		return nil, err
	}
	// Sized to the whole sandbox, not just the code section: branch/JAL
	// targets and table.Set are both keyed by the absolute RV32I pc, and
	// JALR derives its slot address straight from the masked runtime
	// target, so every reachable address needs a slot, not just those
	// at or after CodeOffset.
	table := NewDispatchTable(v.Mem.Size())

	c := &compiler{
		v:      v,
		buf:    buf,
		table:  table,
		vmAddr: uint32(vm.BasePointer(v)),
	}
	c.loadFn[rv32i.F3LB] = funcAddr(vm.JITLoadByteSigned)
	c.loadFn[rv32i.F3LH] = funcAddr(vm.JITLoadHalfSigned)
	c.loadFn[rv32i.F3LW] = funcAddr(vm.JITLoadWord)
	c.loadFn[rv32i.F3LBU] = funcAddr(vm.JITLoadByteUnsigned)
	c.loadFn[rv32i.F3LHU] = funcAddr(vm.JITLoadHalfUnsigned)
	c.storeFn[rv32i.F3SB] = funcAddr(vm.JITStoreByte)
	c.storeFn[rv32i.F3SH] = funcAddr(vm.JITStoreHalf)
	c.storeFn[rv32i.F3SW] = funcAddr(vm.JITStoreWord)
	c.ecallFn = funcAddr(vm.EcallHandler)

	c.emitProlog()
	c.emitHaltStub()

	for off := uint32(0); off < v.CodeSize; off += 4 {
		pc := v.CodeOffset + off
		table.Set(pc, buf.Addr(buf.Pos()))
		inst := v.Mem.LoadWord(pc)
		c.emitInstruction(pc, inst)
		if c.illegal {
			buf.Close()
			return nil, fmt.Errorf("%w: at pc 0x%08x", ErrIllegalInstruction, pc)
		}
		if buf.Err() {
			buf.Close()
			return nil, fmt.Errorf("%w: at pc 0x%08x", ErrBufferOverflow, pc)
		}
	}

	if d.DumpPath != "" {
		if derr := dumpBuffer(d.DumpPath, buf); derr != nil {
			return nil, derr
		}
	}

	return &Compiled{buf: buf, table: table, entry: buf.Addr(0)}, nil
}

// dumpBuffer writes a plain hex listing of the emitted buffer to
// path, for comparing against a disassembler when a compiled program
// misbehaves.
func dumpBuffer(path string, buf *Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for i := 0; i < buf.Pos(); i++ {
		if i > 0 && i%16 == 0 {
			fmt.Fprintln(f)
		}
		fmt.Fprintf(f, "%02X ", buf.mem[i])
	}
	fmt.Fprintln(f)
	return nil
}

// Run invokes the compiled buffer as a nullary function. The function
// runs until it reaches the halt stub (EBREAK, ECALL selector 0, or,
// in debug mode, an unknown ECALL selector) and returns normally;
// control never leaves by any other path.
func (c *Compiled) Run(v *vm.VM) error {
	callEntry(c.entry)
	return nil
}

// Close releases the compiled buffer's host memory. The dispatch
// table is ordinary Go memory and needs no explicit release.
func (c *Compiled) Close() error {
	return c.buf.Close()
}

// emitProlog saves the host registers this driver treats as scratch
// across the whole run (ebx, esi, edi) and loads the pinned base
// pointer, edi, with the VM's address. Every template addresses
// architectural state as [edi+disp32]; disp32 (not disp8) because
// VM's field offsets run past 127 bytes once the 32-entry register
// file is accounted for.
func (c *compiler) emitProlog() {
	c.buf.EmitByte(0x53) // push ebx
	c.buf.EmitByte(0x56) // push esi
	c.buf.EmitByte(0x57) // push edi
	c.emitLoadBase()
}

// emitLoadBase re-pins edi to the VM's address. Needed not just in
// the prolog but after every CALL into a Go bridge function: Go's
// 386 backend uses the original stack-based ABI, which makes no
// callee-saved-register guarantee the way cdecl/stdcall do, so edi
// cannot be assumed to survive a call.
func (c *compiler) emitLoadBase() {
	c.buf.EmitByte(0xB8 | regEDI) // mov edi, imm32
	c.buf.EmitWord32(c.vmAddr)
}

// emitHaltStub emits the shared epilog every control path that ends
// execution jumps to: restore the saved registers and return to the
// Go caller. Emitted immediately after the prolog so its address is
// known for every instruction template that follows; a short jump in
// front of it carries the prolog past it to the first template.
func (c *compiler) emitHaltStub() {
	c.buf.EmitHex("EB 04") // jmp +4: skip the 4-byte stub below
	c.haltPos = c.buf.Pos()
	c.buf.EmitByte(0x5F) // pop edi
	c.buf.EmitByte(0x5E) // pop esi
	c.buf.EmitByte(0x5B) // pop ebx
	c.buf.EmitByte(0xC3) // ret
}

func (c *compiler) haltAddr() uintptr { return c.buf.Addr(c.haltPos) }

// modrmDisp32 builds a ModRM byte selecting [edi+disp32] addressing
// with the given reg field (a register number, or an opcode
// extension for single-operand forms like SHL /4).
func modrmDisp32(reg int) byte { return 0x80 | byte(reg)<<3 | regEDI }

func (c *compiler) loadReg(dst int, off uint32) {
	c.buf.EmitByte(0x8B) // mov r32, r/m32
	c.buf.EmitByte(modrmDisp32(dst))
	c.buf.EmitWord32(uint32(off))
}

func (c *compiler) storeReg(src int, off uint32) {
	c.buf.EmitByte(0x89) // mov r/m32, r32
	c.buf.EmitByte(modrmDisp32(src))
	c.buf.EmitWord32(uint32(off))
}

func (c *compiler) loadRS1(reg int, f rv32i.Fields) { c.loadReg(reg, uint32(vm.RegOffset(int(f.RS1)))) }
func (c *compiler) loadRS2(reg int, f rv32i.Fields) { c.loadReg(reg, uint32(vm.RegOffset(int(f.RS2)))) }

func (c *compiler) storeRD(f rv32i.Fields, reg int) {
	if f.RD == 0 {
		return
	}
	c.storeReg(reg, uint32(vm.RegOffset(int(f.RD))))
}

// emitImm32ToEAX loads an arbitrary 32-bit immediate into eax.
func (c *compiler) emitImm32ToEAX(v uint32) {
	c.buf.EmitByte(0xB8 | regEAX) // mov eax, imm32
	c.buf.EmitWord32(v)
}

// emitCallAbs calls a fixed host address via eax, restoring edi
// immediately afterward since the callee gives no register guarantee.
func (c *compiler) emitCallAbs(addr uintptr) {
	c.emitImm32ToEAX(uint32(addr))
	c.buf.EmitHex("FF D0") // call eax
	c.emitLoadBase()
}

// jccInverse maps a branch funct3 to the x86 Jcc opcode testing the
// *inverse* condition (cmp is rs1-rs2; taken skips over the
// unconditional dispatch jump, so the template jumps past it exactly
// when the branch is NOT taken).
func jccInverse(f3 uint32) (opcode byte, ok bool) {
	switch f3 {
	case rv32i.F3BEQ:
		return 0x75, true // jne
	case rv32i.F3BNE:
		return 0x74, true // je
	case rv32i.F3BLT:
		return 0x7D, true // jge
	case rv32i.F3BGE:
		return 0x7C, true // jl
	case rv32i.F3BLTU:
		return 0x73, true // jae
	case rv32i.F3BGEU:
		return 0x72, true // jb
	}
	return 0, false
}

// emitInstruction decodes one RV32I instruction word and appends its
// host code. On an opcode/funct combination with no template: in
// debug mode the buffer's error flag is set, aborting compilation (the
// caller reports ErrIllegalInstruction with the pc, matching the
// interpreter's debug-mode decode fault); in release mode the
// instruction is compiled as a no-op, mirroring the interpreter's
// silent-continue behavior.
func (c *compiler) emitInstruction(pc, inst uint32) {
	f := rv32i.Decode(inst)
	switch f.Opcode {
	case rv32i.OpR:
		c.emitR(f)
	case rv32i.OpI:
		c.emitI(f)
	case rv32i.OpAUIPC:
		c.emitConstToRD(f, uint32(int32(pc)+f.ImmU)&c.v.Mem.Mask())
	case rv32i.OpLUI:
		c.emitConstToRD(f, uint32(f.ImmU))
	case rv32i.OpLoad:
		c.emitLoad(f)
	case rv32i.OpStore:
		c.emitStore(f)
	case rv32i.OpBranch:
		c.emitBranch(f, pc)
	case rv32i.OpJAL:
		c.emitJAL(f, pc)
	case rv32i.OpJALR:
		c.emitJALR(f, pc)
	case rv32i.OpSystem:
		c.emitSystem(f, pc)
	case rv32i.OpFence:
		c.buf.EmitByte(0x90) // nop
	default:
		c.illegalOp()
	}
}

func (c *compiler) illegalOp() {
	if c.v.Debug {
		c.illegal = true
		c.buf.err = true
		return
	}
	c.buf.EmitByte(0x90) // nop: release mode silently skips
}

// emitConstToRD materializes a compile-time-known value into rd. Used
// by AUIPC and LUI: pc, the immediate, and the sandbox mask are all
// known when the instruction is compiled, so the mask-wrap folds into
// the constant instead of costing a runtime AND.
func (c *compiler) emitConstToRD(f rv32i.Fields, val uint32) {
	if f.RD == 0 {
		return
	}
	c.emitImm32ToEAX(val)
	c.storeRD(f, regEAX)
}

func (c *compiler) emitR(f rv32i.Fields) {
	c.loadRS1(regEAX, f)
	c.loadRS2(regECX, f)
	switch f.Funct3 {
	case rv32i.F3AddSub:
		if f.Funct7 == rv32i.F7Sub {
			c.buf.EmitHex("29 C8") // sub eax, ecx
		} else {
			c.buf.EmitHex("01 C8") // add eax, ecx
		}
	case rv32i.F3XOR:
		c.buf.EmitHex("31 C8") // xor eax, ecx
	case rv32i.F3OR:
		c.buf.EmitHex("09 C8") // or eax, ecx
	case rv32i.F3AND:
		c.buf.EmitHex("21 C8") // and eax, ecx
	case rv32i.F3SLL:
		c.buf.EmitHex("D3 E0") // shl eax, cl
	case rv32i.F3SRL:
		if f.Funct7 == rv32i.F7Sra {
			c.buf.EmitHex("D3 F8") // sar eax, cl
		} else {
			c.buf.EmitHex("D3 E8") // shr eax, cl
		}
	case rv32i.F3SLT:
		c.emitSetCompare(false)
	case rv32i.F3SLTU:
		c.emitSetCompare(true)
	default:
		c.illegalOp()
		return
	}
	c.storeRD(f, regEAX)
}

// emitSetCompare emits `cmp eax, ecx` (rs1-rs2), sets al to the
// boolean result, and zero-extends it into eax.
func (c *compiler) emitSetCompare(unsigned bool) {
	c.buf.EmitHex("39 C8") // cmp eax, ecx
	if unsigned {
		c.buf.EmitHex("0F 92 C0") // setb al
	} else {
		c.buf.EmitHex("0F 9C C0") // setl al
	}
	c.buf.EmitHex("0F B6 C0") // movzx eax, al
}

func (c *compiler) emitI(f rv32i.Fields) {
	c.loadRS1(regEAX, f)
	switch f.Funct3 {
	case rv32i.F3AddSub:
		c.buf.EmitByte(0x05) // add eax, imm32
		c.buf.EmitWord32(uint32(f.ImmI))
	case rv32i.F3XOR:
		c.buf.EmitByte(0x35) // xor eax, imm32
		c.buf.EmitWord32(uint32(f.ImmI))
	case rv32i.F3OR:
		c.buf.EmitByte(0x0D) // or eax, imm32
		c.buf.EmitWord32(uint32(f.ImmI))
	case rv32i.F3AND:
		c.buf.EmitByte(0x25) // and eax, imm32
		c.buf.EmitWord32(uint32(f.ImmI))
	case rv32i.F3SLT:
		c.buf.EmitByte(0x3D) // cmp eax, imm32
		c.buf.EmitWord32(uint32(f.ImmI))
		c.buf.EmitHex("0F 9C C0") // setl al
		c.buf.EmitHex("0F B6 C0") // movzx eax, al
	case rv32i.F3SLTU:
		c.buf.EmitByte(0x3D) // cmp eax, imm32
		c.buf.EmitWord32(uint32(f.ImmI))
		c.buf.EmitHex("0F 92 C0") // setb al
		c.buf.EmitHex("0F B6 C0") // movzx eax, al
	case rv32i.F3SLL:
		if f.Funct7 != rv32i.F7Add {
			c.illegalOp()
			return
		}
		c.emitShiftImm(0xE0, uint32(f.ImmI)&0x1F) // shl eax, imm8
	case rv32i.F3SRL:
		switch f.Funct7 {
		case rv32i.F7Srl:
			c.emitShiftImm(0xE8, uint32(f.ImmI)&0x1F) // shr eax, imm8
		case rv32i.F7Sra:
			c.emitShiftImm(0xF8, uint32(f.ImmI)&0x1F) // sar eax, imm8
		default:
			c.illegalOp()
			return
		}
	default:
		c.illegalOp()
		return
	}
	c.storeRD(f, regEAX)
}

// emitShiftImm emits a C1 /n eax, imm8 shift-by-immediate, modrm
// already fixed for the eax destination (0xE0/0xE8/0xF8 for
// SHL/SHR/SAR respectively).
func (c *compiler) emitShiftImm(modrm byte, shamt uint32) {
	c.buf.EmitByte(0xC1)
	c.buf.EmitByte(modrm)
	c.buf.EmitByte(byte(shamt))
}

// emitLoad computes addr = rs1+imm_i into eax, calls back into the
// matching masked-load bridge in package vm, and stores the result
// into rd. See package vm's ecall.go for why loads and stores
// round-trip through Go rather than inlining the per-byte masking
// arithmetic here.
//
// Go's 386 backend has no register ABI: arguments AND the return
// value live on the stack, laid out in declaration order starting
// just above the return address, so the result slot sits *above* the
// arguments, not in eax. The caller must reserve that slot before the
// call (it is not push'd — there is nothing to push, only space to
// reserve) and read it back off the stack afterward.
func (c *compiler) emitLoad(f rv32i.Fields) {
	fn := c.loadFn[f.Funct3]
	if fn == 0 {
		c.illegalOp()
		return
	}
	c.loadRS1(regEAX, f)
	c.buf.EmitByte(0x05) // add eax, imm32
	c.buf.EmitWord32(uint32(f.ImmI))
	c.buf.EmitHex("83 EC 04")    // sub esp, 4: reserve the ABI0 result slot
	c.buf.EmitHex("50")          // push eax (addr)
	c.buf.EmitHex("57")          // push edi (vm*)
	c.emitCallAbs(fn)            // call; reloads edi on return
	c.buf.EmitHex("8B 44 24 08") // mov eax, [esp+8]: result, above both args
	c.buf.EmitHex("83 C4 0C")    // add esp, 12: args + result slot
	c.storeRD(f, regEAX)
}

// emitStore mirrors emitLoad for SB/SH/SW: pushes (vm*, addr, val),
// rightmost argument first, so vm* (the first declared argument)
// lands lowest on the stack as ABI0 expects. The bridge has no return
// value, so unlike emitLoad there is no result slot to reserve or
// read back.
func (c *compiler) emitStore(f rv32i.Fields) {
	fn := c.storeFn[f.Funct3]
	if fn == 0 {
		c.illegalOp()
		return
	}
	c.loadRS2(regECX, f) // value, loaded first so rs1's eax use below is undisturbed
	c.loadRS1(regEAX, f)
	c.buf.EmitByte(0x05) // add eax, imm32 (address = rs1+imm_s)
	c.buf.EmitWord32(uint32(f.ImmS))
	c.buf.EmitHex("51")       // push ecx (val)
	c.buf.EmitHex("50")       // push eax (addr)
	c.buf.EmitHex("57")       // push edi (vm*)
	c.emitCallAbs(fn)
	c.buf.EmitHex("83 C4 0C") // add esp, 12
}

// emitBranch folds the target RV32I address at compile time (pc, the
// immediate, and the sandbox mask are all known now) and emits a
// conditional skip over an unconditional indirect jump through the
// dispatch table slot for that target.
func (c *compiler) emitBranch(f rv32i.Fields, pc uint32) {
	opcode, ok := jccInverse(f.Funct3)
	if !ok {
		c.illegalOp()
		return
	}
	c.loadRS1(regEAX, f)
	c.loadRS2(regECX, f)
	c.buf.EmitHex("39 C8") // cmp eax, ecx
	c.buf.EmitByte(opcode)
	c.buf.EmitByte(0x06) // skip the 6-byte jmp [target] below

	target := uint32(int32(pc)+f.ImmB) & c.v.Mem.Mask()
	c.emitJmpIndirect(c.table.SlotAddr(target))
}

// emitJmpIndirect emits `jmp dword ptr [addr]`, the dispatch-through-
// the-table idiom every compile-time-resolvable control transfer uses.
func (c *compiler) emitJmpIndirect(addr uintptr) {
	c.buf.EmitHex("FF 25") // jmp [disp32]
	c.buf.EmitWord32(uint32(addr))
}

func (c *compiler) emitJAL(f rv32i.Fields, pc uint32) {
	if f.RD != 0 {
		c.emitImm32ToEAX(pc + 4)
		c.storeRD(f, regEAX)
	}
	target := uint32(int32(pc)+f.ImmJ) & c.v.Mem.Mask()
	c.emitJmpIndirect(c.table.SlotAddr(target))
}

// emitJALR computes its target at run time (it depends on rs1), so
// unlike JAL/branches it cannot bake a fixed slot address: instead it
// computes the masked byte address and adds it directly to the
// table's base, relying on slot stride (4 bytes on a 386 host) equal
// to instruction size so index*4 == the masked address itself. rd is
// written only after rs1 has been read, so rd == rs1 still jumps
// through the old rs1 value.
func (c *compiler) emitJALR(f rv32i.Fields, pc uint32) {
	c.loadRS1(regEAX, f)
	c.buf.EmitByte(0x05) // add eax, imm32
	c.buf.EmitWord32(uint32(f.ImmI))
	c.buf.EmitHex("83 E0 FE") // and eax, 0xFFFFFFFE (clear bit 0)

	c.buf.EmitByte(0x25) // and eax, imm32 (mask)
	c.buf.EmitWord32(c.v.Mem.Mask())

	c.buf.EmitByte(0xBB) // mov ebx, imm32 (table base)
	c.buf.EmitWord32(uint32(c.table.Base()))
	c.buf.EmitHex("01 C3") // add ebx, eax
	if f.RD != 0 {
		c.emitImm32ToEAX(pc + 4)
		c.storeRD(f, regEAX)
	}
	c.buf.EmitHex("FF 23") // jmp dword ptr [ebx]
}

// emitSystem handles ECALL and EBREAK. EBREAK's behavior is entirely
// static (it always halts), so it compiles to a direct jump to the
// halt stub. ECALL's behavior depends on the runtime value of a7, so
// it calls back into vm.EcallHandler and branches on the flag it
// returns — in its ABI0 stack result slot, not eax.
func (c *compiler) emitSystem(f rv32i.Fields, pc uint32) {
	if f.Funct3 != 0 {
		c.illegalOp()
		return
	}
	switch f.ImmI {
	case 0: // ECALL
		c.buf.EmitHex("83 EC 04")    // sub esp, 4: reserve the ABI0 result slot
		c.buf.EmitHex("57")          // push edi (vm*), EcallHandler's only argument
		c.emitCallAbs(c.ecallFn)
		c.buf.EmitHex("8B 44 24 04") // mov eax, [esp+4]: result, above the one arg
		c.buf.EmitHex("83 C4 08")    // add esp, 8: arg + result slot
		c.buf.EmitHex("85 C0")       // test eax, eax
		c.buf.EmitHex("74 05") // je +5: skip the 5-byte jmp rel32 below when eax == 0 (continue)
		c.emitJmpIndirectAbs(c.haltAddr())
	case 1: // EBREAK
		c.emitJmpIndirectAbs(c.haltAddr())
	default:
		c.illegalOp()
	}
}

// emitJmpIndirectAbs emits a direct (not table-mediated) unconditional
// jump to a fixed host address, used for the halt stub. rel32 is
// relative to the host address of the byte *after* this instruction,
// not the buffer-relative cursor — addr and buf.Addr(here) both need
// the mmap base folded in or the displacement is off by the base
// itself.
func (c *compiler) emitJmpIndirectAbs(addr uintptr) {
	here := c.buf.Pos()
	rel := int32(addr) - int32(c.buf.Addr(here)+5)
	c.buf.EmitByte(0xE9) // jmp rel32
	c.buf.EmitWord32(uint32(rel))
}
