// Package vm implements the architectural state shared by both
// execution engines (interpreter and JIT) and the decode-and-dispatch
// interpreter itself.
//
// Instruction format
//
// The VM executes RV32I: 32-bit instruction words decoded by
// pkg/rv32i into opcode/rd/funct3/rs1/rs2/funct7 and five
// sign-extended immediates. There are no M/A/F/D/C extensions, no
// CSRs, and no privilege levels.
//
// Memory model
//
// Guest memory is a power-of-two sandbox (pkg/memory); every address
// is masked, so there are no alignment faults and no out-of-bounds
// traps, only wraparound.
//
// Environment calls
//
// ECALL is dispatched on register a7 (x17): 0 halts, 1 writes the low
// byte of a0 (x10) to Out and flushes, anything else faults. EBREAK
// always halts.
package vm

import (
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/r5vm/r5vm-go/pkg/memory"
	"github.com/r5vm/r5vm-go/pkg/rv32i"
)

// NumRegisters is the number of general-purpose registers, x0..x31.
const NumRegisters = 32

// The following errors name the VM's terminal outcomes. They are
// flat sentinels, matching spec.md's error-kind taxonomy; none of
// them form a hierarchy. No VM method returns them: Step and Run
// report halts and faults through their bool and step-count results
// and through OnFault.
var (
	// ErrHalted names normal termination via EBREAK or an ECALL
	// with a7 == 0. It is not a fault.
	ErrHalted = errors.New("vm: halted")

	// ErrDecodeFault names an opcode/funct field with no legal
	// meaning.
	ErrDecodeFault = errors.New("vm: decode fault")
)

// ErrorSink is the injected error-reporting capability shared by both
// engines (spec: the core exposes an error-report callback taking the
// VM, a message, the faulting pc, and the faulting instruction word).
// Neither engine depends on any particular sink behavior beyond the
// side effect of reporting.
type ErrorSink func(vm *VM, msg string, pc, instr uint32)

// VM is a virtual machine instance. It is not goroutine-safe; a
// single goroutine drives it at a time.
//
// Field order is not load-bearing: the JIT computes every offset it
// needs via unsafe.Offsetof against a zero-value VM, so this struct
// can be extended without touching pkg/jit's templates.
type VM struct {
	Regs [NumRegisters]uint32 // x0 (zero) .. x31
	PC   uint32

	Mem     *memory.Sandbox
	memBase uintptr // address of Mem's backing array; its offset is exposed by MemBaseOffset
	memMask uint32

	CodeOffset, CodeSize uint32
	DataOffset, DataSize uint32
	BSSOffset, BSSSize   uint32
	Entry                uint32

	// Out receives ECALL service 1 (write byte) output. Defaults to
	// nil, in which case the service is a no-op; callers normally
	// wire this to os.Stdout or a buffered writer over it.
	Out io.Writer

	// OnFault is called for runtime faults detected in debug mode.
	// May be nil.
	OnFault ErrorSink

	// Debug selects strict fault-on-illegal-instruction behavior
	// (spec's stated safer default) versus silent no-op on unknown
	// funct3/funct7 combinations, matching the release-mode behavior
	// of the reference source.
	Debug bool
}

// Reset zeroes every general-purpose register and sets pc to Entry.
func (vm *VM) Reset() {
	for i := range vm.Regs {
		vm.Regs[i] = 0
	}
	vm.PC = vm.Entry
}

// BindMemory wires a sandbox into the VM, caching its mask (used by
// Step to wrap pc and jump targets) and raw backing-array address.
// pkg/image calls this once per load. The JIT templates do not read
// memBase/memMask: they take the mask from vm.Mem at compile time and
// reach guest memory through the JIT* bridge functions in ecall.go.
func (vm *VM) BindMemory(s *memory.Sandbox) {
	vm.Mem = s
	vm.memMask = s.Mask()
	bytes := s.Bytes()
	if len(bytes) > 0 {
		vm.memBase = uintptr(unsafe.Pointer(&bytes[0]))
	}
}

// Step executes a single instruction at pc. It returns true if
// execution should continue, false on halt (EBREAK, ECALL selector 0)
// or a debug-mode decode fault.
func (vm *VM) Step() bool {
	pcOfInst := vm.PC
	inst := vm.Mem.LoadWord(pcOfInst)
	vm.PC = (pcOfInst + 4) & vm.memMask

	f := rv32i.Decode(inst)
	cont := true

	defer func() { vm.Regs[0] = 0 }()

	switch f.Opcode {
	case rv32i.OpR:
		cont = vm.execR(f, pcOfInst, inst)
	case rv32i.OpI:
		cont = vm.execI(f, pcOfInst, inst)
	case rv32i.OpAUIPC:
		vm.setReg(f.RD, uint32(int32(pcOfInst)+f.ImmU)&vm.memMask)
	case rv32i.OpLUI:
		vm.setReg(f.RD, uint32(f.ImmU))
	case rv32i.OpLoad:
		cont = vm.execLoad(f, pcOfInst, inst)
	case rv32i.OpStore:
		cont = vm.execStore(f, pcOfInst, inst)
	case rv32i.OpBranch:
		cont = vm.execBranch(f, pcOfInst, inst)
	case rv32i.OpJAL:
		vm.setReg(f.RD, vm.PC)
		vm.PC = uint32(int32(pcOfInst)+f.ImmJ) & vm.memMask
	case rv32i.OpJALR:
		if f.Funct3 != 0 {
			cont = vm.fault("unknown JALR funct3", pcOfInst, inst)
			break
		}
		next := vm.PC
		vm.PC = (uint32(int32(vm.Regs[f.RS1])+f.ImmI) &^ 1) & vm.memMask
		vm.setReg(f.RD, next)
	case rv32i.OpSystem:
		cont = vm.execSystem(f, pcOfInst, inst)
	case rv32i.OpFence:
		// no-op
	default:
		cont = vm.fault("unknown opcode", pcOfInst, inst)
	}
	return cont
}

// Run executes up to maxSteps instructions, or indefinitely when
// maxSteps is 0, stopping early on halt or decode fault. It returns
// the number of steps actually executed.
func (vm *VM) Run(maxSteps uint32) uint32 {
	var i uint32
	for ; maxSteps == 0 || i < maxSteps; i++ {
		if !vm.Step() {
			i++
			break
		}
	}
	return i
}

func (vm *VM) setReg(r, v uint32) {
	if r != 0 {
		vm.Regs[r] = v
	}
}

func (vm *VM) fault(msg string, pc, instr uint32) bool {
	if !vm.Debug {
		return true
	}
	if vm.OnFault != nil {
		vm.OnFault(vm, msg, pc, instr)
	}
	return false
}

func (vm *VM) execR(f rv32i.Fields, pc, instr uint32) bool {
	a, b := vm.Regs[f.RS1], vm.Regs[f.RS2]
	switch f.Funct3 {
	case rv32i.F3AddSub:
		if f.Funct7 == rv32i.F7Sub {
			vm.setReg(f.RD, a-b)
		} else {
			vm.setReg(f.RD, a+b)
		}
	case rv32i.F3XOR:
		vm.setReg(f.RD, a^b)
	case rv32i.F3OR:
		vm.setReg(f.RD, a|b)
	case rv32i.F3AND:
		vm.setReg(f.RD, a&b)
	case rv32i.F3SLL:
		vm.setReg(f.RD, a<<(b&0x1F))
	case rv32i.F3SRL:
		if f.Funct7 == rv32i.F7Sra {
			vm.setReg(f.RD, uint32(int32(a)>>(b&0x1F)))
		} else {
			vm.setReg(f.RD, a>>(b&0x1F))
		}
	case rv32i.F3SLT:
		vm.setReg(f.RD, boolToWord(int32(a) < int32(b)))
	case rv32i.F3SLTU:
		vm.setReg(f.RD, boolToWord(a < b))
	default:
		return vm.fault("unknown R-type funct3", pc, instr)
	}
	return true
}

func (vm *VM) execI(f rv32i.Fields, pc, instr uint32) bool {
	a := vm.Regs[f.RS1]
	switch f.Funct3 {
	case rv32i.F3AddSub:
		vm.setReg(f.RD, uint32(int32(a)+f.ImmI))
	case rv32i.F3XOR:
		vm.setReg(f.RD, a^uint32(f.ImmI))
	case rv32i.F3OR:
		vm.setReg(f.RD, a|uint32(f.ImmI))
	case rv32i.F3AND:
		vm.setReg(f.RD, a&uint32(f.ImmI))
	case rv32i.F3SLT:
		vm.setReg(f.RD, boolToWord(int32(a) < f.ImmI))
	case rv32i.F3SLTU:
		vm.setReg(f.RD, boolToWord(a < uint32(f.ImmI)))
	case rv32i.F3SLL:
		if f.Funct7 != rv32i.F7Add {
			return vm.fault("unknown SLLI funct7", pc, instr)
		}
		vm.setReg(f.RD, a<<(uint32(f.ImmI)&0x1F))
	case rv32i.F3SRL:
		switch f.Funct7 {
		case rv32i.F7Srl:
			vm.setReg(f.RD, a>>(uint32(f.ImmI)&0x1F))
		case rv32i.F7Sra:
			vm.setReg(f.RD, uint32(int32(a)>>(uint32(f.ImmI)&0x1F)))
		default:
			return vm.fault("unknown SRLI/SRAI funct7", pc, instr)
		}
	default:
		return vm.fault("unknown I-type funct3", pc, instr)
	}
	return true
}

func (vm *VM) execLoad(f rv32i.Fields, pc, instr uint32) bool {
	addr := uint32(int32(vm.Regs[f.RS1]) + f.ImmI)
	switch f.Funct3 {
	case rv32i.F3LB:
		vm.setReg(f.RD, uint32(int32(vm.Mem.LoadByteSigned(addr))))
	case rv32i.F3LH:
		vm.setReg(f.RD, uint32(int32(vm.Mem.LoadHalfSigned(addr))))
	case rv32i.F3LW:
		vm.setReg(f.RD, vm.Mem.LoadWord(addr))
	case rv32i.F3LBU:
		vm.setReg(f.RD, uint32(vm.Mem.LoadByte(addr)))
	case rv32i.F3LHU:
		vm.setReg(f.RD, uint32(vm.Mem.LoadHalf(addr)))
	default:
		return vm.fault("unknown load funct3", pc, instr)
	}
	return true
}

func (vm *VM) execStore(f rv32i.Fields, pc, instr uint32) bool {
	addr := uint32(int32(vm.Regs[f.RS1]) + f.ImmS)
	v := vm.Regs[f.RS2]
	switch f.Funct3 {
	case rv32i.F3SW:
		vm.Mem.StoreWord(addr, v)
	case rv32i.F3SH:
		vm.Mem.StoreHalf(addr, uint16(v))
	case rv32i.F3SB:
		vm.Mem.StoreByte(addr, uint8(v))
	default:
		return vm.fault("unknown store funct3", pc, instr)
	}
	return true
}

func (vm *VM) execBranch(f rv32i.Fields, pc, instr uint32) bool {
	a, b := vm.Regs[f.RS1], vm.Regs[f.RS2]
	var taken bool
	switch f.Funct3 {
	case rv32i.F3BEQ:
		taken = a == b
	case rv32i.F3BNE:
		taken = a != b
	case rv32i.F3BLT:
		taken = int32(a) < int32(b)
	case rv32i.F3BGE:
		taken = int32(a) >= int32(b)
	case rv32i.F3BLTU:
		taken = a < b
	case rv32i.F3BGEU:
		taken = a >= b
	default:
		return vm.fault("unknown branch funct3", pc, instr)
	}
	if taken {
		vm.PC = uint32(int32(pc)+f.ImmB) & vm.memMask
	}
	return true
}

// ECALL service selectors (register a7 / x17).
const (
	EcallHalt  = 0
	EcallWrite = 1
)

func (vm *VM) execSystem(f rv32i.Fields, pc, instr uint32) bool {
	const x17, x10 = 17, 10
	if f.Funct3 != 0 {
		return vm.fault("unknown SYSTEM funct3", pc, instr)
	}
	switch f.ImmI {
	case 0: // ECALL
		switch vm.Regs[x17] {
		case EcallHalt:
			return false
		case EcallWrite:
			vm.writeByte(uint8(vm.Regs[x10]))
			return true
		default:
			return vm.fault("unknown ECALL service", pc, instr)
		}
	case 1: // EBREAK
		return false
	default:
		return vm.fault("unknown SYSTEM imm12", pc, instr)
	}
}

func (vm *VM) writeByte(b uint8) {
	if vm.Out == nil {
		return
	}
	vm.Out.Write([]byte{b})
	if f, ok := vm.Out.(interface{ Flush() error }); ok {
		f.Flush()
	}
}

func boolToWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// DumpState writes a human-readable snapshot of pc, every register,
// and the sandbox's span to w. Mirrors the reference source's
// r5vm_dump_state.
func (vm *VM) DumpState(w io.Writer) {
	fmt.Fprintf(w, "----- R5VM STATE DUMP -----\n")
	fmt.Fprintf(w, " PC:  0x%08X\n", vm.PC)
	for i := 0; i < NumRegisters; i++ {
		if i%8 == 0 {
			fmt.Fprintf(w, " x%-2d:", i)
		}
		fmt.Fprintf(w, " %08X", vm.Regs[i])
		if i%8 == 7 {
			fmt.Fprintf(w, "\n")
		}
	}
	if vm.Mem != nil {
		fmt.Fprintf(w, " MEM: %d bytes (mask 0x%08X)\n", vm.Mem.Size(), vm.memMask)
	}
	fmt.Fprintf(w, "---------------------------\n")
}

// Diff reports whether a and b have identical register files and
// identical sandbox contents, and the byte offset of the first
// mismatch (-1 if memory sizes differ or everything matches). This is
// the repo's own acceptance check (spec §8): the interpreter and the
// JIT, run over freshly loaded copies of the same image, must produce
// bit-identical final state.
func Diff(a, b *VM) (regsEqual, memEqual bool, firstMismatch int) {
	regsEqual = a.Regs == b.Regs
	firstMismatch = -1
	if a.Mem == nil || b.Mem == nil || a.Mem.Size() != b.Mem.Size() {
		return regsEqual, false, firstMismatch
	}
	ab, bb := a.Mem.Bytes(), b.Mem.Bytes()
	for i := range ab {
		if ab[i] != bb[i] {
			return regsEqual, false, i
		}
	}
	return regsEqual, true, -1
}
