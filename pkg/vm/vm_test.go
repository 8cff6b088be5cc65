package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r5vm/r5vm-go/pkg/memory"
	"github.com/r5vm/r5vm-go/pkg/rv32i"
)

func newTestVM(t *testing.T, memSize uint32) *VM {
	t.Helper()
	sb, err := memory.New(memSize)
	require.NoError(t, err)
	v := &VM{Debug: true}
	v.BindMemory(sb)
	return v
}

func encodeR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeB(rs1, rs2, funct3 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3F)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(u>>11&1)<<7 | (u>>1&0xF)<<8 | rv32i.OpBranch
}

func encodeJ(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3FF)<<21 | (u>>11&1)<<20 | (u>>12&0xFF)<<12 |
		rd<<7 | rv32i.OpJAL
}

func TestFibonacci(t *testing.T) {
	// a0 = 0 (x10), t0 = 1 (x5), t1 = 10 (x6, counter), t2 = tmp (x7)
	// loop:
	//   t2 = a0 + t0
	//   a0 = t0
	//   t0 = t2
	//   t1 = t1 - 1
	//   bne t1, x0, loop
	const a0, t0, t1, t2 = 10, 5, 6, 7
	code := []uint32{
		encodeI(rv32i.OpI, t0, rv32i.F3AddSub, 0, 1),                 // addi t0, x0, 1
		encodeI(rv32i.OpI, t1, rv32i.F3AddSub, 0, 10),                // addi t1, x0, 10
		encodeR(rv32i.OpR, t2, rv32i.F3AddSub, a0, t0, rv32i.F7Add),  // add t2,a0,t0
		encodeI(rv32i.OpI, a0, rv32i.F3AddSub, t0, 0),               // addi a0,t0,0
		encodeI(rv32i.OpI, t0, rv32i.F3AddSub, t2, 0),               // addi t0,t2,0
		encodeI(rv32i.OpI, t1, rv32i.F3AddSub, t1, -1),              // addi t1,t1,-1
		encodeB(t1, 0, rv32i.F3BNE, -16),                            // bne t1,x0,-16 (back to add t2,...)
	}
	v := newTestVM(t, 4096)
	for i, w := range code {
		v.Mem.StoreWord(uint32(i*4), w)
	}
	v.Reset()
	steps := v.Run(1000)
	require.NotZero(t, steps)
	require.EqualValues(t, 55, v.Regs[a0])
}

func TestSignedVsUnsignedCompare(t *testing.T) {
	const t0, t1, a0, a1 = 5, 6, 10, 11
	code := []uint32{
		encodeI(rv32i.OpI, t0, rv32i.F3AddSub, 0, -1), // addi t0,x0,-1
		encodeI(rv32i.OpI, t1, rv32i.F3AddSub, 0, 1),  // addi t1,x0,1
		encodeR(rv32i.OpR, a0, rv32i.F3SLT, t0, t1, 0),
		encodeR(rv32i.OpR, a1, rv32i.F3SLTU, t0, t1, 0),
	}
	v := newTestVM(t, 4096)
	for i, w := range code {
		v.Mem.StoreWord(uint32(i*4), w)
	}
	v.Reset()
	v.Run(10)
	require.EqualValues(t, 1, v.Regs[a0])
	require.EqualValues(t, 0, v.Regs[a1])
}

func TestArithmeticShift(t *testing.T) {
	const t0, a0 = 5, 10
	code := []uint32{
		// set t0 = 0x80000000 via two shifts: addi t0,x0,1 ; slli t0,t0,31
		encodeI(rv32i.OpI, t0, rv32i.F3AddSub, 0, 1),
		(rv32i.F7Add<<25 | uint32(31)<<20 | t0<<15 | rv32i.F3SLL<<12 | t0<<7 | rv32i.OpI),
		(rv32i.F7Sra<<25 | uint32(4)<<20 | t0<<15 | rv32i.F3SRL<<12 | a0<<7 | rv32i.OpI),
	}
	v := newTestVM(t, 4096)
	for i, w := range code {
		v.Mem.StoreWord(uint32(i*4), w)
	}
	v.Reset()
	v.Run(10)
	require.EqualValues(t, 0xF8000000, v.Regs[a0])
}

func TestEcallHelloWorld(t *testing.T) {
	const a7, a0 = 17, 10
	msg := "Hi\n"
	var code []uint32
	for _, c := range []byte(msg) {
		code = append(code,
			encodeI(rv32i.OpI, a0, rv32i.F3AddSub, 0, int32(c)),
			encodeI(rv32i.OpI, a7, rv32i.F3AddSub, 0, EcallWrite),
			uint32(rv32i.OpSystem), // ecall (imm12=0, funct3=0, rd=0,rs1=0)
		)
	}
	code = append(code,
		encodeI(rv32i.OpI, a7, rv32i.F3AddSub, 0, EcallHalt),
		uint32(rv32i.OpSystem),
	)
	var out bytes.Buffer
	v := newTestVM(t, 4096)
	v.Out = &out
	for i, w := range code {
		v.Mem.StoreWord(uint32(i*4), w)
	}
	v.Reset()
	v.Run(0)
	require.Equal(t, msg, out.String())
	require.EqualValues(t, EcallHalt, v.Regs[a7])
}

func TestX0AlwaysZero(t *testing.T) {
	v := newTestVM(t, 4096)
	v.Mem.StoreWord(0, encodeI(rv32i.OpI, 0, rv32i.F3AddSub, 0, 42))
	v.Reset()
	v.Run(1)
	require.Zero(t, v.Regs[0])
}

func TestDiffDetectsMismatch(t *testing.T) {
	a := newTestVM(t, 64)
	b := newTestVM(t, 64)
	a.Regs[1] = 1
	regsEq, memEq, _ := Diff(a, b)
	require.False(t, regsEq, "expected register mismatch")
	require.True(t, memEq, "expected memory match")
}

func TestJALStoresReturnAddress(t *testing.T) {
	const ra = 1
	v := newTestVM(t, 4096)
	v.Mem.StoreWord(0, encodeJ(ra, 8)) // jal ra, +8
	v.Reset()
	v.Run(1)
	require.EqualValues(t, 4, v.Regs[ra])
	require.EqualValues(t, 8, v.PC)
}
