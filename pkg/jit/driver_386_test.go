//go:build 386

package jit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r5vm/r5vm-go/pkg/memory"
	"github.com/r5vm/r5vm-go/pkg/rv32i"
	"github.com/r5vm/r5vm-go/pkg/vm"
)

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

// newPair builds two freshly loaded VMs sharing the same code placed
// at a nonzero load address, so the pair also exercises the dispatch
// table's whole-sandbox sizing: a table sized to CodeSize alone would
// index out of bounds the moment codeOffset is nonzero.
func newPair(t *testing.T, memSize, codeOffset uint32, code []uint32) (interp, compiled *vm.VM) {
	t.Helper()
	build := func() *vm.VM {
		sb, err := memory.New(memSize)
		require.NoError(t, err)
		v := &vm.VM{CodeOffset: codeOffset, CodeSize: uint32(len(code) * 4), Debug: true}
		v.BindMemory(sb)
		for i, w := range code {
			sb.StoreWord(codeOffset+uint32(i*4), w)
		}
		v.Entry = codeOffset
		v.Reset()
		return v
	}
	return build(), build()
}

func runJIT(t *testing.T, v *vm.VM) {
	t.Helper()
	d := &Driver{}
	program, err := d.Compile(v)
	require.NoError(t, err)
	defer program.Close()
	require.NoError(t, program.Run(v))
}

func TestDriverFibonacciMatchesInterpreter(t *testing.T) {
	const a0, t0, t1, t2 = 10, 5, 6, 7
	code := []uint32{
		encodeI(rv32i.OpI, t0, rv32i.F3AddSub, 0, 1),
		encodeI(rv32i.OpI, t1, rv32i.F3AddSub, 0, 10),
		encodeR(rv32i.OpR, t2, rv32i.F3AddSub, a0, t0, rv32i.F7Add),
		encodeI(rv32i.OpI, a0, rv32i.F3AddSub, t0, 0),
		encodeI(rv32i.OpI, t0, rv32i.F3AddSub, t2, 0),
		encodeI(rv32i.OpI, t1, rv32i.F3AddSub, t1, -1),
		encodeB(t1, 0, rv32i.F3BNE, -16),
		uint32(rv32i.OpSystem), // ecall a7=0 -> halt
	}
	const codeOffset = 0x100
	interp, compiled := newPair(t, 4096, codeOffset, code)

	interp.Run(1000)
	runJIT(t, compiled)

	regsEqual, memEqual, mismatchAt := vm.Diff(interp, compiled)
	require.True(t, regsEqual, "register mismatch at offset %d", mismatchAt)
	require.True(t, memEqual, "memory mismatch at offset %d", mismatchAt)
	require.EqualValues(t, 55, compiled.Regs[a0])
}

func TestDriverEcallWriteMatchesInterpreter(t *testing.T) {
	const a7, a0 = 17, 10
	msg := "Hi\n"
	var code []uint32
	for _, c := range []byte(msg) {
		code = append(code,
			encodeI(rv32i.OpI, a0, rv32i.F3AddSub, 0, int32(c)),
			encodeI(rv32i.OpI, a7, rv32i.F3AddSub, 0, vm.EcallWrite),
			uint32(rv32i.OpSystem),
		)
	}
	code = append(code,
		encodeI(rv32i.OpI, a7, rv32i.F3AddSub, 0, vm.EcallHalt),
		uint32(rv32i.OpSystem),
	)

	interp, compiled := newPair(t, 4096, 0, code)
	var interpOut, compiledOut bytes.Buffer
	interp.Out = &interpOut
	compiled.Out = &compiledOut

	interp.Run(0)
	runJIT(t, compiled)

	require.Equal(t, msg, interpOut.String())
	require.Equal(t, msg, compiledOut.String())
}

func TestDriverJALRIndexesDispatchTableAcrossFullSandbox(t *testing.T) {
	// jalr ra, x0, (codeOffset+4): rs1 is x0, so the runtime target is
	// the raw immediate, an absolute address past this load's nonzero
	// CodeOffset. The dispatch-table slot for that address only exists
	// if the table covers the whole sandbox rather than just CodeSize
	// bytes starting at 0 — the regression this test guards against.
	const ra, codeOffset = 1, 0x40
	code := []uint32{
		encodeI(rv32i.OpJALR, ra, 0, 0, codeOffset+4), // jalr ra, x0, codeOffset+4
		uint32(rv32i.OpSystem),                        // ecall a7=0 -> halt
	}
	_, compiled := newPair(t, 4096, codeOffset, code)
	runJIT(t, compiled)
	require.EqualValues(t, codeOffset+4, compiled.Regs[ra])
}
