package jit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferEmitByteAndWord32(t *testing.T) {
	b, err := NewBuffer(64)
	require.NoError(t, err)
	defer b.Close()

	b.EmitByte(0x90)
	b.EmitWord32(0xDEADBEEF)
	require.False(t, b.Err())
	require.Equal(t, 5, b.Pos())
	require.Equal(t, byte(0x90), b.mem[0])
	require.Equal(t, byte(0xEF), b.mem[1])
	require.Equal(t, byte(0xBE), b.mem[2])
	require.Equal(t, byte(0xAD), b.mem[3])
	require.Equal(t, byte(0xDE), b.mem[4])
}

func TestBufferEmitHex(t *testing.T) {
	b, err := NewBuffer(64)
	require.NoError(t, err)
	defer b.Close()

	b.EmitHex("8B 47 04")
	require.False(t, b.Err())
	require.Equal(t, 3, b.Pos())
	require.Equal(t, []byte{0x8B, 0x47, 0x04}, b.mem[:3])
}

func TestBufferEmitHexIgnoresWhitespace(t *testing.T) {
	b, err := NewBuffer(64)
	require.NoError(t, err)
	defer b.Close()

	b.EmitHex("  90   90 ")
	require.False(t, b.Err())
	require.Equal(t, 2, b.Pos())
	require.Equal(t, []byte{0x90, 0x90}, b.mem[:2])
}

func TestBufferEmitHexInvalidCharMarksErr(t *testing.T) {
	b, err := NewBuffer(64)
	require.NoError(t, err)
	defer b.Close()

	b.EmitHex("ZZ")
	require.True(t, b.Err())
}

func TestBufferOverflowStopsFurtherEmits(t *testing.T) {
	b, err := NewBuffer(4)
	require.NoError(t, err)
	defer b.Close()

	b.EmitWord32(1)
	require.False(t, b.Err())
	pos := b.Pos()

	b.EmitByte(0xFF)
	require.True(t, b.Err())
	require.Equal(t, pos, b.Pos(), "emit past capacity must not advance the cursor")

	b.EmitWord32(2)
	require.True(t, b.Err())
	require.Equal(t, pos, b.Pos())
}

func TestBufferAddrTracksEmittedBytes(t *testing.T) {
	b, err := NewBuffer(64)
	require.NoError(t, err)
	defer b.Close()

	b.EmitByte(0x01)
	b.EmitByte(0x02)
	a0 := b.Addr(0)
	a1 := b.Addr(1)
	require.Equal(t, a0+1, a1)
}

func TestBufferCloseIsIdempotent(t *testing.T) {
	b, err := NewBuffer(64)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
