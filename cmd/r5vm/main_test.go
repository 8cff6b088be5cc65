package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMemArgEmpty(t *testing.T) {
	v, err := parseMemArg("")
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestParseMemArgPlainDecimal(t *testing.T) {
	v, err := parseMemArg("4096")
	require.NoError(t, err)
	require.EqualValues(t, 4096, v)
}

func TestParseMemArgKiloSuffix(t *testing.T) {
	v, err := parseMemArg("64k")
	require.NoError(t, err)
	require.EqualValues(t, 64*1024, v)
}

func TestParseMemArgMegaSuffixUppercase(t *testing.T) {
	v, err := parseMemArg("2M")
	require.NoError(t, err)
	require.EqualValues(t, 2*1024*1024, v)
}

func TestParseMemArgHex(t *testing.T) {
	v, err := parseMemArg("0x10000")
	require.NoError(t, err)
	require.EqualValues(t, 0x10000, v)
}

func TestParseMemArgRejectsGarbage(t *testing.T) {
	_, err := parseMemArg("banana")
	require.Error(t, err)
}
