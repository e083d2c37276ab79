package kparam

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIntOpsBases(t *testing.T) {
	value := new(int32)
	p := &Param{Name: "v", Ops: OpsInt, Arg: value}

	tests := []struct {
		in   string
		want int32
	}{
		{"255", 255},
		{"0xFF", 255},
		{"0377", 255},
		{"-2147483648", -2147483648},
		{"2147483647", 2147483647},
	}

	for _, tt := range tests {
		require.NoError(t, OpsInt.Set(tt.in, p), tt.in)
		assert.Equal(t, tt.want, *value, tt.in)
	}

	got, err := OpsInt.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "2147483647\n", got)
}

func TestIntOpsRange(t *testing.T) {
	b := new(uint8)
	pb := &Param{Name: "b", Ops: OpsByte, Arg: b}

	require.NoError(t, OpsByte.Set("255", pb))
	assert.Equal(t, uint8(255), *b)

	require.ErrorIs(t, OpsByte.Set("256", pb), unix.EINVAL)
	require.ErrorIs(t, OpsByte.Set("-1", pb), unix.EINVAL)
}

func TestUlongOps(t *testing.T) {
	value := new(uint64)
	p := &Param{Name: "v", Ops: OpsUlong, Arg: value}

	require.NoError(t, OpsUlong.Set("0xFFFFFFFFFFFFFFFF", p))
	assert.Equal(t, uint64(0xffffffffffffffff), *value)
}

func TestHexintOps(t *testing.T) {
	value := new(uint32)
	p := &Param{Name: "v", Ops: OpsHexint, Arg: value}

	require.NoError(t, OpsHexint.Set("0xDEADBEEF", p))
	assert.Equal(t, uint32(0xdeadbeef), *value)

	got, err := OpsHexint.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef\n", got)
}

func TestBoolOps(t *testing.T) {
	value := new(bool)
	p := &Param{Name: "v", Ops: OpsBool, Arg: value}

	for _, s := range []string{"y", "Y", "1", ""} {
		*value = false
		require.NoError(t, OpsBool.Set(s, p), s)
		assert.True(t, *value, s)
	}

	for _, s := range []string{"n", "N", "0"} {
		*value = true
		require.NoError(t, OpsBool.Set(s, p), s)
		assert.False(t, *value, s)
	}

	require.ErrorIs(t, OpsBool.Set("maybe", p), unix.EINVAL)

	got, err := OpsBool.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "0\n", got)
}

func TestStringOps(t *testing.T) {
	value := new(string)
	p := &Param{Name: "v", Ops: OpsString, Arg: value}

	require.NoError(t, OpsString.Set("hello", p))
	assert.Equal(t, "hello", *value)

	// Replacing releases the old value.
	require.NoError(t, OpsString.Set("world", p))
	assert.Equal(t, "world", *value)

	got, err := OpsString.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "world\n", got)

	OpsString.Free(p)
	assert.Empty(t, *value)
}

func TestStringOpsLimits(t *testing.T) {
	value := new(string)
	p := &Param{Name: "v", Ops: OpsString, Arg: value}

	require.NoError(t, OpsString.Set(strings.Repeat("a", 1024), p))
	require.ErrorIs(t, OpsString.Set(strings.Repeat("a", 1025), p), unix.ENOSPC)
	require.ErrorIs(t, OpsString.Set("a\x00b", p), unix.EINVAL)
}
