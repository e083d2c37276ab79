package arch

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davejbax/kmodld/internal/elfobj"
)

func TestX8664Abs64(t *testing.T) {
	m := newSliceMem(0x1000, 64)
	syms := []Symbol{{}, {Name: "target", Value: 0xdeadbeefcafe}}

	err := (x8664{}).Apply(m, []elfobj.Rela{rela(8, 1, uint32(elf.R_X86_64_64), 2)}, syms, 0x1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(0xdeadbeefcb00), binary.LittleEndian.Uint64(m.data[8:]))
}

func TestX8664Abs32Range(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		ok    bool
	}{
		{"zero", 0, true},
		{"max", 0xffffffff, true},
		{"overflow", 0x100000000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSliceMem(0x1000, 16)
			syms := []Symbol{{}, {Name: "v", Value: tt.value}}

			err := (x8664{}).Apply(m, []elfobj.Rela{rela(0, 1, uint32(elf.R_X86_64_32), 0)}, syms, 0x1000)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, uint32(tt.value), binary.LittleEndian.Uint32(m.data))
			} else {
				require.ErrorIs(t, err, ErrOverflow)
				assert.Contains(t, err.Error(), "v")
			}
		})
	}
}

func TestX8664Abs32SRange(t *testing.T) {
	check := func(value uint64, ok bool) {
		m := newSliceMem(0x1000, 16)
		syms := []Symbol{{}, {Value: value}}

		err := (x8664{}).Apply(m, []elfobj.Rela{rela(0, 1, uint32(elf.R_X86_64_32S), 0)}, syms, 0x1000)
		if ok {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrOverflow)
		}
	}

	// Accepts exactly [-2^31, 2^31).
	check(uint64(0xffffffff80000000), true)  // -2^31
	check(uint64(0xffffffff7fffffff), false) // -2^31 - 1
	check(0x7fffffff, true)                  // 2^31 - 1
	check(0x80000000, false)                 // 2^31
}

func TestX8664PC32(t *testing.T) {
	m := newSliceMem(0x1000, 16)
	syms := []Symbol{{}, {Value: 0x1100}}

	err := (x8664{}).Apply(m, []elfobj.Rela{rela(4, 1, uint32(elf.R_X86_64_PC32), -4)}, syms, 0x1000)
	require.NoError(t, err)

	// S + A - P = 0x1100 - 4 - 0x1004
	assert.Equal(t, uint32(0xf8), binary.LittleEndian.Uint32(m.data[4:]))
}

func TestX8664PC64(t *testing.T) {
	m := newSliceMem(0x1000, 16)
	syms := []Symbol{{}, {Value: 0x800}}

	err := (x8664{}).Apply(m, []elfobj.Rela{rela(0, 1, uint32(elf.R_X86_64_PC64), 0)}, syms, 0x1000)
	require.NoError(t, err)

	a, b := uint64(0x800), uint64(0x1000)
	assert.Equal(t, a-b, binary.LittleEndian.Uint64(m.data))
}

func TestX8664NonzeroTargetRejected(t *testing.T) {
	m := newSliceMem(0x1000, 16)
	m.data[0] = 0x90
	syms := []Symbol{{}, {Name: "patched", Value: 1}}

	err := (x8664{}).Apply(m, []elfobj.Rela{rela(0, 1, uint32(elf.R_X86_64_64), 0)}, syms, 0x1000)
	require.ErrorIs(t, err, errNonzeroTarget)
}

func TestX8664UnsupportedKind(t *testing.T) {
	m := newSliceMem(0x1000, 16)
	syms := []Symbol{{}, {Value: 1}}

	err := (x8664{}).Apply(m, []elfobj.Rela{rela(0, 1, uint32(elf.R_X86_64_GOT32), 0)}, syms, 0x1000)
	require.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestX8664None(t *testing.T) {
	m := newSliceMem(0x1000, 16)
	syms := []Symbol{{}}

	err := (x8664{}).Apply(m, []elfobj.Rela{rela(0, 0, uint32(elf.R_X86_64_NONE), 0)}, syms, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), m.data)
}
