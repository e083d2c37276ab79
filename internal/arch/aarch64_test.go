package arch

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davejbax/kmodld/internal/elfobj"
)

func aarch64Apply(t *testing.T, m *sliceMem, typ elf.R_AARCH64, off uint64, symValue uint64, addend int64) error {
	t.Helper()
	syms := []Symbol{{}, {Name: "sym", Value: symValue}}
	return (aarch64{}).Apply(m, []elfobj.Rela{rela(off, 1, uint32(typ), addend)}, syms, m.base)
}

func TestAarch64Abs64(t *testing.T) {
	m := newSliceMem(0x10000, 32)

	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ABS64, 0, 0xfeedface0000, 6))
	assert.Equal(t, uint64(0xfeedface0006), binary.LittleEndian.Uint64(m.data))
}

func TestAarch64Abs32Range(t *testing.T) {
	// ABS32 accepts [0, 2^32).
	m := newSliceMem(0x10000, 32)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ABS32, 0, 0xffffffff, 0))
	assert.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(m.data))

	m = newSliceMem(0x10000, 32)
	require.ErrorIs(t, aarch64Apply(t, m, elf.R_AARCH64_ABS32, 0, 0x100000000, 0), ErrOverflow)
}

func TestAarch64Prel16Range(t *testing.T) {
	// PREL16 accepts [-2^15, 2^15).
	m := newSliceMem(0x10000, 32)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_PREL16, 0, 0x10000-0x8000, 0))
	assert.Equal(t, uint16(0x8000), binary.LittleEndian.Uint16(m.data))

	m = newSliceMem(0x10000, 32)
	require.ErrorIs(t, aarch64Apply(t, m, elf.R_AARCH64_PREL16, 0, 0x10000+0x8000, 0), ErrOverflow)
}

func TestAarch64MovwSabsSignFlip(t *testing.T) {
	const movz = 0xd2800000 // movz x0, #0

	// Non-negative values select MOVZ (opcode 10b at bits 30:29).
	m := newSliceMem(0x10000, 32)
	binary.LittleEndian.PutUint32(m.data, movz)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_MOVW_SABS_G0, 0, 5, 0))

	insn := binary.LittleEndian.Uint32(m.data)
	assert.Equal(t, uint32(2), insn>>29&3)
	assert.Equal(t, uint32(5), insn>>5&0xffff)

	// Negative values keep MOVN (00b) with the immediate inverted: -1
	// becomes an all-zero immediate.
	m = newSliceMem(0x10000, 32)
	binary.LittleEndian.PutUint32(m.data, movz)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_MOVW_SABS_G0, 0, 0, -1))

	insn = binary.LittleEndian.Uint32(m.data)
	assert.Equal(t, uint32(0), insn>>29&3)
	assert.Equal(t, uint32(0), insn>>5&0xffff)
}

func TestAarch64MovwUabsOverflow(t *testing.T) {
	m := newSliceMem(0x10000, 32)
	require.ErrorIs(t, aarch64Apply(t, m, elf.R_AARCH64_MOVW_UABS_G0, 0, 0x10000, 0), ErrOverflow)

	// The _NC variant takes the same value without complaint.
	m = newSliceMem(0x10000, 32)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_MOVW_UABS_G0_NC, 0, 0x10000, 0))
}

func TestAarch64AddAbsLo12(t *testing.T) {
	m := newSliceMem(0x10000, 32)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ADD_ABS_LO12_NC, 0, 0x100abc, 0))

	insn := binary.LittleEndian.Uint32(m.data)
	assert.Equal(t, uint32(0xabc), insn>>10&0xfff)

	// A page-aligned address encodes a zero immediate.
	m = newSliceMem(0x10000, 32)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ADD_ABS_LO12_NC, 4, 0x100000, 0))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(m.data[4:])>>10&0xfff)
}

func decodeAdrImm(insn uint32) uint32 {
	return insn>>5&0x7ffff<<2 | insn>>29&3
}

func TestAarch64AdrpPageImmediate(t *testing.T) {
	m := newSliceMem(0xf000, 0x1000)

	// S+A = 0x100000, P = 0xf000: (0x100000>>12) - (0xf000>>12) = 0xf1 pages.
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ADR_PREL_PG_HI21, 0, 0x100000, 0))
	assert.Equal(t, uint32(0xf1), decodeAdrImm(binary.LittleEndian.Uint32(m.data)))
}

func TestAarch64AdrpTranslationInvariance(t *testing.T) {
	encode := func(base, addr uint64) uint32 {
		m := newSliceMem(base, 0x1000)
		require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ADR_PREL_PG_HI21, 0, addr, 0))
		return binary.LittleEndian.Uint32(m.data)
	}

	const k = 0x40000
	assert.Equal(t, encode(0xf000, 0x123000), encode(0xf000+k, 0x123000+k))
}

func TestAarch64AdrpForbiddenOffsetFallsBackToAdr(t *testing.T) {
	old := forbiddenADRPOffset
	forbiddenADRPOffset = func(uint64) bool { return true }
	defer func() { forbiddenADRPOffset = old }()

	m := newSliceMem(0xf000, 0x1000)
	const adrp = uint32(0x90000000)
	binary.LittleEndian.PutUint32(m.data, adrp)

	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ADR_PREL_PG_HI21, 0, 0x10000, 0))

	insn := binary.LittleEndian.Uint32(m.data)
	assert.Zero(t, insn>>31, "ADRP must be rewritten to ADR")
	assert.Equal(t, uint32(0x1000), decodeAdrImm(insn))
}

func TestAarch64Call26OutOfRangeIsFatal(t *testing.T) {
	m := newSliceMem(0x10000, 32)
	err := aarch64Apply(t, m, elf.R_AARCH64_CALL26, 0, 1<<40, 0)
	require.ErrorIs(t, err, ErrOverflow)
	assert.Contains(t, err.Error(), "veneer")
}

func TestAarch64Condbr19RoundTrip(t *testing.T) {
	m := newSliceMem(0x10000, 32)
	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_CONDBR19, 0, 0x10000+0x1ffc, 0))

	insn := binary.LittleEndian.Uint32(m.data)
	assert.Equal(t, uint32(0x1ffc>>2), insn>>5&0x7ffff)
}

func TestAarch64BreakFaultSentinelUntouched(t *testing.T) {
	m := newSliceMem(0x10000, 32)
	binary.LittleEndian.PutUint32(m.data, aarch64BreakFault)

	require.NoError(t, aarch64Apply(t, m, elf.R_AARCH64_ADD_ABS_LO12_NC, 0, 0x123, 0))
	assert.Equal(t, uint32(aarch64BreakFault), binary.LittleEndian.Uint32(m.data))
}

func TestAarch64ZeroInputsWellDefined(t *testing.T) {
	// Applying any implemented kind with S=0, A=0, P=location must not write
	// outside the instruction word.
	kinds := []elf.R_AARCH64{
		elf.R_AARCH64_ADD_ABS_LO12_NC,
		elf.R_AARCH64_LDST32_ABS_LO12_NC,
		elf.R_AARCH64_MOVW_UABS_G0_NC,
	}

	for _, typ := range kinds {
		m := newSliceMem(0x10000, 32)
		binary.LittleEndian.PutUint32(m.data, 0xffffffff)
		binary.LittleEndian.PutUint32(m.data[4:], 0xaaaaaaaa)

		require.NoError(t, aarch64Apply(t, m, typ, 0, 0, 0), "kind %v", typ)
		assert.Equal(t, uint32(0xaaaaaaaa), binary.LittleEndian.Uint32(m.data[4:]), "kind %v", typ)
	}
}
