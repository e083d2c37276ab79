package arch

import (
	"debug/elf"
	"fmt"
	"math"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// aarch64 applies AArch64 RELA kinds: data words, MOVW immediates, the
// single-instruction immediate family and the ADRP page relocation. Branch
// kinds whose target is out of reach would need a PLT veneer, which this
// loader does not synthesise; such entries fail the load.
type aarch64 struct{}

var _ Relocator = aarch64{}

// The PREL_G* MOVW relocation kinds are part of the AArch64 ELF ABI but are
// not defined by debug/elf, so we declare them here with their standard
// numeric values.
const (
	elfRAarch64MovwPrelG0   elf.R_AARCH64 = 287
	elfRAarch64MovwPrelG0NC elf.R_AARCH64 = 288
	elfRAarch64MovwPrelG1   elf.R_AARCH64 = 289
	elfRAarch64MovwPrelG1NC elf.R_AARCH64 = 290
	elfRAarch64MovwPrelG2   elf.R_AARCH64 = 291
	elfRAarch64MovwPrelG2NC elf.R_AARCH64 = 292
	elfRAarch64MovwPrelG3   elf.R_AARCH64 = 293
)

type aarch64Op int

const (
	aarch64OpAbs aarch64Op = iota
	aarch64OpPrel
	aarch64OpPage
)

type aarch64MovwType int

const (
	// movwMovNZ selects between MOVZ and MOVN depending on the sign of the
	// relocation result.
	movwMovNZ aarch64MovwType = iota
	// movwMovKZ leaves the opcode alone and only replaces the immediate.
	movwMovKZ
)

// forbiddenADRPOffset is the Cortex-A53 erratum 843419 predicate. The hosts
// we target do not need the mitigation, so every offset is allowed; tests
// override it to exercise the ADR fallback.
var forbiddenADRPOffset = func(address uint64) bool {
	return false
}

func aarch64Value(op aarch64Op, location, address uint64) uint64 {
	switch op {
	case aarch64OpAbs:
		return address
	case aarch64OpPrel:
		return address - location
	case aarch64OpPage:
		return (address &^ 0xfff) - (location &^ 0xfff)
	default:
		return 0
	}
}

func (aarch64) Apply(mem Memory, entries []elfobj.Rela, syms []Symbol, base uint64) error {
	for i, rel := range entries {
		sym, target, err := resolveTarget(syms, rel)
		if err != nil {
			return fmt.Errorf("rela entry %d: %w", i, err)
		}

		// base+Off corresponds to P, target to S + A in the AArch64 ELF
		// document.
		if err := aarch64Relocate(mem, elf.R_AARCH64(rel.Type()), base+rel.Off, target); err != nil {
			return fmt.Errorf("%s: %w", sym.Name, err)
		}
	}

	return nil
}

func aarch64Relocate(mem Memory, typ elf.R_AARCH64, location, address uint64) error {
	checkOverflow := true
	var ovf bool
	var err error

	switch typ {
	case elf.R_AARCH64_NONE:
		return nil

	// Data relocations.
	case elf.R_AARCH64_ABS64:
		checkOverflow = false
		ovf, err = aarch64RelocData(mem, aarch64OpAbs, location, address, 64)
	case elf.R_AARCH64_ABS32:
		ovf, err = aarch64RelocData(mem, aarch64OpAbs, location, address, 32)
	case elf.R_AARCH64_ABS16:
		ovf, err = aarch64RelocData(mem, aarch64OpAbs, location, address, 16)
	case elf.R_AARCH64_PREL64:
		checkOverflow = false
		ovf, err = aarch64RelocData(mem, aarch64OpPrel, location, address, 64)
	case elf.R_AARCH64_PREL32:
		ovf, err = aarch64RelocData(mem, aarch64OpPrel, location, address, 32)
	case elf.R_AARCH64_PREL16:
		ovf, err = aarch64RelocData(mem, aarch64OpPrel, location, address, 16)

	// MOVW instruction relocations.
	case elf.R_AARCH64_MOVW_UABS_G0_NC, elf.R_AARCH64_MOVW_UABS_G0:
		checkOverflow = typ == elf.R_AARCH64_MOVW_UABS_G0
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 0, movwMovKZ)
	case elf.R_AARCH64_MOVW_UABS_G1_NC, elf.R_AARCH64_MOVW_UABS_G1:
		checkOverflow = typ == elf.R_AARCH64_MOVW_UABS_G1
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 16, movwMovKZ)
	case elf.R_AARCH64_MOVW_UABS_G2_NC, elf.R_AARCH64_MOVW_UABS_G2:
		checkOverflow = typ == elf.R_AARCH64_MOVW_UABS_G2
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 32, movwMovKZ)
	case elf.R_AARCH64_MOVW_UABS_G3:
		// The top group cannot overflow.
		checkOverflow = false
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 48, movwMovKZ)
	case elf.R_AARCH64_MOVW_SABS_G0:
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 0, movwMovNZ)
	case elf.R_AARCH64_MOVW_SABS_G1:
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 16, movwMovNZ)
	case elf.R_AARCH64_MOVW_SABS_G2:
		ovf, err = aarch64RelocMovw(mem, aarch64OpAbs, location, address, 32, movwMovNZ)
	case elfRAarch64MovwPrelG0NC, elfRAarch64MovwPrelG0:
		immType := movwMovNZ
		if typ == elfRAarch64MovwPrelG0NC {
			checkOverflow = false
			immType = movwMovKZ
		}
		ovf, err = aarch64RelocMovw(mem, aarch64OpPrel, location, address, 0, immType)
	case elfRAarch64MovwPrelG1NC, elfRAarch64MovwPrelG1:
		immType := movwMovNZ
		if typ == elfRAarch64MovwPrelG1NC {
			checkOverflow = false
			immType = movwMovKZ
		}
		ovf, err = aarch64RelocMovw(mem, aarch64OpPrel, location, address, 16, immType)
	case elfRAarch64MovwPrelG2NC, elfRAarch64MovwPrelG2:
		immType := movwMovNZ
		if typ == elfRAarch64MovwPrelG2NC {
			checkOverflow = false
			immType = movwMovKZ
		}
		ovf, err = aarch64RelocMovw(mem, aarch64OpPrel, location, address, 32, immType)
	case elfRAarch64MovwPrelG3:
		checkOverflow = false
		ovf, err = aarch64RelocMovw(mem, aarch64OpPrel, location, address, 48, movwMovNZ)

	// Immediate instruction relocations.
	case elf.R_AARCH64_LD_PREL_LO19:
		ovf, err = aarch64RelocImm(mem, aarch64OpPrel, location, address, 2, 19, aarch64Imm19)
	case elf.R_AARCH64_ADR_PREL_LO21:
		ovf, err = aarch64RelocImm(mem, aarch64OpPrel, location, address, 0, 21, aarch64ImmAdr)
	case elf.R_AARCH64_ADR_PREL_PG_HI21_NC, elf.R_AARCH64_ADR_PREL_PG_HI21:
		checkOverflow = typ == elf.R_AARCH64_ADR_PREL_PG_HI21
		ovf, err = aarch64RelocAdrp(mem, location, address)
	case elf.R_AARCH64_ADD_ABS_LO12_NC, elf.R_AARCH64_LDST8_ABS_LO12_NC:
		checkOverflow = false
		ovf, err = aarch64RelocImm(mem, aarch64OpAbs, location, address, 0, 12, aarch64Imm12)
	case elf.R_AARCH64_LDST16_ABS_LO12_NC:
		checkOverflow = false
		ovf, err = aarch64RelocImm(mem, aarch64OpAbs, location, address, 1, 11, aarch64Imm12)
	case elf.R_AARCH64_LDST32_ABS_LO12_NC:
		checkOverflow = false
		ovf, err = aarch64RelocImm(mem, aarch64OpAbs, location, address, 2, 10, aarch64Imm12)
	case elf.R_AARCH64_LDST64_ABS_LO12_NC:
		checkOverflow = false
		ovf, err = aarch64RelocImm(mem, aarch64OpAbs, location, address, 3, 9, aarch64Imm12)
	case elf.R_AARCH64_LDST128_ABS_LO12_NC:
		checkOverflow = false
		ovf, err = aarch64RelocImm(mem, aarch64OpAbs, location, address, 4, 8, aarch64Imm12)
	case elf.R_AARCH64_TSTBR14:
		ovf, err = aarch64RelocImm(mem, aarch64OpPrel, location, address, 2, 14, aarch64Imm14)
	case elf.R_AARCH64_CONDBR19:
		ovf, err = aarch64RelocImm(mem, aarch64OpPrel, location, address, 2, 19, aarch64Imm19)
	case elf.R_AARCH64_JUMP26, elf.R_AARCH64_CALL26:
		ovf, err = aarch64RelocImm(mem, aarch64OpPrel, location, address, 2, 26, aarch64Imm26)
		if err == nil && ovf {
			// The branch target is out of range and would need a PLT veneer.
			return fmt.Errorf("%w %v: branch target %#x out of range and veneers are not supported", ErrOverflow, typ, address)
		}

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, typ)
	}

	if err != nil {
		return err
	}

	if checkOverflow && ovf {
		return overflowErr(typ, address)
	}

	return nil
}

// aarch64RelocData writes S+A (ABS) or S+A-P (PREL) as a little-endian
// integer of the given width. 16- and 32-bit quantities are overflow-checked
// with an unsigned bound for ABS and a signed bound for PREL.
func aarch64RelocData(mem Memory, op aarch64Op, location, address uint64, bits int) (bool, error) {
	value := int64(aarch64Value(op, location, address))

	switch bits {
	case 16:
		if err := write16(mem, location, uint16(value)); err != nil {
			return false, err
		}
		if op == aarch64OpAbs {
			return value < 0 || value > math.MaxUint16, nil
		}
		return value < math.MinInt16 || value > math.MaxInt16, nil

	case 32:
		if err := write32(mem, location, uint32(value)); err != nil {
			return false, err
		}
		if op == aarch64OpAbs {
			return value < 0 || value > math.MaxUint32, nil
		}
		return value < math.MinInt32 || value > math.MaxInt32, nil

	case 64:
		return false, write64(mem, location, uint64(value))

	default:
		return false, fmt.Errorf("%w: %d-bit data relocation", ErrUnsupportedKind, bits)
	}
}

// aarch64RelocMovw re-encodes the 16-bit immediate of a MOVZ/MOVN/MOVK
// instruction from bits [lsb, lsb+16) of the relocation result. For MOVNZ
// kinds the opcode flips to MOVZ for non-negative results and stays MOVN
// (with the immediate inverted) for negative ones.
func aarch64RelocMovw(mem Memory, op aarch64Op, location, address uint64, lsb int, movw aarch64MovwType) (bool, error) {
	insn, err := read32(mem, location)
	if err != nil {
		return false, err
	}

	value := int64(aarch64Value(op, location, address))
	imm := uint64(value >> lsb)

	if movw == movwMovNZ {
		insn &^= 3 << 29
		if value >= 0 {
			// MOVZ, opcode 10b.
			insn |= 2 << 29
		} else {
			// MOVN, opcode 00b: the opcode bits are already cleared, so only
			// the immediate needs inverting.
			imm = ^imm
		}
	}

	insn = aarch64EncodeImmediate(aarch64Imm16, insn, imm)
	if err := write32(mem, location, insn); err != nil {
		return false, err
	}

	return imm > math.MaxUint16, nil
}

// aarch64RelocImm extracts bits [lsb, lsb+bits) of the relocation result and
// encodes them into the instruction's immediate field. Overflow has occurred
// if the bits above the field are not all copies of its sign bit.
func aarch64RelocImm(mem Memory, op aarch64Op, location, address uint64, lsb, bits int, typ aarch64ImmType) (bool, error) {
	insn, err := read32(mem, location)
	if err != nil {
		return false, err
	}

	value := int64(aarch64Value(op, location, address))
	value >>= lsb

	immMask := (uint64(1)<<(lsb+bits) - 1) >> lsb
	imm := uint64(value) & immMask

	insn = aarch64EncodeImmediate(typ, insn, imm)
	if err := write32(mem, location, insn); err != nil {
		return false, err
	}

	value = (value &^ int64(immMask>>1)) >> (bits - 1)
	return uint64(value+1) >= 2, nil
}

// aarch64RelocAdrp handles the HI21 page relocation. When the page offset is
// forbidden (erratum mitigation), the ADRP is rewritten to an ADR if the
// target is in direct range; beyond that a veneer would be required.
func aarch64RelocAdrp(mem Memory, location, address uint64) (bool, error) {
	if !forbiddenADRPOffset(address) {
		return aarch64RelocImm(mem, aarch64OpPage, location, address, 12, 21, aarch64ImmAdr)
	}

	ovf, err := aarch64RelocImm(mem, aarch64OpPrel, location, address&^0xfff, 0, 21, aarch64ImmAdr)
	if err != nil {
		return false, err
	}

	if ovf {
		return false, fmt.Errorf("%w: ADR replacement for ADRP out of range and veneers are not supported", ErrOverflow)
	}

	insn, err := read32(mem, location)
	if err != nil {
		return false, err
	}

	// Clearing bit 31 turns ADRP into ADR.
	insn &^= 1 << 31

	return false, write32(mem, location, insn)
}
