package arch

import (
	"debug/elf"
	"fmt"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// riscv64 applies the RISC-V RELA set following the psABI: HI20/LO12 pairs
// split a 32-bit value with a sign-adjusted carry, the PCREL_LO12 kinds
// resolve their paired HI20 through the symbol indirection, and branches use
// the B/J/CB/CJ immediate packings of the ISA. ALIGN and RELAX are
// linker-relaxation hints and are ignored.
type riscv64 struct{}

var _ Relocator = riscv64{}

func (riscv64) Apply(mem Memory, entries []elfobj.Rela, syms []Symbol, base uint64) error {
	for i, rel := range entries {
		sym, target, err := resolveTarget(syms, rel)
		if err != nil {
			return fmt.Errorf("rela entry %d: %w", i, err)
		}

		typ := elf.R_RISCV(rel.Type())
		location := base + rel.Off

		if typ == elf.R_RISCV_PCREL_LO12_I || typ == elf.R_RISCV_PCREL_LO12_S {
			// The symbol of a PCREL_LO12 names the location of its paired
			// HI20 instruction; the value to encode is that relocation's
			// PC-relative result.
			offset, err := riscvFindPcrelHi20(entries, syms, base, sym.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", sym.Name, err)
			}

			if err := riscvRelocLo12(mem, typ == elf.R_RISCV_PCREL_LO12_S, location, offset); err != nil {
				return fmt.Errorf("%s: %w", sym.Name, err)
			}

			continue
		}

		if err := riscvRelocate(mem, typ, location, target); err != nil {
			return fmt.Errorf("%s: %w", sym.Name, err)
		}
	}

	return nil
}

// riscvFindPcrelHi20 locates the PCREL_HI20 entry at runtime address hiLoc
// within the same relocation section and returns its PC-relative result.
func riscvFindPcrelHi20(entries []elfobj.Rela, syms []Symbol, base, hiLoc uint64) (int64, error) {
	for _, rel := range entries {
		if base+rel.Off != hiLoc {
			continue
		}

		if elf.R_RISCV(rel.Type()) != elf.R_RISCV_PCREL_HI20 {
			return 0, fmt.Errorf("%w: PCREL_LO12 paired with %v", ErrUnsupportedKind, elf.R_RISCV(rel.Type()))
		}

		_, target, err := resolveTarget(syms, rel)
		if err != nil {
			return 0, err
		}

		return int64(target) - int64(hiLoc), nil
	}

	return 0, fmt.Errorf("%w: no PCREL_HI20 entry at %#x for PCREL_LO12", ErrUnsupportedKind, hiLoc)
}

func riscvRelocate(mem Memory, typ elf.R_RISCV, location, address uint64) error {
	switch typ {
	case elf.R_RISCV_NONE, elf.R_RISCV_ALIGN, elf.R_RISCV_RELAX:
		return nil

	case elf.R_RISCV_32:
		if address != uint64(uint32(address)) {
			return overflowErr(typ, address)
		}
		return write32(mem, location, uint32(address))

	case elf.R_RISCV_64:
		return write64(mem, location, address)

	case elf.R_RISCV_32_PCREL:
		return write32(mem, location, uint32(int64(address)-int64(location)))

	case elf.R_RISCV_BRANCH:
		offset := int64(address) - int64(location)
		if offset&1 != 0 {
			return fmt.Errorf("%w: %v offset %#x", ErrUnaligned, typ, offset)
		}
		if !signedImmCheck(offset, 13) {
			return overflowErr(typ, uint64(offset))
		}
		insn, err := read32(mem, location)
		if err != nil {
			return err
		}
		return write32(mem, location, riscvEncodeBType(insn, int32(offset)))

	case elf.R_RISCV_JAL:
		offset := int64(address) - int64(location)
		if offset&1 != 0 {
			return fmt.Errorf("%w: %v offset %#x", ErrUnaligned, typ, offset)
		}
		if !signedImmCheck(offset, 21) {
			return overflowErr(typ, uint64(offset))
		}
		insn, err := read32(mem, location)
		if err != nil {
			return err
		}
		return write32(mem, location, riscvEncodeJType(insn, int32(offset)))

	case elf.R_RISCV_RVC_BRANCH:
		offset := int64(address) - int64(location)
		if offset&1 != 0 {
			return fmt.Errorf("%w: %v offset %#x", ErrUnaligned, typ, offset)
		}
		if !signedImmCheck(offset, 9) {
			return overflowErr(typ, uint64(offset))
		}
		insn, err := read16(mem, location)
		if err != nil {
			return err
		}
		return write16(mem, location, riscvEncodeCBType(insn, int32(offset)))

	case elf.R_RISCV_RVC_JUMP:
		offset := int64(address) - int64(location)
		if offset&1 != 0 {
			return fmt.Errorf("%w: %v offset %#x", ErrUnaligned, typ, offset)
		}
		if !signedImmCheck(offset, 12) {
			return overflowErr(typ, uint64(offset))
		}
		insn, err := read16(mem, location)
		if err != nil {
			return err
		}
		return write16(mem, location, riscvEncodeCJType(insn, int32(offset)))

	case elf.R_RISCV_PCREL_HI20:
		offset := int64(address) - int64(location)
		if !riscvValid32BitOffset(offset) {
			return overflowErr(typ, uint64(offset))
		}
		return riscvRelocHi20(mem, location, offset)

	case elf.R_RISCV_HI20:
		value := int64(address)
		if !riscvValid32BitOffset(value) {
			return overflowErr(typ, address)
		}
		return riscvRelocHi20(mem, location, value)

	case elf.R_RISCV_LO12_I:
		return riscvRelocLo12(mem, false, location, int64(address))

	case elf.R_RISCV_LO12_S:
		return riscvRelocLo12(mem, true, location, int64(address))

	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		// AUIPC at the location, JALR in the following word.
		offset := int64(address) - int64(location)
		if !riscvValid32BitOffset(offset) {
			return overflowErr(typ, uint64(offset))
		}
		if err := riscvRelocHi20(mem, location, offset); err != nil {
			return err
		}
		return riscvRelocLo12(mem, false, location+4, offset)

	case elf.R_RISCV_ADD8:
		return riscvAccumulate(mem, location, 1, int64(address))
	case elf.R_RISCV_ADD16:
		return riscvAccumulate(mem, location, 2, int64(address))
	case elf.R_RISCV_ADD32:
		return riscvAccumulate(mem, location, 4, int64(address))
	case elf.R_RISCV_ADD64:
		return riscvAccumulate(mem, location, 8, int64(address))
	case elf.R_RISCV_SUB8:
		return riscvAccumulate(mem, location, 1, -int64(address))
	case elf.R_RISCV_SUB16:
		return riscvAccumulate(mem, location, 2, -int64(address))
	case elf.R_RISCV_SUB32:
		return riscvAccumulate(mem, location, 4, -int64(address))
	case elf.R_RISCV_SUB64:
		return riscvAccumulate(mem, location, 8, -int64(address))

	case elf.R_RISCV_SET6:
		b, err := mem.Slice(location, 1)
		if err != nil {
			return err
		}
		b[0] = b[0]&0xc0 | byte(address)&0x3f
		return nil

	case elf.R_RISCV_SUB6:
		b, err := mem.Slice(location, 1)
		if err != nil {
			return err
		}
		b[0] = b[0]&0xc0 | (b[0]-byte(address))&0x3f
		return nil

	case elf.R_RISCV_SET8:
		return write8(mem, location, uint8(address))
	case elf.R_RISCV_SET16:
		return write16(mem, location, uint16(address))
	case elf.R_RISCV_SET32:
		return write32(mem, location, uint32(address))

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, typ)
	}
}

// riscvValid32BitOffset reports whether the value can be materialised by an
// AUIPC/LUI + 12-bit pair, accounting for the +0x800 carry.
func riscvValid32BitOffset(offset int64) bool {
	adjusted := offset + 0x800
	return adjusted == int64(int32(adjusted))
}

func riscvRelocHi20(mem Memory, location uint64, value int64) error {
	insn, err := read32(mem, location)
	if err != nil {
		return err
	}

	hi20 := uint32(value+0x800) & 0xfffff000
	return write32(mem, location, insn&0xfff|hi20)
}

// riscvRelocLo12 encodes the low part of a HI20/LO12 pair: the remainder of
// the value after the sign-adjusted high part, in I- or S-format.
func riscvRelocLo12(mem Memory, sType bool, location uint64, value int64) error {
	hi := (value + 0x800) &^ 0xfff
	lo := uint32(value-hi) & 0xfff

	insn, err := read32(mem, location)
	if err != nil {
		return err
	}

	if sType {
		insn &^= uint32(0x7f)<<25 | uint32(0x1f)<<7
		insn |= (lo>>5)<<25 | (lo&0x1f)<<7
	} else {
		insn &^= uint32(0xfff) << 20
		insn |= lo << 20
	}

	return write32(mem, location, insn)
}

func riscvAccumulate(mem Memory, location uint64, width int, delta int64) error {
	dst, err := mem.Slice(location, width)
	if err != nil {
		return err
	}

	var current uint64
	for i := width - 1; i >= 0; i-- {
		current = current<<8 | uint64(dst[i])
	}

	current += uint64(delta)

	for i := 0; i < width; i++ {
		dst[i] = byte(current >> (8 * i))
	}

	return nil
}

// riscvEncodeBType packs a 13-bit branch offset (bit 0 implicit) into a
// B-format instruction.
func riscvEncodeBType(insn uint32, offset int32) uint32 {
	imm := uint32(offset)
	insn &^= uint32(1)<<31 | uint32(0x3f)<<25 | uint32(0xf)<<8 | uint32(1)<<7
	insn |= (imm >> 12 & 1) << 31
	insn |= (imm >> 5 & 0x3f) << 25
	insn |= (imm >> 1 & 0xf) << 8
	insn |= (imm >> 11 & 1) << 7
	return insn
}

// riscvEncodeJType packs a 21-bit jump offset into a J-format instruction.
func riscvEncodeJType(insn uint32, offset int32) uint32 {
	imm := uint32(offset)
	insn &^= uint32(0xfffff) << 12
	insn |= (imm >> 20 & 1) << 31
	insn |= (imm >> 1 & 0x3ff) << 21
	insn |= (imm >> 11 & 1) << 20
	insn |= (imm >> 12 & 0xff) << 12
	return insn
}

// riscvEncodeCBType packs a 9-bit compressed-branch offset.
func riscvEncodeCBType(insn uint16, offset int32) uint16 {
	imm := uint32(offset)
	insn &^= 1<<12 | 3<<10 | 0x1f<<2
	insn |= uint16(imm>>8&1) << 12
	insn |= uint16(imm>>3&3) << 10
	insn |= uint16(imm>>6&3) << 5
	insn |= uint16(imm>>1&3) << 3
	insn |= uint16(imm>>5&1) << 2
	return insn
}

// riscvEncodeCJType packs a 12-bit compressed-jump offset.
func riscvEncodeCJType(insn uint16, offset int32) uint16 {
	imm := uint32(offset)
	insn &^= 0x7ff << 2
	insn |= uint16(imm>>11&1) << 12
	insn |= uint16(imm>>4&1) << 11
	insn |= uint16(imm>>8&3) << 9
	insn |= uint16(imm>>10&1) << 8
	insn |= uint16(imm>>6&1) << 7
	insn |= uint16(imm>>7&1) << 6
	insn |= uint16(imm>>1&7) << 3
	insn |= uint16(imm>>5&1) << 2
	return insn
}
