package arch

import (
	"debug/elf"
	"fmt"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// loongarch64 applies LoongArch RELA kinds: direct data edits, the PCALA
// page-pair instruction kinds, and the SOP stack-machine family, which
// evaluates expressions on a small per-section stack before popping results
// into immediate fields. GOT and PLT synthesis is not supported; kinds that
// demand an entry fail the load.
type loongarch64 struct{}

var _ Relocator = loongarch64{}

const (
	larchRelaStackDepth = 16
	larchSZ128M         = int64(0x08000000)
)

var (
	errLarchStackOverflow  = fmt.Errorf("%w: relocation stack overflow", ErrOverflow)
	errLarchStackUnderflow = fmt.Errorf("%w: relocation stack underflow", ErrOverflow)
	errLarchStackResidue   = fmt.Errorf("%w: relocation stack not empty at section boundary", ErrOverflow)
)

// larchStack is the expression stack the SOP relocations evaluate against.
// It is scoped to one relocation section and must be empty at the boundary.
type larchStack struct {
	values [larchRelaStackDepth]int64
	top    int
}

func (s *larchStack) push(value int64) error {
	if s.top >= larchRelaStackDepth {
		return errLarchStackOverflow
	}

	s.values[s.top] = value
	s.top++
	return nil
}

func (s *larchStack) pop() (int64, error) {
	if s.top == 0 {
		return 0, errLarchStackUnderflow
	}

	s.top--
	return s.values[s.top], nil
}

func (loongarch64) Apply(mem Memory, entries []elfobj.Rela, syms []Symbol, base uint64) error {
	stack := &larchStack{}

	for i, rel := range entries {
		sym, target, err := resolveTarget(syms, rel)
		if err != nil {
			return fmt.Errorf("rela entry %d: %w", i, err)
		}

		if err := larchRelocate(mem, elf.R_LARCH(rel.Type()), base+rel.Off, target, stack); err != nil {
			return fmt.Errorf("%s: %w", sym.Name, err)
		}
	}

	if stack.top != 0 {
		return errLarchStackResidue
	}

	return nil
}

func larchRelocate(mem Memory, typ elf.R_LARCH, location, address uint64, stack *larchStack) error {
	switch typ {
	case elf.R_LARCH_NONE, elf.R_LARCH_MARK_LA, elf.R_LARCH_MARK_PCREL:
		return nil

	case elf.R_LARCH_32:
		return write32(mem, location, uint32(address))

	case elf.R_LARCH_64:
		return write64(mem, location, address)

	case elf.R_LARCH_32_PCREL:
		return write32(mem, location, uint32(int64(address)-int64(location)))

	case elf.R_LARCH_64_PCREL:
		return write64(mem, location, uint64(int64(address)-int64(location)))

	case elf.R_LARCH_ADD8, elf.R_LARCH_ADD16, elf.R_LARCH_ADD24, elf.R_LARCH_ADD32, elf.R_LARCH_ADD64,
		elf.R_LARCH_SUB8, elf.R_LARCH_SUB16, elf.R_LARCH_SUB24, elf.R_LARCH_SUB32, elf.R_LARCH_SUB64:
		return larchAddSub(mem, typ, location, address)

	case elf.R_LARCH_B26:
		return larchB26(mem, typ, location, address)

	case elf.R_LARCH_PCALA_HI20, elf.R_LARCH_PCALA_LO12, elf.R_LARCH_PCALA64_LO20, elf.R_LARCH_PCALA64_HI12:
		return larchPcala(mem, typ, location, address)

	case elf.R_LARCH_GOT_PC_HI20, elf.R_LARCH_GOT_PC_LO12:
		return fmt.Errorf("%w: %v requires a GOT entry and GOT synthesis is not supported", ErrUnsupportedKind, typ)

	case elf.R_LARCH_SOP_PUSH_PCREL:
		return stack.push(int64(address) - int64(location))

	case elf.R_LARCH_SOP_PUSH_PLT_PCREL:
		offset := int64(address) - int64(location)
		if offset < -larchSZ128M || offset >= larchSZ128M {
			return fmt.Errorf("%w: %v target %#x out of range and PLT synthesis is not supported", ErrUnsupportedKind, typ, address)
		}
		return stack.push(offset)

	case elf.R_LARCH_SOP_PUSH_ABSOLUTE:
		return stack.push(int64(address))

	case elf.R_LARCH_SOP_PUSH_DUP:
		value, err := stack.pop()
		if err != nil {
			return err
		}
		if err := stack.push(value); err != nil {
			return err
		}
		return stack.push(value)

	case elf.R_LARCH_SOP_ASSERT:
		value, err := stack.pop()
		if err != nil {
			return err
		}
		if value == 0 {
			return fmt.Errorf("%w: SOP assertion failed at %#x", ErrOverflow, location)
		}
		return nil

	case elf.R_LARCH_SOP_NOT:
		value, err := stack.pop()
		if err != nil {
			return err
		}
		if value == 0 {
			return stack.push(1)
		}
		return stack.push(0)

	case elf.R_LARCH_SOP_AND, elf.R_LARCH_SOP_ADD, elf.R_LARCH_SOP_SUB,
		elf.R_LARCH_SOP_SL, elf.R_LARCH_SOP_SR, elf.R_LARCH_SOP_IF_ELSE:
		return larchSop(typ, stack)

	case elf.R_LARCH_SOP_POP_32_S_10_5, elf.R_LARCH_SOP_POP_32_U_10_12,
		elf.R_LARCH_SOP_POP_32_S_10_12, elf.R_LARCH_SOP_POP_32_S_10_16,
		elf.R_LARCH_SOP_POP_32_S_10_16_S2, elf.R_LARCH_SOP_POP_32_S_5_20,
		elf.R_LARCH_SOP_POP_32_S_0_5_10_16_S2, elf.R_LARCH_SOP_POP_32_S_0_10_10_16_S2,
		elf.R_LARCH_SOP_POP_32_U:
		return larchSopImmField(mem, typ, location, stack)

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, typ)
	}
}

// larchAddSub reads the current in-place value at the natural width, adds or
// subtracts the relocation target, and writes it back.
func larchAddSub(mem Memory, typ elf.R_LARCH, location, address uint64) error {
	var width int
	sub := false

	switch typ {
	case elf.R_LARCH_ADD8:
		width = 1
	case elf.R_LARCH_ADD16:
		width = 2
	case elf.R_LARCH_ADD24:
		width = 3
	case elf.R_LARCH_ADD32:
		width = 4
	case elf.R_LARCH_ADD64:
		width = 8
	case elf.R_LARCH_SUB8:
		width, sub = 1, true
	case elf.R_LARCH_SUB16:
		width, sub = 2, true
	case elf.R_LARCH_SUB24:
		width, sub = 3, true
	case elf.R_LARCH_SUB32:
		width, sub = 4, true
	case elf.R_LARCH_SUB64:
		width, sub = 8, true
	}

	dst, err := mem.Slice(location, width)
	if err != nil {
		return err
	}

	var current uint64
	for i := width - 1; i >= 0; i-- {
		current = current<<8 | uint64(dst[i])
	}

	if sub {
		current -= address
	} else {
		current += address
	}

	for i := 0; i < width; i++ {
		dst[i] = byte(current >> (8 * i))
	}

	return nil
}

func larchB26(mem Memory, typ elf.R_LARCH, location, address uint64) error {
	offset := int64(address) - int64(location)

	if offset < -larchSZ128M || offset >= larchSZ128M {
		return fmt.Errorf("%w: %v target %#x out of range and PLT synthesis is not supported", ErrUnsupportedKind, typ, address)
	}

	if offset&3 != 0 {
		return fmt.Errorf("%w: %v jump offset %#x", ErrUnaligned, typ, offset)
	}

	if !signedImmCheck(offset, 28) {
		return overflowErr(typ, uint64(offset))
	}

	insn, err := read32(mem, location)
	if err != nil {
		return err
	}

	return write32(mem, location, reg0i26SetImm(insn, uint32(offset>>2)))
}

// larchPcala applies the PC-relative page-pair kinds. HI20 carries the page
// delta; LO12 carries the absolute low 12 bits; the 64-bit extensions carry
// the remainder above bit 32 and bit 52 relative to the HI20 anchor.
func larchPcala(mem Memory, typ elf.R_LARCH, location, address uint64) error {
	insn, err := read32(mem, location)
	if err != nil {
		return err
	}

	// The i32 conversion performs the deliberate sign-extension of the page
	// delta.
	offsetHi20 := int64(int32(((address + 0x800) &^ 0xfff) - (location &^ 0xfff)))
	anchor := int64(location&^0xfff) + offsetHi20
	offsetRem := int64(address) - anchor

	switch typ {
	case elf.R_LARCH_PCALA_LO12:
		insn = reg2i12SetImm(insn, uint32(address)&0xfff)
	case elf.R_LARCH_PCALA_HI20:
		insn = reg1i20SetImm(insn, uint32(offsetHi20>>12)&0xfffff)
	case elf.R_LARCH_PCALA64_LO20:
		insn = reg1i20SetImm(insn, uint32(offsetRem>>32)&0xfffff)
	case elf.R_LARCH_PCALA64_HI12:
		insn = reg2i12SetImm(insn, uint32(offsetRem>>52)&0xfff)
	}

	return write32(mem, location, insn)
}

// larchSop executes one stack operation. IF_ELSE pops three operands (b, a,
// then the condition); the rest pop two.
func larchSop(typ elf.R_LARCH, stack *larchStack) error {
	var opr3 int64
	if typ == elf.R_LARCH_SOP_IF_ELSE {
		var err error
		if opr3, err = stack.pop(); err != nil {
			return err
		}
	}

	opr2, err := stack.pop()
	if err != nil {
		return err
	}

	opr1, err := stack.pop()
	if err != nil {
		return err
	}

	switch typ {
	case elf.R_LARCH_SOP_AND:
		return stack.push(opr1 & opr2)
	case elf.R_LARCH_SOP_ADD:
		return stack.push(opr1 + opr2)
	case elf.R_LARCH_SOP_SUB:
		return stack.push(opr1 - opr2)
	case elf.R_LARCH_SOP_SL:
		return stack.push(opr1 << uint64(opr2))
	case elf.R_LARCH_SOP_SR:
		return stack.push(int64(uint64(opr1) >> uint64(opr2)))
	case elf.R_LARCH_SOP_IF_ELSE:
		if opr1 != 0 {
			return stack.push(opr2)
		}
		return stack.push(opr3)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, typ)
	}
}

// larchSopImmField pops the result of a SOP expression and encodes it into
// the immediate field named by the kind's suffix. U suffixes take an unsigned
// range check, S suffixes a signed one, and S2 suffixes additionally require
// 4-byte alignment and encode the value shifted right by two.
func larchSopImmField(mem Memory, typ elf.R_LARCH, location uint64, stack *larchStack) error {
	opr1, err := stack.pop()
	if err != nil {
		return err
	}

	insn, err := read32(mem, location)
	if err != nil {
		return err
	}

	switch typ {
	case elf.R_LARCH_SOP_POP_32_S_10_5:
		if !signedImmCheck(opr1, 5) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg2i12SetImm5(insn, uint32(opr1))

	case elf.R_LARCH_SOP_POP_32_U_10_12:
		if !unsignedImmCheck(uint64(opr1), 12) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg2i12SetImm(insn, uint32(opr1))

	case elf.R_LARCH_SOP_POP_32_S_10_12:
		if !signedImmCheck(opr1, 12) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg2i12SetImm(insn, uint32(opr1))

	case elf.R_LARCH_SOP_POP_32_S_10_16:
		if !signedImmCheck(opr1, 16) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg2i16SetImm(insn, uint32(opr1))

	case elf.R_LARCH_SOP_POP_32_S_10_16_S2:
		if opr1&3 != 0 {
			return fmt.Errorf("%w: %v value %#x", ErrUnaligned, typ, opr1)
		}
		if !signedImmCheck(opr1, 18) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg2i16SetImm(insn, uint32(opr1>>2))

	case elf.R_LARCH_SOP_POP_32_S_5_20:
		if !signedImmCheck(opr1, 20) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg1i20SetImm(insn, uint32(opr1))

	case elf.R_LARCH_SOP_POP_32_S_0_5_10_16_S2:
		if opr1&3 != 0 {
			return fmt.Errorf("%w: %v value %#x", ErrUnaligned, typ, opr1)
		}
		if !signedImmCheck(opr1, 23) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg1i21SetImm(insn, uint32(opr1>>2))

	case elf.R_LARCH_SOP_POP_32_S_0_10_10_16_S2:
		if opr1&3 != 0 {
			return fmt.Errorf("%w: %v value %#x", ErrUnaligned, typ, opr1)
		}
		if !signedImmCheck(opr1, 28) {
			return overflowErr(typ, uint64(opr1))
		}
		insn = reg0i26SetImm(insn, uint32(opr1>>2))

	case elf.R_LARCH_SOP_POP_32_U:
		if !unsignedImmCheck(uint64(opr1), 32) {
			return overflowErr(typ, uint64(opr1))
		}
		return write32(mem, location, uint32(opr1))
	}

	return write32(mem, location, insn)
}
