package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// errNonzeroTarget indicates relocation destination bytes that were not zero.
var errNonzeroTarget = errors.New("existing value at relocation target is nonzero")

// x8664 applies the x86-64 RELA kinds used by kernel-style objects. Before a
// write it requires the destination bytes to be zero: a nonzero value means
// the object was already relocated or is malformed.
type x8664 struct{}

var _ Relocator = x8664{}

func (x8664) Apply(mem Memory, entries []elfobj.Rela, syms []Symbol, base uint64) error {
	for i, rel := range entries {
		sym, target, err := resolveTarget(syms, rel)
		if err != nil {
			return fmt.Errorf("rela entry %d: %w", i, err)
		}

		if err := x8664Relocate(mem, elf.R_X86_64(rel.Type()), base+rel.Off, target); err != nil {
			return fmt.Errorf("%s: %w", sym.Name, err)
		}
	}

	return nil
}

func x8664Relocate(mem Memory, typ elf.R_X86_64, location, value uint64) error {
	var size int

	switch typ {
	case elf.R_X86_64_NONE:
		return nil

	case elf.R_X86_64_64:
		size = 8

	case elf.R_X86_64_32:
		if value != uint64(uint32(value)) {
			return overflowErr(typ, value)
		}
		size = 4

	case elf.R_X86_64_32S:
		if int64(value) != int64(int32(value)) {
			return overflowErr(typ, value)
		}
		size = 4

	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		value -= location
		if int64(value) != int64(int32(value)) {
			return overflowErr(typ, value)
		}
		size = 4

	case elf.R_X86_64_PC64:
		value -= location
		size = 8

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedKind, typ)
	}

	dst, err := mem.Slice(location, size)
	if err != nil {
		return err
	}

	for _, b := range dst {
		if b != 0 {
			return fmt.Errorf("%w: location %#x, type %v", errNonzeroTarget, location, typ)
		}
	}

	switch size {
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(dst, value)
	}

	return nil
}
