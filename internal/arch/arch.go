// Package arch implements the per-architecture relocation engines. Each
// engine applies the rela entries of one relocation section against module
// memory; all memory access goes through the [Memory] view handed in by the
// loader, so the encoders themselves stay pure bit manipulation.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// Memory is the loader's view of the module's allocated regions, addressed by
// runtime address. The returned slices alias module memory; writing through
// them is how relocations land.
type Memory interface {
	Slice(addr uint64, size int) ([]byte, error)
}

// Symbol is a simplified symbol: Value is its final runtime address (or zero
// for an unresolved undefined symbol).
type Symbol struct {
	Name  string
	Value uint64
	Bind  elf.SymBind
}

// Relocator applies every rela entry of one relocation section whose target
// section is based at base. Entries are applied in order; the first failure
// aborts. Errors name the symbol the failing entry referenced.
type Relocator interface {
	Apply(mem Memory, entries []elfobj.Rela, syms []Symbol, base uint64) error
}

var (
	ErrUnsupportedMachine = errors.New("no relocation engine for ELF machine type")

	// ErrUnsupportedKind reports a relocation kind the engine does not
	// implement for the current architecture.
	ErrUnsupportedKind = errors.New("unsupported relocation type")

	// ErrOverflow reports a relocation result that does not fit the
	// destination immediate field or data slot.
	ErrOverflow = errors.New("overflow in relocation")

	// ErrUnaligned reports a relocation value that violates the kind's
	// mandatory alignment.
	ErrUnaligned = errors.New("unaligned relocation value")

	errBadSymbolIndex = errors.New("symbol index out of symbol table range")
)

// For returns the relocation engine for the given machine.
func For(machine elf.Machine) (Relocator, error) {
	switch machine {
	case elf.EM_X86_64:
		return x8664{}, nil
	case elf.EM_AARCH64:
		return aarch64{}, nil
	case elf.EM_RISCV:
		return riscv64{}, nil
	case elf.EM_LOONGARCH:
		return loongarch64{}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMachine, machine)
	}
}

// resolveTarget bounds-checks the entry's symbol index and computes
// S + A with wrapping arithmetic.
func resolveTarget(syms []Symbol, rel elfobj.Rela) (Symbol, uint64, error) {
	idx := rel.Sym()
	if idx >= len(syms) {
		return Symbol{}, 0, fmt.Errorf("%w: %d >= %d", errBadSymbolIndex, idx, len(syms))
	}

	sym := syms[idx]
	return sym, sym.Value + uint64(rel.Addend), nil
}

func overflowErr(kind fmt.Stringer, value uint64) error {
	return fmt.Errorf("%w %v, value %#x", ErrOverflow, kind, value)
}

func read16(m Memory, addr uint64) (uint16, error) {
	b, err := m.Slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func read32(m Memory, addr uint64) (uint32, error) {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func read64(m Memory, addr uint64) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func write8(m Memory, addr uint64, v uint8) error {
	b, err := m.Slice(addr, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func write16(m Memory, addr uint64, v uint16) error {
	b, err := m.Slice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func write32(m Memory, addr uint64, v uint32) error {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func write64(m Memory, addr uint64, v uint64) error {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// signedImmCheck reports whether value fits in a signed immediate of the
// given width.
func signedImmCheck(value int64, bits uint) bool {
	limit := int64(1) << (bits - 1)
	return value >= -limit && value < limit
}

// unsignedImmCheck reports whether value fits in an unsigned immediate of the
// given width.
func unsignedImmCheck(value uint64, bits uint) bool {
	return value < uint64(1)<<bits
}
