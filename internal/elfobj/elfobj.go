// Package elfobj reads relocatable 64-bit ELF objects: it validates the
// header against the set of machines the loader supports and exposes the
// section table, the primary symbol table and the raw rela entries of
// SHT_RELA sections.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"
)

// RelaEntrySize is the size of an Elf64_Rela entry; relocation sections with
// any other entry size are rejected.
const RelaEntrySize = 24

var (
	ErrNot64Bit           = errors.New("ELF file is not 64-bit little-endian")
	ErrNotRelocatable     = errors.New("ELF file is not a relocatable object")
	ErrUnsupportedMachine = errors.New("unsupported ELF machine type")
	ErrRelNotSupported    = errors.New("REL relocation sections are not supported (RELA only)")
	ErrBadRelaEntrySize   = errors.New("relocation section entry size is not 24 bytes")
	ErrNotRelaSection     = errors.New("section is not a RELA relocation section")

	errSectionOutOfRange = errors.New("section data exceeds bounds of file")
)

// Section describes one section header. Addr is the only mutable field: the
// loader's layout step assigns it exactly once for allocatable sections.
type Section struct {
	Index   int
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Size    uint64
	Offset  uint64
	Align   uint64
	Link    uint32
	Info    uint32
	Entsize uint64

	// Addr is the section's runtime address once laid out, zero before.
	Addr uint64
}

// Symbol is one entry of the primary symbol table.
type Symbol struct {
	Name    string
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
}

// Rela is one Elf64_Rela entry.
type Rela struct {
	Off    uint64 `struc:"uint64,little"`
	Info   uint64 `struc:"uint64,little"`
	Addend int64  `struc:"int64,little"`
}

// Type returns the relocation kind from the entry's info field.
func (r Rela) Type() uint32 {
	return uint32(r.Info & 0xffffffff)
}

// Sym returns the symbol table index from the entry's info field.
func (r Rela) Sym() int {
	return int(r.Info >> 32)
}

// File is a validated relocatable object.
type File struct {
	Machine  elf.Machine
	Sections []*Section

	data []byte
	file *elf.File
}

// Open parses and validates data as a 64-bit little-endian relocatable ELF
// object for one of the supported machines.
func Open(data []byte) (*File, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read ELF file: %w", err)
	}

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return nil, ErrNot64Bit
	}

	if f.Type != elf.ET_REL {
		return nil, ErrNotRelocatable
	}

	switch f.Machine {
	case elf.EM_X86_64, elf.EM_AARCH64, elf.EM_RISCV, elf.EM_LOONGARCH:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMachine, f.Machine)
	}

	sections := make([]*Section, 0, len(f.Sections))
	for i, s := range f.Sections {
		if s.Type == elf.SHT_REL {
			return nil, fmt.Errorf("section '%s': %w", s.Name, ErrRelNotSupported)
		}

		if s.Type == elf.SHT_RELA && s.Entsize != RelaEntrySize {
			return nil, fmt.Errorf("section '%s': %w", s.Name, ErrBadRelaEntrySize)
		}

		sections = append(sections, &Section{
			Index:   i,
			Name:    s.Name,
			Type:    s.Type,
			Flags:   s.Flags,
			Size:    s.Size,
			Offset:  s.Offset,
			Align:   s.Addralign,
			Link:    s.Link,
			Info:    s.Info,
			Entsize: s.Entsize,
		})
	}

	return &File{
		Machine:  f.Machine,
		Sections: sections,
		data:     data,
		file:     f,
	}, nil
}

// SectionByName returns the first section with the given name.
func (f *File) SectionByName(name string) (*Section, bool) {
	for _, s := range f.Sections {
		if s.Name == name {
			return s, true
		}
	}

	return nil, false
}

// SectionData returns the file bytes of the section. NOBITS sections carry no
// file bytes and yield an empty slice.
func (f *File) SectionData(s *Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}

	if s.Offset+s.Size < s.Offset || s.Offset+s.Size > uint64(len(f.data)) {
		return nil, fmt.Errorf("section '%s': %w", s.Name, errSectionOutOfRange)
	}

	return f.data[s.Offset : s.Offset+s.Size], nil
}

// Symbols returns the primary symbol table, including the null symbol at
// index 0 that [elf.File.Symbols] omits.
func (f *File) Symbols() ([]Symbol, error) {
	syms, err := f.file.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return []Symbol{{}}, nil
		}

		return nil, fmt.Errorf("failed to get symbols in file: %w", err)
	}

	out := make([]Symbol, 0, len(syms)+1)
	out = append(out, Symbol{})

	for _, s := range syms {
		out = append(out, Symbol{
			Name:    s.Name,
			Section: s.Section,
			Value:   s.Value,
			Size:    s.Size,
			Bind:    elf.ST_BIND(s.Info),
		})
	}

	return out, nil
}

// RelaEntries decodes every rela entry of the given SHT_RELA section.
func (f *File) RelaEntries(s *Section) ([]Rela, error) {
	if s.Type != elf.SHT_RELA {
		return nil, fmt.Errorf("section '%s': %w", s.Name, ErrNotRelaSection)
	}

	data, err := f.SectionData(s)
	if err != nil {
		return nil, err
	}

	reader := bytes.NewReader(data)
	entries := make([]Rela, len(data)/RelaEntrySize)

	for i := range entries {
		if err := struc.UnpackWithOptions(reader, &entries[i], &struc.Options{Order: binary.LittleEndian}); err != nil {
			return nil, fmt.Errorf("failed to unpack Rela64 entry at index %d in %s: %w", i, s.Name, err)
		}
	}

	return entries, nil
}
