// Package elftest assembles small relocatable ELF64 objects in memory for
// tests. It is not a general-purpose writer: one symbol table with its string
// table, little-endian only.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Section is a section to place in the built object. For SHT_NOBITS sections
// leave Data nil and set Size.
type Section struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Data    []byte
	Size    uint64
	Link    uint32
	Info    uint32
	Entsize uint64
	Align   uint64
}

// Sym is one symbol table entry; the null symbol is added automatically.
type Sym struct {
	Name  string
	Bind  elf.SymBind
	Type  elf.SymType
	Shndx uint16
	Value uint64
	Size  uint64
}

// Rela packs one Elf64_Rela entry.
func Rela(off uint64, sym uint32, typ uint32, addend int64) []byte {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:], off)
	binary.LittleEndian.PutUint64(b[8:], uint64(sym)<<32|uint64(typ))
	binary.LittleEndian.PutUint64(b[16:], uint64(addend))
	return b[:]
}

type strtab struct {
	buf bytes.Buffer
}

func newStrtab() *strtab {
	s := &strtab{}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}

	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

// Build assembles an ET_REL object. User sections keep their given order
// starting at section index 1; .symtab, .strtab and .shstrtab are appended
// after them. Pass the resulting indices via Section.Info / Sym.Shndx as
// needed (index 0 is the null section).
func Build(machine elf.Machine, sections []Section, syms []Sym) []byte {
	const (
		ehsize  = 64
		shentsz = 64
	)

	symstr := newStrtab()
	symtab := &bytes.Buffer{}
	symtab.Write(make([]byte, 24)) // null symbol

	for _, sym := range syms {
		var ent [24]byte
		binary.LittleEndian.PutUint32(ent[0:], symstr.add(sym.Name))
		ent[4] = byte(sym.Bind)<<4 | byte(sym.Type)&0xf
		binary.LittleEndian.PutUint16(ent[6:], sym.Shndx)
		binary.LittleEndian.PutUint64(ent[8:], sym.Value)
		binary.LittleEndian.PutUint64(ent[16:], sym.Size)
		symtab.Write(ent[:])
	}

	symtabIndex := uint32(len(sections) + 1)
	strtabIndex := symtabIndex + 1

	all := make([]Section, 0, len(sections)+3)
	all = append(all, sections...)
	all = append(all,
		Section{Name: ".symtab", Type: elf.SHT_SYMTAB, Data: symtab.Bytes(), Link: strtabIndex, Info: 1, Entsize: 24, Align: 8},
		Section{Name: ".strtab", Type: elf.SHT_STRTAB, Data: symstr.buf.Bytes(), Align: 1},
	)

	shstr := newStrtab()
	nameOffs := make([]uint32, len(all)+1)
	for i, s := range all {
		nameOffs[i] = shstr.add(s.Name)
	}
	nameOffs[len(all)] = shstr.add(".shstrtab")
	all = append(all, Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Data: shstr.buf.Bytes(), Align: 1})

	// Lay out section data after the ELF header, 8-aligned.
	offset := uint64(ehsize)
	offsets := make([]uint64, len(all))
	for i, s := range all {
		offset = (offset + 7) &^ 7
		offsets[i] = offset
		if s.Type != elf.SHT_NOBITS {
			offset += uint64(len(s.Data))
		}
	}

	shoff := (offset + 7) &^ 7
	shnum := uint16(len(all) + 1)

	out := &bytes.Buffer{}

	var ehdr [ehsize]byte
	copy(ehdr[0:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(ehdr[16:], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(ehdr[18:], uint16(machine))
	binary.LittleEndian.PutUint32(ehdr[20:], 1)
	binary.LittleEndian.PutUint64(ehdr[40:], shoff)
	binary.LittleEndian.PutUint16(ehdr[52:], ehsize)
	binary.LittleEndian.PutUint16(ehdr[58:], shentsz)
	binary.LittleEndian.PutUint16(ehdr[60:], shnum)
	binary.LittleEndian.PutUint16(ehdr[62:], shnum-1) // .shstrtab is last
	out.Write(ehdr[:])

	for i, s := range all {
		for uint64(out.Len()) < offsets[i] {
			out.WriteByte(0)
		}
		if s.Type != elf.SHT_NOBITS {
			out.Write(s.Data)
		}
	}

	for uint64(out.Len()) < shoff {
		out.WriteByte(0)
	}

	// Null section header.
	out.Write(make([]byte, shentsz))

	for i, s := range all {
		size := s.Size
		if s.Type != elf.SHT_NOBITS {
			size = uint64(len(s.Data))
		}

		align := s.Align
		if align == 0 {
			align = 1
		}

		var shdr [shentsz]byte
		binary.LittleEndian.PutUint32(shdr[0:], nameOffs[i])
		binary.LittleEndian.PutUint32(shdr[4:], uint32(s.Type))
		binary.LittleEndian.PutUint64(shdr[8:], uint64(s.Flags))
		binary.LittleEndian.PutUint64(shdr[24:], offsets[i])
		binary.LittleEndian.PutUint64(shdr[32:], size)
		binary.LittleEndian.PutUint32(shdr[40:], s.Link)
		binary.LittleEndian.PutUint32(shdr[44:], s.Info)
		binary.LittleEndian.PutUint64(shdr[48:], align)
		binary.LittleEndian.PutUint64(shdr[56:], s.Entsize)
		out.Write(shdr[:])
	}

	return out.Bytes()
}
