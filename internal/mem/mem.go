// Package mem provides the memory and permission provider consumed by the
// module loader: page-granular, zero-filled, exclusively-owned regions whose
// permissions can be changed after the fact.
package mem

import (
	"debug/elf"
	"errors"
	"strings"
)

// Perm is a section permission set.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

// PermFromFlags derives section permissions from ELF section header flags.
func PermFromFlags(flags elf.SectionFlag) Perm {
	var p Perm
	if flags&elf.SHF_ALLOC != 0 {
		p |= Read
	}
	if flags&elf.SHF_WRITE != 0 {
		p |= Write
	}
	if flags&elf.SHF_EXECINSTR != 0 {
		p |= Exec
	}
	return p
}

func (p Perm) String() string {
	var b strings.Builder
	if p&Read != 0 {
		b.WriteByte('R')
	}
	if p&Write != 0 {
		b.WriteByte('W')
	}
	if p&Exec != 0 {
		b.WriteByte('X')
	}
	return b.String()
}

var ErrBadSize = errors.New("allocation size is not a whole number of pages")

// Region is a page-aligned run of memory owned exclusively by the caller that
// allocated it. Regions start out readable and writable.
type Region interface {
	// Addr returns the runtime address of the first byte of the region.
	Addr() uint64

	// Bytes returns the region's backing memory. Writes through the slice are
	// writes to the region.
	Bytes() []byte

	// Protect changes the region's permissions.
	Protect(p Perm) error

	// Perm returns the region's current permissions.
	Perm() Perm

	// Flush synchronises instruction fetch with prior data writes to the
	// region, on platforms where that is not automatic.
	Flush()

	// Free releases the region. The region must not be used afterwards.
	Free()
}

// Provider allocates regions. Allocated memory is zero-filled.
type Provider interface {
	Alloc(size int) (Region, error)
}
