package arch

import (
	"fmt"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// sliceMem is a flat window of fake module memory for engine tests.
type sliceMem struct {
	base uint64
	data []byte
}

func newSliceMem(base uint64, size int) *sliceMem {
	return &sliceMem{base: base, data: make([]byte, size)}
}

func (m *sliceMem) Slice(addr uint64, size int) ([]byte, error) {
	if addr < m.base || addr-m.base+uint64(size) > uint64(len(m.data)) {
		return nil, fmt.Errorf("address %#x+%d outside test memory", addr, size)
	}

	off := addr - m.base
	return m.data[off : off+uint64(size)], nil
}

func rela(off uint64, sym int, typ uint32, addend int64) elfobj.Rela {
	return elfobj.Rela{Off: off, Info: uint64(sym)<<32 | uint64(typ), Addend: addend}
}
