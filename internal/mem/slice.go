package mem

import (
	"unsafe"

	"github.com/davejbax/kmodld/internal/align"
)

// SliceProvider backs regions with ordinary heap slices. Protect records the
// requested permissions without enforcing them, which makes it suitable for
// tests and for hosts that only want the layout and relocation results, not
// executable memory.
type SliceProvider struct{}

var _ Provider = SliceProvider{}

func (SliceProvider) Alloc(size int) (Region, error) {
	if size <= 0 || size%align.PageSize != 0 {
		return nil, ErrBadSize
	}

	// Over-allocate so the region itself can start on a page boundary.
	raw := make([]byte, size+align.PageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % align.PageSize); rem != 0 {
		off = align.PageSize - rem
	}

	return &sliceRegion{raw: raw, data: raw[off : off+size], perm: Read | Write}, nil
}

type sliceRegion struct {
	raw  []byte
	data []byte
	perm Perm
}

func (r *sliceRegion) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.data[0])))
}

func (r *sliceRegion) Bytes() []byte {
	return r.data
}

func (r *sliceRegion) Protect(p Perm) error {
	r.perm = p
	return nil
}

func (r *sliceRegion) Perm() Perm {
	return r.perm
}

func (r *sliceRegion) Flush() {}

func (r *sliceRegion) Free() {
	r.raw = nil
	r.data = nil
}
