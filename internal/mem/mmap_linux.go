package mem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/davejbax/kmodld/internal/align"
)

// NewProvider returns the best provider for the host platform.
func NewProvider() Provider {
	return MmapProvider{}
}

// MmapProvider allocates regions with anonymous private mappings, so that
// Protect can impose real page-level permissions and loaded code is genuinely
// executable.
type MmapProvider struct{}

var _ Provider = MmapProvider{}

func (MmapProvider) Alloc(size int) (Region, error) {
	if size <= 0 || size%align.PageSize != 0 {
		return nil, ErrBadSize
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", size, err)
	}

	return &mmapRegion{data: data, perm: Read | Write}, nil
}

type mmapRegion struct {
	data []byte
	perm Perm
}

func (r *mmapRegion) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.data[0])))
}

func (r *mmapRegion) Bytes() []byte {
	return r.data
}

func (r *mmapRegion) Protect(p Perm) error {
	prot := unix.PROT_NONE
	if p&Read != 0 {
		prot |= unix.PROT_READ
	}
	if p&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&Exec != 0 {
		prot |= unix.PROT_EXEC
	}

	if err := unix.Mprotect(r.data, prot); err != nil {
		return fmt.Errorf("mprotect to %s failed: %w", p, err)
	}

	r.perm = p
	return nil
}

func (r *mmapRegion) Perm() Perm {
	return r.perm
}

func (r *mmapRegion) Flush() {
	// mprotect transitions serialise instruction fetch on the architectures we
	// load for; there is no separate cache maintenance call to make from
	// userspace.
}

func (r *mmapRegion) Free() {
	if r.data == nil {
		return
	}

	_ = unix.Munmap(r.data)
	r.data = nil
}
