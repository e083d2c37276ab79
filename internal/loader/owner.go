package loader

import (
	"fmt"

	"github.com/davejbax/kmodld/internal/mem"
)

type allocSection struct {
	name   string
	region mem.Region
	size   int
	perms  mem.Perm
}

// SectionInfo describes one allocated section of a loaded module.
type SectionInfo struct {
	Name  string
	Addr  uint64
	Size  int
	Perms mem.Perm
}

// Owner is the value returned from a successful load. It owns every
// allocated section; closing it releases them all. The captured init and
// exit entry points are each consumable at most once.
type Owner struct {
	name     string
	info     *ModuleInfo
	sections []*allocSection
	record   *ModuleRecord

	initTaken bool
	exitTaken bool
	closed    bool
}

// Name returns the module's name from its modinfo.
func (o *Owner) Name() string {
	return o.name
}

// Info returns the module's modinfo key/value pairs.
func (o *Owner) Info() *ModuleInfo {
	return o.info
}

// Sections describes the allocated sections in layout order.
func (o *Owner) Sections() []SectionInfo {
	infos := make([]SectionInfo, 0, len(o.sections))
	for _, s := range o.sections {
		infos = append(infos, SectionInfo{
			Name:  s.name,
			Addr:  s.region.Addr(),
			Size:  s.size,
			Perms: s.region.Perm(),
		})
	}

	return infos
}

// Record returns the module's this_module record.
func (o *Owner) Record() *ModuleRecord {
	return o.record
}

// TakeInit returns the module's init entry point. It can be taken exactly
// once, and only if the module declared one.
func (o *Owner) TakeInit() (uint64, error) {
	if o.initTaken || o.record == nil || o.record.Init == 0 {
		return 0, fmt.Errorf("%w: the init entry point was already taken or is not declared", ErrInvalidOperation)
	}

	o.initTaken = true
	return o.record.Init, nil
}

// TakeExit returns the module's exit entry point. It can be taken exactly
// once, and only if the module declared one.
func (o *Owner) TakeExit() (uint64, error) {
	if o.exitTaken || o.record == nil || o.record.Exit == 0 {
		return 0, fmt.Errorf("%w: the exit entry point was already taken or is not declared", ErrInvalidOperation)
	}

	o.exitTaken = true
	return o.record.Exit, nil
}

// Close releases every section the module owns. It is safe to call more than
// once.
func (o *Owner) Close() {
	if o.closed {
		return
	}

	o.closed = true

	for _, s := range o.sections {
		s.region.Free()
	}
}

func (o *Owner) addressSpace() *addressSpace {
	return &addressSpace{sections: o.sections}
}

// addressSpace maps runtime addresses back to the owner's regions; it is the
// relocation engines' window onto module memory.
type addressSpace struct {
	sections []*allocSection
}

func (a *addressSpace) Slice(addr uint64, size int) ([]byte, error) {
	for _, s := range a.sections {
		base := s.region.Addr()
		data := s.region.Bytes()

		if addr >= base && addr-base+uint64(size) <= uint64(len(data)) {
			off := addr - base
			return data[off : off+uint64(size)], nil
		}
	}

	return nil, fmt.Errorf("%w: %#x+%d", errAddressOutsideModule, addr, size)
}
