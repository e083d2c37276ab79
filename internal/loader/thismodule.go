package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

const thisModuleSection = ".gnu.linkonce.this_module"

// ModuleRecordSize is the size of the this_module record the module build
// tooling emits. The section must be exactly this large.
const ModuleRecordSize = 560

// ModuleRecord is the module's this_module structure, read from relocated
// module memory. Only the leading fields are interpreted by the loader; the
// trailing reserved area is state the running module maintains for itself.
type ModuleRecord struct {
	State uint32 `struc:"uint32,little"`
	Pad0  []byte `struc:"[4]pad"`

	// List holds the module list linkage pointers; the loader never follows
	// them.
	List []byte `struc:"[16]pad"`
	Name []byte `struc:"[56]byte"`

	// Init and Exit are the entry point addresses, zero when absent.
	Init uint64 `struc:"uint64,little"`
	Exit uint64 `struc:"uint64,little"`

	// Params is the address of the module's kernel_param descriptor table,
	// NumParams its entry count.
	Params    uint64 `struc:"uint64,little"`
	NumParams uint32 `struc:"uint32,little"`
	Pad1      []byte `struc:"[4]pad"`

	// Reserved covers the module state the record carries for the running
	// module itself; the loader leaves it alone.
	Reserved []byte `struc:"[448]pad"`
}

// readThisModule locates the module record section and reads the record from
// its now-relocated memory, capturing the entry points into the owner.
func (l *Loader) readThisModule(owner *Owner) error {
	section, ok := l.file.SectionByName(thisModuleSection)
	if !ok {
		return fmt.Errorf("%w: no %s section", ErrInvalidELF, thisModuleSection)
	}

	if section.Size != ModuleRecordSize {
		return fmt.Errorf("%w: %s section is %d bytes, expected %d",
			ErrInvalidELF, thisModuleSection, section.Size, ModuleRecordSize)
	}

	if section.Addr == 0 {
		return fmt.Errorf("%w: %s section was not allocated", ErrInvalidELF, thisModuleSection)
	}

	data, err := owner.addressSpace().Slice(section.Addr, ModuleRecordSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidELF, err)
	}

	record := &ModuleRecord{}
	if err := struc.UnpackWithOptions(bytes.NewReader(data), record, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return fmt.Errorf("%w: failed to unpack %s record: %w", ErrInvalidELF, thisModuleSection, err)
	}

	owner.record = record
	return nil
}
