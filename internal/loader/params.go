package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// kernelParamRecordSize is the size of one kernel_param descriptor in module
// memory: name pointer, owning-module pointer, ops pointer, permission word,
// level, flags, and the storage pointer.
const kernelParamRecordSize = 40

// DeclaredParam is one entry of the module's parameter descriptor table,
// read from relocated module memory. Ops and Arg are module-side addresses;
// binding host-side setters to them is the host's business.
type DeclaredParam struct {
	Name  string
	Level int16
	Flags uint32
	Ops   uint64
	Arg   uint64
}

// DeclaredParams reads the module's parameter descriptor table, if it
// declared one.
func (o *Owner) DeclaredParams() ([]DeclaredParam, error) {
	if o.record == nil || o.record.Params == 0 || o.record.NumParams == 0 {
		return nil, nil
	}

	space := o.addressSpace()
	params := make([]DeclaredParam, 0, o.record.NumParams)

	for i := uint32(0); i < o.record.NumParams; i++ {
		record, err := space.Slice(o.record.Params+uint64(i)*kernelParamRecordSize, kernelParamRecordSize)
		if err != nil {
			return nil, fmt.Errorf("parameter table entry %d: %w", i, err)
		}

		namePtr := binary.LittleEndian.Uint64(record[0:8])
		opsPtr := binary.LittleEndian.Uint64(record[16:24])
		level := int16(binary.LittleEndian.Uint16(record[26:28]))
		flags := binary.LittleEndian.Uint32(record[28:32])
		arg := binary.LittleEndian.Uint64(record[32:40])

		name, err := space.cstring(namePtr)
		if err != nil {
			return nil, fmt.Errorf("parameter table entry %d name: %w", i, err)
		}

		params = append(params, DeclaredParam{
			Name:  name,
			Level: level,
			Flags: flags,
			Ops:   opsPtr,
			Arg:   arg,
		})
	}

	return params, nil
}

// cstring reads a NUL-terminated string from module memory.
func (a *addressSpace) cstring(addr uint64) (string, error) {
	for _, s := range a.sections {
		base := s.region.Addr()
		data := s.region.Bytes()

		if addr >= base && addr < base+uint64(len(data)) {
			rest := data[addr-base:]
			if i := bytes.IndexByte(rest, 0); i >= 0 {
				return string(rest[:i]), nil
			}

			return "", fmt.Errorf("%w: unterminated string at %#x", errAddressOutsideModule, addr)
		}
	}

	return "", fmt.Errorf("%w: %#x", errAddressOutsideModule, addr)
}
