package kparam

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// maxStringLen bounds the length of a string parameter value.
const maxStringLen = 1024

type signed interface {
	~int8 | ~int16 | ~int32 | ~int64
}

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Integer values auto-detect their base: 0x means hex, a leading 0 octal,
// anything else decimal; strconv's base-0 mode implements that, and also
// accepts 0b/0o prefixes and '_' digit separators.

func newIntOps[T signed](bits int) *Ops {
	return &Ops{
		Set: func(val string, p *Param) error {
			v, err := strconv.ParseInt(strings.TrimSpace(val), 0, bits)
			if err != nil {
				return unix.EINVAL
			}

			*p.Arg.(*T) = T(v)
			return nil
		},
		Get: func(p *Param) (string, error) {
			return fmt.Sprintf("%d\n", *p.Arg.(*T)), nil
		},
	}
}

func newUintOps[T unsigned](bits int) *Ops {
	return &Ops{
		Set: func(val string, p *Param) error {
			v, err := strconv.ParseUint(strings.TrimSpace(val), 0, bits)
			if err != nil {
				return unix.EINVAL
			}

			*p.Arg.(*T) = T(v)
			return nil
		},
		Get: func(p *Param) (string, error) {
			return fmt.Sprintf("%d\n", *p.Arg.(*T)), nil
		},
	}
}

var (
	OpsByte   = newUintOps[uint8](8)
	OpsShort  = newIntOps[int16](16)
	OpsUshort = newUintOps[uint16](16)
	OpsInt    = newIntOps[int32](32)
	OpsUint   = newUintOps[uint32](32)
	OpsLong   = newIntOps[int64](64)
	OpsUlong  = newUintOps[uint64](64)
	OpsUllong = newUintOps[uint64](64)

	// OpsHexint parses like OpsUint and formats in fixed-width hex.
	OpsHexint = &Ops{
		Set: newUintOps[uint32](32).Set,
		Get: func(p *Param) (string, error) {
			return fmt.Sprintf("%#08x\n", *p.Arg.(*uint32)), nil
		},
	}

	// OpsBool accepts y/Y/1 and n/N/0; a bare parameter name means true.
	OpsBool = &Ops{
		Flags: FlagNoArg,
		Set: func(val string, p *Param) error {
			switch strings.TrimSpace(val) {
			case "y", "Y", "1", "":
				*p.Arg.(*bool) = true
			case "n", "N", "0":
				*p.Arg.(*bool) = false
			default:
				return unix.EINVAL
			}
			return nil
		},
		Get: func(p *Param) (string, error) {
			if *p.Arg.(*bool) {
				return "1\n", nil
			}
			return "0\n", nil
		},
	}

	// OpsString stores a copy of the value, replacing (and thereby
	// releasing) any previously stored string.
	OpsString = &Ops{
		Set: func(val string, p *Param) error {
			if len(val) > maxStringLen {
				return unix.ENOSPC
			}

			if strings.IndexByte(val, 0) >= 0 {
				return unix.EINVAL
			}

			*p.Arg.(*string) = val
			return nil
		},
		Get: func(p *Param) (string, error) {
			return *p.Arg.(*string) + "\n", nil
		},
		Free: func(p *Param) {
			*p.Arg.(*string) = ""
		},
	}
)
