// Package kparam implements the kernel-style parameter argument surface: a
// tokenizer over a mutable command-line buffer, name matching in which '-'
// and '_' are equivalent, and the typed set/get operations that bind values
// to declared parameter slots. Errors surface as POSIX errnos.
package kparam

import (
	"golang.org/x/sys/unix"
)

// FlagNoArg marks a parameter whose set operation accepts a bare name with
// no value ("foo" instead of "foo=1").
const FlagNoArg uint32 = 1 << 0

// Ops is the behaviour of one parameter type.
type Ops struct {
	Flags uint32

	// Set parses val and writes it to the parameter's storage slot. It
	// returns an errno-typed error on failure.
	Set func(val string, p *Param) error

	// Get formats the current value of the parameter's storage slot.
	Get func(p *Param) (string, error)

	// Free releases any storage the parameter's slot owns. Optional.
	Free func(p *Param)
}

// Param is one declared parameter. Arg points at typed storage owned by the
// declarer; Set writes through it.
type Param struct {
	Name  string
	Level int16
	Flags uint32
	Ops   *Ops
	Arg   any
}

func dashToUnderscore(c byte) byte {
	if c == '-' {
		return '_'
	}
	return c
}

// parameq compares parameter names treating '-' and '_' as equal.
func parameq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := 0; i < len(a); i++ {
		if dashToUnderscore(a[i]) != dashToUnderscore(b[i]) {
			return false
		}
	}

	return true
}

// errnoOf extracts the errno from an error returned by a Set operation.
func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}

	return unix.EINVAL
}
