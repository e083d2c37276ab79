package kparam

import (
	"bytes"
	"errors"
	"log/slog"

	"golang.org/x/sys/unix"
)

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	default:
		return false
	}
}

func skipSpaces(args []byte) []byte {
	for len(args) > 0 && isSpace(args[0]) {
		args = args[1:]
	}
	return args
}

// cstr trims a byte slice at its first NUL.
func cstr(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// NextArg carves the next "name[=value]" token out of args, which must be
// non-empty and NUL-terminated. Quoting with '"' keeps whitespace inside a
// token; there are no escape sequences. Separators and quotes are
// overwritten with NUL in place, so the returned param and val slices stay
// valid for the buffer's lifetime. val is nil when the token had no '='.
func NextArg(args []byte) (param, val, rest []byte) {
	inQuote := false
	quoted := false

	if args[0] == '"' {
		args = args[1:]
		inQuote = true
		quoted = true
	}

	equals := -1
	i := 0
	for args[i] != 0 {
		c := args[i]
		if isSpace(c) && !inQuote {
			break
		}
		if equals < 0 && c == '=' {
			equals = i
		}
		if c == '"' {
			inQuote = !inQuote
		}
		i++
	}

	paramStart := args
	var valStart []byte

	if equals >= 0 {
		args[equals] = 0
		valIdx := equals + 1

		// Don't include quotes in the value.
		if args[valIdx] == '"' {
			valIdx++
			if args[i-1] == '"' {
				args[i-1] = 0
			}
		}

		valStart = args[valIdx:]
	}

	if quoted && i > 0 && args[i-1] == '"' {
		args[i-1] = 0
	}

	if args[i] != 0 {
		args[i] = 0
		rest = args[i+1:]
	} else {
		rest = args[i:]
	}

	rest = skipSpaces(rest)

	param = cstr(paramStart)
	if valStart != nil {
		val = cstr(valStart)
	}

	return param, val, rest
}

// ParseArgs tokenizes args ("key=value key2 ...") and dispatches each token
// to the matching declared parameter. Parameters whose level falls outside
// [minLevel, maxLevel] are skipped silently. A bare "--" token stops the
// parse and the remainder of the buffer is returned as leftover. The buffer
// is mutated in place and must outlive the parse; if it does not end with a
// NUL terminator one is appended.
func ParseArgs(doing string, args []byte, params []*Param, minLevel, maxLevel int16) ([]byte, error) {
	slog.Debug("parsing module arguments",
		"module", doing,
		"args", string(cstr(args)),
	)

	if len(args) == 0 || args[len(args)-1] != 0 {
		args = append(args, 0)
	}

	args = skipSpaces(args)

	for args[0] != 0 {
		param, val, rest := NextArg(args)
		args = rest

		if val == nil && bytes.Equal(param, []byte("--")) {
			return cstr(args), nil
		}

		if err := parseOne(doing, param, val, params, minLevel, maxLevel); err != nil {
			switch {
			case errors.Is(err, unix.ENOENT):
				slog.Error("unknown module parameter",
					"module", doing,
					"param", string(param),
				)
			case errors.Is(err, unix.ENOSPC):
				slog.Error("module parameter value too large",
					"module", doing,
					"param", string(param),
					"value", string(val),
				)
			default:
				slog.Error("invalid module parameter value",
					"module", doing,
					"param", string(param),
					"value", string(val),
				)
			}

			return nil, err
		}
	}

	return nil, nil
}

// parseOne matches a token against the declared parameters and invokes the
// winner's set operation.
func parseOne(doing string, name, val []byte, params []*Param, minLevel, maxLevel int16) error {
	for _, p := range params {
		if !parameq(string(name), p.Name) {
			continue
		}

		if p.Level < minLevel || p.Level > maxLevel {
			// Outside the level window: skipped without consuming the value.
			return nil
		}

		if val == nil && p.Ops.Flags&FlagNoArg == 0 {
			slog.Warn("parameter requires an argument",
				"module", doing,
				"param", p.Name,
			)
			return unix.EINVAL
		}

		// With NOARG set and no value, the set operation sees the empty
		// string.
		if err := p.Ops.Set(string(val), p); err != nil {
			return errnoOf(err)
		}

		return nil
	}

	return unix.ENOENT
}
