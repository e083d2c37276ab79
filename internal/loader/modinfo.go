package loader

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const modinfoSection = ".modinfo"

// ModuleInfo is the ordered key/value list parsed from a module's .modinfo
// section. Lookup is linear; modules carry a handful of keys at most.
type ModuleInfo struct {
	kv [][2]string
}

// Get returns the value of the first entry with the given key.
func (m *ModuleInfo) Get(key string) (string, bool) {
	for _, pair := range m.kv {
		if pair[0] == key {
			return pair[1], true
		}
	}

	return "", false
}

// Pairs returns the entries in section order.
func (m *ModuleInfo) Pairs() [][2]string {
	return m.kv
}

// parseModuleInfo splits a .modinfo payload, a concatenation of
// NUL-terminated key=value tokens.
func parseModuleInfo(data []byte) (*ModuleInfo, error) {
	info := &ModuleInfo{}

	for len(data) > 0 {
		var token []byte
		if i := bytes.IndexByte(data, 0); i >= 0 {
			token, data = data[:i], data[i+1:]
		} else {
			token, data = data, nil
		}

		if len(token) == 0 {
			continue
		}

		key, value, found := strings.Cut(string(token), "=")
		if !found {
			return nil, fmt.Errorf("%w: modinfo entry %q is not key=value", ErrInvalidELF, token)
		}

		info.kv = append(info.kv, [2]string{key, value})
	}

	return info, nil
}

// readModinfo parses the .modinfo section and builds the in-progress owner.
// The name key is mandatory; a version key, when present, must be a valid
// semantic version.
func (l *Loader) readModinfo() (*Owner, error) {
	section, ok := l.file.SectionByName(modinfoSection)
	if !ok {
		return nil, fmt.Errorf("%w: no %s section", ErrInvalidELF, modinfoSection)
	}

	data, err := l.file.SectionData(section)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidELF, err)
	}

	info, err := parseModuleInfo(data)
	if err != nil {
		return nil, err
	}

	name, ok := info.Get("name")
	if !ok {
		return nil, fmt.Errorf("%w: modinfo has no name key", ErrInvalidELF)
	}

	if version, ok := info.Get("version"); ok {
		if _, err := semver.NewVersion(version); err != nil {
			return nil, fmt.Errorf("%w: module version %q: %w", ErrInvalidELF, version, err)
		}
	}

	slog.Debug("read modinfo",
		"module", name,
		"entries", len(info.Pairs()),
	)

	return &Owner{name: name, info: info}, nil
}
