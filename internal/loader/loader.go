// Package loader maps relocatable ELF kernel-module objects into host-owned
// memory: it lays allocatable sections out at page granularity, rewrites
// symbol values to their final runtime addresses, drives the per-architecture
// relocation engine, reads the module's metadata, and hands back an owner
// that holds every acquired resource.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ianlancetaylor/demangle"

	"github.com/davejbax/kmodld/internal/align"
	"github.com/davejbax/kmodld/internal/arch"
	"github.com/davejbax/kmodld/internal/elfobj"
	"github.com/davejbax/kmodld/internal/mem"
)

var (
	ErrInvalidELF         = errors.New("invalid ELF module")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrAllocationFailed   = errors.New("memory allocation failed")
	ErrInvalidOperation   = errors.New("invalid operation")

	errAddressOutsideModule = errors.New("address range outside module memory")
)

// Resolver maps an external symbol name to its absolute runtime address. It
// must be idempotent and side-effect free from the loader's point of view.
type Resolver interface {
	Resolve(name string) (uint64, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (uint64, bool)

func (f ResolverFunc) Resolve(name string) (uint64, bool) {
	return f(name)
}

// Symbol is a simplified symbol: after the simplifier runs, Value is its
// final runtime address (or zero when an undefined symbol stayed
// unresolved).
type Symbol struct {
	Name    string
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
}

// Loader drives one module load. A Loader is good for a single Load call.
type Loader struct {
	file     *elfobj.File
	provider mem.Provider
	resolver Resolver
}

// New validates data as a supported relocatable object and prepares a loader
// that allocates from provider and resolves external symbols through
// resolver.
func New(data []byte, provider mem.Provider, resolver Resolver) (*Loader, error) {
	file, err := elfobj.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidELF, err)
	}

	return &Loader{
		file:     file,
		provider: provider,
		resolver: resolver,
	}, nil
}

// Load runs the whole pipeline. On failure every region acquired so far is
// released before the error is returned.
func (l *Loader) Load() (*Owner, error) {
	owner, err := l.readModinfo()
	if err != nil {
		return nil, err
	}

	if err := l.loadInto(owner); err != nil {
		owner.Close()
		return nil, err
	}

	slog.Info("module loaded",
		"module", owner.Name(),
	)

	return owner, nil
}

func (l *Loader) loadInto(owner *Owner) error {
	if err := l.layoutAndAllocate(owner); err != nil {
		return err
	}

	syms, err := l.simplifySymbols()
	if err != nil {
		return err
	}

	if err := l.applyRelocations(owner, syms); err != nil {
		return err
	}

	if err := l.readThisModule(owner); err != nil {
		return err
	}

	return l.commitPermissions(owner)
}

// layoutAndAllocate gives every allocatable, non-empty section its own
// page-rounded region, copies its bytes (NOBITS regions stay zero), and
// records the runtime address in the section header.
func (l *Loader) layoutAndAllocate(owner *Owner) error {
	for _, section := range l.file.Sections {
		if section.Flags&elf.SHF_ALLOC == 0 {
			continue
		}

		if section.Size == 0 {
			slog.Debug("skipping zero-size section",
				"module", owner.name,
				"section", section.Name,
			)
			continue
		}

		size := align.Page(int(section.Size))

		region, err := l.provider.Alloc(size)
		if err != nil {
			return fmt.Errorf("%w: section '%s': %w", ErrAllocationFailed, section.Name, err)
		}

		if section.Type != elf.SHT_NOBITS {
			data, err := l.file.SectionData(section)
			if err != nil {
				region.Free()
				return fmt.Errorf("%w: %w", ErrInvalidELF, err)
			}

			copy(region.Bytes(), data)
		}

		section.Addr = region.Addr()

		owner.sections = append(owner.sections, &allocSection{
			name:   section.Name,
			region: region,
			size:   size,
			perms:  mem.PermFromFlags(section.Flags),
		})

		slog.Debug("allocated section",
			"module", owner.name,
			"section", section.Name,
			"addr", fmt.Sprintf("%#x", section.Addr),
			"perms", mem.PermFromFlags(section.Flags),
			"size", size,
		)
	}

	return nil
}

// simplifySymbols rewrites every symbol's value to its final runtime address:
// undefined symbols through the resolver, absolute symbols untouched, and
// section-relative symbols by adding their section's base. Common symbols
// mean the object was built without -fno-common and are rejected.
func (l *Loader) simplifySymbols() ([]Symbol, error) {
	elfSyms, err := l.file.Symbols()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidELF, err)
	}

	syms := make([]Symbol, 0, len(elfSyms))

	for i, sym := range elfSyms {
		if i == 0 {
			// The ELF null symbol is recorded unchanged.
			syms = append(syms, Symbol{})
			continue
		}

		name := demangle.Filter(sym.Name)
		value := sym.Value

		switch sym.Section {
		case elf.SHN_UNDEF:
			if addr, ok := l.resolver.Resolve(name); ok {
				slog.Debug("resolved undefined symbol",
					"symbol", name,
					"addr", fmt.Sprintf("%#x", addr),
				)
				value = addr
			} else if sym.Bind == elf.STB_WEAK {
				slog.Warn("unresolved weak symbol",
					"symbol", name,
				)
			} else {
				// Left at zero; a relocation that consumes the value will
				// relocate against address zero.
				slog.Warn("unresolved symbol",
					"symbol", name,
				)
			}

		case elf.SHN_ABS:
			// Absolute symbols need no rewriting.

		case elf.SHN_COMMON:
			return nil, fmt.Errorf("%w: common symbol '%s' (compile with -fno-common)", ErrUnsupportedFeature, name)

		default:
			if int(sym.Section) >= len(l.file.Sections) {
				return nil, fmt.Errorf("%w: symbol '%s' references section %d out of range", ErrInvalidELF, name, sym.Section)
			}

			value += l.file.Sections[sym.Section].Addr
		}

		syms = append(syms, Symbol{
			Name:    name,
			Section: sym.Section,
			Value:   value,
			Size:    sym.Size,
			Bind:    sym.Bind,
		})
	}

	return syms, nil
}

// applyRelocations walks the section headers in order and applies every RELA
// section whose info field names a valid allocatable section; others are
// skipped silently.
func (l *Loader) applyRelocations(owner *Owner, syms []Symbol) error {
	relocator, err := arch.For(l.file.Machine)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedFeature, err)
	}

	space := owner.addressSpace()

	archSyms := make([]arch.Symbol, len(syms))
	for i, sym := range syms {
		archSyms[i] = arch.Symbol{Name: sym.Name, Value: sym.Value, Bind: sym.Bind}
	}

	for _, section := range l.file.Sections {
		if section.Type != elf.SHT_RELA {
			continue
		}

		if int(section.Info) >= len(l.file.Sections) {
			continue
		}

		target := l.file.Sections[section.Info]
		if target.Flags&elf.SHF_ALLOC == 0 || target.Addr == 0 {
			continue
		}

		entries, err := l.file.RelaEntries(section)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidELF, err)
		}

		slog.Debug("applying relocations",
			"module", owner.name,
			"section", section.Name,
			"target", target.Name,
			"entries", len(entries),
		)

		if err := relocator.Apply(space, entries, archSyms, target.Addr); err != nil {
			slog.Error("relocation failed",
				"module", owner.name,
				"section", section.Name,
				"detail", err,
			)
			return fmt.Errorf("failed to relocate section '%s': %w", target.Name, err)
		}
	}

	return nil
}

// commitPermissions imposes each section's final ELF-derived permissions and
// flushes the instruction cache over it.
func (l *Loader) commitPermissions(owner *Owner) error {
	for _, section := range owner.sections {
		if err := section.region.Protect(section.perms); err != nil {
			return fmt.Errorf("%w: failed to change permissions of section '%s' to %s: %w",
				ErrInvalidOperation, section.name, section.perms, err)
		}

		section.region.Flush()
	}

	return nil
}
