package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/davejbax/kmodld/internal/kparam"
	"github.com/davejbax/kmodld/internal/loader"
	"github.com/davejbax/kmodld/internal/mem"
)

func newLoadCommand(opts *rootOptions) *cobra.Command {
	moduleArgs := ""
	showParams := false
	var defines []string

	cmd := &cobra.Command{
		Use:   "load <module.ko>...",
		Short: "Load kernel module objects into memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, files []string) error {
			resolver, err := newDefineResolver(defines)
			if err != nil {
				return err
			}

			owners := make([]*loader.Owner, len(files))

			var group errgroup.Group
			for i, path := range files {
				group.Go(func() error {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("could not read module file: %w", err)
					}

					l, err := loader.New(data, mem.NewProvider(), resolver)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}

					owner, err := l.Load()
					if err != nil {
						return fmt.Errorf("failed to load %s: %w", path, err)
					}

					owners[i] = owner
					return nil
				})
			}

			if err := group.Wait(); err != nil {
				for _, owner := range owners {
					if owner != nil {
						owner.Close()
					}
				}
				return err
			}

			for _, owner := range owners {
				defer owner.Close()

				printOwner(owner)

				if showParams {
					if err := printDeclaredParams(owner); err != nil {
						return err
					}
				}
			}

			if moduleArgs != "" {
				return bindArgs(owners[0], moduleArgs)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&moduleArgs, "args", "", "Module arguments to bind against the first module's parameters")
	cmd.Flags().BoolVar(&showParams, "show-params", false, "Print each module's declared parameter table")
	cmd.Flags().StringArrayVar(&defines, "define", nil, "Host symbol export as name=hexaddr (repeatable)")

	return cmd
}

func newDefineResolver(defines []string) (loader.Resolver, error) {
	table := make(map[string]uint64, len(defines))

	for _, define := range defines {
		name, addr, found := strings.Cut(define, "=")
		if !found {
			return nil, fmt.Errorf("invalid --define '%s': expected name=hexaddr", define)
		}

		value, err := strconv.ParseUint(addr, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --define address '%s': %w", addr, err)
		}

		table[name] = value
	}

	return loader.ResolverFunc(func(name string) (uint64, bool) {
		addr, ok := table[name]
		return addr, ok
	}), nil
}

func printOwner(owner *loader.Owner) {
	fmt.Printf("module %s\n", owner.Name())

	for _, pair := range owner.Info().Pairs() {
		fmt.Printf("  %-12s %s\n", pair[0]+":", pair[1])
	}

	for _, section := range owner.Sections() {
		fmt.Printf("  section %-24s %#012x %8d %s\n", section.Name, section.Addr, section.Size, section.Perms)
	}

	if record := owner.Record(); record != nil {
		fmt.Printf("  init: %#x  exit: %#x  params: %d\n", record.Init, record.Exit, record.NumParams)
	}
}

func printDeclaredParams(owner *loader.Owner) error {
	params, err := owner.DeclaredParams()
	if err != nil {
		return fmt.Errorf("failed to read parameter table of %s: %w", owner.Name(), err)
	}

	for _, param := range params {
		fmt.Printf("  param %-20s level=%d flags=%#x arg=%#x\n", param.Name, param.Level, param.Flags, param.Arg)
	}

	return nil
}

// bindArgs parses the --args string against the module's declared parameter
// names, collecting each value as a string so the binding can be shown. The
// module's own typed setters live in module memory and are not callable from
// here.
func bindArgs(owner *loader.Owner, moduleArgs string) error {
	declared, err := owner.DeclaredParams()
	if err != nil {
		return fmt.Errorf("failed to read parameter table of %s: %w", owner.Name(), err)
	}

	params := make([]*kparam.Param, 0, len(declared))
	values := make([]*string, 0, len(declared))

	for _, d := range declared {
		value := new(string)
		values = append(values, value)
		params = append(params, &kparam.Param{
			Name:  d.Name,
			Level: d.Level,
			Ops:   kparam.OpsString,
			Arg:   value,
		})
	}

	buf := append([]byte(moduleArgs), 0)

	leftover, err := kparam.ParseArgs(owner.Name(), buf, params, -32768, 32767)
	if err != nil {
		return fmt.Errorf("failed to parse module arguments: %w", err)
	}

	for i, param := range params {
		fmt.Printf("  bound %s=%q\n", param.Name, *values[i])
	}

	if len(leftover) > 0 {
		fmt.Printf("  leftover arguments: %q\n", leftover)
	}

	return nil
}
