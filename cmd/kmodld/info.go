package main

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davejbax/kmodld/internal/elfobj"
)

// newInfoCommand prints what the loader would see in a module object without
// loading it: header, section table, symbols and relocation summary.
func newInfoCommand(_ *rootOptions) *cobra.Command {
	showSymbols := false

	cmd := &cobra.Command{
		Use:   "info <module.ko>",
		Short: "Inspect a kernel module object",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("could not read module file: %w", err)
			}

			file, err := elfobj.Open(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			fmt.Printf("machine: %v\n", file.Machine)
			fmt.Printf("sections: %d\n", len(file.Sections))

			for _, section := range file.Sections {
				kind := ""
				if section.Type == elf.SHT_RELA {
					entries, err := file.RelaEntries(section)
					if err != nil {
						return err
					}
					kind = fmt.Sprintf(" (%d rela entries -> section %d)", len(entries), section.Info)
				}

				fmt.Printf("  [%2d] %-28s %-12v %8d bytes%s\n",
					section.Index, section.Name, section.Type, section.Size, kind)
			}

			if showSymbols {
				syms, err := file.Symbols()
				if err != nil {
					return err
				}

				for i, sym := range syms {
					if i == 0 {
						continue
					}
					fmt.Printf("  sym %-32s %v value=%#x size=%d\n", sym.Name, sym.Bind, sym.Value, sym.Size)
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&showSymbols, "symbols", false, "Also print the symbol table")

	return cmd
}
