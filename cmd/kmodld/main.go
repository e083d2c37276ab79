package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	config *config
	logger *slog.Logger
}

func main() {
	opts := &rootOptions{}
	configPath := ""

	root := &cobra.Command{
		Use:   "kmodld",
		Short: "Load relocatable ELF kernel modules in-process",
		Long: `kmodld maps the allocatable sections of relocatable ELF kernel module
objects into memory, resolves and relocates them for their load address, and
exposes the module's entry points and parameters.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			config, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opts.config = config
			opts.logger = newLogger(config)
			slog.SetDefault(opts.logger)

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	root.AddCommand(newLoadCommand(opts), newInfoCommand(opts))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
