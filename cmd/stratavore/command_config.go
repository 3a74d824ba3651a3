package main

import (
	"github.com/spf13/cobra"

	"stratavore/internal/config"
)

func newConfigCmd() *cobra.Command {
	var defaults bool
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print configuration (effective or defaults)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultCoreConfig()
			if !defaults {
				loaded, err := config.LoadCoreConfig()
				if err != nil {
					return err
				}
				cfg = loaded
			}
			data, err := cfg.Encode(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&defaults, "default", false, "print built-in defaults instead of the effective config")
	cmd.Flags().StringVar(&format, "format", config.FormatTOML, "output format: toml, json or yaml")
	return cmd
}
