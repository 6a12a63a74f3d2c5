package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pairgate",
		Short:        "Pairing-code session gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return setEnv("PAIRGATE_CONFIG", configPath)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (overrides PAIRGATE_CONFIG)")

	root.AddCommand(serveCmd(), checkConfigCmd(), normalizeCmd())
	return root
}
