package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pairgate/cmd/internal/app"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return app.Run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides PAIRGATE_HTTP_ADDR)")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			if err := app.ValidateSecurityConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: addr=%s connector=%s country_code=%s code_ttl=%s db=%t\n",
				cfg.HTTPAddr, cfg.Connector, cfg.CountryCode, cfg.CodeTTL, cfg.DatabaseURL != "")
			return nil
		},
	}
}

func setEnv(key, value string) error {
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
