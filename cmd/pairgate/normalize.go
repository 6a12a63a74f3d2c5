package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pairgate/cmd/internal/app"
	"pairgate/cmd/internal/pairing"
)

func normalizeCmd() *cobra.Command {
	var countryCode string

	cmd := &cobra.Command{
		Use:   "normalize <phone>...",
		Short: "Print phone numbers the way sessions store them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("country-code") {
				cfg, err := app.LoadConfig()
				if err != nil {
					return err
				}
				countryCode = cfg.CountryCode
			}
			for _, raw := range args {
				phone, err := pairing.ValidatePhone(raw, countryCode)
				if err != nil {
					return fmt.Errorf("%q: %w", raw, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), phone)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&countryCode, "country-code", "", "country calling code (default from config)")
	return cmd
}
