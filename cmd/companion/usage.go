package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"yuzu/companion/internal/config"
	"yuzu/companion/internal/guardian"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print today's usage, the active rules and any lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		st, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		status, err := guardian.New(st, defaultRules(cfg), cfg.Guardian.BreakDuration).Status(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
}
