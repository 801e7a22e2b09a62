package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "companion",
	Short:        "Voice turn engine for a children's voice companion",
	SilenceUsage: true, // Don't print usage on error
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if present (ignored if missing)
		_ = godotenv.Load()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
