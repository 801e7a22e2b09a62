package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"yuzu/companion/internal/config"
	"yuzu/companion/internal/health"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check provider credentials, reachability and the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
		defer cancel()

		st, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		status := health.CheckAll(ctx, cfg, st)
		fmt.Print(status.String())
		if !status.OK {
			return errors.New("one or more checks failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
