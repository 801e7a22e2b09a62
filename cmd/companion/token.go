package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"yuzu/companion/internal/auth"
	"yuzu/companion/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a parent or device token signed with PARENT_TOKEN_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := cmd.Flags().GetString("subject")
		if err != nil {
			return fmt.Errorf("failed to get subject flag: %w", err)
		}
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return fmt.Errorf("failed to get ttl flag: %w", err)
		}
		if subject != auth.SubjectParent && subject != auth.SubjectDevice {
			return fmt.Errorf("subject must be %q or %q", auth.SubjectParent, auth.SubjectDevice)
		}
		cfg := config.Load()
		tok, err := auth.GenerateToken(cfg.Parent.TokenSecret, subject, time.Now().Add(ttl).Unix())
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("subject", auth.SubjectParent, "Token subject: parent or device")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
