package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dingstreamhq/dingstream/internal/auth"
	"github.com/dingstreamhq/dingstream/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
			if err != nil {
				return fmt.Errorf("parse jwt_expires_in: %w", err)
			}
			token, expiresAt, err := auth.GenerateToken(user, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Printf("%s\nexpires: %s\n", token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("user", "admin", "User id embedded in the token.")
	return cmd
}
