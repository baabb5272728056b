package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/researchdesk/api/internal/auth"
	"github.com/researchdesk/api/internal/config"
)

func tokenCMD() *cobra.Command {
	var userID, email string
	var ttl time.Duration

	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured")
			}
			signed, err := auth.IssueToken(userID, email, cfg.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	token.Flags().StringVar(&userID, "user", "dev-user", "user id claim")
	token.Flags().StringVar(&email, "email", "", "email claim")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return token
}
