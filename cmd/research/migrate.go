package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/researchdesk/api/internal/config"
	"github.com/researchdesk/api/internal/persistence"
)

func migrateCMD() *cobra.Command {
	var direction string
	var steps int
	var dsn string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dsn = cfg.Postgres.DSN
			}
			if dsn == "" {
				return errors.New("postgres not configured (postgres.dsn or --dsn)")
			}
			return persistence.Migrate(dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (defaults to postgres.dsn)")

	return migrate
}
