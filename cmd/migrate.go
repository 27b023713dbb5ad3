package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/DSR-pheonix45/API-Backend/internal/config"
	"github.com/DSR-pheonix45/API-Backend/internal/database"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply job store schema migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string",
				Sources: cli.EnvVars("DB_DATABASE_URL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if v := cmd.String("database-url"); v != "" {
				cfg.Database.URL = v
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database URL is required (set DB_DATABASE_URL env or database.url in config)")
			}

			pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
			if err != nil {
				return fmt.Errorf("database connect: %w", err)
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}

			log.Info().Msg("migrations applied")
			return nil
		},
	}
}
