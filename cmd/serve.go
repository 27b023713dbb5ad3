package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/DSR-pheonix45/API-Backend/internal/config"
	"github.com/DSR-pheonix45/API-Backend/internal/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API server with the balancer, health monitor, and scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string for the durable job store (optional)",
				Sources: cli.EnvVars("DB_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "strategy",
				Usage:   "Load balancing strategy (round_robin, least_connections, weighted_round_robin, response_time)",
				Sources: cli.EnvVars("DB_BALANCER_STRATEGY"),
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
			if v := cmd.String("strategy"); v != "" {
				cfg.Balancer.Strategy = v
			}
			if v := cmd.String("log-level"); v != "" {
				cfg.Logging.Level = v
			}

			if len(cfg.Agents.Instances) == 0 {
				log.Warn().Msg("no agent instances configured; register them via the API or config")
			}

			return server.Run(ctx, cfg)
		},
	}
}
