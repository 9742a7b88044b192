package main

import (
	"context"
	"fmt"

	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/contact-bulk-upload-api/internal/database"
	"github.com/contact-bulk-upload-api/pkg/logger"
	"github.com/urfave/cli/v3"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the database schema",
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: migrateUp,
			},
			{
				Name:  "down",
				Usage: "Roll back migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to roll back",
						Value: 1,
					},
				},
				Action: migrateDown,
			},
			{
				Name:  "to",
				Usage: "Migrate up or down to a specific version",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "version",
						Usage:    "Target schema version",
						Required: true,
					},
				},
				Action: migrateTo,
			},
		},
	}
}

func migrateUp(ctx context.Context, cmd *cli.Command) error {
	return withDatabase(cmd, func(db *database.DB, cfg *config.Config) error {
		return db.RunMigrations(cfg.Server.MigrationsPath)
	})
}

func migrateDown(ctx context.Context, cmd *cli.Command) error {
	steps := int(cmd.Int("steps"))
	if steps <= 0 {
		return fmt.Errorf("steps must be positive")
	}
	return withDatabase(cmd, func(db *database.DB, cfg *config.Config) error {
		return db.MigrateDown(cfg.Server.MigrationsPath, steps)
	})
}

func migrateTo(ctx context.Context, cmd *cli.Command) error {
	version := cmd.Int("version")
	if version < 0 {
		return fmt.Errorf("version must not be negative")
	}
	return withDatabase(cmd, func(db *database.DB, cfg *config.Config) error {
		return db.MigrateToVersion(cfg.Server.MigrationsPath, uint(version))
	})
}

func withDatabase(cmd *cli.Command, fn func(db *database.DB, cfg *config.Config) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	return fn(db, cfg)
}
