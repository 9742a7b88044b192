package main

import (
	"context"
	"fmt"
	"os"

	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:    "contacts",
		Usage:   "Bulk contact CSV import API",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by the root --config flag
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Root().String("config"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}
