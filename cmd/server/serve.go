package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/contact-bulk-upload-api/internal/api"
	"github.com/contact-bulk-upload-api/internal/database"
	"github.com/contact-bulk-upload-api/internal/repository"
	"github.com/contact-bulk-upload-api/internal/service"
	"github.com/contact-bulk-upload-api/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP and WebSocket server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "skip-migrations",
				Usage: "Do not apply pending migrations on startup",
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Initialize logger
	log := logger.New(cfg.Log)
	log.Info().Msg("Starting Contact Bulk Upload API server...")
	gin.SetMode(gin.ReleaseMode)

	// Initialize database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	// Run migrations
	if !cmd.Bool("skip-migrations") {
		if err := db.RunMigrations(cfg.Server.MigrationsPath); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	repos := repository.New(db)
	services := service.NewServices(repos, cfg, log)

	// Jobs left running by a previous process can never finish
	if _, err := services.Job.FailUnfinished(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to mark interrupted jobs")
	}

	services.Job.Start(context.Background())

	router := api.NewRouter(services, cfg, db, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
	case err := <-serverErr:
		if err != nil {
			services.Job.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Running jobs report their interruption before connections go away
	services.Job.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server exited gracefully")
	return nil
}
