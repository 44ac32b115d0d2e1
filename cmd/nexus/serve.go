package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/api"
	"github.com/markmiedema/nexus-analyzer/internal/bus"
	"github.com/markmiedema/nexus-analyzer/internal/cache"
	"github.com/markmiedema/nexus-analyzer/internal/repository"
	"github.com/markmiedema/nexus-analyzer/internal/worker"
)

func newServeCmd(a *app) *cobra.Command {
	var rulesPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the async analysis worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != 0 {
				a.cfg.Server.Port = port
			}
			return runServe(cmd.Context(), a, rulesPath)
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "config", "c", "", "State rule file (default: embedded rules)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}

func runServe(parent context.Context, a *app, rulesPath string) error {
	cfg := a.cfg

	slog.Info("starting nexus",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := a.loadRules(rulesPath)
	if err != nil {
		return err
	}
	slog.Info("rules loaded", "states", rules.Len())

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if cacheImpl != nil {
		defer cacheImpl.Close()
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	if busImpl != nil {
		defer busImpl.Close()
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	svc := analysis.NewService(rules, cfg.Analysis).
		WithRepository(repo).
		WithEventBus(busImpl).
		WithCache(cacheImpl, time.Duration(cfg.Analysis.ResultTTLSecs)*time.Second)

	var asyncWorker *worker.Worker
	if cfg.Analysis.AsyncWorker {
		if busImpl == nil {
			return errors.New("async worker requires an event bus")
		}
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{ClientIDs: cfg.Analysis.Clients}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "client_count", len(cfg.Analysis.Clients))
	}

	srv := api.NewServer(cfg.Server, svc, rules, repo, cacheImpl, busImpl, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("nexus is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("nexus shutdown complete")
	return serveErr
}
