package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xhaka/xhaka/internal/api"
	"github.com/xhaka/xhaka/internal/config"
	"github.com/xhaka/xhaka/internal/dispatcher"
	"github.com/xhaka/xhaka/internal/logger"
	"github.com/xhaka/xhaka/internal/queue"
	"github.com/xhaka/xhaka/internal/telemetry"
)

// drainGrace bounds the wait for cancelled jobs to record their outcome.
const drainGrace = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	q := queue.New(cfg.QueueSize, cfg.Concurrency, log)
	d := dispatcher.New(store, q, newRunner(cfg, log), log, dispatcher.WithWorker(cfg.InstanceID))

	if cfg.RecoverOnStart {
		if _, err := d.Recover(ctx); err != nil {
			return err
		}
	}

	// workers outlive the signal context so accepted jobs can drain
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	q.Start(workCtx)
	d.StartSweeper(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()
	api.NewHandler(d, store).RegisterRoutes(mux)
	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(log),
		api.RateLimit(cfg.RateLimit),
		api.Auth(cfg.APIKeys),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("instance", cfg.InstanceID).Str("version", version).Msg("xhaka listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	if err := q.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("pending", q.Len()).Msg("jobs still running at deadline, cancelling")
		cancelWork()
		graceCtx, cancelGrace := context.WithTimeout(context.Background(), drainGrace)
		defer cancelGrace()
		if err := q.Shutdown(graceCtx); err != nil {
			log.Error().Err(err).Msg("workers did not stop")
		}
	}
	return nil
}
