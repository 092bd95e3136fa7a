package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notifyhub/posting-queue/internal/api"
	"github.com/notifyhub/posting-queue/internal/clock"
	"github.com/notifyhub/posting-queue/internal/worker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noDaemon bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, !noDaemon)
		},
	}
	cmd.Flags().BoolVar(&noDaemon, "no-daemon", false, "serve the API only; another process runs the daemon")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, runDaemon bool) error {
	cfg, logger := opts.cfg, opts.logger

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	// ---- queue daemon ----
	// Background work gets its own context so HTTP can drain first.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	var wg sync.WaitGroup
	if runDaemon {
		d := worker.NewDaemon(a.queue, clock.Real{}, worker.Options{
			Interval:        cfg.DaemonInterval,
			CleanupInterval: cfg.CleanupInterval,
			BatchSize:       cfg.BatchSize,
			RetentionDays:   cfg.RetentionDays,
		}, worker.Hooks{OnHealth: a.metrics.OnHealth}, logger.Named("daemon"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(workerCtx)
		}()
	}

	// ---- HTTP server ----
	router := api.NewRouter(a.queue, a.registry, api.Options{
		BatchSize:     cfg.BatchSize,
		RetentionDays: cfg.RetentionDays,
	}, logger.Named("http"))
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ---- graceful shutdown ----
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			cancelWorkers()
			wg.Wait()
			return err
		}
	}

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop the daemon; a cycle in progress finishes its publish calls.
	cancelWorkers()
	wg.Wait()

	logger.Info("server stopped cleanly")
	return nil
}
