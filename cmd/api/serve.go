package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tasksync/api/internal/app"
	"tasksync/api/internal/gateway"
	"tasksync/api/internal/metrics"
	"tasksync/api/internal/reaper"
	"tasksync/api/internal/store"
	"tasksync/api/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the realtime gateway and the stale-lock reaper",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(cfg.TracingEnabled, os.Stdout)
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if d.db != nil {
		applied, err := store.ApplyMigrations(ctx, d.db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		for _, version := range applied {
			logger.Info("applied migration", slog.String("version", version))
		}
	}

	service := d.service(cfg, logger)
	fanout, err := d.fanout(cfg, logger)
	if err != nil {
		return err
	}
	gw := gateway.New(service, fanout,
		gateway.WithEventRate(cfg.WSEventsPerSecond, cfg.WSEventBurst),
		gateway.WithAnonymousEdits(cfg.AllowAnonymousEdits),
		gateway.WithAllowedOrigin(cfg.CORSOrigin),
		gateway.WithLogger(logger),
	)
	service.SetPublisher(gw)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway fan-out failed: %w", err)
	}
	go d.search.ReindexAll(ctx)

	reaperOpts := []reaper.Option{reaper.WithInterval(cfg.SweepInterval), reaper.WithLogger(logger)}
	if cfg.SweepLease && d.redis != nil {
		reaperOpts = append(reaperOpts, reaper.WithRedisLease(d.redis, reaper.DefaultLeaseKey))
	}
	sweeper := reaper.New(service, reaperOpts...)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithRealtime(gw, gw.Count),
		app.WithMetricsHandler(metrics.Handler(reg)),
		app.WithRateLimits(cfg.AuthRequestsPerMinute, cfg.APIRequestsPerMinute),
		app.WithHTTPLogger(logger),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tasksync API listening",
			slog.String("addr", cfg.Addr),
			slog.String("store", cfg.StoreBackend),
			slog.String("bus", cfg.BusBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sweeper.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.Any("error", err))
		}
		// Open sockets are hijacked and outlive Shutdown; closing the
		// gateway disconnects them and releases their locks.
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("gateway shutdown", slog.Any("error", err))
		}
		return nil
	})
	return g.Wait()
}
