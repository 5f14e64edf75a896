// Package main implements the psadt-search HTTP API: hybrid search, sync
// administration, health and metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/psadtpro/psadt-search/engine/service"
	"github.com/psadtpro/psadt-search/engine/syncer"
	"github.com/psadtpro/psadt-search/pkg/config"
	"github.com/psadtpro/psadt-search/pkg/metrics"
	"github.com/psadtpro/psadt-search/pkg/mid"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime()

	// Reports go to NATS when a server is reachable; the API works without.
	var notify syncer.Notifier
	if nc, err := nats.Connect(cfg.NATSURL, nats.Name("psadt-api")); err != nil {
		logger.Warn("nats unavailable, sync reports will not be published", "url", cfg.NATSURL, "err", err)
	} else {
		defer nc.Close()
		notify = syncer.NATSNotifier(nc, logger)
	}

	svc, err := service.Open(ctx, cfg, logger, service.Options{Notify: notify, Metrics: reg})
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close()

	mux := http.NewServeMux()
	routes(mux, svc.Search, svc, svc.Health, logger)
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.OTel("psadt-api"),
		mid.Metrics(reg),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// Full resyncs answer synchronously.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "kinds", svc.Collections.Kinds())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
