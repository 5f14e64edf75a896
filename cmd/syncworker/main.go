// Command syncworker keeps the vector collections in step with the source
// database. It consumes change events from NATS and, when -interval is set,
// also runs a periodic incremental sync of every collection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/service"
	"github.com/psadtpro/psadt-search/engine/syncer"
	"github.com/psadtpro/psadt-search/pkg/config"
	"github.com/psadtpro/psadt-search/pkg/metrics"
)

func main() {
	var (
		interval = flag.Duration("interval", 0, "periodic incremental sync interval (0 disables)")
		resync   = flag.Bool("resync", false, "run a full resync of every collection on start")
	)
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger, *interval, *resync); err != nil {
		logger.Error("syncworker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, interval time.Duration, resync bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime()
	if srv := reg.ServeAsync(cfg.MetricsPort, logger); srv != nil {
		defer srv.Close()
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("psadt-syncworker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
	}
	defer nc.Drain()

	svc, err := service.Open(ctx, cfg, logger, service.Options{
		Notify:  syncer.NATSNotifier(nc, logger),
		Metrics: reg,
	})
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer svc.Close()

	if resync {
		reps, err := svc.ResyncAll(ctx)
		for _, rep := range reps {
			logger.Info("initial resync finished", "collection", rep.Collection, "written", rep.Written, "failed", len(rep.Failed))
		}
		if err != nil {
			return err
		}
	}

	sub, err := syncer.StartConsumer(nc, svc.Sync)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", syncer.ChangedSubject, err)
	}
	defer sub.Unsubscribe()
	logger.Info("syncworker started", "subject", syncer.ChangedSubject, "queue", syncer.QueueGroup,
		"kinds", svc.Collections.Kinds(), "interval", interval)

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-tick:
			syncAll(ctx, svc, logger)
		}
	}
}

// syncAll runs an incremental sync of every collection. Failures are logged
// and retried on the next tick.
func syncAll(ctx context.Context, svc *service.Service, logger *slog.Logger) {
	for _, kind := range svc.Collections.Kinds() {
		rep, err := svc.Incremental(ctx, kind)
		switch {
		case errors.Is(err, domain.ErrSyncInProgress):
			logger.Info("periodic sync skipped, collection busy", "kind", kind)
		case err != nil:
			logger.Error("periodic sync failed", "kind", kind, "err", err)
		default:
			logger.Debug("periodic sync finished", "kind", kind, "written", rep.Written)
		}
	}
}
