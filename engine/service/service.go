// Package service wires the source, vector store, embedder, sync
// orchestrator, search engine and health monitor from one Config. Every
// binary builds its components through Open.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/embed"
	"github.com/psadtpro/psadt-search/engine/health"
	"github.com/psadtpro/psadt-search/engine/search"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/engine/source"
	"github.com/psadtpro/psadt-search/engine/sparse"
	"github.com/psadtpro/psadt-search/engine/syncer"
	"github.com/psadtpro/psadt-search/pkg/config"
	"github.com/psadtpro/psadt-search/pkg/metrics"
	"github.com/psadtpro/psadt-search/pkg/ollama"
)

// Service holds the wired components.
type Service struct {
	Config      config.Config
	Collections *config.Collections
	Source      *source.SQLSource
	Store       *semantic.VectorStore
	Embedder    *embed.Provider
	Sync        *syncer.Orchestrator
	Search      *search.Engine
	Health      *health.Monitor
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Options adjusts wiring per binary.
type Options struct {
	// Notify receives every finished sync report.
	Notify syncer.Notifier
	// Metrics is shared with the caller's /metrics endpoint; nil creates one.
	Metrics *metrics.Registry
}

// Open connects to the source and the vector store and builds every
// component. The source's missing tables are created.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.New()
	}

	cols, err := config.LoadCollections(cfg.CollectionsFile, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}

	src, err := source.Open(ctx, cfg.SourceDriver, cfg.SourceDSN)
	if err != nil {
		return nil, err
	}
	if err := src.CreateSchema(ctx); err != nil {
		src.Close()
		return nil, err
	}

	storeOpts := semantic.DefaultOptions()
	storeOpts.Timeout = cfg.StoreTimeout
	store, err := semantic.New(cfg.QdrantURL, storeOpts, logger)
	if err != nil {
		src.Close()
		return nil, err
	}

	var model embed.BatchModel
	if cfg.OllamaURL != "" {
		model = ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel)
	}
	embOpts := embed.DefaultOptions()
	embOpts.Dim = cfg.EmbedDim
	embOpts.CallTimeout = cfg.EmbedTimeout
	emb := embed.New(model, embOpts, logger)

	svc, err := Assemble(cfg, cols, src, store, emb, reg, opts.Notify, logger)
	if err != nil {
		store.Close()
		src.Close()
		return nil, err
	}
	return svc, nil
}

// Assemble builds the components over already opened connections.
func Assemble(cfg config.Config, cols *config.Collections, src *source.SQLSource, store *semantic.VectorStore,
	emb *embed.Provider, reg *metrics.Registry, notify syncer.Notifier, logger *slog.Logger,
) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	enc := sparse.New()
	gates := syncer.NewGates()
	// Leases live in the shared source so every binary syncing these
	// collections is serialized with the others.
	leases := source.NewLeases(src, cfg.LeaseTTL, logger)

	orch, err := syncer.New(syncer.Deps{
		Source:      src,
		Store:       store,
		Embedder:    emb,
		Encoder:     enc,
		State:       source.NewStateStore(src),
		Collections: cols.ForSync(),
		Locker:      leases,
		Gates:       gates,
		Metrics:     reg,
		Notify:      notify,
		Logger:      logger,
	}, cfg.Sync)
	if err != nil {
		return nil, err
	}

	eng, err := search.New(search.Deps{
		Store:       store,
		Embedder:    emb,
		Encoder:     enc,
		Gate:        gates,
		Resets:      leases,
		Collections: cols.ForSearch(),
		Metrics:     reg,
		Logger:      logger,
	}, search.Config{DefaultKind: cols.Default(), Timeout: cfg.StoreTimeout})
	if err != nil {
		return nil, err
	}

	mon := health.New(health.Deps{
		Store:       store,
		Embedder:    emb,
		Searcher:    eng,
		Collections: cols.Names(),
		Metrics:     reg,
		Logger:      logger,
	}, 0)

	return &Service{
		Config:      cfg,
		Collections: cols,
		Source:      src,
		Store:       store,
		Embedder:    emb,
		Sync:        orch,
		Search:      eng,
		Health:      mon,
		Metrics:     reg,
		Logger:      logger,
	}, nil
}

// Close releases the store connection and the database.
func (s *Service) Close() error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.Source != nil {
		errs = append(errs, s.Source.Close())
	}
	return errors.Join(errs...)
}

// Reset empties the collection of kind and drops the search engine's cached
// layout for it.
func (s *Service) Reset(ctx context.Context, kind domain.RecordKind) error {
	col, err := s.Sync.Collection(kind)
	if err != nil {
		return err
	}
	defer s.Search.Forget(col.Name)
	return s.Sync.ResetCollection(ctx, kind)
}

// Resync runs a full resync of kind and drops the cached layout, which the
// rebuild may have changed.
func (s *Service) Resync(ctx context.Context, kind domain.RecordKind) (*syncer.Report, error) {
	col, err := s.Sync.Collection(kind)
	if err != nil {
		return nil, err
	}
	defer s.Search.Forget(col.Name)
	return s.Sync.FullResync(ctx, kind)
}

// ResyncAll runs a full resync of every configured kind in order and stops
// at the first error.
func (s *Service) ResyncAll(ctx context.Context) ([]*syncer.Report, error) {
	var reps []*syncer.Report
	for _, kind := range s.Sync.Kinds() {
		rep, err := s.Resync(ctx, kind)
		if rep != nil {
			reps = append(reps, rep)
		}
		if err != nil {
			return reps, fmt.Errorf("resync %s: %w", kind, err)
		}
	}
	return reps, nil
}

// Incremental runs an incremental sync of kind.
func (s *Service) Incremental(ctx context.Context, kind domain.RecordKind) (*syncer.Report, error) {
	return s.Sync.IncrementalSync(ctx, kind)
}

// State returns the saved sync state of kind's collection.
func (s *Service) State(ctx context.Context, kind domain.RecordKind) (domain.SyncState, error) {
	return s.Sync.State(ctx, kind)
}
