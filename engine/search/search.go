// Package search answers similarity queries over one collection by running
// dense and sparse retrieval in parallel and fusing the two ranked lists.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/engine/sparse"
	"github.com/psadtpro/psadt-search/pkg/metrics"
)

const (
	DefaultLimit = 5
	MaxLimit     = 100
)

// Store abstracts the vector store's read side.
type Store interface {
	Search(ctx context.Context, name string, req semantic.SearchRequest) ([]semantic.SearchResult, error)
	Describe(ctx context.Context, name string) (semantic.CollectionInfo, bool, error)
}

// Embedder produces the query's dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Encoder produces the query's sparse vector.
type Encoder interface {
	Encode(text string) sparse.Vector
}

// Gate is taken for reading around every search so no query observes a
// collection mid-reset.
type Gate interface {
	RLock(name string) func()
}

// Resets reports whether some process holds a collection's sync lock.
// While it does, a missing collection is mid-reset rather than absent.
type Resets interface {
	Held(ctx context.Context, name string) (bool, error)
}

// Collection binds a record kind to its collection and fusion settings.
type Collection struct {
	Name   string
	Fusion Fusion
}

// Options selects what one query searches.
type Options struct {
	// Kind defaults to the engine's default kind.
	Kind  domain.RecordKind
	Limit int
	// Filter restricts hits to payload fields equal to the given values.
	Filter map[string]string
}

// Config tunes the engine.
type Config struct {
	DefaultKind domain.RecordKind
	// Timeout bounds the store calls of one query.
	Timeout time.Duration
	// LayoutTTL is how long a collection's sparse support is cached.
	LayoutTTL time.Duration
	// ResetWait bounds how long a query waits for a collection another
	// process is resetting.
	ResetWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultKind: domain.KindCommand,
		Timeout:     10 * time.Second,
		LayoutTTL:   30 * time.Second,
		ResetWait:   5 * time.Second,
	}
}

const resetPoll = 50 * time.Millisecond

// Deps holds the engine's collaborators. Encoder, Gate, Resets, Metrics and
// Logger are optional. Gate covers resets run by this process, Resets those
// run by any other.
type Deps struct {
	Store       Store
	Embedder    Embedder
	Encoder     Encoder
	Gate        Gate
	Resets      Resets
	Collections map[domain.RecordKind]Collection
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

type layout struct {
	sparse bool
	at     time.Time
}

// Engine is the hybrid search engine. Safe for concurrent use.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	met    *metrics.Registry

	mu      sync.Mutex
	layouts map[string]layout
}

// New validates deps and normalizes every collection's fusion settings.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Embedder == nil {
		return nil, errors.New("search: store and embedder are required")
	}
	if len(deps.Collections) == 0 {
		return nil, errors.New("search: no collections configured")
	}
	cols := make(map[domain.RecordKind]Collection, len(deps.Collections))
	for kind, c := range deps.Collections {
		f, err := c.Fusion.Normalize()
		if err != nil {
			return nil, fmt.Errorf("search: collection %s: %w", c.Name, err)
		}
		c.Fusion = f
		cols[kind] = c
	}
	deps.Collections = cols
	if deps.Encoder == nil {
		deps.Encoder = sparse.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	def := DefaultConfig()
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = def.DefaultKind
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.LayoutTTL <= 0 {
		cfg.LayoutTTL = def.LayoutTTL
	}
	if cfg.ResetWait <= 0 {
		cfg.ResetWait = def.ResetWait
	}
	return &Engine{
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger,
		met:     deps.Metrics,
		layouts: make(map[string]layout),
	}, nil
}

// Collection returns the collection configured for kind.
func (e *Engine) Collection(kind domain.RecordKind) (Collection, error) {
	if kind == "" {
		kind = e.cfg.DefaultKind
	}
	c, ok := e.deps.Collections[kind]
	if !ok {
		return Collection{}, domain.NewValidationError("kind", string(kind), domain.ErrUnknownKind)
	}
	return c, nil
}

// NormalizeLimit maps limit <= 0 to DefaultLimit and caps it at MaxLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// Search runs a hybrid query. Invalid text fails with domain.ErrInvalidQuery
// before any embedding or store call. A missing or empty collection yields
// an empty, non-nil slice.
func (e *Engine) Search(ctx context.Context, text string, opts Options) ([]domain.QueryResult, error) {
	if err := domain.ValidateQuery(text); err != nil {
		e.met.Counter(metrics.WithLabels("psadt_search_errors_total", "reason", "invalid_query"), "Failed searches.").Inc()
		return nil, err
	}
	kind := opts.Kind
	if kind == "" {
		kind = e.cfg.DefaultKind
	}
	col, err := e.Collection(kind)
	if err != nil {
		return nil, err
	}
	limit := NormalizeLimit(opts.Limit)
	start := time.Now()
	defer e.met.Histogram(metrics.WithLabels("psadt_search_seconds", "collection", col.Name), "Hybrid search latency.", nil).Since(start)

	unlock := e.gate().RLock(col.Name)
	defer func() { unlock() }()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	hasSparse, exists, err := e.layout(ctx, col.Name)
	if err == nil && !exists && e.deps.Resets != nil {
		// Waiting must not hold the gate a local reset needs.
		unlock()
		hasSparse, exists, err = e.awaitReset(ctx, col.Name)
		unlock = e.gate().RLock(col.Name)
	}
	if err != nil {
		e.met.Counter(metrics.WithLabels("psadt_search_errors_total", "reason", "store"), "Failed searches.").Inc()
		return nil, fmt.Errorf("search: describe %s: %w", col.Name, err)
	}
	if !exists {
		e.logger.Warn("search: collection missing", "collection", col.Name)
		return []domain.QueryResult{}, nil
	}

	dense, err := e.deps.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	sv := e.deps.Encoder.Encode(text)

	candidates := limit * col.Fusion.Candidates
	denseHits, sparseHits, err := e.retrieve(ctx, col.Name, hasSparse, dense, sv, candidates, opts.Filter)
	if err == nil && len(denseHits) == 0 && len(sparseHits) == 0 && e.deps.Resets != nil {
		// A cached layout can outlive a collection another process dropped.
		if hasSparse, exists, err = e.recheck(ctx, col.Name, &unlock); err == nil && exists {
			denseHits, sparseHits, err = e.retrieve(ctx, col.Name, hasSparse, dense, sv, candidates, opts.Filter)
		}
	}
	if err != nil {
		e.met.Counter(metrics.WithLabels("psadt_search_errors_total", "reason", "store"), "Failed searches.").Inc()
		return nil, fmt.Errorf("search: %s: %w", col.Name, err)
	}

	ranked := fuse(col.Fusion, denseHits, sparseHits)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]domain.QueryResult, len(ranked))
	for i, c := range ranked {
		title, _ := c.payload["title"].(string)
		out[i] = domain.QueryResult{
			ID:          c.id,
			Kind:        kind,
			Title:       title,
			Score:       c.score,
			DenseScore:  c.dense,
			SparseScore: c.sparse,
			Payload:     c.payload,
		}
	}
	e.met.Counter(metrics.WithLabels("psadt_search_queries_total", "collection", col.Name), "Hybrid searches served.").Inc()
	e.logger.Debug("search: done",
		"collection", col.Name,
		"dense_hits", len(denseHits),
		"sparse_hits", len(sparseHits),
		"results", len(out),
		"duration", time.Since(start),
	)
	return out, nil
}

// retrieve runs the dense leg and, when the collection and query support
// it, the sparse leg in parallel.
func (e *Engine) retrieve(ctx context.Context, name string, hasSparse bool, dense []float32, sv sparse.Vector,
	candidates int, filter map[string]string,
) (denseHits, sparseHits []semantic.SearchResult, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseHits, err = e.deps.Store.Search(gctx, name, semantic.SearchRequest{
			Dense: dense, Limit: candidates, Filter: filter,
		})
		return err
	})
	if hasSparse && !sv.Empty() {
		g.Go(func() error {
			var err error
			sparseHits, err = e.deps.Store.Search(gctx, name, semantic.SearchRequest{
				Sparse: sv, Limit: candidates, Filter: filter,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return denseHits, sparseHits, nil
}

// recheck runs after a query came back empty. When a sync holds the
// collection it drops the cached layout and, if the collection is gone,
// waits for it outside the gate. exists reports whether a retry can find
// points.
func (e *Engine) recheck(ctx context.Context, name string, unlock *func()) (hasSparse, exists bool, err error) {
	held, err := e.deps.Resets.Held(ctx, name)
	if err != nil || !held {
		return false, false, nil
	}
	e.Forget(name)
	if _, exists, err = e.layout(ctx, name); err != nil || exists {
		return false, false, err
	}
	(*unlock)()
	hasSparse, exists, err = e.awaitReset(ctx, name)
	*unlock = e.gate().RLock(name)
	return hasSparse, exists, err
}

// awaitReset polls a missing collection while another process holds its
// sync lock, for at most ResetWait. A lock check failure ends the wait.
func (e *Engine) awaitReset(ctx context.Context, name string) (hasSparse, exists bool, err error) {
	deadline := time.NewTimer(e.cfg.ResetWait)
	defer deadline.Stop()
	tick := time.NewTicker(resetPoll)
	defer tick.Stop()
	for {
		held, herr := e.deps.Resets.Held(ctx, name)
		if herr != nil {
			e.logger.Warn("search: reset check failed", "collection", name, "error", herr)
			return false, false, nil
		}
		if !held {
			return e.layout(ctx, name)
		}
		select {
		case <-ctx.Done():
			return false, false, nil
		case <-deadline.C:
			return false, false, nil
		case <-tick.C:
		}
		if hasSparse, exists, err = e.layout(ctx, name); err != nil || exists {
			return hasSparse, exists, err
		}
	}
}

func (e *Engine) gate() Gate {
	if e.deps.Gate == nil {
		return noGate{}
	}
	return e.deps.Gate
}

type noGate struct{}

func (noGate) RLock(string) func() { return func() {} }

// layout reports whether the collection exists and supports sparse vectors.
// Existing collections are cached for LayoutTTL.
func (e *Engine) layout(ctx context.Context, name string) (hasSparse, exists bool, err error) {
	e.mu.Lock()
	l, ok := e.layouts[name]
	e.mu.Unlock()
	if ok && time.Since(l.at) < e.cfg.LayoutTTL {
		return l.sparse, true, nil
	}

	info, exists, err := e.deps.Store.Describe(ctx, name)
	if err != nil || !exists {
		return false, exists, err
	}
	e.mu.Lock()
	e.layouts[name] = layout{sparse: info.HasSparse(), at: time.Now()}
	e.mu.Unlock()
	return info.HasSparse(), true, nil
}

// Forget drops the cached layout of a collection, e.g. after a rebuild
// changed it.
func (e *Engine) Forget(name string) {
	e.mu.Lock()
	delete(e.layouts, name)
	e.mu.Unlock()
}
