// Package syncer keeps the Qdrant collections consistent with the relational
// source of record. Records flow through a validate → vectorize stage
// pipeline and are upserted in bounded-parallel, rate-paced batches.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/engine/source"
	"github.com/psadtpro/psadt-search/engine/sparse"
	"github.com/psadtpro/psadt-search/pkg/fn"
	"github.com/psadtpro/psadt-search/pkg/metrics"
)

// VectorStore is the subset of *semantic.VectorStore the orchestrator uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, cfg semantic.CollectionConfig) error
	RecreateCollection(ctx context.Context, name string, cfg semantic.CollectionConfig) error
	ResetCollection(ctx context.Context, name string) error
	UpsertBatch(ctx context.Context, name string, points []semantic.Point) error
	DeletePoints(ctx context.Context, name string, ids []uint64) error
	MaxBatchSize() int
}

// Embedder produces dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Encoder produces sparse vectors.
type Encoder interface {
	Encode(text string) sparse.Vector
}

// StateStore persists per-collection SyncState.
type StateStore interface {
	Load(ctx context.Context, collection string) (domain.SyncState, bool, error)
	Save(ctx context.Context, st domain.SyncState) error
}

// Notifier receives every finished report.
type Notifier func(ctx context.Context, rep *Report)

// Collection binds a record kind to its collection layout.
type Collection struct {
	Name   string
	Config semantic.CollectionConfig
}

// Options tunes paging, batching and pacing.
type Options struct {
	PageSize  int
	BatchSize int
	Workers   int
	// RatePerSec paces batch dispatch; <= 0 disables pacing.
	RatePerSec float64
	Burst      int
	// FailureThreshold is the failed/total ratio above which a run returns
	// a *SyncFailedError. Zero means the default; FailOnAny fails a run on
	// any failed record.
	FailureThreshold float64
	// UpsertTimeout bounds each dispatched upsert. Dispatched upserts are
	// detached from the caller's cancellation.
	UpsertTimeout time.Duration
}

// FailOnAny is the FailureThreshold that tolerates no failed record.
const FailOnAny = -1.0

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:         256,
		BatchSize:        32,
		Workers:          4,
		RatePerSec:       20,
		Burst:            4,
		FailureThreshold: 0.1,
		UpsertTimeout:    60 * time.Second,
	}
}

// Deps holds the orchestrator's collaborators. Encoder, State, Locker,
// Gates, Metrics and Logger are optional. Locker defaults to a
// LocalLocker, which only serializes syncs of this process.
type Deps struct {
	Source      source.Source
	Store       VectorStore
	Embedder    Embedder
	Encoder     Encoder
	State       StateStore
	Collections map[domain.RecordKind]Collection
	Locker      Locker
	Gates       *Gates
	Metrics     *metrics.Registry
	Notify      Notifier
	Logger      *slog.Logger
}

// Orchestrator runs full and incremental syncs, at most one per collection
// at a time.
type Orchestrator struct {
	deps     Deps
	opts     Options
	log      *slog.Logger
	limiter  *rate.Limiter
	met      *syncMetrics
	pipeline fn.Stage[domain.SourceRecord, semantic.Point]
}

// New validates deps and fills defaults.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Source == nil || deps.Store == nil || deps.Embedder == nil {
		return nil, errors.New("syncer: source, store and embedder are required")
	}
	if len(deps.Collections) == 0 {
		return nil, errors.New("syncer: no collections configured")
	}
	if deps.Encoder == nil {
		deps.Encoder = sparse.New()
	}
	if deps.State == nil {
		deps.State = NewMemoryState()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Gates == nil {
		deps.Gates = NewGates()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if limit := deps.Store.MaxBatchSize(); limit > 0 && opts.BatchSize > limit {
		opts.BatchSize = limit
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	switch {
	case opts.FailureThreshold == 0:
		opts.FailureThreshold = def.FailureThreshold
	case opts.FailureThreshold < 0:
		opts.FailureThreshold = 0
	}
	if opts.UpsertTimeout <= 0 {
		opts.UpsertTimeout = def.UpsertTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(opts.Burst, 1))
	}

	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		log:      deps.Logger,
		limiter:  limiter,
		met:      newSyncMetrics(deps.Metrics),
		pipeline: NewPipeline(deps.Embedder, deps.Encoder, deps.Logger),
	}, nil
}

// Gates returns the per-collection reset gates shared with search.
func (o *Orchestrator) Gates() *Gates { return o.deps.Gates }

// Collection returns the collection configured for kind.
func (o *Orchestrator) Collection(kind domain.RecordKind) (Collection, error) {
	c, ok := o.deps.Collections[kind]
	if !ok {
		return Collection{}, domain.NewValidationError("kind", string(kind), domain.ErrUnknownKind)
	}
	return c, nil
}

// Kinds returns the configured kinds in a stable order.
func (o *Orchestrator) Kinds() []domain.RecordKind {
	kinds := make([]domain.RecordKind, 0, len(o.deps.Collections))
	for k := range o.deps.Collections {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Locker returns the single-flight lock shared with search.
func (o *Orchestrator) Locker() Locker { return o.deps.Locker }

func (o *Orchestrator) acquire(ctx context.Context, name string) (func(), error) {
	release, err := o.deps.Locker.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	o.met.running(name).Set(1)
	return func() {
		release()
		o.met.running(name).Set(0)
	}, nil
}

// FullResync rebuilds the collection of kind from every source record.
// The collection is dropped and recreated with its configured layout under
// the write gate, then repopulated.
func (o *Orchestrator) FullResync(ctx context.Context, kind domain.RecordKind) (*Report, error) {
	col, err := o.Collection(kind)
	if err != nil {
		return nil, err
	}
	release, err := o.acquire(ctx, col.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	rep := o.newReport(kind, col.Name, ModeFull)
	st := o.loadState(ctx, col.Name)
	o.log.Info("sync: full resync started", "collection", col.Name, "run_id", rep.RunID)

	unlock := o.deps.Gates.Lock(col.Name)
	err = o.deps.Store.RecreateCollection(ctx, col.Name, col.Config)
	unlock()
	if err != nil {
		return o.finish(ctx, rep, &st, nil, fmt.Errorf("syncer: reset %s: %w", col.Name, err))
	}
	st.Watermark = time.Time{}

	t, runErr := o.run(ctx, rep, col.Name, time.Time{}, nil)
	switch {
	case t.held:
		st.Watermark = source.Below(t.hold)
	case runErr != nil && !t.maxSeen.IsZero():
		// Unfetched records may share the last timestamp seen.
		st.Watermark = source.Below(t.maxSeen)
	default:
		st.Watermark = t.maxSeen
	}
	return o.finish(ctx, rep, &st, t, runErr)
}

// IncrementalSync indexes records updated after the collection's watermark.
// Pages are processed in order and the watermark advances past a page only
// when every upsert of it and of all earlier pages succeeded.
func (o *Orchestrator) IncrementalSync(ctx context.Context, kind domain.RecordKind) (*Report, error) {
	col, err := o.Collection(kind)
	if err != nil {
		return nil, err
	}
	release, err := o.acquire(ctx, col.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	rep := o.newReport(kind, col.Name, ModeIncremental)
	st := o.loadState(ctx, col.Name)
	o.log.Info("sync: incremental sync started", "collection", col.Name, "run_id", rep.RunID, "since", st.Watermark)

	if err := o.deps.Store.EnsureCollection(ctx, col.Name, col.Config); err != nil {
		return o.finish(ctx, rep, &st, nil, fmt.Errorf("syncer: ensure %s: %w", col.Name, err))
	}
	t, runErr := o.run(ctx, rep, col.Name, st.Watermark, &st)
	return o.finish(ctx, rep, &st, t, runErr)
}

// ResetCollection empties the collection of kind, keeping its layout. A
// collection the store has never seen is created with the configured
// layout.
func (o *Orchestrator) ResetCollection(ctx context.Context, kind domain.RecordKind) error {
	col, err := o.Collection(kind)
	if err != nil {
		return err
	}
	release, err := o.acquire(ctx, col.Name)
	if err != nil {
		return err
	}
	defer release()

	unlock := o.deps.Gates.Lock(col.Name)
	err = o.deps.Store.ResetCollection(ctx, col.Name)
	if errors.Is(err, semantic.ErrUnknownCollection) {
		err = o.deps.Store.RecreateCollection(ctx, col.Name, col.Config)
	}
	unlock()
	if err != nil {
		return fmt.Errorf("syncer: reset %s: %w", col.Name, err)
	}

	st := o.loadState(ctx, col.Name)
	st.Watermark = time.Time{}
	st.Written = 0
	o.saveState(ctx, st)
	o.met.watermark(col.Name).Set(0)
	o.log.Info("sync: collection reset", "collection", col.Name)
	return nil
}

// DeleteRecords removes the points of deleted source records.
func (o *Orchestrator) DeleteRecords(ctx context.Context, kind domain.RecordKind, ids []uint64) error {
	col, err := o.Collection(kind)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	unlock := o.deps.Gates.RLock(col.Name)
	defer unlock()
	if err := o.deps.Store.DeletePoints(ctx, col.Name, ids); err != nil {
		return fmt.Errorf("syncer: delete from %s: %w", col.Name, err)
	}
	o.met.points(col.Name, "deleted").Add(int64(len(ids)))
	return nil
}

// State returns a copy of the collection's sync state.
func (o *Orchestrator) State(ctx context.Context, kind domain.RecordKind) (domain.SyncState, error) {
	col, err := o.Collection(kind)
	if err != nil {
		return domain.SyncState{}, err
	}
	st, _, err := o.deps.State.Load(ctx, col.Name)
	if err != nil {
		return domain.SyncState{}, fmt.Errorf("syncer: load state %s: %w", col.Name, err)
	}
	st.Collection = col.Name
	return st, nil
}

func (o *Orchestrator) newReport(kind domain.RecordKind, name string, mode Mode) *Report {
	return &Report{
		RunID:      uuid.NewString(),
		Kind:       kind,
		Collection: name,
		Mode:       mode,
		Failed:     []uint64{},
		StartedAt:  time.Now().UTC(),
	}
}

func (o *Orchestrator) loadState(ctx context.Context, name string) domain.SyncState {
	st, _, err := o.deps.State.Load(ctx, name)
	if err != nil {
		o.log.Warn("sync: load state failed, starting from scratch", "collection", name, "error", err)
		st = domain.SyncState{}
	}
	st.Collection = name
	return st
}

func (o *Orchestrator) saveState(ctx context.Context, st domain.SyncState) {
	if err := o.deps.State.Save(context.WithoutCancel(ctx), st); err != nil {
		o.log.Error("sync: save state failed", "collection", st.Collection, "error", err)
	}
}

// tally accumulates the outcome of a run across concurrent upserts.
type tally struct {
	mu      sync.Mutex
	written int
	failed  []uint64
	maxSeen time.Time
	// hold is the earliest UpdatedAt among records left unindexed by an
	// upsert failure or cancellation.
	hold time.Time
	held bool
}

func (t *tally) see(ts time.Time) {
	t.mu.Lock()
	if ts.After(t.maxSeen) {
		t.maxSeen = ts
	}
	t.mu.Unlock()
}

func (t *tally) fail(id uint64) {
	t.mu.Lock()
	t.failed = append(t.failed, id)
	t.mu.Unlock()
}

func (t *tally) holdAt(ts time.Time) {
	if !t.held || ts.Before(t.hold) {
		t.hold = ts
	}
	t.held = true
}

func (t *tally) holdBatch(batch []pending, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range batch {
		if failed {
			t.failed = append(t.failed, p.point.ID)
		}
		t.holdAt(p.updated)
	}
}

func (t *tally) holdRecords(recs []domain.SourceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range recs {
		t.holdAt(r.UpdatedAt)
	}
}

func (t *tally) addWritten(n int) {
	t.mu.Lock()
	t.written += n
	t.mu.Unlock()
}

func (t *tally) isHeld() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

type pending struct {
	point   semantic.Point
	updated time.Time
}

// run streams every page after since. When st is non-nil pages are
// awaited one by one and the watermark is advanced and saved after each.
// A full page advances it to just below its last timestamp, since the next
// page may continue that timestamp.
func (o *Orchestrator) run(ctx context.Context, rep *Report, name string, since time.Time, st *domain.SyncState) (*tally, error) {
	t := &tally{}
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Workers)

	var after *source.Cursor
	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		page, err := o.deps.Source.FetchRecords(ctx, rep.Kind, source.FetchOptions{
			Since:    since,
			After:    after,
			PageSize: o.opts.PageSize,
		})
		if err != nil {
			runErr = fmt.Errorf("syncer: fetch %s: %w", rep.Kind, err)
			break
		}
		rep.Total += len(page.Records)
		runErr = o.processPage(ctx, g, name, page.Records, t)

		if st != nil {
			g.Wait()
			if runErr == nil && !t.isHeld() && len(page.Records) > 0 {
				wm := page.Records[len(page.Records)-1].UpdatedAt
				if page.NextCursor != nil {
					wm = source.Below(wm)
				}
				o.advance(ctx, name, st, wm)
			}
		}
		if runErr != nil || page.NextCursor == nil {
			break
		}
		after = page.NextCursor
	}
	g.Wait()
	if st != nil && runErr == nil && !t.held {
		o.advance(ctx, name, st, t.maxSeen)
	}
	return t, runErr
}

func (o *Orchestrator) advance(ctx context.Context, name string, st *domain.SyncState, wm time.Time) {
	if !wm.After(st.Watermark) {
		return
	}
	st.Watermark = wm
	o.saveState(ctx, *st)
	o.met.watermark(name).Set(st.Watermark.Unix())
}

// processPage vectorizes a page and dispatches its upserts onto g.
func (o *Orchestrator) processPage(ctx context.Context, g *errgroup.Group, name string, recs []domain.SourceRecord, t *tally) error {
	results := fn.ParMapResult(ctx, recs, o.opts.Workers, o.pipeline)
	if err := ctx.Err(); err != nil {
		t.holdRecords(recs)
		return err
	}

	var ready []pending
	for i, res := range results {
		r := recs[i]
		t.see(r.UpdatedAt)
		p, err := res.Unwrap()
		if err != nil {
			o.log.Warn("sync: record skipped", "collection", name, "record_id", r.ID, "error", err)
			o.met.points(name, "invalid").Inc()
			t.fail(r.ID)
			continue
		}
		ready = append(ready, pending{point: p, updated: r.UpdatedAt})
	}

	batches := fn.Chunk(ready, o.opts.BatchSize)
	for i, batch := range batches {
		if err := o.limiter.Wait(ctx); err != nil {
			for _, rest := range batches[i:] {
				t.holdBatch(rest, false)
			}
			return err
		}
		g.Go(func() error {
			o.upsert(ctx, name, batch, t)
			return nil
		})
	}
	return nil
}

func (o *Orchestrator) upsert(ctx context.Context, name string, batch []pending, t *tally) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.UpsertTimeout)
	defer cancel()

	points := make([]semantic.Point, len(batch))
	for i, p := range batch {
		points[i] = p.point
	}
	start := time.Now()
	err := o.deps.Store.UpsertBatch(uctx, name, points)
	o.met.upsertSeconds(name).Since(start)
	if err != nil {
		o.log.Error("sync: batch upsert failed",
			"collection", name,
			"size", len(points),
			"first_id", points[0].ID,
			"error", err,
		)
		o.met.points(name, "failed").Add(int64(len(points)))
		t.holdBatch(batch, true)
		return
	}
	o.met.points(name, "written").Add(int64(len(points)))
	t.addWritten(len(points))
}

func (o *Orchestrator) finish(ctx context.Context, rep *Report, st *domain.SyncState, t *tally, runErr error) (*Report, error) {
	if t != nil {
		rep.Written = t.written
		rep.Failed = append(rep.Failed, t.failed...)
	}
	rep.sortFailed()
	rep.Duration = time.Since(rep.StartedAt)
	rep.Watermark = st.Watermark

	err := runErr
	if ctxErr := ctx.Err(); ctxErr != nil {
		rep.Cancelled = true
		err = ctxErr
	}
	if err == nil && len(rep.Failed) > 0 && rep.FailureRate() > o.opts.FailureThreshold {
		err = &SyncFailedError{Report: rep, Threshold: o.opts.FailureThreshold}
	}

	st.LastRunID = rep.RunID
	st.Written = rep.Written
	st.Failures = len(rep.Failed)
	result := "ok"
	if err != nil {
		rep.Error = err.Error()
		st.LastError = err.Error()
		result = "error"
	} else {
		st.LastSuccess = time.Now().UTC()
		st.LastError = ""
	}
	o.saveState(ctx, *st)
	o.met.runs(rep.Collection, rep.Mode, result).Inc()
	o.met.watermark(rep.Collection).Set(st.Watermark.Unix())

	log := o.log.With(
		"collection", rep.Collection,
		"mode", rep.Mode,
		"run_id", rep.RunID,
		"total", rep.Total,
		"written", rep.Written,
		"failed", len(rep.Failed),
		"duration", rep.Duration,
	)
	if err != nil {
		log.Error("sync: finished with error", "error", err)
	} else {
		log.Info("sync: finished")
	}

	if o.deps.Notify != nil {
		o.deps.Notify(context.WithoutCancel(ctx), rep)
	}
	return rep, err
}

// MemoryState is the process-local StateStore.
type MemoryState struct {
	mu sync.Mutex
	m  map[string]domain.SyncState
}

// NewMemoryState returns an empty MemoryState.
func NewMemoryState() *MemoryState {
	return &MemoryState{m: make(map[string]domain.SyncState)}
}

func (s *MemoryState) Load(_ context.Context, collection string) (domain.SyncState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[collection]
	return st, ok, nil
}

func (s *MemoryState) Save(_ context.Context, st domain.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[st.Collection] = st
	return nil
}
