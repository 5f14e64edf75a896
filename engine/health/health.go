// Package health runs a fixed probe sequence against the vector store, the
// embedding provider and the search path, and folds the outcomes into one
// composite state. Checks never write to the store.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/embed"
	"github.com/psadtpro/psadt-search/engine/search"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/pkg/metrics"
)

// SampleQuery is the known query issued by the search probe.
const SampleQuery = "install application"

// State is the composite health of the engine.
type State string

const (
	StateHealthy = State("healthy")
	// StateEmptyCollection: store reachable, embedding works, zero points.
	StateEmptyCollection = State("warning_empty_collection")
	// StatePartial: a non-critical probe failed or embeddings come from the
	// fallback.
	StatePartial = State("warning_partial_functionality")
	// StateError: store unreachable or the embedding probe failed.
	StateError = State("error")
)

func (s State) severity() int {
	switch s {
	case StateHealthy:
		return 0
	case StateEmptyCollection:
		return 1
	case StatePartial:
		return 2
	default:
		return 3
	}
}

func worse(a, b State) State {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// Store is the read-only slice of the vector store the monitor probes.
type Store interface {
	Ping(ctx context.Context) (string, error)
	GetStats(ctx context.Context, name string) (semantic.Stats, error)
}

// Embedder is probed with a sample text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ModeReporter is implemented by embedders that can fall back, such as
// *embed.Provider.
type ModeReporter interface {
	Status(ctx context.Context) embed.Status
}

// Searcher runs the sample query.
type Searcher interface {
	Search(ctx context.Context, text string, opts search.Options) ([]domain.QueryResult, error)
}

// Probe is the outcome of one step of a check.
type Probe struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// CollectionReport is the per-collection part of a Report.
type CollectionReport struct {
	Kind       domain.RecordKind `json:"kind"`
	Name       string            `json:"name"`
	Status     semantic.Status   `json:"status"`
	PointCount uint64            `json:"point_count"`
	Results    int               `json:"sample_results"`
}

// Report is the result of one Check.
type Report struct {
	State         State              `json:"state"`
	StoreVersion  string             `json:"store_version,omitempty"`
	Embedding     *embed.Status      `json:"embedding,omitempty"`
	Collections   []CollectionReport `json:"collections"`
	Probes        []Probe            `json:"probes"`
	CheckedAt     time.Time          `json:"checked_at"`
	TotalDuration time.Duration      `json:"total_duration_ns"`
}

// Deps holds the monitor's collaborators. Searcher, Metrics and Logger are
// optional.
type Deps struct {
	Store       Store
	Embedder    Embedder
	Searcher    Searcher
	Collections map[domain.RecordKind]string
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Monitor runs health checks. Safe for concurrent use.
type Monitor struct {
	deps    Deps
	timeout time.Duration
	log     *slog.Logger
	met     *metrics.Registry
}

// New creates a Monitor. timeout bounds each probe; <= 0 means 5s.
func New(deps Deps, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Monitor{deps: deps, timeout: timeout, log: deps.Logger, met: deps.Metrics}
}

// Check runs the probe sequence: store connectivity, per-collection stats,
// a sample embedding, then a sample search per collection.
func (m *Monitor) Check(ctx context.Context) Report {
	start := time.Now()
	rep := Report{State: StateHealthy, CheckedAt: start.UTC()}
	kinds := m.kinds()

	storeUp := m.probe(ctx, &rep, "store", func(ctx context.Context) error {
		if m.deps.Store == nil {
			return fmt.Errorf("no vector store configured")
		}
		v, err := m.deps.Store.Ping(ctx)
		rep.StoreVersion = v
		return err
	})
	if !storeUp {
		rep.State = StateError
	}

	empty := false
	for _, kind := range kinds {
		cr := CollectionReport{Kind: kind, Name: m.deps.Collections[kind], Status: semantic.StatusUnknown}
		name := "stats:" + cr.Name
		if !storeUp {
			rep.Probes = append(rep.Probes, Probe{Name: name, Skipped: true})
			rep.Collections = append(rep.Collections, cr)
			continue
		}
		ok := m.probe(ctx, &rep, name, func(ctx context.Context) error {
			st, err := m.deps.Store.GetStats(ctx, cr.Name)
			if err != nil {
				return err
			}
			cr.Status, cr.PointCount = st.Status, st.PointCount
			if st.Status == semantic.StatusDegraded {
				return fmt.Errorf("collection %s reports degraded segments", cr.Name)
			}
			return nil
		})
		if !ok {
			rep.State = worse(rep.State, StatePartial)
		} else if cr.PointCount == 0 {
			empty = true
		}
		rep.Collections = append(rep.Collections, cr)
	}

	embedOK := m.probe(ctx, &rep, "embedding", func(ctx context.Context) error {
		if m.deps.Embedder == nil {
			return fmt.Errorf("no embedder configured")
		}
		vec, err := m.deps.Embedder.Embed(ctx, SampleQuery)
		if err != nil {
			return err
		}
		if len(vec) == 0 {
			return fmt.Errorf("embedder returned an empty vector")
		}
		return nil
	})
	if !embedOK {
		rep.State = StateError
	}
	if mr, ok := m.deps.Embedder.(ModeReporter); ok {
		st := mr.Status(ctx)
		rep.Embedding = &st
		if st.Mode == embed.ModeFallback {
			rep.State = worse(rep.State, StatePartial)
		}
	}

	for i := range rep.Collections {
		cr := &rep.Collections[i]
		name := "search:" + cr.Name
		if m.deps.Searcher == nil || !storeUp || !embedOK {
			rep.Probes = append(rep.Probes, Probe{Name: name, Skipped: true})
			continue
		}
		ok := m.probe(ctx, &rep, name, func(ctx context.Context) error {
			res, err := m.deps.Searcher.Search(ctx, SampleQuery, search.Options{Kind: cr.Kind, Limit: 1})
			cr.Results = len(res)
			return err
		})
		if !ok {
			rep.State = worse(rep.State, StatePartial)
		}
	}

	if empty {
		rep.State = worse(rep.State, StateEmptyCollection)
	}
	rep.TotalDuration = time.Since(start)

	m.met.Counter(metrics.WithLabels("psadt_health_checks_total", "state", string(rep.State)), "Health checks by resulting state.").Inc()
	m.met.Gauge("psadt_health_severity", "Severity of the last health check: 0 healthy to 3 error.").Set(int64(rep.State.severity()))
	if rep.State != StateHealthy {
		m.log.Warn("health: degraded", "state", rep.State, "duration", rep.TotalDuration)
	}
	return rep
}

// probe runs f under the probe timeout and appends its outcome to rep.
func (m *Monitor) probe(ctx context.Context, rep *Report, name string, f func(context.Context) error) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	err := f(ctx)
	p := Probe{Name: name, OK: err == nil, Duration: time.Since(start)}
	if err != nil {
		p.Error = err.Error()
		m.log.Debug("health: probe failed", "probe", name, "error", err)
	}
	rep.Probes = append(rep.Probes, p)
	return err == nil
}

func (m *Monitor) kinds() []domain.RecordKind {
	out := make([]domain.RecordKind, 0, len(m.deps.Collections))
	for k := range m.deps.Collections {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
