package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/embed"
	"github.com/psadtpro/psadt-search/engine/search"
	"github.com/psadtpro/psadt-search/engine/semantic"
)

type mockStore struct {
	pingErr  error
	statsErr error
	stats    map[string]semantic.Stats
	calls    int
}

func (m *mockStore) Ping(context.Context) (string, error) {
	m.calls++
	if m.pingErr != nil {
		return "", m.pingErr
	}
	return "1.12.0", nil
}

func (m *mockStore) GetStats(_ context.Context, name string) (semantic.Stats, error) {
	m.calls++
	if m.statsErr != nil {
		return semantic.Stats{}, m.statsErr
	}
	st, ok := m.stats[name]
	if !ok {
		return semantic.Stats{Status: semantic.StatusMissing}, nil
	}
	return st, nil
}

type mockEmbedder struct {
	err  error
	mode embed.Mode
}

func (m *mockEmbedder) Embed(context.Context, string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{1, 0, 0}, nil
}

func (m *mockEmbedder) Status(context.Context) embed.Status {
	mode := m.mode
	if mode == "" {
		mode = embed.ModeModel
	}
	return embed.Status{Mode: mode, Dim: 3}
}

type mockSearcher struct {
	err     error
	queries []string
}

func (m *mockSearcher) Search(_ context.Context, text string, _ search.Options) ([]domain.QueryResult, error) {
	m.queries = append(m.queries, text)
	if m.err != nil {
		return nil, m.err
	}
	return []domain.QueryResult{{ID: 1}}, nil
}

func healthyStore() *mockStore {
	return &mockStore{stats: map[string]semantic.Stats{
		"psadt_commands": {Status: semantic.StatusHealthy, PointCount: 120},
	}}
}

func newMonitor(store Store, emb Embedder, s Searcher) *Monitor {
	return New(Deps{
		Store:       store,
		Embedder:    emb,
		Searcher:    s,
		Collections: map[domain.RecordKind]string{domain.KindCommand: "psadt_commands"},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, 0)
}

func probe(rep Report, name string) (Probe, bool) {
	for _, p := range rep.Probes {
		if p.Name == name {
			return p, true
		}
	}
	return Probe{}, false
}

func TestCheck_Healthy(t *testing.T) {
	s := &mockSearcher{}
	rep := newMonitor(healthyStore(), &mockEmbedder{}, s).Check(context.Background())

	if rep.State != StateHealthy {
		t.Fatalf("state = %s, probes %+v", rep.State, rep.Probes)
	}
	if rep.StoreVersion != "1.12.0" {
		t.Errorf("version = %q", rep.StoreVersion)
	}
	if len(rep.Probes) != 4 {
		t.Fatalf("expected 4 probes, got %+v", rep.Probes)
	}
	for _, p := range rep.Probes {
		if !p.OK {
			t.Errorf("probe %s failed: %s", p.Name, p.Error)
		}
	}
	if len(s.queries) != 1 || s.queries[0] != SampleQuery {
		t.Errorf("sample search not issued: %v", s.queries)
	}
	if rep.Collections[0].PointCount != 120 || rep.Collections[0].Results != 1 {
		t.Errorf("collection report = %+v", rep.Collections[0])
	}
}

func TestCheck_EmptyCollection(t *testing.T) {
	store := &mockStore{stats: map[string]semantic.Stats{
		"psadt_commands": {Status: semantic.StatusHealthy},
	}}
	rep := newMonitor(store, &mockEmbedder{}, &mockSearcher{}).Check(context.Background())
	if rep.State != StateEmptyCollection {
		t.Fatalf("state = %s", rep.State)
	}
}

func TestCheck_MissingCollectionCountsAsEmpty(t *testing.T) {
	rep := newMonitor(&mockStore{}, &mockEmbedder{}, &mockSearcher{}).Check(context.Background())
	if rep.State != StateEmptyCollection {
		t.Fatalf("state = %s", rep.State)
	}
	if rep.Collections[0].Status != semantic.StatusMissing {
		t.Errorf("status = %s", rep.Collections[0].Status)
	}
}

func TestCheck_StoreUnreachable(t *testing.T) {
	store := healthyStore()
	store.pingErr = domain.ErrStoreUnavailable
	s := &mockSearcher{}
	rep := newMonitor(store, &mockEmbedder{}, s).Check(context.Background())

	if rep.State != StateError {
		t.Fatalf("state = %s", rep.State)
	}
	if p, _ := probe(rep, "store"); p.OK || p.Error == "" {
		t.Errorf("store probe = %+v", p)
	}
	if p, _ := probe(rep, "stats:psadt_commands"); !p.Skipped {
		t.Errorf("stats probe should be skipped: %+v", p)
	}
	if len(s.queries) != 0 {
		t.Error("search must not run against an unreachable store")
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want only the ping", store.calls)
	}
}

func TestCheck_EmbeddingFailure(t *testing.T) {
	rep := newMonitor(healthyStore(), &mockEmbedder{err: errors.New("model gone")}, &mockSearcher{}).Check(context.Background())
	if rep.State != StateError {
		t.Fatalf("state = %s", rep.State)
	}
	if p, _ := probe(rep, "search:psadt_commands"); !p.Skipped {
		t.Errorf("search probe should be skipped: %+v", p)
	}
}

func TestCheck_FallbackEmbeddingIsPartial(t *testing.T) {
	rep := newMonitor(healthyStore(), &mockEmbedder{mode: embed.ModeFallback}, &mockSearcher{}).Check(context.Background())
	if rep.State != StatePartial {
		t.Fatalf("state = %s", rep.State)
	}
	if rep.Embedding == nil || rep.Embedding.Mode != embed.ModeFallback {
		t.Errorf("embedding status = %+v", rep.Embedding)
	}
}

func TestCheck_FallbackProviderWithoutModel(t *testing.T) {
	emb := embed.New(nil, embed.Options{Dim: 8}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rep := newMonitor(healthyStore(), emb, &mockSearcher{}).Check(context.Background())
	if rep.State != StatePartial {
		t.Fatalf("state = %s", rep.State)
	}
}

func TestCheck_SearchFailureIsPartial(t *testing.T) {
	rep := newMonitor(healthyStore(), &mockEmbedder{}, &mockSearcher{err: errors.New("timeout")}).Check(context.Background())
	if rep.State != StatePartial {
		t.Fatalf("state = %s", rep.State)
	}
	if p, _ := probe(rep, "search:psadt_commands"); p.OK || p.Error != "timeout" {
		t.Errorf("search probe = %+v", p)
	}
}

func TestCheck_StatsFailureIsPartial(t *testing.T) {
	store := healthyStore()
	store.statsErr = errors.New("boom")
	rep := newMonitor(store, &mockEmbedder{}, &mockSearcher{}).Check(context.Background())
	if rep.State != StatePartial {
		t.Fatalf("state = %s", rep.State)
	}
}

func TestCheck_DegradedSegmentsArePartial(t *testing.T) {
	store := &mockStore{stats: map[string]semantic.Stats{
		"psadt_commands": {Status: semantic.StatusDegraded, PointCount: 5},
	}}
	rep := newMonitor(store, &mockEmbedder{}, &mockSearcher{}).Check(context.Background())
	if rep.State != StatePartial {
		t.Fatalf("state = %s", rep.State)
	}
}

func TestCheck_PartialOutranksEmpty(t *testing.T) {
	store := &mockStore{stats: map[string]semantic.Stats{
		"psadt_commands": {Status: semantic.StatusHealthy},
	}}
	rep := newMonitor(store, &mockEmbedder{mode: embed.ModeFallback}, &mockSearcher{}).Check(context.Background())
	if rep.State != StatePartial {
		t.Fatalf("state = %s", rep.State)
	}
}

func TestCheck_NoSearcherSkipsSearch(t *testing.T) {
	rep := newMonitor(healthyStore(), &mockEmbedder{}, nil).Check(context.Background())
	if rep.State != StateHealthy {
		t.Fatalf("state = %s", rep.State)
	}
	if p, _ := probe(rep, "search:psadt_commands"); !p.Skipped {
		t.Errorf("search probe = %+v", p)
	}
}
