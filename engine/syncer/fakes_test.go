package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/embed"
	"github.com/psadtpro/psadt-search/engine/semantic"
	"github.com/psadtpro/psadt-search/engine/source"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(i int) time.Time { return base.Add(time.Duration(i) * time.Minute) }

func cmd(id uint64, name string, updated time.Time) domain.SourceRecord {
	return domain.SourceRecord{
		ID:        id,
		Kind:      domain.KindCommand,
		UpdatedAt: updated,
		Command: &domain.CommandPayload{
			Name:     name,
			Synopsis: "synopsis of " + name,
		},
	}
}

// fakeSource serves records in (updated_at, id) order with keyset paging.
type fakeSource struct {
	mu      sync.Mutex
	records map[domain.RecordKind][]domain.SourceRecord
	err     error
	fetches int
}

func newFakeSource(recs ...domain.SourceRecord) *fakeSource {
	s := &fakeSource{records: make(map[domain.RecordKind][]domain.SourceRecord)}
	for _, r := range recs {
		s.put(r)
	}
	return s
}

func (s *fakeSource) put(r domain.SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Kind] = append(s.records[r.Kind], r)
}

func (s *fakeSource) FetchRecords(_ context.Context, kind domain.RecordKind, opts source.FetchOptions) (source.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return source.Page{}, s.err
	}
	recs := append([]domain.SourceRecord(nil), s.records[kind]...)
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	size := opts.PageSize
	if size <= 0 {
		size = 100
	}
	var page source.Page
	for _, r := range recs {
		if !opts.Since.IsZero() && !r.UpdatedAt.After(opts.Since) {
			continue
		}
		if c := opts.After; c != nil {
			if r.UpdatedAt.Before(c.UpdatedAt) || (r.UpdatedAt.Equal(c.UpdatedAt) && r.ID <= c.ID) {
				continue
			}
		}
		page.Records = append(page.Records, r)
		if len(page.Records) == size {
			break
		}
	}
	if len(page.Records) == size {
		last := page.Records[len(page.Records)-1]
		page.NextCursor = &source.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return page, nil
}

// fakeStore is an in-memory VectorStore.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string]semantic.CollectionConfig
	points      map[string]map[uint64]semantic.Point
	failIDs     map[uint64]bool
	recreateErr error
	maxBatch    int

	recreates int
	upserts   int
	// onUpsert runs before each upsert, outside the lock.
	onUpsert func(ctx context.Context, points []semantic.Point)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string]semantic.CollectionConfig),
		points:      make(map[string]map[uint64]semantic.Point),
		failIDs:     make(map[uint64]bool),
		maxBatch:    256,
	}
}

func (f *fakeStore) EnsureCollection(_ context.Context, name string, cfg semantic.CollectionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = cfg
		f.points[name] = make(map[uint64]semantic.Point)
	}
	return nil
}

func (f *fakeStore) RecreateCollection(_ context.Context, name string, cfg semantic.CollectionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recreates++
	if f.recreateErr != nil {
		return f.recreateErr
	}
	f.collections[name] = cfg
	f.points[name] = make(map[uint64]semantic.Point)
	return nil
}

func (f *fakeStore) ResetCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		return semantic.ErrUnknownCollection
	}
	f.points[name] = make(map[uint64]semantic.Point)
	return nil
}

func (f *fakeStore) UpsertBatch(ctx context.Context, name string, points []semantic.Point) error {
	if f.onUpsert != nil {
		f.onUpsert(ctx, points)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if len(points) > f.maxBatch {
		return semantic.ErrBatchTooLarge
	}
	for _, p := range points {
		if f.failIDs[p.ID] {
			return errors.New("upsert rejected")
		}
	}
	m, ok := f.points[name]
	if !ok {
		return errors.New("collection not found")
	}
	for _, p := range points {
		m[p.ID] = p
	}
	return nil
}

func (f *fakeStore) DeletePoints(_ context.Context, name string, ids []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points[name], id)
	}
	return nil
}

func (f *fakeStore) MaxBatchSize() int { return f.maxBatch }

func (f *fakeStore) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points[name])
}

func (f *fakeStore) has(name string, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.points[name][id]
	return ok
}

func (f *fakeStore) setFail(ids ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failIDs = make(map[uint64]bool)
	for _, id := range ids {
		f.failIDs[id] = true
	}
}

const commands = "psadt_commands"

func testCollections() map[domain.RecordKind]Collection {
	cfg := semantic.CollectionConfig{
		Dense:  semantic.DenseConfig{Size: 8, Distance: "cosine"},
		Sparse: semantic.SparseConfig{Enabled: true, IDF: true},
	}
	return map[domain.RecordKind]Collection{
		domain.KindCommand: {Name: commands, Config: cfg},
		domain.KindExample: {Name: "psadt_examples", Config: cfg},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, src *fakeSource, store *fakeStore, opts Options) *Orchestrator {
	o, err := New(Deps{
		Source:      src,
		Store:       store,
		Embedder:    embed.New(nil, embed.Options{Dim: 8}, quietLogger()),
		Collections: testCollections(),
		Logger:      quietLogger(),
	}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return embed.Fallback(text, 8), nil
}
