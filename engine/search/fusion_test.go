package search

import (
	"math"
	"testing"

	"github.com/psadtpro/psadt-search/engine/semantic"
)

func hits(pairs ...float32) []semantic.SearchResult {
	var out []semantic.SearchResult
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, semantic.SearchResult{ID: uint64(pairs[i]), Score: pairs[i+1]})
	}
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestFuse_Weighted(t *testing.T) {
	f, _ := Fusion{}.Normalize()
	dense := hits(1, 0.9, 2, 0.45)
	sparse := hits(2, 12, 3, 6)

	got := fuse(f, dense, sparse)
	if len(got) != 3 {
		t.Fatalf("got %d candidates", len(got))
	}
	// id 2: 0.6*0.5 + 0.4*1 = 0.7; id 1: 0.6; id 3: 0.4*0.5 = 0.2
	want := []struct {
		id    uint64
		score float64
	}{{2, 0.7}, {1, 0.6}, {3, 0.2}}
	for i, w := range want {
		if got[i].id != w.id || !near(got[i].score, w.score) {
			t.Fatalf("rank %d = %d (%.4f), want %d (%.4f)", i, got[i].id, got[i].score, w.id, w.score)
		}
	}
	if got[0].dense != 0.45 || got[0].sparse != 12 {
		t.Fatalf("per-leg scores not kept: %+v", got[0])
	}
}

func TestFuse_WeightedIgnoresNegativeSimilarity(t *testing.T) {
	f, _ := Fusion{}.Normalize()
	got := fuse(f, hits(1, 0.5, 2, -0.3), nil)
	if !near(got[0].score, 0.6) || got[1].score != 0 {
		t.Fatalf("unexpected scores %+v", got)
	}
}

func TestFuse_RRF(t *testing.T) {
	f, _ := Fusion{Mode: FusionRRF, DenseWeight: 1, SparseWeight: 1}.Normalize()
	got := fuse(f, hits(1, 0.9, 2, 0.8), hits(2, 5, 1, 4))
	// Both ids rank 1 in one list and 2 in the other: tie broken by id.
	if got[0].id != 1 || got[1].id != 2 {
		t.Fatalf("unexpected order %+v", got)
	}
	if want := 1/61.0 + 1/62.0; !near(got[0].score, want) || !near(got[1].score, want) {
		t.Fatalf("rrf score = %.6f, want %.6f", got[0].score, want)
	}
}

func TestFuse_TieBreaksByID(t *testing.T) {
	f, _ := Fusion{}.Normalize()
	got := fuse(f, hits(9, 0.5, 4, 0.5, 7, 0.5), nil)
	if got[0].id != 4 || got[1].id != 7 || got[2].id != 9 {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestFuse_Empty(t *testing.T) {
	f, _ := Fusion{}.Normalize()
	if got := fuse(f, nil, nil); len(got) != 0 {
		t.Fatalf("expected nothing, got %+v", got)
	}
}

func TestFusionNormalize(t *testing.T) {
	f, err := Fusion{Candidates: 1}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if f.Mode != FusionWeighted || f.Candidates != 2 || f.DenseWeight != 0.6 || f.SparseWeight != 0.4 || f.RRFK != 60 {
		t.Fatalf("unexpected defaults %+v", f)
	}
	if f, _ := (Fusion{SparseWeight: 1}).Normalize(); f.DenseWeight != 0 || f.SparseWeight != 1 {
		t.Fatalf("explicit weights overridden: %+v", f)
	}
	if _, err := (Fusion{Mode: "borda"}).Normalize(); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := (Fusion{DenseWeight: -1}).Normalize(); err == nil {
		t.Fatal("expected negative weight error")
	}
}
