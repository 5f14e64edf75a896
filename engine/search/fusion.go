package search

import (
	"fmt"
	"sort"

	"github.com/psadtpro/psadt-search/engine/semantic"
)

// FusionMode selects how dense and sparse result lists are combined.
type FusionMode string

const (
	// FusionWeighted sums max-normalized scores with per-signal weights.
	FusionWeighted FusionMode = "weighted"
	// FusionRRF sums weighted reciprocal ranks.
	FusionRRF FusionMode = "rrf"
)

// Fusion configures result fusion for one collection.
type Fusion struct {
	Mode         FusionMode `yaml:"mode" json:"mode"`
	DenseWeight  float64    `yaml:"dense_weight" json:"dense_weight"`
	SparseWeight float64    `yaml:"sparse_weight" json:"sparse_weight"`
	// Candidates is the multiplier K: each leg fetches limit*K hits.
	Candidates int `yaml:"candidates" json:"candidates"`
	// RRFK is the rank offset k of reciprocal rank fusion.
	RRFK float64 `yaml:"rrf_k" json:"rrf_k"`
}

// DefaultFusion returns weighted fusion with dense 0.6, sparse 0.4, K=3.
func DefaultFusion() Fusion {
	return Fusion{
		Mode:         FusionWeighted,
		DenseWeight:  0.6,
		SparseWeight: 0.4,
		Candidates:   3,
		RRFK:         60,
	}
}

// Normalize fills zero fields from DefaultFusion and enforces K >= 2.
func (f Fusion) Normalize() (Fusion, error) {
	def := DefaultFusion()
	switch f.Mode {
	case "":
		f.Mode = def.Mode
	case FusionWeighted, FusionRRF:
	default:
		return f, fmt.Errorf("search: unknown fusion mode %q", f.Mode)
	}
	if f.DenseWeight < 0 || f.SparseWeight < 0 {
		return f, fmt.Errorf("search: fusion weights must not be negative")
	}
	if f.DenseWeight == 0 && f.SparseWeight == 0 {
		f.DenseWeight, f.SparseWeight = def.DenseWeight, def.SparseWeight
	}
	if f.Candidates == 0 {
		f.Candidates = def.Candidates
	}
	f.Candidates = max(f.Candidates, 2)
	if f.RRFK <= 0 {
		f.RRFK = def.RRFK
	}
	return f, nil
}

// fused is one candidate with its per-signal scores.
type fused struct {
	id      uint64
	score   float64
	dense   float32
	sparse  float32
	payload map[string]any
}

// fuse combines the dense and sparse lists, each already ordered by
// descending score, and returns candidates sorted by fused score with ties
// broken by ascending id.
func fuse(f Fusion, dense, sparse []semantic.SearchResult) []fused {
	byID := make(map[uint64]*fused, len(dense)+len(sparse))
	get := func(r semantic.SearchResult) *fused {
		c, ok := byID[r.ID]
		if !ok {
			c = &fused{id: r.ID, payload: r.Payload}
			byID[r.ID] = c
		}
		return c
	}

	switch f.Mode {
	case FusionRRF:
		for rank, r := range dense {
			c := get(r)
			c.dense = r.Score
			c.score += f.DenseWeight / (f.RRFK + float64(rank+1))
		}
		for rank, r := range sparse {
			c := get(r)
			c.sparse = r.Score
			c.score += f.SparseWeight / (f.RRFK + float64(rank+1))
		}
	default:
		maxD, maxS := topScore(dense), topScore(sparse)
		for _, r := range dense {
			c := get(r)
			c.dense = r.Score
			c.score += f.DenseWeight * normalized(r.Score, maxD)
		}
		for _, r := range sparse {
			c := get(r)
			c.sparse = r.Score
			c.score += f.SparseWeight * normalized(r.Score, maxS)
		}
	}

	out := make([]fused, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func topScore(rs []semantic.SearchResult) float32 {
	var top float32
	for _, r := range rs {
		if r.Score > top {
			top = r.Score
		}
	}
	return top
}

// normalized maps s into [0,1] relative to the list's top score. Negative
// similarities contribute nothing.
func normalized(s, top float32) float64 {
	if top <= 0 || s <= 0 {
		return 0
	}
	return float64(s / top)
}
