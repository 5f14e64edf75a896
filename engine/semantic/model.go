package semantic

import "github.com/psadtpro/psadt-search/engine/sparse"

// Vector names inside every collection. The sparse name matches the field
// the BM25 index has always used, so existing collections stay readable.
const (
	DenseVectorName  = "dense"
	SparseVectorName = "text"
)

// DenseConfig fixes the dense vector layout of a collection.
type DenseConfig struct {
	Size     uint64 `yaml:"size" json:"size"`
	Distance string `yaml:"distance" json:"distance"` // cosine, dot, euclid, manhattan
}

// SparseConfig controls the sparse vector of a collection.
type SparseConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	IDF     bool `yaml:"idf" json:"idf"`
}

// CollectionConfig is the full layout a collection is created with.
type CollectionConfig struct {
	Dense  DenseConfig  `yaml:"dense" json:"dense"`
	Sparse SparseConfig `yaml:"sparse" json:"sparse"`
}

// Point is one vector-store entry. ID is the source record id, so
// re-upserting a record overwrites its point.
type Point struct {
	ID      uint64
	Dense   []float32
	Sparse  sparse.Vector
	Payload map[string]any
}

// SearchRequest queries one or both vector kinds. A nil Dense or empty
// Sparse skips that kind.
type SearchRequest struct {
	Dense  []float32
	Sparse sparse.Vector
	Limit  int
	Filter map[string]string
}

// SearchResult is a single hit for one vector kind.
type SearchResult struct {
	ID      uint64         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Status is the store's own segment health for a collection.
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusOptimizing Status = "optimizing"
	StatusPending    Status = "pending"
	StatusDegraded   Status = "degraded"
	StatusMissing    Status = "missing"
	StatusUnknown    Status = "unknown"
)

// Stats summarises a collection.
type Stats struct {
	Status     Status `json:"status"`
	PointCount uint64 `json:"point_count"`
	Segments   uint64 `json:"segments"`
}

// CollectionInfo describes an existing collection.
type CollectionInfo struct {
	Name   string           `json:"name"`
	Config CollectionConfig `json:"config"`
	Stats  Stats            `json:"stats"`
}

// HasSparse reports whether the collection carries the sparse vector.
func (c CollectionInfo) HasSparse() bool { return c.Config.Sparse.Enabled }
