package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/pkg/fn"
)

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// HealthAPI is the subset of pb.QdrantClient the store uses.
type HealthAPI interface {
	HealthCheck(ctx context.Context, in *pb.HealthCheckRequest, opts ...grpc.CallOption) (*pb.HealthCheckReply, error)
}

// Options tunes request sizing, timeouts and retries.
type Options struct {
	MaxBatchSize int
	Timeout      time.Duration
	Retry        fn.RetryOpts
}

// DefaultOptions returns the production defaults. Only transport failures
// are retried.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize: 256,
		Timeout:      30 * time.Second,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 200 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
			Retryable:   transient,
		},
	}
}

// VectorStore is the sole owner of all Qdrant operations. One store serves
// every collection; the last layout each collection was created or found
// with is remembered for ResetCollection.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	health      HealthAPI
	opts        Options
	logger      *slog.Logger

	mu    sync.Mutex
	known map[string]*pb.CreateCollection
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, opts Options, logger *slog.Logger) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	v := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), pb.NewQdrantClient(conn), opts)
	v.conn = conn
	if logger != nil {
		v.logger = logger
	}
	return v, nil
}

// NewWithClients builds a store over pre-built clients. Used by tests.
func NewWithClients(points PointsAPI, collections CollectionsAPI, health HealthAPI, opts Options) *VectorStore {
	def := DefaultOptions()
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = def.MaxBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = def.Retry
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = transient
	}
	return &VectorStore{
		points:      points,
		collections: collections,
		health:      health,
		opts:        opts,
		logger:      slog.Default(),
		known:       make(map[string]*pb.CreateCollection),
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// MaxBatchSize returns the largest batch UpsertBatch accepts.
func (v *VectorStore) MaxBatchSize() int { return v.opts.MaxBatchSize }

// call runs f with a per-attempt timeout, retrying transport failures.
func call[T any](ctx context.Context, v *VectorStore, op string, f func(context.Context) (T, error)) (T, error) {
	res := fn.Retry(ctx, v.opts.Retry, func(ctx context.Context) fn.Result[T] {
		cctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
		defer cancel()
		out, err := f(cctx)
		return fn.FromPair(out, err)
	})
	out, err := res.Unwrap()
	return out, wrap(op, err)
}

// Ping checks connectivity and returns the server version.
func (v *VectorStore) Ping(ctx context.Context) (string, error) {
	reply, err := call(ctx, v, "health check", func(ctx context.Context) (*pb.HealthCheckReply, error) {
		return v.health.HealthCheck(ctx, &pb.HealthCheckRequest{})
	})
	if err != nil {
		return "", err
	}
	return reply.GetVersion(), nil
}

// Describe returns the layout and stats of a collection. exists is false
// when the collection is absent.
func (v *VectorStore) Describe(ctx context.Context, name string) (info CollectionInfo, exists bool, err error) {
	resp, err := call(ctx, v, "get collection "+name, func(ctx context.Context) (*pb.GetCollectionInfoResponse, error) {
		r, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
		if notFound(err) {
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return CollectionInfo{}, false, err
	}
	if resp == nil || resp.GetResult() == nil {
		return CollectionInfo{Name: name, Stats: Stats{Status: StatusMissing}}, false, nil
	}
	res := resp.GetResult()
	return CollectionInfo{
		Name:   name,
		Config: configFromParams(res.GetConfig().GetParams()),
		Stats: Stats{
			Status:     statusOf(res.GetStatus()),
			PointCount: res.GetPointsCount(),
			Segments:   res.GetSegmentsCount(),
		},
	}, true, nil
}

// EnsureCollection creates the collection if it doesn't exist. An existing
// collection with a different dense size is a schema mismatch.
func (v *VectorStore) EnsureCollection(ctx context.Context, name string, cfg CollectionConfig) error {
	req, err := createRequest(name, cfg)
	if err != nil {
		return err
	}
	info, exists, err := v.Describe(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if info.Config.Dense.Size != cfg.Dense.Size {
			return fmt.Errorf("semantic: ensure %s: %w: dense size %d, want %d",
				name, domain.ErrSchemaMismatch, info.Config.Dense.Size, cfg.Dense.Size)
		}
		if info.Config.Sparse != cfg.Sparse {
			v.logger.Warn("semantic: sparse config differs from existing collection, keeping existing",
				"collection", name, "existing", info.Config.Sparse, "wanted", cfg.Sparse)
		}
		existing, _ := createRequest(name, info.Config)
		v.remember(existing)
		return nil
	}
	if err := v.create(ctx, req); err != nil {
		return err
	}
	v.logger.Info("semantic: collection created", "collection", name, "size", cfg.Dense.Size, "sparse", cfg.Sparse.Enabled)
	return nil
}

// ResetCollection drops and recreates the collection with its last-known
// layout. A delete failure leaves the collection untouched; a recreate
// failure is reported separately as a *ResetError with Stage "recreate".
func (v *VectorStore) ResetCollection(ctx context.Context, name string) error {
	req, ok := v.lastKnown(name)
	if !ok {
		info, exists, err := v.Describe(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("semantic: reset %s: %w", name, ErrUnknownCollection)
		}
		if req, err = createRequest(name, info.Config); err != nil {
			return err
		}
	}
	return v.recreate(ctx, req)
}

// RecreateCollection drops the collection if present and creates it with
// cfg. Used by full rebuilds that may change the layout.
func (v *VectorStore) RecreateCollection(ctx context.Context, name string, cfg CollectionConfig) error {
	req, err := createRequest(name, cfg)
	if err != nil {
		return err
	}
	return v.recreate(ctx, req)
}

func (v *VectorStore) recreate(ctx context.Context, req *pb.CreateCollection) error {
	name := req.GetCollectionName()
	_, err := call(ctx, v, "delete collection "+name, func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		r, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
		if notFound(err) {
			return r, nil
		}
		return r, err
	})
	if err != nil {
		return &ResetError{Collection: name, Stage: "delete", Err: err}
	}
	if err := v.create(ctx, req); err != nil {
		return &ResetError{Collection: name, Stage: "recreate", Err: err}
	}
	v.logger.Info("semantic: collection reset", "collection", name)
	return nil
}

// DeleteCollection removes the collection and forgets its layout.
func (v *VectorStore) DeleteCollection(ctx context.Context, name string) error {
	_, err := call(ctx, v, "delete collection "+name, func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		return v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	})
	if err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.known, name)
	v.mu.Unlock()
	return nil
}

// UpsertBatch writes points and waits for the write to be applied.
// Re-upserting an id overwrites the previous point.
func (v *VectorStore) UpsertBatch(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if len(points) > v.opts.MaxBatchSize {
		return fmt.Errorf("semantic: upsert %s: %w: %d > %d", name, ErrBatchTooLarge, len(points), v.opts.MaxBatchSize)
	}
	cfg, err := v.layout(ctx, name)
	if err != nil {
		return err
	}

	out := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		if uint64(len(p.Dense)) != cfg.Dense.Size {
			return fmt.Errorf("semantic: upsert %s: %w: point %d has %d dims, want %d",
				name, domain.ErrSchemaMismatch, p.ID, len(p.Dense), cfg.Dense.Size)
		}
		vectors := map[string]*pb.Vector{
			DenseVectorName: {Vector: &pb.Vector_Dense{Dense: &pb.DenseVector{Data: p.Dense}}},
		}
		if cfg.Sparse.Enabled && !p.Sparse.Empty() {
			vectors[SparseVectorName] = &pb.Vector{Vector: &pb.Vector_Sparse{Sparse: &pb.SparseVector{
				Indices: p.Sparse.Indices,
				Values:  p.Sparse.Values,
			}}}
		}
		out[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vectors{Vectors: &pb.NamedVectors{Vectors: vectors}}},
			Payload: toPayload(p.Payload),
		}
	}

	wait := true
	_, err = call(ctx, v, fmt.Sprintf("upsert %d points into %s", len(points), name), func(ctx context.Context) (*pb.PointsOperationResponse, error) {
		return v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         out,
		})
	})
	return err
}

// DeletePoints removes points by id. Missing ids are ignored.
func (v *VectorStore) DeletePoints(ctx context.Context, name string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: id}}
	}
	wait := true
	_, err := call(ctx, v, fmt.Sprintf("delete %d points from %s", len(ids), name), func(ctx context.Context) (*pb.PointsOperationResponse, error) {
		return v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: name,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
			},
		})
	})
	return err
}

// Search returns up to req.Limit points for each supplied vector kind,
// ranked by the store's distance. When both kinds are supplied the lists
// are merged by id keeping the higher score. A missing or empty collection
// yields no results.
func (v *VectorStore) Search(ctx context.Context, name string, req SearchRequest) ([]SearchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	filter := buildFilter(req.Filter)

	var dense, sparseHits []SearchResult
	if len(req.Dense) > 0 {
		var err error
		if dense, err = v.searchLeg(ctx, name, DenseVectorName, req.Dense, nil, limit, filter); err != nil {
			return nil, err
		}
	}
	if !req.Sparse.Empty() {
		if cfg, ok := v.knownConfig(name); !ok || cfg.Sparse.Enabled {
			var err error
			if sparseHits, err = v.searchLeg(ctx, name, SparseVectorName, req.Sparse.Values, req.Sparse.Indices, limit, filter); err != nil {
				return nil, err
			}
		}
	}
	switch {
	case sparseHits == nil:
		return dense, nil
	case dense == nil:
		return sparseHits, nil
	}
	return mergeMax(dense, sparseHits, limit), nil
}

func (v *VectorStore) searchLeg(ctx context.Context, name, vectorName string, values []float32, indices []uint32, limit int, filter *pb.Filter) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: name,
		Vector:         values,
		VectorName:     &vectorName,
		Limit:          uint64(limit),
		Filter:         filter,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if indices != nil {
		req.SparseIndices = &pb.SparseIndices{Data: indices}
	}
	resp, err := call(ctx, v, "search "+name+"/"+vectorName, func(ctx context.Context) (*pb.SearchResponse, error) {
		r, err := v.points.Search(ctx, req)
		if notFound(err) {
			return &pb.SearchResponse{}, nil
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		results = append(results, SearchResult{
			ID:      r.GetId().GetNum(),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		})
	}
	return results, nil
}

// GetStats reports status and point count. A missing collection reports
// StatusMissing with zero points.
func (v *VectorStore) GetStats(ctx context.Context, name string) (Stats, error) {
	info, _, err := v.Describe(ctx, name)
	if err != nil {
		return Stats{}, err
	}
	return info.Stats, nil
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context, name string) (uint64, error) {
	exact := true
	resp, err := call(ctx, v, "count "+name, func(ctx context.Context) (*pb.CountResponse, error) {
		r, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: name, Exact: &exact})
		if notFound(err) {
			return &pb.CountResponse{}, nil
		}
		return r, err
	})
	if err != nil {
		return 0, err
	}
	return resp.GetResult().GetCount(), nil
}

// ListCollections describes every collection on the server, sorted by name.
func (v *VectorStore) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	list, err := call(ctx, v, "list collections", func(ctx context.Context) (*pb.ListCollectionsResponse, error) {
		return v.collections.List(ctx, &pb.ListCollectionsRequest{})
	})
	if err != nil {
		return nil, err
	}
	out := make([]CollectionInfo, 0, len(list.GetCollections()))
	for _, c := range list.GetCollections() {
		info, exists, err := v.Describe(ctx, c.GetName())
		if err != nil {
			return nil, err
		}
		if exists {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *VectorStore) create(ctx context.Context, req *pb.CreateCollection) error {
	_, err := call(ctx, v, "create collection "+req.GetCollectionName(), func(ctx context.Context) (*pb.CollectionOperationResponse, error) {
		r, err := v.collections.Create(ctx, proto.Clone(req).(*pb.CreateCollection))
		if status.Code(err) == codes.AlreadyExists {
			return r, nil
		}
		return r, err
	})
	if err != nil {
		return err
	}
	v.remember(req)
	return nil
}

func (v *VectorStore) remember(req *pb.CreateCollection) {
	v.mu.Lock()
	v.known[req.GetCollectionName()] = proto.Clone(req).(*pb.CreateCollection)
	v.mu.Unlock()
}

func (v *VectorStore) lastKnown(name string) (*pb.CreateCollection, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.known[name]
	if !ok {
		return nil, false
	}
	return proto.Clone(req).(*pb.CreateCollection), true
}

func (v *VectorStore) knownConfig(name string) (CollectionConfig, bool) {
	req, ok := v.lastKnown(name)
	if !ok {
		return CollectionConfig{}, false
	}
	return configFromParams(&pb.CollectionParams{
		VectorsConfig:       req.GetVectorsConfig(),
		SparseVectorsConfig: req.GetSparseVectorsConfig(),
	}), true
}

// layout returns the collection config, reading it from the store on first use.
func (v *VectorStore) layout(ctx context.Context, name string) (CollectionConfig, error) {
	if cfg, ok := v.knownConfig(name); ok {
		return cfg, nil
	}
	info, exists, err := v.Describe(ctx, name)
	if err != nil {
		return CollectionConfig{}, err
	}
	if !exists {
		return CollectionConfig{}, fmt.Errorf("semantic: collection %s: %w", name, ErrUnknownCollection)
	}
	if req, err := createRequest(name, info.Config); err == nil {
		v.remember(req)
	}
	return info.Config, nil
}

func createRequest(name string, cfg CollectionConfig) (*pb.CreateCollection, error) {
	if cfg.Dense.Size == 0 {
		return nil, fmt.Errorf("semantic: collection %s: dense size must be positive", name)
	}
	dist, err := parseDistance(cfg.Dense.Distance)
	if err != nil {
		return nil, fmt.Errorf("semantic: collection %s: %w", name, err)
	}
	req := &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{Map: map[string]*pb.VectorParams{
					DenseVectorName: {Size: cfg.Dense.Size, Distance: dist},
				}},
			},
		},
	}
	if cfg.Sparse.Enabled {
		params := &pb.SparseVectorParams{}
		if cfg.Sparse.IDF {
			m := pb.Modifier_Idf
			params.Modifier = &m
		}
		req.SparseVectorsConfig = &pb.SparseVectorConfig{
			Map: map[string]*pb.SparseVectorParams{SparseVectorName: params},
		}
	}
	return req, nil
}

func configFromParams(p *pb.CollectionParams) CollectionConfig {
	var cfg CollectionConfig
	vc := p.GetVectorsConfig()
	params := vc.GetParams()
	if named, ok := vc.GetParamsMap().GetMap()[DenseVectorName]; ok {
		params = named
	}
	if params != nil {
		cfg.Dense = DenseConfig{Size: params.GetSize(), Distance: distanceName(params.GetDistance())}
	}
	if sp, ok := p.GetSparseVectorsConfig().GetMap()[SparseVectorName]; ok {
		cfg.Sparse = SparseConfig{Enabled: true, IDF: sp.GetModifier() == pb.Modifier_Idf}
	}
	return cfg
}

func parseDistance(s string) (pb.Distance, error) {
	switch strings.ToLower(s) {
	case "", "cosine":
		return pb.Distance_Cosine, nil
	case "dot":
		return pb.Distance_Dot, nil
	case "euclid", "euclidean":
		return pb.Distance_Euclid, nil
	case "manhattan":
		return pb.Distance_Manhattan, nil
	}
	return pb.Distance_UnknownDistance, fmt.Errorf("unknown distance %q", s)
}

func distanceName(d pb.Distance) string {
	switch d {
	case pb.Distance_Cosine:
		return "cosine"
	case pb.Distance_Dot:
		return "dot"
	case pb.Distance_Euclid:
		return "euclid"
	case pb.Distance_Manhattan:
		return "manhattan"
	}
	return "unknown"
}

func statusOf(s pb.CollectionStatus) Status {
	switch s {
	case pb.CollectionStatus_Green:
		return StatusHealthy
	case pb.CollectionStatus_Yellow:
		return StatusOptimizing
	case pb.CollectionStatus_Grey:
		return StatusPending
	case pb.CollectionStatus_Red:
		return StatusDegraded
	}
	return StatusUnknown
}

func buildFilter(filters map[string]string) *pb.Filter {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]*pb.Condition, 0, len(filters))
	for _, k := range keys {
		must = append(must, fieldMatch(k, filters[k]))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func mergeMax(a, b []SearchResult, limit int) []SearchResult {
	best := make(map[uint64]SearchResult, len(a)+len(b))
	for _, r := range append(append([]SearchResult{}, a...), b...) {
		if cur, ok := best[r.ID]; !ok || r.Score > cur.Score {
			best[r.ID] = r
		}
	}
	out := make([]SearchResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
