package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/sparse"
	"github.com/psadtpro/psadt-search/pkg/fn"
)

// --- Mocks ---

type mockPoints struct {
	upsertErr  error
	deleteErr  error
	searchResp map[string]*pb.SearchResponse // keyed by vector name
	searchErr  error
	countResp  *pb.CountResponse
	countErr   error

	upserts  []*pb.UpsertPoints
	deletes  []*pb.DeletePoints
	searches []*pb.SearchPoints
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserts = append(m.upserts, in)
	return &pb.PointsOperationResponse{}, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deletes = append(m.deletes, in)
	return &pb.PointsOperationResponse{}, m.deleteErr
}
func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searches = append(m.searches, in)
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if r, ok := m.searchResp[in.GetVectorName()]; ok {
		return r, nil
	}
	return &pb.SearchResponse{}, nil
}
func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return m.countResp, m.countErr
}

type mockCollections struct {
	getResp   *pb.GetCollectionInfoResponse
	getErr    error
	listResp  *pb.ListCollectionsResponse
	listErr   error
	createErr error
	deleteErr error

	gets    int
	created []*pb.CreateCollection
	deleted []string
}

func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	m.gets++
	return m.getResp, m.getErr
}
func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in)
	return &pb.CollectionOperationResponse{Result: m.createErr == nil}, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted = append(m.deleted, in.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: m.deleteErr == nil}, m.deleteErr
}

type mockHealth struct {
	calls int
	err   error
}

func (m *mockHealth) HealthCheck(_ context.Context, _ *pb.HealthCheckRequest, _ ...grpc.CallOption) (*pb.HealthCheckReply, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &pb.HealthCheckReply{Title: "qdrant", Version: "1.13.4"}, nil
}

// --- Helpers ---

var testCfg = CollectionConfig{
	Dense:  DenseConfig{Size: 4, Distance: "cosine"},
	Sparse: SparseConfig{Enabled: true, IDF: true},
}

func testOpts() Options {
	return Options{
		MaxBatchSize: 3,
		Timeout:      time.Second,
		Retry:        fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	}
}

func newTestStore(pts *mockPoints, cols *mockCollections) *VectorStore {
	return NewWithClients(pts, cols, &mockHealth{}, testOpts())
}

func existing(size uint64, withSparse bool, points uint64, st pb.CollectionStatus) *pb.GetCollectionInfoResponse {
	params := &pb.CollectionParams{
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_ParamsMap{ParamsMap: &pb.VectorParamsMap{
			Map: map[string]*pb.VectorParams{DenseVectorName: {Size: size, Distance: pb.Distance_Cosine}},
		}}},
	}
	if withSparse {
		idf := pb.Modifier_Idf
		params.SparseVectorsConfig = &pb.SparseVectorConfig{Map: map[string]*pb.SparseVectorParams{
			SparseVectorName: {Modifier: &idf},
		}}
	}
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		Status:        st,
		PointsCount:   &points,
		SegmentsCount: 2,
		Config:        &pb.CollectionConfig{Params: params},
	}}
}

var errNotFound = status.Error(codes.NotFound, "collection not found")

// --- Tests ---

func TestNewWithClients(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, &mockHealth{}, Options{})
	if vs == nil {
		t.Fatal("expected non-nil")
	}
	if vs.MaxBatchSize() != DefaultOptions().MaxBatchSize {
		t.Fatalf("MaxBatchSize = %d", vs.MaxBatchSize())
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPing(t *testing.T) {
	h := &mockHealth{}
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, h, testOpts())
	v, err := vs.Ping(context.Background())
	if err != nil || v != "1.13.4" {
		t.Fatalf("Ping = %q, %v", v, err)
	}
}

func TestPing_UnavailableIsRetriedAndClassified(t *testing.T) {
	h := &mockHealth{err: status.Error(codes.Unavailable, "connection refused")}
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, h, testOpts())
	_, err := vs.Ping(context.Background())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if h.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", h.calls)
	}
}

func TestPing_PermanentErrorNotRetried(t *testing.T) {
	h := &mockHealth{err: status.Error(codes.PermissionDenied, "api key")}
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, h, testOpts())
	_, err := vs.Ping(context.Background())
	if err == nil || errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected plain error, got %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", h.calls)
	}
}

func TestEnsureCollection_Creates(t *testing.T) {
	cols := &mockCollections{getErr: errNotFound}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "psadt_commands", testCfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 1 {
		t.Fatalf("expected 1 create, got %d", len(cols.created))
	}
	req := cols.created[0]
	dense := req.GetVectorsConfig().GetParamsMap().GetMap()[DenseVectorName]
	if dense.GetSize() != 4 || dense.GetDistance() != pb.Distance_Cosine {
		t.Fatalf("unexpected dense params %v", dense)
	}
	sp := req.GetSparseVectorsConfig().GetMap()[SparseVectorName]
	if sp == nil || sp.GetModifier() != pb.Modifier_Idf {
		t.Fatalf("expected IDF sparse vector, got %v", sp)
	}
}

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{getResp: existing(4, true, 10, pb.CollectionStatus_Green)}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "c", testCfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 0 {
		t.Fatal("should not create an existing collection")
	}
}

func TestEnsureCollection_SchemaMismatch(t *testing.T) {
	cols := &mockCollections{getResp: existing(768, true, 0, pb.CollectionStatus_Green)}
	vs := newTestStore(&mockPoints{}, cols)
	err := vs.EnsureCollection(context.Background(), "c", testCfg)
	if !errors.Is(err, domain.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestEnsureCollection_CreateRace(t *testing.T) {
	cols := &mockCollections{getErr: errNotFound, createErr: status.Error(codes.AlreadyExists, "exists")}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.EnsureCollection(context.Background(), "c", testCfg); err != nil {
		t.Fatalf("AlreadyExists should be success, got %v", err)
	}
}

func TestEnsureCollection_BadConfig(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{getErr: errNotFound})
	if err := vs.EnsureCollection(context.Background(), "c", CollectionConfig{}); err == nil {
		t.Fatal("expected error for zero dense size")
	}
	bad := testCfg
	bad.Dense.Distance = "hamming"
	if err := vs.EnsureCollection(context.Background(), "c", bad); err == nil {
		t.Fatal("expected error for unknown distance")
	}
}

func TestResetCollection_RecreatesLastKnown(t *testing.T) {
	cols := &mockCollections{getErr: errNotFound}
	vs := newTestStore(&mockPoints{}, cols)
	ctx := context.Background()
	if err := vs.EnsureCollection(ctx, "c", testCfg); err != nil {
		t.Fatal(err)
	}
	if err := vs.ResetCollection(ctx, "c"); err != nil {
		t.Fatalf("ResetCollection: %v", err)
	}
	if len(cols.deleted) != 1 || len(cols.created) != 2 {
		t.Fatalf("deleted=%d created=%d", len(cols.deleted), len(cols.created))
	}
	if !proto.Equal(cols.created[0], cols.created[1]) {
		t.Fatal("recreate used a different layout")
	}
}

func TestResetCollection_FromStoreWhenUnknown(t *testing.T) {
	cols := &mockCollections{getResp: existing(4, false, 3, pb.CollectionStatus_Green)}
	vs := newTestStore(&mockPoints{}, cols)
	if err := vs.ResetCollection(context.Background(), "c"); err != nil {
		t.Fatalf("ResetCollection: %v", err)
	}
	if cols.created[0].GetSparseVectorsConfig() != nil {
		t.Fatal("recreated collection should keep the dense-only layout")
	}
}

func TestResetCollection_Unknown(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{getErr: errNotFound})
	err := vs.ResetCollection(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestResetCollection_DeleteFailure(t *testing.T) {
	cols := &mockCollections{getErr: errNotFound}
	vs := newTestStore(&mockPoints{}, cols)
	ctx := context.Background()
	vs.EnsureCollection(ctx, "c", testCfg)
	cols.deleteErr = status.Error(codes.Internal, "disk")

	err := vs.ResetCollection(ctx, "c")
	var re *ResetError
	if !errors.As(err, &re) || re.Stage != "delete" {
		t.Fatalf("expected delete ResetError, got %v", err)
	}
	if len(cols.created) != 1 {
		t.Fatal("recreate must not run after a failed delete")
	}
}

func TestResetCollection_RecreateFailure(t *testing.T) {
	cols := &mockCollections{getErr: errNotFound}
	vs := newTestStore(&mockPoints{}, cols)
	ctx := context.Background()
	vs.EnsureCollection(ctx, "c", testCfg)
	cols.createErr = status.Error(codes.Unavailable, "down")

	err := vs.ResetCollection(ctx, "c")
	var re *ResetError
	if !errors.As(err, &re) || re.Stage != "recreate" {
		t.Fatalf("expected recreate ResetError, got %v", err)
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable in chain, got %v", err)
	}
}

func TestUpsertBatch_Empty(t *testing.T) {
	pts := &mockPoints{}
	vs := newTestStore(pts, &mockCollections{})
	if err := vs.UpsertBatch(context.Background(), "c", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts.upserts) != 0 {
		t.Fatal("no request expected")
	}
}

func TestUpsertBatch_TooLarge(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{})
	pts := make([]Point, 4)
	if err := vs.UpsertBatch(context.Background(), "c", pts); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestUpsertBatch_Success(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{getResp: existing(4, true, 0, pb.CollectionStatus_Green)}
	vs := newTestStore(pts, cols)

	points := []Point{
		{
			ID:     42,
			Dense:  []float32{1, 0, 0, 0},
			Sparse: sparse.New().Encode("show installation welcome"),
			Payload: map[string]any{
				"title":     "Show-InstallationWelcome",
				"record_id": int64(42),
				"score":     3.14,
				"active":    true,
				"tags":      []string{"ui", "dialog"},
			},
		},
		{ID: 43, Dense: []float32{0, 1, 0, 0}},
	}
	if err := vs.UpsertBatch(context.Background(), "c", points); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(pts.upserts))
	}
	req := pts.upserts[0]
	if !req.GetWait() {
		t.Fatal("upsert must wait for the write")
	}
	first := req.GetPoints()[0]
	if first.GetId().GetNum() != 42 {
		t.Fatalf("id = %v", first.GetId())
	}
	named := first.GetVectors().GetVectors().GetVectors()
	if len(named[DenseVectorName].GetDense().GetData()) != 4 {
		t.Fatal("dense vector missing")
	}
	if len(named[SparseVectorName].GetSparse().GetIndices()) != 3 {
		t.Fatalf("sparse vector = %v", named[SparseVectorName])
	}
	if _, ok := req.GetPoints()[1].GetVectors().GetVectors().GetVectors()[SparseVectorName]; ok {
		t.Fatal("empty sparse vector should be omitted")
	}
	if first.GetPayload()["title"].GetStringValue() != "Show-InstallationWelcome" {
		t.Fatal("payload not converted")
	}
	if len(first.GetPayload()["tags"].GetListValue().GetValues()) != 2 {
		t.Fatal("list payload not converted")
	}
}

func TestUpsertBatch_DimensionMismatch(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{getResp: existing(4, true, 0, pb.CollectionStatus_Green)}
	vs := newTestStore(pts, cols)
	err := vs.UpsertBatch(context.Background(), "c", []Point{{ID: 1, Dense: []float32{1, 0}}})
	if !errors.Is(err, domain.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if len(pts.upserts) != 0 {
		t.Fatal("nothing should be written")
	}
}

func TestUpsertBatch_DenseOnlyCollectionDropsSparse(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{getResp: existing(4, false, 0, pb.CollectionStatus_Green)}
	vs := newTestStore(pts, cols)
	p := Point{ID: 1, Dense: []float32{1, 0, 0, 0}, Sparse: sparse.New().Encode("install")}
	if err := vs.UpsertBatch(context.Background(), "c", []Point{p}); err != nil {
		t.Fatal(err)
	}
	if _, ok := pts.upserts[0].GetPoints()[0].GetVectors().GetVectors().GetVectors()[SparseVectorName]; ok {
		t.Fatal("sparse vector written to a dense-only collection")
	}
}

func TestUpsertBatch_Error(t *testing.T) {
	pts := &mockPoints{upsertErr: status.Error(codes.Unavailable, "down")}
	cols := &mockCollections{getResp: existing(4, true, 0, pb.CollectionStatus_Green)}
	vs := newTestStore(pts, cols)
	err := vs.UpsertBatch(context.Background(), "c", []Point{{ID: 1, Dense: []float32{1, 0, 0, 0}}})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(pts.upserts) != 2 {
		t.Fatalf("expected retry, got %d attempts", len(pts.upserts))
	}
}

func TestUpsertBatch_MissingCollection(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{getErr: errNotFound})
	err := vs.UpsertBatch(context.Background(), "c", []Point{{ID: 1, Dense: []float32{1, 0, 0, 0}}})
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestDeletePoints(t *testing.T) {
	pts := &mockPoints{}
	vs := newTestStore(pts, &mockCollections{})
	if err := vs.DeletePoints(context.Background(), "c", []uint64{1, 2}); err != nil {
		t.Fatal(err)
	}
	ids := pts.deletes[0].GetPoints().GetPoints().GetIds()
	if len(ids) != 2 || ids[1].GetNum() != 2 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func scored(id uint64, score float32, title string) *pb.ScoredPoint {
	return &pb.ScoredPoint{
		Id:    &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: id}},
		Score: score,
		Payload: map[string]*pb.Value{
			"title":     {Kind: &pb.Value_StringValue{StringValue: title}},
			"record_id": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(id)}},
		},
	}
}

func TestSearch_Dense(t *testing.T) {
	pts := &mockPoints{searchResp: map[string]*pb.SearchResponse{
		DenseVectorName: {Result: []*pb.ScoredPoint{scored(1, 0.95, "Show-InstallationWelcome")}},
	}}
	vs := newTestStore(pts, &mockCollections{})
	res, err := vs.Search(context.Background(), "c", SearchRequest{
		Dense:  []float32{1, 0, 0, 0},
		Limit:  5,
		Filter: map[string]string{"kind": "command", "category": "ui"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].ID != 1 || res[0].Payload["title"] != "Show-InstallationWelcome" {
		t.Fatalf("unexpected results %+v", res)
	}
	if res[0].Payload["record_id"] != int64(1) {
		t.Fatalf("record_id = %#v", res[0].Payload["record_id"])
	}
	req := pts.searches[0]
	if req.GetVectorName() != DenseVectorName || req.GetLimit() != 5 || req.GetSparseIndices() != nil {
		t.Fatalf("unexpected request %v", req)
	}
	must := req.GetFilter().GetMust()
	if len(must) != 2 || must[0].GetField().GetKey() != "category" {
		t.Fatalf("filter conditions should be sorted by key: %v", must)
	}
}

func TestSearch_Sparse(t *testing.T) {
	pts := &mockPoints{searchResp: map[string]*pb.SearchResponse{
		SparseVectorName: {Result: []*pb.ScoredPoint{scored(2, 7.5, "Execute-MSI")}},
	}}
	vs := newTestStore(pts, &mockCollections{})
	sv := sparse.New().Encode("execute msi")
	res, err := vs.Search(context.Background(), "c", SearchRequest{Sparse: sv, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Score != 7.5 {
		t.Fatalf("unexpected results %+v", res)
	}
	req := pts.searches[0]
	if req.GetVectorName() != SparseVectorName || len(req.GetSparseIndices().GetData()) != sv.Len() {
		t.Fatalf("unexpected sparse request %v", req)
	}
}

func TestSearch_BothMergedByMaxScore(t *testing.T) {
	pts := &mockPoints{searchResp: map[string]*pb.SearchResponse{
		DenseVectorName:  {Result: []*pb.ScoredPoint{scored(1, 0.9, "a"), scored(2, 0.5, "b")}},
		SparseVectorName: {Result: []*pb.ScoredPoint{scored(2, 3.0, "b"), scored(3, 0.9, "c")}},
	}}
	vs := newTestStore(pts, &mockCollections{})
	res, err := vs.Search(context.Background(), "c", SearchRequest{
		Dense: []float32{1, 0, 0, 0}, Sparse: sparse.New().Encode("abc"), Limit: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || res[0].ID != 2 || res[1].ID != 1 {
		t.Fatalf("unexpected merge %+v", res)
	}
}

func TestSearch_SkipsSparseOnDenseOnlyCollection(t *testing.T) {
	pts := &mockPoints{}
	cols := &mockCollections{getResp: existing(4, false, 0, pb.CollectionStatus_Green)}
	vs := newTestStore(pts, cols)
	vs.EnsureCollection(context.Background(), "c", CollectionConfig{Dense: DenseConfig{Size: 4}})
	if _, err := vs.Search(context.Background(), "c", SearchRequest{Sparse: sparse.New().Encode("abc")}); err != nil {
		t.Fatal(err)
	}
	if len(pts.searches) != 0 {
		t.Fatal("sparse leg should be skipped")
	}
}

func TestSearch_EmptyAndMissing(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{})
	res, err := vs.Search(context.Background(), "c", SearchRequest{Dense: []float32{1, 0, 0, 0}})
	if err != nil || len(res) != 0 {
		t.Fatalf("empty collection: %v, %v", res, err)
	}

	vs = newTestStore(&mockPoints{searchErr: errNotFound}, &mockCollections{})
	res, err = vs.Search(context.Background(), "gone", SearchRequest{Dense: []float32{1, 0, 0, 0}})
	if err != nil || len(res) != 0 {
		t.Fatalf("missing collection: %v, %v", res, err)
	}

	res, err = vs.Search(context.Background(), "c", SearchRequest{})
	if err != nil || res != nil {
		t.Fatalf("no vectors: %v, %v", res, err)
	}
}

func TestSearch_Error(t *testing.T) {
	vs := newTestStore(&mockPoints{searchErr: status.Error(codes.Unavailable, "down")}, &mockCollections{})
	_, err := vs.Search(context.Background(), "c", SearchRequest{Dense: []float32{1}})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	cases := []struct {
		st   pb.CollectionStatus
		want Status
	}{
		{pb.CollectionStatus_Green, StatusHealthy},
		{pb.CollectionStatus_Yellow, StatusOptimizing},
		{pb.CollectionStatus_Grey, StatusPending},
		{pb.CollectionStatus_Red, StatusDegraded},
	}
	for _, tc := range cases {
		vs := newTestStore(&mockPoints{}, &mockCollections{getResp: existing(4, true, 12, tc.st)})
		s, err := vs.GetStats(context.Background(), "c")
		if err != nil {
			t.Fatal(err)
		}
		if s.Status != tc.want || s.PointCount != 12 || s.Segments != 2 {
			t.Errorf("status %v: got %+v", tc.st, s)
		}
	}

	vs := newTestStore(&mockPoints{}, &mockCollections{getErr: errNotFound})
	s, err := vs.GetStats(context.Background(), "c")
	if err != nil || s.Status != StatusMissing || s.PointCount != 0 {
		t.Fatalf("missing: %+v, %v", s, err)
	}
}

func TestCount(t *testing.T) {
	vs := newTestStore(&mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 3}}}, &mockCollections{})
	n, err := vs.Count(context.Background(), "c")
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}

func TestListCollections(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{{Name: "psadt_docs"}, {Name: "psadt_commands"}}},
		getResp:  existing(4, true, 5, pb.CollectionStatus_Green),
	}
	vs := newTestStore(&mockPoints{}, cols)
	infos, err := vs.ListCollections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Name != "psadt_commands" || !infos[0].HasSparse() {
		t.Fatalf("unexpected list %+v", infos)
	}
}

func TestListCollections_Error(t *testing.T) {
	vs := newTestStore(&mockPoints{}, &mockCollections{listErr: errors.New("rpc fail")})
	if _, err := vs.ListCollections(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecreateCollection_UsesNewLayout(t *testing.T) {
	cols := &mockCollections{getResp: existing(4, false, 3, pb.CollectionStatus_Green)}
	vs := newTestStore(&mockPoints{}, cols)
	ctx := context.Background()
	cfg := CollectionConfig{Dense: DenseConfig{Size: 8, Distance: "dot"}, Sparse: SparseConfig{Enabled: true}}
	if err := vs.RecreateCollection(ctx, "c", cfg); err != nil {
		t.Fatal(err)
	}
	req := cols.created[0]
	dense := req.GetVectorsConfig().GetParamsMap().GetMap()[DenseVectorName]
	if dense.GetSize() != 8 || dense.GetDistance() != pb.Distance_Dot {
		t.Fatalf("unexpected layout %v", dense)
	}
	if sp := req.GetSparseVectorsConfig().GetMap()[SparseVectorName]; sp == nil || sp.Modifier != nil {
		t.Fatalf("expected sparse vector without modifier, got %v", sp)
	}
	if cfg2, ok := vs.knownConfig("c"); !ok || cfg2.Dense.Size != 8 {
		t.Fatalf("layout not remembered: %+v", cfg2)
	}
}
