package qdrant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	qd "github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/vectorindex"
)

// fakeQdrant keeps collections in memory and resolves aliases the way the
// server does.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]*qd.PointStruct
	sizes       map[string]uint64
	aliases     map[string]string
	failUpsert  bool
	// beforeUpsert runs outside the fake's lock ahead of every upsert.
	beforeUpsert func(collection string)
}

func newFake() *fakeQdrant {
	return &fakeQdrant{
		collections: map[string]map[string]*qd.PointStruct{},
		sizes:       map[string]uint64{},
		aliases:     map[string]string{},
	}
}

func (f *fakeQdrant) resolve(name string) map[string]*qd.PointStruct {
	if target, ok := f.aliases[name]; ok {
		name = target
	}
	return f.collections[name]
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qd.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[req.GetCollectionName()] = map[string]*qd.PointStruct{}
	f.sizes[req.GetCollectionName()] = req.GetVectorsConfig().GetParams().GetSize()
	return nil
}

func (f *fakeQdrant) DeleteCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeQdrant) GetCollectionInfo(_ context.Context, name string) (*qd.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &qd.CollectionInfo{Config: &qd.CollectionConfig{Params: &qd.CollectionParams{
		VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{Size: f.sizes[name], Distance: qd.Distance_Cosine}),
	}}}, nil
}

func (f *fakeQdrant) ListAliases(context.Context) ([]*qd.AliasDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qd.AliasDescription
	for alias, coll := range f.aliases {
		out = append(out, &qd.AliasDescription{AliasName: alias, CollectionName: coll})
	}
	return out, nil
}

func (f *fakeQdrant) UpdateAliases(_ context.Context, ops []*qd.AliasOperations) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		if d := op.GetDeleteAlias(); d != nil {
			delete(f.aliases, d.GetAliasName())
		}
		if c := op.GetCreateAlias(); c != nil {
			f.aliases[c.GetAliasName()] = c.GetCollectionName()
		}
	}
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qd.UpsertPoints) (*qd.UpdateResult, error) {
	if f.beforeUpsert != nil {
		f.beforeUpsert(req.GetCollectionName())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert {
		return nil, errors.New("upsert refused")
	}
	coll := f.resolve(req.GetCollectionName())
	for _, p := range req.GetPoints() {
		coll[p.GetId().GetUuid()] = p
	}
	return &qd.UpdateResult{}, nil
}

func (f *fakeQdrant) matching(coll map[string]*qd.PointStruct, filter *qd.Filter) []string {
	var ids []string
	for id, p := range coll {
		ok := true
		for _, c := range filter.GetMust() {
			field := c.GetField()
			if p.GetPayload()[field.GetKey()].GetStringValue() != field.GetMatch().GetKeyword() {
				ok = false
			}
		}
		for _, c := range filter.GetMustNot() {
			field := c.GetField()
			if p.GetPayload()[field.GetKey()].GetStringValue() == field.GetMatch().GetKeyword() {
				ok = false
			}
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeQdrant) Delete(_ context.Context, req *qd.DeletePoints) (*qd.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	coll := f.resolve(req.GetCollectionName())
	if filter := req.GetPoints().GetFilter(); filter != nil {
		for _, id := range f.matching(coll, filter) {
			delete(coll, id)
		}
	}
	for _, id := range req.GetPoints().GetPoints().GetIds() {
		delete(coll, id.GetUuid())
	}
	return &qd.UpdateResult{}, nil
}

func (f *fakeQdrant) Count(_ context.Context, req *qd.CountPoints) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.matching(f.resolve(req.GetCollectionName()), req.GetFilter()))), nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qd.QueryPoints) ([]*qd.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := req.GetQuery().GetNearest().GetDense().GetData()
	var out []*qd.ScoredPoint
	for _, p := range f.resolve(req.GetCollectionName()) {
		v := p.GetVectors().GetVector().GetDense().GetData()
		out = append(out, &qd.ScoredPoint{Id: p.GetId(), Payload: p.GetPayload(), Score: float32(vectorindex.Dot(v, q))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetScore() > out[j].GetScore() })
	if limit := int(req.GetLimit()); limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeQdrant) ScrollAndOffset(_ context.Context, req *qd.ScrollPoints) ([]*qd.RetrievedPoint, *qd.PointId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qd.RetrievedPoint
	for _, p := range f.resolve(req.GetCollectionName()) {
		out = append(out, &qd.RetrievedPoint{Id: p.GetId(), Payload: p.GetPayload()})
	}
	return out, nil, nil
}

func (f *fakeQdrant) Close() error { return nil }

func chunk(doc string, idx int, vec ...float32) domain.EmbeddedChunk {
	return domain.EmbeddedChunk{
		Chunk:  domain.Chunk{DocumentID: doc, DocumentVersion: "v1", Index: idx, Start: idx * 10, End: idx*10 + 10, Text: doc, Page: 2, Source: "/c/" + doc, Format: domain.FormatText},
		Vector: vec,
	}
}

func newTestIndex(t *testing.T, f *fakeQdrant) *Index {
	t.Helper()
	x, err := newWithClient(context.Background(), f, Config{Collection: "docs", Dimension: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newWithClient: %v", err)
	}
	return x
}

func TestNewCreatesFirstGeneration(t *testing.T) {
	f := newFake()
	newTestIndex(t, f)
	if f.aliases["docs"] != "docs_g1" {
		t.Fatalf("aliases = %v", f.aliases)
	}
	// A second client reuses the existing alias.
	newTestIndex(t, f)
	if len(f.collections) != 1 {
		t.Fatalf("collections = %d", len(f.collections))
	}
}

func TestInsertSearchAndPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t, newFake())
	if _, err := x.InsertBatch(ctx, []domain.EmbeddedChunk{chunk("a", 0, 1, 0), chunk("b", 1, -1, 0)}); err != nil {
		t.Fatal(err)
	}
	hits, err := x.Search(ctx, []float32{2, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].Chunk != chunk("a", 0).Chunk {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[1].Score != 0 {
		t.Fatalf("negative cosine should clamp to 0, got %f", hits[1].Score)
	}
	if _, err := x.Search(ctx, []float32{1}, 5); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestDeleteDocumentAndDocuments(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t, newFake())
	x.InsertBatch(ctx, []domain.EmbeddedChunk{chunk("a", 0, 1, 0), chunk("a", 1, 0, 1), chunk("b", 0, 1, 1)})
	n, err := x.DeleteDocument(ctx, "a")
	if err != nil || n != 2 {
		t.Fatalf("DeleteDocument = %d, %v", n, err)
	}
	docs, _ := x.Documents(ctx)
	if len(docs) != 1 || docs["b"] != "v1" {
		t.Fatalf("documents = %v", docs)
	}
	if l, _ := x.Len(ctx); l != 1 {
		t.Fatalf("len = %d", l)
	}
}

func TestDeleteStaleKeepsCurrentVersion(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t, newFake())
	next := chunk("a", 0, 0, 1)
	next.DocumentVersion = "v2"
	x.InsertBatch(ctx, []domain.EmbeddedChunk{chunk("a", 0, 1, 0), chunk("a", 1, 1, 0), next, chunk("b", 0, 1, 1)})

	n, err := x.DeleteStale(ctx, "a", "v2")
	if err != nil || n != 2 {
		t.Fatalf("DeleteStale = %d, %v", n, err)
	}
	docs, _ := x.Documents(ctx)
	if docs["a"] != "v2" || docs["b"] != "v1" {
		t.Fatalf("documents = %v", docs)
	}
	if l, _ := x.Len(ctx); l != 2 {
		t.Fatalf("len = %d", l)
	}
}

func TestWritesWaitForRebuildWithoutBlockingReads(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	x := newTestIndex(t, f)

	started, release := make(chan struct{}), make(chan struct{})
	f.beforeUpsert = func(collection string) {
		if collection == "docs_g2" {
			close(started)
			<-release
		}
	}
	rebuilt := make(chan error, 1)
	go func() { rebuilt <- x.Rebuild(ctx, []domain.EmbeddedChunk{chunk("fresh", 0, 1, 0)}) }()
	<-started

	inserted := make(chan error, 1)
	go func() {
		_, err := x.Insert(ctx, chunk("late", 0, 0, 1))
		inserted <- err
	}()
	select {
	case err := <-inserted:
		t.Fatalf("insert finished during rebuild: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if _, err := x.Search(ctx, []float32{1, 0}, 3); err != nil {
		t.Fatalf("search during rebuild: %v", err)
	}
	if _, err := x.Len(ctx); err != nil {
		t.Fatalf("len during rebuild: %v", err)
	}

	close(release)
	if err := <-rebuilt; err != nil {
		t.Fatal(err)
	}
	if err := <-inserted; err != nil {
		t.Fatal(err)
	}
	docs, _ := x.Documents(ctx)
	if docs["fresh"] != "v1" || docs["late"] != "v1" {
		t.Fatalf("documents = %v", docs)
	}
}

func TestRebuildWaitsForWriters(t *testing.T) {
	var g gate
	if err := g.beginWrite(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- g.beginRebuild(context.Background()) }()
	select {
	case <-done:
		t.Fatal("rebuild started with a write in flight")
	case <-time.After(20 * time.Millisecond):
	}
	g.endWrite()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.beginWrite(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("write during rebuild: %v", err)
	}
	g.endRebuild()
	if err := g.beginWrite(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.endWrite()
}

func TestRebuildSwapsGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	x := newTestIndex(t, f)
	x.Insert(ctx, chunk("stale", 0, 1, 0))

	if err := x.Rebuild(ctx, []domain.EmbeddedChunk{chunk("fresh", 0, 1, 0)}); err != nil {
		t.Fatal(err)
	}
	if f.aliases["docs"] != "docs_g2" {
		t.Fatalf("alias points at %s", f.aliases["docs"])
	}
	if _, ok := f.collections["docs_g1"]; ok {
		t.Fatalf("old generation was not dropped")
	}
	docs, _ := x.Documents(ctx)
	if _, ok := docs["stale"]; ok || docs["fresh"] != "v1" {
		t.Fatalf("documents = %v", docs)
	}
}

func TestRebuildFailureKeepsOldGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	x := newTestIndex(t, f)
	x.Insert(ctx, chunk("kept", 0, 1, 0))
	f.failUpsert = true
	if err := x.Rebuild(ctx, []domain.EmbeddedChunk{chunk("new", 0, 1, 0)}); err == nil {
		t.Fatal("expected rebuild to fail")
	}
	if f.aliases["docs"] != "docs_g1" {
		t.Fatalf("alias moved to %s", f.aliases["docs"])
	}
	if _, ok := f.collections["docs_g2"]; ok {
		t.Fatalf("failed generation left behind")
	}
}

func TestLoadDetectsDimensionDrift(t *testing.T) {
	f := newFake()
	newTestIndex(t, f)
	y, err := newWithClient(context.Background(), f, Config{Collection: "docs", Dimension: 3}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := y.Load(context.Background()); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestGenerationOf(t *testing.T) {
	tests := map[string]int{"docs_g1": 1, "docs_g12": 12, "docs": 0, "other_g3": 0, "docs_gx": 0}
	for name, want := range tests {
		if got := generationOf("docs", name); got != want {
			t.Errorf("generationOf(%q) = %d, want %d", name, got, want)
		}
	}
}
