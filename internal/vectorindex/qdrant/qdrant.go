package qdrant

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	qd "github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/vectorindex"
)

const upsertBatch = 256

// api is the subset of *qd.Client the index uses.
type api interface {
	CreateCollection(ctx context.Context, request *qd.CreateCollection) error
	DeleteCollection(ctx context.Context, collectionName string) error
	GetCollectionInfo(ctx context.Context, collectionName string) (*qd.CollectionInfo, error)
	ListAliases(ctx context.Context) ([]*qd.AliasDescription, error)
	UpdateAliases(ctx context.Context, actions []*qd.AliasOperations) error
	Upsert(ctx context.Context, request *qd.UpsertPoints) (*qd.UpdateResult, error)
	Delete(ctx context.Context, request *qd.DeletePoints) (*qd.UpdateResult, error)
	Count(ctx context.Context, request *qd.CountPoints) (uint64, error)
	Query(ctx context.Context, request *qd.QueryPoints) ([]*qd.ScoredPoint, error)
	ScrollAndOffset(ctx context.Context, request *qd.ScrollPoints) ([]*qd.RetrievedPoint, *qd.PointId, error)
	Close() error
}

// Config contains connection details for a Qdrant server.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// Index stores chunks in Qdrant. Clients always address the alias named
// Collection; each rebuild fills a fresh "<collection>_g<N>" collection and
// repoints the alias in one UpdateAliases call.
type Index struct {
	client    api
	alias     string
	dimension int
	log       zerolog.Logger

	writes gate
}

// New connects and makes sure the alias points at a collection.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Index, error) {
	client, err := qd.NewClient(&qd.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	x, err := newWithClient(ctx, client, cfg, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return x, nil
}

func newWithClient(ctx context.Context, client api, cfg Config, log zerolog.Logger) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: index dimension must be > 0, got %d", domain.ErrConfiguration, cfg.Dimension)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: qdrant collection name is empty", domain.ErrConfiguration)
	}
	x := &Index{
		client:    client,
		alias:     cfg.Collection,
		dimension: cfg.Dimension,
		log:       log.With().Str("index", "qdrant").Str("collection", cfg.Collection).Logger(),
	}
	active, err := x.activeCollection(ctx)
	if err != nil {
		return nil, err
	}
	if active == "" {
		name := generationName(x.alias, 1)
		if err := x.createCollection(ctx, name); err != nil {
			return nil, err
		}
		if err := client.UpdateAliases(ctx, []*qd.AliasOperations{qd.NewAliasCreate(x.alias, name)}); err != nil {
			return nil, fmt.Errorf("create alias %s: %w", x.alias, err)
		}
		x.log.Info().Str("target", name).Msg("created collection")
	}
	return x, nil
}

func (x *Index) Close() error { return x.client.Close() }

func (x *Index) Dimension() int { return x.dimension }

func generationName(alias string, gen int) string {
	return alias + "_g" + strconv.Itoa(gen)
}

func generationOf(alias, collection string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(collection, alias+"_g"))
	if err != nil || !strings.HasPrefix(collection, alias+"_g") {
		return 0
	}
	return n
}

func (x *Index) activeCollection(ctx context.Context) (string, error) {
	aliases, err := x.client.ListAliases(ctx)
	if err != nil {
		return "", fmt.Errorf("list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == x.alias {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

func (x *Index) createCollection(ctx context.Context, name string) error {
	err := x.client.CreateCollection(ctx, &qd.CreateCollection{
		CollectionName: name,
		VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{
			Size:     uint64(x.dimension),
			Distance: qd.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (x *Index) Len(ctx context.Context) (int, error) {
	n, err := x.client.Count(ctx, &qd.CountPoints{CollectionName: x.alias, Exact: qd.PtrOf(true)})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return int(n), nil
}

func (x *Index) point(c domain.EmbeddedChunk) (*qd.PointStruct, string, error) {
	if len(c.Vector) != x.dimension {
		return nil, "", fmt.Errorf("%w: chunk %s#%d has %d dimensions, index has %d",
			domain.ErrDimensionMismatch, c.DocumentID, c.Index, len(c.Vector), x.dimension)
	}
	id := vectorindex.EntryID(c.Chunk)
	return &qd.PointStruct{
		Id:      qd.NewID(id),
		Vectors: qd.NewVectors(vectorindex.Normalize(c.Vector)...),
		Payload: qd.NewValueMap(payload(c.Chunk)),
	}, id, nil
}

func (x *Index) Insert(ctx context.Context, chunk domain.EmbeddedChunk) (string, error) {
	ids, err := x.InsertBatch(ctx, []domain.EmbeddedChunk{chunk})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (x *Index) InsertBatch(ctx context.Context, chunks []domain.EmbeddedChunk) ([]string, error) {
	points := make([]*qd.PointStruct, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		p, id, err := x.point(c)
		if err != nil {
			return nil, err
		}
		points[i], ids[i] = p, id
	}
	if err := x.writes.beginWrite(ctx); err != nil {
		return nil, err
	}
	defer x.writes.endWrite()
	if err := x.upsert(ctx, x.alias, points); err != nil {
		return nil, err
	}
	return ids, nil
}

func (x *Index) upsert(ctx context.Context, collection string, points []*qd.PointStruct) error {
	for start := 0; start < len(points); start += upsertBatch {
		batch := points[start:min(start+upsertBatch, len(points))]
		if _, err := x.client.Upsert(ctx, &qd.UpsertPoints{
			CollectionName: collection,
			Wait:           qd.PtrOf(true),
			Points:         batch,
		}); err != nil {
			return fmt.Errorf("upsert %d points into %s: %w", len(batch), collection, err)
		}
	}
	return nil
}

func (x *Index) Search(ctx context.Context, query []float32, k int) ([]domain.SearchHit, error) {
	if err := vectorindex.CheckQuery(query, x.dimension, k); err != nil {
		return nil, err
	}
	points, err := x.client.Query(ctx, &qd.QueryPoints{
		CollectionName: x.alias,
		Query:          qd.NewQuery(vectorindex.Normalize(query)...),
		Limit:          qd.PtrOf(uint64(k)),
		WithPayload:    qd.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", x.alias, err)
	}
	hits := make([]domain.SearchHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, domain.SearchHit{
			ID:    p.GetId().GetUuid(),
			Score: vectorindex.Clamp(float64(p.GetScore())),
			Chunk: chunkFromPayload(p.GetPayload()),
		})
	}
	vectorindex.SortHits(hits)
	return hits, nil
}

func (x *Index) Delete(ctx context.Context, id string) error {
	if err := x.writes.beginWrite(ctx); err != nil {
		return err
	}
	defer x.writes.endWrite()
	_, err := x.client.Delete(ctx, &qd.DeletePoints{
		CollectionName: x.alias,
		Wait:           qd.PtrOf(true),
		Points:         qd.NewPointsSelector(qd.NewID(id)),
	})
	if err != nil {
		return fmt.Errorf("delete point %s: %w", id, err)
	}
	return nil
}

func (x *Index) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	return x.deleteWhere(ctx, documentID, &qd.Filter{Must: []*qd.Condition{qd.NewMatch(keyDocumentID, documentID)}})
}

func (x *Index) DeleteStale(ctx context.Context, documentID, keepVersion string) (int, error) {
	return x.deleteWhere(ctx, documentID, &qd.Filter{
		Must:    []*qd.Condition{qd.NewMatch(keyDocumentID, documentID)},
		MustNot: []*qd.Condition{qd.NewMatch(keyDocumentVersion, keepVersion)},
	})
}

func (x *Index) deleteWhere(ctx context.Context, documentID string, filter *qd.Filter) (int, error) {
	if err := x.writes.beginWrite(ctx); err != nil {
		return 0, err
	}
	defer x.writes.endWrite()
	n, err := x.client.Count(ctx, &qd.CountPoints{CollectionName: x.alias, Filter: filter, Exact: qd.PtrOf(true)})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", documentID, err)
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := x.client.Delete(ctx, &qd.DeletePoints{
		CollectionName: x.alias,
		Wait:           qd.PtrOf(true),
		Points:         qd.NewPointsSelectorFilter(filter),
	}); err != nil {
		return 0, fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return int(n), nil
}

func (x *Index) Documents(ctx context.Context) (map[string]string, error) {
	docs := make(map[string]string)
	var offset *qd.PointId
	for {
		points, next, err := x.client.ScrollAndOffset(ctx, &qd.ScrollPoints{
			CollectionName: x.alias,
			Offset:         offset,
			Limit:          qd.PtrOf(uint32(512)),
			WithPayload:    qd.NewWithPayloadInclude(keyDocumentID, keyDocumentVersion),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", x.alias, err)
		}
		for _, p := range points {
			pl := p.GetPayload()
			docs[pl[keyDocumentID].GetStringValue()] = pl[keyDocumentVersion].GetStringValue()
		}
		if next == nil {
			return docs, nil
		}
		offset = next
	}
}

// Rebuild fills the next generation and repoints the alias. The previous
// generation keeps serving searches until the alias moves. Point writes wait
// until the alias has moved so none lands in a generation about to be dropped.
func (x *Index) Rebuild(ctx context.Context, chunks []domain.EmbeddedChunk) error {
	points := make([]*qd.PointStruct, len(chunks))
	for i, c := range chunks {
		p, _, err := x.point(c)
		if err != nil {
			return err
		}
		points[i] = p
	}

	if err := x.writes.beginRebuild(ctx); err != nil {
		return err
	}
	defer x.writes.endRebuild()

	old, err := x.activeCollection(ctx)
	if err != nil {
		return err
	}
	next := generationName(x.alias, generationOf(x.alias, old)+1)
	if err := x.createCollection(ctx, next); err != nil {
		return err
	}
	if err := x.upsert(ctx, next, points); err != nil {
		x.dropCollection(next)
		return err
	}
	ops := []*qd.AliasOperations{qd.NewAliasCreate(x.alias, next)}
	if old != "" {
		ops = append([]*qd.AliasOperations{qd.NewAliasDelete(x.alias)}, ops...)
	}
	if err := x.client.UpdateAliases(ctx, ops); err != nil {
		x.dropCollection(next)
		return fmt.Errorf("swap alias %s to %s: %w", x.alias, next, err)
	}
	if old != "" {
		x.dropCollection(old)
	}
	x.log.Info().Str("target", next).Int("entries", len(points)).Msg("index rebuilt")
	return nil
}

func (x *Index) dropCollection(name string) {
	if err := x.client.DeleteCollection(context.Background(), name); err != nil {
		x.log.Warn().Err(err).Str("target", name).Msg("drop collection failed")
	}
}

// Save is a no-op; Qdrant persists server-side.
func (x *Index) Save(context.Context) error { return nil }

// Load checks that the live collection was created for this dimension.
func (x *Index) Load(ctx context.Context) error {
	active, err := x.activeCollection(ctx)
	if err != nil {
		return err
	}
	if active == "" {
		return nil
	}
	info, err := x.client.GetCollectionInfo(ctx, active)
	if err != nil {
		return fmt.Errorf("collection info %s: %w", active, err)
	}
	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if int(size) != x.dimension {
		return fmt.Errorf("%w: collection %s has %d dimensions, embedder produces %d",
			domain.ErrDimensionMismatch, active, size, x.dimension)
	}
	return nil
}
