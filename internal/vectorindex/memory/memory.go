package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/vectorindex"
)

// Config describes the index. Path and Model are only needed for persistence.
type Config struct {
	Dimension int
	Model     string
	Path      string
}

// segment is one complete, searchable snapshot of the index.
type segment struct {
	entries []domain.IndexEntry
	byID    map[string]int
}

func newSegment(capacity int) *segment {
	return &segment{
		entries: make([]domain.IndexEntry, 0, capacity),
		byID:    make(map[string]int, capacity),
	}
}

func (s *segment) put(e domain.IndexEntry) {
	if i, ok := s.byID[e.ID]; ok {
		s.entries[i] = e
		return
	}
	s.byID[e.ID] = len(s.entries)
	s.entries = append(s.entries, e)
}

func (s *segment) remove(id string) bool {
	i, ok := s.byID[id]
	if !ok {
		return false
	}
	last := len(s.entries) - 1
	if i != last {
		s.entries[i] = s.entries[last]
		s.byID[s.entries[i].ID] = i
	}
	s.entries = s.entries[:last]
	delete(s.byID, id)
	return true
}

// Index is an in-memory brute-force cosine index. Writers are serialized by
// writeMu; searches only take a read lock on the live segment, and Rebuild
// swaps in a finished segment so readers never see a partial one.
type Index struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	live    *segment

	dimension int
	model     string
	path      string
	log       zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: index dimension must be > 0, got %d", domain.ErrConfiguration, cfg.Dimension)
	}
	return &Index{
		live:      newSegment(0),
		dimension: cfg.Dimension,
		model:     cfg.Model,
		path:      cfg.Path,
		log:       log.With().Str("index", "memory").Logger(),
	}, nil
}

func (x *Index) Dimension() int { return x.dimension }

func (x *Index) Len(context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.live.entries), nil
}

func (x *Index) entry(c domain.EmbeddedChunk) (domain.IndexEntry, error) {
	if len(c.Vector) != x.dimension {
		return domain.IndexEntry{}, fmt.Errorf("%w: chunk %s#%d has %d dimensions, index has %d",
			domain.ErrDimensionMismatch, c.DocumentID, c.Index, len(c.Vector), x.dimension)
	}
	c.Vector = vectorindex.Normalize(c.Vector)
	return domain.IndexEntry{ID: vectorindex.EntryID(c.Chunk), EmbeddedChunk: c}, nil
}

func (x *Index) Insert(ctx context.Context, chunk domain.EmbeddedChunk) (string, error) {
	ids, err := x.InsertBatch(ctx, []domain.EmbeddedChunk{chunk})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertBatch validates every chunk before touching the index, so a bad
// batch leaves it unchanged.
func (x *Index) InsertBatch(_ context.Context, chunks []domain.EmbeddedChunk) ([]string, error) {
	entries := make([]domain.IndexEntry, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		e, err := x.entry(c)
		if err != nil {
			return nil, err
		}
		entries[i] = e
		ids[i] = e.ID
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range entries {
		x.live.put(e)
	}
	return ids, nil
}

func (x *Index) Search(_ context.Context, query []float32, k int) ([]domain.SearchHit, error) {
	if err := vectorindex.CheckQuery(query, x.dimension, k); err != nil {
		return nil, err
	}
	q := vectorindex.Normalize(query)

	x.mu.RLock()
	hits := make([]domain.SearchHit, len(x.live.entries))
	for i, e := range x.live.entries {
		hits[i] = domain.SearchHit{
			ID:    e.ID,
			Score: vectorindex.Clamp(vectorindex.Dot(e.Vector, q)),
			Chunk: e.Chunk,
		}
	}
	x.mu.RUnlock()

	vectorindex.SortHits(hits)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *Index) Delete(_ context.Context, id string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.live.remove(id)
	return nil
}

func (x *Index) DeleteDocument(_ context.Context, documentID string) (int, error) {
	return x.deleteWhere(func(e domain.IndexEntry) bool { return e.DocumentID == documentID }), nil
}

func (x *Index) DeleteStale(_ context.Context, documentID, keepVersion string) (int, error) {
	return x.deleteWhere(func(e domain.IndexEntry) bool {
		return e.DocumentID == documentID && e.DocumentVersion != keepVersion
	}), nil
}

func (x *Index) deleteWhere(match func(domain.IndexEntry) bool) int {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	var ids []string
	for _, e := range x.live.entries {
		if match(e) {
			ids = append(ids, e.ID)
		}
	}
	for _, id := range ids {
		x.live.remove(id)
	}
	return len(ids)
}

func (x *Index) Documents(context.Context) (map[string]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	docs := make(map[string]string)
	for _, e := range x.live.entries {
		docs[e.DocumentID] = e.DocumentVersion
	}
	return docs, nil
}

// Rebuild builds a fresh segment off-lock and swaps it in.
func (x *Index) Rebuild(ctx context.Context, chunks []domain.EmbeddedChunk) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	next := newSegment(len(chunks))
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := x.entry(c)
		if err != nil {
			return err
		}
		next.put(e)
	}
	x.swap(next)
	x.log.Info().Int("entries", len(next.entries)).Msg("index rebuilt")
	return nil
}

func (x *Index) swap(next *segment) {
	x.mu.Lock()
	x.live = next
	x.mu.Unlock()
}

// snapshot returns the live entries sorted by id. Entries are never mutated
// in place, so the copy can be read without holding the lock.
func (x *Index) snapshot() []domain.IndexEntry {
	x.mu.RLock()
	entries := slices.Clone(x.live.entries)
	x.mu.RUnlock()
	slices.SortFunc(entries, func(a, b domain.IndexEntry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return entries
}
