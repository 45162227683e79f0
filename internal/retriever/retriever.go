// Package retriever turns a query vector into ranked, deduplicated evidence.
package retriever

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
)

// Searcher is the part of a vector index the retriever needs.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]domain.SearchHit, error)
}

// Options tune a single retrieval.
type Options struct {
	// Oversample multiplies topK to size the candidate pool.
	Oversample int
	// DedupWindow drops a candidate whose chunk index is within this distance
	// of an already kept chunk of the same document.
	DedupWindow int
	// Rerank blends lexical overlap with QueryText into the ranking score.
	Rerank    bool
	QueryText string
}

type Option func(*Options)

func WithOversample(n int) Option  { return func(o *Options) { o.Oversample = n } }
func WithDedupWindow(n int) Option { return func(o *Options) { o.DedupWindow = n } }

// WithRerank enables lexical re-ranking against the question text.
func WithRerank(queryText string) Option {
	return func(o *Options) {
		o.Rerank = true
		o.QueryText = queryText
	}
}

// WithQueryText sets the question text without enabling re-ranking.
func WithQueryText(queryText string) Option {
	return func(o *Options) { o.QueryText = queryText }
}

type Retriever struct {
	index    Searcher
	defaults Options
	log      zerolog.Logger
}

func New(index Searcher, log zerolog.Logger, defaults ...Option) *Retriever {
	o := Options{Oversample: 3, DedupWindow: 1}
	for _, opt := range defaults {
		opt(&o)
	}
	return &Retriever{index: index, defaults: o, log: log}
}

// Retrieve returns at most topK evidence items whose similarity is at least
// threshold, strictly ordered by score with ranks starting at 1. No match is
// an empty slice, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query []float32, topK int, threshold float64, opts ...Option) ([]domain.EvidenceItem, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be > 0, got %d", domain.ErrInvalidArgument, topK)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be within [0,1], got %g", domain.ErrInvalidArgument, threshold)
	}
	o := r.defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.Oversample < 1 {
		o.Oversample = 1
	}

	hits, err := r.index.Search(ctx, query, topK*o.Oversample)
	if err != nil {
		return nil, err
	}
	candidates := make([]domain.EvidenceItem, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		candidates = append(candidates, domain.EvidenceItem{ID: h.ID, Chunk: h.Chunk, Score: h.Score, Similarity: h.Score})
	}
	slices.SortStableFunc(candidates, compareEvidence)

	kept := dedup(candidates, o.DedupWindow)
	if len(kept) > topK {
		kept = kept[:topK]
	}
	// Re-ranking only reorders the selected set so a stricter threshold
	// still yields a subset.
	if o.Rerank && strings.TrimSpace(o.QueryText) != "" {
		rerank(kept, o.QueryText)
	}
	for i := range kept {
		kept[i].Rank = i + 1
	}
	r.log.Debug().Int("candidates", len(hits)).Int("above_threshold", len(candidates)).Int("evidence", len(kept)).Msg("retrieved")
	return kept, nil
}

func compareEvidence(a, b domain.EvidenceItem) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Chunk.Index, b.Chunk.Index); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Chunk.DocumentID, b.Chunk.DocumentID); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// dedup walks candidates best first and keeps one of every group of
// overlapping or adjacent chunks from the same document.
func dedup(candidates []domain.EvidenceItem, window int) []domain.EvidenceItem {
	kept := make([]domain.EvidenceItem, 0, len(candidates))
	for _, c := range candidates {
		if !redundant(c, kept, window) {
			kept = append(kept, c)
		}
	}
	return kept
}

func redundant(c domain.EvidenceItem, kept []domain.EvidenceItem, window int) bool {
	for _, k := range kept {
		if k.Chunk.DocumentID != c.Chunk.DocumentID {
			continue
		}
		if k.ID == c.ID || spansOverlap(k.Chunk, c.Chunk) {
			return true
		}
		d := k.Chunk.Index - c.Chunk.Index
		if d < 0 {
			d = -d
		}
		if d <= window {
			return true
		}
	}
	return false
}

// spansOverlap ignores chunks without offsets.
func spansOverlap(a, b domain.Chunk) bool {
	if a.End <= a.Start || b.End <= b.Start {
		return false
	}
	return a.Start < b.End && b.Start < a.End
}

// rerank reorders items by 0.7 similarity + 0.2 lexical overlap + 0.05
// length fitness + 0.05 position bonus.
func rerank(items []domain.EvidenceItem, query string) {
	q := uniqueWords(query)
	for i := range items {
		items[i].Score = items[i].Similarity*0.7 +
			lexicalOverlap(q, uniqueWords(items[i].Chunk.Text))*0.2 +
			lengthFitness(items[i].Chunk.Text)*0.05 +
			positionBonus(items[i].Chunk.Index)*0.05
	}
	slices.SortStableFunc(items, compareEvidence)
}

// lexicalOverlap is the word-level Jaccard index. edlib counts repeated words
// twice, so both sides are deduplicated first.
func lexicalOverlap(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return min(1, max(0, float64(edlib.JaccardSimilarity(a, b, 0))))
}

func uniqueWords(text string) string {
	seen := make(map[string]struct{})
	var words []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.TrimFunc(w, unicode.IsPunct)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func lengthFitness(text string) float64 {
	const idealMin, idealMax = 200, 1000
	n := utf8.RuneCountInString(text)
	switch {
	case n == 0:
		return 0
	case n < idealMin:
		return float64(n) / idealMin
	case n > idealMax:
		return idealMax / float64(n)
	}
	return 1
}

func positionBonus(index int) float64 {
	switch {
	case index == 0:
		return 1.0
	case index <= 2:
		return 0.8
	case index <= 5:
		return 0.6
	}
	return 0.4
}
