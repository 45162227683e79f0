// Package vectorindex holds what the index backends share: entry ids, the
// similarity metric and result ordering.
package vectorindex

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"groundedqa/internal/domain"
)

var entryNamespace = uuid.MustParse("6f1c2f0e-9a4b-5d3e-8c71-2b8e0d4a9f13")

// EntryID derives a stable id from the chunk's document, version and index,
// so re-inserting the same chunk overwrites it.
func EntryID(c domain.Chunk) string {
	name := c.DocumentID + "\x00" + c.DocumentVersion + "\x00" + strconv.Itoa(c.Index)
	return uuid.NewSHA1(entryNamespace, []byte(name)).String()
}

// Normalize returns a unit-length copy of vec. The zero vector stays zero.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Dot is the cosine similarity of two unit vectors.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Clamp maps a cosine similarity onto [0,1]; anti-correlated vectors score 0.
func Clamp(score float64) float64 {
	switch {
	case score < 0 || math.IsNaN(score):
		return 0
	case score > 1:
		return 1
	}
	return score
}

// CheckQuery validates a search request against the index dimension.
func CheckQuery(query []float32, dimension, k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be > 0, got %d", domain.ErrInvalidArgument, k)
	}
	if len(query) != dimension {
		return fmt.Errorf("%w: query has %d dimensions, index has %d", domain.ErrDimensionMismatch, len(query), dimension)
	}
	return nil
}

// CompareHits orders by descending score, then lower chunk index, then
// document id, then entry id.
func CompareHits(a, b domain.SearchHit) int {
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

// SortHits sorts hits in place with CompareHits.
func SortHits(hits []domain.SearchHit) {
	slices.SortFunc(hits, CompareHits)
}
