// Package embedding holds the embedder backends and the retry wrapper shared
// by all of them.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/retry"
)

type retrying struct {
	inner  domain.Embedder
	policy retry.Policy
	log    zerolog.Logger
}

// WithRetry wraps e so that transient failures are retried. Terminal failures
// are reported as domain.ErrEmbeddingService; a vector of the wrong dimension
// is reported as domain.ErrDimensionMismatch without retrying.
func WithRetry(e domain.Embedder, policy retry.Policy, log zerolog.Logger) domain.Embedder {
	return &retrying{inner: e, policy: policy, log: log.With().Str("embedder", e.Name()).Logger()}
}

func (r *retrying) Name() string   { return r.inner.Name() }
func (r *retrying) Dimension() int { return r.inner.Dimension() }

func (r *retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := retry.Do(ctx, r.policy, r.log, func(ctx context.Context) error {
		vec, err := r.inner.Embed(ctx, text)
		if err != nil {
			return err
		}
		if err := CheckDimension(vec, r.inner.Dimension()); err != nil {
			return retry.Permanent(err)
		}
		out = vec
		return nil
	})
	if err != nil {
		return nil, terminal(ctx, err)
	}
	return out, nil
}

func (r *retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out [][]float32
	err := retry.Do(ctx, r.policy, r.log, func(ctx context.Context) error {
		vecs, err := r.inner.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return retry.Permanent(fmt.Errorf("%w: got %d vectors for %d inputs", domain.ErrEmbeddingService, len(vecs), len(texts)))
		}
		for i, vec := range vecs {
			if err := CheckDimension(vec, r.inner.Dimension()); err != nil {
				return retry.Permanent(fmt.Errorf("item %d: %w", i, err))
			}
		}
		out = vecs
		return nil
	})
	if err != nil {
		return nil, terminal(ctx, err)
	}
	return out, nil
}

func terminal(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrDimensionMismatch), errors.Is(err, domain.ErrEmbeddingService):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrEmbeddingService, err)
	}
}

// CheckDimension reports a vector whose length differs from dim.
func CheckDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: expected %d, got %d", domain.ErrDimensionMismatch, dim, len(vec))
	}
	return nil
}

// Batches splits texts into consecutive groups of at most size items.
func Batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = len(texts)
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		out = append(out, texts[start:min(start+size, len(texts))])
	}
	return out
}
