package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"groundedqa/internal/domain"
)

// Embedder calls the Ollama embed endpoint.
type Embedder struct {
	client    *api.Client
	model     string
	dimension int
}

// New connects to host, or to OLLAMA_HOST when host is empty.
func New(host, model string, dimension int) (*Embedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: ollama embedder needs a dimension", domain.ErrConfiguration)
	}
	client, err := NewClient(host)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model, dimension: dimension}, nil
}

// NewClient connects to host, or to OLLAMA_HOST when host is empty.
func NewClient(host string) (*api.Client, error) {
	if host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("%w: ollama client: %v", domain.ErrConfiguration, err)
		}
		return c, nil
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama host %q: %v", domain.ErrConfiguration, host, err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

func (e *Embedder) Name() string   { return e.model }
func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs", domain.ErrEmbeddingService, len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
