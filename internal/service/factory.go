package service

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"groundedqa/internal/chunker"
	"groundedqa/internal/config"
	"groundedqa/internal/conversation"
	"groundedqa/internal/domain"
	"groundedqa/internal/embedding"
	"groundedqa/internal/embedding/hashing"
	ollamaembed "groundedqa/internal/embedding/ollama"
	openaiembed "groundedqa/internal/embedding/openai"
	"groundedqa/internal/extract"
	"groundedqa/internal/generation"
	"groundedqa/internal/generation/extractive"
	ollamagen "groundedqa/internal/generation/ollama"
	openaigen "groundedqa/internal/generation/openai"
	"groundedqa/internal/metrics"
	"groundedqa/internal/retriever"
	"groundedqa/internal/retry"
	"groundedqa/internal/synth"
	"groundedqa/internal/vectorindex/memory"
	"groundedqa/internal/vectorindex/qdrant"
)

// FromConfig builds every component named by cfg, loads the persisted
// index and returns a ready service. m may be nil.
func FromConfig(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger, m *metrics.Metrics) (*RAGService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch, err := chunker.New(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	emb, err := NewEmbedder(cfg.Embedder, log)
	if err != nil {
		return nil, err
	}
	index, err := NewIndex(ctx, cfg.Index, emb, log)
	if err != nil {
		return nil, err
	}
	if p, ok := index.(domain.Persister); ok {
		if err := p.Load(ctx); err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
	}
	gen, err := NewGenerator(cfg.Generator, log)
	if err != nil {
		return nil, err
	}

	extractors := []domain.Extractor{extract.NewTextExtractor(), extract.NewJSONLExtractor()}
	if cfg.Ingest.ExtractorURL != "" {
		extractors = append(extractors, extract.NewRemoteExtractor(cfg.Ingest.ExtractorURL))
	}

	var store conversation.TranscriptStore
	if cfg.Conversation.TranscriptPath != "" {
		if store, err = conversation.NewSQLiteStore(cfg.Conversation.TranscriptPath); err != nil {
			return nil, err
		}
	}

	c := Components{
		Chunker:    ch,
		Embedder:   emb,
		Index:      index,
		Extractors: extract.NewRegistry(cfg.Ingest.MaxDocumentBytes, extractors...),
		Retriever: retriever.New(index, log,
			retriever.WithOversample(cfg.Retrieval.Oversample),
			retriever.WithDedupWindow(cfg.Retrieval.DedupWindow)),
		Synth: synth.New(gen, synth.Config{
			SystemPrompt:     cfg.Generator.SystemPrompt,
			MaxContextLength: cfg.Generator.MaxContextLength,
			HistoryTurns:     cfg.Generator.PromptHistoryTurns,
			Stream:           cfg.Generator.Stream,
		}, log),
		Sessions: conversation.NewSessions(cfg.Conversation.MaxTurns, cfg.Conversation.MaxSessions, store, log),
		Metrics:  m,
	}
	return NewRAGService(c, Settings{
		ModelID:             cfg.Embedder.ModelID,
		TopK:                cfg.Retrieval.TopK,
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		Rerank:              cfg.Retrieval.Rerank,
		ContextualizeTurns:  cfg.Conversation.ContextualizeTurns,
		HistoryTurns:        cfg.Generator.PromptHistoryTurns,
		Workers:             cfg.Ingest.Workers,
		BatchSize:           cfg.Embedder.BatchSize,
		IndexType:           cfg.Index.Type,
		IndexPath:           cfg.Index.Path,
	}, log), nil
}

// NewEmbedder returns the configured embedder wrapped with retries.
func NewEmbedder(cfg config.EmbedderConfig, log zerolog.Logger) (domain.Embedder, error) {
	var (
		e   domain.Embedder
		err error
	)
	switch cfg.Type {
	case "hashing":
		e = hashing.New(cfg.Dimension)
	case "openai":
		oc := cfg.OpenAI
		if oc == nil {
			oc = &config.OpenAIConfig{}
		}
		e, err = openaiembed.NewClient(openaiembed.Config{
			BaseURL:   oc.BaseURL,
			APIKeyEnv: oc.APIKeyEnv,
			Model:     oc.Model,
			Dimension: cfg.Dimension,
		})
	case "ollama":
		oc := cfg.Ollama
		if oc == nil {
			oc = &config.OllamaConfig{}
		}
		e, err = ollamaembed.New(oc.Host, oc.Model, cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown embedder type %q", domain.ErrConfiguration, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return embedding.WithRetry(e, retry.FromConfig(cfg.Retry), log), nil
}

// NewIndex opens the configured vector index for embedder's dimension.
func NewIndex(ctx context.Context, cfg config.IndexConfig, emb domain.Embedder, log zerolog.Logger) (domain.VectorIndex, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(memory.Config{Dimension: emb.Dimension(), Model: emb.Name(), Path: cfg.Path}, log)
	case "qdrant":
		qc := cfg.Qdrant
		if qc == nil {
			qc = &config.QdrantConfig{Host: "localhost", Port: 6334}
		}
		collection := qc.Collection
		if collection == "" {
			collection = "groundedqa"
		}
		return qdrant.New(ctx, qdrant.Config{
			Host:       qc.Host,
			Port:       qc.Port,
			APIKey:     os.Getenv(qc.APIKeyEnv),
			UseTLS:     qc.UseTLS,
			Collection: collection,
			Dimension:  emb.Dimension(),
		}, log)
	}
	return nil, fmt.Errorf("%w: unknown index type %q", domain.ErrConfiguration, cfg.Type)
}

// NewGenerator returns the configured generator wrapped with retries.
func NewGenerator(cfg config.GeneratorConfig, log zerolog.Logger) (domain.Generator, error) {
	var (
		g   domain.Generator
		err error
	)
	switch cfg.Type {
	case "extractive":
		return extractive.New(cfg.MaxSentences), nil
	case "openai":
		oc := cfg.OpenAI
		if oc == nil {
			oc = &config.OpenAIConfig{}
		}
		g, err = openaigen.New(openaigen.Config{
			BaseURL:     oc.BaseURL,
			APIKeyEnv:   oc.APIKeyEnv,
			Model:       oc.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	case "ollama":
		oc := cfg.Ollama
		if oc == nil {
			oc = &config.OllamaConfig{}
		}
		g, err = ollamagen.New(oc.Host, oc.Model, cfg.Temperature, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("%w: unknown generator type %q", domain.ErrConfiguration, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return generation.WithRetry(g, retry.FromConfig(cfg.Retry), log), nil
}
