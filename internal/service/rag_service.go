// Package service wires the pipeline stages into the build and ask
// operations used by the CLI, TUI and HTTP front ends.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"groundedqa/internal/conversation"
	"groundedqa/internal/domain"
	"groundedqa/internal/embedding"
	"groundedqa/internal/extract"
	"groundedqa/internal/metrics"
	"groundedqa/internal/retriever"
	"groundedqa/internal/synth"
)

// Components are the collaborators a Service drives. Embedder is expected
// to be wrapped with embedding.WithRetry already.
type Components struct {
	Chunker    domain.Chunker
	Embedder   domain.Embedder
	Index      domain.VectorIndex
	Extractors *extract.Registry
	Retriever  *retriever.Retriever
	Synth      *synth.Synthesizer
	Sessions   *conversation.Sessions
	Metrics    *metrics.Metrics
}

// Settings are the knobs the service reads per call.
type Settings struct {
	// ModelID is the embedding model the index is bound to. Empty skips the
	// check.
	ModelID             string
	TopK                int
	SimilarityThreshold float64
	Rerank              bool
	ContextualizeTurns  int
	HistoryTurns        int
	Workers             int
	BatchSize           int
	IndexType           string
	IndexPath           string
}

type RAGService struct {
	c   Components
	cfg Settings
	log zerolog.Logger

	// buildMu serializes builds and watch-driven ingestion. Queries never
	// take it.
	buildMu sync.Mutex
}

func NewRAGService(c Components, cfg Settings, log zerolog.Logger) *RAGService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &RAGService{c: c, cfg: cfg, log: log}
}

// AskOptions adjust a single question.
type AskOptions struct {
	OnFragment func(string)
	TopK       int
	Threshold  *float64
}

type AskOption func(*AskOptions)

// WithStreaming forwards answer fragments to fn while they are generated.
func WithStreaming(fn func(string)) AskOption {
	return func(o *AskOptions) { o.OnFragment = fn }
}

func WithTopK(k int) AskOption { return func(o *AskOptions) { o.TopK = k } }

func WithThreshold(t float64) AskOption { return func(o *AskOptions) { o.Threshold = &t } }

// Ask answers question in the given session. The turn is recorded only when
// an answer is produced; a cancelled ctx returns ctx.Err() and leaves the
// session untouched. An answer without evidence is not an error.
func (s *RAGService) Ask(ctx context.Context, question, sessionID string, opts ...AskOption) (*domain.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", domain.ErrInvalidArgument)
	}
	o := AskOptions{TopK: s.cfg.TopK}
	for _, opt := range opts {
		opt(&o)
	}
	threshold := s.cfg.SimilarityThreshold
	if o.Threshold != nil {
		threshold = *o.Threshold
	}
	log := s.log.With().Str("session", sessionID).Logger()

	history := s.c.Sessions.Recent(ctx, sessionID, max(s.cfg.HistoryTurns, s.cfg.ContextualizeTurns))

	start := time.Now()
	vec, err := s.c.Embedder.Embed(ctx, contextualize(question, history, s.cfg.ContextualizeTurns))
	if err != nil {
		return nil, s.failed(ctx, err)
	}
	if err := embedding.CheckDimension(vec, s.c.Index.Dimension()); err != nil {
		return nil, s.failed(ctx, err)
	}
	ropts := []retriever.Option{retriever.WithQueryText(question)}
	if s.cfg.Rerank {
		ropts = append(ropts, retriever.WithRerank(question))
	}
	evidence, err := s.c.Retriever.Retrieve(ctx, vec, o.TopK, threshold, ropts...)
	if err != nil {
		return nil, s.failed(ctx, err)
	}
	s.c.Metrics.Retrieval(time.Since(start))

	start = time.Now()
	var sopts []synth.Option
	if o.OnFragment != nil {
		sopts = append(sopts, synth.WithStream(o.OnFragment))
	}
	answer, err := s.c.Synth.Synthesize(ctx, question, evidence, lastTurns(history, s.cfg.HistoryTurns), sopts...)
	if err != nil {
		return nil, s.failed(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.c.Metrics.Generation(time.Since(start))
	answer.SessionID = sessionID

	turn := domain.ConversationTurn{Question: question, Answer: answer.Text, EvidenceIDs: answer.EvidenceIDs(), At: time.Now()}
	if err := s.c.Sessions.Append(ctx, sessionID, turn); err != nil {
		log.Warn().Err(err).Msg("could not persist turn")
	}
	if answer.Grounded {
		s.c.Metrics.Query(metrics.OutcomeGrounded)
	} else {
		s.c.Metrics.Query(metrics.OutcomeNoEvidence)
	}
	log.Info().Int("evidence", len(answer.Evidence)).Int("citations", len(answer.Citations)).Str("confidence", answer.Confidence).Msg("answered")
	return answer, nil
}

func (s *RAGService) failed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.c.Metrics.Query(metrics.OutcomeError)
	return err
}

// contextualize prefixes the question with the last n questions of the
// session so follow-ups like "and the second one?" retrieve on topic.
func contextualize(question string, history []domain.ConversationTurn, n int) string {
	prior := lastTurns(history, n)
	if len(prior) == 0 {
		return question
	}
	parts := make([]string, 0, len(prior)+1)
	for _, t := range prior {
		parts = append(parts, t.Question)
	}
	return strings.Join(append(parts, question), "\n")
}

func lastTurns(history []domain.ConversationTurn, n int) []domain.ConversationTurn {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

// History returns the last n turns of a session, oldest first.
func (s *RAGService) History(ctx context.Context, sessionID string, n int) []domain.ConversationTurn {
	return s.c.Sessions.Recent(ctx, sessionID, n)
}

func (s *RAGService) ResetSession(ctx context.Context, sessionID string) error {
	return s.c.Sessions.Reset(ctx, sessionID)
}

// Stats describes the index.
type Stats struct {
	Entries   int    `json:"entries"`
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
	Model     string `json:"model"`
	IndexType string `json:"index_type"`
	Path      string `json:"path,omitempty"`
	Sessions  int    `json:"sessions"`
}

func (s *RAGService) Stats(ctx context.Context) (Stats, error) {
	n, err := s.c.Index.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	docs, err := s.c.Index.Documents(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.c.Metrics.IndexSize(n)
	return Stats{
		Entries:   n,
		Documents: len(docs),
		Dimension: s.c.Index.Dimension(),
		Model:     s.c.Embedder.Name(),
		IndexType: s.cfg.IndexType,
		Path:      s.cfg.IndexPath,
		Sessions:  s.c.Sessions.Count(),
	}, nil
}

// Close releases the transcript store and the index client.
func (s *RAGService) Close() error {
	var errs []error
	errs = append(errs, s.c.Sessions.Close())
	if c, ok := s.c.Index.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// UserMessage turns a terminal error into text fit for an end user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	case errors.Is(err, domain.ErrEmbeddingService):
		return "The embedding service is unavailable right now. Please try again later."
	case errors.Is(err, domain.ErrGenerationService):
		return "The answer service is unavailable right now. Please try again later."
	case errors.Is(err, domain.ErrDimensionMismatch):
		return "The index was built with a different embedding model. Rebuild it with the current configuration."
	case errors.Is(err, domain.ErrIndexCorruption):
		return "The stored index is damaged. Rebuild it from the corpus."
	case errors.Is(err, domain.ErrConfiguration):
		return "The service is misconfigured: " + err.Error()
	case errors.Is(err, domain.ErrInvalidArgument):
		return "The request is invalid: " + err.Error()
	}
	return "Something went wrong while answering."
}

// Supports reports whether path has a format the ingestion registry reads.
func (s *RAGService) Supports(path string) bool {
	return s.c.Extractors.Supports(path)
}
