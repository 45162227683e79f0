// Package synth turns retrieved evidence into a cited answer.
package synth

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/generation"
)

// InsufficientGrounding is the answer text when no evidence cleared the
// similarity threshold.
const InsufficientGrounding = "I could not find enough grounding in the indexed documents to answer this question."

var markerPattern = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

type Config struct {
	SystemPrompt string
	// MaxContextLength caps the evidence text placed in the prompt, in runes.
	// Zero means no cap.
	MaxContextLength int
	HistoryTurns     int
	Stream           bool
}

type Options struct {
	Stream     bool
	OnFragment func(string)
}

type Option func(*Options)

// WithStream asks the generator for fragments and forwards each one to
// onFragment. The answer is still returned whole.
func WithStream(onFragment func(string)) Option {
	return func(o *Options) {
		o.Stream = true
		o.OnFragment = onFragment
	}
}

type Synthesizer struct {
	gen domain.Generator
	cfg Config
	log zerolog.Logger
}

func New(gen domain.Generator, cfg Config, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{gen: gen, cfg: cfg, log: log}
}

// Synthesize answers question from evidence. history is chronological; only
// the most recent HistoryTurns turns reach the prompt. Empty evidence never
// calls the generator.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, evidence []domain.EvidenceItem, history []domain.ConversationTurn, opts ...Option) (*domain.Answer, error) {
	o := Options{Stream: s.cfg.Stream}
	for _, opt := range opts {
		opt(&o)
	}
	used := s.fit(evidence)
	if len(used) == 0 {
		return &domain.Answer{
			Question:   question,
			Text:       InsufficientGrounding,
			Citations:  []domain.Citation{},
			Confidence: domain.ConfidenceNone,
		}, nil
	}

	prompt := s.prompt(question, used, history)
	start := time.Now()
	var (
		text string
		err  error
	)
	if o.Stream {
		var ch <-chan domain.Fragment
		ch, err = s.gen.Stream(ctx, prompt)
		if err == nil {
			text, err = generation.Collect(ctx, ch, o.OnFragment)
		}
	} else {
		text, err = s.gen.Generate(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	s.log.Debug().Int("evidence", len(used)).Dur("took", time.Since(start)).Bool("stream", o.Stream).Msg("generated answer")

	return &domain.Answer{
		Question:   question,
		Text:       text,
		Citations:  Citations(text, used),
		Confidence: Confidence(used),
		Grounded:   true,
		Evidence:   used,
	}, nil
}

// fit keeps evidence in order while the cumulative text fits the context
// budget. Chunk text is never cut.
func (s *Synthesizer) fit(evidence []domain.EvidenceItem) []domain.EvidenceItem {
	if s.cfg.MaxContextLength <= 0 {
		return evidence
	}
	total := 0
	for i, ev := range evidence {
		total += utf8.RuneCountInString(ev.Chunk.Text)
		if total > s.cfg.MaxContextLength {
			s.log.Debug().Int("kept", i).Int("dropped", len(evidence)-i).Msg("context budget reached")
			return evidence[:i]
		}
	}
	return evidence
}

func (s *Synthesizer) prompt(question string, evidence []domain.EvidenceItem, history []domain.ConversationTurn) domain.Prompt {
	p := domain.Prompt{System: s.cfg.SystemPrompt, Question: question}
	if n := s.cfg.HistoryTurns; n > 0 && len(history) > 0 {
		// Keep the newest n turns; chat models read them oldest first.
		if len(history) > n {
			history = history[len(history)-n:]
		}
		for _, t := range history {
			p.Messages = append(p.Messages,
				domain.Message{Role: domain.RoleUser, Content: t.Question},
				domain.Message{Role: domain.RoleAssistant, Content: t.Answer})
		}
	}
	for i, ev := range evidence {
		source := ev.Chunk.Source
		if source == "" {
			source = ev.Chunk.DocumentID
		}
		p.Passages = append(p.Passages, domain.Passage{Marker: i + 1, Text: ev.Chunk.Text, Source: source, Page: ev.Chunk.Page})
	}
	return p
}

// Citations maps the [n] markers found in text to evidence, ordered by first
// appearance. Out of range markers are ignored.
func Citations(text string, evidence []domain.EvidenceItem) []domain.Citation {
	out := []domain.Citation{}
	seen := map[int]bool{}
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > len(evidence) || seen[n] {
				continue
			}
			seen[n] = true
			ev := evidence[n-1]
			out = append(out, domain.Citation{
				Marker:     n,
				ChunkID:    ev.ID,
				DocumentID: ev.Chunk.DocumentID,
				Source:     ev.Chunk.Source,
				Page:       ev.Chunk.Page,
				Start:      ev.Chunk.Start,
				End:        ev.Chunk.End,
				Score:      ev.Similarity,
			})
		}
	}
	return out
}

// Confidence buckets the best similarity among evidence.
func Confidence(evidence []domain.EvidenceItem) string {
	if len(evidence) == 0 {
		return domain.ConfidenceNone
	}
	best := 0.0
	for _, ev := range evidence {
		best = max(best, ev.Similarity)
	}
	switch {
	case best >= 0.8:
		return domain.ConfidenceHigh
	case best >= 0.6:
		return domain.ConfidenceMedium
	}
	return domain.ConfidenceLow
}

// FormatSources renders the cited sources as one line per citation.
func FormatSources(a *domain.Answer) string {
	if a == nil || len(a.Citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, c := range a.Citations {
		source := c.Source
		if source == "" {
			source = c.DocumentID
		}
		fmt.Fprintf(&b, "  [%d] %s", c.Marker, source)
		if c.Page > 0 {
			fmt.Fprintf(&b, ", page %d", c.Page)
		}
		fmt.Fprintf(&b, " (score %.2f)\n", c.Score)
	}
	return b.String()
}
