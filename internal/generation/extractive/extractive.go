package extractive

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"groundedqa/internal/domain"
	"groundedqa/internal/embedding/hashing"
	"groundedqa/internal/generation"
)

// Generator answers offline by quoting the evidence sentences that best match
// the question, each tagged with the marker of its passage. Sentences are
// ranked by question-term overlap weighted by term frequency across the
// evidence, normalized by sqrt of the sentence length.
type Generator struct {
	maxSentences int
	splitter     *regexp.Regexp
	tokenizer    *hashing.Embedder // shares the embedder's token rules
}

// New creates an extractive generator that quotes up to maxSentences
// sentences.
func New(maxSentences int) *Generator {
	if maxSentences <= 0 {
		maxSentences = 5
	}
	return &Generator{
		maxSentences: maxSentences,
		splitter:     regexp.MustCompile(`[^.!?。！？；\n]+(?:[.!?。！？；]+|\n|$)`),
		tokenizer:    hashing.New(0),
	}
}

func (g *Generator) Name() string { return "extractive" }

type sentence struct {
	marker int
	text   string
	score  float64
}

// Generate returns the selected sentences in evidence order.
func (g *Generator) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	parts := g.answer(prompt)
	return strings.Join(parts, " "), nil
}

// Stream emits one fragment per selected sentence.
func (g *Generator) Stream(ctx context.Context, prompt domain.Prompt) (<-chan domain.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts := g.answer(prompt)
	return generation.Pipe(ctx, func(emit func(string) bool) error {
		for i, p := range parts {
			if i > 0 {
				p = " " + p
			}
			if !emit(p) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

func (g *Generator) answer(prompt domain.Prompt) []string {
	if len(prompt.Passages) == 0 {
		return []string{"The provided evidence does not contain an answer."}
	}
	var sentences []sentence
	freq := map[string]float64{}
	for _, p := range prompt.Passages {
		for _, s := range g.splitter.FindAllString(p.Text, -1) {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			sentences = append(sentences, sentence{marker: p.Marker, text: s})
			for _, tok := range g.tokens(s) {
				freq[tok]++
			}
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	query := map[string]struct{}{}
	for _, tok := range g.tokens(prompt.Question) {
		query[tok] = struct{}{}
	}

	matched := 0
	for i := range sentences {
		toks := g.tokens(sentences[i].text)
		if len(toks) == 0 {
			continue
		}
		score, hits := 0.0, 0
		for _, tok := range toks {
			w := freq[tok] / maxF
			if _, ok := query[tok]; ok {
				w += 1
				hits++
			}
			score += w
		}
		if hits == 0 {
			score *= 0.1
		} else {
			matched++
		}
		sentences[i].score = score / math.Sqrt(float64(len(toks)))
	}

	ranked := make([]int, len(sentences))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool { return sentences[ranked[a]].score > sentences[ranked[b]].score })
	n := min(g.maxSentences, len(ranked))
	if matched > 0 {
		n = min(n, matched)
	}
	selected := ranked[:n]
	// Keep evidence order among selected.
	sort.Ints(selected)

	out := make([]string, 0, len(selected))
	for _, idx := range selected {
		s := sentences[idx]
		out = append(out, fmt.Sprintf("%s [%d]", s.text, s.marker))
	}
	return out
}

func (g *Generator) tokens(text string) []string {
	return g.tokenizer.Tokenize(text)
}
