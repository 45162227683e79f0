package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"groundedqa/internal/domain"
	ollamaembed "groundedqa/internal/embedding/ollama"
	"groundedqa/internal/generation"
)

// Generator answers through a local Ollama chat model.
type Generator struct {
	client      *api.Client
	model       string
	temperature float64
	maxTokens   int
}

func New(host, model string, temperature float64, maxTokens int) (*Generator, error) {
	client, err := ollamaembed.NewClient(host)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "llama3.1"
	}
	return &Generator{client: client, model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

func (g *Generator) Name() string { return g.model }

func (g *Generator) request(p domain.Prompt, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(p.Messages)+2)
	if p.System != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: p.System})
	}
	for _, m := range p.Messages {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, api.Message{Role: domain.RoleUser, Content: generation.Render(p)})
	opts := map[string]any{"temperature": g.temperature}
	if g.maxTokens > 0 {
		opts["num_predict"] = g.maxTokens
	}
	return &api.ChatRequest{Model: g.model, Messages: msgs, Stream: &stream, Options: opts}
}

func (g *Generator) Generate(ctx context.Context, p domain.Prompt) (string, error) {
	var b strings.Builder
	err := g.client.Chat(ctx, g.request(p, false), func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return b.String(), nil
}

func (g *Generator) Stream(ctx context.Context, p domain.Prompt) (<-chan domain.Fragment, error) {
	req := g.request(p, true)
	return generation.Pipe(ctx, func(emit func(string) bool) error {
		err := g.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			if !emit(resp.Message.Content) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ollama chat: %w", err)
		}
		return nil
	}), nil
}
