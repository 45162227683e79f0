package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"groundedqa/internal/domain"
	"groundedqa/internal/generation"
)

// Config configures an OpenAI-compatible chat backend.
type Config struct {
	BaseURL     string
	APIKeyEnv   string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generator answers through the chat completions API.
type Generator struct {
	client *openai.Client
	model  shared.ChatModel
	cfg    Config
}

func New(cfg Config) (*Generator, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrConfiguration, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	c := openai.NewClient(opts...)
	return &Generator{client: &c, model: shared.ChatModel(cfg.Model), cfg: cfg}, nil
}

func (g *Generator) Name() string { return string(g.model) }

func (g *Generator) params(p domain.Prompt) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(p.Messages)+2)
	if p.System != "" {
		msgs = append(msgs, openai.SystemMessage(p.System))
	}
	for _, m := range p.Messages {
		if m.Role == domain.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(generation.Render(p)))

	params := openai.ChatCompletionNewParams{Model: g.model, Messages: msgs}
	params.Temperature = openai.Float(g.cfg.Temperature)
	if g.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(g.cfg.MaxTokens))
	}
	return params
}

func (g *Generator) Generate(ctx context.Context, p domain.Prompt) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, g.params(p))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", domain.ErrGenerationService)
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) Stream(ctx context.Context, p domain.Prompt) (<-chan domain.Fragment, error) {
	params := g.params(p)
	return generation.Pipe(ctx, func(emit func(string) bool) (err error) {
		stream := g.client.Chat.Completions.NewStreaming(ctx, params)
		defer func() {
			if cerr := stream.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close stream: %w", cerr)
			}
		}()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !emit(chunk.Choices[0].Delta.Content) {
				return ctx.Err()
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("receive stream: %w", err)
		}
		return nil
	}), nil
}
