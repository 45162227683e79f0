package extractive

import (
	"context"
	"strings"
	"testing"

	"groundedqa/internal/domain"
	"groundedqa/internal/generation"
)

func prompt() domain.Prompt {
	return domain.Prompt{
		Question: "What is the refund window for annual plans?",
		Passages: []domain.Passage{
			{Marker: 1, Text: "Annual plans have a refund window of 30 days. Monthly plans are billed on the first."},
			{Marker: 2, Text: "Support is open on weekdays. The office is in Lisbon."},
		},
	}
}

func TestGenerateQuotesMatchingSentencesWithMarkers(t *testing.T) {
	got, err := New(1).Generate(context.Background(), prompt())
	if err != nil {
		t.Fatal(err)
	}
	if got != "Annual plans have a refund window of 30 days. [1]" {
		t.Fatalf("answer = %q", got)
	}
}

func TestGenerateKeepsEvidenceOrder(t *testing.T) {
	p := prompt()
	p.Question = "refund window and office location Lisbon"
	got, _ := New(5).Generate(context.Background(), p)
	i, j := strings.Index(got, "[1]"), strings.Index(got, "[2]")
	if i < 0 || j < 0 || i > j {
		t.Fatalf("answer = %q", got)
	}
}

func TestGenerateWithoutPassages(t *testing.T) {
	got, _ := New(3).Generate(context.Background(), domain.Prompt{Question: "x"})
	if strings.Contains(got, "[") {
		t.Fatalf("no passages must not produce markers: %q", got)
	}
}

func TestStreamMatchesGenerate(t *testing.T) {
	ctx := context.Background()
	g := New(3)
	want, _ := g.Generate(ctx, prompt())
	ch, err := g.Stream(ctx, prompt())
	if err != nil {
		t.Fatal(err)
	}
	got, err := generation.Collect(ctx, ch, nil)
	if err != nil || got != want {
		t.Fatalf("stream = %q (%v), want %q", got, err, want)
	}
}

func TestGenerateSplitsFullWidthStops(t *testing.T) {
	p := domain.Prompt{Question: "退款", Passages: []domain.Passage{{Marker: 1, Text: "退款需要三十天。办公室在里斯本。"}}}
	got, _ := New(1).Generate(context.Background(), p)
	if got != "退款需要三十天。 [1]" {
		t.Fatalf("answer = %q", got)
	}
}
