package hashing

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestEmbedIsNormalizedAndDeterministic(t *testing.T) {
	e := New(64)
	ctx := context.Background()
	a, err := e.Embed(ctx, "Blood pressure should be measured twice a day.")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.Embed(ctx, "Blood pressure should be measured twice a day.")
	if len(a) != 64 {
		t.Fatalf("dimension = %d", len(a))
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
		norm += float64(a[i]) * float64(a[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm = %f", norm)
	}
}

func TestEmbedRanksRelatedTextHigher(t *testing.T) {
	e := New(DefaultDimension)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "how to lower blood pressure")
	related, _ := e.Embed(ctx, "Reducing salt helps lower blood pressure.")
	unrelated, _ := e.Embed(ctx, "The train departs from platform nine.")
	if cosine(q, related) <= cosine(q, unrelated) {
		t.Fatalf("related=%f unrelated=%f", cosine(q, related), cosine(q, unrelated))
	}
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	v, err := New(16).Embed(context.Background(), "the and of !!")
	if err != nil {
		t.Fatal(err)
	}
	for _, x := range v {
		if x != 0 {
			t.Fatalf("expected zero vector, got %v", v)
		}
	}
}

func TestTokenizeSplitsHanIntoBigrams(t *testing.T) {
	got := New(0).Tokenize("高血压 control")
	want := []string{"高血", "血压", "control"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e := New(32)
	ctx := context.Background()
	texts := []string{"alpha", "beta", "gamma"}
	batch, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatal(err)
	}
	for i, text := range texts {
		single, _ := e.Embed(ctx, text)
		if cosine(single, batch[i]) < 0.9999 {
			t.Fatalf("batch item %d does not match single embedding", i)
		}
	}
	if e.Name() != "hashing-32" {
		t.Fatalf("name = %s", e.Name())
	}
}
