package generation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/retry"
)

type flakyGenerator struct {
	failures int
	calls    int
}

func (f *flakyGenerator) Name() string { return "flaky" }

func (f *flakyGenerator) Generate(context.Context, domain.Prompt) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("429 too many requests")
	}
	return "ok [1]", nil
}

func (f *flakyGenerator) Stream(ctx context.Context, _ domain.Prompt) (<-chan domain.Fragment, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return Pipe(ctx, func(emit func(string) bool) error {
		emit("ok ")
		emit("[1]")
		return nil
	}), nil
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestWithRetryGenerate(t *testing.T) {
	inner := &flakyGenerator{failures: 2}
	got, err := WithRetry(inner, testPolicy(), zerolog.Nop()).Generate(context.Background(), domain.Prompt{})
	if err != nil || got != "ok [1]" || inner.calls != 3 {
		t.Fatalf("got %q err=%v calls=%d", got, err, inner.calls)
	}
}

func TestWithRetryTerminalFailure(t *testing.T) {
	inner := &flakyGenerator{failures: 10}
	_, err := WithRetry(inner, testPolicy(), zerolog.Nop()).Generate(context.Background(), domain.Prompt{})
	if !errors.Is(err, domain.ErrGenerationService) {
		t.Fatalf("expected ErrGenerationService, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestWithRetryStreamOpens(t *testing.T) {
	inner := &flakyGenerator{failures: 1}
	ch, err := WithRetry(inner, testPolicy(), zerolog.Nop()).Stream(context.Background(), domain.Prompt{})
	if err != nil {
		t.Fatal(err)
	}
	var seen []string
	text, err := Collect(context.Background(), ch, func(s string) { seen = append(seen, s) })
	if err != nil || text != "ok [1]" || len(seen) != 2 {
		t.Fatalf("text=%q seen=%v err=%v", text, seen, err)
	}
}

// brokenStreamGenerator opens every stream without error, like the real
// backends, and reports its failures as the first fragment.
type brokenStreamGenerator struct {
	failures int
	stall    bool
	calls    int
}

func (b *brokenStreamGenerator) Name() string { return "broken-stream" }

func (b *brokenStreamGenerator) Generate(context.Context, domain.Prompt) (string, error) {
	return "", errors.New("not used")
}

func (b *brokenStreamGenerator) Stream(ctx context.Context, _ domain.Prompt) (<-chan domain.Fragment, error) {
	b.calls++
	failing := b.calls <= b.failures
	return Pipe(ctx, func(emit func(string) bool) error {
		if failing && b.stall {
			<-ctx.Done()
			return ctx.Err()
		}
		if failing {
			return errors.New("429 too many requests")
		}
		emit("thirty days ")
		emit("[1]")
		return nil
	}), nil
}

func TestWithRetryStreamFailsBeforeFirstFragment(t *testing.T) {
	inner := &brokenStreamGenerator{failures: 2}
	ch, err := WithRetry(inner, testPolicy(), zerolog.Nop()).Stream(context.Background(), domain.Prompt{})
	if err != nil {
		t.Fatal(err)
	}
	var seen []string
	text, err := Collect(context.Background(), ch, func(s string) { seen = append(seen, s) })
	if err != nil || text != "thirty days [1]" || len(seen) != 2 {
		t.Fatalf("text=%q seen=%v err=%v", text, seen, err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestWithRetryStreamGivesUp(t *testing.T) {
	inner := &brokenStreamGenerator{failures: 10}
	_, err := WithRetry(inner, testPolicy(), zerolog.Nop()).Stream(context.Background(), domain.Prompt{})
	if !errors.Is(err, domain.ErrGenerationService) || inner.calls != 3 {
		t.Fatalf("err=%v calls=%d", err, inner.calls)
	}
}

func TestWithRetryStreamFirstFragmentTimeout(t *testing.T) {
	inner := &brokenStreamGenerator{failures: 1, stall: true}
	p := testPolicy()
	p.Timeout = 20 * time.Millisecond
	ch, err := WithRetry(inner, p, zerolog.Nop()).Stream(context.Background(), domain.Prompt{})
	if err != nil {
		t.Fatal(err)
	}
	text, err := Collect(context.Background(), ch, nil)
	if err != nil || text != "thirty days [1]" || inner.calls != 2 {
		t.Fatalf("text=%q err=%v calls=%d", text, err, inner.calls)
	}
}

func TestCollectBrokenStream(t *testing.T) {
	ch := make(chan domain.Fragment, 2)
	ch <- domain.Fragment{Text: "partial"}
	close(ch)
	if _, err := Collect(context.Background(), ch, nil); !errors.Is(err, domain.ErrGenerationService) {
		t.Fatalf("expected ErrGenerationService, got %v", err)
	}

	failing := Pipe(context.Background(), func(emit func(string) bool) error {
		emit("half")
		return errors.New("socket closed")
	})
	text, err := Collect(context.Background(), failing, nil)
	if !errors.Is(err, domain.ErrGenerationService) || text != "" {
		t.Fatalf("text=%q err=%v", text, err)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan domain.Fragment)
	cancel()
	if _, err := Collect(ctx, ch, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRender(t *testing.T) {
	got := Render(domain.Prompt{
		Question: "When?",
		Passages: []domain.Passage{{Marker: 1, Text: "Monday.", Source: "a.txt"}, {Marker: 2, Text: "Tuesday.", Source: "b.pdf", Page: 3}},
	})
	for _, want := range []string{"[1] (a.txt)\nMonday.", "[2] (b.pdf, page 3)\nTuesday.", "Question: When?"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered prompt missing %q:\n%s", want, got)
		}
	}
}
