// Package generation holds the answer generation backends and the retry
// wrapper shared by all of them.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/retry"
)

type retrying struct {
	inner  domain.Generator
	policy retry.Policy
	log    zerolog.Logger
}

// WithRetry wraps g so that transient failures are retried. Terminal failures are reported as domain.ErrGenerationService.
func WithRetry(g domain.Generator, policy retry.Policy, log zerolog.Logger) domain.Generator {
	return &retrying{inner: g, policy: policy, log: log.With().Str("generator", g.Name()).Logger()}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	var out string
	err := retry.Do(ctx, r.policy, r.log, func(ctx context.Context) error {
		text, err := r.inner.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", terminal(ctx, err)
	}
	return out, nil
}

// Stream retries until the inner stream yields its first fragment. An error
// before any text counts as a failed attempt and the per-attempt timeout
// bounds the wait for that first fragment. Once text flows the stream is
// handed over and a later failure ends it.
func (r *retrying) Stream(ctx context.Context, prompt domain.Prompt) (<-chan domain.Fragment, error) {
	var out <-chan domain.Fragment
	err := retry.Do(ctx, r.policy, r.log, func(actx context.Context) error {
		// The stream outlives the attempt, so it hangs off ctx, not actx.
		sctx, cancel := context.WithCancel(ctx)
		ch, err := r.inner.Stream(sctx, prompt)
		if err != nil {
			cancel()
			return err
		}
		select {
		case <-actx.Done():
			cancel()
			return fmt.Errorf("waiting for first fragment: %w", actx.Err())
		case first, ok := <-ch:
			if !ok {
				cancel()
				return errors.New("stream closed before the first fragment")
			}
			if first.Err != nil {
				cancel()
				return first.Err
			}
			out = replay(sctx, cancel, first, ch)
			return nil
		}
	})
	if err != nil {
		return nil, terminal(ctx, err)
	}
	return out, nil
}

// replay forwards first and then the rest of ch, releasing the stream when
// ch is drained or ctx is done.
func replay(ctx context.Context, cancel context.CancelFunc, first domain.Fragment, ch <-chan domain.Fragment) <-chan domain.Fragment {
	out := make(chan domain.Fragment, cap(ch))
	go func() {
		defer cancel()
		defer close(out)
		if !send(ctx, out, first) || first.Done {
			return
		}
		for f := range ch {
			if !send(ctx, out, f) {
				return
			}
		}
	}()
	return out
}

func terminal(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrGenerationService):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrGenerationService, err)
	}
}

// Collect drains a stream into the full text, forwarding each fragment to
// onFragment when it is set. A broken stream or a cancelled ctx returns an
// error and no text.
func Collect(ctx context.Context, ch <-chan domain.Fragment, onFragment func(string)) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case f, ok := <-ch:
			if !ok {
				return "", fmt.Errorf("%w: stream closed before completion", domain.ErrGenerationService)
			}
			if f.Err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", fmt.Errorf("%w: %v", domain.ErrGenerationService, f.Err)
			}
			if f.Text != "" {
				b.WriteString(f.Text)
				if onFragment != nil {
					onFragment(f.Text)
				}
			}
			if f.Done {
				return b.String(), nil
			}
		}
	}
}

// send delivers f unless ctx is done first.
func send(ctx context.Context, ch chan<- domain.Fragment, f domain.Fragment) bool {
	select {
	case ch <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pipe runs produce in a goroutine and exposes what it emits as a fragment
// stream that always ends with a Done or Err fragment unless ctx is done.
func Pipe(ctx context.Context, produce func(emit func(string) bool) error) <-chan domain.Fragment {
	ch := make(chan domain.Fragment, 16)
	go func() {
		defer close(ch)
		err := produce(func(text string) bool {
			return send(ctx, ch, domain.Fragment{Text: text})
		})
		if err != nil {
			send(ctx, ch, domain.Fragment{Err: err})
			return
		}
		send(ctx, ch, domain.Fragment{Done: true})
	}()
	return ch
}

// Render formats the evidence passages and the question into the final user
// message sent to chat backends.
func Render(p domain.Prompt) string {
	var b strings.Builder
	b.WriteString("Evidence:\n")
	for _, ps := range p.Passages {
		fmt.Fprintf(&b, "[%d] (%s", ps.Marker, ps.Source)
		if ps.Page > 0 {
			fmt.Fprintf(&b, ", page %d", ps.Page)
		}
		b.WriteString(")\n")
		b.WriteString(strings.TrimSpace(ps.Text))
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(p.Question)
	return b.String()
}
