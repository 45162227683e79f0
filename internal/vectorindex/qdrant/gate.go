package qdrant

import (
	"context"
	"sync"
)

// gate keeps point writes out of a rebuild without holding a lock across
// network calls. Writers register while no rebuild runs; a rebuild waits
// for registered writers to finish and holds new ones until it ends.
type gate struct {
	mu      sync.Mutex
	writers int
	drained chan struct{} // closed when writers drops to zero during a rebuild
	rebuilt chan struct{} // closed when the running rebuild ends
}

func (g *gate) beginWrite(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.rebuilt == nil {
			g.writers++
			g.mu.Unlock()
			return nil
		}
		wait := g.rebuilt
		g.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gate) endWrite() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writers--
	if g.writers == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

func (g *gate) beginRebuild(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.rebuilt != nil {
			wait := g.rebuilt
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		g.rebuilt = make(chan struct{})
		var drained chan struct{}
		if g.writers > 0 {
			g.drained = make(chan struct{})
			drained = g.drained
		}
		g.mu.Unlock()
		if drained == nil {
			return nil
		}
		select {
		case <-drained:
			return nil
		case <-ctx.Done():
			g.endRebuild()
			return ctx.Err()
		}
	}
}

func (g *gate) endRebuild() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.rebuilt)
	g.rebuilt = nil
}
