// Package pacer spaces out requests on a logical traffic stream with a
// jittered minimum interval.
package pacer

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Pacer releases callers one at a time, each at least a random delay in
// [min, max] after the previous release. The zero value is not usable; use New.
type Pacer struct {
	min, max time.Duration

	// turn is a one-slot semaphore; holding it means being next in line.
	turn chan struct{}
	last time.Time // guarded by turn

	jitter func() float64
}

// New creates a Pacer. maxDelay below minDelay is raised to minDelay.
func New(minDelay, maxDelay time.Duration) *Pacer {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Pacer{
		min:    minDelay,
		max:    maxDelay,
		turn:   make(chan struct{}, 1),
		jitter: rand.Float64,
	}
}

// Wait blocks until the caller may proceed or ctx is done. The first call
// returns immediately. A cancelled wait does not count as a release.
func (p *Pacer) Wait(ctx context.Context) error {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.turn }()

	if !p.last.IsZero() {
		if wait := p.delay() - time.Since(p.last); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	p.last = time.Now()
	return nil
}

func (p *Pacer) delay() time.Duration {
	if p.max == p.min {
		return p.min
	}
	return p.min + time.Duration(p.jitter()*float64(p.max-p.min))
}

// Group holds one independent Pacer per named stream, created on first use.
type Group struct {
	min, max time.Duration

	mu     sync.Mutex
	pacers map[string]*Pacer
}

// NewGroup creates a Group whose pacers all use [minDelay, maxDelay].
func NewGroup(minDelay, maxDelay time.Duration) *Group {
	return &Group{
		min:    minDelay,
		max:    maxDelay,
		pacers: make(map[string]*Pacer),
	}
}

// Wait paces the caller on stream.
func (g *Group) Wait(ctx context.Context, stream string) error {
	return g.get(stream).Wait(ctx)
}

// Streams returns the number of streams seen so far.
func (g *Group) Streams() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pacers)
}

func (g *Group) get(stream string) *Pacer {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pacers[stream]
	if !ok {
		p = New(g.min, g.max)
		g.pacers[stream] = p
	}
	return p
}
