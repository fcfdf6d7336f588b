// Package validator probes every registered endpoint and feeds the outcomes
// back into the registry's scores.
package validator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazz-dev/egresspool/internal/registry"
)

// Pool is the part of the registry the validator needs.
type Pool interface {
	Snapshot() []registry.Endpoint
	RecordOutcome(key registry.Key, success bool, latency time.Duration) (registry.Endpoint, bool)
}

// Summary describes one validation sweep.
type Summary struct {
	Probed  int
	Healthy int
	Failed  int
	// Dropped counts probes whose endpoint was removed mid-sweep.
	Dropped int
	// Skipped counts endpoints not probed, or whose probe was cut short,
	// because the sweep was cancelled.
	Skipped  int
	Duration time.Duration
	Results  []Result
}

// Validator runs sweeps over a Pool using a Prober.
type Validator struct {
	pool   Pool
	prober Prober
	logger *slog.Logger

	mu       sync.RWMutex
	onResult func(Result)
}

// New creates a Validator.
func New(pool Pool, prober Prober, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		pool:   pool,
		prober: prober,
		logger: logger,
	}
}

// SetOnResult registers a callback invoked for every recorded probe result.
// It is called from worker goroutines and must be safe for concurrent use.
func (v *Validator) SetOnResult(fn func(Result)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onResult = fn
}

// ValidateAll probes a snapshot of the pool with at most concurrency probes
// in flight and records every outcome. It does not evict.
func (v *Validator) ValidateAll(ctx context.Context, concurrency int) Summary {
	start := time.Now()
	endpoints := v.pool.Snapshot()
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > len(endpoints) {
		concurrency = len(endpoints)
	}

	var (
		sumMu sync.Mutex
		sum   Summary
	)
	jobs := make(chan registry.Key)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				r := v.prober.Probe(ctx, key)
				o := v.record(ctx, r)
				sumMu.Lock()
				sum.add(o, r)
				sumMu.Unlock()
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, ep := range endpoints {
		select {
		case jobs <- ep.Key:
			dispatched++
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	sum.Skipped += len(endpoints) - dispatched
	sort.Slice(sum.Results, func(i, j int) bool {
		return sum.Results[i].Endpoint.String() < sum.Results[j].Endpoint.String()
	})
	sum.Duration = time.Since(start)

	v.logger.Info("validation sweep finished",
		"probed", sum.Probed,
		"healthy", sum.Healthy,
		"failed", sum.Failed,
		"dropped", sum.Dropped,
		"skipped", sum.Skipped,
		"duration", sum.Duration,
	)
	return sum
}

type outcome int

const (
	outcomeRecorded outcome = iota
	outcomeDropped
	outcomeSkipped
)

// record feeds r into the pool. A failed probe cut short by cancellation
// says nothing about the endpoint and is skipped.
func (v *Validator) record(ctx context.Context, r Result) outcome {
	if !r.Success && ctx.Err() != nil {
		return outcomeSkipped
	}
	if _, ok := v.pool.RecordOutcome(r.Endpoint, r.Success, r.Latency); !ok {
		return outcomeDropped
	}
	if !r.Success {
		v.logger.Debug("probe failed", "endpoint", r.Endpoint.String(), "error", r.Err)
	}
	v.notify(r)
	return outcomeRecorded
}

func (s *Summary) add(o outcome, r Result) {
	switch o {
	case outcomeSkipped:
		s.Skipped++
	case outcomeDropped:
		s.Dropped++
	default:
		s.Probed++
		if r.Success {
			s.Healthy++
		} else {
			s.Failed++
		}
		s.Results = append(s.Results, r)
	}
}

func (v *Validator) notify(r Result) {
	v.mu.RLock()
	fn := v.onResult
	v.mu.RUnlock()
	if fn != nil {
		fn(r)
	}
}
