package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/validator"
)

// Pool defines the registry operations required by the scheduler.
type Pool interface {
	Snapshot() []registry.Endpoint
	Evict(minScore int) []registry.Endpoint
	CountEligible(minScore int) int
}

// Sweeper validates every endpoint of the pool once.
type Sweeper interface {
	ValidateAll(ctx context.Context, concurrency int) validator.Summary
}

// Store defines the storage operations required by the scheduler.
type Store interface {
	SaveSnapshot(ctx context.Context, eps []registry.Endpoint) error
	PruneProbes(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the sweep loop.
type Options struct {
	Interval    time.Duration
	Concurrency int
	// EvictScore removes endpoints scoring below it after each validation.
	EvictScore int
	// MinScore is the selection floor used to count eligible endpoints.
	MinScore int
	// Retention prunes stored probes older than this. Zero keeps everything.
	Retention time.Duration
}

// Report describes one completed sweep.
type Report struct {
	Summary  validator.Summary
	Evicted  []registry.Endpoint
	Eligible int
	Total    int
	At       time.Time
}

// Scheduler periodically validates the pool, evicts failing endpoints and
// persists the result.
type Scheduler struct {
	pool    Pool
	sweeper Sweeper
	store   Store
	opts    Options
	logger  *slog.Logger

	hookMu  sync.RWMutex
	onEvict func([]registry.Endpoint)
	onSweep func(Report)

	// sweepMu keeps scheduled and on-demand sweeps from overlapping.
	sweepMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a new Scheduler. store may be nil. Pass nil logger to use the
// default logger.
func New(pool Pool, sweeper Sweeper, store Store, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pool:    pool,
		sweeper: sweeper,
		store:   store,
		opts:    opts,
		logger:  logger,
	}
}

// SetOnEvict sets the callback invoked with the endpoints removed by a sweep.
func (s *Scheduler) SetOnEvict(fn func([]registry.Endpoint)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onEvict = fn
}

// SetOnSweep sets the callback invoked after each sweep.
func (s *Scheduler) SetOnSweep(fn func(Report)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onSweep = fn
}

// Start runs a sweep immediately and then every Interval in a background
// goroutine. It is non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Wait blocks until the sweep goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately.
	s.Sweep(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep validates the pool, evicts endpoints below EvictScore, persists the
// surviving snapshot and reports the outcome. Concurrent calls run one at a time.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	summary := s.sweeper.ValidateAll(ctx, s.opts.Concurrency)
	if ctx.Err() != nil {
		// a cut-short sweep says too little to evict on
		return Report{Summary: summary, At: time.Now()}
	}

	evicted := s.pool.Evict(s.opts.EvictScore)
	for _, ep := range evicted {
		s.logger.Info("endpoint evicted",
			"endpoint", ep.Key.String(),
			"score", ep.Score,
			"consecutive_failures", ep.ConsecutiveFailures,
		)
	}

	snapshot := s.pool.Snapshot()
	report := Report{
		Summary:  summary,
		Evicted:  evicted,
		Eligible: s.pool.CountEligible(s.opts.MinScore),
		Total:    len(snapshot),
		At:       time.Now(),
	}

	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, snapshot); err != nil {
			s.logger.Error("saving pool snapshot", "error", err)
		}
		if s.opts.Retention > 0 {
			n, err := s.store.PruneProbes(ctx, report.At.Add(-s.opts.Retention))
			if err != nil {
				s.logger.Error("pruning probe history", "error", err)
			} else if n > 0 {
				s.logger.Debug("pruned probe history", "deleted", n)
			}
		}
	}

	s.logger.Info("sweep complete",
		"healthy", summary.Healthy,
		"failed", summary.Failed,
		"evicted", len(evicted),
		"eligible", report.Eligible,
		"total", report.Total,
	)

	s.hookMu.RLock()
	onEvict, onSweep := s.onEvict, s.onSweep
	s.hookMu.RUnlock()
	if onEvict != nil && len(evicted) > 0 {
		onEvict(evicted)
	}
	if onSweep != nil {
		onSweep(report)
	}
	return report
}
