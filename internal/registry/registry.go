package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Select when no endpoint qualifies.
var ErrPoolExhausted = errors.New("pool exhausted: no endpoint meets the selection floor")

// Policy chooses among eligible endpoints.
type Policy int

const (
	// PolicyRandom picks uniformly among eligible endpoints.
	PolicyRandom Policy = iota
	// PolicyFastest picks the eligible endpoint with the lowest latency.
	PolicyFastest
)

func (p Policy) String() string {
	switch p {
	case PolicyFastest:
		return "fastest"
	default:
		return "random"
	}
}

// ParsePolicy maps "random" (or "") and "fastest" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "random":
		return PolicyRandom, nil
	case "fastest":
		return PolicyFastest, nil
	default:
		return PolicyRandom, fmt.Errorf("unknown selection policy %q (must be random or fastest)", s)
	}
}

// Options tunes scoring. Zero fields take the defaults below.
type Options struct {
	InitialScore   int
	SuccessDelta   int
	FailurePenalty int
	// MaxFailStreak excludes endpoints whose consecutive failures exceed it
	// from selection, regardless of score. 0 disables the check.
	MaxFailStreak int
}

const (
	MaxScore              = 100
	DefaultInitialScore   = 100
	DefaultSuccessDelta   = 10
	DefaultFailurePenalty = 20
	DefaultMaxFailStreak  = 3
)

// DefaultOptions returns the stock scoring parameters.
func DefaultOptions() Options {
	return Options{
		InitialScore:   DefaultInitialScore,
		SuccessDelta:   DefaultSuccessDelta,
		FailurePenalty: DefaultFailurePenalty,
		MaxFailStreak:  DefaultMaxFailStreak,
	}
}

// Registry is the concurrency-safe store of endpoints and their scores.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[Key]*Endpoint
	opts      Options

	intn func(n int) int
	now  func() time.Time
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.InitialScore <= 0 {
		opts.InitialScore = DefaultInitialScore
	}
	opts.InitialScore = clamp(opts.InitialScore)
	if opts.SuccessDelta <= 0 {
		opts.SuccessDelta = DefaultSuccessDelta
	}
	if opts.FailurePenalty <= 0 {
		opts.FailurePenalty = DefaultFailurePenalty
	}
	if opts.MaxFailStreak < 0 {
		opts.MaxFailStreak = 0
	}
	return &Registry{
		endpoints: make(map[Key]*Endpoint),
		opts:      opts,
		intn:      rand.IntN,
		now:       time.Now,
	}
}

// Add inserts key unless an endpoint with the same identity exists.
// It reports whether the endpoint was inserted.
func (r *Registry) Add(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[key]; ok {
		return false
	}
	r.endpoints[key] = &Endpoint{
		Key:     key,
		Score:   r.opts.InitialScore,
		AddedAt: r.now(),
	}
	return true
}

// Select returns one endpoint with Score >= minScore according to policy.
func (r *Registry) Select(policy Policy, minScore int) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if r.eligible(ep, minScore) {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return Endpoint{}, ErrPoolExhausted
	}

	if policy == PolicyFastest {
		best := eligible[0]
		for _, ep := range eligible[1:] {
			if faster(ep, best) {
				best = ep
			}
		}
		return *best, nil
	}
	return *eligible[r.intn(len(eligible))], nil
}

// CountEligible returns how many endpoints Select could currently return.
func (r *Registry) CountEligible(minScore int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ep := range r.endpoints {
		if r.eligible(ep, minScore) {
			n++
		}
	}
	return n
}

func (r *Registry) eligible(ep *Endpoint, minScore int) bool {
	if ep.Score < minScore {
		return false
	}
	return r.opts.MaxFailStreak == 0 || ep.ConsecutiveFailures <= r.opts.MaxFailStreak
}

// faster orders measured endpoints before unmeasured ones, then by latency,
// then by key so the result does not depend on map order.
func faster(a, b *Endpoint) bool {
	am, bm := a.LatencyMs > 0, b.LatencyMs > 0
	if am != bm {
		return am
	}
	if a.LatencyMs != b.LatencyMs {
		return a.LatencyMs < b.LatencyMs
	}
	return a.Key.String() < b.Key.String()
}

// RecordOutcome applies one probe or use outcome to the endpoint identified
// by key. It returns the updated endpoint, or false when key is no longer
// registered.
func (r *Registry) RecordOutcome(key Key, success bool, latency time.Duration) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[key]
	if !ok {
		return Endpoint{}, false
	}
	if success {
		ep.Score = clamp(ep.Score + r.opts.SuccessDelta)
		ep.ConsecutiveFailures = 0
		ep.LatencyMs = latency.Milliseconds()
	} else {
		ep.Score = clamp(ep.Score - r.opts.FailurePenalty)
		ep.ConsecutiveFailures++
	}
	ep.LastCheckedAt = r.now()
	return *ep, true
}

// Evict removes every endpoint with Score < minScore and returns them.
func (r *Registry) Evict(minScore int) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Endpoint
	for key, ep := range r.endpoints {
		if ep.Score < minScore {
			removed = append(removed, *ep)
			delete(r.endpoints, key)
		}
	}
	sortEndpoints(removed)
	return removed
}

// Get returns a copy of the endpoint identified by key.
func (r *Registry) Get(key Key) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[key]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// Snapshot returns copies of all endpoints sorted by key.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	r.mu.RUnlock()

	sortEndpoints(out)
	return out
}

func sortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		return eps[i].Key.String() < eps[j].Key.String()
	})
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
