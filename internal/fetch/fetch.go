// Package fetch runs batches of outbound requests through the endpoint pool
// with bounded concurrency, pacing and retry with exponential backoff.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/transport"
)

// Status is the terminal state of a request.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusPermanentFailure Status = "permanent_failure"
	StatusRetriesExhausted Status = "retries_exhausted"
	// StatusCanceled marks a request abandoned because its context ended.
	StatusCanceled Status = "canceled"
)

// State is a step of the per-request state machine. Only used for logging.
type State string

const (
	StatePending   State = "pending"
	StateSelecting State = "selecting_endpoint"
	StatePacing    State = "awaiting_pacer"
	StateInFlight  State = "in_flight"
	StateBackoff   State = "backoff"
)

// defaultStream is the pacing stream used when pacing is not per host.
const defaultStream = "*"

// Request is one outbound request.
type Request struct {
	URL    string
	Method string
	Header map[string]string
	Body   []byte
	// Timeout bounds each attempt. Zero uses the orchestrator default.
	Timeout time.Duration
	// MaxRetries overrides the orchestrator default when non-nil.
	MaxRetries *int
}

// Retries returns a MaxRetries override for n retries.
func Retries(n int) *int { return &n }

// Result is the terminal outcome of a Request.
type Result struct {
	RequestID string
	URL       string
	Status    Status
	// Response is the last response received, if any.
	Response *transport.Response
	// Err is nil on success and carries the last underlying error otherwise.
	Err      error
	Attempts int
	// Endpoint is the endpoint of the last attempt; zero when none was selected.
	Endpoint registry.Key
	Elapsed  time.Duration
}

// Pool is the part of the registry the orchestrator needs.
type Pool interface {
	Select(policy registry.Policy, minScore int) (registry.Endpoint, error)
	RecordOutcome(key registry.Key, success bool, latency time.Duration) (registry.Endpoint, bool)
}

// Pacer spaces out requests on a named stream.
type Pacer interface {
	Wait(ctx context.Context, stream string) error
}

// Options configures an Orchestrator.
type Options struct {
	MinScore    int
	Policy      registry.Policy
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Timeout is the default per-attempt timeout.
	Timeout time.Duration
	// PerHost paces each target host as its own stream.
	PerHost bool
	// Accept decides success among non-error statuses. Nil admits 2xx/3xx.
	Accept AcceptFunc
}

// Orchestrator executes Requests against a Pool.
type Orchestrator struct {
	pool   Pool
	pacer  Pacer
	doer   transport.Doer
	opts   Options
	logger *slog.Logger

	jitter func() float64
}

// New creates an Orchestrator.
func New(pool Pool, pacer Pacer, doer transport.Doer, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.Accept == nil {
		opts.Accept = AcceptSuccess
	}
	return &Orchestrator{
		pool:   pool,
		pacer:  pacer,
		doer:   doer,
		opts:   opts,
		logger: logger,
		jitter: rand.Float64,
	}
}

// FetchMany runs reqs with at most maxConcurrency in flight and returns one
// Result per request, in request order.
func (o *Orchestrator) FetchMany(ctx context.Context, reqs []Request, maxConcurrency int) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if maxConcurrency > len(reqs) {
		maxConcurrency = len(reqs)
	}

	jobs := make(chan int, len(reqs))
	for i := range reqs {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.Fetch(ctx, reqs[idx])
			}
		}()
	}
	wg.Wait()
	return results
}

// Fetch runs a single request to a terminal Status. A panic while handling
// the request is recovered and reported as a permanent failure.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	res = Result{
		RequestID: uuid.NewString(),
		URL:       req.URL,
	}
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			o.logger.Error("fetch worker panicked",
				"correlation_id", correlationID,
				"request_id", res.RequestID,
				"url", req.URL,
				"panic", r,
			)
			res.Status = StatusPermanentFailure
			res.Err = fmt.Errorf("internal error (correlation id %s): %v", correlationID, r)
		}
		res.Elapsed = time.Since(start)
	}()

	o.run(ctx, req, &res)
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request, res *Result) {
	maxRetries := o.opts.MaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.Timeout
	}
	stream := o.stream(req.URL)
	log := o.logger.With("request_id", res.RequestID, "url", req.URL)

	log.Debug("request state", "state", StatePending)
	transient := 0
	var lastCause error
	for {
		log.Debug("request state", "state", StateSelecting, "attempt", res.Attempts+1)
		if err := ctx.Err(); err != nil {
			res.Status, res.Err = StatusCanceled, err
			return
		}
		ep, err := o.pool.Select(o.opts.Policy, o.opts.MinScore)
		if err != nil {
			if lastCause != nil {
				err = fmt.Errorf("%w after %d attempts (last error: %w)", err, res.Attempts, lastCause)
			}
			res.Status, res.Err = StatusPermanentFailure, err
			return
		}
		res.Endpoint = ep.Key

		log.Debug("request state", "state", StatePacing, "endpoint", ep.Key.String())
		if err := o.pacer.Wait(ctx, stream); err != nil {
			res.Status, res.Err = StatusCanceled, err
			return
		}

		log.Debug("request state", "state", StateInFlight, "endpoint", ep.Key.String())
		res.Attempts++
		attemptStart := time.Now()
		// in-flight calls finish or time out on their own
		resp, err := o.doer.Do(context.WithoutCancel(ctx), ep.Key, transport.Request{
			Method:  req.Method,
			URL:     req.URL,
			Header:  req.Header,
			Body:    req.Body,
			Timeout: timeout,
		})
		latency := time.Since(attemptStart)
		if resp != nil {
			res.Response = resp
			if resp.Latency > 0 {
				latency = resp.Latency
			}
		}

		class, cause := Classify(resp, err, o.opts.Accept)
		o.pool.RecordOutcome(ep.Key, class != ClassTransient, latency)

		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Status, res.Err = StatusCanceled, ctxErr
			return
		}

		switch class {
		case ClassSuccess:
			res.Status, res.Err = StatusSuccess, nil
			return
		case ClassPermanent:
			res.Status, res.Err = StatusPermanentFailure, cause
			return
		}

		transient++
		lastCause = cause
		if transient > maxRetries {
			res.Status = StatusRetriesExhausted
			res.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, res.Attempts, cause)
			return
		}

		delay := o.backoff(transient - 1)
		log.Debug("request state", "state", StateBackoff, "delay", delay, "error", cause)
		if err := sleep(ctx, delay); err != nil {
			res.Status, res.Err = StatusCanceled, err
			return
		}
	}
}

// backoff returns base*2^n plus up to 25% jitter, capped at BackoffMax.
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.opts.BackoffBase
	for i := 0; i < n && d < o.opts.BackoffMax; i++ {
		d *= 2
	}
	d += time.Duration(float64(d) * 0.25 * o.jitter())
	if d > o.opts.BackoffMax {
		d = o.opts.BackoffMax
	}
	return d
}

// stream names the pacing stream for rawURL.
func (o *Orchestrator) stream(rawURL string) string {
	if !o.opts.PerHost {
		return defaultStream
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return defaultStream
	}
	return u.Host
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
