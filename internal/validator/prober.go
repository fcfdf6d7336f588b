package validator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hazz-dev/egresspool/internal/config"
	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/transport"
)

// ErrProbeTimeout is returned when a probe does not complete within its timeout.
var ErrProbeTimeout = errors.New("probe timed out")

// Result is the outcome of a single probe.
type Result struct {
	Endpoint   registry.Key
	Success    bool
	Latency    time.Duration
	StatusCode int
	Err        error
	CheckedAt  time.Time
}

// Prober performs a single health probe of an endpoint.
type Prober interface {
	Probe(ctx context.Context, ep registry.Key) Result
}

// NewProber returns the Prober for the configured validator mode.
func NewProber(cfg config.ValidatorConfig, doer transport.Doer) (Prober, error) {
	switch cfg.Mode {
	case "http":
		if doer == nil {
			return nil, fmt.Errorf("http prober requires a transport")
		}
		return newHTTPProber(cfg, doer), nil
	case "tcp":
		return newTCPProber(cfg), nil
	default:
		return nil, fmt.Errorf("unknown validator mode %q", cfg.Mode)
	}
}

// httpProber fetches the target through the endpoint and expects a status.
type httpProber struct {
	target   string
	expected int
	timeout  time.Duration
	doer     transport.Doer
}

func newHTTPProber(cfg config.ValidatorConfig, doer transport.Doer) *httpProber {
	expected := cfg.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	return &httpProber{
		target:   cfg.Target,
		expected: expected,
		timeout:  cfg.Timeout.Duration,
		doer:     doer,
	}
}

func (p *httpProber) Probe(ctx context.Context, ep registry.Key) Result {
	start := time.Now()
	result := Result{
		Endpoint:  ep,
		CheckedAt: start,
	}

	resp, err := p.doer.Do(ctx, ep, transport.Request{
		Method:  http.MethodGet,
		URL:     p.target,
		Timeout: p.timeout,
	})
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = probeError(err)
		return result
	}
	result.StatusCode = resp.StatusCode
	if resp.Latency > 0 {
		result.Latency = resp.Latency
	}

	if resp.StatusCode != p.expected {
		result.Err = fmt.Errorf("expected status %d, got %d", p.expected, resp.StatusCode)
		return result
	}

	result.Success = true
	return result
}

// tcpProber only checks that the endpoint accepts connections.
type tcpProber struct {
	timeout time.Duration
}

func newTCPProber(cfg config.ValidatorConfig) *tcpProber {
	return &tcpProber{timeout: cfg.Timeout.Duration}
}

func (p *tcpProber) Probe(ctx context.Context, ep registry.Key) Result {
	start := time.Now()
	result := Result{
		Endpoint:  ep,
		CheckedAt: start,
	}

	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = probeError(fmt.Errorf("dial tcp %s: %w", ep.Addr(), err))
		return result
	}
	conn.Close()
	result.Success = true
	return result
}

// probeError maps deadline failures to ErrProbeTimeout, keeping the cause.
func probeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	}
	var ce *transport.ConnError
	if errors.As(err, &ce) && ce.Timeout() {
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	}
	return err
}
