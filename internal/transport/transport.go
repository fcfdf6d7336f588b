package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/hazz-dev/egresspool/internal/registry"
)

const maxResponseBodySize = 1 << 20 // 1MB

// connection pooling limits, per endpoint client
const (
	defaultMaxIdleConnsPerHost = 4
	defaultIdleConnTimeout     = 60 * time.Second
	defaultDialTimeout         = 10 * time.Second
)

// DefaultUserAgents is the rotation used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// Request is one outbound HTTP request to be sent through an endpoint.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Body   []byte
	// Timeout bounds the whole attempt. Zero means no extra bound beyond ctx.
	Timeout time.Duration
}

// Response is the outcome of a request that reached the target.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	// Body is limited to 1MB.
	Body    []byte        `json:"body,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Doer performs an HTTP request through a specific endpoint.
type Doer interface {
	Do(ctx context.Context, ep registry.Key, req Request) (*Response, error)
}

// ConnError reports that no HTTP response was obtained: the endpoint could
// not be dialed, reset the connection, or the attempt timed out.
type ConnError struct {
	Endpoint registry.Key
	Err      error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection via %s: %v", e.Endpoint, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *ConnError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Client sends requests through egress endpoints. It keeps one http.Client
// per endpoint so connections to a proxy are reused.
type Client struct {
	userAgents []string

	mu      sync.Mutex
	clients map[registry.Key]*http.Client
}

// NewClient creates a Client. An empty userAgents uses DefaultUserAgents.
func NewClient(userAgents []string) *Client {
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	return &Client{
		userAgents: userAgents,
		clients:    make(map[registry.Key]*http.Client),
	}
}

// Do sends req through ep. Network failures are returned as *ConnError; a
// malformed request is returned as a plain error. HTTP status codes of any
// value are returned as a Response.
func (c *Client) Do(ctx context.Context, ep registry.Key, req Request) (*Response, error) {
	hc, err := c.clientFor(ep)
	if err != nil {
		return nil, &ConnError{Endpoint: ep, Err: err}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgents[rand.IntN(len(c.userAgents))])
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, &ConnError{Endpoint: ep, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &ConnError{Endpoint: ep, Err: fmt.Errorf("reading response body: %w", err)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Latency:    time.Since(start),
	}, nil
}

// clientFor returns the cached http.Client for ep, building it on first use.
// Only map access happens under the lock; dialing happens later in Do.
func (c *Client) clientFor(ep registry.Key) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[ep]; ok {
		return hc, nil
	}
	tr, err := newTransport(ep)
	if err != nil {
		return nil, err
	}
	// no client timeout - attempts are bounded per request via context
	hc := &http.Client{Transport: tr}
	c.clients[ep] = hc
	return hc, nil
}

func newTransport(ep registry.Key) (*http.Transport, error) {
	tr := &http.Transport{
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultDialTimeout,
	}
	switch ep.Scheme {
	case registry.SchemeHTTP, registry.SchemeHTTPS:
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: string(ep.Scheme), Host: ep.Addr()})
	case registry.SchemeSOCKS5:
		d, err := proxy.SOCKS5("tcp", ep.Addr(), nil, &net.Dialer{Timeout: defaultDialTimeout})
		if err != nil {
			return nil, fmt.Errorf("building socks5 dialer for %s: %w", ep, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", ep)
		}
		tr.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
	return tr, nil
}

// Forget drops the cached clients of the given endpoints and closes their
// idle connections. Used after eviction.
func (c *Client) Forget(eps ...registry.Key) {
	c.mu.Lock()
	var stale []*http.Client
	for _, ep := range eps {
		if hc, ok := c.clients[ep]; ok {
			stale = append(stale, hc)
			delete(c.clients, ep)
		}
	}
	c.mu.Unlock()

	for _, hc := range stale {
		hc.CloseIdleConnections()
	}
}

// Close closes all idle connections. The client stays usable.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hc := range c.clients {
		hc.CloseIdleConnections()
	}
}
