package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazz-dev/egresspool/internal/fetch"
	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/scheduler"
	"github.com/hazz-dev/egresspool/internal/source"
	"github.com/hazz-dev/egresspool/internal/storage"
	"github.com/hazz-dev/egresspool/internal/version"
)

const (
	maxBodyBytes     = 1 << 20
	maxFetchRequests = 1000
	maxHistoryLimit  = 1000
)

// Pool defines the registry operations the server needs.
type Pool interface {
	Add(key registry.Key) bool
	Select(policy registry.Policy, minScore int) (registry.Endpoint, error)
	Snapshot() []registry.Endpoint
	Evict(minScore int) []registry.Endpoint
	CountEligible(minScore int) int
	Stats() registry.Stats
}

// Fetcher executes batches of outbound requests.
type Fetcher interface {
	FetchMany(ctx context.Context, reqs []fetch.Request, maxConcurrency int) []fetch.Result
}

// Sweeper runs an on-demand validation sweep.
type Sweeper interface {
	Sweep(ctx context.Context) scheduler.Report
}

// HistoryStore defines the storage queries the server needs.
type HistoryStore interface {
	EndpointHistory(ctx context.Context, endpoint string, limit, offset int) ([]storage.Probe, int, error)
	SuccessRate(ctx context.Context, endpoint string, last int) (float64, error)
}

// Options holds request defaults.
type Options struct {
	MinScore       int
	EvictScore     int
	Policy         registry.Policy
	MaxConcurrency int
}

// Server holds the chi router and its dependencies.
type Server struct {
	pool    Pool
	fetcher Fetcher
	sweeper Sweeper
	store   HistoryStore
	hub     *Hub
	opts    Options
	router  chi.Router
	logger  *slog.Logger

	hookMu  sync.RWMutex
	onEvict func([]registry.Endpoint)

	fetchMu     sync.Mutex
	fetchCounts map[fetch.Status]int
}

// New creates a new Server and registers all routes. store and hub may be
// nil, in which case their routes report 503.
func New(pool Pool, fetcher Fetcher, sweeper Sweeper, store HistoryStore, hub *Hub, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	s := &Server{
		pool:        pool,
		fetcher:     fetcher,
		sweeper:     sweeper,
		store:       store,
		hub:         hub,
		opts:        opts,
		router:      chi.NewRouter(),
		logger:      logger,
		fetchCounts: make(map[fetch.Status]int),
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

// SetOnEvict sets the callback invoked with endpoints evicted through the API.
func (s *Server) SetOnEvict(fn func([]registry.Endpoint)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onEvict = fn
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/proxy", s.handleSelect)
	r.Get("/api/proxies", s.handleListProxies)
	r.Post("/api/proxies", s.handleAddProxies)
	r.Delete("/api/proxies", s.handleEvict)
	r.Post("/api/proxies/validate", s.handleValidate)
	r.Get("/api/stats", s.handleStats)
	r.Post("/api/fetch", s.handleFetch)
	r.Get("/api/history", s.handleHistory)
	r.Get("/api/stream", s.handleStream)
	r.Get("/metrics", s.handleMetrics)
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

// intParam parses an optional non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return n, nil
}

func (s *Server) minScoreParam(r *http.Request, def int) (int, error) {
	n, err := intParam(r, "min_score", def)
	if err != nil {
		return 0, err
	}
	if n > registry.MaxScore {
		return 0, fmt.Errorf("min_score must not exceed %d", registry.MaxScore)
	}
	return n, nil
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	policy := s.opts.Policy
	if v := r.URL.Query().Get("policy"); v != "" {
		p, err := registry.ParsePolicy(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		policy = p
	}
	minScore, err := s.minScoreParam(r, s.opts.MinScore)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ep, err := s.pool.Select(policy, minScore)
	if errors.Is(err, registry.ErrPoolExhausted) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Select", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	minScore, err := s.minScoreParam(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eps := make([]registry.Endpoint, 0)
	for _, ep := range s.pool.Snapshot() {
		if ep.Score >= minScore {
			eps = append(eps, ep)
		}
	}
	writeJSON(w, http.StatusOK, eps)
}

type addRequest struct {
	Endpoints []string `json:"endpoints"`
}

type addResponse struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Invalid    []string `json:"invalid"`
}

func (s *Server) handleAddProxies(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Endpoints) == 0 {
		writeError(w, http.StatusBadRequest, "endpoints must not be empty")
		return
	}

	resp := addResponse{Invalid: []string{}}
	for _, line := range req.Endpoints {
		key, err := source.ParseLine(line)
		if err != nil {
			resp.Invalid = append(resp.Invalid, line)
			continue
		}
		if s.pool.Add(key) {
			resp.Added++
		} else {
			resp.Duplicates++
		}
	}
	if resp.Added > 0 {
		s.logger.Info("endpoints added", "added", resp.Added, "duplicates", resp.Duplicates, "invalid", len(resp.Invalid))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	minScore, err := s.minScoreParam(r, s.opts.EvictScore)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evicted := s.pool.Evict(minScore)
	if evicted == nil {
		evicted = []registry.Endpoint{}
	}

	s.hookMu.RLock()
	onEvict := s.onEvict
	s.hookMu.RUnlock()
	if onEvict != nil && len(evicted) > 0 {
		onEvict(evicted)
	}
	writeJSON(w, http.StatusOK, evicted)
}

type sweepResponse struct {
	Probed     int                 `json:"probed"`
	Healthy    int                 `json:"healthy"`
	Failed     int                 `json:"failed"`
	Dropped    int                 `json:"dropped"`
	Skipped    int                 `json:"skipped"`
	DurationMs int64               `json:"duration_ms"`
	Evicted    []registry.Endpoint `json:"evicted"`
	Eligible   int                 `json:"eligible"`
	Total      int                 `json:"total"`
}

func newSweepResponse(rep scheduler.Report) sweepResponse {
	evicted := rep.Evicted
	if evicted == nil {
		evicted = []registry.Endpoint{}
	}
	return sweepResponse{
		Probed:     rep.Summary.Probed,
		Healthy:    rep.Summary.Healthy,
		Failed:     rep.Summary.Failed,
		Dropped:    rep.Summary.Dropped,
		Skipped:    rep.Summary.Skipped,
		DurationMs: rep.Summary.Duration.Milliseconds(),
		Evicted:    evicted,
		Eligible:   rep.Eligible,
		Total:      rep.Total,
	}
}

// PublishSweep pushes a sweep report to stream clients.
func (s *Server) PublishSweep(rep scheduler.Report) {
	if s.hub != nil {
		s.hub.Publish("sweep", newSweepResponse(rep))
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "validation unavailable")
		return
	}
	rep := s.sweeper.Sweep(r.Context())
	if r.Context().Err() != nil {
		return
	}
	writeJSON(w, http.StatusOK, newSweepResponse(rep))
}

type statsResponse struct {
	registry.Stats
	Eligible int `json:"eligible"`
	MinScore int `json:"min_score"`
}

func (s *Server) statsSnapshot() statsResponse {
	return statsResponse{
		Stats:    s.pool.Stats(),
		Eligible: s.pool.CountEligible(s.opts.MinScore),
		MinScore: s.opts.MinScore,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statsSnapshot())
}

// StatsSnapshot returns the payload served by /api/stats. The stream hub
// broadcasts it.
func (s *Server) StatsSnapshot() any {
	return s.statsSnapshot()
}

type fetchRequestItem struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Header     map[string]string `json:"header"`
	Body       string            `json:"body"`
	Timeout    string            `json:"timeout"`
	MaxRetries *int              `json:"max_retries"`
}

type fetchRequest struct {
	Requests       []fetchRequestItem `json:"requests"`
	MaxConcurrency int                `json:"max_concurrency"`
}

type fetchResult struct {
	RequestID  string `json:"request_id"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Endpoint   string `json:"endpoint,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(req.Requests) > maxFetchRequests {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per call", maxFetchRequests))
		return
	}
	if req.MaxConcurrency < 0 {
		writeError(w, http.StatusBadRequest, "max_concurrency must not be negative")
		return
	}
	concurrency := req.MaxConcurrency
	if concurrency == 0 {
		concurrency = s.opts.MaxConcurrency
	}

	reqs := make([]fetch.Request, len(req.Requests))
	for i, item := range req.Requests {
		if item.URL == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: url is required", i))
			return
		}
		if item.MaxRetries != nil && *item.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: max_retries must not be negative", i))
			return
		}
		var timeout time.Duration
		if item.Timeout != "" {
			d, err := time.ParseDuration(item.Timeout)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: invalid timeout %q", i, item.Timeout))
				return
			}
			timeout = d
		}
		reqs[i] = fetch.Request{
			URL:        item.URL,
			Method:     item.Method,
			Header:     item.Header,
			Timeout:    timeout,
			MaxRetries: item.MaxRetries,
		}
		if item.Body != "" {
			reqs[i].Body = []byte(item.Body)
		}
	}

	results := s.fetcher.FetchMany(r.Context(), reqs, concurrency)

	out := make([]fetchResult, len(results))
	s.fetchMu.Lock()
	for i, res := range results {
		s.fetchCounts[res.Status]++
		out[i] = fetchResult{
			RequestID: res.RequestID,
			URL:       res.URL,
			Status:    string(res.Status),
			Attempts:  res.Attempts,
			ElapsedMs: res.Elapsed.Milliseconds(),
		}
		if res.Endpoint != (registry.Key{}) {
			out[i].Endpoint = res.Endpoint.String()
		}
		if res.Response != nil {
			out[i].StatusCode = res.Response.StatusCode
			out[i].Body = string(res.Response.Body)
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	s.fetchMu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

type historyResponse struct {
	Probes      []storage.Probe `json:"probes"`
	Total       int             `json:"total"`
	SuccessRate float64         `json:"success_rate"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	raw := r.URL.Query().Get("endpoint")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "endpoint parameter is required")
		return
	}
	key, err := registry.ParseKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	endpoint := key.String()
	probes, total, err := s.store.EndpointHistory(r.Context(), endpoint, limit, offset)
	if err != nil {
		s.logger.Error("EndpointHistory", "endpoint", endpoint, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if probes == nil {
		probes = []storage.Probe{}
	}
	rate, err := s.store.SuccessRate(r.Context(), endpoint, 100)
	if err != nil {
		s.logger.Error("SuccessRate", "endpoint", endpoint, "error", err)
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Probes:      probes,
		Total:       total,
		SuccessRate: rate,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	s.hub.ServeHTTP(w, r)
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
