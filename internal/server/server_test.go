package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazz-dev/egresspool/internal/fetch"
	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/scheduler"
	"github.com/hazz-dev/egresspool/internal/server"
	"github.com/hazz-dev/egresspool/internal/storage"
	"github.com/hazz-dev/egresspool/internal/transport"
	"github.com/hazz-dev/egresspool/internal/validator"
)

// mockFetcher records the batch it receives and answers every request with
// a canned success.
type mockFetcher struct {
	reqs        []fetch.Request
	concurrency int
}

func (m *mockFetcher) FetchMany(_ context.Context, reqs []fetch.Request, maxConcurrency int) []fetch.Result {
	m.reqs = reqs
	m.concurrency = maxConcurrency
	out := make([]fetch.Result, len(reqs))
	for i, r := range reqs {
		out[i] = fetch.Result{
			RequestID: "req-1",
			URL:       r.URL,
			Status:    fetch.StatusSuccess,
			Response:  &transport.Response{StatusCode: 200, Body: []byte("hello")},
			Attempts:  1,
			Endpoint:  key("10.0.0.1:3128"),
			Elapsed:   12 * time.Millisecond,
		}
	}
	if len(out) > 1 {
		out[1].Status = fetch.StatusRetriesExhausted
		out[1].Response = nil
		out[1].Err = errors.New("retries exhausted")
	}
	return out
}

type mockSweeper struct {
	calls  int
	report scheduler.Report
}

func (m *mockSweeper) Sweep(_ context.Context) scheduler.Report {
	m.calls++
	return m.report
}

type mockStore struct {
	probes   []storage.Probe
	total    int
	rate     float64
	err      error
	endpoint string
	limit    int
	offset   int
}

func (m *mockStore) EndpointHistory(_ context.Context, endpoint string, limit, offset int) ([]storage.Probe, int, error) {
	m.endpoint, m.limit, m.offset = endpoint, limit, offset
	if m.err != nil {
		return nil, 0, m.err
	}
	return m.probes, m.total, nil
}

func (m *mockStore) SuccessRate(_ context.Context, _ string, _ int) (float64, error) {
	return m.rate, m.err
}

func key(s string) registry.Key {
	k, err := registry.ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

type fixture struct {
	reg     *registry.Registry
	fetcher *mockFetcher
	sweeper *mockSweeper
	store   *mockStore
	srv     *server.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(registry.Options{})
	f := &fixture{
		reg:     reg,
		fetcher: &mockFetcher{},
		sweeper: &mockSweeper{},
		store:   &mockStore{},
	}
	f.srv = server.New(reg, f.fetcher, f.sweeper, f.store, nil, server.Options{
		MinScore:       50,
		EvictScore:     20,
		Policy:         registry.PolicyFastest,
		MaxConcurrency: 4,
	}, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) string {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if dst != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env.Error
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
}

func TestSelect(t *testing.T) {
	f := newFixture(t)
	fast, slow := key("10.0.0.1:3128"), key("10.0.0.2:3128")
	f.reg.Add(fast)
	f.reg.Add(slow)
	f.reg.RecordOutcome(fast, true, 10*time.Millisecond)
	f.reg.RecordOutcome(slow, true, 500*time.Millisecond)

	w := f.do(t, http.MethodGet, "/api/proxy", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ep registry.Endpoint
	decodeEnvelope(t, w, &ep)
	if ep.Key != fast {
		t.Errorf("default fastest policy should pick %s, got %s", fast, ep.Key)
	}
}

func TestSelect_Exhausted(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/proxy?policy=random", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if msg := decodeEnvelope(t, w, nil); !strings.Contains(msg, "pool exhausted") {
		t.Errorf("unexpected error message: %q", msg)
	}
}

func TestSelect_BadParams(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{
		"/api/proxy?policy=roundrobin",
		"/api/proxy?min_score=-1",
		"/api/proxy?min_score=abc",
		"/api/proxy?min_score=101",
	} {
		if w := f.do(t, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestListProxies(t *testing.T) {
	f := newFixture(t)
	good, bad := key("10.0.0.1:3128"), key("10.0.0.2:3128")
	f.reg.Add(good)
	f.reg.Add(bad)
	f.reg.RecordOutcome(bad, false, 0)
	f.reg.RecordOutcome(bad, false, 0)
	f.reg.RecordOutcome(bad, false, 0) // 40

	var all, healthy []registry.Endpoint
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/proxies", ""), &all)
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/proxies?min_score=50", ""), &healthy)
	if len(all) != 2 {
		t.Errorf("expected 2 endpoints, got %d", len(all))
	}
	if len(healthy) != 1 || healthy[0].Key != good {
		t.Errorf("expected only %s above 50, got %+v", good, healthy)
	}
}

func TestAddProxies(t *testing.T) {
	f := newFixture(t)
	f.reg.Add(key("10.0.0.1:3128"))

	w := f.do(t, http.MethodPost, "/api/proxies",
		`{"endpoints":["10.0.0.1:3128","socks5://10.0.0.2:1080","10.0.0.3 8080 https","ftp://nope:21"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Added      int      `json:"added"`
		Duplicates int      `json:"duplicates"`
		Invalid    []string `json:"invalid"`
	}
	decodeEnvelope(t, w, &resp)
	if resp.Added != 2 || resp.Duplicates != 1 || len(resp.Invalid) != 1 {
		t.Errorf("unexpected add response: %+v", resp)
	}
	if f.reg.Len() != 3 {
		t.Errorf("expected 3 registered endpoints, got %d", f.reg.Len())
	}
}

func TestAddProxies_BadBody(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`not json`, `{"endpoints":[]}`} {
		if w := f.do(t, http.MethodPost, "/api/proxies", body); w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", body, w.Code)
		}
	}
}

func TestEvict(t *testing.T) {
	f := newFixture(t)
	good, bad := key("10.0.0.1:3128"), key("10.0.0.2:3128")
	f.reg.Add(good)
	f.reg.Add(bad)
	for i := 0; i < 5; i++ {
		f.reg.RecordOutcome(bad, false, 0) // 0
	}

	var forgotten []registry.Endpoint
	f.srv.SetOnEvict(func(eps []registry.Endpoint) { forgotten = eps })

	var evicted []registry.Endpoint
	w := f.do(t, http.MethodDelete, "/api/proxies", "")
	decodeEnvelope(t, w, &evicted)
	if len(evicted) != 1 || evicted[0].Key != bad {
		t.Fatalf("expected %s evicted at the default floor, got %+v", bad, evicted)
	}
	if len(forgotten) != 1 {
		t.Errorf("expected eviction callback, got %+v", forgotten)
	}

	// An explicit floor above every score empties the pool.
	decodeEnvelope(t, f.do(t, http.MethodDelete, "/api/proxies?min_score=100", ""), &evicted)
	if f.reg.Len() != 1 {
		t.Errorf("score 100 meets a floor of 100, expected it kept, got len %d", f.reg.Len())
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	f.sweeper.report = scheduler.Report{
		Summary:  validator.Summary{Probed: 3, Healthy: 2, Failed: 1, Duration: 1500 * time.Millisecond},
		Evicted:  []registry.Endpoint{{Key: key("10.0.0.9:3128")}},
		Eligible: 2,
		Total:    2,
	}

	w := f.do(t, http.MethodPost, "/api/proxies/validate", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Probed     int                 `json:"probed"`
		Healthy    int                 `json:"healthy"`
		Failed     int                 `json:"failed"`
		DurationMs int64               `json:"duration_ms"`
		Evicted    []registry.Endpoint `json:"evicted"`
		Eligible   int                 `json:"eligible"`
	}
	decodeEnvelope(t, w, &resp)
	if f.sweeper.calls != 1 {
		t.Errorf("expected one sweep, got %d", f.sweeper.calls)
	}
	if resp.Probed != 3 || resp.Healthy != 2 || resp.Failed != 1 || resp.DurationMs != 1500 {
		t.Errorf("unexpected summary: %+v", resp)
	}
	if len(resp.Evicted) != 1 || resp.Eligible != 2 {
		t.Errorf("unexpected eviction fields: %+v", resp)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.reg.Add(key("10.0.0.1:3128"))
	f.reg.Add(key("10.0.0.2:3128"))
	f.reg.RecordOutcome(key("10.0.0.1:3128"), true, 40*time.Millisecond)

	var st struct {
		Total     int `json:"total"`
		Excellent int `json:"excellent"`
		Eligible  int `json:"eligible"`
		MinScore  int `json:"min_score"`
		Fastest   *registry.Endpoint
	}
	decodeEnvelope(t, f.do(t, http.MethodGet, "/api/stats", ""), &st)
	if st.Total != 2 || st.Excellent != 2 || st.Eligible != 2 || st.MinScore != 50 {
		t.Errorf("unexpected stats: %+v", st)
	}
	if st.Fastest == nil || st.Fastest.Key != key("10.0.0.1:3128") {
		t.Errorf("expected fastest endpoint, got %+v", st.Fastest)
	}
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/fetch", `{
		"requests": [
			{"url": "http://example.com/a", "header": {"X-Test": "1"}, "timeout": "2s", "max_retries": 1},
			{"url": "http://example.com/b", "method": "POST", "body": "payload"}
		]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var results []struct {
		URL        string `json:"url"`
		Status     string `json:"status"`
		StatusCode int    `json:"status_code"`
		Body       string `json:"body"`
		Endpoint   string `json:"endpoint"`
		Error      string `json:"error"`
	}
	decodeEnvelope(t, w, &results)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != "success" || results[0].StatusCode != 200 || results[0].Body != "hello" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[0].Endpoint != "http://10.0.0.1:3128" {
		t.Errorf("unexpected endpoint: %q", results[0].Endpoint)
	}
	if results[1].Status != "retries_exhausted" || results[1].Error == "" {
		t.Errorf("unexpected second result: %+v", results[1])
	}

	if f.fetcher.concurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", f.fetcher.concurrency)
	}
	first := f.fetcher.reqs[0]
	if first.Timeout != 2*time.Second || first.MaxRetries == nil || *first.MaxRetries != 1 || first.Header["X-Test"] != "1" {
		t.Errorf("request fields not forwarded: %+v", first)
	}
	if second := f.fetcher.reqs[1]; second.Method != "POST" || string(second.Body) != "payload" || second.MaxRetries != nil {
		t.Errorf("request fields not forwarded: %+v", second)
	}
}

func TestFetch_BadRequests(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{`,
		`{"requests":[]}`,
		`{"requests":[{"method":"GET"}]}`,
		`{"requests":[{"url":"http://x","timeout":"soon"}]}`,
		`{"requests":[{"url":"http://x","max_retries":-1}]}`,
		`{"requests":[{"url":"http://x"}],"max_concurrency":-1}`,
	} {
		if w := f.do(t, http.MethodPost, "/api/fetch", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.store.probes = []storage.Probe{{ID: 1, Endpoint: "http://10.0.0.1:3128", Success: true, LatencyMs: 42}}
	f.store.total = 7
	f.store.rate = 85.5

	w := f.do(t, http.MethodGet, "/api/history?endpoint=10.0.0.1:3128&limit=5&offset=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Probes      []storage.Probe `json:"probes"`
		Total       int             `json:"total"`
		SuccessRate float64         `json:"success_rate"`
	}
	decodeEnvelope(t, w, &resp)
	if len(resp.Probes) != 1 || resp.Total != 7 || resp.SuccessRate != 85.5 {
		t.Errorf("unexpected history: %+v", resp)
	}
	if f.store.endpoint != "http://10.0.0.1:3128" || f.store.limit != 5 || f.store.offset != 2 {
		t.Errorf("query not normalized: endpoint=%q limit=%d offset=%d", f.store.endpoint, f.store.limit, f.store.offset)
	}
}

func TestHistory_LimitCapped(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/history?endpoint=10.0.0.1:3128&limit=5000", "")
	if f.store.limit != 1000 {
		t.Errorf("expected limit capped to 1000, got %d", f.store.limit)
	}
}

func TestHistory_Errors(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{
		"/api/history",
		"/api/history?endpoint=ftp://x:1",
		"/api/history?endpoint=10.0.0.1:3128&limit=-1",
		"/api/history?endpoint=10.0.0.1:3128&offset=x",
	} {
		if w := f.do(t, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}

	f.store.err = errors.New("db gone")
	if w := f.do(t, http.MethodGet, "/api/history?endpoint=10.0.0.1:3128", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on store error, got %d", w.Code)
	}
}

func TestUnavailableDependencies(t *testing.T) {
	srv := server.New(registry.New(registry.Options{}), &mockFetcher{}, nil, nil, nil, server.Options{}, nil)
	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/api/proxies/validate"},
		{http.MethodGet, "/api/history?endpoint=10.0.0.1:3128"},
		{http.MethodGet, "/api/stream"},
	} {
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, httptest.NewRequest(tc.method, tc.target, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected 503, got %d", tc.method, tc.target, w.Code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/api/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
