package server

import (
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/hazz-dev/egresspool/internal/fetch"
	"github.com/hazz-dev/egresspool/internal/registry"
)

func gauge(name, help string, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: metrics,
	}
}

func gaugeValue(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

func counterValue(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Counter: &dto.Counter{Value: proto.Float64(v)}}
}

// labelPairs converts alternating name/value strings into label pairs.
func labelPairs(kv []string) []*dto.LabelPair {
	if len(kv) == 0 {
		return nil
	}
	pairs := make([]*dto.LabelPair, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return pairs
}

// metricFamilies renders the current pool state.
func (s *Server) metricFamilies() []*dto.MetricFamily {
	snap := s.pool.Snapshot()
	st := registry.Summarize(snap)

	scores := make([]*dto.Metric, 0, len(snap))
	latencies := make([]*dto.Metric, 0, len(snap))
	failures := make([]*dto.Metric, 0, len(snap))
	for _, ep := range snap {
		key := ep.Key.String()
		scores = append(scores, gaugeValue(float64(ep.Score), "endpoint", key))
		failures = append(failures, gaugeValue(float64(ep.ConsecutiveFailures), "endpoint", key))
		if ep.LatencyMs > 0 {
			latencies = append(latencies, gaugeValue(float64(ep.LatencyMs)/1000, "endpoint", key))
		}
	}

	families := []*dto.MetricFamily{
		gauge("egresspool_endpoints", "Registered endpoints by score tier.",
			gaugeValue(float64(st.Excellent), "tier", "excellent"),
			gaugeValue(float64(st.Good), "tier", "good"),
			gaugeValue(float64(st.Poor), "tier", "poor"),
		),
		gauge("egresspool_endpoints_eligible", "Endpoints currently eligible for selection.",
			gaugeValue(float64(s.pool.CountEligible(s.opts.MinScore))),
		),
		gauge("egresspool_endpoint_score", "Health score per endpoint.", scores...),
		gauge("egresspool_endpoint_consecutive_failures", "Consecutive failed outcomes per endpoint.", failures...),
		gauge("egresspool_endpoint_latency_seconds", "Last measured latency per endpoint.", latencies...),
	}

	s.fetchMu.Lock()
	statuses := make([]string, 0, len(s.fetchCounts))
	for status := range s.fetchCounts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	var counters []*dto.Metric
	for _, status := range statuses {
		counters = append(counters, counterValue(float64(s.fetchCounts[fetch.Status(status)]), "status", status))
	}
	s.fetchMu.Unlock()
	families = append(families, &dto.MetricFamily{
		Name:   proto.String("egresspool_fetch_results_total"),
		Help:   proto.String("Fetch requests served through the API by terminal status."),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: counters,
	})

	if s.hub != nil {
		families = append(families, gauge("egresspool_stream_clients", "Connected stream clients.",
			gaugeValue(float64(s.hub.Count())),
		))
	}
	return families
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	w.WriteHeader(http.StatusOK)

	enc := expfmt.NewEncoder(w, format)
	for _, mf := range s.metricFamilies() {
		// the text format rejects families without samples
		if len(mf.Metric) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			s.logger.Error("encoding metrics", "family", mf.GetName(), "error", err)
			return
		}
	}
}
