package registry

// Score bucket floors used by Stats.
const (
	ExcellentScore = 80
	GoodScore      = 50
)

// Stats summarizes the pool.
type Stats struct {
	Total     int `json:"total"`
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Poor      int `json:"poor"`
	// MeanLatencyMs averages over endpoints with a measured latency.
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	// Fastest is nil when no endpoint has been measured yet.
	Fastest *Endpoint `json:"fastest"`
}

// Stats computes pool statistics from a snapshot.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	eps := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, *ep)
	}
	r.mu.RUnlock()

	return Summarize(eps)
}

// Summarize computes Stats over an arbitrary endpoint list.
func Summarize(eps []Endpoint) Stats {
	st := Stats{Total: len(eps)}
	var sum int64
	var measured int
	var fastest *Endpoint
	for i := range eps {
		ep := &eps[i]
		switch {
		case ep.Score >= ExcellentScore:
			st.Excellent++
		case ep.Score >= GoodScore:
			st.Good++
		default:
			st.Poor++
		}
		if ep.LatencyMs > 0 {
			sum += ep.LatencyMs
			measured++
			if fastest == nil || faster(ep, fastest) {
				fastest = ep
			}
		}
	}
	if measured > 0 {
		st.MeanLatencyMs = float64(sum) / float64(measured)
		f := *fastest
		st.Fastest = &f
	}
	return st
}
