package alert

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the health of the pool as a whole.
type State string

const (
	StateHealthy  State = "healthy"
	StateDepleted State = "depleted"
)

// Alerter sends webhook notifications when the number of selectable
// endpoints crosses the configured minimum.
type Alerter struct {
	webhookURL string
	cooldown   time.Duration
	minHealthy int
	client     *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	lastAlert time.Time

	wg sync.WaitGroup
}

// New creates a new Alerter. An empty webhookURL only logs transitions.
// Pass nil logger to use the default logger.
func New(webhookURL string, cooldown time.Duration, minHealthy int, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		webhookURL: webhookURL,
		cooldown:   cooldown,
		minHealthy: minHealthy,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type webhookPayload struct {
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	Eligible      int    `json:"eligible"`
	Total         int    `json:"total"`
	MinHealthy    int    `json:"min_healthy"`
	ObservedAt    string `json:"observed_at"`
	Source        string `json:"source"`
}

// Observe records the current eligible and total endpoint counts and sends
// a webhook if the pool state changed and the cooldown has elapsed. The
// first observation only alerts when the pool starts out depleted.
func (a *Alerter) Observe(eligible, total int) {
	state := StateHealthy
	if eligible < a.minHealthy {
		state = StateDepleted
	}

	a.mu.Lock()
	prev := a.state
	a.state = state
	if prev == state || (prev == "" && state == StateHealthy) {
		a.mu.Unlock()
		return
	}
	if !a.lastAlert.IsZero() && time.Since(a.lastAlert) < a.cooldown {
		a.mu.Unlock()
		a.logger.Info("alert suppressed by cooldown", "state", state)
		return
	}
	a.lastAlert = time.Now()
	a.mu.Unlock()

	if state == StateDepleted {
		a.logger.Warn("endpoint pool depleted", "eligible", eligible, "total", total, "min_healthy", a.minHealthy)
	} else {
		a.logger.Info("endpoint pool recovered", "eligible", eligible, "total", total)
	}
	if a.webhookURL == "" {
		return
	}

	payload := webhookPayload{
		State:         string(state),
		PreviousState: string(prev),
		Eligible:      eligible,
		Total:         total,
		MinHealthy:    a.minHealthy,
		ObservedAt:    time.Now().UTC().Format(time.RFC3339),
		Source:        "egresspool",
	}

	// Send asynchronously so Observe doesn't block the sweep.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.send(payload)
	}()
}

// State returns the last observed pool state, or "" before any observation.
func (a *Alerter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Close waits for in-flight webhook deliveries.
func (a *Alerter) Close() {
	a.wg.Wait()
}

func (a *Alerter) send(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("marshaling webhook payload", "state", payload.State, "error", err)
		return
	}

	resp, err := a.client.Post(a.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		a.logger.Error("sending webhook", "state", payload.State, "url", a.webhookURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Warn("webhook returned non-2xx status",
			"state", payload.State,
			"status", resp.StatusCode,
		)
	}
}
