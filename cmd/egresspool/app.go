package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hazz-dev/egresspool/internal/config"
	"github.com/hazz-dev/egresspool/internal/fetch"
	"github.com/hazz-dev/egresspool/internal/pacer"
	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/scheduler"
	"github.com/hazz-dev/egresspool/internal/source"
	"github.com/hazz-dev/egresspool/internal/transport"
	"github.com/hazz-dev/egresspool/internal/validator"
)

// app wires the pool components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	reg       *registry.Registry
	client    *transport.Client
	validator *validator.Validator
	pacer     *pacer.Group
	fetcher   *fetch.Orchestrator
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	reg := registry.New(cfg.Pool.RegistryOptions())
	client := transport.NewClient(cfg.Fetch.UserAgents)

	prober, err := validator.NewProber(cfg.Validator, client)
	if err != nil {
		return nil, fmt.Errorf("creating prober: %w", err)
	}

	group := pacer.NewGroup(cfg.Pacing.MinDelay.Duration, cfg.Pacing.MaxDelay.Duration)
	orch := fetch.New(reg, group, client, fetch.Options{
		MinScore:    cfg.Pool.MinScore,
		Policy:      cfg.Pool.SelectionPolicy(),
		MaxRetries:  cfg.Fetch.MaxRetries,
		BackoffBase: cfg.Fetch.BackoffBase.Duration,
		BackoffMax:  cfg.Fetch.BackoffMax.Duration,
		Timeout:     cfg.Fetch.Timeout.Duration,
		PerHost:     cfg.Pacing.PerHost,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		reg:       reg,
		client:    client,
		validator: validator.New(reg, prober, logger),
		pacer:     group,
		fetcher:   orch,
	}, nil
}

// loadCandidates registers the configured candidates and returns how many
// were new. Unreadable files and bad lines are logged, not fatal.
func (a *app) loadCandidates() int {
	keys, err := source.Load(a.cfg.Sources.Files, a.cfg.Sources.Endpoints)
	if err != nil {
		a.logger.Warn("some candidates could not be loaded", "error", err)
	}
	return a.addKeys(keys)
}

func (a *app) addKeys(keys []registry.Key) int {
	added := 0
	for _, k := range keys {
		if a.reg.Add(k) {
			added++
		}
	}
	return added
}

// scheduler builds a sweep scheduler over the app's pool. store may be nil.
func (a *app) scheduler(store scheduler.Store) *scheduler.Scheduler {
	sched := scheduler.New(a.reg, a.validator, store, scheduler.Options{
		Interval:    a.cfg.Validator.Interval.Duration,
		Concurrency: a.cfg.Validator.Concurrency,
		EvictScore:  a.cfg.Pool.EvictScore,
		MinScore:    a.cfg.Pool.MinScore,
		Retention:   a.cfg.Storage.Retention.Duration,
	}, a.logger)
	sched.SetOnEvict(a.forget)
	return sched
}

// forget drops cached transports of evicted endpoints.
func (a *app) forget(eps []registry.Endpoint) {
	keys := make([]registry.Key, len(eps))
	for i, ep := range eps {
		keys[i] = ep.Key
	}
	a.client.Forget(keys...)
}

func (a *app) close() {
	a.client.Close()
}

// newLogger builds the slog logger selected by the log section.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
