package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazz-dev/egresspool/internal/registry"
)

// Duration is a time.Duration that unmarshals from a YAML string like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// PoolConfig holds scoring and selection settings.
type PoolConfig struct {
	MinScore       int    `yaml:"min_score"`
	EvictScore     int    `yaml:"evict_score"`
	MaxFailStreak  int    `yaml:"max_fail_streak"`
	Policy         string `yaml:"policy"`
	SuccessDelta   int    `yaml:"success_delta"`
	FailurePenalty int    `yaml:"failure_penalty"`
}

// RegistryOptions converts the pool settings into registry scoring options.
func (p PoolConfig) RegistryOptions() registry.Options {
	return registry.Options{
		InitialScore:   registry.DefaultInitialScore,
		SuccessDelta:   p.SuccessDelta,
		FailurePenalty: p.FailurePenalty,
		MaxFailStreak:  p.MaxFailStreak,
	}
}

// SelectionPolicy returns the parsed policy. Load has already validated it.
func (p PoolConfig) SelectionPolicy() registry.Policy {
	policy, _ := registry.ParsePolicy(p.Policy)
	return policy
}

// PacingConfig holds the inter-request delay window.
type PacingConfig struct {
	MinDelay Duration `yaml:"min_delay"`
	MaxDelay Duration `yaml:"max_delay"`
	PerHost  bool     `yaml:"per_host"`
}

// FetchConfig holds orchestrator settings.
type FetchConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffMax     Duration `yaml:"backoff_max"`
	Timeout        Duration `yaml:"timeout"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	UserAgents     []string `yaml:"user_agents"`
}

// ValidatorConfig holds health probe settings.
type ValidatorConfig struct {
	Mode           string   `yaml:"mode"`
	Target         string   `yaml:"target"`
	ExpectedStatus int      `yaml:"expected_status"`
	Timeout        Duration `yaml:"timeout"`
	Concurrency    int      `yaml:"concurrency"`
	Interval       Duration `yaml:"interval"`
}

// SourcesConfig lists where candidate endpoints come from.
type SourcesConfig struct {
	Files     []string `yaml:"files"`
	Endpoints []string `yaml:"endpoints"`
	Watch     bool     `yaml:"watch"`
}

// WebhookConfig holds alert webhook settings.
type WebhookConfig struct {
	URL      string   `yaml:"url"`
	Cooldown Duration `yaml:"cooldown"`
}

// AlertsConfig holds all alert configuration.
type AlertsConfig struct {
	MinHealthy int           `yaml:"min_healthy"`
	Webhook    WebhookConfig `yaml:"webhook"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	StreamInterval Duration `yaml:"stream_interval"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Path string `yaml:"path"`
	// Retention bounds probe history. Zero keeps it forever.
	Retention Duration `yaml:"retention"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root application configuration.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Validator ValidatorConfig `yaml:"validator"`
	Sources   SourcesConfig   `yaml:"sources"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// Load reads, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML document. Omitted fields take defaults.
func Parse(data []byte) (*Config, error) {
	// Durations are kept as strings so parse errors can name the field, and
	// zero-able ints are pointers so an explicit 0 survives defaulting.
	type rawConfig struct {
		Pool struct {
			MinScore       *int   `yaml:"min_score"`
			EvictScore     *int   `yaml:"evict_score"`
			MaxFailStreak  *int   `yaml:"max_fail_streak"`
			Policy         string `yaml:"policy"`
			SuccessDelta   int    `yaml:"success_delta"`
			FailurePenalty int    `yaml:"failure_penalty"`
		} `yaml:"pool"`
		Pacing struct {
			MinDelay string `yaml:"min_delay"`
			MaxDelay string `yaml:"max_delay"`
			PerHost  bool   `yaml:"per_host"`
		} `yaml:"pacing"`
		Fetch struct {
			MaxRetries     *int     `yaml:"max_retries"`
			BackoffBase    string   `yaml:"backoff_base"`
			BackoffMax     string   `yaml:"backoff_max"`
			Timeout        string   `yaml:"timeout"`
			MaxConcurrency int      `yaml:"max_concurrency"`
			UserAgents     []string `yaml:"user_agents"`
		} `yaml:"fetch"`
		Validator struct {
			Mode           string `yaml:"mode"`
			Target         string `yaml:"target"`
			ExpectedStatus int    `yaml:"expected_status"`
			Timeout        string `yaml:"timeout"`
			Concurrency    int    `yaml:"concurrency"`
			Interval       string `yaml:"interval"`
		} `yaml:"validator"`
		Sources SourcesConfig `yaml:"sources"`
		Alerts  struct {
			MinHealthy *int `yaml:"min_healthy"`
			Webhook    struct {
				URL      string `yaml:"url"`
				Cooldown string `yaml:"cooldown"`
			} `yaml:"webhook"`
		} `yaml:"alerts"`
		Server struct {
			Address        string `yaml:"address"`
			StreamInterval string `yaml:"stream_interval"`
		} `yaml:"server"`
		Storage struct {
			Path      string `yaml:"path"`
			Retention string `yaml:"retention"`
		} `yaml:"storage"`
		Log LogConfig `yaml:"log"`
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{
		Sources: raw.Sources,
		Log:     raw.Log,
	}

	// Pool.
	cfg.Pool = PoolConfig{
		MinScore:       intOr(raw.Pool.MinScore, 50),
		EvictScore:     intOr(raw.Pool.EvictScore, 20),
		MaxFailStreak:  intOr(raw.Pool.MaxFailStreak, registry.DefaultMaxFailStreak),
		Policy:         strings.ToLower(raw.Pool.Policy),
		SuccessDelta:   raw.Pool.SuccessDelta,
		FailurePenalty: raw.Pool.FailurePenalty,
	}
	if cfg.Pool.Policy == "" {
		cfg.Pool.Policy = "random"
	}
	if cfg.Pool.SuccessDelta == 0 {
		cfg.Pool.SuccessDelta = registry.DefaultSuccessDelta
	}
	if cfg.Pool.FailurePenalty == 0 {
		cfg.Pool.FailurePenalty = registry.DefaultFailurePenalty
	}

	// Pacing, fetch, validator durations.
	var err error
	durations := []struct {
		field string
		raw   string
		def   time.Duration
		dst   *Duration
	}{
		{"pacing.min_delay", raw.Pacing.MinDelay, time.Second, &cfg.Pacing.MinDelay},
		{"pacing.max_delay", raw.Pacing.MaxDelay, 3 * time.Second, &cfg.Pacing.MaxDelay},
		{"fetch.backoff_base", raw.Fetch.BackoffBase, 500 * time.Millisecond, &cfg.Fetch.BackoffBase},
		{"fetch.backoff_max", raw.Fetch.BackoffMax, 30 * time.Second, &cfg.Fetch.BackoffMax},
		{"fetch.timeout", raw.Fetch.Timeout, 10 * time.Second, &cfg.Fetch.Timeout},
		{"validator.timeout", raw.Validator.Timeout, 5 * time.Second, &cfg.Validator.Timeout},
		{"validator.interval", raw.Validator.Interval, 10 * time.Minute, &cfg.Validator.Interval},
		{"alerts.webhook.cooldown", raw.Alerts.Webhook.Cooldown, 5 * time.Minute, &cfg.Alerts.Webhook.Cooldown},
		{"server.stream_interval", raw.Server.StreamInterval, 5 * time.Second, &cfg.Server.StreamInterval},
		{"storage.retention", raw.Storage.Retention, 7 * 24 * time.Hour, &cfg.Storage.Retention},
	}
	for _, d := range durations {
		if d.dst.Duration, err = parseDuration(d.field, d.raw, d.def); err != nil {
			return nil, err
		}
	}

	cfg.Pacing.PerHost = raw.Pacing.PerHost

	cfg.Fetch.MaxRetries = intOr(raw.Fetch.MaxRetries, 3)
	cfg.Fetch.MaxConcurrency = raw.Fetch.MaxConcurrency
	if cfg.Fetch.MaxConcurrency == 0 {
		cfg.Fetch.MaxConcurrency = 10
	}
	cfg.Fetch.UserAgents = raw.Fetch.UserAgents

	cfg.Validator.Mode = strings.ToLower(raw.Validator.Mode)
	if cfg.Validator.Mode == "" {
		cfg.Validator.Mode = "http"
	}
	cfg.Validator.Target = raw.Validator.Target
	if cfg.Validator.Target == "" && cfg.Validator.Mode == "http" {
		cfg.Validator.Target = "http://httpbin.org/ip"
	}
	cfg.Validator.ExpectedStatus = raw.Validator.ExpectedStatus
	if cfg.Validator.ExpectedStatus == 0 {
		cfg.Validator.ExpectedStatus = 200
	}
	cfg.Validator.Concurrency = raw.Validator.Concurrency
	if cfg.Validator.Concurrency == 0 {
		cfg.Validator.Concurrency = 20
	}

	cfg.Alerts.MinHealthy = intOr(raw.Alerts.MinHealthy, 1)
	cfg.Alerts.Webhook.URL = raw.Alerts.Webhook.URL

	cfg.Server.Address = raw.Server.Address
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	cfg.Storage.Path = raw.Storage.Path
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "egresspool.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.MinScore < 0 || c.Pool.MinScore > registry.MaxScore {
		return fmt.Errorf("pool.min_score must be between 0 and %d, got %d", registry.MaxScore, c.Pool.MinScore)
	}
	if c.Pool.EvictScore <= 0 || c.Pool.EvictScore > registry.MaxScore {
		return fmt.Errorf("pool.evict_score must be between 1 and %d, got %d", registry.MaxScore, c.Pool.EvictScore)
	}
	if c.Pool.MaxFailStreak < 0 {
		return fmt.Errorf("pool.max_fail_streak must not be negative, got %d", c.Pool.MaxFailStreak)
	}
	if _, err := registry.ParsePolicy(c.Pool.Policy); err != nil {
		return fmt.Errorf("pool.policy: %w", err)
	}
	if c.Pool.SuccessDelta < 0 || c.Pool.FailurePenalty < 0 {
		return fmt.Errorf("pool.success_delta and pool.failure_penalty must be positive")
	}

	if c.Pacing.MinDelay.Duration < 0 {
		return fmt.Errorf("pacing.min_delay must not be negative")
	}
	if c.Pacing.MaxDelay.Duration < c.Pacing.MinDelay.Duration {
		return fmt.Errorf("pacing.max_delay (%s) must not be below pacing.min_delay (%s)", c.Pacing.MaxDelay, c.Pacing.MinDelay)
	}

	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative, got %d", c.Fetch.MaxRetries)
	}
	if c.Fetch.BackoffBase.Duration <= 0 {
		return fmt.Errorf("fetch.backoff_base must be positive")
	}
	if c.Fetch.BackoffMax.Duration < c.Fetch.BackoffBase.Duration {
		return fmt.Errorf("fetch.backoff_max (%s) must not be below fetch.backoff_base (%s)", c.Fetch.BackoffMax, c.Fetch.BackoffBase)
	}
	if c.Fetch.Timeout.Duration <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.MaxConcurrency <= 0 {
		return fmt.Errorf("fetch.max_concurrency must be positive, got %d", c.Fetch.MaxConcurrency)
	}

	switch c.Validator.Mode {
	case "http":
		if c.Validator.Target == "" {
			return fmt.Errorf("validator.target is required in http mode")
		}
	case "tcp":
	default:
		return fmt.Errorf("validator.mode: invalid mode %q (must be http or tcp)", c.Validator.Mode)
	}
	if c.Validator.Timeout.Duration <= 0 {
		return fmt.Errorf("validator.timeout must be positive")
	}
	if c.Validator.Concurrency <= 0 {
		return fmt.Errorf("validator.concurrency must be positive, got %d", c.Validator.Concurrency)
	}
	if c.Validator.Interval.Duration <= 0 {
		return fmt.Errorf("validator.interval must be positive")
	}

	for i, s := range c.Sources.Endpoints {
		if _, err := registry.ParseKey(s); err != nil {
			return fmt.Errorf("sources.endpoints[%d]: %w", i, err)
		}
	}

	if c.Alerts.MinHealthy < 0 {
		return fmt.Errorf("alerts.min_healthy must not be negative, got %d", c.Alerts.MinHealthy)
	}
	if c.Server.StreamInterval.Duration <= 0 {
		return fmt.Errorf("server.stream_interval must be positive")
	}
	if c.Storage.Retention.Duration < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: invalid format %q (must be text or json)", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: invalid level %q", c.Log.Level)
	}
	return nil
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	return d, nil
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
