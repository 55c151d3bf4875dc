package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Budget     BudgetConfig     `yaml:"budget"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Providers  []ProviderConfig `yaml:"providers"`
	Stream     StreamConfig     `yaml:"stream"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	// DSN selects PostgreSQL; empty keeps everything in process memory.
	DSN string `yaml:"dsn"`
}

type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type ResilienceConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           bool          `yaml:"jitter"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	BreakerIdleTTL   time.Duration `yaml:"breaker_idle_ttl"`
}

type BudgetConfig struct {
	// Backend is one of memory, postgres, redis.
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url"`
	// DailyRollover and MonthlyRollover are cron specs; empty disables the reset.
	DailyRollover   string        `yaml:"daily_rollover"`
	MonthlyRollover string        `yaml:"monthly_rollover"`
	Limits          []BudgetLimit `yaml:"limits"`
}

type BudgetLimit struct {
	OrgID  string  `yaml:"org"`
	Period string  `yaml:"period"`
	Limit  float64 `yaml:"limit"`
}

type GatewayConfig struct {
	ProtocolVersion   string        `yaml:"protocol_version"`
	SessionBudget     int           `yaml:"session_budget"`
	SessionIdleTTL    time.Duration `yaml:"session_idle_ttl"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	JWTSecret         string        `yaml:"jwt_secret"`
	APIKeys           []APIKey      `yaml:"api_keys"`
}

type APIKey struct {
	Key       string   `yaml:"key"`
	Principal string   `yaml:"principal"`
	OrgID     string   `yaml:"org"`
	Roles     []string `yaml:"roles"`
	// Budget overrides the gateway default session budget when > 0.
	Budget int `yaml:"budget"`
}

type ProviderConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // scripted, openai, anthropic
	// APIKey may be left empty and supplied through OPENAI_API_KEY / ANTHROPIC_API_KEY.
	APIKey  string         `yaml:"api_key"`
	BaseURL string         `yaml:"base_url"`
	Models  []ModelPricing `yaml:"models"`
}

type ModelPricing struct {
	ID string `yaml:"id"`
	// Prices are per 1K tokens.
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
	// StepEstimate is the admission estimate for one step when the goal gives none.
	StepEstimate float64 `yaml:"step_estimate"`
}

type StreamConfig struct {
	Buffer  int    `yaml:"buffer"`
	NATSURL string `yaml:"nats_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default is a runnable single-process setup: memory store, one scripted provider.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Scheduler: SchedulerConfig{Workers: 4, QueueSize: 256},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			InitialDelay:     200 * time.Millisecond,
			MaxDelay:         5 * time.Second,
			Jitter:           true,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			CallTimeout:      60 * time.Second,
			BreakerIdleTTL:   24 * time.Hour,
		},
		Budget: BudgetConfig{Backend: "memory"},
		Gateway: GatewayConfig{
			ProtocolVersion:   "2025-06-18",
			SessionBudget:     100,
			SessionIdleTTL:    30 * time.Minute,
			RequestsPerSecond: 5,
			Burst:             20,
		},
		Providers: []ProviderConfig{{
			ID:   "mock",
			Kind: "scripted",
			Models: []ModelPricing{{
				ID: "mock-1", InputPer1K: 0.001, OutputPer1K: 0.002, StepEstimate: 0.01,
			}},
		}},
		Stream:    StreamConfig{Buffer: 64},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: "agentgate"},
	}
}

// Load reads a YAML config file over Default, applies the optional
// environments.<env> overlay and finally the process environment.
func Load(path, env string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		raw, err := LoadYAML(b)
		if err != nil {
			return Config{}, err
		}
		if env != "" {
			raw, err = ApplyEnvOverrides(raw, env)
			if err != nil {
				return Config{}, err
			}
		}
		delete(raw, "environments")
		merged, err := yaml.Marshal(raw)
		if err != nil {
			return Config{}, fmt.Errorf("yaml encode: %w", err)
		}
		if err := yaml.Unmarshal(merged, &cfg); err != nil {
			return Config{}, fmt.Errorf("yaml decode: %w", err)
		}
	}
	ApplyProcessEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadYAML parses a config document into a generic mapping.
func LoadYAML(b []byte) (map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a YAML mapping")
	}
	return m, nil
}

// ApplyEnvOverrides shallow-merges environments.<env>.<section> into each top-level section.
func ApplyEnvOverrides(cfg map[string]any, env string) (map[string]any, error) {
	envs, _ := cfg["environments"].(map[string]any)
	ovAny, ok := envs[env]
	if !ok {
		return nil, fmt.Errorf("env not found in environments: %s", env)
	}
	ov, _ := ovAny.(map[string]any)
	c := cloneMap(cfg)
	for section, v := range ov {
		sub, isMap := v.(map[string]any)
		base, baseIsMap := c[section].(map[string]any)
		if !isMap || !baseIsMap {
			c[section] = v
			continue
		}
		merged := cloneMap(base)
		for k, sv := range sub {
			merged[k] = sv
		}
		c[section] = merged
	}
	return c, nil
}

// ApplyProcessEnv lets deployment environments override secrets and endpoints.
func ApplyProcessEnv(cfg *Config) {
	if p := os.Getenv("PORT"); p != "" {
		cfg.Server.Addr = ":" + p
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Budget.RedisURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Stream.NATSURL = v
	}
	if v := os.Getenv("AGENTGATE_JWT_SECRET"); v != "" {
		cfg.Gateway.JWTSecret = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Kind {
		case "openai":
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func (c Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive")
	}
	if c.Scheduler.QueueSize <= 0 {
		return fmt.Errorf("scheduler.queue_size must be positive")
	}
	switch c.Budget.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("budget.backend=postgres requires store.dsn (or DATABASE_URL)")
		}
	case "redis":
		if c.Budget.RedisURL == "" {
			return fmt.Errorf("budget.backend=redis requires budget.redis_url (or REDIS_URL)")
		}
	default:
		return fmt.Errorf("budget.backend must be memory, postgres or redis, got %q", c.Budget.Backend)
	}
	for i, l := range c.Budget.Limits {
		if l.Period != "daily" && l.Period != "monthly" {
			return fmt.Errorf("budget.limits[%d].period must be daily or monthly", i)
		}
		if strings.TrimSpace(l.OrgID) == "" || l.Limit < 0 {
			return fmt.Errorf("budget.limits[%d] requires org and a non-negative limit", i)
		}
	}
	if strings.TrimSpace(c.Gateway.ProtocolVersion) == "" {
		return fmt.Errorf("gateway.protocol_version must be set")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id must be a non-empty string", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %s", i, p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case "scripted", "openai", "anthropic":
		default:
			return fmt.Errorf("providers[%d].kind must be scripted, openai or anthropic, got %q", i, p.Kind)
		}
	}
	for i, k := range c.Gateway.APIKeys {
		if k.Key == "" || k.OrgID == "" {
			return fmt.Errorf("gateway.api_keys[%d] requires key and org", i)
		}
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
