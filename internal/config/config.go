package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SourceConfig describes one upstream source: identity, transport parameters,
// and its rate-limit and circuit-breaker budget.
type SourceConfig struct {
	ID     string
	Kind   string // "openweather", "openmeteo", "bing"
	URL    string
	APIKey string

	RPS   float64
	Burst int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
}

// Config holds pipeline configuration loaded from YAML and env.
type Config struct {
	OpsPort string

	Sources []SourceConfig

	GlobalConcurrency int
	RecoverStep       float64
	PenaltyInitial    time.Duration
	PenaltyMax        time.Duration

	Policy           string // "first_success" or "require_all"
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	AttemptTimeout   time.Duration
	RequestTimeout   time.Duration

	CacheBackend  string // "in_memory" or "memcached"
	CacheTTL      time.Duration
	TimeBucket    time.Duration
	StaleMaxAge   time.Duration
	SweepInterval time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RefreshInterval  time.Duration
	TrackedLocations []string

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Ops struct {
		Port string `yaml:"port"`
	} `yaml:"ops"`

	Sources []struct {
		ID      string  `yaml:"id"`
		Kind    string  `yaml:"kind"`
		URL     string  `yaml:"url"`
		RPS     float64 `yaml:"rps"`
		Burst   int     `yaml:"burst"`
		Breaker struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"sources"`

	Scheduler struct {
		GlobalConcurrency int     `yaml:"global_concurrency"`
		RecoverStep       float64 `yaml:"recover_step"`
		PenaltyInitial    string  `yaml:"penalty_initial"`
		PenaltyMax        string  `yaml:"penalty_max"`
	} `yaml:"scheduler"`

	Aggregation struct {
		Policy           string `yaml:"policy"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		AttemptTimeout   string `yaml:"attempt_timeout"`
		RequestTimeout   string `yaml:"request_timeout"`
	} `yaml:"aggregation"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		TimeBucket    string `yaml:"time_bucket"`
		StaleMaxAge   string `yaml:"stale_max_age"`
		SweepInterval string `yaml:"sweep_interval"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Refresh struct {
		Interval  string   `yaml:"interval"`
		Locations []string `yaml:"locations"`
	} `yaml:"refresh"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev). A .env
// file, if present, is loaded first so local runs can override env vars
// without exporting them. API keys come from env only
// (OPENWEATHER_API_KEY), never from YAML.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML, applying env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.OpsPort = strings.TrimSpace(os.Getenv("OPS_PORT"))
	if cfg.OpsPort == "" {
		cfg.OpsPort = fc.Ops.Port
	}
	if cfg.OpsPort == "" {
		cfg.OpsPort = "9090"
	}

	for _, s := range fc.Sources {
		sc := SourceConfig{
			ID:    strings.TrimSpace(s.ID),
			Kind:  strings.TrimSpace(strings.ToLower(s.Kind)),
			URL:   strings.TrimSpace(s.URL),
			RPS:   s.RPS,
			Burst: s.Burst,

			BreakerFailureThreshold: s.Breaker.FailureThreshold,
			BreakerSuccessThreshold: s.Breaker.SuccessThreshold,
			BreakerTimeout:          parseDuration(s.Breaker.Timeout, 30*time.Second),
		}
		if sc.ID == "" {
			sc.ID = sc.Kind
		}
		if sc.RPS <= 0 {
			sc.RPS = 1
		}
		if sc.Burst <= 0 {
			sc.Burst = 2
		}
		if sc.BreakerFailureThreshold <= 0 {
			sc.BreakerFailureThreshold = 5
		}
		if sc.BreakerSuccessThreshold <= 0 {
			sc.BreakerSuccessThreshold = 2
		}
		if sc.Kind == "openweather" {
			sc.APIKey = os.Getenv("OPENWEATHER_API_KEY")
		}
		cfg.Sources = append(cfg.Sources, sc)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source must be configured")
	}

	cfg.GlobalConcurrency = fc.Scheduler.GlobalConcurrency
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}
	cfg.RecoverStep = fc.Scheduler.RecoverStep
	if cfg.RecoverStep <= 0 {
		cfg.RecoverStep = 0.1
	}
	cfg.PenaltyInitial = parseDuration(fc.Scheduler.PenaltyInitial, time.Second)
	cfg.PenaltyMax = parseDuration(fc.Scheduler.PenaltyMax, 5*time.Minute)

	cfg.Policy = strings.TrimSpace(strings.ToLower(fc.Aggregation.Policy))
	if cfg.Policy == "" {
		cfg.Policy = "first_success"
	}
	cfg.RetryMaxAttempts = fc.Aggregation.RetryMaxAttempts
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Aggregation.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Aggregation.RetryMaxDelay, 2*time.Second)
	cfg.AttemptTimeout = parseDuration(fc.Aggregation.AttemptTimeout, 2*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Aggregation.RequestTimeout, 10*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 10*time.Minute)
	cfg.TimeBucket = parseDuration(fc.Cache.TimeBucket, 10*time.Minute)
	cfg.StaleMaxAge = parseDuration(fc.Cache.StaleMaxAge, time.Hour)
	cfg.SweepInterval = parseDuration(fc.Cache.SweepInterval, time.Minute)

	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RefreshInterval = parseDuration(fc.Refresh.Interval, 15*time.Minute)
	cfg.TrackedLocations = fc.Refresh.Locations

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.Policy {
	case "first_success", "require_all":
	default:
		return fmt.Errorf("aggregation.policy must be first_success or require_all, got %q", cfg.Policy)
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		switch s.Kind {
		case "openweather", "openmeteo", "bing":
		default:
			return fmt.Errorf("source %q: unknown kind %q", s.ID, s.Kind)
		}
		if s.Kind == "openweather" && s.APIKey == "" {
			return fmt.Errorf("source %q: OPENWEATHER_API_KEY required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if cfg.RequestTimeout <= cfg.AttemptTimeout {
		cfg.RequestTimeout = cfg.AttemptTimeout + time.Second
	}
	return nil
}
