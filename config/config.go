// Package config loads and validates the gateway configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the complete gateway configuration.
type Config struct {
	ListenPort int           `yaml:"listen_port"`
	Auth       AuthConfig    `yaml:"auth"`
	Store      StoreConfig   `yaml:"store"`
	Proxy      ProxyConfig   `yaml:"proxy"`
	RateLimit  RateLimit     `yaml:"rate_limit"`
	Breaker    BreakerConfig `yaml:"circuit_breaker"`
	Health     HealthConfig  `yaml:"health_check"`
	Logs       LogsConfig    `yaml:"logs"`
	CORS       CORSConfig    `yaml:"cors"`
	Logging    LoggingConfig `yaml:"logging"`

	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
}

// AuthConfig configures the token verifier.
type AuthConfig struct {
	SecretKey          string `yaml:"secret_key"`
	TokenAlgorithm     string `yaml:"token_algorithm"`
	IdentityServiceURL string `yaml:"identity_service_url"`
}

// StoreConfig configures the persistent store.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// ProxyConfig holds dispatch defaults applied when a route omits them, and
// the listener's load-shedding bound.
type ProxyConfig struct {
	GatewayTimeoutMS int   `yaml:"gateway_timeout_ms"`
	GatewayRetries   int   `yaml:"gateway_retry_count"`
	MaxInflight      int64 `yaml:"max_inflight"` // 0 disables shedding
}

// RateLimit holds the engine kill-switch and counter-store selection.
type RateLimit struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr"` // empty selects the in-process store
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	Enabled            bool `yaml:"enabled"`
	FailureThreshold   int  `yaml:"failure_threshold"`
	SuccessThreshold   int  `yaml:"success_threshold"`
	OpenTimeoutSeconds int  `yaml:"open_timeout_seconds"`
}

// OpenTimeout returns the open interval as a duration.
func (c BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutSeconds) * time.Second
}

// HealthConfig holds probe settings.
type HealthConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
}

// LogsConfig holds the request-log sink settings.
type LogsConfig struct {
	RetentionDays int     `yaml:"retention_days"`
	BufferSize    int     `yaml:"buffer_size"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// CORSConfig holds the public listener's cross-origin policy.
type CORSConfig struct {
	Origins          []string `yaml:"origins"`
	Methods          []string `yaml:"methods"`
	Headers          []string `yaml:"headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// LoggingConfig holds the process logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Loader loads configuration files.
type Loader struct{}

// NewLoader creates a config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, fills defaults and validates. A missing path yields a default
// configuration driven entirely by the environment.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = p
		}
	}
	if v := os.Getenv("GATEWAY_SECRET_KEY"); v != "" {
		cfg.Auth.SecretKey = v
	}
	if v := os.Getenv("GATEWAY_TOKEN_ALGORITHM"); v != "" {
		cfg.Auth.TokenAlgorithm = v
	}
	if v := os.Getenv("GATEWAY_IDENTITY_SERVICE_URL"); v != "" {
		cfg.Auth.IdentityServiceURL = v
	}
	if v := os.Getenv("GATEWAY_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("GATEWAY_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitAndTrim(v)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 8000
	}
	if cfg.Auth.TokenAlgorithm == "" {
		cfg.Auth.TokenAlgorithm = "HS256"
	}
	if cfg.Proxy.GatewayTimeoutMS == 0 {
		cfg.Proxy.GatewayTimeoutMS = 30_000
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.OpenTimeoutSeconds == 0 {
		cfg.Breaker.OpenTimeoutSeconds = 30
	}
	if cfg.Health.IntervalSeconds == 0 {
		cfg.Health.IntervalSeconds = 30
	}
	if cfg.Health.TimeoutSeconds == 0 {
		cfg.Health.TimeoutSeconds = 5
	}
	if cfg.Logs.RetentionDays == 0 {
		cfg.Logs.RetentionDays = 30
	}
	if cfg.Logs.BufferSize == 0 {
		cfg.Logs.BufferSize = 4096
	}
	if cfg.Logs.SamplingRatio == 0 {
		cfg.Logs.SamplingRatio = 1.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", cfg.ListenPort)
	}
	if cfg.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key is required")
	}
	if !strings.HasPrefix(cfg.Auth.TokenAlgorithm, "HS") {
		return fmt.Errorf("auth.token_algorithm %q: only HMAC algorithms are supported", cfg.Auth.TokenAlgorithm)
	}
	if cfg.Logs.SamplingRatio < 0 || cfg.Logs.SamplingRatio > 1 {
		return fmt.Errorf("logs.sampling_ratio %v out of [0,1]", cfg.Logs.SamplingRatio)
	}
	for _, cidr := range cfg.TrustedProxyCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("trusted_proxy_cidrs: %w", err)
		}
	}
	if cfg.Proxy.GatewayTimeoutMS < 0 || cfg.Proxy.GatewayRetries < 0 {
		return fmt.Errorf("proxy timeouts and retries must be non-negative")
	}
	return nil
}
