package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models normaliser.yml. Every scalar can be overridden from the
// environment using the variable named in its env tag.
type Config struct {
	Service struct {
		Version         string `yaml:"version" env:"SERVICE_VERSION"`
		GitSHA          string `yaml:"git_sha" env:"GIT_SHA"`
		ArtifactVersion int    `yaml:"artifact_version" env:"ARTIFACT_VERSION"`
	} `yaml:"service"`
	Database struct {
		Driver string `yaml:"driver" env:"DATABASE_DRIVER"`
		URL    string `yaml:"url" env:"DATABASE_URL"`
	} `yaml:"database"`
	Auth struct {
		ServiceToken string `yaml:"service_token" env:"INTENT_SERVICE_TOKEN"`
		JWTSecret    string `yaml:"jwt_secret" env:"INTENT_JWT_SECRET"`
	} `yaml:"auth"`
	Resolution struct {
		Timezone       string  `yaml:"timezone" env:"USER_TIMEZONE"`
		NextWeekAnchor string  `yaml:"next_week_anchor" env:"NEXT_WEEK_ANCHOR"`
		MinScore       float64 `yaml:"min_score" env:"PROJECT_RESOLUTION_THRESHOLD"`
		Margin         float64 `yaml:"margin" env:"PROJECT_RESOLUTION_MARGIN"`
		Lookup         struct {
			BaseURL        string `yaml:"base_url" env:"CONTEXT_API_BASE_URL"`
			Token          string `yaml:"token" env:"CONTEXT_API_TOKEN"`
			TimeoutSeconds int    `yaml:"timeout_seconds" env:"CONTEXT_API_TIMEOUT_SECONDS"`
			Limit          int    `yaml:"limit" env:"CONTEXT_API_LIMIT"`
		} `yaml:"lookup"`
	} `yaml:"resolution"`
	Policy struct {
		MinConfidenceToWrite float64  `yaml:"min_confidence_to_write" env:"MIN_CONFIDENCE_TO_WRITE"`
		MaxInferredFields    int      `yaml:"max_inferred_fields" env:"MAX_INFERRED_FIELDS"`
		Rules                []string `yaml:"rules"`
	} `yaml:"policy"`
	Clarification struct {
		ExpiryHours          int    `yaml:"expiry_hours" env:"CLARIFICATION_EXPIRY_HOURS"`
		OnExpiry             string `yaml:"on_expiry" env:"CLARIFICATION_ON_EXPIRY"`
		SweepIntervalSeconds int    `yaml:"sweep_interval_seconds" env:"CLARIFICATION_SWEEP_INTERVAL_SECONDS"`
	} `yaml:"clarification"`
	Execution struct {
		Enabled        bool   `yaml:"enabled" env:"EXECUTE_ACTIONS"`
		GatewayURL     string `yaml:"gateway_url" env:"GATEWAY_BASE_URL"`
		GatewayToken   string `yaml:"gateway_token" env:"GATEWAY_BEARER_TOKEN"`
		TimeoutSeconds int    `yaml:"timeout_seconds" env:"GATEWAY_TIMEOUT_SECONDS"`
	} `yaml:"execution"`
	RateLimit struct {
		RPS       float64 `yaml:"rps" env:"RATE_LIMIT_RPS"`
		Burst     int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
		RedisAddr string  `yaml:"redis_addr" env:"RATE_LIMIT_REDIS_ADDR"`
	} `yaml:"rate_limit"`
	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"log"`
	// Defaults are declared per intent type and filled into absent fields.
	Defaults map[string]map[string]any `yaml:"defaults"`
}

// Clarification expiry policies.
const (
	OnExpiryExpire = "expire"
	OnExpiryReask  = "reask"
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Service.Version = "0.1.0"
	cfg.Service.GitSHA = "unknown"
	cfg.Service.ArtifactVersion = 1
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = "intent-normaliser.db"
	cfg.Resolution.Timezone = "Europe/London"
	cfg.Resolution.NextWeekAnchor = "monday"
	cfg.Resolution.MinScore = 0.90
	cfg.Resolution.Margin = 0.10
	cfg.Resolution.Lookup.TimeoutSeconds = 5
	cfg.Resolution.Lookup.Limit = 5
	cfg.Policy.MinConfidenceToWrite = 0.75
	cfg.Policy.MaxInferredFields = 2
	cfg.Clarification.ExpiryHours = 72
	cfg.Clarification.OnExpiry = OnExpiryExpire
	cfg.Clarification.SweepIntervalSeconds = 60
	cfg.Execution.TimeoutSeconds = 10
	cfg.RateLimit.RPS = 20
	cfg.RateLimit.Burst = 40
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Defaults = map[string]map[string]any{}
	return cfg
}

// Load reads the optional YAML file at path over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses a config document over the defaults without consulting the environment.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ParseEnv loads overrides from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("config.database.url is required")
	}
	if _, err := time.LoadLocation(c.Resolution.Timezone); err != nil {
		return fmt.Errorf("config.resolution.timezone %q: %w", c.Resolution.Timezone, err)
	}
	if _, ok := ParseWeekday(c.Resolution.NextWeekAnchor); !ok {
		return fmt.Errorf("config.resolution.next_week_anchor %q is not a weekday", c.Resolution.NextWeekAnchor)
	}
	if c.Resolution.MinScore <= 0 || c.Resolution.MinScore > 1 {
		return fmt.Errorf("config.resolution.min_score must be in (0,1]")
	}
	if c.Resolution.Margin < 0 || c.Resolution.Margin > 1 {
		return fmt.Errorf("config.resolution.margin must be in [0,1]")
	}
	if c.Policy.MinConfidenceToWrite < 0 || c.Policy.MinConfidenceToWrite > 1 {
		return fmt.Errorf("config.policy.min_confidence_to_write must be in [0,1]")
	}
	if c.Policy.MaxInferredFields < 0 {
		return fmt.Errorf("config.policy.max_inferred_fields must be >= 0")
	}
	for i, rule := range c.Policy.Rules {
		if strings.TrimSpace(rule) == "" {
			return fmt.Errorf("config.policy.rules[%d] is empty", i)
		}
	}
	if c.Clarification.ExpiryHours <= 0 {
		return fmt.Errorf("config.clarification.expiry_hours must be > 0")
	}
	switch c.Clarification.OnExpiry {
	case OnExpiryExpire, OnExpiryReask:
	default:
		return fmt.Errorf("config.clarification.on_expiry must be %s or %s", OnExpiryExpire, OnExpiryReask)
	}
	if c.Execution.Enabled && strings.TrimSpace(c.Execution.GatewayURL) == "" {
		return fmt.Errorf("config.execution.gateway_url is required when execution is enabled")
	}
	if c.Execution.TimeoutSeconds <= 0 || c.Resolution.Lookup.TimeoutSeconds <= 0 {
		return fmt.Errorf("downstream timeouts must be > 0")
	}
	if c.Service.ArtifactVersion <= 0 {
		return fmt.Errorf("config.service.artifact_version must be > 0")
	}
	for intentType := range c.Defaults {
		if intentType == "" {
			return fmt.Errorf("config.defaults has an empty intent type")
		}
	}
	return nil
}

// Location returns the configured user timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Resolution.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ClarificationExpiry returns how long a clarification stays open.
func (c *Config) ClarificationExpiry() time.Duration {
	return time.Duration(c.Clarification.ExpiryHours) * time.Hour
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday parses a lowercase English weekday name.
func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}
