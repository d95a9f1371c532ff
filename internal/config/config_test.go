package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Policy.MinConfidenceToWrite != 0.75 || cfg.Policy.MaxInferredFields != 2 {
		t.Fatalf("policy defaults = %+v", cfg.Policy)
	}
	if got := cfg.ClarificationExpiry(); got != 72*time.Hour {
		t.Fatalf("expiry = %s", got)
	}
	if got := cfg.Location().String(); got != "Europe/London" {
		t.Fatalf("location = %s", got)
	}
	if cfg.Execution.Enabled {
		t.Fatalf("execution must be off by default")
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
resolution:
  timezone: America/New_York
  next_week_anchor: friday
policy:
  max_inferred_fields: 1
  rules:
    - 'intent_type != "update_task" || has(fields.task_id)'
defaults:
  create_task:
    priority: Medium
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Resolution.Timezone != "America/New_York" || cfg.Resolution.NextWeekAnchor != "friday" {
		t.Fatalf("resolution = %+v", cfg.Resolution)
	}
	if cfg.Policy.MaxInferredFields != 1 || len(cfg.Policy.Rules) != 1 {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
	if got := cfg.Defaults["create_task"]["priority"]; got != "Medium" {
		t.Fatalf("default priority = %v", got)
	}
	// untouched keys keep their defaults
	if cfg.Resolution.MinScore != 0.90 {
		t.Fatalf("min score = %v", cfg.Resolution.MinScore)
	}
}

func TestFromYAMLRejectsUnknownKeys(t *testing.T) {
	if _, err := FromYAML([]byte("resolutoin:\n  timezone: UTC\n")); err == nil {
		t.Fatalf("expected an error for a misspelt key")
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "normaliser.yml")
	if err := os.WriteFile(path, []byte("policy:\n  min_confidence_to_write: 0.6\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIN_CONFIDENCE_TO_WRITE", "0.8")
	t.Setenv("CLARIFICATION_EXPIRY_HOURS", "24")
	t.Setenv("EXECUTE_ACTIONS", "true")
	t.Setenv("GATEWAY_BASE_URL", "http://gateway.local")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.MinConfidenceToWrite != 0.8 {
		t.Fatalf("min confidence = %v", cfg.Policy.MinConfidenceToWrite)
	}
	if cfg.Clarification.ExpiryHours != 24 {
		t.Fatalf("expiry hours = %d", cfg.Clarification.ExpiryHours)
	}
	if !cfg.Execution.Enabled || cfg.Execution.GatewayURL != "http://gateway.local" {
		t.Fatalf("execution = %+v", cfg.Execution)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":    func(c *Config) { c.Database.Driver = "mysql" },
		"timezone":  func(c *Config) { c.Resolution.Timezone = "Mars/Olympus" },
		"anchor":    func(c *Config) { c.Resolution.NextWeekAnchor = "someday" },
		"min score": func(c *Config) { c.Resolution.MinScore = 0 },
		"expiry":    func(c *Config) { c.Clarification.ExpiryHours = 0 },
		"on expiry": func(c *Config) { c.Clarification.OnExpiry = "retry" },
		"gateway":   func(c *Config) { c.Execution.Enabled = true },
		"rule":      func(c *Config) { c.Policy.Rules = []string{" "} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected a validation error")
			}
		})
	}
}

func TestParseWeekday(t *testing.T) {
	d, ok := ParseWeekday(" Friday ")
	if !ok || d != time.Friday {
		t.Fatalf("ParseWeekday(Friday) = %v, %v", d, ok)
	}
	if _, ok := ParseWeekday("fri"); ok {
		t.Fatalf("abbreviations are not weekdays")
	}
}
