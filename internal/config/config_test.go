package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " https://a.example.com, ,https://b.example.com ")
	got := envList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Fatalf("unexpected list: %q", got)
	}
	if got := envList("TEST_LIST_MISSING", []string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected default list, got %q", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KEISAN_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KEISAN_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "KEISAN_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention KEISAN_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KEISAN_PORT", "abc")
	t.Setenv("KEISAN_RECOMPUTE_INTERVAL", "hourly")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "KEISAN_PORT") {
		t.Fatalf("error should mention KEISAN_PORT, got: %s", got)
	}
	if !strings.Contains(got, "KEISAN_RECOMPUTE_INTERVAL") {
		t.Fatalf("error should mention KEISAN_RECOMPUTE_INTERVAL, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.StorageBackend != BackendPostgres {
		t.Fatalf("expected default backend postgres, got %q", cfg.StorageBackend)
	}
	if cfg.RecomputeInterval != 0 {
		t.Fatalf("expected recompute disabled by default, got %s", cfg.RecomputeInterval)
	}
	if cfg.PreserveManualOverrides {
		t.Fatal("expected manual overrides to be overwritten by default")
	}
	if cfg.SkipCyclicFormulas {
		t.Fatal("expected cyclic formulas to be evaluated by default")
	}
}

func TestLoadSQLiteBackend(t *testing.T) {
	t.Setenv("KEISAN_STORAGE_BACKEND", "SQLite")
	t.Setenv("KEISAN_SQLITE_PATH", ":memory:")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StorageBackend != BackendSQLite || cfg.SQLitePath != ":memory:" {
		t.Fatalf("unexpected storage config: %q %q", cfg.StorageBackend, cfg.SQLitePath)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:                8080,
			StorageBackend:      BackendPostgres,
			DatabaseURL:         "postgres://localhost/keisan",
			UpsertBatch:         100,
			MaxRequestBodyBytes: 1024,
			RateLimitEnabled:    true,
			RateLimitRPS:        1,
			RateLimitBurst:      1,
			LogLevel:            "info",
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.StorageBackend = "mysql" }, "KEISAN_STORAGE_BACKEND"},
		{"postgres without url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"sqlite without path", func(c *Config) { c.StorageBackend = BackendSQLite }, "KEISAN_SQLITE_PATH"},
		{"zero body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }, "KEISAN_MAX_REQUEST_BODY_BYTES"},
		{"zero rps", func(c *Config) { c.RateLimitRPS = 0 }, "KEISAN_RATE_LIMIT_RPS"},
		{"rate limit disabled ignores rps", func(c *Config) { c.RateLimitEnabled = false; c.RateLimitRPS = 0 }, ""},
		{"negative recompute", func(c *Config) { c.RecomputeInterval = -time.Second }, "KEISAN_RECOMPUTE_INTERVAL"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "KEISAN_LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got: %v", tt.wantErr, err)
			}
		})
	}
}
