package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BusBackendMemory, cfg.Bus.Backend)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.HalfOpenSuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 60*time.Second, cfg.Breaker.MonitorInterval)
	assert.Equal(t, 30*time.Second, cfg.Agents.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Agents.RetryDelay)
	assert.Equal(t, 3, cfg.Agents.MaxRetries)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, testSecret, cfg.Auth.JWTSecret)
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT secret is required")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("BUS_BACKEND", "redis")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "2")
	t.Setenv("BREAKER_RESET_TIMEOUT", "100ms")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BusBackendRedis, cfg.Bus.Backend)
	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.Breaker.ResetTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("AGENTS_MAX_RETRIES=7\n"), 0o600))
	t.Setenv("AGENTS_MAX_RETRIES", "")
	os.Unsetenv("AGENTS_MAX_RETRIES")
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Agents.MaxRetries)
}

func TestLoad_MissingNamedEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero success threshold", func(c *Config) { c.Breaker.HalfOpenSuccessThreshold = 0 }},
		{"zero reset timeout", func(c *Config) { c.Breaker.ResetTimeout = 0 }},
		{"zero health interval", func(c *Config) { c.Agents.HealthCheckInterval = 0 }},
		{"negative retries", func(c *Config) { c.Agents.MaxRetries = -1 }},
		{"unknown backend", func(c *Config) { c.Bus.Backend = "kafka" }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"definitions on memory bus", func(c *Config) {
			c.Bus.Backend = BusBackendMemory
			c.Agents.DefinitionsFile = "agents.yaml"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DefinitionsOnRedisBus(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Bus.Backend = BusBackendRedis
	cfg.Agents.DefinitionsFile = "agents.yaml"
	assert.NoError(t, cfg.Validate())
}

func TestParseAgentDefinitions(t *testing.T) {
	data := []byte(`
agents:
  - id: gis-service
    type: gis
    health_check_interval: 10s
    retry_delay: 2s
    max_retries: 5
    settings:
      endpoint: http://gis.internal
  - id: valuation
    type: ml
`)

	defs, err := ParseAgentDefinitions(data)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "gis-service", defs[0].ID)
	assert.Equal(t, 10*time.Second, defs[0].HealthCheckInterval)
	assert.Equal(t, 2*time.Second, defs[0].RetryDelay)
	require.NotNil(t, defs[0].MaxRetries)
	assert.Equal(t, 5, *defs[0].MaxRetries)
	assert.Equal(t, "http://gis.internal", defs[0].Settings["endpoint"])

	assert.Nil(t, defs[1].MaxRetries)
	assert.Zero(t, defs[1].RetryDelay)
}

func TestParseAgentDefinitions_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing id":   "agents:\n  - type: gis\n",
		"duplicate id": "agents:\n  - id: a\n  - id: a\n",
		"bad yaml":     "agents: [",
		"negative":     "agents:\n  - id: a\n    max_retries: -1\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAgentDefinitions([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadAgentDefinitions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: svc:a\n"), 0o600))

	defs, err := LoadAgentDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "svc:a", defs[0].ID)

	_, err = LoadAgentDefinitions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
