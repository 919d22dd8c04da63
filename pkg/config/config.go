package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Redis   RedisConfig   `json:"redis"`
	Bus     BusConfig     `json:"bus"`
	Breaker BreakerConfig `json:"breaker"`
	Agents  AgentsConfig  `json:"agents"`
	Auth    AuthConfig    `json:"auth"`
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig contains the diagnostics API server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	// RateLimit is the number of authenticated requests one operator may
	// make per RateLimitWindow. Zero disables it.
	RateLimit       int           `json:"rate_limit"`
	RateLimitWindow time.Duration `json:"rate_limit_window"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Bus backends
const (
	BusBackendMemory = "memory"
	BusBackendRedis  = "redis"
)

// BusConfig selects the underlying message bus
type BusConfig struct {
	Backend       string `json:"backend"`
	ChannelPrefix string `json:"channel_prefix"`
	Source        string `json:"source"`
}

// BreakerConfig contains the registry's default circuit breaker options
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
	ResetTimeout             time.Duration `json:"reset_timeout"`
	MonitorInterval          time.Duration `json:"monitor_interval"`
}

// AgentsConfig contains agent manager defaults
type AgentsConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	RetryDelay          time.Duration `json:"retry_delay"`
	MaxRetries          int           `json:"max_retries"`
	DefinitionsFile     string        `json:"definitions_file"`
	AutoStart           bool          `json:"auto_start"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// Load reads an optional .env file and then builds the configuration from
// environment variables with sensible defaults
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			RateLimit:       getEnvInt("SERVER_RATE_LIMIT", 60),
			RateLimitWindow: getEnvDuration("SERVER_RATE_LIMIT_WINDOW", time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Bus: BusConfig{
			Backend:       getEnvString("BUS_BACKEND", BusBackendMemory),
			ChannelPrefix: getEnvString("BUS_CHANNEL_PREFIX", "resilience"),
			Source:        getEnvString("BUS_SOURCE", "resilience-framework"),
		},
		Breaker: BreakerConfig{
			FailureThreshold:         getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			HalfOpenSuccessThreshold: getEnvInt("BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", 2),
			ResetTimeout:             getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			MonitorInterval:          getEnvDuration("BREAKER_MONITOR_INTERVAL", 60*time.Second),
		},
		Agents: AgentsConfig{
			HealthCheckInterval: getEnvDuration("AGENTS_HEALTH_CHECK_INTERVAL", 30*time.Second),
			RetryDelay:          getEnvDuration("AGENTS_RETRY_DELAY", 5*time.Second),
			MaxRetries:          getEnvInt("AGENTS_MAX_RETRIES", 3),
			DefinitionsFile:     getEnvString("AGENTS_DEFINITIONS_FILE", ""),
			AutoStart:           getEnvBool("AGENTS_AUTO_START", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("JWT_SECRET", ""),
			Issuer:    getEnvString("JWT_ISSUER", "resilienced"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "resilience"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadDotEnv loads the given files, or ./.env when none are named. A
// missing default file is not an error; a missing named file is.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.HalfOpenSuccessThreshold <= 0 {
		return fmt.Errorf("breaker half-open success threshold must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset timeout must be positive")
	}
	if c.Agents.HealthCheckInterval <= 0 {
		return fmt.Errorf("agent health check interval must be positive")
	}
	if c.Agents.RetryDelay <= 0 {
		return fmt.Errorf("agent retry delay must be positive")
	}
	if c.Agents.MaxRetries < 0 {
		return fmt.Errorf("agent max retries must not be negative")
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate limit must not be negative")
	}

	switch c.Bus.Backend {
	case BusBackendMemory, BusBackendRedis:
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	// Defined agents are probed over the bus; the memory bus has no remote endpoints.
	if c.Agents.DefinitionsFile != "" && c.Bus.Backend == BusBackendMemory {
		return fmt.Errorf("agent definitions require the %s bus backend", BusBackendRedis)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	return nil
}

// RedisAddr returns the host:port address of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ListenAddr returns the host:port address of the API server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AgentDefinition is one agent registration read from the definitions file
type AgentDefinition struct {
	ID                  string                 `yaml:"id"`
	Type                string                 `yaml:"type"`
	HealthCheckInterval time.Duration          `yaml:"health_check_interval"`
	RetryDelay          time.Duration          `yaml:"retry_delay"`
	MaxRetries          *int                   `yaml:"max_retries"`
	Settings            map[string]interface{} `yaml:"settings"`
}

type agentDefinitionsFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadAgentDefinitions parses a YAML file of agent registrations
func LoadAgentDefinitions(path string) ([]AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definitions: %w", err)
	}
	return ParseAgentDefinitions(data)
}

// ParseAgentDefinitions parses agent registrations from YAML
func ParseAgentDefinitions(data []byte) ([]AgentDefinition, error) {
	var file agentDefinitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent definitions: %w", err)
	}

	seen := make(map[string]bool, len(file.Agents))
	for i, def := range file.Agents {
		if def.ID == "" {
			return nil, fmt.Errorf("agent definition %d: id is required", i)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("agent definition %d: duplicate id %q", i, def.ID)
		}
		seen[def.ID] = true
		if def.HealthCheckInterval < 0 || def.RetryDelay < 0 {
			return nil, fmt.Errorf("agent %q: durations must not be negative", def.ID)
		}
		if def.MaxRetries != nil && *def.MaxRetries < 0 {
			return nil, fmt.Errorf("agent %q: max_retries must not be negative", def.ID)
		}
	}
	return file.Agents, nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
