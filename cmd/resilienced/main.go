package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/api"
	"github.com/bsvalues/TerraFusionMono-sub011/internal/bus"
	"github.com/bsvalues/TerraFusionMono-sub011/internal/chaos"
	"github.com/bsvalues/TerraFusionMono-sub011/internal/orchestrator"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/config"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/metrics"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/resilience"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/tracing"
)

const serviceName = "resilienced"

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "resilienced: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: serviceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	underlying, redisClient, closeBackend, err := newUnderlyingBus(ctx, cfg, logger)
	if err != nil {
		return err
	}

	alerts := resilience.NewAlertManager(resilience.WithAlertLogger(logger))
	alerts.AddHandler(resilience.NewLoggingAlertHandler(logger))

	integration := orchestrator.NewIntegration(underlying,
		orchestrator.WithSource(cfg.Bus.Source),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithTracer(tracer),
		orchestrator.WithAlertManager(alerts),
		orchestrator.WithBreakerOptions(resilience.Options{
			FailureThreshold:         cfg.Breaker.FailureThreshold,
			HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
			ResetTimeout:             cfg.Breaker.ResetTimeout,
			MonitorInterval:          cfg.Breaker.MonitorInterval,
		}),
		orchestrator.WithAgentDefaults(orchestrator.AgentDefaults{
			HealthCheckInterval: cfg.Agents.HealthCheckInterval,
			RetryDelay:          cfg.Agents.RetryDelay,
			MaxRetries:          cfg.Agents.MaxRetries,
		}),
	)
	if err := integration.Initialize(); err != nil {
		closeBackend()
		return fmt.Errorf("failed to initialize resilience integration: %w", err)
	}

	if err := registerAgents(integration, cfg.Agents.DefinitionsFile, logger); err != nil {
		shutdownCore(integration, closeBackend, cfg.Server.ShutdownTimeout, logger)
		return err
	}
	if cfg.Agents.AutoStart {
		// one failing agent does not keep the others down
		if err := integration.StartAllAgents(ctx); err != nil {
			logger.Warn("Some agents failed to start", "error", err.Error())
		}
	}

	tester := chaos.NewTester(integration, chaos.WithLogger(logger), chaos.WithMetrics(m))

	rateLimiter := api.NewRateLimiter(api.RateLimitConfig{
		Limit:       cfg.Server.RateLimit,
		Window:      cfg.Server.RateLimitWindow,
		RedisClient: redisClient,
		KeyPrefix:   cfg.Bus.ChannelPrefix + ":ratelimit:",
	}, logger)

	router := api.NewRouter(api.RouterConfig{
		Integration:    integration,
		Tester:         tester,
		Auth:           cfg.Auth,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Logging.Level == "debug",
		RateLimiter:    rateLimiter,
		Logger:         logger,
		Metrics:        m,
		Tracer:         tracer,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting diagnostics API", "addr", server.Addr, "bus_backend", cfg.Bus.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("api server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server forced to shutdown", "error", err.Error())
	}
	tester.Dispose()
	shutdownCore(integration, closeBackend, cfg.Server.ShutdownTimeout, logger)
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", "error", err.Error())
	}

	logger.Info("resilienced exited")
	return runErr
}

// newUnderlyingBus builds the configured bus backend. The redis client is
// nil for the memory backend. The returned func disconnects the bus and
// releases its connections.
func newUnderlyingBus(ctx context.Context, cfg *config.Config, logger *logging.Logger) (bus.MessageBus, *redis.Client, func(), error) {
	switch cfg.Bus.Backend {
	case config.BusBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("redis health check failed: %w", err)
		}

		redisBus, err := bus.NewRedisBus(ctx, client, bus.RedisBusOptions{
			ChannelPrefix: cfg.Bus.ChannelPrefix,
			Logger:        logger,
		})
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		logger.Info("Redis connection established", "addr", cfg.RedisAddr())

		return redisBus, client, func() {
			if err := redisBus.Disconnect(context.Background()); err != nil {
				logger.Warn("Failed to disconnect redis bus", "error", err.Error())
			}
			client.Close()
		}, nil

	default:
		memoryBus := bus.NewMemoryBus(logger)
		return memoryBus, nil, func() {
			_ = memoryBus.Disconnect(context.Background())
		}, nil
	}
}

// registerAgents registers every agent from the definitions file. The
// agents are probed over the bus, so they must be attached to it by their
// own processes; config validation limits definitions to the redis backend.
func registerAgents(integration *orchestrator.Integration, path string, logger *logging.Logger) error {
	if path == "" {
		logger.Info("No agent definitions file configured")
		return nil
	}

	defs, err := config.LoadAgentDefinitions(path)
	if err != nil {
		return err
	}

	for _, def := range defs {
		agentConfig := orchestrator.AgentConfig{
			AgentID:             def.ID,
			AgentType:           def.Type,
			HealthCheckInterval: def.HealthCheckInterval,
			RetryDelay:          def.RetryDelay,
			Settings:            def.Settings,
		}
		if def.MaxRetries != nil {
			agentConfig.MaxRetries = *def.MaxRetries
		}
		if err := integration.RegisterAgent(agentConfig, nil); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", def.ID, err)
		}
	}

	logger.Info("Agents registered", "count", len(defs), "file", path)
	return nil
}

// shutdownCore stops the agents and the enhanced bus, then the backend
func shutdownCore(integration *orchestrator.Integration, closeBackend func(), timeout time.Duration, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := integration.Shutdown(ctx); err != nil {
		logger.Error("Resilience integration shutdown failed", "error", err.Error())
	}
	closeBackend()
}
