// Package resilience provides failure isolation primitives for the agent
// control plane: per-dependency circuit breakers, a registry that owns
// them, restart backoff, degradation assessment and alert routing.
//
// # Circuit Breaker
//
// A breaker guards one dependency (usually an agent id). It opens after
// FailureThreshold consecutive failures, rejects calls with
// *CircuitOpenError while open, and moves to half-open once ResetTimeout
// has elapsed. A single failure while half-open reopens it;
// HalfOpenSuccessThreshold successes close it.
//
//	cb := resilience.NewCircuitBreaker("gis-service", resilience.Options{
//		FailureThreshold: 3,
//		ResetTimeout:     30 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return gisClient.Call(ctx, req)
//	})
//
// The breaker never retries. Retry and backoff belong to the caller.
//
// # Registry
//
// Registry hands out one breaker per key, created lazily with shared
// options, and fans breaker events out to registry-level listeners.
//
//	registry := resilience.NewRegistry(resilience.DefaultOptions())
//	registry.Subscribe(alerts.BreakerAlerts())
//	err := registry.GetBreaker(agentID).Do(ctx, send)
//
// All timers go through a clock.Scheduler so tests can advance virtual
// time instead of sleeping.
package resilience
