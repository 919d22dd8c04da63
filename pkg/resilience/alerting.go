package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
	"github.com/bsvalues/TerraFusionMono-sub011/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the severity by name
func (s AlertSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager routes alerts to handlers with a per-source rate limit
type AlertManager struct {
	handlers  []AlertHandler
	mutex     sync.Mutex
	logger    *logging.Logger
	scheduler clock.Scheduler

	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// AlertManagerOption customizes an AlertManager
type AlertManagerOption func(*AlertManager)

// WithAlertRateLimit sets how many alerts a source may raise per interval
func WithAlertRateLimit(limit int, interval time.Duration) AlertManagerOption {
	return func(am *AlertManager) {
		am.rateLimit = limit
		am.resetInterval = interval
	}
}

// WithAlertScheduler sets the clock used for rate-limit windows
func WithAlertScheduler(s clock.Scheduler) AlertManagerOption {
	return func(am *AlertManager) { am.scheduler = s }
}

// WithAlertLogger sets the logger
func WithAlertLogger(l *logging.Logger) AlertManagerOption {
	return func(am *AlertManager) { am.logger = l }
}

// NewAlertManager creates a new alert manager
func NewAlertManager(opts ...AlertManagerOption) *AlertManager {
	am := &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		scheduler:     clock.Real(),
		alertCounts:   make(map[string]int),
		rateLimit:     100,
		resetInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(am)
	}
	am.lastReset = am.scheduler.Now()
	return am
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mutex.Lock()
	if !am.checkRateLimit(alert.Source) {
		am.mutex.Unlock()
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}
	handlers := append([]AlertHandler(nil), am.handlers...)
	am.mutex.Unlock()

	if alert.Timestamp.IsZero() {
		alert.Timestamp = am.scheduler.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

// checkRateLimit must be called with mutex held.
func (am *AlertManager) checkRateLimit(source string) bool {
	now := am.scheduler.Now()

	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// BreakerAlerts returns a Listener that raises a warning when a circuit
// opens and an info alert when it closes again.
func (am *AlertManager) BreakerAlerts() Listener {
	return func(ev Event) {
		if ev.Type != EventStateChange {
			return
		}

		var alert Alert
		switch {
		case ev.To == StateOpen:
			alert = Alert{
				Severity:    SeverityWarning,
				Title:       "Circuit Breaker Opened",
				Description: fmt.Sprintf("Circuit for '%s' opened (was %s)", ev.Key, ev.From),
			}
		case ev.To == StateClosed && ev.From != StateClosed:
			alert = Alert{
				Severity:    SeverityInfo,
				Title:       "Circuit Breaker Closed",
				Description: fmt.Sprintf("Circuit for '%s' closed after %s", ev.Key, ev.From),
			}
		default:
			return
		}
		alert.Source = "circuit_breaker"
		alert.Timestamp = ev.Time
		alert.Tags = map[string]string{
			"breaker": ev.Key,
			"from":    ev.From.String(),
			"to":      ev.To.String(),
		}

		if err := am.SendAlert(context.Background(), alert); err != nil {
			am.logger.Error("Failed to send circuit breaker alert", "breaker", ev.Key, "error", err)
		}
	}
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{
		logger: logger,
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}
