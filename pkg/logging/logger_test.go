package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				Level:       "info",
				Format:      "json",
				Output:      "stdout",
				ServiceName: "test-service",
				Version:     "1.0.0",
			},
		},
		{
			name:    "invalid log level",
			config:  &Config{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  &Config{Level: "info", Format: "invalid", Output: "stdout"},
			wantErr: true,
		},
		{
			name:   "nil config uses defaults",
			config: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func newBufferedLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "1.0.0",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_WithContext(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithAgentID(ctx, "svc:a")
	logger.WithContext(ctx).Info("hello")

	entry := decode(t, buf)
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "svc:a", entry["agent_id"])
	assert.Equal(t, "test-service", entry["service"])
}

func TestLogger_KeyValues(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.Warn("restart scheduled", "agent_id", "svc:a", "error", errors.New("boom"), "dangling")

	entry := decode(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "svc:a", entry["agent_id"])
	assert.Equal(t, "boom", entry["error"])
	_, hasDangling := entry["dangling"]
	assert.False(t, hasDangling)
}

func TestLogger_LogBreakerEvent(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.LogBreakerEvent("svc:a", "CLOSED", "OPEN", logrus.Fields{"open_count": 1})

	entry := decode(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "svc:a", entry["breaker"])
	assert.Equal(t, "OPEN", entry["to"])
	assert.EqualValues(t, 1, entry["open_count"])
}

func TestCorrelationID(t *testing.T) {
	id := NewCorrelationID()
	assert.NotEmpty(t, id)

	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
}
