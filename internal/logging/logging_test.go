package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		level   string
		enabled slog.Level
		off     slog.Level
	}{
		{"", slog.LevelInfo, slog.LevelDebug},
		{"bogus", slog.LevelInfo, slog.LevelDebug},
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"WARN", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
	}
	for _, tc := range tests {
		logger := New(tc.level, "text")
		assert.True(t, logger.Enabled(ctx, tc.enabled), tc.level)
		assert.False(t, logger.Enabled(ctx, tc.off), tc.level)
	}
}

func TestNewWithWriter_JSONRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("webhook created", "webhookId", "wh_1", "secret", "whsec_abc", "Authorization", "Bearer x")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "freightbay", line["service"])
	assert.Equal(t, "wh_1", line["webhookId"])
	assert.Equal(t, "[redacted]", line["secret"])
	assert.Equal(t, "[redacted]", line["Authorization"])
	assert.NotContains(t, buf.String(), "whsec_abc")
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, UserID(ctx))
	assert.Equal(t, slog.Default(), FromContext(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))

	custom := New("debug", "json")
	assert.Same(t, custom, FromContext(WithLogger(ctx, custom)))
}

func TestL_AddsRequestAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	L(ctx).Info("no attributes")
	assert.NotContains(t, buf.String(), "request_id")

	ctx = WithRequestID(ctx, "req-789")
	ctx = WithUserID(ctx, "usr_42")
	L(ctx).Info("payout transferred")
	assert.Contains(t, buf.String(), "request_id=req-789")
	assert.Contains(t, buf.String(), "user_id=usr_42")
}
