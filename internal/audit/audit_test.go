package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"licensehub.org/internal/auth"
	"licensehub.org/internal/obs"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestLogEvent(t *testing.T) {
	logs := observe(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{UserID: "user-42", Role: auth.RoleAdmin})

	require.NoError(t, LogEvent(ctx, "license.provisioned", zap.String("license_no", "L-1")))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "audit", fields["type"])
	assert.Equal(t, "license.provisioned", fields["event"])
	assert.Equal(t, "req-123", fields["request_id"])
	assert.Equal(t, "user-42", fields["user_id"])
	nested, ok := fields["fields"].(map[string]any)
	require.True(t, ok, "fields: %#v", fields["fields"])
	assert.Equal(t, "L-1", nested["license_no"])
}

func TestLogEventRequiresName(t *testing.T) {
	observe(t)
	assert.Error(t, LogEvent(context.Background(), "  "))
}

func TestLogRecorder(t *testing.T) {
	logs := observe(t)
	secs := int64(90)
	err := LogRecorder{}.Record(context.Background(), Event{
		UserID:          "u-1",
		LicenseID:       "lic-1",
		Action:          "release_license",
		Timestamp:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		DurationSeconds: &secs,
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterField(zap.String("event", "lease.release_license")).Len())
}

func TestMultiCallsEveryRecorder(t *testing.T) {
	var calls int
	boom := errors.New("boom")
	ok := RecorderFunc(func(context.Context, Event) error { calls++; return nil })
	bad := RecorderFunc(func(context.Context, Event) error { calls++; return boom })

	err := Multi(bad, nil, ok).Record(context.Background(), Event{Action: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, Multi(ok).Record(context.Background(), Event{}))
}

func TestEnrich(t *testing.T) {
	ctx := WithMeta(context.Background(), Meta{IPAddress: "10.1.1.1", UserAgent: "agent"})
	ctx = WithRequestID(ctx, " rid ")

	e := Enrich(ctx, Event{Action: "request_license"})
	assert.Equal(t, "10.1.1.1", e.IPAddress)
	assert.Equal(t, "agent", e.UserAgent)
	assert.Equal(t, "rid", e.RequestID)
	assert.False(t, e.Timestamp.IsZero())

	kept := Enrich(ctx, Event{IPAddress: "1.2.3.4"})
	assert.Equal(t, "1.2.3.4", kept.IPAddress)

	assert.Equal(t, Meta{}, MetaFromContext(context.Background()))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
