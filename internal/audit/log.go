package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"licensehub.org/internal/auth"
	"licensehub.org/internal/obs"
)

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	base := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		base = append(base, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		base = append(base, zap.String("user_id", userID))
	}
	obs.Logger().Info("audit", append(base, zap.Dict("fields", fields...))...)
	return nil
}

// LogRecorder writes usage events to the shared logger.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("license_id", e.LicenseID),
		zap.String("license_no", e.LicenseNo),
		zap.String("actor_id", e.UserID),
		zap.String("actor_name", e.UserName),
		zap.String("timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano)),
	}
	if e.DurationSeconds != nil {
		fields = append(fields, zap.Int64("duration_seconds", *e.DurationSeconds))
	}
	if e.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", e.IPAddress))
	}
	if e.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", e.UserAgent))
	}
	return LogEvent(ctx, "lease."+e.Action, fields...)
}

// MetricsRecorder counts usage events per action.
type MetricsRecorder struct{}

func (MetricsRecorder) Record(_ context.Context, e Event) error {
	obs.RecordLeaseEvent(e.Action)
	return nil
}
