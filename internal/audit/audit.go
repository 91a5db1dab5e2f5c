package audit

import (
	"context"
	"errors"
	"time"
)

// Event is one usage log row.
type Event struct {
	UserID          string    `json:"user_id"`
	UserName        string    `json:"user_name"`
	LicenseID       string    `json:"license_id"`
	LicenseNo       string    `json:"license_no"`
	Action          string    `json:"action"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
}

// Recorder persists or forwards usage events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Event) error

func (f RecorderFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Recorder = RecorderFunc(func(context.Context, Event) error { return nil })

type multi []Recorder

// Multi fans an event out to every recorder. All recorders are called even
// when one fails; the failures are joined.
func Multi(recs ...Recorder) Recorder {
	out := make(multi, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Enrich fills the request metadata carried by ctx into e.
func Enrich(ctx context.Context, e Event) Event {
	meta := MetaFromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}
	if e.RequestID == "" {
		e.RequestID = requestIDFromContext(ctx)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
