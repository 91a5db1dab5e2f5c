package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"licensehub.org/internal/auth"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/obs"
	"licensehub.org/internal/stream"
)

const serviceName = "licensehub-api"

// Pinger is implemented by store backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreReadiness reports ready when the backing store answers a ping.
type StoreReadiness struct {
	Store Pinger
}

func (rp StoreReadiness) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	mux            *http.ServeMux
	handler        http.Handler
	readiness      readinessChecker
	version        string
	leases         *lease.Service
	tokens         *auth.Tokens
	stream         *stream.Hub
	rateBurst      int
	ratePerSec     float64
	allowedOrigins []string
}

type Option func(*API)

func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = append(a.allowedOrigins, origins...) }
}

// WithStream enables GET /v1/licenses/events.
func WithStream(h *stream.Hub) Option {
	return func(a *API) { a.stream = h }
}

func New(rp readinessChecker, version string, leases *lease.Service, tokens *auth.Tokens, opts ...Option) *API {
	if rp == nil {
		rp = StoreReadiness{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		version:    version,
		leases:     leases,
		tokens:     tokens,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.routeLicenses()

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.allowedOrigins...)
	h = SecurityHeaders(h)
	h = ClientMeta(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	a.handler = obs.Instrument(h)
	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return a.handler
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	p := a.leases.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"policy": map[string]any{
			"reservation_ttl_seconds": int64(p.ReservationTTL / time.Second),
			"activation_ttl_seconds":  int64(p.ActivationTTL / time.Second),
			"extend_window_seconds":   int64(p.ExtendWindow / time.Second),
		},
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
