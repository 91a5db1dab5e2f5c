package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/auth"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/obs"
)

type listLicensesResponse struct {
	TotalCount int          `json:"total_count"`
	Licenses   []lease.View `json:"licenses"`
}

type provisionRequest struct {
	LicenseNo    string `json:"license_no"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Gmail        string `json:"gmail"`
	MailPassword string `json:"mail_password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type reservationResponse struct {
	Message              string    `json:"message"`
	ReservationExpiresAt time.Time `json:"reservation_expires_at"`
}

type activationResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type extensionResponse struct {
	Message      string    `json:"message"`
	NewExpiresAt time.Time `json:"new_expires_at"`
}

type sweepResponse struct {
	Message string `json:"message"`
	lease.SweepResult
}

func (a *API) routeLicenses() {
	admin := RequireRole(auth.RoleAdmin)

	a.mux.HandleFunc("GET /v1/licenses", a.listLicenses)
	a.mux.Handle("POST /v1/licenses", admin(http.HandlerFunc(a.provisionLicense)))
	a.mux.HandleFunc("POST /v1/licenses/cleanup-expired", a.cleanupExpired)
	a.mux.Handle("GET /v1/licenses/events", admin(http.HandlerFunc(a.Stream)))
	a.mux.HandleFunc("GET /v1/licenses/{id}", a.getLicense)
	a.mux.Handle("DELETE /v1/licenses/{id}", admin(http.HandlerFunc(a.retireLicense)))
	a.mux.HandleFunc("POST /v1/licenses/{id}/request", a.requestLicense)
	a.mux.HandleFunc("POST /v1/licenses/{id}/activate", a.activateLicense)
	a.mux.HandleFunc("POST /v1/licenses/{id}/extend", a.extendLicense)
	a.mux.HandleFunc("POST /v1/licenses/{id}/cancel-reservation", a.cancelReservation)
	a.mux.HandleFunc("POST /v1/licenses/{id}/release", a.releaseLicense)
}

func (a *API) listLicenses(w http.ResponseWriter, r *http.Request) {
	views, err := a.leases.List(r.Context())
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listLicensesResponse{TotalCount: len(views), Licenses: views})
}

func (a *API) getLicense(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	detail, err := a.leases.Get(r.Context(), r.PathValue("id"), p)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) provisionLicense(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	view, err := a.leases.Provision(r.Context(), lease.Credential{
		No:           req.LicenseNo,
		Username:     req.Username,
		Password:     req.Password,
		Gmail:        req.Gmail,
		MailPassword: req.MailPassword,
	})
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "license.provisioned",
		zap.String("license_id", view.ID),
		zap.String("license_no", view.LicenseNo))
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) retireLicense(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.leases.Retire(r.Context(), id); err != nil {
		handleLeaseError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "license.retired", zap.String("license_id", id))
	writeJSON(w, http.StatusOK, messageResponse{Message: "License deleted"})
}

func (a *API) requestLicense(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	res, err := a.leases.Request(r.Context(), r.PathValue("id"), p)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	if res.Active {
		writeJSON(w, http.StatusOK, activationResponse{Message: "License already active for you", ExpiresAt: res.ExpiresAt})
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{
		Message:              "License reserved",
		ReservationExpiresAt: res.ExpiresAt,
	})
}

func (a *API) activateLicense(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	act, err := a.leases.Activate(r.Context(), r.PathValue("id"), p)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activationResponse{Message: "License activated", ExpiresAt: act.ExpiresAt})
}

func (a *API) extendLicense(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	act, err := a.leases.Extend(r.Context(), r.PathValue("id"), p)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extensionResponse{Message: "License extended", NewExpiresAt: act.ExpiresAt})
}

func (a *API) cancelReservation(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.leases.CancelReservation(r.Context(), r.PathValue("id"), p); err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Reservation cancelled"})
}

func (a *API) releaseLicense(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.leases.Release(r.Context(), r.PathValue("id"), p); err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "License released"})
}

func (a *API) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	res, err := a.leases.SweepExpired(r.Context())
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Message: fmt.Sprintf("Cleared %d expired leases and %d expired reservations",
			res.ClearedLeases, res.ClearedReservations),
		SweepResult: res,
	})
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

func handleLeaseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lease.ErrNotFound), errors.Is(err, lease.ErrReservationNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, lease.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, lease.ErrLicenseActive),
		errors.Is(err, lease.ErrConflict),
		errors.Is(err, lease.ErrDuplicate):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, lease.ErrInvalidState),
		errors.Is(err, lease.ErrTooEarly),
		errors.Is(err, lease.ErrInvalidPrincipal),
		errors.Is(err, lease.ErrInvalidLicense):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Logger().Error("license operation failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
