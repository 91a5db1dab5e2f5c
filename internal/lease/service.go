package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"licensehub.org/internal/audit"
	"licensehub.org/internal/auth"
	"licensehub.org/internal/obs"
)

// Service orchestrates lease transitions over a Store.
type Service struct {
	store    Store
	machine  Machine
	recorder audit.Recorder
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Service)

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.machine = NewMachine(p) }
}

// WithRecorder sets the sink for usage events. Failures are logged and never fail a transition.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		machine:  NewMachine(DefaultPolicy()),
		recorder: audit.Nop,
		now:      time.Now,
		log:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy { return s.machine.Policy() }

// Request reserves the license for p. On success every other live reservation
// held by p is cancelled.
func (s *Service) Request(ctx context.Context, id string, p auth.Principal) (Reservation, error) {
	now := s.clock()
	lic, d, err := s.transition(ctx, id, p, ActionRequest, now)
	if err != nil {
		return Reservation{}, err
	}
	if d.Granted(EventRequest) {
		s.autoCancel(ctx, lic.ID, p, now)
	}
	res := Reservation{LicenseID: lic.ID}
	if lic.CurrentUser == p.UserID {
		res.Active = true
		res.ReservedAt, _ = lic.AssignedAt.Time()
		res.ExpiresAt, _ = lic.ExpiresAt.Time()
		return res, nil
	}
	res.ReservedAt, _ = lic.ReservedAt.Time()
	res.ExpiresAt, _ = lic.ReservationExpiresAt.Time()
	return res, nil
}

func (s *Service) Activate(ctx context.Context, id string, p auth.Principal) (Activation, error) {
	lic, _, err := s.transition(ctx, id, p, ActionActivate, s.clock())
	if err != nil {
		return Activation{}, err
	}
	return activation(lic), nil
}

func (s *Service) Extend(ctx context.Context, id string, p auth.Principal) (Activation, error) {
	lic, _, err := s.transition(ctx, id, p, ActionExtend, s.clock())
	if err != nil {
		return Activation{}, err
	}
	return activation(lic), nil
}

func (s *Service) CancelReservation(ctx context.Context, id string, p auth.Principal) error {
	_, _, err := s.transition(ctx, id, p, ActionCancel, s.clock())
	return err
}

func (s *Service) Release(ctx context.Context, id string, p auth.Principal) error {
	_, _, err := s.transition(ctx, id, p, ActionRelease, s.clock())
	return err
}

// List returns every license with lapsed allocations cleared.
func (s *Service) List(ctx context.Context) ([]View, error) {
	now := s.clock()
	lics, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(lics))
	for _, lic := range lics {
		views = append(views, s.view(s.heal(ctx, lic, now), now))
	}
	return views, nil
}

// Get returns one license. Secrets are revealed to the active holder and to admins.
func (s *Service) Get(ctx context.Context, id string, p auth.Principal) (Detail, error) {
	if !p.Valid() {
		return Detail{}, ErrInvalidPrincipal
	}
	now := s.clock()
	lic, err := s.load(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	lic = s.heal(ctx, lic, now)
	d := Detail{View: s.view(lic, now)}
	if p.IsAdmin() || (lic.CurrentUser != "" && lic.CurrentUser == p.UserID) {
		d.Password = lic.Credential.Password
		d.MailPassword = lic.Credential.MailPassword
	}
	return d, nil
}

// Provision registers a new available license.
func (s *Service) Provision(ctx context.Context, cred Credential) (View, error) {
	cred.No = strings.TrimSpace(cred.No)
	cred.Username = strings.TrimSpace(cred.Username)
	cred.Gmail = strings.TrimSpace(cred.Gmail)
	if cred.No == "" || cred.Username == "" {
		return View{}, fmt.Errorf("%w: license_no and username are required", ErrInvalidLicense)
	}
	now := s.clock()
	lic, err := s.store.Insert(ctx, License{
		Credential: cred,
		Lease:      vacant(now),
	})
	if err != nil {
		return View{}, err
	}
	return s.view(lic, now), nil
}

// Retire removes a license.
func (s *Service) Retire(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	return s.store.Delete(ctx, id)
}

func (s *Service) transition(ctx context.Context, id string, p auth.Principal, action Action, now time.Time) (License, Decision, error) {
	lic, d, decideErr, err := s.attempt(ctx, id, p, action, now)
	if errors.Is(err, ErrStale) && decideErr == nil {
		// Decide again against the state that won, once.
		lic, d, decideErr, err = s.attempt(ctx, id, p, action, now)
	}
	if err != nil {
		if decideErr != nil && errors.Is(err, ErrStale) {
			return License{}, d, decideErr
		}
		return License{}, d, err
	}
	return lic, d, decideErr
}

func (s *Service) attempt(ctx context.Context, id string, p auth.Principal, action Action, now time.Time) (lic License, d Decision, decideErr, err error) {
	lic, err = s.load(ctx, id)
	if err != nil {
		return License{}, Decision{}, nil, err
	}
	d, decideErr = s.machine.Decide(lic, p, action, now)
	s.warnMalformed(lic, d)
	if d.Changed {
		updated, err := s.store.Swap(ctx, lic.ID, lic.Version(), d.Next)
		if err != nil {
			return License{}, d, decideErr, err
		}
		s.emit(ctx, updated, d.Events, now)
		lic = updated
	}
	return lic, d, decideErr, nil
}

func (s *Service) load(ctx context.Context, id string) (License, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return License{}, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

func (s *Service) autoCancel(ctx context.Context, keep string, p auth.Principal, now time.Time) {
	others, err := s.store.ReservedBy(ctx, p.UserID)
	if err != nil {
		s.log.Warn("auto-cancel lookup failed", zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	for _, lic := range others {
		if lic.ID == keep {
			continue
		}
		d := s.machine.AutoCancel(lic, p, now)
		if !d.Changed {
			continue
		}
		updated, err := s.store.Swap(ctx, lic.ID, lic.Version(), d.Next)
		if err != nil {
			if !errors.Is(err, ErrStale) && !errors.Is(err, ErrNotFound) {
				s.log.Warn("auto-cancel failed", zap.String("license_id", lic.ID), zap.Error(err))
			}
			continue
		}
		s.emit(ctx, updated, d.Events, now)
	}
}

func (s *Service) emit(ctx context.Context, lic License, events []Event, now time.Time) {
	for _, e := range events {
		rec := audit.Enrich(ctx, audit.Event{
			UserID:          e.UserID,
			UserName:        e.UserName,
			LicenseID:       lic.ID,
			LicenseNo:       lic.Credential.No,
			Action:          e.Action,
			Timestamp:       now,
			DurationSeconds: e.DurationSeconds,
		})
		if err := s.recorder.Record(ctx, rec); err != nil {
			s.log.Warn("usage log write failed",
				zap.String("license_id", lic.ID),
				zap.String("action", e.Action),
				zap.Error(err))
		}
	}
}

func (s *Service) warnMalformed(lic License, d Decision) {
	if len(d.Malformed) == 0 {
		return
	}
	s.log.Warn("unreadable lease timestamp, treating allocation as expired",
		zap.String("license_id", lic.ID),
		zap.Strings("fields", d.Malformed))
}

func (s *Service) view(lic License, now time.Time) View {
	return View{
		ID:               lic.ID,
		LicenseNo:        lic.Credential.No,
		Username:         lic.Credential.Username,
		Gmail:            lic.Credential.Gmail,
		Status:           s.machine.Status(lic.Lease),
		Lease:            lic.Lease,
		RemainingSeconds: int64(s.machine.Remaining(lic.Lease, now) / time.Second),
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func activation(lic License) Activation {
	a := Activation{LicenseID: lic.ID}
	a.AssignedAt, _ = lic.AssignedAt.Time()
	a.ExpiresAt, _ = lic.ExpiresAt.Time()
	return a
}
