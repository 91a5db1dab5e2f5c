package lease

import (
	"fmt"
	"time"

	"licensehub.org/internal/auth"
)

// Action is a user-initiated transition.
type Action string

const (
	ActionRequest  Action = "request"
	ActionActivate Action = "activate"
	ActionExtend   Action = "extend"
	ActionCancel   Action = "cancel_reservation"
	ActionRelease  Action = "release"
)

// Audit action names emitted by transitions.
const (
	EventRequest            = "request_license"
	EventActivate           = "activate_license"
	EventExtend             = "extend_license"
	EventCancel             = "cancel_reservation"
	EventRelease            = "release_license"
	EventLicenseExpired     = "license_expired"
	EventReservationExpired = "reservation_expired"
	EventAutoCancel         = "reservation_auto_canceled"
)

// Event is an audit fact produced by a decision.
type Event struct {
	Action          string
	UserID          string
	UserName        string
	DurationSeconds *int64
}

// Decision is the successor state computed for a license.
// Next is meaningful only when Changed is true. A decision that carries an
// error may still be Changed when lazy expiry cleared a lapsed allocation.
type Decision struct {
	Next      Lease
	Changed   bool
	Events    []Event
	Malformed []string
}

func (d *Decision) emit(e Event) {
	d.Events = append(d.Events, e)
}

// Granted reports whether the decision emitted the given audit action.
func (d Decision) Granted(action string) bool {
	for _, e := range d.Events {
		if e.Action == action {
			return true
		}
	}
	return false
}

// Machine evaluates transitions. It performs no I/O.
type Machine struct {
	policy Policy
}

func NewMachine(p Policy) Machine {
	return Machine{policy: p.withDefaults()}
}

func (m Machine) Policy() Policy { return m.policy }

// Decide applies action by p to l at now.
func (m Machine) Decide(l License, p auth.Principal, action Action, now time.Time) (Decision, error) {
	now = now.UTC()
	if !p.Valid() {
		return Decision{Next: l.Lease}, ErrInvalidPrincipal
	}
	switch action {
	case ActionExtend:
		return m.extend(l, p, now)
	case ActionRelease:
		return m.release(l, p, now)
	}

	d := m.Expire(l, now)
	switch action {
	case ActionRequest:
		return m.request(d, p, now)
	case ActionActivate:
		return m.activate(d, p, now)
	case ActionCancel:
		return m.cancel(d, p, now)
	default:
		return d, fmt.Errorf("%w: unknown action %q", ErrInvalidState, action)
	}
}

// Expire clears a lapsed activation or a lapsed reservation and repairs an
// availability flag that disagrees with the holder.
func (m Machine) Expire(l License, now time.Time) Decision {
	now = now.UTC()
	d := Decision{Next: l.Lease}
	m.repair(&d)

	cur := d.Next
	if cur.CurrentUser != "" {
		deadline, ok := m.activationDeadline(&d, cur)
		if ok && !now.After(deadline) {
			return d
		}
		d.emit(Event{
			Action:          EventLicenseExpired,
			UserID:          cur.CurrentUser,
			UserName:        cur.CurrentUserName,
			DurationSeconds: heldFor(cur.AssignedAt, deadline, ok),
		})
		d.Next = vacant(now)
		d.Changed = true
		return d
	}

	if cur.ReservedBy != "" {
		deadline, ok := m.reservationDeadline(&d, cur)
		if ok && !now.After(deadline) {
			return d
		}
		d.emit(Event{
			Action:   EventReservationExpired,
			UserID:   cur.ReservedBy,
			UserName: cur.ReservedByName,
		})
		d.Next = withoutReservation(cur, now)
		d.Changed = true
	}
	return d
}

// AutoCancel drops the live reservation p holds on l after p was granted another one.
func (m Machine) AutoCancel(l License, p auth.Principal, now time.Time) Decision {
	d := m.Expire(l, now)
	if d.Granted(EventLicenseExpired) || d.Granted(EventReservationExpired) {
		return d
	}
	cur := d.Next
	if cur.CurrentUser != "" || cur.ReservedBy != p.UserID {
		return d
	}
	d.emit(Event{Action: EventAutoCancel, UserID: p.UserID, UserName: p.Name()})
	d.Next = withoutReservation(cur, now.UTC())
	d.Changed = true
	return d
}

// Status is the phase of l once lapsed allocations are discounted.
func (m Machine) Status(l Lease) Status {
	switch {
	case l.CurrentUser != "":
		return StatusActive
	case l.ReservedBy != "":
		return StatusReserved
	default:
		return StatusAvailable
	}
}

// Remaining is the time left on the live allocation of l.
func (m Machine) Remaining(l Lease, now time.Time) time.Duration {
	var d Decision
	var deadline time.Time
	var ok bool
	switch m.Status(l) {
	case StatusActive:
		deadline, ok = m.activationDeadline(&d, l)
	case StatusReserved:
		deadline, ok = m.reservationDeadline(&d, l)
	}
	if !ok || !deadline.After(now) {
		return 0
	}
	return deadline.Sub(now)
}

func (m Machine) request(d Decision, p auth.Principal, now time.Time) (Decision, error) {
	cur := d.Next
	if cur.CurrentUser != "" {
		if cur.CurrentUser == p.UserID {
			return d, nil
		}
		return d, ErrConflict
	}
	if cur.ReservedBy != "" && cur.ReservedBy != p.UserID {
		return d, ErrConflict
	}

	next := vacant(now)
	next.ReservedBy = p.UserID
	next.ReservedByName = p.Name()
	next.ReservedAt = At(now)
	next.ReservationExpiresAt = At(now.Add(m.policy.ReservationTTL))
	d.Next = next
	d.Changed = true
	d.emit(Event{Action: EventRequest, UserID: p.UserID, UserName: p.Name()})
	return d, nil
}

func (m Machine) activate(d Decision, p auth.Principal, now time.Time) (Decision, error) {
	cur := d.Next
	if cur.CurrentUser != "" {
		if cur.CurrentUser == p.UserID {
			return d, nil
		}
		return d, ErrConflict
	}
	if cur.ReservedBy == "" || cur.ReservedBy != p.UserID {
		return d, ErrForbidden
	}

	next := cur
	next.IsAvailable = false
	next.CurrentUser = p.UserID
	next.CurrentUserName = p.Name()
	next.AssignedAt = At(now)
	next.ExpiresAt = At(now.Add(m.policy.ActivationTTL))
	next.LastActivity = At(now)
	d.Next = next
	d.Changed = true
	d.emit(Event{Action: EventActivate, UserID: p.UserID, UserName: p.Name()})
	return d, nil
}

// extend is evaluated before lazy expiry so a holder whose activation just
// lapsed can still renew it.
func (m Machine) extend(l License, p auth.Principal, now time.Time) (Decision, error) {
	d := Decision{Next: l.Lease}
	m.repair(&d)
	cur := d.Next
	if cur.CurrentUser == p.UserID {
		deadline, ok := m.activationDeadline(&d, cur)
		if ok && deadline.Sub(now) > m.policy.ExtendWindow {
			return d, fmt.Errorf("%w: %s remaining", ErrTooEarly, deadline.Sub(now).Truncate(time.Second))
		}
		next := cur
		next.IsAvailable = false
		if cur.AssignedAt.IsZero() {
			next.AssignedAt = At(now)
		}
		next.ExpiresAt = At(now.Add(m.policy.ActivationTTL))
		next.LastActivity = At(now)
		d.Next = next
		d.Changed = true
		d.emit(Event{Action: EventExtend, UserID: p.UserID, UserName: p.Name()})
		return d, nil
	}

	d = m.Expire(l, now)
	if d.Next.CurrentUser == "" {
		return d, ErrInvalidState
	}
	return d, ErrForbidden
}

func (m Machine) cancel(d Decision, p auth.Principal, now time.Time) (Decision, error) {
	cur := d.Next
	if cur.CurrentUser != "" {
		return d, ErrLicenseActive
	}
	if cur.ReservedBy == "" {
		return d, ErrReservationNotFound
	}
	if cur.ReservedBy != p.UserID && !p.IsAdmin() {
		return d, ErrForbidden
	}
	d.Next = withoutReservation(cur, now)
	d.Changed = true
	d.emit(Event{Action: EventCancel, UserID: p.UserID, UserName: p.Name()})
	return d, nil
}

// release, like extend, lets the holder return an activation that already lapsed.
func (m Machine) release(l License, p auth.Principal, now time.Time) (Decision, error) {
	d := Decision{Next: l.Lease}
	m.repair(&d)
	cur := d.Next
	if cur.CurrentUser != "" && (cur.CurrentUser == p.UserID || p.IsAdmin()) {
		d.emit(Event{
			Action:          EventRelease,
			UserID:          p.UserID,
			UserName:        p.Name(),
			DurationSeconds: heldFor(cur.AssignedAt, now, true),
		})
		d.Next = vacant(now)
		d.Changed = true
		return d, nil
	}

	d = m.Expire(l, now)
	if d.Next.CurrentUser == "" {
		return d, ErrInvalidState
	}
	return d, ErrForbidden
}

func (m Machine) repair(d *Decision) {
	want := d.Next.CurrentUser == ""
	if d.Next.IsAvailable != want {
		d.Next.IsAvailable = want
		d.Changed = true
	}
}

// activationDeadline falls back to assigned_at plus the activation TTL for
// records that never stored expires_at. ok is false when neither parses.
func (m Machine) activationDeadline(d *Decision, l Lease) (time.Time, bool) {
	return deadline(d, "expires_at", l.ExpiresAt, "assigned_at", l.AssignedAt, m.policy.ActivationTTL)
}

func (m Machine) reservationDeadline(d *Decision, l Lease) (time.Time, bool) {
	return deadline(d, "reservation_expires_at", l.ReservationExpiresAt, "reserved_at", l.ReservedAt, m.policy.ReservationTTL)
}

func deadline(d *Decision, field string, at Timestamp, baseField string, base Timestamp, ttl time.Duration) (time.Time, bool) {
	if !at.IsZero() {
		t, err := at.Time()
		if err == nil {
			return t, true
		}
		d.Malformed = append(d.Malformed, field)
		return time.Time{}, false
	}
	if !base.IsZero() {
		t, err := base.Time()
		if err == nil {
			return t.Add(ttl), true
		}
		d.Malformed = append(d.Malformed, baseField)
		return time.Time{}, false
	}
	d.Malformed = append(d.Malformed, field)
	return time.Time{}, false
}

func heldFor(assigned Timestamp, until time.Time, ok bool) *int64 {
	if !ok || assigned.IsZero() {
		return nil
	}
	start, err := assigned.Time()
	if err != nil || until.Before(start) {
		return nil
	}
	secs := int64(until.Sub(start) / time.Second)
	return &secs
}

func vacant(now time.Time) Lease {
	return Lease{IsAvailable: true, LastActivity: At(now)}
}

func withoutReservation(l Lease, now time.Time) Lease {
	l.ReservedBy = ""
	l.ReservedByName = ""
	l.ReservedAt = ""
	l.ReservationExpiresAt = ""
	l.LastActivity = At(now)
	return l
}
