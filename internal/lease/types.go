package lease

import (
	"time"
)

// Status is the derived phase of a license.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusActive    Status = "active"
)

// Credential is the shared account a license grants access to.
type Credential struct {
	No           string `json:"license_no"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	Gmail        string `json:"gmail,omitempty"`
	MailPassword string `json:"mail_password,omitempty"`
}

// Lease is the mutable allocation state persisted on a license record.
// An empty string marks an absent field.
type Lease struct {
	IsAvailable          bool      `json:"is_available"`
	CurrentUser          string    `json:"current_user,omitempty"`
	CurrentUserName      string    `json:"current_user_name,omitempty"`
	AssignedAt           Timestamp `json:"assigned_at,omitempty"`
	ExpiresAt            Timestamp `json:"expires_at,omitempty"`
	ReservedBy           string    `json:"reserved_by,omitempty"`
	ReservedByName       string    `json:"reserved_by_name,omitempty"`
	ReservedAt           Timestamp `json:"reserved_at,omitempty"`
	ReservationExpiresAt Timestamp `json:"reservation_expires_at,omitempty"`
	LastActivity         Timestamp `json:"last_activity,omitempty"`
}

// Version identifies the allocation a decision was computed from.
type Version struct {
	ReservedBy  string
	ReservedAt  Timestamp
	CurrentUser string
	ExpiresAt   Timestamp
}

// Version returns the guard a write of a successor state must match.
func (l Lease) Version() Version {
	return Version{
		ReservedBy:  l.ReservedBy,
		ReservedAt:  l.ReservedAt,
		CurrentUser: l.CurrentUser,
		ExpiresAt:   l.ExpiresAt,
	}
}

// Matches reports whether the lease still carries the allocation v was taken from.
func (l Lease) Matches(v Version) bool {
	return l.Version() == v
}

// License is a shared credential together with its allocation state.
type License struct {
	ID         string     `json:"id"`
	Credential Credential `json:"credential"`
	Lease
}

// Policy holds the lease durations.
type Policy struct {
	ReservationTTL time.Duration
	ActivationTTL  time.Duration
	ExtendWindow   time.Duration
}

// DefaultPolicy returns a five minute reservation, a two hour activation and extension
// once fifteen minutes remain.
func DefaultPolicy() Policy {
	return Policy{
		ReservationTTL: 5 * time.Minute,
		ActivationTTL:  2 * time.Hour,
		ExtendWindow:   15 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.ReservationTTL <= 0 {
		p.ReservationTTL = def.ReservationTTL
	}
	if p.ActivationTTL <= 0 {
		p.ActivationTTL = def.ActivationTTL
	}
	if p.ExtendWindow <= 0 {
		p.ExtendWindow = def.ExtendWindow
	}
	return p
}

// View is the public projection of a license. Secrets are never included.
type View struct {
	ID        string `json:"id"`
	LicenseNo string `json:"license_no"`
	Username  string `json:"username"`
	Gmail     string `json:"gmail,omitempty"`
	Status    Status `json:"status"`
	Lease
	RemainingSeconds int64 `json:"remaining_seconds,omitempty"`
}

// Detail is a View that may carry the credential secrets for the holder or an admin.
type Detail struct {
	View
	Password     string `json:"password,omitempty"`
	MailPassword string `json:"mail_password,omitempty"`
}

// Reservation is the outcome of a granted request. Active is set when the
// caller already holds the activation; the times are then the activation's.
type Reservation struct {
	LicenseID  string
	ReservedAt time.Time
	ExpiresAt  time.Time
	Active     bool
}

// Activation is the outcome of activate or extend.
type Activation struct {
	LicenseID  string
	AssignedAt time.Time
	ExpiresAt  time.Time
}

// SweepResult counts the allocations cleared by one sweep.
type SweepResult struct {
	ClearedLeases       int `json:"cleared_leases"`
	ClearedReservations int `json:"cleared_reservations"`
}
