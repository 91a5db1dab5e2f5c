package lease

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("license not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrForbidden           = errors.New("operation not permitted for caller")
	ErrConflict            = errors.New("license is held by another user")
	ErrInvalidState        = errors.New("license is not in a state that allows this operation")
	ErrTooEarly            = errors.New("extension not yet allowed")
	ErrInvalidPrincipal    = errors.New("invalid principal")
	ErrInvalidLicense      = errors.New("invalid license")
	ErrDuplicate           = errors.New("license already exists")

	// ErrLicenseActive is returned when a reservation is cancelled on an activated license.
	ErrLicenseActive = fmt.Errorf("%w: license is active, release it instead", ErrInvalidState)

	// ErrStale is returned by Store.Swap when the record no longer matches the expected version.
	ErrStale = fmt.Errorf("%w: license changed concurrently", ErrConflict)
)
