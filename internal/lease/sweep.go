package lease

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"licensehub.org/internal/obs"
)

// SweepExpired clears every lapsed activation and reservation. A record that
// changed between the scan and the write is left to the concurrent writer.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := s.clock()
	lics, err := s.store.Candidates(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, lic := range lics {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d := s.machine.Expire(lic, now)
		s.warnMalformed(lic, d)
		if !d.Changed {
			continue
		}
		updated, err := s.store.Swap(ctx, lic.ID, lic.Version(), d.Next)
		if err != nil {
			if errors.Is(err, ErrStale) || errors.Is(err, ErrNotFound) {
				continue
			}
			return res, err
		}
		s.emit(ctx, updated, d.Events, now)
		for _, e := range d.Events {
			switch e.Action {
			case EventLicenseExpired:
				res.ClearedLeases++
			case EventReservationExpired:
				res.ClearedReservations++
			}
		}
	}

	obs.RecordSweep(res.ClearedLeases, res.ClearedReservations)
	if res.ClearedLeases > 0 || res.ClearedReservations > 0 {
		s.log.Info("expired leases cleared",
			zap.Int("cleared_leases", res.ClearedLeases),
			zap.Int("cleared_reservations", res.ClearedReservations))
	}
	return res, nil
}

// heal persists lazy expiry for a record about to be shown. The caller sees the
// cleared state even when the write loses a race or fails.
func (s *Service) heal(ctx context.Context, lic License, now time.Time) License {
	d := s.machine.Expire(lic, now)
	s.warnMalformed(lic, d)
	if !d.Changed {
		return lic
	}
	updated, err := s.store.Swap(ctx, lic.ID, lic.Version(), d.Next)
	switch {
	case err == nil:
		s.emit(ctx, updated, d.Events, now)
		return updated
	case errors.Is(err, ErrStale):
		if fresh, gerr := s.store.Get(ctx, lic.ID); gerr == nil {
			return s.projected(fresh, now)
		}
	default:
		s.log.Warn("lazy expiry write failed", zap.String("license_id", lic.ID), zap.Error(err))
	}
	lic.Lease = d.Next
	return lic
}

func (s *Service) projected(lic License, now time.Time) License {
	d := s.machine.Expire(lic, now)
	if d.Changed {
		lic.Lease = d.Next
	}
	return lic
}
