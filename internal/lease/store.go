package lease

import (
	"context"
	"sort"
	"strings"
	"sync"

	"licensehub.org/internal/ids"
)

// Store persists license records.
//
// Swap writes next only if the stored allocation still matches expect and
// returns ErrStale otherwise. It is the single write path for lease state.
type Store interface {
	Get(ctx context.Context, id string) (License, error)
	List(ctx context.Context) ([]License, error)
	// Candidates returns the records that hold an allocation and may need expiry.
	Candidates(ctx context.Context) ([]License, error)
	ReservedBy(ctx context.Context, userID string) ([]License, error)
	Swap(ctx context.Context, id string, expect Version, next Lease) (License, error)
	Insert(ctx context.Context, lic License) (License, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps records in process. It is the default backend for tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]License
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]License)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lic, ok := s.recs[id]
	if !ok {
		return License{}, ErrNotFound
	}
	return lic, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]License, error) {
	return s.filter(ctx, func(License) bool { return true })
}

func (s *MemoryStore) Candidates(ctx context.Context) ([]License, error) {
	return s.filter(ctx, func(l License) bool {
		return !l.IsAvailable || l.CurrentUser != "" || l.ReservedBy != ""
	})
}

func (s *MemoryStore) ReservedBy(ctx context.Context, userID string) ([]License, error) {
	return s.filter(ctx, func(l License) bool { return l.ReservedBy == userID })
}

func (s *MemoryStore) Swap(ctx context.Context, id string, expect Version, next Lease) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.recs[id]
	if !ok {
		return License{}, ErrNotFound
	}
	if !lic.Matches(expect) {
		return License{}, ErrStale
	}
	lic.Lease = next
	s.recs[id] = lic
	return lic, nil
}

func (s *MemoryStore) Insert(ctx context.Context, lic License) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.recs {
		if strings.EqualFold(existing.Credential.No, lic.Credential.No) {
			return License{}, ErrDuplicate
		}
	}
	if lic.ID == "" {
		lic.ID = ids.New()
	}
	if _, ok := s.recs[lic.ID]; ok {
		return License{}, ErrDuplicate
	}
	s.recs[lic.ID] = lic
	return lic, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *MemoryStore) filter(ctx context.Context, keep func(License) bool) ([]License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]License, 0, len(s.recs))
	for _, lic := range s.recs {
		if keep(lic) {
			out = append(out, lic)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credential.No != out[j].Credential.No {
			return out[i].Credential.No < out[j].Credential.No
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
