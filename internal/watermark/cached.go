package watermark

import (
	"context"
	"sync"
)

// CachedStore is a two-tier watermark: an in-memory set in front of a
// durable tier. Membership hits in memory skip the durable lookup; durable
// hits are pulled into memory so repeated checks stay on the hot path.
type CachedStore struct {
	tier Store

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewCachedStore(tier Store) *CachedStore {
	return &CachedStore{
		tier: tier,
		seen: make(map[string]struct{}),
	}
}

func (s *CachedStore) IsNew(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	if _, ok := s.seen[eventID]; ok {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	isNew, err := s.tier.IsNew(ctx, eventID)
	if err != nil {
		return false, err
	}
	if !isNew {
		s.mu.Lock()
		s.seen[eventID] = struct{}{}
		s.mu.Unlock()
	}
	return isNew, nil
}

func (s *CachedStore) Mark(ctx context.Context, eventID string) error {
	if err := s.tier.Mark(ctx, eventID); err != nil {
		return err
	}
	s.mu.Lock()
	s.seen[eventID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *CachedStore) Close() error { return s.tier.Close() }
