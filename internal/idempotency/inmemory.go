package idempotency

import (
	"context"
	"sync"
	"time"
)

type storedResponse struct {
	entry     Entry
	expiresAt time.Time
}

type heldClaim struct {
	owner     string
	expiresAt time.Time
}

type InMemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	responses map[string]storedResponse
	claims    map[string]heldClaim
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		responses: make(map[string]storedResponse),
		claims:    make(map[string]heldClaim),
	}
}

func (s *InMemoryStore) Lookup(_ context.Context, scope, key string) (Entry, bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.responses[compound]
	if !ok {
		return Entry{}, false, nil
	}
	if !s.now().Before(stored.expiresAt) {
		delete(s.responses, compound)
		return Entry{}, false, nil
	}
	return cloneEntry(stored.entry), true, nil
}

func (s *InMemoryStore) Acquire(_ context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = normalizeOwner(owner); err != nil {
		return false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.claims[compound]; ok && now.Before(held.expiresAt) {
		return false, nil
	}
	s.claims[compound] = heldClaim{owner: owner, expiresAt: now.Add(claimTTL(ttl))}
	return true, nil
}

func (s *InMemoryStore) Complete(_ context.Context, scope, key, owner string, entry Entry, ttl time.Duration) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = normalizeOwner(owner); err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry = cloneEntry(entry)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	s.responses[compound] = storedResponse{entry: entry, expiresAt: now.Add(responseTTL(ttl))}
	if held, ok := s.claims[compound]; ok && held.owner == owner {
		delete(s.claims, compound)
	}
	return nil
}

func (s *InMemoryStore) Abandon(_ context.Context, scope, key, owner string) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = normalizeOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.claims[compound]; ok && held.owner == owner {
		delete(s.claims, compound)
	}
	return nil
}

// Prune drops expired responses and claims. Lookup and Acquire already ignore
// expired state; Prune only bounds memory.
func (s *InMemoryStore) Prune() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, stored := range s.responses {
		if !now.Before(stored.expiresAt) {
			delete(s.responses, k)
			removed++
		}
	}
	for k, held := range s.claims {
		if !now.Before(held.expiresAt) {
			delete(s.claims, k)
			removed++
		}
	}
	return removed
}
