package capacity

import (
	"context"
	"strings"
	"sync"
	"time"
)

type inMemoryEntry struct {
	mu       sync.Mutex
	resource Resource
}

// InMemoryStore guards the resource table with an RWMutex and every counter
// with its own mutex, so admissions on different resources never contend.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]*inMemoryEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*inMemoryEntry)}
}

func (s *InMemoryStore) Register(_ context.Context, input RegisterInput) (Resource, error) {
	normalized, err := normalizeRegisterInput(input)
	if err != nil {
		return Resource{}, err
	}

	created := Resource{
		ID:        normalized.ID,
		Capacity:  normalized.Capacity,
		ClosesAt:  normalized.ClosesAt,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[created.ID]; ok {
		return Resource{}, ErrAlreadyExists
	}
	s.items[created.ID] = &inMemoryEntry{resource: created}
	return created, nil
}

func (s *InMemoryStore) TryReserveSlot(_ context.Context, resourceID string, now time.Time) (Availability, error) {
	entry, err := s.entry(resourceID)
	if err != nil {
		return Availability{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.resource.ClosedAt(now) {
		return Availability{}, ErrClosed
	}
	if entry.resource.ReservedCount >= entry.resource.Capacity {
		return entry.resource.Availability(), ErrFull
	}
	entry.resource.ReservedCount++
	return entry.resource.Availability(), nil
}

func (s *InMemoryStore) ReleaseSlot(_ context.Context, resourceID string) (Availability, error) {
	entry, err := s.entry(resourceID)
	if err != nil {
		return Availability{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.resource.ReservedCount <= 0 {
		return entry.resource.Availability(), ErrUnderflow
	}
	entry.resource.ReservedCount--
	return entry.resource.Availability(), nil
}

func (s *InMemoryStore) RestoreSlot(_ context.Context, resourceID string) (Availability, error) {
	entry, err := s.entry(resourceID)
	if err != nil {
		return Availability{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.resource.ReservedCount >= entry.resource.Capacity {
		return entry.resource.Availability(), ErrFull
	}
	entry.resource.ReservedCount++
	return entry.resource.Availability(), nil
}

func (s *InMemoryStore) GetAvailability(ctx context.Context, resourceID string) (Availability, error) {
	found, err := s.Get(ctx, resourceID)
	if err != nil {
		return Availability{}, err
	}
	return found.Availability(), nil
}

func (s *InMemoryStore) Get(_ context.Context, resourceID string) (Resource, error) {
	entry, err := s.entry(resourceID)
	if err != nil {
		return Resource{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.resource, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Resource, error) {
	s.mu.RLock()
	entries := make([]*inMemoryEntry, 0, len(s.items))
	for _, entry := range s.items {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	items := make([]Resource, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		items = append(items, entry.resource)
		entry.mu.Unlock()
	}
	sortResources(items)
	return items, nil
}

func (s *InMemoryStore) entry(resourceID string) (*inMemoryEntry, error) {
	id := strings.TrimSpace(resourceID)
	if id == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return entry, nil
}

func normalizeRegisterInput(input RegisterInput) (RegisterInput, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return RegisterInput{}, ErrInvalidID
	}
	if input.Capacity <= 0 {
		return RegisterInput{}, ErrInvalidCapacity
	}
	return RegisterInput{
		ID:       id,
		Capacity: input.Capacity,
		ClosesAt: utcPtr(input.ClosesAt),
	}, nil
}
