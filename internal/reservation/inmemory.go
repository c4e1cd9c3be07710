package reservation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type activeKey struct {
	resourceID string
	actorID    string
}

type InMemoryStore struct {
	mu         sync.RWMutex
	items      map[string]Reservation
	active     map[activeKey]string
	byActor    map[string][]string
	byResource map[string][]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:      make(map[string]Reservation),
		active:     make(map[activeKey]string),
		byActor:    make(map[string][]string),
		byResource: make(map[string][]string),
	}
}

func (s *InMemoryStore) Append(_ context.Context, item Reservation) error {
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: reservation id is required", ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("%w: reservation %s already stored", ErrInternalConsistency, item.ID)
	}
	key := activeKey{resourceID: item.ResourceID, actorID: item.ActorID}
	if item.Active() {
		if _, ok := s.active[key]; ok {
			return ErrDuplicateReservation
		}
		s.active[key] = item.ID
	}
	s.items[item.ID] = item
	s.byActor[item.ActorID] = append(s.byActor[item.ActorID], item.ID)
	s.byResource[item.ResourceID] = append(s.byResource[item.ResourceID], item.ID)
	return nil
}

func (s *InMemoryStore) FindActive(_ context.Context, resourceID, actorID string) (Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[activeKey{resourceID: resourceID, actorID: actorID}]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return cloneReservation(s.items[id]), nil
}

func (s *InMemoryStore) MarkCancelled(_ context.Context, id string, at time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.items[id]
	if !ok || !found.Active() {
		return Reservation{}, ErrNotFound
	}
	cancelledAt := at.UTC()
	found.Status = StatusCancelled
	found.CancelledAt = &cancelledAt
	s.items[id] = found
	delete(s.active, activeKey{resourceID: found.ResourceID, actorID: found.ActorID})
	return cloneReservation(found), nil
}

func (s *InMemoryStore) ListActiveForActor(_ context.Context, actorID string) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byActor[actorID]
	items := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		if item := s.items[id]; item.Active() {
			items = append(items, cloneReservation(item))
		}
	}
	sortByCreated(items)
	return items, nil
}

func (s *InMemoryStore) ListForResource(_ context.Context, resourceID string) ([]Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byResource[resourceID]
	items := make([]Reservation, 0, len(ids))
	for _, id := range ids {
		items = append(items, cloneReservation(s.items[id]))
	}
	sortByCreated(items)
	return items, nil
}

func (s *InMemoryStore) CountActive(_ context.Context, resourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, id := range s.byResource[resourceID] {
		if s.items[id].Active() {
			count++
		}
	}
	return count, nil
}

func cloneReservation(item Reservation) Reservation {
	item.CancelledAt = utcPtr(item.CancelledAt)
	return item
}
