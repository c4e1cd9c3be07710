package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type inMemorySlot struct {
	sem   chan struct{}
	owner string
	token uint64
}

// InMemoryManager hands out one-slot channel semaphores keyed by resource.
// Waiters on different resources never touch the same channel.
type InMemoryManager struct {
	wait time.Duration

	mu    sync.Mutex
	seq   uint64
	slots map[string]*inMemorySlot
}

func NewInMemoryManager(wait time.Duration) *InMemoryManager {
	if wait <= 0 {
		wait = defaultWait
	}
	return &InMemoryManager{
		wait:  wait,
		slots: make(map[string]*inMemorySlot),
	}
}

func (m *InMemoryManager) Acquire(ctx context.Context, resource, owner string) (Lease, error) {
	resource, owner, err := normalizeRequest(resource, owner)
	if err != nil {
		return Lease{}, err
	}

	slot := m.slot(resource)
	waitCtx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	select {
	case slot.sem <- struct{}{}:
	case <-waitCtx.Done():
		return Lease{}, waitError(ctx)
	}

	m.mu.Lock()
	m.seq++
	slot.owner = owner
	slot.token = m.seq
	token := m.seq
	m.mu.Unlock()

	return Lease{
		Resource:   resource,
		Owner:      owner,
		Token:      token,
		AcquiredAt: time.Now().UTC(),
	}, nil
}

func (m *InMemoryManager) Release(_ context.Context, held Lease) error {
	resource := strings.TrimSpace(held.Resource)
	if resource == "" {
		return errors.New("resource is required")
	}

	m.mu.Lock()
	slot, ok := m.slots[resource]
	if !ok || slot.owner != held.Owner || slot.token != held.Token {
		m.mu.Unlock()
		return ErrNotHeld
	}
	slot.owner = ""
	slot.token = 0
	m.mu.Unlock()

	<-slot.sem
	return nil
}

func (m *InMemoryManager) slot(resource string) *inMemorySlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[resource]
	if !ok {
		slot = &inMemorySlot{sem: make(chan struct{}, 1)}
		m.slots[resource] = slot
	}
	return slot
}
