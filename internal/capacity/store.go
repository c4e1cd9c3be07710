package capacity

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrAlreadyExists   = errors.New("resource already exists")
	ErrInvalidID       = errors.New("resource id is required")
	ErrInvalidCapacity = errors.New("capacity must be positive")
	ErrFull            = errors.New("resource is at capacity")
	ErrClosed          = errors.New("resource is closed for reservations")
	// ErrUnderflow means a release was attempted while no slot was held.
	// Callers must treat it as an internal consistency defect.
	ErrUnderflow = errors.New("reserved count would drop below zero")
)

// Resource is a reservable event as seen by the capacity accounting.
type Resource struct {
	ID            string     `json:"id"`
	Capacity      int        `json:"capacity"`
	ReservedCount int        `json:"reserved_count"`
	ClosesAt      *time.Time `json:"closes_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ClosedAt reports whether no new reservation may be admitted at now.
func (r Resource) ClosedAt(now time.Time) bool {
	if r.ClosesAt == nil {
		return false
	}
	return !now.Before(*r.ClosesAt)
}

func (r Resource) Availability() Availability {
	remaining := r.Capacity - r.ReservedCount
	if remaining < 0 {
		remaining = 0
	}
	return Availability{
		ResourceID:    r.ID,
		Capacity:      r.Capacity,
		ReservedCount: r.ReservedCount,
		Remaining:     remaining,
		ClosesAt:      r.ClosesAt,
	}
}

// Availability is a point-in-time snapshot. It may be stale as soon as it is
// returned and must not be used to decide admission.
type Availability struct {
	ResourceID    string     `json:"id"`
	Capacity      int        `json:"capacity"`
	ReservedCount int        `json:"reserved_count"`
	Remaining     int        `json:"remaining"`
	ClosesAt      *time.Time `json:"closes_at,omitempty"`
}

type RegisterInput struct {
	ID       string
	Capacity int
	ClosesAt *time.Time
}

// Store owns capacity and reserved count per resource. TryReserveSlot is the
// only authoritative admission check: it tests and increments in one step.
type Store interface {
	Register(ctx context.Context, input RegisterInput) (Resource, error)
	TryReserveSlot(ctx context.Context, resourceID string, now time.Time) (Availability, error)
	ReleaseSlot(ctx context.Context, resourceID string) (Availability, error)
	// RestoreSlot undoes a ReleaseSlot. It ignores ClosesAt but never exceeds capacity.
	RestoreSlot(ctx context.Context, resourceID string) (Availability, error)
	GetAvailability(ctx context.Context, resourceID string) (Availability, error)
	Get(ctx context.Context, resourceID string) (Resource, error)
	List(ctx context.Context) ([]Resource, error)
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	v := value.UTC()
	return &v
}

func sortResources(items []Resource) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}
