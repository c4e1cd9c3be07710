package reservation

import (
	"context"
	"sort"
	"time"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Reservation is never deleted. It moves from active to cancelled at most once.
type Reservation struct {
	ID          string     `json:"id"`
	ActorID     string     `json:"actor_id"`
	ResourceID  string     `json:"event_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func (r Reservation) Active() bool {
	return r.Status == StatusActive
}

// Result pairs a mutated reservation with the counters right after the mutation.
type Result struct {
	Reservation  Reservation           `json:"reservation"`
	Availability capacity.Availability `json:"event"`
}

type ActorStatus struct {
	HasActive   bool         `json:"has_active"`
	Reservation *Reservation `json:"reservation"`
}

// Drift compares the counter with the active records it should mirror.
type Drift struct {
	ResourceID    string `json:"event_id"`
	ReservedCount int    `json:"reserved_count"`
	ActiveRecords int    `json:"active_records"`
	Consistent    bool   `json:"consistent"`
}

// Store persists reservation records. It does not touch counters; the Ledger
// pairs every record mutation with the matching capacity mutation.
type Store interface {
	// Append fails with ErrDuplicateReservation when the pair already has an active record.
	Append(ctx context.Context, item Reservation) error
	FindActive(ctx context.Context, resourceID, actorID string) (Reservation, error)
	// MarkCancelled only moves active records; anything else is ErrNotFound.
	MarkCancelled(ctx context.Context, id string, at time.Time) (Reservation, error)
	ListActiveForActor(ctx context.Context, actorID string) ([]Reservation, error)
	ListForResource(ctx context.Context, resourceID string) ([]Reservation, error)
	CountActive(ctx context.Context, resourceID string) (int, error)
}

func sortByCreated(items []Reservation) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := value.UTC()
	return &v
}
