package lease

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the wait bound elapses before the lease is free.
	ErrTimeout = errors.New("lease wait timed out")
	ErrNotHeld = errors.New("lease not held by owner")
)

const defaultWait = 2 * time.Second

// Lease grants exclusive use of one resource until released. Token is a
// fencing value that increases with every grant on the same resource.
type Lease struct {
	Resource   string
	Owner      string
	Token      uint64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager serialises work per resource. Acquire blocks until the lease is
// granted, ctx ends or the manager's wait bound elapses; it never hangs.
type Manager interface {
	Acquire(ctx context.Context, resource, owner string) (Lease, error)
	Release(ctx context.Context, held Lease) error
}

func normalizeRequest(resource, owner string) (string, string, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" {
		return "", "", errors.New("resource is required")
	}
	if owner == "" {
		return "", "", errors.New("owner is required")
	}
	return resource, owner, nil
}

// waitError tells a caller cancellation apart from the manager's own bound.
func waitError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrTimeout
}
