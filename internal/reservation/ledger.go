package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/lease"
)

// Observer receives one callback per ledger outcome. Implementations must be
// cheap and must not call back into the Ledger.
type Observer interface {
	ReservationCreated(resourceID string)
	ReservationCancelled(resourceID string)
	ReservationRejected(op string, kind Kind)
	LeaseWaited(op string, wait time.Duration)
}

type noopObserver struct{}

func (noopObserver) ReservationCreated(string)         {}
func (noopObserver) ReservationCancelled(string)       {}
func (noopObserver) ReservationRejected(string, Kind)  {}
func (noopObserver) LeaseWaited(string, time.Duration) {}

type Option func(*Ledger)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(l *Ledger) {
		if observer != nil {
			l.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithOperationTimeout bounds the work done while a resource lease is held.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(l *Ledger) {
		if timeout > 0 {
			l.opTimeout = timeout
		}
	}
}

// WithCompensationTimeout bounds each rollback step and the lease release.
// They run on their own deadline so an expired operation can still be undone.
func WithCompensationTimeout(timeout time.Duration) Option {
	return func(l *Ledger) {
		if timeout > 0 {
			l.compensationTimeout = timeout
		}
	}
}

// Ledger admits and cancels reservations. Every mutation of a resource runs
// under that resource's lease: duplicate check, slot reservation and record
// append form one critical section, and so do slot release and the status
// change on cancel. A failed second step is compensated before returning.
type Ledger struct {
	capacity  capacity.Store
	records   Store
	leases    lease.Manager
	observer  Observer
	logger    logrus.FieldLogger
	now       func() time.Time
	opTimeout time.Duration

	compensationTimeout time.Duration
}

func NewLedger(capacityStore capacity.Store, records Store, leases lease.Manager, opts ...Option) (*Ledger, error) {
	if capacityStore == nil {
		return nil, errors.New("capacity store is required")
	}
	if records == nil {
		return nil, errors.New("reservation store is required")
	}
	if leases == nil {
		return nil, errors.New("lease manager is required")
	}
	l := &Ledger{
		capacity:  capacityStore,
		records:   records,
		leases:    leases,
		observer:  noopObserver{},
		logger:    logrus.StandardLogger(),
		now:       func() time.Time { return time.Now().UTC() },
		opTimeout: 5 * time.Second,

		compensationTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) RegisterResource(ctx context.Context, input capacity.RegisterInput) (capacity.Resource, error) {
	created, err := l.capacity.Register(ctx, input)
	if err != nil {
		return capacity.Resource{}, err
	}
	l.logger.WithFields(logrus.Fields{
		"resource_id": created.ID,
		"capacity":    created.Capacity,
	}).Info("resource registered")
	return created, nil
}

func (l *Ledger) ListResources(ctx context.Context) ([]capacity.Availability, error) {
	items, err := l.capacity.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]capacity.Availability, 0, len(items))
	for _, item := range items {
		out = append(out, item.Availability())
	}
	return out, nil
}

func (l *Ledger) CreateReservation(ctx context.Context, resourceID, actorID string) (Result, error) {
	resourceID, actorID, err := normalizeIDs(resourceID, actorID)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = l.withResourceLease(ctx, "create", resourceID, func(ctx context.Context) error {
		now := l.now()
		resource, err := l.capacity.Get(ctx, resourceID)
		if err != nil {
			return mapCapacityError(err, resourceID)
		}
		if resource.ClosedAt(now) {
			return fmt.Errorf("%w: %s closed at %s", ErrNotEligible, resourceID, resource.ClosesAt.Format(time.RFC3339))
		}

		if existing, err := l.records.FindActive(ctx, resourceID, actorID); err == nil {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateReservation, existing.ID, resourceID)
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("check active reservation: %w", err)
		}

		id, err := newReservationID()
		if err != nil {
			return err
		}

		availability, err := l.capacity.TryReserveSlot(ctx, resourceID, now)
		if err != nil {
			return mapCapacityError(err, resourceID)
		}

		created := Reservation{
			ID:         id,
			ActorID:    actorID,
			ResourceID: resourceID,
			Status:     StatusActive,
			CreatedAt:  now,
		}
		if err := l.records.Append(ctx, created); err != nil {
			undoCtx, cancel := l.compensationContext(ctx)
			_, releaseErr := l.capacity.ReleaseSlot(undoCtx, resourceID)
			cancel()
			if releaseErr != nil {
				l.logger.WithFields(logrus.Fields{
					"resource_id":    resourceID,
					"actor_id":       actorID,
					"reservation_id": id,
					"append_error":   err.Error(),
				}).WithError(releaseErr).Error("slot rollback failed after append failure")
				return fmt.Errorf("%w: slot on %s left reserved without a record: %v", ErrInternalConsistency, resourceID, releaseErr)
			}
			return fmt.Errorf("append reservation: %w", err)
		}

		result = Result{Reservation: created, Availability: availability}
		return nil
	})
	if err != nil {
		l.rejected("create", resourceID, actorID, err)
		return Result{}, err
	}

	l.observer.ReservationCreated(resourceID)
	l.logger.WithFields(logrus.Fields{
		"resource_id":    resourceID,
		"actor_id":       actorID,
		"reservation_id": result.Reservation.ID,
		"reserved_count": result.Availability.ReservedCount,
	}).Debug("reservation created")
	return result, nil
}

func (l *Ledger) CancelReservation(ctx context.Context, resourceID, actorID string) (Result, error) {
	resourceID, actorID, err := normalizeIDs(resourceID, actorID)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = l.withResourceLease(ctx, "cancel", resourceID, func(ctx context.Context) error {
		found, err := l.records.FindActive(ctx, resourceID, actorID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: no active reservation for %s on %s", ErrNotFound, actorID, resourceID)
			}
			return fmt.Errorf("find active reservation: %w", err)
		}

		availability, err := l.capacity.ReleaseSlot(ctx, resourceID)
		if err != nil {
			if errors.Is(err, capacity.ErrUnderflow) {
				l.logger.WithFields(logrus.Fields{
					"resource_id":    resourceID,
					"actor_id":       actorID,
					"reservation_id": found.ID,
				}).Error("active reservation found while reserved count is zero")
			}
			return mapCapacityError(err, resourceID)
		}

		cancelled, err := l.records.MarkCancelled(ctx, found.ID, l.now())
		if err != nil {
			undoCtx, cancel := l.compensationContext(ctx)
			_, restoreErr := l.capacity.RestoreSlot(undoCtx, resourceID)
			cancel()
			if restoreErr != nil {
				l.logger.WithFields(logrus.Fields{
					"resource_id":    resourceID,
					"actor_id":       actorID,
					"reservation_id": found.ID,
					"cancel_error":   err.Error(),
				}).WithError(restoreErr).Error("slot restore failed after cancel failure")
				return fmt.Errorf("%w: slot on %s released while %s stays active: %v", ErrInternalConsistency, resourceID, found.ID, restoreErr)
			}
			return fmt.Errorf("cancel reservation %s: %w", found.ID, err)
		}

		result = Result{Reservation: cancelled, Availability: availability}
		return nil
	})
	if err != nil {
		l.rejected("cancel", resourceID, actorID, err)
		return Result{}, err
	}

	l.observer.ReservationCancelled(resourceID)
	l.logger.WithFields(logrus.Fields{
		"resource_id":    resourceID,
		"actor_id":       actorID,
		"reservation_id": result.Reservation.ID,
		"reserved_count": result.Availability.ReservedCount,
	}).Debug("reservation cancelled")
	return result, nil
}

func (l *Ledger) ListActiveForActor(ctx context.Context, actorID string) ([]Reservation, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidArgument)
	}
	return l.records.ListActiveForActor(ctx, actorID)
}

func (l *Ledger) GetStatus(ctx context.Context, resourceID, actorID string) (ActorStatus, error) {
	resourceID, actorID, err := normalizeIDs(resourceID, actorID)
	if err != nil {
		return ActorStatus{}, err
	}
	found, err := l.records.FindActive(ctx, resourceID, actorID)
	if errors.Is(err, ErrNotFound) {
		return ActorStatus{}, nil
	}
	if err != nil {
		return ActorStatus{}, err
	}
	return ActorStatus{HasActive: true, Reservation: &found}, nil
}

func (l *Ledger) GetAvailability(ctx context.Context, resourceID string) (capacity.Availability, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return capacity.Availability{}, fmt.Errorf("%w: event id is required", ErrInvalidArgument)
	}
	availability, err := l.capacity.GetAvailability(ctx, resourceID)
	if err != nil {
		return capacity.Availability{}, mapCapacityError(err, resourceID)
	}
	return availability, nil
}

func (l *Ledger) ListForResource(ctx context.Context, resourceID string) ([]Reservation, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, fmt.Errorf("%w: event id is required", ErrInvalidArgument)
	}
	return l.records.ListForResource(ctx, resourceID)
}

// Reconcile reports whether the counter matches the active records. It takes
// the resource lease so no admission is half-applied while it reads, and it
// never repairs anything.
func (l *Ledger) Reconcile(ctx context.Context, resourceID string) (Drift, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return Drift{}, fmt.Errorf("%w: event id is required", ErrInvalidArgument)
	}

	var drift Drift
	err := l.withResourceLease(ctx, "reconcile", resourceID, func(ctx context.Context) error {
		availability, err := l.capacity.GetAvailability(ctx, resourceID)
		if err != nil {
			return mapCapacityError(err, resourceID)
		}
		active, err := l.records.CountActive(ctx, resourceID)
		if err != nil {
			return fmt.Errorf("count active reservations: %w", err)
		}
		drift = Drift{
			ResourceID:    resourceID,
			ReservedCount: availability.ReservedCount,
			ActiveRecords: active,
			Consistent:    availability.ReservedCount == active,
		}
		return nil
	})
	if err != nil {
		return Drift{}, err
	}
	if !drift.Consistent {
		l.logger.WithFields(logrus.Fields{
			"resource_id":    resourceID,
			"reserved_count": drift.ReservedCount,
			"active_records": drift.ActiveRecords,
		}).Error("reserved count drifted from active reservations")
	}
	return drift, nil
}

// withResourceLease runs fn while holding the resource's lease. Once the
// lease is held the caller's cancellation is no longer observed, so fn runs
// to completion (bounded by opTimeout) or fails as a whole.
func (l *Ledger) withResourceLease(ctx context.Context, op, resourceID string, fn func(ctx context.Context) error) error {
	owner := "ledger-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	started := time.Now()
	held, err := l.leases.Acquire(ctx, resourceID, owner)
	l.observer.LeaseWaited(op, time.Since(started))
	if err != nil {
		if errors.Is(err, lease.ErrTimeout) {
			return fmt.Errorf("%w: lease wait on %s exceeded", ErrBusy, resourceID)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: gave up waiting for %s: %w", ErrBusy, resourceID, err)
		}
		return fmt.Errorf("acquire lease on %s: %w", resourceID, err)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opTimeout)
	defer cancel()
	defer func() {
		releaseCtx, cancelRelease := l.compensationContext(ctx)
		defer cancelRelease()
		if releaseErr := l.leases.Release(releaseCtx, held); releaseErr != nil {
			l.logger.WithFields(logrus.Fields{
				"resource_id": resourceID,
				"lease_token": held.Token,
			}).WithError(releaseErr).Warn("release resource lease")
		}
	}()

	return fn(opCtx)
}

// compensationContext detaches from ctx, which may already be past its
// deadline, and applies the compensation bound instead.
func (l *Ledger) compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.compensationTimeout)
}

func (l *Ledger) rejected(op, resourceID, actorID string, err error) {
	kind := KindOf(err)
	l.observer.ReservationRejected(op, kind)

	entry := l.logger.WithFields(logrus.Fields{
		"op":          op,
		"resource_id": resourceID,
		"actor_id":    actorID,
		"kind":        string(kind),
	}).WithError(err)
	switch kind {
	case KindInternalConsistency, KindUnknown:
		entry.Error("reservation operation failed")
	case KindBusy:
		entry.Warn("reservation operation rejected")
	default:
		entry.Debug("reservation operation rejected")
	}
}

func mapCapacityError(err error, resourceID string) error {
	switch {
	case errors.Is(err, capacity.ErrNotFound):
		return fmt.Errorf("%w: event %s", ErrNotFound, resourceID)
	case errors.Is(err, capacity.ErrClosed):
		return fmt.Errorf("%w: %s is closed", ErrNotEligible, resourceID)
	case errors.Is(err, capacity.ErrFull):
		return fmt.Errorf("%w: %s", ErrCapacityExceeded, resourceID)
	case errors.Is(err, capacity.ErrUnderflow):
		return fmt.Errorf("%w: release below zero on %s", ErrInternalConsistency, resourceID)
	case errors.Is(err, capacity.ErrInvalidID):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	default:
		return fmt.Errorf("capacity store: %w", err)
	}
}

func normalizeIDs(resourceID, actorID string) (string, string, error) {
	resourceID = strings.TrimSpace(resourceID)
	actorID = strings.TrimSpace(actorID)
	if resourceID == "" {
		return "", "", fmt.Errorf("%w: event id is required", ErrInvalidArgument)
	}
	if actorID == "" {
		return "", "", fmt.Errorf("%w: actor id is required", ErrInvalidArgument)
	}
	return resourceID, actorID, nil
}

func newReservationID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate reservation id: %w", err)
	}
	return "rsv_" + strings.ReplaceAll(raw.String(), "-", ""), nil
}
