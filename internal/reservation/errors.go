package reservation

import "errors"

var (
	ErrNotFound             = errors.New("reservation or event not found")
	ErrNotEligible          = errors.New("event no longer accepts reservations")
	ErrDuplicateReservation = errors.New("actor already holds an active reservation")
	ErrCapacityExceeded     = errors.New("event is at capacity")
	ErrInternalConsistency  = errors.New("internal consistency violation")
	ErrBusy                 = errors.New("event is busy, retry later")
	ErrInvalidArgument      = errors.New("invalid argument")
)

type Kind string

const (
	KindNone                Kind = ""
	KindNotFound            Kind = "not_found"
	KindNotEligible         Kind = "not_eligible"
	KindDuplicate           Kind = "duplicate_reservation"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindInternalConsistency Kind = "internal_consistency"
	KindBusy                Kind = "busy"
	KindInvalidArgument     Kind = "invalid_argument"
	KindUnknown             Kind = "unknown"
)

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInternalConsistency):
		return KindInternalConsistency
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotEligible):
		return KindNotEligible
	case errors.Is(err, ErrDuplicateReservation):
		return KindDuplicate
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindUnknown
	}
}

// Retryable reports whether the same call may succeed unchanged once
// contention clears. Capacity errors are left to caller policy.
func Retryable(err error) bool {
	return KindOf(err) == KindBusy
}
