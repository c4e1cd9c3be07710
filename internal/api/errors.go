package api

import (
	"errors"
	"net/http"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
	"github.com/VenkatGGG/reservation-engine/pkg/httpx"
)

const retryAfterSeconds = "1"

// writeLedgerError maps ledger error kinds onto HTTP statuses. Internal
// failures are reported without their cause.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	kind := reservation.KindOf(err)
	switch kind {
	case reservation.KindNotFound:
		httpx.WriteError(w, http.StatusNotFound, string(kind), err.Error())
	case reservation.KindNotEligible,
		reservation.KindDuplicate,
		reservation.KindCapacityExceeded,
		reservation.KindInvalidArgument:
		httpx.WriteError(w, http.StatusBadRequest, string(kind), err.Error())
	case reservation.KindBusy:
		w.Header().Set("Retry-After", retryAfterSeconds)
		httpx.WriteError(w, http.StatusServiceUnavailable, string(kind), "event is busy, retry later")
	case reservation.KindInternalConsistency:
		httpx.WriteError(w, http.StatusInternalServerError, string(kind), "reservation state is inconsistent")
	default:
		s.logger.WithError(err).Error("unclassified ledger error")
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) writeRegisterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capacity.ErrAlreadyExists):
		httpx.WriteError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, capacity.ErrInvalidID), errors.Is(err, capacity.ErrInvalidCapacity):
		httpx.WriteError(w, http.StatusBadRequest, string(reservation.KindInvalidArgument), err.Error())
	default:
		s.logger.WithError(err).Error("register event")
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
