package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
	"github.com/VenkatGGG/reservation-engine/pkg/httpx"
)

const actorHeader = "X-Actor-ID"

func requestActor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	actorID := requestActor(r)
	if actorID == "" {
		httpx.WriteError(w, http.StatusBadRequest, string(reservation.KindInvalidArgument), actorHeader+" header is required")
		return
	}

	execute := func(w http.ResponseWriter) {
		result, err := s.ledger.CreateReservation(r.Context(), eventID, actorID)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, result)
	}
	scope := "reservations:create:" + actorID
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, actorID)
	if s.handleIdempotentRequest(w, r, scope, fingerprint, execute) {
		return
	}
	execute(w)
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	actorID := requestActor(r)
	if actorID == "" {
		httpx.WriteError(w, http.StatusBadRequest, string(reservation.KindInvalidArgument), actorHeader+" header is required")
		return
	}

	execute := func(w http.ResponseWriter) {
		result, err := s.ledger.CancelReservation(r.Context(), eventID, actorID)
		if err != nil {
			s.writeLedgerError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, result)
	}
	scope := "reservations:cancel:" + actorID
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, actorID)
	if s.handleIdempotentRequest(w, r, scope, fingerprint, execute) {
		return
	}
	execute(w)
}

func (s *Server) handleReservationStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.ledger.GetAvailability(r.Context(), eventID); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	status, err := s.ledger.GetStatus(r.Context(), eventID, requestActor(r))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleActorReservations(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.ListActiveForActor(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]reservation.Reservation{"reservations": items})
}
