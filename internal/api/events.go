package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
	"github.com/VenkatGGG/reservation-engine/pkg/httpx"
)

type registerEventRequest struct {
	ID       string     `json:"id"`
	Capacity int        `json:"capacity"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

func (s *Server) handleRegisterEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := httpx.ReadBody(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var req registerEventRequest
	if err := httpx.DecodeJSON(raw, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, string(raw))
	execute := func(w http.ResponseWriter) {
		created, err := s.ledger.RegisterResource(r.Context(), capacity.RegisterInput{
			ID:       req.ID,
			Capacity: req.Capacity,
			ClosesAt: req.ClosesAt,
		})
		if err != nil {
			s.writeRegisterError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, created)
	}
	if s.handleIdempotentRequest(w, r, "events:register", fingerprint, execute) {
		return
	}
	execute(w)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.ListResources(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	availability, err := s.ledger.GetAvailability(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, availability)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	drift, err := s.ledger.Reconcile(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, drift)
}

func (s *Server) handleListEventReservations(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.ledger.GetAvailability(r.Context(), eventID); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	items, err := s.ledger.ListForResource(r.Context(), eventID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := items[:0]
		for _, item := range items {
			if string(item.Status) == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	httpx.WriteJSON(w, http.StatusOK, map[string][]reservation.Reservation{"reservations": items})
}
