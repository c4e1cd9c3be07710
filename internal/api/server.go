package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
	"github.com/VenkatGGG/reservation-engine/pkg/httpx"
)

// Ledger is the subset of *reservation.Ledger the HTTP layer drives.
type Ledger interface {
	RegisterResource(ctx context.Context, input capacity.RegisterInput) (capacity.Resource, error)
	ListResources(ctx context.Context) ([]capacity.Availability, error)
	GetAvailability(ctx context.Context, resourceID string) (capacity.Availability, error)
	CreateReservation(ctx context.Context, resourceID, actorID string) (reservation.Result, error)
	CancelReservation(ctx context.Context, resourceID, actorID string) (reservation.Result, error)
	GetStatus(ctx context.Context, resourceID, actorID string) (reservation.ActorStatus, error)
	ListActiveForActor(ctx context.Context, actorID string) ([]reservation.Reservation, error)
	ListForResource(ctx context.Context, resourceID string) ([]reservation.Reservation, error)
	Reconcile(ctx context.Context, resourceID string) (reservation.Drift, error)
}

type Options struct {
	Logger             logrus.FieldLogger
	Idempotency        idempotency.Store
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	APIKey             string
	RateRPS            float64
	RateBurst          int
	Metrics            http.Handler
}

type Server struct {
	ledger             Ledger
	logger             logrus.FieldLogger
	idempotency        idempotency.Store
	idempotencyTTL     time.Duration
	idempotencyLockTTL time.Duration
	requiredAPIKey     string
	rateLimiter        *clientLimiter
	metrics            http.Handler
}

func NewServer(ledger Ledger, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		ledger:             ledger,
		logger:             logger,
		idempotency:        opts.Idempotency,
		idempotencyTTL:     opts.IdempotencyTTL,
		idempotencyLockTTL: opts.IdempotencyLockTTL,
		requiredAPIKey:     opts.APIKey,
		metrics:            opts.Metrics,
	}
	if opts.RateRPS > 0 {
		s.rateLimiter = newClientLimiter(opts.RateRPS, opts.RateBurst)
	}
	return s
}

// StartJanitor drops idle rate limiter buckets until ctx ends.
func (s *Server) StartJanitor(ctx context.Context, every time.Duration) {
	if s.rateLimiter != nil {
		s.rateLimiter.startJanitor(ctx, every)
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.withAPISecurity)
			r.Post("/events", s.handleRegisterEvent)
			r.Post("/events/{eventID}/reservations", s.handleCreateReservation)
			r.Delete("/events/{eventID}/reservations", s.handleCancelReservation)
		})

		r.Get("/events", s.handleListEvents)
		r.Get("/events/{eventID}", s.handleGetEvent)
		r.Get("/events/{eventID}/reservations", s.handleListEventReservations)
		r.Get("/events/{eventID}/reservations/me", s.handleReservationStatus)
		r.Get("/events/{eventID}/reconcile", s.handleReconcile)
		r.Get("/actors/{actorID}/reservations", s.handleActorReservations)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "route_not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	})
}
