package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/reservation-engine/internal/capacity"
	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/internal/lease"
	"github.com/VenkatGGG/reservation-engine/internal/metrics"
	"github.com/VenkatGGG/reservation-engine/internal/reservation"
)

type testOptions struct {
	apiKey    string
	rateRPS   float64
	rateBurst int
	leaseWait time.Duration
}

type testServer struct {
	*Server
	ledger *reservation.Ledger
	leases *lease.InMemoryManager
}

func newTestServer(t *testing.T, mutate ...func(o *testOptions)) testServer {
	t.Helper()
	opts := testOptions{leaseWait: time.Second}
	for _, fn := range mutate {
		fn(&opts)
	}

	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	require.NoError(t, err)
	caps := capacity.NewInMemoryStore()
	leases := lease.NewInMemoryManager(opts.leaseWait)
	ledger, err := reservation.NewLedger(caps, reservation.NewInMemoryStore(), leases,
		reservation.WithLogger(logger), reservation.WithObserver(recorder))
	require.NoError(t, err)
	reg.MustRegister(metrics.NewEventCollector(caps, logger))

	_, err = ledger.RegisterResource(context.Background(), capacity.RegisterInput{ID: "evt-1", Capacity: 2})
	require.NoError(t, err)

	srv := NewServer(ledger, Options{
		Logger:             logger,
		Idempotency:        idempotency.NewInMemoryStore(),
		IdempotencyTTL:     time.Hour,
		IdempotencyLockTTL: time.Minute,
		APIKey:             opts.apiKey,
		RateRPS:            opts.rateRPS,
		RateBurst:          opts.rateBurst,
		Metrics:            promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return testServer{Server: srv, ledger: ledger, leases: leases}
}

func do(t *testing.T, h http.Handler, method, path, actor string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rr := do(t, srv.Routes(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRegisterEvent(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	rr := do(t, h, http.MethodPost, "/v1/events", "", map[string]any{"id": "evt-2", "capacity": 10})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[capacity.Resource](t, rr)
	assert.Equal(t, "evt-2", created.ID)
	assert.Equal(t, 10, created.Capacity)

	rr = do(t, h, http.MethodPost, "/v1/events", "", map[string]any{"id": "evt-2", "capacity": 10})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/events", "", map[string]any{"id": "evt-3", "capacity": 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/events", "", map[string]any{"id": "evt-3", "seats": 4})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/events", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decodeBody[map[string][]capacity.Availability](t, rr)
	assert.Len(t, listed["events"], 2)
}

func TestReservationLifecycle(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	rr := do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "A", nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[reservation.Result](t, rr)
	assert.Equal(t, reservation.StatusActive, created.Reservation.Status)
	assert.Equal(t, 1, created.Availability.ReservedCount)

	rr = do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "A", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "duplicate_reservation", decodeBody[errorBody](t, rr).Code)

	rr = do(t, h, http.MethodGet, "/v1/events/evt-1/reservations/me", "A", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decodeBody[reservation.ActorStatus](t, rr)
	assert.True(t, status.HasActive)

	rr = do(t, h, http.MethodGet, "/v1/actors/A/reservations", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[map[string][]reservation.Reservation](t, rr)["reservations"], 1)

	rr = do(t, h, http.MethodDelete, "/v1/events/evt-1/reservations", "A", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cancelled := decodeBody[reservation.Result](t, rr)
	assert.Equal(t, reservation.StatusCancelled, cancelled.Reservation.Status)
	assert.Equal(t, 0, cancelled.Availability.ReservedCount)

	rr = do(t, h, http.MethodDelete, "/v1/events/evt-1/reservations", "A", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/events/evt-1/reservations?status=cancelled", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[map[string][]reservation.Reservation](t, rr)["reservations"], 1)

	rr = do(t, h, http.MethodGet, "/v1/events/evt-1/reconcile", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[reservation.Drift](t, rr).Consistent)
}

func TestReservationErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	rr := do(t, h, http.MethodPost, "/v1/events/missing/reservations", "A", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	closesAt := time.Now().UTC().Add(-time.Minute)
	rr = do(t, h, http.MethodPost, "/v1/events", "", map[string]any{"id": "evt-closed", "capacity": 2, "closes_at": closesAt})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = do(t, h, http.MethodPost, "/v1/events/evt-closed/reservations", "A", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "not_eligible", decodeBody[errorBody](t, rr).Code)

	for _, actor := range []string{"A", "B"} {
		rr = do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", actor, nil)
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "C", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "capacity_exceeded", decodeBody[errorBody](t, rr).Code)

	rr = do(t, h, http.MethodGet, "/v1/events/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBusyEventReturnsRetryAfter(t *testing.T) {
	srv := newTestServer(t, func(o *testOptions) { o.leaseWait = 20 * time.Millisecond })
	held, err := srv.leases.Acquire(context.Background(), "evt-1", "maintenance")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.leases.Release(context.Background(), held) })

	rr := do(t, srv.Routes(), http.MethodPost, "/v1/events/evt-1/reservations", "A", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, retryAfterSeconds, rr.Header().Get("Retry-After"))
	assert.Equal(t, "busy", decodeBody[errorBody](t, rr).Code)
}

func TestIdempotentCreateReplaysFirstResponse(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()

	first := do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "A", nil, idempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "A", nil, idempotencyHeader, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotencyReplayHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	availability, err := srv.ledger.GetAvailability(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, availability.ReservedCount)
}

func TestIdempotencyKeyReusedForDifferentEvent(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	rr := do(t, h, http.MethodPost, "/v1/events", "", map[string]any{"id": "evt-2", "capacity": 1})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "A", nil, idempotencyHeader, "shared")
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/events/evt-2/reservations", "A", nil, idempotencyHeader, "shared")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestConcurrentCreatesOverHTTPNeverOverbook(t *testing.T) {
	srv := newTestServer(t, func(o *testOptions) { o.leaseWait = 5 * time.Second })
	h := srv.Routes()

	var wg sync.WaitGroup
	codes := make([]int, 12)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", fmt.Sprintf("actor-%d", i), nil).Code
		}(i)
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		if code == http.StatusCreated {
			created++
		} else {
			assert.Equal(t, http.StatusBadRequest, code)
		}
	}
	assert.Equal(t, 2, created)
}

func TestMetricsEndpointExposesEventGauges(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Routes()
	rr := do(t, h, http.MethodPost, "/v1/events/evt-1/reservations", "A", nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `reservation_event_reserved{event_id="evt-1"} 1`)
	assert.Contains(t, body, `reservation_created_total{event_id="evt-1"} 1`)
}

func TestUnknownRouteUsesJSONError(t *testing.T) {
	srv := newTestServer(t)
	rr := do(t, srv.Routes(), http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "route_not_found", decodeBody[errorBody](t, rr).Code)
}
