package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/reservation-engine/internal/idempotency"
	"github.com/VenkatGGG/reservation-engine/pkg/httpx"
)

const (
	idempotencyHeader       = "Idempotency-Key"
	idempotencyReplayHeader = "Idempotency-Replayed"
	idempotencyWait         = 4 * time.Second
)

// handleIdempotentRequest runs execute at most once per Idempotency-Key and
// replays the recorded response afterwards. It returns false when the request
// carries no key and the caller must execute directly.
func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope, fingerprint string, execute func(http.ResponseWriter)) bool {
	if s.idempotency == nil {
		return false
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}
	log := s.logger.WithField("idempotency_scope", scope)

	if cached, ok, err := s.idempotency.Lookup(r.Context(), scope, key); err != nil {
		log.WithError(err).Error("idempotency lookup")
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", "idempotency store unavailable")
		return true
	} else if ok {
		replay(w, cached, fingerprint)
		return true
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	acquired, err := s.idempotency.Acquire(r.Context(), scope, key, owner, s.idempotencyLockTTL)
	if err != nil {
		log.WithError(err).Error("idempotency acquire")
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", "idempotency store unavailable")
		return true
	}
	if !acquired {
		if cached, ok, err := s.waitForIdempotentEntry(r.Context(), scope, key, idempotencyWait); err == nil && ok {
			replay(w, cached, fingerprint)
			return true
		}
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return true
	}

	rec := httptest.NewRecorder()
	execute(rec)
	result := rec.Result()
	defer result.Body.Close()
	body, _ := io.ReadAll(result.Body)

	// 5xx responses, busy included, are not recorded so the client may retry.
	storeCtx := context.WithoutCancel(r.Context())
	if result.StatusCode < http.StatusInternalServerError {
		entry := idempotency.Entry{
			Fingerprint: fingerprint,
			StatusCode:  result.StatusCode,
			ContentType: result.Header.Get("Content-Type"),
			Body:        body,
		}
		if err := s.idempotency.Complete(storeCtx, scope, key, owner, entry, s.idempotencyTTL); err != nil {
			log.WithError(err).Warn("idempotency complete")
		}
	} else if err := s.idempotency.Abandon(storeCtx, scope, key, owner); err != nil {
		log.WithError(err).Warn("idempotency abandon")
	}
	copyResponse(w, result.Header, result.StatusCode, body)
	return true
}

func (s *Server) waitForIdempotentEntry(ctx context.Context, scope, key string, timeout time.Duration) (idempotency.Entry, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		entry, ok, err := s.idempotency.Lookup(waitCtx, scope, key)
		if err != nil {
			return idempotency.Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}
		select {
		case <-waitCtx.Done():
			return idempotency.Entry{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func replay(w http.ResponseWriter, entry idempotency.Entry, fingerprint string) {
	if entry.Fingerprint != "" && entry.Fingerprint != fingerprint {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used for a different request")
		return
	}
	if contentType := strings.TrimSpace(entry.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set(idempotencyReplayHeader, "true")
	status := entry.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
