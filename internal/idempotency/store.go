// Package idempotency replays the first response recorded for a client
// supplied Idempotency-Key so retried mutations are not applied twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidKey   = errors.New("idempotency scope and key are required")
	ErrOwnerMissing = errors.New("idempotency owner is required")
)

const (
	defaultClaimTTL    = 30 * time.Second
	defaultResponseTTL = 24 * time.Hour
)

// Entry is a recorded response. Fingerprint identifies the request that
// produced it so a reused key with a different payload can be refused.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store records responses per (scope, key). A caller first Acquires the key,
// runs the mutation, then Completes it with the response or Abandons it.
type Store interface {
	Lookup(ctx context.Context, scope, key string) (Entry, bool, error)
	Acquire(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error)
	// Complete stores the response and drops the owner's claim in one step.
	Complete(ctx context.Context, scope, key, owner string, entry Entry, ttl time.Duration) error
	Abandon(ctx context.Context, scope, key, owner string) error
}

// Fingerprint hashes the parts of a request that must match on replay.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func compoundKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" || key == "" {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:16]), nil
}

func normalizeOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", ErrOwnerMissing
	}
	return owner, nil
}

func claimTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultClaimTTL
	}
	return ttl
}

func responseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultResponseTTL
	}
	return ttl
}

func cloneEntry(entry Entry) Entry {
	entry.Body = append([]byte(nil), entry.Body...)
	return entry
}
