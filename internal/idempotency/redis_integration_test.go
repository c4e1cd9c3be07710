package idempotency

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreCompleteDropsClaim(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "reservation:test:"+uuid.NewString())
	ctx := context.Background()

	acquired, err := store.Acquire(ctx, "scope", "key", "owner-1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	if acquired, _ := store.Acquire(ctx, "scope", "key", "owner-2", time.Minute); acquired {
		t.Fatalf("expected claim to be held")
	}
	entry := Entry{Fingerprint: "fp", StatusCode: 201, ContentType: "application/json", Body: []byte(`{}`)}
	if err := store.Complete(ctx, "scope", "key", "owner-1", entry, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, ok, err := store.Lookup(ctx, "scope", "key")
	if err != nil || !ok {
		t.Fatalf("lookup: %v %v", ok, err)
	}
	if got.Fingerprint != "fp" || got.StatusCode != 201 {
		t.Fatalf("unexpected entry %#v", got)
	}
	if acquired, _ := store.Acquire(ctx, "scope", "key", "owner-2", time.Minute); !acquired {
		t.Fatalf("expected complete to drop the claim")
	}
	if err := store.Abandon(ctx, "scope", "key", "owner-2"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
}
