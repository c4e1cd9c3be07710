package capacity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreRegisterValidatesInput(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.Register(ctx, RegisterInput{ID: "  ", Capacity: 3})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	created, err := store.Register(ctx, RegisterInput{ID: " evt-1 ", Capacity: 3})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", created.ID)
	assert.Equal(t, 0, created.ReservedCount)
	assert.Nil(t, created.ClosesAt)

	_, err = store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: 9})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestInMemoryStoreReserveUntilFull(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: 2})
	require.NoError(t, err)

	first, err := store.TryReserveSlot(ctx, "evt-1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ReservedCount)
	assert.Equal(t, 1, first.Remaining)

	second, err := store.TryReserveSlot(ctx, "evt-1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Remaining)

	full, err := store.TryReserveSlot(ctx, "evt-1", now)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, full.ReservedCount)

	_, err = store.TryReserveSlot(ctx, "missing", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreRejectsClosedResource(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	closesAt := time.Date(2026, time.March, 1, 18, 0, 0, 0, time.UTC)
	_, err := store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: 5, ClosesAt: &closesAt})
	require.NoError(t, err)

	_, err = store.TryReserveSlot(ctx, "evt-1", closesAt.Add(-time.Second))
	require.NoError(t, err)

	_, err = store.TryReserveSlot(ctx, "evt-1", closesAt)
	assert.ErrorIs(t, err, ErrClosed)

	avail, err := store.GetAvailability(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, avail.ReservedCount)
}

func TestInMemoryStoreReleaseNeverDropsBelowZero(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	_, err := store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: 1})
	require.NoError(t, err)

	_, err = store.ReleaseSlot(ctx, "evt-1")
	assert.ErrorIs(t, err, ErrUnderflow)

	avail, err := store.GetAvailability(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, avail.ReservedCount)

	_, err = store.ReleaseSlot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreRestoreIgnoresCloseButHonoursCapacity(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	closesAt := time.Now().UTC().Add(-time.Hour)
	_, err := store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: 1, ClosesAt: &closesAt})
	require.NoError(t, err)

	restored, err := store.RestoreSlot(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, restored.ReservedCount)

	_, err = store.RestoreSlot(ctx, "evt-1")
	assert.ErrorIs(t, err, ErrFull)
}

func TestInMemoryStoreConcurrentReserveAdmitsExactlyCapacity(t *testing.T) {
	t.Parallel()

	const (
		capacity = 7
		callers  = 64
	)
	store := NewInMemoryStore()
	ctx := context.Background()
	_, err := store.Register(ctx, RegisterInput{ID: "evt-1", Capacity: capacity})
	require.NoError(t, err)

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.TryReserveSlot(ctx, "evt-1", time.Now().UTC())
			switch {
			case err == nil:
				admitted.Add(1)
			case err == ErrFull:
				rejected.Add(1)
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(capacity), admitted.Load())
	assert.Equal(t, int64(callers-capacity), rejected.Load())

	avail, err := store.GetAvailability(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, capacity, avail.ReservedCount)
}

func TestInMemoryStoreListIsSortedByID(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"evt-c", "evt-a", "evt-b"} {
		_, err := store.Register(ctx, RegisterInput{ID: id, Capacity: 1})
		require.NoError(t, err, fmt.Sprintf("register %s", id))
	}

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"evt-a", "evt-b", "evt-c"}, []string{items[0].ID, items[1].ID, items[2].ID})
}
