package reservation

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// PostgresStore keeps reservation records. A partial unique index backs the
// one-active-reservation-per-actor rule independently of the Ledger's lease.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Append(ctx context.Context, item Reservation) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reservations (id, resource_id, actor_id, status, created_at, cancelled_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, item.ID, item.ResourceID, item.ActorID, item.Status, item.CreatedAt.UTC(), utcPtr(item.CancelledAt))
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "reservations_pkey" {
			return errors.Wrapf(ErrInternalConsistency, "reservation %s already stored", item.ID)
		}
		return ErrDuplicateReservation
	}
	return errors.Wrapf(err, "append reservation %s", item.ID)
}

func (s *PostgresStore) FindActive(ctx context.Context, resourceID, actorID string) (Reservation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+reservationColumns+`
FROM reservations
WHERE resource_id = $1 AND actor_id = $2 AND status = $3
`, resourceID, actorID, StatusActive)
	found, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, errors.Wrapf(err, "find active reservation for %s on %s", actorID, resourceID)
	}
	return found, nil
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string, at time.Time) (Reservation, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE reservations
SET status = $2, cancelled_at = $3
WHERE id = $1 AND status = $4
RETURNING `+reservationColumns, id, StatusCancelled, at.UTC(), StatusActive)
	updated, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, errors.Wrapf(err, "cancel reservation %s", id)
	}
	return updated, nil
}

func (s *PostgresStore) ListActiveForActor(ctx context.Context, actorID string) ([]Reservation, error) {
	return s.list(ctx, `
SELECT `+reservationColumns+`
FROM reservations
WHERE actor_id = $1 AND status = $2
ORDER BY created_at ASC, id ASC
`, actorID, StatusActive)
}

func (s *PostgresStore) ListForResource(ctx context.Context, resourceID string) ([]Reservation, error) {
	return s.list(ctx, `
SELECT `+reservationColumns+`
FROM reservations
WHERE resource_id = $1
ORDER BY created_at ASC, id ASC
`, resourceID)
}

func (s *PostgresStore) CountActive(ctx context.Context, resourceID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM reservations WHERE resource_id = $1 AND status = $2
`, resourceID, StatusActive).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "count active reservations on %s", resourceID)
	}
	return count, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Reservation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list reservations")
	}
	defer rows.Close()

	items := make([]Reservation, 0)
	for rows.Next() {
		item, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	cancelled_at TIMESTAMPTZ NULL,
	CONSTRAINT reservations_cancelled_at_matches_status CHECK ((status = 'cancelled') = (cancelled_at IS NOT NULL))
);
`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_reservations_active_actor ON reservations (resource_id, actor_id) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_actor_status ON reservations (actor_id, status);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "initialize reservations schema")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const reservationColumns = `
id,
resource_id,
actor_id,
status,
created_at,
cancelled_at`

func scanReservation(row rowScanner) (Reservation, error) {
	var item Reservation
	var status string
	var cancelledAt *time.Time
	if err := row.Scan(&item.ID, &item.ResourceID, &item.ActorID, &status, &item.CreatedAt, &cancelledAt); err != nil {
		return Reservation{}, err
	}
	item.Status = Status(status)
	item.CreatedAt = item.CreatedAt.UTC()
	item.CancelledAt = utcPtr(cancelledAt)
	return item, nil
}
