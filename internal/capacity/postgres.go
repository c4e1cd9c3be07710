package capacity

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore keeps counters in the resources table. Admission is a single
// conditional UPDATE, so the check and the increment commit together.
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

func (s *PostgresStore) Register(ctx context.Context, input RegisterInput) (Resource, error) {
	normalized, err := normalizeRegisterInput(input)
	if err != nil {
		return Resource{}, err
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO resources (id, capacity, reserved_count, closes_at, created_at)
VALUES ($1, $2, 0, $3, $4)
ON CONFLICT (id) DO NOTHING
RETURNING `+resourceColumns,
		normalized.ID,
		normalized.Capacity,
		normalized.ClosesAt,
		time.Now().UTC(),
	)
	created, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resource{}, ErrAlreadyExists
	}
	if err != nil {
		return Resource{}, errors.Wrapf(err, "register resource %s", normalized.ID)
	}
	return created, nil
}

func (s *PostgresStore) TryReserveSlot(ctx context.Context, resourceID string, now time.Time) (Availability, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE resources
SET reserved_count = reserved_count + 1
WHERE
	id = $1
	AND reserved_count < capacity
	AND (closes_at IS NULL OR closes_at > $2)
RETURNING `+resourceColumns, resourceID, now.UTC())

	updated, err := scanResource(row)
	if err == nil {
		return updated.Availability(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Availability{}, errors.Wrapf(err, "reserve slot on %s", resourceID)
	}

	current, getErr := s.Get(ctx, resourceID)
	if getErr != nil {
		return Availability{}, getErr
	}
	if current.ClosedAt(now) {
		return Availability{}, ErrClosed
	}
	return current.Availability(), ErrFull
}

func (s *PostgresStore) ReleaseSlot(ctx context.Context, resourceID string) (Availability, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE resources
SET reserved_count = reserved_count - 1
WHERE id = $1 AND reserved_count > 0
RETURNING `+resourceColumns, resourceID)

	updated, err := scanResource(row)
	if err == nil {
		return updated.Availability(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Availability{}, errors.Wrapf(err, "release slot on %s", resourceID)
	}

	current, getErr := s.Get(ctx, resourceID)
	if getErr != nil {
		return Availability{}, getErr
	}
	return current.Availability(), ErrUnderflow
}

func (s *PostgresStore) RestoreSlot(ctx context.Context, resourceID string) (Availability, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE resources
SET reserved_count = reserved_count + 1
WHERE id = $1 AND reserved_count < capacity
RETURNING `+resourceColumns, resourceID)

	updated, err := scanResource(row)
	if err == nil {
		return updated.Availability(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Availability{}, errors.Wrapf(err, "restore slot on %s", resourceID)
	}

	current, getErr := s.Get(ctx, resourceID)
	if getErr != nil {
		return Availability{}, getErr
	}
	return current.Availability(), ErrFull
}

func (s *PostgresStore) GetAvailability(ctx context.Context, resourceID string) (Availability, error) {
	found, err := s.Get(ctx, resourceID)
	if err != nil {
		return Availability{}, err
	}
	return found.Availability(), nil
}

func (s *PostgresStore) Get(ctx context.Context, resourceID string) (Resource, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = $1`, resourceID)
	found, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, errors.Wrapf(err, "get resource %s", resourceID)
	}
	return found, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Resource, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+resourceColumns+` FROM resources ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list resources")
	}
	defer rows.Close()

	items := make([]Resource, 0)
	for rows.Next() {
		item, err := scanResource(rows)
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
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	capacity INTEGER NOT NULL CHECK (capacity > 0),
	reserved_count INTEGER NOT NULL DEFAULT 0,
	closes_at TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT resources_reserved_bounds CHECK (reserved_count >= 0 AND reserved_count <= capacity)
);
`)
	if err != nil {
		return errors.Wrap(err, "initialize resources schema")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const resourceColumns = `
id,
capacity,
reserved_count,
closes_at,
created_at`

func scanResource(row rowScanner) (Resource, error) {
	var item Resource
	var closesAt *time.Time
	if err := row.Scan(&item.ID, &item.Capacity, &item.ReservedCount, &closesAt, &item.CreatedAt); err != nil {
		return Resource{}, err
	}
	item.ClosesAt = utcPtr(closesAt)
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}
