package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the append-only
// permission check log. The table carries indexes on (at) and
// (actor_id, at) for compliance range queries.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository constructs a repository with a bounded write timeout.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Repository{pool: pool, timeout: timeout}
}

const insertQuery = `INSERT INTO permission_checks
(id, actor_id, resource, verb, scope_requested, granted, reason, session_id, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Insert appends one record. There is no update or delete path.
func (r *Repository) Insert(ctx context.Context, rec CheckRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, insertQuery,
		rec.ID, rec.ActorID, rec.Resource, rec.Verb, rec.ScopeRequested, rec.Granted, rec.Reason, rec.SessionID, rec.At)
	return err
}

// InsertTx appends a record inside an open transaction so state
// transitions and their audit entries commit atomically.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, rec CheckRecord) error {
	_, err := tx.Exec(ctx, insertQuery,
		rec.ID, rec.ActorID, rec.Resource, rec.Verb, rec.ScopeRequested, rec.Granted, rec.Reason, rec.SessionID, rec.At)
	return err
}

// Window returns one page of records matching the filters, newest
// first. limit rows are requested; callers pass pageSize+1 to detect a
// next page.
func (r *Repository) Window(ctx context.Context, filters Filters, offset, limit int) ([]CheckRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.pool.Query(ctx, windowQuery, filterArgs(filters, offset, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// All returns every record matching the filters, oldest first, for
// export.
func (r *Repository) All(ctx context.Context, filters Filters) ([]CheckRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, err := r.pool.Query(ctx, allQuery, filterArgs(filters, 0, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

const baseFilter = `(@from_at::timestamptz IS NULL OR at >= @from_at)
AND (@to_at::timestamptz IS NULL OR at <= @to_at)
AND (@actor_id::bigint = 0 OR actor_id = @actor_id)
AND (@resource::text = '' OR resource = @resource)
AND (@granted::boolean IS NULL OR granted = @granted)`

const windowQuery = `SELECT id, actor_id, resource, verb, scope_requested, granted, reason, session_id, at
FROM permission_checks
WHERE ` + baseFilter + `
ORDER BY at DESC
OFFSET @offset_rows LIMIT @limit_rows`

const allQuery = `SELECT id, actor_id, resource, verb, scope_requested, granted, reason, session_id, at
FROM permission_checks
WHERE ` + baseFilter + `
ORDER BY at ASC`

func filterArgs(filters Filters, offset, limit int) pgx.NamedArgs {
	args := pgx.NamedArgs{
		"from_at":  nullableTime(filters.From),
		"to_at":    nullableTime(filters.To),
		"actor_id": filters.ActorID,
		"resource": filters.Resource,
		"granted":  filters.Granted,
	}
	if limit > 0 {
		args["offset_rows"] = offset
		args["limit_rows"] = limit
	}
	return args
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanRecords(rows pgx.Rows) ([]CheckRecord, error) {
	var records []CheckRecord
	for rows.Next() {
		var rec CheckRecord
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.Resource, &rec.Verb, &rec.ScopeRequested,
			&rec.Granted, &rec.Reason, &rec.SessionID, &rec.At); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
