// Package roles is the administrative surface for role definitions,
// assignments, separation-of-duty rules, and field masking policies.
// Assignment writes run through the SoD check inside one serializable
// transaction together with their audit entry.
package roles

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/platform/db"
	"github.com/fleetgate/fleetgate/internal/policy"
)

// TxStore bundles the queries an assignment mutation needs inside one
// serializable transaction.
type TxStore interface {
	GetRole(ctx context.Context, id int64) (policy.Role, error)
	ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	ConflictingRule(ctx context.Context, held []int64, proposed int64) (policy.SoDRule, error)
	InsertAssignment(ctx context.Context, a policy.RoleAssignment) (policy.RoleAssignment, error)
	DeactivateAssignment(ctx context.Context, userID, roleID int64) error
	InsertAudit(ctx context.Context, rec audit.CheckRecord) error
}

// Store runs a function against a TxStore inside one serializable
// transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(TxStore) error) error
}

// Repository is the PostgreSQL Store. It shares the audit repository so
// assignment audit entries commit with the assignment itself.
type Repository struct {
	pool    *pgxpool.Pool
	audits  *audit.Repository
	timeout time.Duration
}

func NewRepository(pool *pgxpool.Pool, audits *audit.Repository, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Repository{pool: pool, audits: audits, timeout: timeout}
}

// WithTx runs fn inside one serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(TxStore) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgTxStore{TxStore: policy.NewTxStore(tx), tx: tx, audits: r.audits})
	})
}

type pgTxStore struct {
	policy.TxStore
	tx     pgx.Tx
	audits *audit.Repository
}

func (t *pgTxStore) InsertAudit(ctx context.Context, rec audit.CheckRecord) error {
	return t.audits.InsertTx(ctx, t.tx, rec)
}
