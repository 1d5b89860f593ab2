package breakglass

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/platform/db"
	"github.com/fleetgate/fleetgate/internal/policy"
)

// Store is the persistence contract the service works against.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (Session, error)
	List(ctx context.Context, status Status, limit int) ([]Session, error)
	WithTx(ctx context.Context, fn func(TxStore) error) error
	ExpireDue(ctx context.Context, now time.Time, reason string) ([]Session, error)
}

// TxStore bundles the queries a transition needs inside one
// serializable transaction: the session row, the SoD check, the role
// assignment write, and the audit entry.
type TxStore interface {
	Insert(ctx context.Context, sess Session) error
	Get(ctx context.Context, id uuid.UUID) (Session, error)
	SetStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	SetApproved(ctx context.Context, id uuid.UUID, approverID int64, start, end time.Time) error
	GetRole(ctx context.Context, id int64) (policy.Role, error)
	ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	ConflictingRule(ctx context.Context, held []int64, proposed int64) (policy.SoDRule, error)
	InsertAssignment(ctx context.Context, a policy.RoleAssignment) (policy.RoleAssignment, error)
	DeactivateAssignment(ctx context.Context, userID, roleID int64) error
	InsertAudit(ctx context.Context, rec audit.CheckRecord) error
}

const sessionColumns = `id, user_id, elevated_role_id, reason, ticket_ref, duration_seconds,
requested_at, approved_at, start_time, end_time, status, approver_id`

// Repository provides PostgreSQL backed persistence for sessions.
type Repository struct {
	pool    *pgxpool.Pool
	audits  *audit.Repository
	timeout time.Duration
}

// NewRepository constructs a repository. The audit repository is shared
// so transition audit entries use the same append-only table as
// permission decisions.
func NewRepository(pool *pgxpool.Pool, audits *audit.Repository, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Repository{pool: pool, audits: audits, timeout: timeout}
}

// Get fetches a session by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM breakglass_sessions WHERE id = $1`, id))
}

// List returns sessions with the given status, newest first.
func (r *Repository) List(ctx context.Context, status Status, limit int) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM breakglass_sessions
WHERE status = $1 ORDER BY requested_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// WithTx runs fn inside one serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(TxStore) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgTxStore{tx: tx, policy: policy.NewTxStore(tx), audits: r.audits})
	})
}

// ExpireDue transitions every session past its end time in one
// conditional update, deactivates the matching assignments and writes
// the audit entries, all in one transaction. The WHERE clause makes the
// sweep safe to run on every engine instance: only the statement that
// wins the row performs the transition.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time, reason string) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var expired []Session
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `UPDATE breakglass_sessions SET status = 'expired'
WHERE status = 'active' AND end_time <= $1
RETURNING `+sessionColumns, now)
		if err != nil {
			return err
		}
		expired, err = collectSessions(rows)
		if err != nil {
			return err
		}
		for _, sess := range expired {
			if _, err := tx.Exec(ctx, `UPDATE role_assignments SET is_active = FALSE
WHERE user_id = $1 AND role_id = $2 AND is_active`, sess.UserID, sess.ElevatedRoleID); err != nil {
				return err
			}
			sessionID := sess.ID
			if err := r.audits.InsertTx(ctx, tx, audit.CheckRecord{
				ID:        uuid.New(),
				ActorID:   sess.UserID,
				Resource:  policy.ResourceBreakglass,
				Verb:      "expire",
				Granted:   true,
				Reason:    reason,
				SessionID: &sessionID,
				At:        now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

type pgTxStore struct {
	tx     pgx.Tx
	policy policy.TxStore
	audits *audit.Repository
}

func (s *pgTxStore) Insert(ctx context.Context, sess Session) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO breakglass_sessions
(id, user_id, elevated_role_id, reason, ticket_ref, duration_seconds, requested_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.UserID, sess.ElevatedRoleID, sess.Reason, sess.TicketRef,
		int64(sess.Duration/time.Second), sess.RequestedAt, string(sess.Status))
	return err
}

func (s *pgTxStore) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(s.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM breakglass_sessions WHERE id = $1 FOR UPDATE`, id))
}

func (s *pgTxStore) SetStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tag, err := s.tx.Exec(ctx, `UPDATE breakglass_sessions SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *pgTxStore) SetApproved(ctx context.Context, id uuid.UUID, approverID int64, start, end time.Time) error {
	tag, err := s.tx.Exec(ctx, `UPDATE breakglass_sessions
SET status = 'active', approver_id = $2, approved_at = $3, start_time = $3, end_time = $4
WHERE id = $1 AND status = 'pending'`, id, approverID, start, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *pgTxStore) GetRole(ctx context.Context, id int64) (policy.Role, error) {
	return s.policy.GetRole(ctx, id)
}

func (s *pgTxStore) ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.policy.ActiveRoleIDs(ctx, userID)
}

func (s *pgTxStore) ConflictingRule(ctx context.Context, held []int64, proposed int64) (policy.SoDRule, error) {
	return s.policy.ConflictingRule(ctx, held, proposed)
}

func (s *pgTxStore) InsertAssignment(ctx context.Context, a policy.RoleAssignment) (policy.RoleAssignment, error) {
	return s.policy.InsertAssignment(ctx, a)
}

func (s *pgTxStore) DeactivateAssignment(ctx context.Context, userID, roleID int64) error {
	return s.policy.DeactivateAssignment(ctx, userID, roleID)
}

func (s *pgTxStore) InsertAudit(ctx context.Context, rec audit.CheckRecord) error {
	return s.audits.InsertTx(ctx, s.tx, rec)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var status string
	var durationSeconds int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ElevatedRoleID, &sess.Reason, &sess.TicketRef,
		&durationSeconds, &sess.RequestedAt, &sess.ApprovedAt, &sess.StartTime, &sess.EndTime,
		&status, &sess.ApproverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, policy.ErrNotFound
		}
		return Session{}, err
	}
	sess.Duration = time.Duration(durationSeconds) * time.Second
	sess.Status = Status(status)
	return sess, nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
