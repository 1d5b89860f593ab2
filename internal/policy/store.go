package policy

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier abstracts pgxpool.Pool and pgx.Tx so the same queries run
// inside and outside transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides PostgreSQL backed persistence for roles, permissions,
// SoD rules, masking policies, role assignments and principals. Every
// call carries a bounded timeout; a store that cannot answer in time
// surfaces an error the callers treat as deny.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{pool: pool, timeout: timeout}
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// WithSerializableTx runs fn inside a serializable transaction. Role
// assignment writes use it so the SoD check and the insert commit or
// fail together.
func (s *Store) WithSerializableTx(ctx context.Context, fn func(tx TxStore) error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return Infra(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(TxStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Infra(err)
	}
	return nil
}

// TxStore exposes the store queries bound to one open transaction.
type TxStore struct {
	q querier
}

// NewTxStore binds the store queries to a transaction opened elsewhere.
// The break-glass and role-assignment repositories use it to run SoD
// checks and assignment writes inside their own serializable
// transactions.
func NewTxStore(tx pgx.Tx) TxStore {
	return TxStore{q: tx}
}

// GetRole is the transaction-scoped role lookup.
func (t TxStore) GetRole(ctx context.Context, id int64) (Role, error) {
	return getRole(ctx, t.q, id)
}

// GetRole fetches a role and its permissions.
func (s *Store) GetRole(ctx context.Context, id int64) (Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return getRole(ctx, s.pool, id)
}

func getRole(ctx context.Context, q querier, id int64) (Role, error) {
	var role Role
	err := q.QueryRow(ctx, `SELECT id, name, description, mfa_required, jit_elevation_allowed, created_at, updated_at
FROM roles WHERE id=$1`, id).Scan(&role.ID, &role.Name, &role.Description, &role.MFARequired, &role.JITElevationAllowed, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	perms, err := rolePermissions(ctx, q, id)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return role, nil
}

func rolePermissions(ctx context.Context, q querier, roleID int64) ([]Permission, error) {
	rows, err := q.Query(ctx, `SELECT resource, verb, scope FROM role_permissions WHERE role_id=$1 ORDER BY resource, verb`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		var scope string
		if err := rows.Scan(&p.Resource, &p.Verb, &scope); err != nil {
			return nil, err
		}
		p.Scope = Scope(scope)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ListRoles returns all roles with their permissions.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, mfa_required, jit_elevation_allowed, created_at, updated_at
FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.MFARequired, &role.JITElevationAllowed, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		perms, err := rolePermissions(ctx, s.pool, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

// CreateRole inserts a new role and its permission rows.
func (s *Store) CreateRole(ctx context.Context, role Role) (Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.pool.QueryRow(ctx, `INSERT INTO roles (name, description, mfa_required, jit_elevation_allowed)
VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		role.Name, role.Description, role.MFARequired, role.JITElevationAllowed).
		Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, err
	}
	for _, p := range role.Permissions {
		if _, err := s.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, resource, verb, scope) VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`, role.ID, p.Resource, p.Verb, string(p.Scope)); err != nil {
			return Role{}, err
		}
	}
	return role, nil
}

// UpdateRole updates the role row. Permissions are replaced through
// SetRolePermissions.
func (s *Store) UpdateRole(ctx context.Context, role Role) (Role, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.pool.QueryRow(ctx, `UPDATE roles SET name=$2, description=$3, mfa_required=$4, jit_elevation_allowed=$5, updated_at=NOW()
WHERE id=$1 RETURNING created_at, updated_at`,
		role.ID, role.Name, role.Description, role.MFARequired, role.JITElevationAllowed).
		Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role. Returns ErrNotFound if nothing was deleted.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM roles WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRolePermissions replaces the permission rows for a role.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, perms []Permission) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id=$1`, roleID); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := s.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, resource, verb, scope) VALUES ($1, $2, $3, $4)`,
			roleID, p.Resource, p.Verb, string(p.Scope)); err != nil {
			return err
		}
	}
	return nil
}

// EffectivePermissions returns the union of permissions granted through
// the user's active, unexpired role assignments.
func (s *Store) EffectivePermissions(ctx context.Context, userID int64) ([]Permission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT rp.resource, rp.verb, rp.scope
FROM role_assignments ra
JOIN role_permissions rp ON rp.role_id = ra.role_id
WHERE ra.user_id = $1 AND ra.is_active AND (ra.expires_at IS NULL OR ra.expires_at > NOW())
ORDER BY rp.resource, rp.verb`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		var scope string
		if err := rows.Scan(&p.Resource, &p.Verb, &scope); err != nil {
			return nil, err
		}
		p.Scope = Scope(scope)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ActiveRoleIDs returns the ids of roles currently assigned to the user.
func (s *Store) ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return activeRoleIDs(ctx, s.pool, userID)
}

// ActiveRoleIDs is the transaction-scoped variant used by SoD checks.
func (t TxStore) ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return activeRoleIDs(ctx, t.q, userID)
}

func activeRoleIDs(ctx context.Context, q querier, userID int64) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT role_id FROM role_assignments
WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConflictingRule returns the SoD rule forbidding proposed alongside any
// of held, or ErrNotFound when no rule matches.
func (t TxStore) ConflictingRule(ctx context.Context, held []int64, proposed int64) (SoDRule, error) {
	if len(held) == 0 {
		return SoDRule{}, ErrNotFound
	}
	var rule SoDRule
	err := t.q.QueryRow(ctx, `SELECT id, role_a, role_b, reason FROM sod_rules
WHERE (role_a = $1 AND role_b = ANY($2)) OR (role_b = $1 AND role_a = ANY($2))
LIMIT 1`, proposed, held).Scan(&rule.ID, &rule.RoleA, &rule.RoleB, &rule.Reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SoDRule{}, ErrNotFound
		}
		return SoDRule{}, err
	}
	return rule, nil
}

// InsertAssignment writes a new active role assignment.
func (t TxStore) InsertAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	err := t.q.QueryRow(ctx, `INSERT INTO role_assignments (user_id, role_id, granted_at, expires_at, is_active)
VALUES ($1, $2, COALESCE($3, NOW()), $4, TRUE) RETURNING id, granted_at`,
		a.UserID, a.RoleID, nullableTime(a.GrantedAt), a.ExpiresAt).Scan(&a.ID, &a.GrantedAt)
	if err != nil {
		return RoleAssignment{}, err
	}
	a.IsActive = true
	return a, nil
}

// DeactivateAssignment marks the user's assignment of a role inactive.
func (t TxStore) DeactivateAssignment(ctx context.Context, userID, roleID int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE role_assignments SET is_active = FALSE
WHERE user_id = $1 AND role_id = $2 AND is_active`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSoDRules returns every separation-of-duties rule.
func (s *Store) ListSoDRules(ctx context.Context) ([]SoDRule, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT id, role_a, role_b, reason FROM sod_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []SoDRule
	for rows.Next() {
		var r SoDRule
		if err := rows.Scan(&r.ID, &r.RoleA, &r.RoleB, &r.Reason); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateSoDRule inserts a conflict rule. The pair is stored as given;
// lookups check both orientations.
func (s *Store) CreateSoDRule(ctx context.Context, rule SoDRule) (SoDRule, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.pool.QueryRow(ctx, `INSERT INTO sod_rules (role_a, role_b, reason) VALUES ($1, $2, $3) RETURNING id`,
		rule.RoleA, rule.RoleB, rule.Reason).Scan(&rule.ID)
	if err != nil {
		return SoDRule{}, err
	}
	return rule, nil
}

// MaskingPolicies returns the field policies registered for a resource
// type. Resources with no registered fields return an empty slice.
func (s *Store) MaskingPolicies(ctx context.Context, resource string) ([]FieldMaskingPolicy, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT resource, field, classification, allowed_roles, strategy
FROM field_masking_policies WHERE resource = $1 ORDER BY field`, resource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []FieldMaskingPolicy
	for rows.Next() {
		var p FieldMaskingPolicy
		var classification, strategy string
		if err := rows.Scan(&p.Resource, &p.Field, &classification, &p.AllowedRoles, &strategy); err != nil {
			return nil, err
		}
		p.Classification = Classification(classification)
		p.Strategy = MaskStrategy(strategy)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// UpsertMaskingPolicy registers or replaces the policy for one field.
func (s *Store) UpsertMaskingPolicy(ctx context.Context, p FieldMaskingPolicy) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `INSERT INTO field_masking_policies (resource, field, classification, allowed_roles, strategy)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (resource, field) DO UPDATE SET classification = EXCLUDED.classification,
allowed_roles = EXCLUDED.allowed_roles, strategy = EXCLUDED.strategy`,
		p.Resource, p.Field, string(p.Classification), p.AllowedRoles, string(p.Strategy))
	return err
}

// GetPrincipal loads the scope attributes identity management maintains
// for an actor. The engine never writes this table.
func (s *Store) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var p Principal
	var level string
	err := s.pool.QueryRow(ctx, `SELECT id, tenant_id, scope_level, facility_ids, team_driver_ids, team_vehicle_ids, approval_limit
FROM principals WHERE id = $1`, id).
		Scan(&p.ID, &p.TenantID, &level, &p.Scope.FacilityIDs, &p.Scope.TeamDriverIDs, &p.Scope.TeamVehicleIDs, &p.Scope.ApprovalLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, err
	}
	p.Scope.Level = Scope(level)
	return p, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
