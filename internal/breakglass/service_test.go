package breakglass

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/resolver"
	"github.com/fleetgate/fleetgate/internal/sod"
)

// ============================================================================
// MOCK STORE
// ============================================================================

type mockStore struct {
	sessions    map[uuid.UUID]*Session
	roles       map[int64]policy.Role
	held        map[int64][]int64
	rules       []policy.SoDRule
	assignments []policy.RoleAssignment
	audits      []audit.CheckRecord

	txError    error
	auditError error
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[uuid.UUID]*Session),
		roles:    make(map[int64]policy.Role),
		held:     make(map[int64][]int64),
	}
}

func (m *mockStore) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, policy.ErrNotFound
	}
	return *sess, nil
}

func (m *mockStore) List(ctx context.Context, status Status, limit int) ([]Session, error) {
	var out []Session
	for _, sess := range m.sessions {
		if sess.Status == status {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (m *mockStore) WithTx(ctx context.Context, fn func(TxStore) error) error {
	if m.txError != nil {
		return m.txError
	}
	return fn(&mockTx{store: m})
}

func (m *mockStore) ExpireDue(ctx context.Context, now time.Time, reason string) ([]Session, error) {
	if m.txError != nil {
		return nil, m.txError
	}
	var expired []Session
	for _, sess := range m.sessions {
		if sess.Status == StatusActive && sess.EndTime != nil && !sess.EndTime.After(now) {
			sess.Status = StatusExpired
			for i := range m.assignments {
				if m.assignments[i].UserID == sess.UserID && m.assignments[i].RoleID == sess.ElevatedRoleID {
					m.assignments[i].IsActive = false
				}
			}
			sessionID := sess.ID
			m.audits = append(m.audits, audit.CheckRecord{
				ActorID: sess.UserID, Resource: policy.ResourceBreakglass, Verb: "expire",
				Granted: true, Reason: reason, SessionID: &sessionID, At: now,
			})
			expired = append(expired, *sess)
		}
	}
	return expired, nil
}

type mockTx struct {
	store *mockStore
}

func (t *mockTx) Insert(ctx context.Context, sess Session) error {
	copied := sess
	t.store.sessions[sess.ID] = &copied
	return nil
}

func (t *mockTx) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	return t.store.Get(ctx, id)
}

func (t *mockTx) SetStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	sess, ok := t.store.sessions[id]
	if !ok || sess.Status != from {
		return ErrInvalidTransition
	}
	sess.Status = to
	return nil
}

func (t *mockTx) SetApproved(ctx context.Context, id uuid.UUID, approverID int64, start, end time.Time) error {
	sess, ok := t.store.sessions[id]
	if !ok || sess.Status != StatusPending {
		return ErrInvalidTransition
	}
	sess.Status = StatusActive
	sess.ApproverID = &approverID
	sess.ApprovedAt = &start
	sess.StartTime = &start
	sess.EndTime = &end
	return nil
}

func (t *mockTx) GetRole(ctx context.Context, id int64) (policy.Role, error) {
	role, ok := t.store.roles[id]
	if !ok {
		return policy.Role{}, policy.ErrNotFound
	}
	return role, nil
}

func (t *mockTx) ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return t.store.held[userID], nil
}

func (t *mockTx) ConflictingRule(ctx context.Context, held []int64, proposed int64) (policy.SoDRule, error) {
	if rule, ok := sod.Conflict(t.store.rules, held, proposed); ok {
		return rule, nil
	}
	return policy.SoDRule{}, policy.ErrNotFound
}

func (t *mockTx) InsertAssignment(ctx context.Context, a policy.RoleAssignment) (policy.RoleAssignment, error) {
	a.IsActive = true
	t.store.assignments = append(t.store.assignments, a)
	t.store.held[a.UserID] = append(t.store.held[a.UserID], a.RoleID)
	return a, nil
}

func (t *mockTx) DeactivateAssignment(ctx context.Context, userID, roleID int64) error {
	for i := range t.store.assignments {
		if t.store.assignments[i].UserID == userID && t.store.assignments[i].RoleID == roleID {
			t.store.assignments[i].IsActive = false
			return nil
		}
	}
	return policy.ErrNotFound
}

func (t *mockTx) InsertAudit(ctx context.Context, rec audit.CheckRecord) error {
	if t.store.auditError != nil {
		return t.store.auditError
	}
	t.store.audits = append(t.store.audits, rec)
	return nil
}

type mockChecker struct {
	perms map[int64][]policy.Permission
	err   error
}

func (m *mockChecker) Resolve(ctx context.Context, actorID int64) (resolver.EffectiveSet, error) {
	if m.err != nil {
		return resolver.EffectiveSet{}, m.err
	}
	return resolver.EffectiveSet{ActorID: actorID, Permissions: m.perms[actorID]}, nil
}

type mockInvalidator struct {
	invalidated []int64
	err         error
}

func (m *mockInvalidator) Invalidate(ctx context.Context, actorID int64) error {
	if m.err != nil {
		return m.err
	}
	m.invalidated = append(m.invalidated, actorID)
	return nil
}

// ============================================================================
// FIXTURES
// ============================================================================

const (
	userID     = int64(7)
	approverID = int64(8)
	roleID     = int64(42)
)

func newTestService(store *mockStore, checker *mockChecker, inv *mockInvalidator) *Service {
	if checker == nil {
		checker = &mockChecker{}
	}
	if inv == nil {
		inv = &mockInvalidator{}
	}
	return NewService(store, inv, checker, nil, nil)
}

func jitStore() *mockStore {
	store := newMockStore()
	store.roles[roleID] = policy.Role{ID: roleID, Name: "incident_responder", JITElevationAllowed: true}
	return store
}

func requestSession(t *testing.T, svc *Service) Session {
	t.Helper()
	sess, err := svc.Request(context.Background(), userID, roleID, "prod outage", "INC-1234", 15*time.Minute)
	require.NoError(t, err)
	return sess
}

// ============================================================================
// TESTS
// ============================================================================

func TestRequestCreatesPendingSession(t *testing.T) {
	store := jitStore()
	svc := newTestService(store, nil, nil)

	sess := requestSession(t, svc)
	assert.Equal(t, StatusPending, sess.Status)
	assert.Equal(t, 15*time.Minute, sess.Duration)

	stored, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	require.Len(t, store.audits, 1)
	assert.Equal(t, "request", store.audits[0].Verb)
	assert.Equal(t, sess.ID, *store.audits[0].SessionID)
}

func TestRequestValidation(t *testing.T) {
	svc := newTestService(jitStore(), nil, nil)
	ctx := context.Background()

	_, err := svc.Request(ctx, userID, roleID, "outage", "", 10*time.Minute)
	assert.ErrorIs(t, err, policy.ErrInvalidElevation, "ticket reference is mandatory")

	_, err = svc.Request(ctx, userID, roleID, "outage", "INC-1", MaxDuration+time.Second)
	assert.ErrorIs(t, err, policy.ErrInvalidElevation, "duration above the cap")

	_, err = svc.Request(ctx, userID, roleID, "outage", "INC-1", 0)
	assert.ErrorIs(t, err, policy.ErrInvalidElevation, "zero duration")
}

func TestRequestRejectsNonJITRole(t *testing.T) {
	store := newMockStore()
	store.roles[roleID] = policy.Role{ID: roleID, Name: "payroll_admin", JITElevationAllowed: false}
	svc := newTestService(store, nil, nil)

	_, err := svc.Request(context.Background(), userID, roleID, "outage", "INC-1", 10*time.Minute)
	assert.ErrorIs(t, err, policy.ErrInvalidElevation)
	assert.Empty(t, store.sessions)
}

func TestApproveActivatesAndAssigns(t *testing.T) {
	store := jitStore()
	inv := &mockInvalidator{}
	svc := newTestService(store, nil, inv)
	sess := requestSession(t, svc)

	approved, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, approved.Status)
	require.NotNil(t, approved.EndTime)
	assert.True(t, approved.EndTime.Sub(*approved.StartTime) <= MaxDuration)

	require.Len(t, store.assignments, 1)
	assert.True(t, store.assignments[0].IsActive)
	assert.Equal(t, roleID, store.assignments[0].RoleID)
	require.NotNil(t, store.assignments[0].ExpiresAt)

	assert.Equal(t, []int64{userID}, inv.invalidated)
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	store := jitStore()
	svc := newTestService(store, nil, nil)
	sess := requestSession(t, svc)

	_, err := svc.Approve(context.Background(), sess.ID, userID)
	assert.ErrorIs(t, err, policy.ErrDenied)
	assert.Empty(t, store.assignments)

	stored, _ := store.Get(context.Background(), sess.ID)
	assert.Equal(t, StatusPending, stored.Status, "session stays pending for a different approver")
}

func TestApproveRejectsSoDConflict(t *testing.T) {
	store := jitStore()
	store.held[userID] = []int64{99}
	store.rules = []policy.SoDRule{{RoleA: 99, RoleB: roleID, Reason: "operate vs audit"}}
	svc := newTestService(store, nil, nil)
	sess := requestSession(t, svc)

	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	assert.ErrorIs(t, err, policy.ErrSoDViolation)
	assert.Empty(t, store.assignments, "no partial write on violation")
}

func TestApproveRequiresPendingStatus(t *testing.T) {
	store := jitStore()
	svc := newTestService(store, nil, nil)
	sess := requestSession(t, svc)

	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), sess.ID, approverID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApproveAuditFailureRollsBack(t *testing.T) {
	store := jitStore()
	svc := newTestService(store, nil, nil)
	sess := requestSession(t, svc)
	store.auditError = errors.New("sink down")

	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	assert.ErrorIs(t, err, policy.ErrInfra)
}

func TestDenyIsTerminal(t *testing.T) {
	store := jitStore()
	svc := newTestService(store, nil, nil)
	sess := requestSession(t, svc)

	denied, err := svc.Deny(context.Background(), sess.ID, approverID, "no incident found")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, denied.Status)
	assert.Empty(t, store.assignments)

	_, err = svc.Approve(context.Background(), sess.ID, approverID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSelfRevoke(t *testing.T) {
	store := jitStore()
	inv := &mockInvalidator{}
	svc := newTestService(store, nil, inv)
	sess := requestSession(t, svc)
	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)

	revoked, err := svc.Revoke(context.Background(), sess.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.False(t, store.assignments[0].IsActive)
	assert.Contains(t, inv.invalidated, userID)
}

func TestForceRevokeRequiresPermission(t *testing.T) {
	store := jitStore()
	checker := &mockChecker{perms: map[int64][]policy.Permission{
		900: {{Resource: policy.ResourceBreakglass, Verb: policy.VerbRevoke, Scope: policy.ScopeGlobal}},
	}}
	svc := newTestService(store, checker, nil)
	sess := requestSession(t, svc)
	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)

	_, err = svc.Revoke(context.Background(), sess.ID, 901)
	assert.ErrorIs(t, err, policy.ErrDenied, "actor without revoke permission")

	revoked, err := svc.Revoke(context.Background(), sess.ID, 900)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
}

func TestForceRevokeResolverFailureFailsClosed(t *testing.T) {
	store := jitStore()
	checker := &mockChecker{err: policy.Infra(errors.New("store down"))}
	svc := newTestService(store, checker, nil)
	sess := requestSession(t, svc)
	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)

	_, err = svc.Revoke(context.Background(), sess.ID, 901)
	assert.ErrorIs(t, err, policy.ErrInfra)

	stored, _ := store.Get(context.Background(), sess.ID)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestSweepExpiresDueSessions(t *testing.T) {
	store := jitStore()
	inv := &mockInvalidator{}
	svc := newTestService(store, nil, inv)
	sess := requestSession(t, svc)
	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)

	// Not yet due.
	count, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	count, err = svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, _ := store.Get(context.Background(), sess.ID)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.False(t, store.assignments[0].IsActive)
	assert.Contains(t, inv.invalidated, userID)

	// Idempotent: already expired sessions are not touched again.
	count, err = svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFullLifecycleAuditTrail(t *testing.T) {
	store := jitStore()
	svc := newTestService(store, nil, nil)
	sess := requestSession(t, svc)
	_, err := svc.Approve(context.Background(), sess.ID, approverID)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = svc.Sweep(context.Background())
	require.NoError(t, err)

	var verbs []string
	for _, rec := range store.audits {
		verbs = append(verbs, rec.Verb)
	}
	assert.Equal(t, []string{"request", "approve", "expire"}, verbs)
}
