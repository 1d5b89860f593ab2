package roles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/sod"
)

// ============================================================================
// MOCKS
// ============================================================================

type mockCatalog struct {
	roles    map[int64]policy.Role
	rules    []policy.SoDRule
	masks    map[string][]policy.FieldMaskingPolicy
	nextID   int64
	saveErr  error
	upserted []policy.FieldMaskingPolicy
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		roles:  make(map[int64]policy.Role),
		masks:  make(map[string][]policy.FieldMaskingPolicy),
		nextID: 1,
	}
}

func (m *mockCatalog) GetRole(ctx context.Context, id int64) (policy.Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return policy.Role{}, policy.ErrNotFound
	}
	return role, nil
}

func (m *mockCatalog) ListRoles(ctx context.Context) ([]policy.Role, error) {
	var out []policy.Role
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockCatalog) CreateRole(ctx context.Context, role policy.Role) (policy.Role, error) {
	if m.saveErr != nil {
		return policy.Role{}, m.saveErr
	}
	role.ID = m.nextID
	m.nextID++
	m.roles[role.ID] = role
	return role, nil
}

func (m *mockCatalog) UpdateRole(ctx context.Context, role policy.Role) (policy.Role, error) {
	if _, ok := m.roles[role.ID]; !ok {
		return policy.Role{}, policy.ErrNotFound
	}
	m.roles[role.ID] = role
	return role, nil
}

func (m *mockCatalog) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := m.roles[id]; !ok {
		return policy.ErrNotFound
	}
	delete(m.roles, id)
	return nil
}

func (m *mockCatalog) SetRolePermissions(ctx context.Context, roleID int64, perms []policy.Permission) error {
	role, ok := m.roles[roleID]
	if !ok {
		return policy.ErrNotFound
	}
	role.Permissions = perms
	m.roles[roleID] = role
	return nil
}

func (m *mockCatalog) ListSoDRules(ctx context.Context) ([]policy.SoDRule, error) {
	return m.rules, nil
}

func (m *mockCatalog) CreateSoDRule(ctx context.Context, rule policy.SoDRule) (policy.SoDRule, error) {
	rule.ID = int64(len(m.rules) + 1)
	m.rules = append(m.rules, rule)
	return rule, nil
}

func (m *mockCatalog) MaskingPolicies(ctx context.Context, resource string) ([]policy.FieldMaskingPolicy, error) {
	return m.masks[resource], nil
}

func (m *mockCatalog) UpsertMaskingPolicy(ctx context.Context, p policy.FieldMaskingPolicy) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.masks[p.Resource] = append(m.masks[p.Resource], p)
	m.upserted = append(m.upserted, p)
	return nil
}

type mockTxRepo struct {
	catalog     *mockCatalog
	held        map[int64][]int64
	assignments []policy.RoleAssignment
	audits      []audit.CheckRecord
	auditErr    error
}

func newMockTxRepo(catalog *mockCatalog) *mockTxRepo {
	return &mockTxRepo{catalog: catalog, held: make(map[int64][]int64)}
}

func (m *mockTxRepo) WithTx(ctx context.Context, fn func(TxStore) error) error {
	return fn(m)
}

func (m *mockTxRepo) GetRole(ctx context.Context, id int64) (policy.Role, error) {
	return m.catalog.GetRole(ctx, id)
}

func (m *mockTxRepo) ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return m.held[userID], nil
}

func (m *mockTxRepo) ConflictingRule(ctx context.Context, held []int64, proposed int64) (policy.SoDRule, error) {
	if rule, ok := sod.Conflict(m.catalog.rules, held, proposed); ok {
		return rule, nil
	}
	return policy.SoDRule{}, policy.ErrNotFound
}

func (m *mockTxRepo) InsertAssignment(ctx context.Context, a policy.RoleAssignment) (policy.RoleAssignment, error) {
	a.ID = int64(len(m.assignments) + 1)
	m.assignments = append(m.assignments, a)
	m.held[a.UserID] = append(m.held[a.UserID], a.RoleID)
	return a, nil
}

func (m *mockTxRepo) DeactivateAssignment(ctx context.Context, userID, roleID int64) error {
	for i := range m.assignments {
		if m.assignments[i].UserID == userID && m.assignments[i].RoleID == roleID && m.assignments[i].IsActive {
			m.assignments[i].IsActive = false
			return nil
		}
	}
	return policy.ErrNotFound
}

func (m *mockTxRepo) InsertAudit(ctx context.Context, rec audit.CheckRecord) error {
	if m.auditErr != nil {
		return m.auditErr
	}
	m.audits = append(m.audits, rec)
	return nil
}

type mockInvalidator struct {
	invalidated []int64
}

func (m *mockInvalidator) Invalidate(ctx context.Context, actorID int64) error {
	m.invalidated = append(m.invalidated, actorID)
	return nil
}

type mockMaskInvalidator struct {
	resources []string
}

func (m *mockMaskInvalidator) Invalidate(resource string) {
	m.resources = append(m.resources, resource)
}

// ============================================================================
// FIXTURES
// ============================================================================

const adminID = int64(1)

type fixture struct {
	catalog *mockCatalog
	repo    *mockTxRepo
	cache   *mockInvalidator
	masker  *mockMaskInvalidator
	service *Service
}

func newFixture() *fixture {
	catalog := newMockCatalog()
	repo := newMockTxRepo(catalog)
	cache := &mockInvalidator{}
	masker := &mockMaskInvalidator{}
	return &fixture{
		catalog: catalog,
		repo:    repo,
		cache:   cache,
		masker:  masker,
		service: NewService(catalog, repo, cache, masker, nil),
	}
}

func (f *fixture) role(t *testing.T, name string) policy.Role {
	t.Helper()
	role, err := f.service.CreateRole(context.Background(), policy.Role{Name: name})
	require.NoError(t, err)
	return role
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateRoleRequiresName(t *testing.T) {
	f := newFixture()
	_, err := f.service.CreateRole(context.Background(), policy.Role{Name: "   "})
	assert.ErrorIs(t, err, policy.ErrValidation)
}

func TestSetRolePermissionsValidatesEntries(t *testing.T) {
	f := newFixture()
	role := f.role(t, "dispatcher")

	err := f.service.SetRolePermissions(context.Background(), role.ID, []policy.Permission{
		{Resource: "vehicle", Verb: policy.VerbView, Scope: "galaxy"},
	})
	assert.ErrorIs(t, err, policy.ErrValidation)

	err = f.service.SetRolePermissions(context.Background(), role.ID, []policy.Permission{
		{Resource: "vehicle", Verb: policy.VerbView, Scope: policy.ScopeTeam},
	})
	require.NoError(t, err)
}

func TestAssignWritesAssignmentAuditAndInvalidates(t *testing.T) {
	f := newFixture()
	role := f.role(t, "dispatcher")

	assignment, err := f.service.Assign(context.Background(), 7, role.ID, adminID, nil)
	require.NoError(t, err)
	assert.True(t, assignment.IsActive)
	assert.Nil(t, assignment.ExpiresAt)

	require.Len(t, f.repo.audits, 1)
	assert.Equal(t, policy.VerbAssign, f.repo.audits[0].Verb)
	assert.Equal(t, adminID, f.repo.audits[0].ActorID)
	assert.Equal(t, []int64{7}, f.cache.invalidated)
}

func TestAssignUnknownRole(t *testing.T) {
	f := newFixture()
	_, err := f.service.Assign(context.Background(), 7, 404, adminID, nil)
	assert.ErrorIs(t, err, policy.ErrNotFound)
	assert.Empty(t, f.repo.assignments)
	assert.Empty(t, f.cache.invalidated, "no invalidation without a commit")
}

func TestAssignRejectsSoDConflict(t *testing.T) {
	f := newFixture()
	approver := f.role(t, "po_approver")
	auditor := f.role(t, "fleet_auditor")
	_, err := f.service.CreateSoDRule(context.Background(), policy.SoDRule{
		RoleA: approver.ID, RoleB: auditor.ID, Reason: "approve vs audit",
	})
	require.NoError(t, err)

	_, err = f.service.Assign(context.Background(), 7, approver.ID, adminID, nil)
	require.NoError(t, err)

	_, err = f.service.Assign(context.Background(), 7, auditor.ID, adminID, nil)
	assert.ErrorIs(t, err, policy.ErrSoDViolation)

	var violation *policy.SoDViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "approve vs audit", violation.Reason)

	assert.Len(t, f.repo.assignments, 1, "conflicting assignment is not persisted")
}

func TestAssignAuditFailureIsInfra(t *testing.T) {
	f := newFixture()
	role := f.role(t, "dispatcher")
	f.repo.auditErr = errors.New("sink down")

	_, err := f.service.Assign(context.Background(), 7, role.ID, adminID, nil)
	assert.ErrorIs(t, err, policy.ErrInfra)
	assert.Empty(t, f.cache.invalidated)
}

func TestRevokeDeactivatesAndInvalidates(t *testing.T) {
	f := newFixture()
	role := f.role(t, "dispatcher")
	_, err := f.service.Assign(context.Background(), 7, role.ID, adminID, nil)
	require.NoError(t, err)

	err = f.service.Revoke(context.Background(), 7, role.ID, adminID)
	require.NoError(t, err)
	assert.False(t, f.repo.assignments[0].IsActive)
	assert.Equal(t, []int64{7, 7}, f.cache.invalidated)

	verbs := []string{f.repo.audits[0].Verb, f.repo.audits[1].Verb}
	assert.Equal(t, []string{policy.VerbAssign, policy.VerbRevoke}, verbs)
}

func TestRevokeMissingAssignment(t *testing.T) {
	f := newFixture()
	role := f.role(t, "dispatcher")
	err := f.service.Revoke(context.Background(), 7, role.ID, adminID)
	assert.ErrorIs(t, err, policy.ErrNotFound)
}

func TestCreateSoDRuleValidation(t *testing.T) {
	f := newFixture()
	role := f.role(t, "dispatcher")

	_, err := f.service.CreateSoDRule(context.Background(), policy.SoDRule{RoleA: role.ID, RoleB: role.ID})
	assert.ErrorIs(t, err, policy.ErrValidation, "self-conflict")

	_, err = f.service.CreateSoDRule(context.Background(), policy.SoDRule{RoleA: role.ID, RoleB: 404})
	assert.ErrorIs(t, err, policy.ErrNotFound, "unknown role")
}

func TestUpsertMaskingPolicyInvalidatesMasker(t *testing.T) {
	f := newFixture()

	err := f.service.UpsertMaskingPolicy(context.Background(), policy.FieldMaskingPolicy{
		Resource: "driver",
		Field:    "license_number",
		Strategy: policy.MaskPartial,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"driver"}, f.masker.resources)

	err = f.service.UpsertMaskingPolicy(context.Background(), policy.FieldMaskingPolicy{
		Resource: "driver",
		Field:    "license_number",
		Strategy: "scramble",
	})
	assert.ErrorIs(t, err, policy.ErrValidation, "unknown strategy")
	assert.Len(t, f.masker.resources, 1, "no invalidation on rejected input")
}

func TestUpsertMaskingPolicyChecksClassification(t *testing.T) {
	f := newFixture()

	err := f.service.UpsertMaskingPolicy(context.Background(), policy.FieldMaskingPolicy{
		Resource:       "driver",
		Field:          "license_number",
		Classification: "pii",
		Strategy:       policy.MaskPartial,
	})
	assert.ErrorIs(t, err, policy.ErrValidation, "unknown classification")
	assert.Empty(t, f.catalog.upserted)

	// An omitted classification falls back to internal.
	err = f.service.UpsertMaskingPolicy(context.Background(), policy.FieldMaskingPolicy{
		Resource: "driver",
		Field:    "license_number",
		Strategy: policy.MaskPartial,
	})
	require.NoError(t, err)
	require.Len(t, f.catalog.upserted, 1)
	assert.Equal(t, policy.ClassInternal, f.catalog.upserted[0].Classification)
}

func TestAssignWithExpiry(t *testing.T) {
	f := newFixture()
	role := f.role(t, "contractor")
	expires := time.Now().Add(24 * time.Hour)

	assignment, err := f.service.Assign(context.Background(), 9, role.ID, adminID, &expires)
	require.NoError(t, err)
	require.NotNil(t, assignment.ExpiresAt)
	assert.True(t, assignment.ExpiresAt.Equal(expires))
}
