package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/sod"
)

// Catalog is the read/write surface for role definitions, SoD rules,
// and masking policies. policy.Store satisfies it.
type Catalog interface {
	GetRole(ctx context.Context, id int64) (policy.Role, error)
	ListRoles(ctx context.Context) ([]policy.Role, error)
	CreateRole(ctx context.Context, role policy.Role) (policy.Role, error)
	UpdateRole(ctx context.Context, role policy.Role) (policy.Role, error)
	DeleteRole(ctx context.Context, id int64) error
	SetRolePermissions(ctx context.Context, roleID int64, perms []policy.Permission) error
	ListSoDRules(ctx context.Context) ([]policy.SoDRule, error)
	CreateSoDRule(ctx context.Context, rule policy.SoDRule) (policy.SoDRule, error)
	MaskingPolicies(ctx context.Context, resource string) ([]policy.FieldMaskingPolicy, error)
	UpsertMaskingPolicy(ctx context.Context, p policy.FieldMaskingPolicy) error
}

// CacheInvalidator drops a user's cached effective permission set.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, actorID int64) error
}

// MaskInvalidator drops the cached masking policies for a resource.
type MaskInvalidator interface {
	Invalidate(resource string)
}

// Service holds the role administration business logic.
type Service struct {
	catalog Catalog
	store   Store
	cache   CacheInvalidator
	masker  MaskInvalidator
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(catalog Catalog, store Store, cache CacheInvalidator, masker MaskInvalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog: catalog,
		store:   store,
		cache:   cache,
		masker:  masker,
		logger:  logger,
		now:     time.Now,
	}
}

// ============================================================================
// ROLE DEFINITIONS
// ============================================================================

func (s *Service) GetRole(ctx context.Context, id int64) (policy.Role, error) {
	return s.catalog.GetRole(ctx, id)
}

func (s *Service) ListRoles(ctx context.Context) ([]policy.Role, error) {
	return s.catalog.ListRoles(ctx)
}

func (s *Service) CreateRole(ctx context.Context, role policy.Role) (policy.Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return policy.Role{}, fmt.Errorf("%w: role name is required", policy.ErrValidation)
	}
	return s.catalog.CreateRole(ctx, role)
}

func (s *Service) UpdateRole(ctx context.Context, role policy.Role) (policy.Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return policy.Role{}, fmt.Errorf("%w: role name is required", policy.ErrValidation)
	}
	return s.catalog.UpdateRole(ctx, role)
}

func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	return s.catalog.DeleteRole(ctx, id)
}

// SetRolePermissions replaces a role's permission list. Actors holding
// the role pick the change up on their next cache refresh; the
// resolver's TTL bounds the staleness window.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, perms []policy.Permission) error {
	for _, p := range perms {
		if p.Resource == "" || p.Verb == "" || !p.Scope.IsValid() {
			return fmt.Errorf("%w: permission needs resource, verb and a valid scope", policy.ErrValidation)
		}
	}
	return s.catalog.SetRolePermissions(ctx, roleID, perms)
}

// ============================================================================
// ASSIGNMENTS
// ============================================================================

// Assign grants a role to a user. The SoD check, the assignment row,
// and the audit entry commit in one serializable transaction, so two
// concurrent conflicting assignments cannot both pass validation.
func (s *Service) Assign(ctx context.Context, userID, roleID, assignedBy int64, expiresAt *time.Time) (policy.RoleAssignment, error) {
	var assignment policy.RoleAssignment
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}
		if err := (sod.Validator{}).Validate(ctx, tx, userID, roleID); err != nil {
			return err
		}
		created, err := tx.InsertAssignment(ctx, policy.RoleAssignment{
			UserID:    userID,
			RoleID:    roleID,
			GrantedAt: s.now(),
			ExpiresAt: expiresAt,
			IsActive:  true,
		})
		if err != nil {
			return err
		}
		assignment = created
		return s.auditAssignment(ctx, tx, assignedBy, policy.VerbAssign,
			fmt.Sprintf("role %d assigned to user %d", roleID, userID))
	})
	if err != nil {
		return policy.RoleAssignment{}, err
	}
	s.invalidate(ctx, userID)
	return assignment, nil
}

// Revoke deactivates a user's assignment of a role.
func (s *Service) Revoke(ctx context.Context, userID, roleID, revokedBy int64) error {
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		if err := tx.DeactivateAssignment(ctx, userID, roleID); err != nil {
			return err
		}
		return s.auditAssignment(ctx, tx, revokedBy, policy.VerbRevoke,
			fmt.Sprintf("role %d revoked from user %d", roleID, userID))
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// ============================================================================
// SOD RULES
// ============================================================================

func (s *Service) ListSoDRules(ctx context.Context) ([]policy.SoDRule, error) {
	return s.catalog.ListSoDRules(ctx)
}

// CreateSoDRule registers a forbidden role pair. Both roles must exist
// and differ; the rule applies in both orientations from then on.
func (s *Service) CreateSoDRule(ctx context.Context, rule policy.SoDRule) (policy.SoDRule, error) {
	if rule.RoleA == rule.RoleB {
		return policy.SoDRule{}, fmt.Errorf("%w: a role cannot conflict with itself", policy.ErrValidation)
	}
	for _, id := range []int64{rule.RoleA, rule.RoleB} {
		if _, err := s.catalog.GetRole(ctx, id); err != nil {
			return policy.SoDRule{}, err
		}
	}
	return s.catalog.CreateSoDRule(ctx, rule)
}

// ============================================================================
// MASKING POLICIES
// ============================================================================

func (s *Service) ListMaskingPolicies(ctx context.Context, resource string) ([]policy.FieldMaskingPolicy, error) {
	return s.catalog.MaskingPolicies(ctx, resource)
}

// UpsertMaskingPolicy writes a masking policy and drops the masker's
// cached policy set for the resource so the change applies immediately.
func (s *Service) UpsertMaskingPolicy(ctx context.Context, p policy.FieldMaskingPolicy) error {
	if p.Resource == "" || p.Field == "" {
		return fmt.Errorf("%w: masking policy needs resource and field", policy.ErrValidation)
	}
	if !p.Strategy.IsValid() {
		return fmt.Errorf("%w: unknown masking strategy %q", policy.ErrValidation, p.Strategy)
	}
	if p.Classification == "" {
		p.Classification = policy.ClassInternal
	}
	if !p.Classification.IsValid() {
		return fmt.Errorf("%w: unknown classification %q", policy.ErrValidation, p.Classification)
	}
	if err := s.catalog.UpsertMaskingPolicy(ctx, p); err != nil {
		return err
	}
	s.masker.Invalidate(p.Resource)
	return nil
}

func (s *Service) auditAssignment(ctx context.Context, tx TxStore, actorID int64, verb, reason string) error {
	err := tx.InsertAudit(ctx, audit.CheckRecord{
		ID:       uuid.New(),
		ActorID:  actorID,
		Resource: policy.ResourceRole,
		Verb:     verb,
		Granted:  true,
		Reason:   reason,
		At:       s.now(),
	})
	if err != nil {
		// No audit entry, no assignment change.
		return policy.Infra(err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Error("assignment cache invalidate", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
