// Package sod enforces separation-of-duties rules over role
// assignments. The check runs inside the same serializable transaction
// as the assignment write, so two concurrent requests for conflicting
// roles cannot both pass and commit.
package sod

import (
	"context"
	"errors"

	"github.com/fleetgate/fleetgate/internal/policy"
)

// RoleReader is the transaction-scoped view the validator needs.
// policy.TxStore satisfies it.
type RoleReader interface {
	ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	ConflictingRule(ctx context.Context, held []int64, proposed int64) (policy.SoDRule, error)
}

// Validator checks proposed role assignments against the rule table.
type Validator struct{}

// Validate returns nil when userID may take proposedRoleID, or a
// *policy.SoDViolation naming the conflicting pair. Assigning a role the
// user already holds is not a conflict.
func (Validator) Validate(ctx context.Context, reader RoleReader, userID, proposedRoleID int64) error {
	held, err := reader.ActiveRoleIDs(ctx, userID)
	if err != nil {
		return policy.Infra(err)
	}
	for _, id := range held {
		if id == proposedRoleID {
			return nil
		}
	}
	rule, err := reader.ConflictingRule(ctx, held, proposedRoleID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return nil
		}
		return policy.Infra(err)
	}
	return &policy.SoDViolation{RoleA: rule.RoleA, RoleB: rule.RoleB, Reason: rule.Reason}
}

// Conflict reports the first rule forbidding proposed alongside held.
// It is the pure form of the check, shared by tests and by callers that
// already hold the rule set in memory.
func Conflict(rules []policy.SoDRule, held []int64, proposed int64) (policy.SoDRule, bool) {
	for _, rule := range rules {
		for _, id := range held {
			if rule.Conflicts(id, proposed) {
				return rule, true
			}
		}
	}
	return policy.SoDRule{}, false
}
