package engine

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/fleetgate/fleetgate/internal/policy"
)

// reasonRulesUnavailable marks a decision that could not be evaluated
// because the principal directory was unreachable. The engine turns it
// into an infrastructure error instead of auditing a security event.
const reasonRulesUnavailable = "business rule evaluation unavailable"

// applyBusinessRules evaluates the attribute-based checks layered on
// top of role permissions. It returns (reason, false) on a deny.
func (e *Engine) applyBusinessRules(ctx context.Context, actorID int64, verb string, attrs Attributes) (string, bool) {
	if len(attrs) == 0 {
		return "", true
	}

	// Approvals of a record the actor created are always rejected,
	// regardless of limits or scope.
	if verb == policy.VerbApprove {
		if createdBy, ok := attrInt64(attrs, AttrCreatedBy); ok && createdBy == actorID {
			return fmt.Sprintf("actor %d cannot approve a record they created", actorID), false
		}
	}

	if total, ok := attrFloat64(attrs, AttrTotal); ok && verb == policy.VerbApprove {
		principal, err := e.principals.GetPrincipal(ctx, actorID)
		if err != nil {
			e.logger.Error("principal lookup for approval limit",
				slog.Int64("actor_id", actorID), slog.Any("error", err))
			return reasonRulesUnavailable, false
		}
		if total > principal.Scope.ApprovalLimit {
			return fmt.Sprintf("total %.2f exceeds approval limit %.2f", total, principal.Scope.ApprovalLimit), false
		}
	}

	return "", true
}

func attrInt64(attrs Attributes, key string) (int64, bool) {
	switch v := attrs[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func attrFloat64(attrs Attributes, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
