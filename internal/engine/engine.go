// Package engine evaluates authorization decisions. It composes the
// permission resolver, row-level scope filters, field masking, and the
// audit trail into one decision path that fails closed: any
// infrastructure fault denies access, and no decision completes without
// its audit record.
package engine

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/masking"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/resolver"
	"github.com/fleetgate/fleetgate/internal/scope"
)

// Resolver supplies an actor's effective permission set.
type Resolver interface {
	Resolve(ctx context.Context, actorID int64) (resolver.EffectiveSet, error)
}

// PrincipalSource reads the scoping attributes identity management
// maintains for an actor.
type PrincipalSource interface {
	GetPrincipal(ctx context.Context, id int64) (policy.Principal, error)
}

// Auditor records every completed permission decision. A sink failure
// must surface as an error so the caller denies.
type Auditor interface {
	Record(ctx context.Context, rec audit.CheckRecord) error
}

// Decision is the outcome of an authorization check. A granted decision
// carries the broadest scope the actor holds for the action.
type Decision struct {
	Granted bool         `json:"granted"`
	Scope   policy.Scope `json:"scope,omitempty"`
	Reason  string       `json:"reason"`
}

// Attributes carry resource facts business rules evaluate against the
// actor, such as the creator of a record or a monetary total.
type Attributes map[string]any

// AttrCreatedBy and AttrTotal are the attribute keys business rules
// understand.
const (
	AttrCreatedBy = "created_by"
	AttrTotal     = "total"
)

// Engine is the authorization decision point.
type Engine struct {
	resolver   Resolver
	principals PrincipalSource
	filter     *scope.Filter
	masker     *masking.Masker
	audits     Auditor
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func New(res Resolver, principals PrincipalSource, filter *scope.Filter, masker *masking.Masker, audits Auditor, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		resolver:   res,
		principals: principals,
		filter:     filter,
		masker:     masker,
		audits:     audits,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Authorize decides whether the actor may perform verb on resource.
// A clean deny returns a Decision with Granted false and a nil error;
// errors are reserved for infrastructure faults and audit sink
// failures, both of which the caller must treat as denied.
func (e *Engine) Authorize(ctx context.Context, actorID int64, resource, verb string) (Decision, error) {
	return e.AuthorizeWithAttributes(ctx, actorID, resource, verb, nil)
}

// AuthorizeWithAttributes additionally evaluates business rules against
// resource attributes, such as self-approval and approval limits.
func (e *Engine) AuthorizeWithAttributes(ctx context.Context, actorID int64, resource, verb string, attrs Attributes) (Decision, error) {
	set, err := e.resolver.Resolve(ctx, actorID)
	if err != nil {
		// An unreadable permission store is an operational incident,
		// not a security event. Deny without an audit record.
		e.metrics.Decision("error")
		return Decision{Reason: "permission resolution unavailable"}, err
	}

	decision := e.evaluate(ctx, actorID, resource, verb, set, attrs)
	if decision.Reason == reasonRulesUnavailable {
		e.metrics.Decision("error")
		return Decision{Reason: decision.Reason}, policy.Infra(fmt.Errorf("business rule evaluation for actor %d", actorID))
	}

	rec := audit.CheckRecord{
		ActorID:        actorID,
		Resource:       resource,
		Verb:           verb,
		ScopeRequested: string(decision.Scope),
		Granted:        decision.Granted,
		Reason:         decision.Reason,
		At:             e.now(),
	}
	if err := e.audits.Record(ctx, rec); err != nil {
		// No audit record, no access.
		e.metrics.Decision("error")
		return Decision{Reason: "audit trail unavailable"}, err
	}

	if decision.Granted {
		e.metrics.Decision("granted")
	} else {
		e.metrics.Decision("denied")
	}
	return decision, nil
}

func (e *Engine) evaluate(ctx context.Context, actorID int64, resource, verb string, set resolver.EffectiveSet, attrs Attributes) Decision {
	granted, ok := set.Index().BroadestScope(resource, verb)
	if !ok {
		return Decision{Reason: fmt.Sprintf("no role held by actor %d grants %s on %s", actorID, verb, resource)}
	}
	if reason, ok := e.applyBusinessRules(ctx, actorID, verb, attrs); !ok {
		return Decision{Scope: granted, Reason: reason}
	}
	return Decision{
		Granted: true,
		Scope:   granted,
		Reason:  fmt.Sprintf("%s on %s granted at %s scope", verb, resource, granted),
	}
}

// FilterScope builds the row-level predicate for a read the actor has
// already been granted. The predicate's level is the narrower of the
// principal's declared scope and the broadest scope the actor holds for
// the action; the principal supplies tenant and team attributes.
// Missing permission or an unknown resource yields the always-false
// predicate.
func (e *Engine) FilterScope(ctx context.Context, actorID int64, resource, verb string) (scope.Predicate, error) {
	set, err := e.resolver.Resolve(ctx, actorID)
	if err != nil {
		return scope.Deny(), err
	}
	granted, ok := set.Index().BroadestScope(resource, verb)
	if !ok {
		return scope.Deny(), nil
	}
	principal, err := e.principals.GetPrincipal(ctx, actorID)
	if err != nil {
		return scope.Deny(), policy.Infra(err)
	}
	principal.Scope.Level = principal.Scope.Level.Narrower(granted)
	return e.filter.BuildPredicate(principal, resource)
}

// MaskResponse applies the field masking policies for resource to an
// outbound payload using the actor's active roles.
func (e *Engine) MaskResponse(ctx context.Context, actorID int64, resource string, payload map[string]any) (map[string]any, error) {
	set, err := e.resolver.Resolve(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return e.masker.Mask(ctx, resource, payload, set.RoleIDs)
}
