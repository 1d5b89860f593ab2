package resolver

import (
	"context"
	"time"

	"github.com/fleetgate/fleetgate/internal/policy"
)

// EffectiveSet is the resolver output: every permission the actor holds
// right now, standing assignments and active break-glass grants alike.
type EffectiveSet struct {
	ActorID     int64               `json:"actor_id"`
	RoleIDs     []int64             `json:"role_ids"`
	Permissions []policy.Permission `json:"permissions"`
	ResolvedAt  time.Time           `json:"resolved_at"`
}

// Index builds the (resource, verb) lookup used on the Authorize hot
// path.
func (e EffectiveSet) Index() policy.PermissionSet {
	return policy.NewPermissionSet(e.Permissions)
}

// Cache stores resolved permission sets with bounded staleness. It is
// injected rather than ambient so tests can swap it and so multi-node
// deployments can share invalidation through Redis.
//
// Get must never block behind a writer; a failed or slow backend reads
// as a miss. Invalidate errors are surfaced: a stale entry that cannot
// be removed means an already-revoked grant could outlive its TTL.
type Cache interface {
	Get(ctx context.Context, actorID int64) (EffectiveSet, bool)
	Set(ctx context.Context, actorID int64, set EffectiveSet) error
	Invalidate(ctx context.Context, actorID int64) error
}
