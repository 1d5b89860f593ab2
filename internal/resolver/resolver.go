// Package resolver computes and caches the effective permission set of
// an actor: the union of every active role assignment, standing or
// break-glass. A store failure never degrades to an empty grant; it is
// reported as an infrastructure error the callers must treat as deny.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/policy"
)

// PolicyStore is the subset of the policy store the resolver reads.
type PolicyStore interface {
	ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	EffectivePermissions(ctx context.Context, userID int64) ([]policy.Permission, error)
}

// Resolver resolves effective permission sets with bounded staleness.
type Resolver struct {
	store   PolicyStore
	cache   Cache
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New constructs a Resolver. The cache is injected so tests can swap it
// and deployments can choose the in-process or Redis implementation.
func New(store PolicyStore, cache Cache, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Resolve returns the actor's effective permission set, from cache when
// fresh. On store failure it returns ErrInfra, never a partial set.
func (r *Resolver) Resolve(ctx context.Context, actorID int64) (EffectiveSet, error) {
	if set, ok := r.cache.Get(ctx, actorID); ok {
		r.metrics.CacheLookup(true)
		return set, nil
	}
	r.metrics.CacheLookup(false)

	roleIDs, err := r.store.ActiveRoleIDs(ctx, actorID)
	if err != nil {
		return EffectiveSet{}, policy.Infra(err)
	}
	perms, err := r.store.EffectivePermissions(ctx, actorID)
	if err != nil {
		return EffectiveSet{}, policy.Infra(err)
	}
	set := EffectiveSet{
		ActorID:     actorID,
		RoleIDs:     roleIDs,
		Permissions: perms,
		ResolvedAt:  r.now(),
	}
	if err := r.cache.Set(ctx, actorID, set); err != nil && r.logger != nil {
		// A set failure only costs the next caller a store round trip.
		r.logger.Warn("resolver cache set", slog.Int64("actor_id", actorID), slog.Any("error", err))
	}
	return set, nil
}

// Invalidate drops the actor's cached set. Role assignment and
// break-glass transitions call it synchronously on commit.
func (r *Resolver) Invalidate(ctx context.Context, actorID int64) error {
	if err := r.cache.Invalidate(ctx, actorID); err != nil {
		if r.logger != nil {
			r.logger.Error("resolver cache invalidate", slog.Int64("actor_id", actorID), slog.Any("error", err))
		}
		return policy.Infra(err)
	}
	return nil
}
