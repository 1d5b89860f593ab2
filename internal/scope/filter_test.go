package scope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/policy"
)

func actorWith(level policy.Scope) policy.Principal {
	return policy.Principal{
		ID:       42,
		TenantID: 9,
		Scope: policy.ScopeAttributes{
			Level:          level,
			TeamVehicleIDs: []int64{100, 101},
			TeamDriverIDs:  []int64{200},
			FacilityIDs:    []int64{7},
		},
	}
}

func TestEveryPredicateEnforcesTenantIsolation(t *testing.T) {
	f := NewFilter()
	for _, level := range []policy.Scope{policy.ScopeOwn, policy.ScopeTeam, policy.ScopeFleet, policy.ScopeGlobal} {
		for _, resource := range []string{"vehicle", "driver", "work_order", "fuel_transaction", "purchase_order"} {
			pred, err := f.BuildPredicate(actorWith(level), resource)
			require.NoError(t, err, "%s/%s", level, resource)
			assert.Contains(t, pred.SQL, "tenant_id = @scope_tenant_id", "%s/%s", level, resource)
			assert.Equal(t, int64(9), pred.Args["scope_tenant_id"])
		}
	}
}

func TestOwnScopeFiltersByOwner(t *testing.T) {
	pred, err := NewFilter().BuildPredicate(actorWith(policy.ScopeOwn), "vehicle")
	require.NoError(t, err)
	assert.Contains(t, pred.SQL, "owner_id = @scope_actor_id")
	assert.Equal(t, int64(42), pred.Args["scope_actor_id"])
}

func TestTeamScopeUsesResourceTeamSet(t *testing.T) {
	f := NewFilter()

	pred, err := f.BuildPredicate(actorWith(policy.ScopeTeam), "vehicle")
	require.NoError(t, err)
	assert.Contains(t, pred.SQL, "id = ANY(@scope_team_ids)")
	assert.Contains(t, pred.SQL, "assigned_to = @scope_actor_id")
	assert.Equal(t, []int64{100, 101}, pred.Args["scope_team_ids"])

	pred, err = f.BuildPredicate(actorWith(policy.ScopeTeam), "driver")
	require.NoError(t, err)
	assert.Equal(t, []int64{200}, pred.Args["scope_team_ids"])
}

func TestFleetAndGlobalScopeAreTenantOnly(t *testing.T) {
	f := NewFilter()
	for _, level := range []policy.Scope{policy.ScopeFleet, policy.ScopeGlobal} {
		pred, err := f.BuildPredicate(actorWith(level), "work_order")
		require.NoError(t, err)
		assert.Equal(t, "tenant_id = @scope_tenant_id", pred.SQL)
	}
}

func TestUnknownResourceFailsClosed(t *testing.T) {
	pred, err := NewFilter().BuildPredicate(actorWith(policy.ScopeFleet), "invoice")
	require.Error(t, err)
	assert.Equal(t, Deny().SQL, pred.SQL)
}

func TestUnknownScopeLevelFailsClosed(t *testing.T) {
	actor := actorWith(policy.Scope("galactic"))
	pred, err := NewFilter().BuildPredicate(actor, "vehicle")
	require.Error(t, err)
	assert.True(t, strings.Contains(pred.SQL, "FALSE"))
}
