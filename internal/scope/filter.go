// Package scope translates an actor's scope attributes into a SQL
// predicate resource repositories apply before any row is materialised.
// Rows are never post-filtered inside the engine: an out-of-scope row
// must not even influence counts or timing.
package scope

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fleetgate/fleetgate/internal/policy"
)

// Predicate is a WHERE fragment with named arguments. Repositories
// append it to their own queries and pass Args through pgx.
type Predicate struct {
	SQL  string
	Args pgx.NamedArgs
}

// Deny matches no rows. It is the fail-closed fallback for callers that
// must issue a query even after a scoping error.
func Deny() Predicate {
	return Predicate{SQL: "FALSE", Args: pgx.NamedArgs{}}
}

// Table describes how one resource type exposes its ownership and
// tenancy columns, and which of the actor's team sets applies to it.
type Table struct {
	Tenant   string
	Owner    string
	Assigned string
	ID       string
	TeamIDs  func(policy.ScopeAttributes) []int64
}

// Filter builds scope predicates from per-resource table registrations.
type Filter struct {
	tables map[string]Table
}

// NewFilter registers the fleet resource types the engine ships with.
func NewFilter() *Filter {
	f := &Filter{tables: make(map[string]Table)}
	f.Register("vehicle", Table{
		Tenant: "tenant_id", Owner: "owner_id", Assigned: "assigned_to", ID: "id",
		TeamIDs: func(s policy.ScopeAttributes) []int64 { return s.TeamVehicleIDs },
	})
	f.Register("driver", Table{
		Tenant: "tenant_id", Owner: "owner_id", Assigned: "assigned_to", ID: "id",
		TeamIDs: func(s policy.ScopeAttributes) []int64 { return s.TeamDriverIDs },
	})
	f.Register("work_order", Table{
		Tenant: "tenant_id", Owner: "created_by", Assigned: "assigned_to", ID: "vehicle_id",
		TeamIDs: func(s policy.ScopeAttributes) []int64 { return s.TeamVehicleIDs },
	})
	f.Register("fuel_transaction", Table{
		Tenant: "tenant_id", Owner: "driver_id", Assigned: "driver_id", ID: "vehicle_id",
		TeamIDs: func(s policy.ScopeAttributes) []int64 { return s.TeamVehicleIDs },
	})
	f.Register("purchase_order", Table{
		Tenant: "tenant_id", Owner: "created_by", Assigned: "approver_id", ID: "facility_id",
		TeamIDs: func(s policy.ScopeAttributes) []int64 { return s.FacilityIDs },
	})
	return f
}

// Register adds or replaces the table mapping for a resource type.
func (f *Filter) Register(resource string, t Table) {
	f.tables[resource] = t
}

// BuildPredicate maps the actor's scope level onto the resource's
// columns. Tenant isolation is always applied first and is not
// negotiable at any scope level.
func (f *Filter) BuildPredicate(actor policy.Principal, resource string) (Predicate, error) {
	table, ok := f.tables[resource]
	if !ok {
		return Deny(), fmt.Errorf("scope: unregistered resource type %q", resource)
	}

	args := pgx.NamedArgs{"scope_tenant_id": actor.TenantID}
	tenant := fmt.Sprintf("%s = @scope_tenant_id", table.Tenant)

	switch actor.Scope.Level {
	case policy.ScopeOwn:
		args["scope_actor_id"] = actor.ID
		return Predicate{
			SQL:  fmt.Sprintf("%s AND %s = @scope_actor_id", tenant, table.Owner),
			Args: args,
		}, nil
	case policy.ScopeTeam:
		teamIDs := []int64{}
		if table.TeamIDs != nil {
			teamIDs = table.TeamIDs(actor.Scope)
		}
		args["scope_actor_id"] = actor.ID
		args["scope_team_ids"] = teamIDs
		return Predicate{
			SQL: fmt.Sprintf("%s AND (%s = ANY(@scope_team_ids) OR %s = @scope_actor_id)",
				tenant, table.ID, table.Assigned),
			Args: args,
		}, nil
	case policy.ScopeFleet, policy.ScopeGlobal:
		return Predicate{SQL: tenant, Args: args}, nil
	}
	return Deny(), fmt.Errorf("scope: unknown scope level %q", actor.Scope.Level)
}
