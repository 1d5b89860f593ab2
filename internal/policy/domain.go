package policy

import "time"

// Scope describes the breadth of data an actor may reach.
type Scope string

const (
	// ScopeOwn restricts access to rows the actor owns.
	ScopeOwn Scope = "own"
	// ScopeTeam extends access to the actor's team resources.
	ScopeTeam Scope = "team"
	// ScopeFleet grants access to every row in the tenant's fleet.
	ScopeFleet Scope = "fleet"
	// ScopeGlobal grants tenant-wide access including administrative rows.
	ScopeGlobal Scope = "global"
)

// IsValid reports whether the scope is a known value.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeOwn, ScopeTeam, ScopeFleet, ScopeGlobal:
		return true
	}
	return false
}

// rank orders scopes from narrowest to broadest.
func (s Scope) rank() int {
	switch s {
	case ScopeOwn:
		return 1
	case ScopeTeam:
		return 2
	case ScopeFleet:
		return 3
	case ScopeGlobal:
		return 4
	}
	return 0
}

// Covers reports whether s is at least as broad as other.
func (s Scope) Covers(other Scope) bool {
	return s.rank() >= other.rank()
}

// Narrower returns whichever of the two scopes is narrower.
func (s Scope) Narrower(other Scope) Scope {
	if other.rank() < s.rank() {
		return other
	}
	return s
}

// Permission is a grantable capability over a resource type.
type Permission struct {
	Resource string
	Verb     string
	Scope    Scope
}

// Role groups permissions behind a name.
type Role struct {
	ID                  int64
	Name                string
	Description         string
	MFARequired         bool
	JITElevationAllowed bool
	Permissions         []Permission
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RoleAssignment links a user to a role. Break-glass grants always carry
// a bounded ExpiresAt; standing grants leave it nil.
type RoleAssignment struct {
	ID        int64
	UserID    int64
	RoleID    int64
	GrantedAt time.Time
	ExpiresAt *time.Time
	IsActive  bool
}

// SoDRule marks two roles as a forbidden co-assignment. The pair is
// unordered; Conflicts checks both orientations.
type SoDRule struct {
	ID     int64
	RoleA  int64
	RoleB  int64
	Reason string
}

// Conflicts reports whether holding held together with proposed violates
// the rule.
func (r SoDRule) Conflicts(held, proposed int64) bool {
	return (r.RoleA == held && r.RoleB == proposed) || (r.RoleB == held && r.RoleA == proposed)
}

// Classification labels how sensitive a field is.
type Classification string

const (
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
	ClassSensitive    Classification = "sensitive"
)

// IsValid reports whether the classification is a known value.
func (c Classification) IsValid() bool {
	switch c {
	case ClassInternal, ClassConfidential, ClassRestricted, ClassSensitive:
		return true
	}
	return false
}

// MaskStrategy selects how a protected field is redacted.
type MaskStrategy string

const (
	// MaskNone leaves the field untouched.
	MaskNone MaskStrategy = "none"
	// MaskPartial keeps a short suffix and obscures the rest.
	MaskPartial MaskStrategy = "partial"
	// MaskFull replaces the whole value with a placeholder.
	MaskFull MaskStrategy = "full"
	// MaskRemove drops the field from the payload entirely.
	MaskRemove MaskStrategy = "remove"
)

// IsValid reports whether the strategy is a known value.
func (m MaskStrategy) IsValid() bool {
	switch m {
	case MaskNone, MaskPartial, MaskFull, MaskRemove:
		return true
	}
	return false
}

// FieldMaskingPolicy protects one field of one resource type. Fields
// without a policy are returned as-is; the table is an allow-list of
// sensitive fields, not a deny-list.
type FieldMaskingPolicy struct {
	Resource       string
	Field          string
	Classification Classification
	AllowedRoles   []int64
	Strategy       MaskStrategy
}

// Allows reports whether any of the caller's roles may see the raw value.
func (p FieldMaskingPolicy) Allows(roleIDs []int64) bool {
	for _, id := range roleIDs {
		for _, allowed := range p.AllowedRoles {
			if id == allowed {
				return true
			}
		}
	}
	return false
}

// ScopeAttributes carry the data-scoping facts identity management
// maintains for a principal.
type ScopeAttributes struct {
	Level          Scope
	FacilityIDs    []int64
	TeamDriverIDs  []int64
	TeamVehicleIDs []int64
	ApprovalLimit  float64
}

// Principal is the authenticated actor. Owned by identity management;
// read-only inside the engine.
type Principal struct {
	ID       int64
	TenantID int64
	Scope    ScopeAttributes
}
