package policy

// Resource types the engine itself gates. Business resources (vehicles,
// work orders, fuel transactions) register their own strings; these cover
// the engine's administrative surface.
const (
	ResourceRole       = "role"
	ResourceBreakglass = "breakglass"
	ResourceAudit      = "audit"
)

// Verbs shared across resource types.
const (
	VerbView    = "view"
	VerbCreate  = "create"
	VerbEdit    = "edit"
	VerbDelete  = "delete"
	VerbAssign  = "assign"
	VerbApprove = "approve"
	VerbRevoke  = "revoke"
	VerbExport  = "export"
)

// AdminPermissions lists the capabilities reserved for engine
// administrators.
func AdminPermissions() []Permission {
	return []Permission{
		{Resource: ResourceRole, Verb: VerbView, Scope: ScopeGlobal},
		{Resource: ResourceRole, Verb: VerbEdit, Scope: ScopeGlobal},
		{Resource: ResourceRole, Verb: VerbAssign, Scope: ScopeGlobal},
		{Resource: ResourceBreakglass, Verb: VerbApprove, Scope: ScopeGlobal},
		{Resource: ResourceBreakglass, Verb: VerbRevoke, Scope: ScopeGlobal},
		{Resource: ResourceAudit, Verb: VerbView, Scope: ScopeGlobal},
		{Resource: ResourceAudit, Verb: VerbExport, Scope: ScopeGlobal},
	}
}
