package policy

// PermissionSet is an actor's effective permissions, indexed for the hot
// path of Authorize. A granted decision always traces back to at least
// one concrete entry; nothing is inferred.
type PermissionSet struct {
	byAction map[actionKey][]Scope
}

type actionKey struct {
	resource string
	verb     string
}

// NewPermissionSet indexes perms by (resource, verb).
func NewPermissionSet(perms []Permission) PermissionSet {
	byAction := make(map[actionKey][]Scope, len(perms))
	for _, p := range perms {
		key := actionKey{resource: p.Resource, verb: p.Verb}
		byAction[key] = append(byAction[key], p.Scope)
	}
	return PermissionSet{byAction: byAction}
}

// Has reports whether any permission matches (resource, verb).
func (s PermissionSet) Has(resource, verb string) bool {
	_, ok := s.byAction[actionKey{resource: resource, verb: verb}]
	return ok
}

// BroadestScope returns the widest scope granted for (resource, verb).
func (s PermissionSet) BroadestScope(resource, verb string) (Scope, bool) {
	scopes, ok := s.byAction[actionKey{resource: resource, verb: verb}]
	if !ok || len(scopes) == 0 {
		return "", false
	}
	broadest := scopes[0]
	for _, sc := range scopes[1:] {
		if sc.Covers(broadest) {
			broadest = sc
		}
	}
	return broadest, true
}

// Len returns the number of distinct (resource, verb) actions granted.
func (s PermissionSet) Len() int {
	return len(s.byAction)
}
