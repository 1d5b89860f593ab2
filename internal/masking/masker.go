// Package masking redacts individual response fields according to the
// field classification table and the caller's roles. It runs after
// scope filtering, immediately before a payload leaves the engine.
//
// Only registered fields are ever touched: the policy table is an
// allow-list of sensitive fields, so an unregistered field passes
// through untouched and a newly added sensitive field must be
// registered before it is protected.
package masking

import (
	"context"
	"strings"
	"sync"

	"github.com/fleetgate/fleetgate/internal/policy"
)

const (
	// Placeholder replaces fully masked values.
	Placeholder = "[REDACTED]"
	maskRune    = '*'
	partialKeep = 4
)

// PolicySource loads the masking policies for a resource type.
// policy.Store satisfies it.
type PolicySource interface {
	MaskingPolicies(ctx context.Context, resource string) ([]policy.FieldMaskingPolicy, error)
}

// Masker applies field masking policies to outbound payloads. Policies
// are loaded per resource on first use and kept until Invalidate, which
// the administrative surface calls after a policy change.
type Masker struct {
	source PolicySource

	mu     sync.RWMutex
	loaded map[string][]policy.FieldMaskingPolicy
}

// New constructs a Masker over the given policy source.
func New(source PolicySource) *Masker {
	return &Masker{source: source, loaded: make(map[string][]policy.FieldMaskingPolicy)}
}

// Mask returns a masked copy of payload. The input map is not mutated.
// A policy load failure is an infrastructure error; callers must not
// ship the unmasked payload in that case.
func (m *Masker) Mask(ctx context.Context, resource string, payload map[string]any, roleIDs []int64) (map[string]any, error) {
	policies, err := m.policiesFor(ctx, resource)
	if err != nil {
		return nil, policy.Infra(err)
	}
	return Apply(policies, payload, roleIDs), nil
}

// Invalidate drops the cached policies for a resource type.
func (m *Masker) Invalidate(resource string) {
	m.mu.Lock()
	delete(m.loaded, resource)
	m.mu.Unlock()
}

func (m *Masker) policiesFor(ctx context.Context, resource string) ([]policy.FieldMaskingPolicy, error) {
	m.mu.RLock()
	policies, ok := m.loaded[resource]
	m.mu.RUnlock()
	if ok {
		return policies, nil
	}

	policies, err := m.source.MaskingPolicies(ctx, resource)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.loaded[resource] = policies
	m.mu.Unlock()
	return policies, nil
}

// Apply is the pure masking step: one pass over the registered policies,
// idempotent, allow-list semantics. Exported for callers that already
// hold the policy set.
func Apply(policies []policy.FieldMaskingPolicy, payload map[string]any, roleIDs []int64) map[string]any {
	masked := make(map[string]any, len(payload))
	for k, v := range payload {
		masked[k] = v
	}
	for _, p := range policies {
		value, present := masked[p.Field]
		if !present || p.Allows(roleIDs) {
			continue
		}
		switch p.Strategy {
		case policy.MaskNone:
			// Registered for classification only.
		case policy.MaskRemove:
			delete(masked, p.Field)
		case policy.MaskFull:
			masked[p.Field] = Placeholder
		case policy.MaskPartial:
			masked[p.Field] = partial(value)
		default:
			// Unknown strategy fails closed: drop the field.
			delete(masked, p.Field)
		}
	}
	return masked
}

// partial obscures all but the last few characters. The output has the
// same length as the input, which makes re-masking a fixed point. A
// non-string value becomes the placeholder, which must itself pass
// through unchanged so a second pass is a no-op.
func partial(value any) any {
	s, ok := value.(string)
	if !ok {
		return Placeholder
	}
	if s == Placeholder {
		return s
	}
	runes := []rune(s)
	if len(runes) <= partialKeep {
		return strings.Repeat(string(maskRune), len(runes))
	}
	return strings.Repeat(string(maskRune), len(runes)-partialKeep) + string(runes[len(runes)-partialKeep:])
}
