package masking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/policy"
)

type mockSource struct {
	policies map[string][]policy.FieldMaskingPolicy
	err      error
	loads    int
}

func (m *mockSource) MaskingPolicies(ctx context.Context, resource string) ([]policy.FieldMaskingPolicy, error) {
	m.loads++
	if m.err != nil {
		return nil, m.err
	}
	return m.policies[resource], nil
}

func driverPolicies() []policy.FieldMaskingPolicy {
	return []policy.FieldMaskingPolicy{
		{Resource: "driver", Field: "license_number", Classification: policy.ClassConfidential, AllowedRoles: []int64{1}, Strategy: policy.MaskPartial},
		{Resource: "driver", Field: "home_address", Classification: policy.ClassRestricted, AllowedRoles: []int64{1}, Strategy: policy.MaskFull},
		{Resource: "driver", Field: "medical_notes", Classification: policy.ClassSensitive, AllowedRoles: []int64{1}, Strategy: policy.MaskRemove},
	}
}

func TestApplyStrategies(t *testing.T) {
	payload := map[string]any{
		"name":           "Dana",
		"license_number": "DL-99812345",
		"home_address":   "12 Depot Way",
		"medical_notes":  "none",
	}
	masked := Apply(driverPolicies(), payload, []int64{7})

	assert.Equal(t, "Dana", masked["name"], "unregistered fields pass through")
	assert.Equal(t, "*******2345", masked["license_number"])
	assert.Equal(t, Placeholder, masked["home_address"])
	_, present := masked["medical_notes"]
	assert.False(t, present, "remove strategy deletes the field, not nulls it")

	// Input payload is untouched.
	assert.Equal(t, "none", payload["medical_notes"])
}

func TestAllowedRoleSeesRawValues(t *testing.T) {
	payload := map[string]any{"license_number": "DL-99812345", "medical_notes": "none"}
	masked := Apply(driverPolicies(), payload, []int64{1, 9})
	assert.Equal(t, "DL-99812345", masked["license_number"])
	assert.Equal(t, "none", masked["medical_notes"])
}

func TestMaskingIsIdempotent(t *testing.T) {
	payloads := []map[string]any{
		{"license_number": "DL-99812345", "home_address": "12 Depot Way", "medical_notes": "x"},
		{"license_number": "ab", "home_address": ""},
		{"license_number": 12345},
		{},
	}
	for _, payload := range payloads {
		once := Apply(driverPolicies(), payload, nil)
		twice := Apply(driverPolicies(), once, nil)
		assert.Equal(t, once, twice)
	}
}

func TestPartialNonStringBecomesStablePlaceholder(t *testing.T) {
	policies := []policy.FieldMaskingPolicy{
		{Resource: "driver", Field: "license_number", Strategy: policy.MaskPartial},
	}
	once := Apply(policies, map[string]any{"license_number": 12345}, nil)
	assert.Equal(t, Placeholder, once["license_number"])

	twice := Apply(policies, once, nil)
	assert.Equal(t, Placeholder, twice["license_number"], "placeholder must survive a second pass intact")
}

func TestPartialShortValuesFullyMasked(t *testing.T) {
	policies := []policy.FieldMaskingPolicy{
		{Resource: "driver", Field: "pin", Strategy: policy.MaskPartial},
	}
	masked := Apply(policies, map[string]any{"pin": "1234"}, nil)
	assert.Equal(t, "****", masked["pin"])
}

func TestUnknownStrategyFailsClosed(t *testing.T) {
	policies := []policy.FieldMaskingPolicy{
		{Resource: "driver", Field: "ssn", Strategy: policy.MaskStrategy("scramble")},
	}
	masked := Apply(policies, map[string]any{"ssn": "123-45-6789"}, nil)
	_, present := masked["ssn"]
	assert.False(t, present)
}

func TestMaskerCachesUntilInvalidate(t *testing.T) {
	source := &mockSource{policies: map[string][]policy.FieldMaskingPolicy{"driver": driverPolicies()}}
	m := New(source)

	_, err := m.Mask(context.Background(), "driver", map[string]any{"home_address": "x"}, nil)
	require.NoError(t, err)
	_, err = m.Mask(context.Background(), "driver", map[string]any{"home_address": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, source.loads)

	m.Invalidate("driver")
	_, err = m.Mask(context.Background(), "driver", map[string]any{"home_address": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)
}

func TestMaskerLoadFailureIsInfra(t *testing.T) {
	m := New(&mockSource{err: errors.New("down")})
	_, err := m.Mask(context.Background(), "driver", map[string]any{}, nil)
	assert.ErrorIs(t, err, policy.ErrInfra)
}
