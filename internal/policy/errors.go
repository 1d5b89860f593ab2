package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrDenied is the expected outcome of a check that evaluated cleanly
	// and found no matching permission.
	ErrDenied = errors.New("policy: denied")
	// ErrSoDViolation rejects a role assignment that would create a
	// separation-of-duties conflict.
	ErrSoDViolation = errors.New("policy: separation of duties violation")
	// ErrInfra signals that the store or audit sink could not be reached.
	// Callers must treat it as deny, never as grant.
	ErrInfra = errors.New("policy: infrastructure unavailable")
	// ErrInvalidElevation rejects a malformed break-glass request.
	ErrInvalidElevation = errors.New("policy: invalid elevation request")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("policy: not found")
	// ErrValidation rejects malformed administrative input.
	ErrValidation = errors.New("policy: validation failed")
)

// SoDViolation describes the concrete conflicting pair so callers can
// explain the rejection. errors.Is(v, ErrSoDViolation) holds.
type SoDViolation struct {
	RoleA  int64
	RoleB  int64
	Reason string
}

func (v *SoDViolation) Error() string {
	return fmt.Sprintf("policy: roles %d and %d may not be co-assigned: %s", v.RoleA, v.RoleB, v.Reason)
}

// Is makes the violation match the ErrSoDViolation sentinel.
func (v *SoDViolation) Is(target error) bool {
	return target == ErrSoDViolation
}

// Infra tags err as an infrastructure failure. The decision paths that
// see it resolve to deny.
func Infra(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInfra, err)
}
