// Package breakglass governs time-boxed emergency elevation: a user
// requests an eligible role for a bounded duration, a distinct
// administrator approves, the grant activates, and it ends by expiry or
// explicit revocation. Every transition is audited in the same
// transaction that commits it.
package breakglass

import (
	"time"

	"github.com/google/uuid"
)

// MaxDuration bounds every elevation. No session may outlive it.
const MaxDuration = 30 * time.Minute

// Status is a break-glass session state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
	StatusDenied   Status = "denied"
)

// transitions is the full state machine. Anything not listed here is
// rejected, so handlers cannot invent a path around it.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDenied},
	StatusApproved: {StatusActive},
	StatusActive:   {StatusExpired, StatusRevoked},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive, StatusExpired, StatusRevoked, StatusDenied:
		return true
	}
	return false
}

// Session is one elevation request and its lifecycle. After a terminal
// status the row is retained unchanged as history.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	UserID         int64         `json:"user_id"`
	ElevatedRoleID int64         `json:"elevated_role_id"`
	Reason         string        `json:"reason"`
	TicketRef      string        `json:"ticket_ref"`
	Duration       time.Duration `json:"duration"`
	RequestedAt    time.Time     `json:"requested_at"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	StartTime      *time.Time    `json:"start_time,omitempty"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Status         Status        `json:"status"`
	ApproverID     *int64        `json:"approver_id,omitempty"`
}
