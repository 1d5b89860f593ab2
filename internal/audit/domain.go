package audit

import (
	"time"

	"github.com/google/uuid"
)

// CheckRecord is one append-only audit entry: a permission decision or a
// break-glass/SoD state transition. Records are never updated or
// deleted.
type CheckRecord struct {
	ID             uuid.UUID  `json:"id"`
	ActorID        int64      `json:"actor_id"`
	Resource       string     `json:"resource"`
	Verb           string     `json:"verb"`
	ScopeRequested string     `json:"scope_requested,omitempty"`
	Granted        bool       `json:"granted"`
	Reason         string     `json:"reason"`
	SessionID      *uuid.UUID `json:"session_id,omitempty"`
	At             time.Time  `json:"at"`
}

// Filters narrow compliance queries. Zero values mean "any".
type Filters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Resource string
	Granted  *bool
	Page     int
	PageSize int
}

// PagingInfo carries window metadata for timeline responses.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles a timeline window with its paging info.
type Result struct {
	Rows   []CheckRecord
	Paging PagingInfo
}
