package events

import "time"

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorStaff  ActorType = "staff"
	ActorAgent  ActorType = "agent"
)

// Target is the data plane an event concerns.
type Target string

const (
	TargetLocal Target = "local"
	TargetCloud Target = "cloud"
)

// ApprovalState records where a decision stood when it was logged.
type ApprovalState string

const (
	ApprovalExempt   ApprovalState = "exempt"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Record is one immutable entry in the audit ledger.
type Record struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	ActorType     ActorType      `json:"actorType"`
	ActorID       string         `json:"actorId"`
	Action        string         `json:"action"` // dotted namespace, e.g. "studio_proposal.executed"
	Rationale     string         `json:"rationale"`
	Target        Target         `json:"target"`
	ApprovalState ApprovalState  `json:"approvalState"`
	InputHash     string         `json:"inputHash"`
	OutputHash    string         `json:"outputHash"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	PrevHash      string         `json:"prevHash"`
	Hash          string         `json:"hash"`
}

// Entry is what callers hand to Ledger.Append. Input and Output are hashed
// (never stored) unless InputHash/OutputHash are already set.
type Entry struct {
	ActorType     ActorType
	ActorID       string
	Action        string
	Rationale     string
	Target        Target
	ApprovalState ApprovalState
	Input         any
	Output        any
	InputHash     string
	OutputHash    string
	Metadata      map[string]any
}
