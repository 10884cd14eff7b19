// Package proposal implements the governed lifecycle through which staff
// exercise capabilities: propose, approve or reject, execute, roll back.
package proposal

import (
	"context"
	"errors"
	"time"

	"github.com/monsoonfire/studio-os/internal/events"
)

// Status is a proposal's position in the lifecycle.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusApproved   Status = "approved"
	StatusExecuted   Status = "executed"
	StatusRolledBack Status = "rolled_back"
	StatusRejected   Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted},
	StatusExecuted: {StatusRolledBack},
}

// CanTransition reports whether from → to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApprovalState maps a status to the approval state recorded on its event.
func (s Status) ApprovalState() events.ApprovalState {
	switch s {
	case StatusDraft:
		return events.ApprovalPending
	case StatusApproved, StatusExecuted, StatusRolledBack:
		return events.ApprovalApproved
	case StatusRejected:
		return events.ApprovalRejected
	default:
		return events.ApprovalPending
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusApproved, StatusExecuted, StatusRolledBack, StatusRejected:
		return true
	}
	return false
}

// Operation names a lifecycle entry point.
type Operation string

const (
	OpPropose  Operation = "propose"
	OpApprove  Operation = "approve"
	OpReject   Operation = "reject"
	OpExecute  Operation = "execute"
	OpRollback Operation = "rollback"
)

// Event actions appended by the lifecycle.
const (
	ActionCreated            = "studio_proposal.created"
	ActionApproved           = "studio_proposal.approved"
	ActionRejected           = "studio_proposal.rejected"
	ActionExecuted           = "studio_proposal.executed"
	ActionRolledBack         = "studio_proposal.rolled_back"
	ActionTransitionRejected = "studio_proposal.transition_rejected"
	ActionExecutionFailed    = "studio_proposal.execution_failed"
	ActionRollbackFailed     = "studio_proposal.rollback_failed"
	ActionKillSwitchEngaged  = "studio_ops.kill_switch_engaged"
	ActionKillSwitchReleased = "studio_ops.kill_switch_released"
)

// Rollback requires a reason and an idempotency key of at least these
// lengths. Execute accepts any non-empty key.
const (
	MinRollbackReasonLen  = 10
	MinIdempotencyKeyLen  = 8
	derivedKeyIDPrefixLen = 8
)

var (
	ErrNotFound               = errors.New("proposal not found")
	ErrBusy                   = errors.New("proposal has an operation in flight")
	ErrDisabled               = errors.New("proposal actions disabled by kill switch")
	ErrRationaleRequired      = errors.New("rationale required")
	ErrRollbackReasonTooShort = errors.New("rollback reason too short")
	ErrIdempotencyKeyTooShort = errors.New("idempotency key too short")
	ErrInvalidTransition      = errors.New("invalid transition")
	// ErrStaleStatus is returned by Store.Transition when the stored status
	// no longer matches the expected one.
	ErrStaleStatus = errors.New("proposal status changed concurrently")
)

// Proposal is a governed request to exercise one capability.
type Proposal struct {
	ID                 string         `json:"id"`
	CapabilityID       string         `json:"capabilityId"`
	Status             Status         `json:"status"`
	OwnerUID           string         `json:"ownerUid"`
	TenantID           string         `json:"tenantId"`
	Input              map[string]any `json:"input,omitempty"`
	Rationale          string         `json:"rationale,omitempty"`
	ApprovalRationale  string         `json:"approvalRationale,omitempty"`
	ApprovedBy         string         `json:"approvedBy,omitempty"`
	RejectionRationale string         `json:"rejectionRationale,omitempty"`
	IdempotencyKey     string         `json:"idempotencyKey,omitempty"`
	ExecutedPayload    map[string]any `json:"executedPayload,omitempty"`
	RollbackReason     string         `json:"rollbackReason,omitempty"`
	RollbackKey        string         `json:"rollbackKey,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Result is what an execute or rollback returns. A replay with the same
// idempotency key returns the stored Result unchanged.
type Result struct {
	ProposalID     string         `json:"proposalId"`
	Operation      Operation      `json:"operation"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Status         Status         `json:"status"`
	ConnectorID    string         `json:"connectorId,omitempty"`
	Output         map[string]any `json:"output"`
	InputHash      string         `json:"inputHash"`
	OutputHash     string         `json:"outputHash"`
	EventID        string         `json:"eventId"`
	EventSeq       int64          `json:"eventSeq"`
	CompletedAt    time.Time      `json:"completedAt"`
}

// Actor is who drives a lifecycle call.
type Actor struct {
	Type events.ActorType
	ID   string
}

// Staff is a convenience for a staff actor.
func Staff(uid string) Actor { return Actor{Type: events.ActorStaff, ID: uid} }

// ListFilter narrows Store.List. Zero values match everything.
type ListFilter struct {
	Status   Status
	TenantID string
	Limit    int
}

// Store persists proposals and idempotent results.
type Store interface {
	Create(ctx context.Context, p Proposal) error
	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (Proposal, error)
	// List returns proposals newest first.
	List(ctx context.Context, f ListFilter) ([]Proposal, error)
	// Transition replaces p when its stored status equals from, saving res
	// in the same step when non-nil. It returns ErrStaleStatus otherwise.
	Transition(ctx context.Context, p Proposal, from Status, res *Result) error
	// Result returns the stored result for (proposalID, op, key), or nil.
	Result(ctx context.Context, proposalID string, op Operation, key string) (*Result, error)
}
