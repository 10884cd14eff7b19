package api

import (
	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/chread"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/monsoonfire/studio-os/internal/proposal"
	"github.com/monsoonfire/studio-os/internal/state"
)

// --- Proposals ---

// ProposeReq is the JSON body for POST /v1/proposals.
type ProposeReq struct {
	CapabilityID string         `json:"capabilityId" validate:"required,max=128"`
	TenantID     string         `json:"tenantId" validate:"required,max=128"`
	OwnerUID     string         `json:"ownerUid" validate:"max=128"`
	Input        map[string]any `json:"input"`
	Rationale    string         `json:"rationale" validate:"max=2000"`
}

// RationaleReq is the body for approve and reject. Emptiness is checked
// by the lifecycle so the refusal is audited.
type RationaleReq struct {
	Rationale string `json:"rationale" validate:"max=2000"`
}

// ExecuteReq is the body for POST /v1/proposals/{id}/execute. A missing
// key is derived from the proposal id and the current second.
type ExecuteReq struct {
	IdempotencyKey string         `json:"idempotencyKey" validate:"max=128"`
	Payload        map[string]any `json:"payload"`
}

// RollbackReq is the body for POST /v1/proposals/{id}/rollback.
type RollbackReq struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"max=128"`
	Reason         string `json:"reason" validate:"max=2000"`
}

type ProposalListResp struct {
	Proposals []proposal.Proposal `json:"proposals"`
}

// --- Kill switch ---

type KillSwitchReq struct {
	Reason string `json:"reason" validate:"max=500"`
}

// --- Events ---

type EventListResp struct {
	Events []events.Record `json:"events"`
}

type VerifyResp struct {
	OK       bool   `json:"ok"`
	Verified int    `json:"verified"`
	Error    string `json:"error,omitempty"`
}

type AnalyticsEventListResp struct {
	Events   []chread.EventRow `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

// --- State ---

type PassResp struct {
	Snapshot  state.Snapshot   `json:"snapshot"`
	Drift     []state.DriftRow `json:"drift"`
	Drafts    int              `json:"drafts"`
	Persisted bool             `json:"persisted"`
	ElapsedMs int64            `json:"elapsedMs"`
}

// --- Capabilities ---

type CapabilityResp struct {
	capability.Definition
	Policy  *capability.PolicyMetadata `json:"policy,omitempty"`
	Blocked bool                       `json:"blocked"`
}

type LintResp struct {
	Issues  []capability.Issue `json:"issues"`
	Blocked []string           `json:"blocked"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}
