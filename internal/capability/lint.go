package capability

import (
	"fmt"
	"strings"
)

// IssueCode identifies a policy lint failure.
type IssueCode string

const (
	IssueMissingMetadata       IssueCode = "MISSING_METADATA"
	IssueMissingOwner          IssueCode = "MISSING_OWNER"
	IssueMissingRollbackPlan   IssueCode = "MISSING_ROLLBACK_PLAN"
	IssueMissingEscalationPath IssueCode = "MISSING_ESCALATION_PATH"
	IssueRiskMissing           IssueCode = "RISK_MISSING"
	IssueApprovalModeMismatch  IssueCode = "APPROVAL_MODE_MISMATCH"
	IssueWriteCapabilityExempt IssueCode = "WRITE_CAPABILITY_EXEMPT"
)

// Issue is one lint finding. Any issue blocks the capability.
type Issue struct {
	CapabilityID string    `json:"capabilityId"`
	Code         IssueCode `json:"code"`
	Message      string    `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.CapabilityID, i.Code, i.Message)
}

// Lint checks every definition against its policy metadata and returns all
// issues, grouped by capability in input order.
func Lint(defs []Definition, metadataByID map[string]PolicyMetadata) []Issue {
	var issues []Issue
	for _, def := range defs {
		issues = append(issues, lintOne(def, metadataByID)...)
	}
	return issues
}

func lintOne(def Definition, metadataByID map[string]PolicyMetadata) []Issue {
	var issues []Issue
	add := func(code IssueCode, format string, args ...any) {
		issues = append(issues, Issue{CapabilityID: def.ID, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if !def.Risk.Valid() {
		if def.Risk == "" {
			add(IssueRiskMissing, "risk tier is not declared")
		} else {
			add(IssueRiskMissing, "unknown risk tier %q", def.Risk)
		}
	}

	meta, ok := metadataByID[def.ID]
	if !ok {
		add(IssueMissingMetadata, "no policy metadata for capability")
		return issues
	}

	if strings.TrimSpace(meta.Owner) == "" {
		add(IssueMissingOwner, "owner is empty")
	}
	if strings.TrimSpace(meta.RollbackPlan) == "" {
		add(IssueMissingRollbackPlan, "rollbackPlan is empty")
	}
	if strings.TrimSpace(meta.EscalationPath) == "" {
		add(IssueMissingEscalationPath, "escalationPath is empty")
	}

	want := ApprovalExempt
	if def.RequiresApproval {
		want = ApprovalRequired
	}
	if meta.ApprovalMode != want {
		add(IssueApprovalModeMismatch, "approvalMode %q but requiresApproval=%t", meta.ApprovalMode, def.RequiresApproval)
	}
	if !def.ReadOnly && meta.ApprovalMode != ApprovalRequired {
		add(IssueWriteCapabilityExempt, "write capability must have approvalMode %q, got %q", ApprovalRequired, meta.ApprovalMode)
	}
	return issues
}
