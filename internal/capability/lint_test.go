package capability

import "testing"

func completeMeta(mode ApprovalMode) PolicyMetadata {
	return PolicyMetadata{
		Owner:          "studio-ops",
		RollbackPlan:   "cancel and notify",
		EscalationPath: "manager",
		ApprovalMode:   mode,
	}
}

func hasCode(issues []Issue, code IssueCode) bool {
	for _, is := range issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

func TestLint_CleanCapabilities(t *testing.T) {
	defs := []Definition{
		{ID: "reservations.read_status", Risk: RiskLow, ReadOnly: true, RequiresApproval: false},
		{ID: "kiln.schedule_firing", Risk: RiskHigh, ReadOnly: false, RequiresApproval: true},
	}
	meta := map[string]PolicyMetadata{
		"reservations.read_status": completeMeta(ApprovalExempt),
		"kiln.schedule_firing":     completeMeta(ApprovalRequired),
	}
	if issues := Lint(defs, meta); len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestLint_MissingMetadata(t *testing.T) {
	issues := Lint([]Definition{{ID: "x", Risk: RiskLow, ReadOnly: true}}, nil)
	if len(issues) != 1 || issues[0].Code != IssueMissingMetadata {
		t.Errorf("expected single MISSING_METADATA, got %v", issues)
	}
}

func TestLint_EmptyFields(t *testing.T) {
	defs := []Definition{{ID: "x", ReadOnly: true}}
	meta := map[string]PolicyMetadata{"x": {Owner: "  ", ApprovalMode: ApprovalExempt}}
	issues := Lint(defs, meta)

	for _, code := range []IssueCode{IssueRiskMissing, IssueMissingOwner, IssueMissingRollbackPlan, IssueMissingEscalationPath} {
		if !hasCode(issues, code) {
			t.Errorf("expected %s in %v", code, issues)
		}
	}
	if hasCode(issues, IssueApprovalModeMismatch) {
		t.Error("exempt read-only capability should not mismatch")
	}
}

func TestLint_UnknownRiskTier(t *testing.T) {
	issues := Lint([]Definition{{ID: "x", Risk: "spicy", ReadOnly: true}}, map[string]PolicyMetadata{"x": completeMeta(ApprovalExempt)})
	if !hasCode(issues, IssueRiskMissing) {
		t.Errorf("expected RISK_MISSING for unknown tier, got %v", issues)
	}
}

func TestLint_RequiresApprovalButExempt(t *testing.T) {
	defs := []Definition{{ID: "x", Risk: RiskLow, ReadOnly: true, RequiresApproval: true}}
	issues := Lint(defs, map[string]PolicyMetadata{"x": completeMeta(ApprovalExempt)})
	if !hasCode(issues, IssueApprovalModeMismatch) {
		t.Errorf("expected APPROVAL_MODE_MISMATCH, got %v", issues)
	}
}

func TestLint_RequiredButNotRequiresApproval(t *testing.T) {
	defs := []Definition{{ID: "x", Risk: RiskLow, ReadOnly: true, RequiresApproval: false}}
	issues := Lint(defs, map[string]PolicyMetadata{"x": completeMeta(ApprovalRequired)})
	if !hasCode(issues, IssueApprovalModeMismatch) {
		t.Errorf("expected APPROVAL_MODE_MISMATCH, got %v", issues)
	}
}

func TestLint_WriteCapabilityNeverExempt(t *testing.T) {
	for _, mode := range []ApprovalMode{ApprovalExempt, "", "sometimes"} {
		defs := []Definition{{ID: "billing.issue_refund", Risk: RiskCritical, ReadOnly: false, RequiresApproval: false}}
		issues := Lint(defs, map[string]PolicyMetadata{"billing.issue_refund": completeMeta(mode)})
		if !hasCode(issues, IssueWriteCapabilityExempt) {
			t.Errorf("mode %q: expected WRITE_CAPABILITY_EXEMPT, got %v", mode, issues)
		}
	}
}

func TestLint_OrderFollowsInput(t *testing.T) {
	defs := []Definition{{ID: "b"}, {ID: "a"}}
	issues := Lint(defs, nil)
	if len(issues) != 4 {
		t.Fatalf("expected 4 issues, got %d: %v", len(issues), issues)
	}
	if issues[0].CapabilityID != "b" || issues[3].CapabilityID != "a" {
		t.Errorf("unexpected order: %v", issues)
	}
}

func BenchmarkLint(b *testing.B) {
	defs := []Definition{
		{ID: "a", Risk: RiskLow, ReadOnly: true},
		{ID: "b", Risk: RiskHigh, RequiresApproval: true},
	}
	meta := map[string]PolicyMetadata{"a": completeMeta(ApprovalExempt), "b": completeMeta(ApprovalRequired)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Lint(defs, meta)
	}
}
