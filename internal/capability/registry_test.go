package capability

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/monsoonfire/studio-os/internal/signature"
	"go.uber.org/zap"
)

func buildDefault(t *testing.T) *Registry {
	t.Helper()
	b := NewBuilder(nil, zap.NewNop())
	if err := b.AddCatalog(DefaultCatalog); err != nil {
		t.Fatal(err)
	}
	r, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDefaultCatalog_LintsClean(t *testing.T) {
	r := buildDefault(t)
	if issues := r.Issues(); len(issues) != 0 {
		t.Fatalf("built-in catalog has lint issues: %v", issues)
	}
	if len(r.List()) != 6 {
		t.Errorf("expected 6 built-in capabilities, got %d", len(r.List()))
	}
	def, ok := r.Get("kiln.schedule_firing")
	if !ok {
		t.Fatal("kiln.schedule_firing missing")
	}
	if def.ReadOnly || !def.RequiresApproval || def.Connector != "kiln-bridge" {
		t.Errorf("unexpected definition: %+v", def)
	}
	if def.RollbackOperationName() != "kiln.schedule_firing.rollback" {
		t.Errorf("unexpected rollback op %q", def.RollbackOperationName())
	}
	read, _ := r.Get("reservations.read_status")
	if read.OperationName() != "reservations.status" {
		t.Errorf("unexpected operation %q", read.OperationName())
	}
}

func TestAuthorize(t *testing.T) {
	b := NewBuilder(nil, zap.NewNop())
	ok := completeMeta(ApprovalRequired)
	if err := b.Add(Definition{ID: "good", Risk: RiskHigh, RequiresApproval: true}, &ok); err != nil {
		t.Fatal(err)
	}
	bad := completeMeta(ApprovalExempt)
	if err := b.Add(Definition{ID: "bad", Risk: RiskHigh, RequiresApproval: false}, &bad); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(Definition{ID: "orphan", Risk: RiskLow, ReadOnly: true}, nil); err != nil {
		t.Fatal(err)
	}
	r, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Authorize("good"); err != nil {
		t.Errorf("good should be authorized: %v", err)
	}

	var blocked *BlockedError
	if err := r.Authorize("bad"); !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if !hasCode(blocked.Issues, IssueWriteCapabilityExempt) {
		t.Errorf("expected WRITE_CAPABILITY_EXEMPT, got %v", blocked.Issues)
	}
	if err := r.Authorize("orphan"); !errors.As(err, &blocked) || blocked.Issues[0].Code != IssueMissingMetadata {
		t.Errorf("expected MISSING_METADATA block, got %v", err)
	}
	if err := r.Authorize("nope"); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}
	if got := r.Blocked(); len(got) != 2 || got[0] != "bad" || got[1] != "orphan" {
		t.Errorf("unexpected blocked list: %v", got)
	}
}

func TestBuilder_RejectsDuplicateIDs(t *testing.T) {
	b := NewBuilder(nil, zap.NewNop())
	if err := b.AddCatalog(DefaultCatalog); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(Definition{ID: "billing.issue_refund"}, nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestValidateInput(t *testing.T) {
	r := buildDefault(t)

	valid := map[string]any{"kilnId": "k2", "firingType": "glaze", "startAt": "2026-10-17T06:00:00Z", "cone": 6}
	if err := r.ValidateInput("kiln.schedule_firing", valid); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	cases := map[string]map[string]any{
		"missing field":   {"kilnId": "k2", "firingType": "glaze"},
		"bad enum":        {"kilnId": "k2", "firingType": "pit", "startAt": "2026-10-17T06:00:00Z"},
		"cone too high":   {"kilnId": "k2", "firingType": "glaze", "startAt": "2026-10-17T06:00:00Z", "cone": 14},
		"unexpected prop": {"kilnId": "k2", "firingType": "glaze", "startAt": "2026-10-17T06:00:00Z", "extra": true},
	}
	for name, in := range cases {
		if err := r.ValidateInput("kiln.schedule_firing", in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
	if err := r.ValidateInput("nope", nil); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("expected ErrUnknownCapability, got %v", err)
	}
}

func skillManifest() map[string]any {
	return map[string]any{
		"id":      "skill.glaze_lab",
		"version": "0.3.0",
		"capabilities": []any{
			map[string]any{
				"id":               "glaze.reserve_test_tiles",
				"risk":             "low",
				"readOnly":         false,
				"requiresApproval": true,
				"connector":        "kiln-bridge",
				"policy": map[string]any{
					"owner":          "glaze-lab",
					"rollbackPlan":   "release the reserved shelf slots",
					"escalationPath": "kiln tech",
					"approvalMode":   "required",
				},
			},
		},
	}
}

func TestAddManifest_Trusted(t *testing.T) {
	secret := []byte("anchor-secret")
	anchors := signature.NewAnchors(signature.Anchor{KeyID: "studio", Algorithm: signature.AlgHMACSHA256, Secret: secret})
	signed, err := signature.SignHMAC(skillManifest(), "studio", secret)
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(anchors, zap.NewNop())
	if err := b.AddManifest(signed); err != nil {
		t.Fatalf("signed manifest refused: %v", err)
	}
	r, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	def, ok := r.Get("glaze.reserve_test_tiles")
	if !ok {
		t.Fatal("manifest capability missing")
	}
	if def.Source != "skill.glaze_lab" {
		t.Errorf("unexpected source %q", def.Source)
	}
	if err := r.Authorize(def.ID); err != nil {
		t.Errorf("manifest capability should pass lint: %v", err)
	}
}

func TestAddManifest_RefusesUnsignedAndTampered(t *testing.T) {
	secret := []byte("anchor-secret")
	anchors := signature.NewAnchors(signature.Anchor{KeyID: "studio", Algorithm: signature.AlgHMACSHA256, Secret: secret})
	b := NewBuilder(anchors, zap.NewNop())

	var se *signature.Error
	if err := b.AddManifest(skillManifest()); !errors.As(err, &se) || se.Code != signature.CodeMissingMetadata {
		t.Errorf("expected MISSING_SIGNATURE_METADATA, got %v", err)
	}

	signed, _ := signature.SignHMAC(skillManifest(), "studio", secret)
	signed["version"] = "9.9.9"
	if err := b.AddManifest(signed); !errors.As(err, &se) || se.Code != signature.CodeMismatch {
		t.Errorf("expected SIGNATURE_MISMATCH, got %v", err)
	}

	r, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(r.List()) != 0 {
		t.Errorf("refused manifests must contribute nothing, got %d", len(r.List()))
	}
}

func TestLoadManifestFile_JSONRoundTrip(t *testing.T) {
	secret := []byte("anchor-secret")
	anchors := signature.NewAnchors(signature.Anchor{KeyID: "studio", Algorithm: signature.AlgHMACSHA256, Secret: secret})
	signed, _ := signature.SignHMAC(skillManifest(), "studio", secret)

	raw, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "glaze_lab.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadManifestFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := signature.Verify(loaded, anchors); err != nil {
		t.Errorf("manifest loaded from disk should verify: %v", err)
	}
}
