package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/config"
	"github.com/monsoonfire/studio-os/internal/signature"
	"go.uber.org/zap"
)

const testSecret = "anchor-secret"

func glazeManifest() map[string]any {
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

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeManifest(t *testing.T, dir, name string, m map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return writeFile(t, dir, name, raw)
}

// writeConfig writes a config with one HMAC anchor and a sqlite store in dir.
func writeConfig(t *testing.T, dir string, manifests ...string) string {
	t.Helper()
	quoted := make([]string, len(manifests))
	for i, m := range manifests {
		quoted[i] = fmt.Sprintf("%q", m)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifests = [%s]\n\n", strings.Join(quoted, ", "))
	fmt.Fprintf(&b, "[storage]\ndriver = \"sqlite\"\ndsn = %q\n\n", "file:"+filepath.Join(dir, "studio.db"))
	fmt.Fprintf(&b, "[[trust_anchors]]\nkey_id = \"studio\"\nalgorithm = \"hmac-sha256\"\nmaterial = %q\n",
		base64.StdEncoding.EncodeToString([]byte(testSecret)))
	return writeFile(t, dir, "studio-os.toml", []byte(b.String()))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVerifyManifests_TrustedAndTampered(t *testing.T) {
	dir := t.TempDir()
	anchors := signature.NewAnchors(signature.Anchor{KeyID: "studio", Algorithm: signature.AlgHMACSHA256, Secret: []byte(testSecret)})

	signed, err := signature.SignHMAC(glazeManifest(), "studio", []byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	good := writeManifest(t, dir, "good.json", signed)

	tampered, _ := signature.SignHMAC(glazeManifest(), "studio", []byte(testSecret))
	tampered["version"] = "9.9.9"
	bad := writeManifest(t, dir, "bad.json", tampered)

	unsigned := writeManifest(t, dir, "unsigned.json", glazeManifest())

	results := verifyManifests(anchors, []string{good, bad, unsigned, filepath.Join(dir, "missing.json")})
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if !results[0].Valid || results[0].ManifestID != "skill.glaze_lab" || len(results[0].Capabilities) != 1 {
		t.Errorf("unexpected trusted result %+v", results[0])
	}
	if results[1].Valid || results[1].Code != signature.CodeMismatch {
		t.Errorf("expected SIGNATURE_MISMATCH, got %+v", results[1])
	}
	if results[2].Valid || results[2].Code != signature.CodeMissingMetadata {
		t.Errorf("expected missing metadata, got %+v", results[2])
	}
	if results[3].Valid || results[3].Error == "" {
		t.Errorf("expected read error, got %+v", results[3])
	}
}

func TestReportLint_BlockedExitCode(t *testing.T) {
	b := capability.NewBuilder(nil, zap.NewNop())
	if err := b.AddCatalog(capability.DefaultCatalog); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(capability.Definition{ID: "studio.unreviewed", Risk: capability.RiskHigh, RequiresApproval: true}, nil); err != nil {
		t.Fatal(err)
	}
	reg, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = reportLint(&out, reg, false)
	var ce *codeError
	if !errors.As(err, &ce) || ce.code != exitBlocked {
		t.Fatalf("expected blocked exit code, got %v", err)
	}
	if !strings.Contains(out.String(), "studio.unreviewed") || !strings.Contains(out.String(), "MISSING_METADATA") {
		t.Errorf("report missing the blocked capability:\n%s", out.String())
	}
}

func TestLintPolicyCmd_DefaultCatalogClean(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "lint-policy", "--json", "--config", writeConfig(t, dir))
	if err != nil {
		t.Fatalf("lint-policy: %v\n%s", err, out)
	}
	var report struct {
		Capabilities int      `json:"capabilities"`
		Blocked      []string `json:"blocked"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report.Capabilities == 0 || len(report.Blocked) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestLintPolicyCmd_IncludesTrustedManifest(t *testing.T) {
	dir := t.TempDir()
	signed, err := signature.SignHMAC(glazeManifest(), "studio", []byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	manifest := writeManifest(t, dir, "glaze.json", signed)
	cfg := writeConfig(t, dir, manifest)

	out, err := execute(t, "lint-policy", "--json", "--config", cfg)
	if err != nil {
		t.Fatalf("lint-policy: %v\n%s", err, out)
	}
	loaded, err := config.Load(cfg)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := buildCapabilities(loaded, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("glaze.reserve_test_tiles"); !ok {
		t.Error("trusted manifest capability missing from registry")
	}
}

func TestVerifyManifestCmd_FailsOnTamper(t *testing.T) {
	dir := t.TempDir()
	tampered, _ := signature.SignHMAC(glazeManifest(), "studio", []byte(testSecret))
	tampered["version"] = "9.9.9"
	path := writeManifest(t, dir, "bad.json", tampered)

	_, err := execute(t, "verify-manifest", "--config", writeConfig(t, dir), path)
	var ce *codeError
	if !errors.As(err, &ce) || ce.code != exitBlocked {
		t.Fatalf("expected blocked exit, got %v", err)
	}
}

func TestTokenCmd_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	out, err := execute(t, "token", "create", "uid-maya", "laptop", "--config", cfg)
	if err != nil {
		t.Fatalf("token create: %v\n%s", err, out)
	}
	var id string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "id:"); ok {
			id = strings.TrimSpace(v)
		}
	}
	if id == "" || !strings.Contains(out, "token: sos_") {
		t.Fatalf("unexpected create output %q", out)
	}

	if _, err := execute(t, "token", "revoke", id, "--config", cfg); err != nil {
		t.Fatalf("token revoke: %v", err)
	}
	out, err = execute(t, "token", "list", "uid-maya", "--config", cfg)
	if err != nil {
		t.Fatalf("token list: %v", err)
	}
	found := false
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, id) {
			found = true
			if strings.HasSuffix(strings.TrimSpace(line), "-") {
				t.Errorf("token not shown as revoked: %q", line)
			}
		}
	}
	if !found {
		t.Errorf("token %s missing from list:\n%s", id, out)
	}
}

func TestGenTokenCmd(t *testing.T) {
	out, err := execute(t, "gen-token")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "token: sos_") || !strings.Contains(out, "hash:  $2") {
		t.Errorf("unexpected output %q", out)
	}
}
