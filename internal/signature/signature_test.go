package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
)

func testManifest() map[string]any {
	return map[string]any{
		"id":      "skill.kiln_reminders",
		"version": "1.2.0",
		"capabilities": []any{
			map[string]any{"id": "reservations.send_reminder", "risk": "medium"},
		},
	}
}

func codeOf(t *testing.T, err error) Code {
	t.Helper()
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %v", err)
	}
	return se.Code
}

func TestVerify_HMACRoundTrip(t *testing.T) {
	secret := []byte("studio-signing-secret")
	signed, err := SignHMAC(testManifest(), "studio-k1", secret)
	if err != nil {
		t.Fatal(err)
	}
	anchors := NewAnchors(Anchor{KeyID: "studio-k1", Algorithm: AlgHMACSHA256, Secret: secret})
	if err := Verify(signed, anchors); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerify_HMACWrongKey(t *testing.T) {
	signed, _ := SignHMAC(testManifest(), "studio-k1", []byte("right"))
	anchors := NewAnchors(Anchor{KeyID: "studio-k1", Algorithm: AlgHMACSHA256, Secret: []byte("wrong")})
	if got := codeOf(t, Verify(signed, anchors)); got != CodeMismatch {
		t.Errorf("expected %s, got %s", CodeMismatch, got)
	}
}

func TestVerify_MutatedFieldFails(t *testing.T) {
	secret := []byte("studio-signing-secret")
	signed, _ := SignHMAC(testManifest(), "studio-k1", secret)
	signed["version"] = "1.2.1"
	anchors := NewAnchors(Anchor{KeyID: "studio-k1", Algorithm: AlgHMACSHA256, Secret: secret})
	if got := codeOf(t, Verify(signed, anchors)); got != CodeMismatch {
		t.Errorf("expected %s, got %s", CodeMismatch, got)
	}
}

func TestVerify_NestedMutationFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signed, _ := SignEd25519(testManifest(), "release", priv)
	caps := signed["capabilities"].([]any)
	caps[0].(map[string]any)["risk"] = "low"

	anchors := NewAnchors(Anchor{KeyID: "release", Algorithm: AlgEd25519, PublicKey: pub})
	if got := codeOf(t, Verify(signed, anchors)); got != CodeMismatch {
		t.Errorf("expected %s, got %s", CodeMismatch, got)
	}
}

func TestVerify_Ed25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := SignEd25519(testManifest(), "release", priv)
	if err != nil {
		t.Fatal(err)
	}
	anchors := NewAnchors(Anchor{KeyID: "release", Algorithm: AlgEd25519, PublicKey: pub})
	if err := Verify(signed, anchors); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	other := NewAnchors(Anchor{KeyID: "release", Algorithm: AlgEd25519, PublicKey: otherPub})
	if got := codeOf(t, Verify(signed, other)); got != CodeMismatch {
		t.Errorf("expected %s with other key, got %s", CodeMismatch, got)
	}
}

func TestVerify_KeyOrderIrrelevant(t *testing.T) {
	secret := []byte("s")
	signed, _ := SignHMAC(map[string]any{"a": 1, "b": map[string]any{"y": 2, "x": 1}}, "k", secret)
	reordered := map[string]any{
		"b":            signed["b"],
		"a":            signed["a"],
		FieldAlgorithm: signed[FieldAlgorithm],
		FieldKeyID:     signed[FieldKeyID],
		FieldSignature: signed[FieldSignature],
	}
	if err := Verify(reordered, NewAnchors(Anchor{KeyID: "k", Algorithm: AlgHMACSHA256, Secret: secret})); err != nil {
		t.Errorf("rebuilt manifest should verify: %v", err)
	}
}

func TestVerify_FailureCodes(t *testing.T) {
	secret := []byte("s")
	anchors := NewAnchors(Anchor{KeyID: "k", Algorithm: AlgHMACSHA256, Secret: secret})
	signed, _ := SignHMAC(testManifest(), "k", secret)

	cases := []struct {
		name   string
		mutate func(m map[string]any)
		want   Code
	}{
		{"missing signature", func(m map[string]any) { delete(m, FieldSignature) }, CodeMissingMetadata},
		{"missing key id", func(m map[string]any) { delete(m, FieldKeyID) }, CodeMissingMetadata},
		{"missing algorithm", func(m map[string]any) { m[FieldAlgorithm] = "" }, CodeMissingMetadata},
		{"unsupported algorithm", func(m map[string]any) { m[FieldAlgorithm] = "rsa-pss" }, CodeUnsupportedAlgorithm},
		{"unknown anchor", func(m map[string]any) { m[FieldKeyID] = "other" }, CodeUnknownAnchor},
		{"bad encoding", func(m map[string]any) { m[FieldSignature] = "%%%not-base64" }, CodeInvalidEncoding},
		{"algorithm differs from anchor", func(m map[string]any) { m[FieldAlgorithm] = AlgEd25519 }, CodeMismatch},
		{"truncated signature", func(m map[string]any) {
			m[FieldSignature] = base64.StdEncoding.EncodeToString([]byte("short"))
		}, CodeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := make(map[string]any, len(signed))
			for k, v := range signed {
				m[k] = v
			}
			tc.mutate(m)
			if got := codeOf(t, Verify(m, anchors)); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDecodeAnchor(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	a, err := DecodeAnchor("release", AlgEd25519, base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatal(err)
	}
	if !a.PublicKey.Equal(pub) {
		t.Error("decoded public key differs")
	}

	if _, err := DecodeAnchor("bad", AlgEd25519, base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected size error")
	}
	if _, err := DecodeAnchor("bad", "rsa", "AAAA"); err == nil {
		t.Error("expected unsupported algorithm error")
	}
}

func BenchmarkVerifyHMAC(b *testing.B) {
	secret := []byte("studio-signing-secret")
	signed, _ := SignHMAC(testManifest(), "k", secret)
	anchors := NewAnchors(Anchor{KeyID: "k", Algorithm: AlgHMACSHA256, Secret: secret})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Verify(signed, anchors)
	}
}
