// Package signature verifies trust-anchored signatures on skill and capability
// manifests. A manifest is trusted only when its signature verifies against a
// configured anchor; there is no partial-trust mode.
package signature

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/monsoonfire/studio-os/internal/canon"
)

// Manifest fields carrying the signature itself. They are excluded from the
// signed payload.
const (
	FieldAlgorithm = "signatureAlgorithm"
	FieldKeyID     = "signatureKeyId"
	FieldSignature = "signature"
)

// Algorithm names accepted in FieldAlgorithm.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgEd25519    = "ed25519"
)

// Code is a stable verification failure code.
type Code string

const (
	CodeMissingMetadata      Code = "MISSING_SIGNATURE_METADATA"
	CodeUnsupportedAlgorithm Code = "UNSUPPORTED_SIGNATURE_ALGORITHM"
	CodeUnknownAnchor        Code = "UNKNOWN_TRUST_ANCHOR"
	CodeInvalidEncoding      Code = "INVALID_SIGNATURE_ENCODING"
	CodeMismatch             Code = "SIGNATURE_MISMATCH"
)

// Error is returned for every verification failure.
type Error struct {
	Code   Code
	KeyID  string
	Detail string
}

func (e *Error) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("%s (key %s): %s", e.Code, e.KeyID, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Anchor is a named verification key.
type Anchor struct {
	KeyID     string
	Algorithm string
	Secret    []byte            // hmac-sha256
	PublicKey ed25519.PublicKey // ed25519
}

// Anchors indexes trust anchors by key id.
type Anchors map[string]Anchor

// NewAnchors indexes the given anchors by KeyID.
func NewAnchors(list ...Anchor) Anchors {
	out := make(Anchors, len(list))
	for _, a := range list {
		out[a.KeyID] = a
	}
	return out
}

// DecodeAnchor builds an anchor from base64 key material, as found in
// configuration files.
func DecodeAnchor(keyID, algorithm, material string) (Anchor, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(material))
	if err != nil {
		return Anchor{}, fmt.Errorf("DecodeAnchor %s: %w", keyID, err)
	}
	switch algorithm {
	case AlgHMACSHA256:
		if len(raw) == 0 {
			return Anchor{}, fmt.Errorf("DecodeAnchor %s: empty secret", keyID)
		}
		return Anchor{KeyID: keyID, Algorithm: algorithm, Secret: raw}, nil
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return Anchor{}, fmt.Errorf("DecodeAnchor %s: invalid ed25519 public key size: %d", keyID, len(raw))
		}
		return Anchor{KeyID: keyID, Algorithm: algorithm, PublicKey: ed25519.PublicKey(raw)}, nil
	default:
		return Anchor{}, fmt.Errorf("DecodeAnchor %s: unsupported algorithm %q", keyID, algorithm)
	}
}

// Verify checks manifest's signature against anchors. It returns nil only
// when the signature is valid; every failure is an *Error.
func Verify(manifest map[string]any, anchors Anchors) error {
	alg, _ := manifest[FieldAlgorithm].(string)
	keyID, _ := manifest[FieldKeyID].(string)
	sig, _ := manifest[FieldSignature].(string)
	if alg == "" || keyID == "" || sig == "" {
		return &Error{Code: CodeMissingMetadata, KeyID: keyID, Detail: "signatureAlgorithm, signatureKeyId and signature are required"}
	}
	if alg != AlgHMACSHA256 && alg != AlgEd25519 {
		return &Error{Code: CodeUnsupportedAlgorithm, KeyID: keyID, Detail: alg}
	}

	anchor, ok := anchors[keyID]
	if !ok {
		return &Error{Code: CodeUnknownAnchor, KeyID: keyID, Detail: "no trust anchor with this key id"}
	}
	if anchor.Algorithm != alg {
		return &Error{Code: CodeMismatch, KeyID: keyID, Detail: fmt.Sprintf("anchor is %s, manifest declares %s", anchor.Algorithm, alg)}
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return &Error{Code: CodeInvalidEncoding, KeyID: keyID, Detail: err.Error()}
	}

	payload, err := SigningPayload(manifest)
	if err != nil {
		return &Error{Code: CodeMismatch, KeyID: keyID, Detail: err.Error()}
	}

	switch alg {
	case AlgHMACSHA256:
		expected := hmacSum(anchor.Secret, payload)
		if subtle.ConstantTimeCompare(expected, sigBytes) != 1 {
			return &Error{Code: CodeMismatch, KeyID: keyID, Detail: "hmac does not match"}
		}
	case AlgEd25519:
		if len(sigBytes) != ed25519.SignatureSize || !ed25519.Verify(anchor.PublicKey, payload, sigBytes) {
			return &Error{Code: CodeMismatch, KeyID: keyID, Detail: "ed25519 signature does not verify"}
		}
	}
	return nil
}

// SigningPayload returns the canonical bytes that are signed: every manifest
// field except the three signature fields, keys sorted at every depth.
func SigningPayload(manifest map[string]any) ([]byte, error) {
	body := make(map[string]any, len(manifest))
	for k, v := range manifest {
		switch k {
		case FieldAlgorithm, FieldKeyID, FieldSignature:
			continue
		}
		body[k] = v
	}
	return canon.Marshal(body)
}

// SignHMAC returns a copy of manifest carrying an hmac-sha256 signature.
func SignHMAC(manifest map[string]any, keyID string, secret []byte) (map[string]any, error) {
	payload, err := SigningPayload(manifest)
	if err != nil {
		return nil, fmt.Errorf("SignHMAC: %w", err)
	}
	return withSignature(manifest, AlgHMACSHA256, keyID, hmacSum(secret, payload)), nil
}

// SignEd25519 returns a copy of manifest carrying an ed25519 signature.
func SignEd25519(manifest map[string]any, keyID string, key ed25519.PrivateKey) (map[string]any, error) {
	payload, err := SigningPayload(manifest)
	if err != nil {
		return nil, fmt.Errorf("SignEd25519: %w", err)
	}
	return withSignature(manifest, AlgEd25519, keyID, ed25519.Sign(key, payload)), nil
}

func hmacSum(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func withSignature(manifest map[string]any, alg, keyID string, sig []byte) map[string]any {
	out := make(map[string]any, len(manifest)+3)
	for k, v := range manifest {
		out[k] = v
	}
	out[FieldAlgorithm] = alg
	out[FieldKeyID] = keyID
	out[FieldSignature] = base64.StdEncoding.EncodeToString(sig)
	return out
}
