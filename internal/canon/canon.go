// Package canon produces deterministic JSON encodings and content hashes.
//
// Two values that marshal to the same JSON document (after key sorting at every
// depth) always produce the same hash, regardless of struct field order or map
// iteration order.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPrefix tags every content hash with its algorithm.
const HashPrefix = "sha256:"

// Marshal returns the canonical JSON encoding of v: object keys sorted
// recursively, no insignificant whitespace, numbers preserved verbatim.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon.Marshal: %w", err)
	}
	return Normalize(raw)
}

// Normalize re-encodes an arbitrary JSON document canonically.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon.Normalize: %w", err)
	}
	// encoding/json sorts map keys, and every object decodes as map[string]any.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canon.Normalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the prefixed SHA-256 of v's canonical encoding.
// A nil value hashes as JSON null.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// MustHash is Hash for values known to be JSON-encodable (maps of primitives,
// plain structs). It panics on encoding failure.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes hashes raw bytes without canonicalization.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}
