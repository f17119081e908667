// Package canonical provides the deterministic JSON serializations used for
// content addressing: an indented canonical form for artifact bodies and an
// RFC 8785 (JCS) form for hashing arbitrary values such as activity inputs
// and reconciliation reports.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal renders v as canonical artifact JSON: UTF-8, two-space indent, no
// HTML escaping, keys in producer order. Identical values yield identical
// bytes, so the artifact content hash is stable across writes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	return buf.Bytes(), nil
}

// JCS returns the RFC 8785 canonical form of v: map keys sorted by UTF-8
// bytes, no insignificant whitespace, no HTML escaping. Struct tags are
// honored by a standard pre-marshal before the transform.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the JCS form of v. Used for
// idempotency keys and for detecting replay divergence on activity inputs.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
