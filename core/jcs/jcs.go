// Package jcs produces RFC 8785 canonical JSON for persisted records so their
// bytes, and therefore their digests, do not depend on field order or spacing.
package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

func CanonicalizeJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Marshal encodes value with encoding/json and canonicalizes the result.
func Marshal(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func DigestJCS(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestValue is the sha256 hex digest of the canonical encoding of value.
func DigestValue(value any) (string, error) {
	canonical, err := Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
