// Package sign produces optional ed25519 signatures over archive note digests.
// Signing adds attribution on top of the hash chain; it never replaces it.
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const AlgEd25519 = "ed25519"

// notePurpose prefixes every signed message so a note signature cannot be
// replayed as a signature over some other sha256 value.
const notePurpose = "sterile-note-v1\n"

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

type Signature struct {
	Alg          string `json:"alg"`
	KeyID        string `json:"key_id"`
	Sig          string `json:"sig"`
	SignedDigest string `json:"signed_digest"`
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID is the sha256 hex of the raw public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// SignNoteDigest signs the hex sha256 of an unsigned note body.
func SignNoteDigest(priv ed25519.PrivateKey, digestHex string) (Signature, error) {
	message, err := noteMessage(digestHex)
	if err != nil {
		return Signature{}, err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("invalid private key length: %d", len(priv))
	}
	return Signature{
		Alg:          AlgEd25519,
		KeyID:        KeyID(priv.Public().(ed25519.PublicKey)),
		Sig:          base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message)),
		SignedDigest: digestHex,
	}, nil
}

// VerifyNoteDigest reports whether sig covers sig.SignedDigest under pub.
// Malformed signatures and key id mismatches are errors; a well-formed
// signature that does not verify returns false.
func VerifyNoteDigest(pub ed25519.PublicKey, sig Signature) (bool, error) {
	if sig.Alg != AlgEd25519 {
		return false, fmt.Errorf("unsupported signature alg: %q", sig.Alg)
	}
	if sig.KeyID != "" && sig.KeyID != KeyID(pub) {
		return false, fmt.Errorf("signature key id %s does not match %s", sig.KeyID, KeyID(pub))
	}
	message, err := noteMessage(sig.SignedDigest)
	if err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature length: %d", len(raw))
	}
	return ed25519.Verify(pub, message, raw), nil
}

func noteMessage(digestHex string) ([]byte, error) {
	if digestHex == "" {
		return nil, fmt.Errorf("missing signed digest")
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	return append([]byte(notePurpose), digest...), nil
}

func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(encoded, ed25519.PrivateKeySize, "private")
	return ed25519.PrivateKey(raw), err
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeKey(encoded, ed25519.PublicKeySize, "public")
	return ed25519.PublicKey(raw), err
}

func decodeKey(encoded string, size int, kind string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode %s key: %w", kind, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("invalid %s key length: %d", kind, len(raw))
	}
	return raw, nil
}
