package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalNote is the exact field set covered by a bank-note signature. The
// JSON encoding of this struct, in this field order, is the signing input;
// amounts are the two-decimal string form and timestamps are RFC 3339.
type CanonicalNote struct {
	NoteID    string `json:"note_id"`
	Serial    string `json:"serial"`
	Amount    string `json:"amount"`
	Issuer    string `json:"issuer"`
	IssuerID  string `json:"issuer_id"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

// NoteSigner produces the signature carried on a bank note.
type NoteSigner interface {
	Sign(note CanonicalNote) (string, error)
}

// NoteVerifier checks a bank-note signature.
type NoteVerifier interface {
	Verify(note CanonicalNote, signature string) (bool, error)
}

// HMACNoteSigner signs and verifies notes with a single network-wide preshared
// key. Every trusted node holds the same key, which means any of them could
// forge another issuer's notes; this is a known property of the deployed
// network, kept behind the NoteSigner/NoteVerifier interfaces so a per-issuer
// scheme can replace it without touching the note registry.
type HMACNoteSigner struct {
	keys  KeyResolver
	keyID string
}

func NewHMACNoteSigner(keys KeyResolver, keyID string) *HMACNoteSigner {
	return &HMACNoteSigner{keys: keys, keyID: keyID}
}

// Sign computes the hex HMAC-SHA256 over the canonical note encoding.
func (s *HMACNoteSigner) Sign(note CanonicalNote) (string, error) {
	key, err := s.keys.Key(s.keyID)
	if err != nil {
		return "", fmt.Errorf("resolve signing key: %w", err)
	}
	encoded, err := json.Marshal(note)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(encoded)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time.
func (s *HMACNoteSigner) Verify(note CanonicalNote, signature string) (bool, error) {
	expected, err := s.Sign(note)
	if err != nil {
		return false, err
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	expectedBytes, _ := hex.DecodeString(expected)
	return hmac.Equal(provided, expectedBytes), nil
}
