package pipeline

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func unb64url(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// signatureWire is the on-disk signature.json shape.
type signatureWire struct {
	VerifyingKeyB64URL string    `json:"verifying_key_b64url"`
	SignatureB64URL    string    `json:"signature_b64url"`
	SignedAt           time.Time `json:"signed_at"`
}

// MarshalJSON writes the signature.json wire format: base64url-encoded
// key/signature plus an RFC3339 timestamp.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureWire{
		VerifyingKeyB64URL: b64url(s.VerifyingKey),
		SignatureB64URL:    b64url(s.SignatureB),
		SignedAt:           s.SignedAt,
	})
}

// UnmarshalJSON parses signature.json back into a Signature, decoding the
// base64url key/signature fields.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var wire signatureWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	key, err := unb64url(wire.VerifyingKeyB64URL)
	if err != nil {
		return fmt.Errorf("decode verifying_key_b64url: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid verifying key size: got %d, want %d", len(key), ed25519.PublicKeySize)
	}
	sig, err := unb64url(wire.SignatureB64URL)
	if err != nil {
		return fmt.Errorf("decode signature_b64url: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}
	s.VerifyingKey = ed25519.PublicKey(key)
	s.SignatureB = sig
	s.SignedAt = wire.SignedAt
	s.VerifyingKeyB64URL = wire.VerifyingKeyB64URL
	s.SignatureB64URL = wire.SignatureB64URL
	return nil
}
