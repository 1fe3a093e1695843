// Package envelope implements the signed-command envelope protocol (spec
// §6): a short-lived Ed25519 signature over a canonical message, used by a
// higher layer (the wizard apply flow, out of scope here) to prove a
// proposed action was approved recently by a holder of the signing key.
// The envelope format and freshness check are grounded on the same
// Ed25519-over-a-digest idiom as internal/pipeline's SignEngine/VerifyEngine.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

// Subject identifies the protocol this canonical message belongs to,
// matching the literal first line of the signed text.
const Subject = "stellar.mcp.wizard"

// Freshness window: a signed_at outside [now-MaxAge, now+MaxSkew] is stale.
const (
	MaxAge  = 10 * time.Minute
	MaxSkew = 60 * time.Second
)

// MinNonceLen is the minimum acceptable nonce length in bytes.
const MinNonceLen = 8

// Envelope is the signed-command wire format: {verifying_key_b64url,
// signature_b64url, signed_at, nonce}.
type Envelope struct {
	VerifyingKeyB64URL string    `json:"verifying_key_b64url"`
	SignatureB64URL    string    `json:"signature_b64url"`
	SignedAt           time.Time `json:"signed_at"`
	Nonce              string    `json:"nonce"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64url(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// CanonicalMessage builds the exact bytes signed:
// "stellar.mcp.wizard\nname=…\nsummary={canonical JSON}\nnonce=…\nsigned_at=…"
func CanonicalMessage(name string, summary any, nonce string, signedAt time.Time) ([]byte, error) {
	canonicalSummary, err := canonicalJSON(summary)
	if err != nil {
		return nil, fmt.Errorf("canonicalize summary: %w", err)
	}
	msg := fmt.Sprintf("%s\nname=%s\nsummary=%s\nnonce=%s\nsigned_at=%s",
		Subject, name, canonicalSummary, nonce, signedAt.UTC().Format(time.RFC3339))
	return []byte(msg), nil
}

// canonicalJSON re-marshals through a generic map/slice so object keys come
// out sorted, matching encoding/json's own deterministic map-key ordering.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// NewNonce returns a random URL-safe nonce of at least MinNonceLen bytes.
func NewNonce() (string, error) {
	buf := make([]byte, MinNonceLen+8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return b64url(buf), nil
}

// Sign produces a signed envelope over (name, summary, nonce) at signedAt.
func Sign(priv ed25519.PrivateKey, name string, summary any, nonce string, signedAt time.Time) (Envelope, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Envelope{}, fmt.Errorf("invalid ed25519 private key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	if len(nonce) < MinNonceLen {
		return Envelope{}, fmt.Errorf("nonce must be at least %d characters, got %d", MinNonceLen, len(nonce))
	}
	msg, err := CanonicalMessage(name, summary, nonce, signedAt)
	if err != nil {
		return Envelope{}, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Envelope{}, fmt.Errorf("could not derive ed25519 public key")
	}
	sig := ed25519.Sign(priv, msg)
	return Envelope{
		VerifyingKeyB64URL: b64url(pub),
		SignatureB64URL:    b64url(sig),
		SignedAt:           signedAt.UTC(),
		Nonce:              nonce,
	}, nil
}

// Verify checks the envelope's signature over (name, summary) and its
// freshness relative to now. Staleness and signature failures are returned
// as *sentryerr.StaleSignatureError / *sentryerr.VerifyError so callers can
// branch with errors.As the same way they do for pipeline verification.
func Verify(env Envelope, name string, summary any, now time.Time) error {
	if len(env.Nonce) < MinNonceLen {
		return &sentryerr.StaleSignatureError{Reason: fmt.Sprintf("nonce too short: got %d characters, want >= %d", len(env.Nonce), MinNonceLen)}
	}

	earliest := now.Add(-MaxAge)
	latest := now.Add(MaxSkew)
	if env.SignedAt.Before(earliest) || env.SignedAt.After(latest) {
		return &sentryerr.StaleSignatureError{Reason: fmt.Sprintf("signed_at %s outside freshness window [%s, %s]",
			env.SignedAt.UTC().Format(time.RFC3339), earliest.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339))}
	}

	key, err := unb64url(env.VerifyingKeyB64URL)
	if err != nil {
		return sentryerr.NewVerifyError(fmt.Sprintf("decode verifying_key_b64url: %v", err))
	}
	if len(key) != ed25519.PublicKeySize {
		return sentryerr.NewVerifyError(fmt.Sprintf("invalid verifying key size: got %d, want %d", len(key), ed25519.PublicKeySize))
	}
	sig, err := unb64url(env.SignatureB64URL)
	if err != nil {
		return sentryerr.NewVerifyError(fmt.Sprintf("decode signature_b64url: %v", err))
	}
	if len(sig) != ed25519.SignatureSize {
		return sentryerr.NewVerifyError(fmt.Sprintf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize))
	}

	msg, err := CanonicalMessage(name, summary, env.Nonce, env.SignedAt)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(key), msg, sig) {
		return sentryerr.NewVerifyError("signature mismatch")
	}
	return nil
}
