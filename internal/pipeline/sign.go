package pipeline

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signature is the post-signing signature envelope. JSON encoding is
// handled by MarshalJSON/UnmarshalJSON in encoding.go, which
// base64url-encode the key and signature bytes.
type Signature struct {
	VerifyingKey ed25519.PublicKey
	SignatureB   []byte
	SignedAt     time.Time

	VerifyingKeyB64URL string
	SignatureB64URL    string
}

// Fingerprint returns hex(SHA-256(verifying_key)), the identity operators
// pin a pack to.
func (s Signature) Fingerprint() string {
	sum := sha256.Sum256(s.VerifyingKey)
	return hex.EncodeToString(sum[:])
}

// SignEngine signs manifest digests with an Ed25519 key: generate-or-wrap
// a key, Sign, and expose PublicKeyBytes.
type SignEngine struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSignEngine wraps an existing Ed25519 private key.
func NewSignEngine(priv ed25519.PrivateKey) (*SignEngine, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("could not derive ed25519 public key")
	}
	return &SignEngine{privateKey: priv, publicKey: pub}, nil
}

// SignManifest computes the manifest digest and signs it, producing the
// signature envelope stored alongside the bundle.
func (e *SignEngine) SignManifest(m Manifest) (Signature, [32]byte, error) {
	digest, err := m.Digest()
	if err != nil {
		return Signature{}, [32]byte{}, err
	}
	sig := ed25519.Sign(e.privateKey, digest[:])

	return Signature{
		VerifyingKey:       e.publicKey,
		SignatureB:         sig,
		SignedAt:           time.Now().UTC(),
		VerifyingKeyB64URL: b64url(e.publicKey),
		SignatureB64URL:    b64url(sig),
	}, digest, nil
}

// PublicKeyBytes returns the engine's Ed25519 public key.
func (e *SignEngine) PublicKeyBytes() ed25519.PublicKey {
	return e.publicKey
}
