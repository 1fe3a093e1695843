package envelope

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

type wizardSummary struct {
	Runbook string `json:"runbook"`
	Steps   int    `json:"steps"`
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub

	now := time.Now()
	env, err := Sign(priv, "rotate-secrets", wizardSummary{Runbook: "rotate-secrets", Steps: 3}, "nonce-12345678", now)
	require.NoError(t, err)

	err = Verify(env, "rotate-secrets", wizardSummary{Runbook: "rotate-secrets", Steps: 3}, now)
	require.NoError(t, err)
}

func TestVerifyRejectsStaleSignedAt(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now()
	signedAt := now.Add(-30 * time.Minute)
	env, err := Sign(priv, "apply-runbook", "summary text", "nonce-abcdefgh", signedAt)
	require.NoError(t, err)

	err = Verify(env, "apply-runbook", "summary text", now)
	require.Error(t, err)
	var staleErr *sentryerr.StaleSignatureError
	require.ErrorAs(t, err, &staleErr)
}

func TestVerifyRejectsCorruptedSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now()
	env, err := Sign(priv, "apply-runbook", "summary text", "nonce-abcdefgh", now)
	require.NoError(t, err)

	sig, err := unb64url(env.SignatureB64URL)
	require.NoError(t, err)
	sig[0] ^= 0xFF
	env.SignatureB64URL = b64url(sig)

	err = Verify(env, "apply-runbook", "summary text", now)
	require.Error(t, err)
	var verifyErr *sentryerr.VerifyError
	require.ErrorAs(t, err, &verifyErr)
}

func TestVerifyRejectsMismatchedSummary(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now()
	env, err := Sign(priv, "apply-runbook", wizardSummary{Runbook: "a", Steps: 1}, "nonce-abcdefgh", now)
	require.NoError(t, err)

	err = Verify(env, "apply-runbook", wizardSummary{Runbook: "a", Steps: 2}, now)
	require.Error(t, err)
}

func TestVerifyRejectsShortNonce(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now()
	_, err = Sign(priv, "apply-runbook", "x", "short", now)
	require.Error(t, err)

	env := Envelope{
		VerifyingKeyB64URL: "",
		SignatureB64URL:    "",
		SignedAt:           now,
		Nonce:              "short",
	}
	err = Verify(env, "apply-runbook", "x", now)
	require.Error(t, err)
}

func TestNewNonceMeetsMinimumLength(t *testing.T) {
	n, err := NewNonce()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(n), MinNonceLen)
}
