package pipeline

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocx/sentrycore/internal/sentryerr"
	"github.com/stretchr/testify/require"
)

func writeSourceTree(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello pack\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "rule.yaml"), []byte("rule: true\n"), 0o644))
}

func newTestStore(t *testing.T) (*PipelineStore, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := NewSignEngine(priv)
	require.NoError(t, err)
	verifier := NewVerifyEngine(pub, time.Hour)
	store, err := NewPipelineStore(t.TempDir(), signer, verifier, nil)
	require.NoError(t, err)
	return store, pub, priv
}

func TestManifestDigestDeterministic(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writeSourceTree(t, dirA)
	writeSourceTree(t, dirB)

	mA, err := BuildManifest(dirA, "rules", "1.0.0", "signer-a")
	require.NoError(t, err)
	mB, err := BuildManifest(dirB, "rules", "1.0.0", "signer-a")
	require.NoError(t, err)

	// CreatedAt differs between builds; digest must still match since it's
	// excluded from the per-file identity (path+size+sha256) comparison used
	// for determinism. Canonical includes CreatedAt, though, so pin both to
	// the same instant before comparing.
	mA.CreatedAt = time.Unix(0, 0).UTC()
	mB.CreatedAt = time.Unix(0, 0).UTC()

	digestA, err := mA.Digest()
	require.NoError(t, err)
	digestB, err := mB.Digest()
	require.NoError(t, err)
	require.Equal(t, digestA, digestB)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	writeSourceTree(t, srcDir)

	signResult, err := store.SignKnowledgePack(srcDir, "rules", "1.0.0", "signer-a", "")
	require.NoError(t, err)
	require.Equal(t, 2, signResult.Manifest.FileCount)

	result, err := store.VerifyAndInstall(signResult.BundlePath, "", "tester", true, false)
	require.NoError(t, err)
	require.True(t, result.Installed)
	require.Len(t, result.Diff.Added, 2)
	require.Empty(t, result.Diff.Removed)
	require.Empty(t, result.Diff.Modified)

	active, err := store.ActiveVersion("rules")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active)
}

func TestVerifyRejectsTamperedFile(t *testing.T) {
	store, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	writeSourceTree(t, srcDir)

	signResult, err := store.SignKnowledgePack(srcDir, "rules", "1.0.0", "signer-a", "")
	require.NoError(t, err)

	// Tamper with a source file after signing but reuse the stale bundle's
	// manifest by re-signing would defeat the test; instead corrupt the
	// bundle itself by re-writing one extracted file post-hoc is not
	// possible without re-packing, so we simulate tamper by re-signing a
	// mutated tree and swapping in the original signature.
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "README.md"), []byte("tampered\n"), 0o644))
	tamperedManifest, err := BuildManifest(srcDir, "rules", "1.0.0", "signer-a")
	require.NoError(t, err)

	tamperedBundlePath := filepath.Join(t.TempDir(), "tampered.tar.gz")
	f, err := os.Create(tamperedBundlePath)
	require.NoError(t, err)
	// Sign the tampered manifest digest would pass verification, so instead
	// write the bundle with the ORIGINAL (now-stale) signature to simulate
	// an attacker swapping file contents without re-signing.
	origSig := signResult.Signature
	require.NoError(t, WriteBundle(f, tamperedManifest, origSig, srcDir))
	require.NoError(t, f.Close())

	_, err = store.VerifyAndInstall(tamperedBundlePath, "", "tester", false, false)
	require.Error(t, err)
}

func TestVerifyRejectsFingerprintMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	writeSourceTree(t, srcDir)

	signResult, err := store.SignKnowledgePack(srcDir, "rules", "1.0.0", "signer-a", "")
	require.NoError(t, err)

	_, err = store.VerifyAndInstall(signResult.BundlePath, "0000000000000000000000000000000000000000000000000000000000000000", "tester", false, false)
	require.Error(t, err)
}

func TestInstallWithoutForceRejectsExistingVersion(t *testing.T) {
	store, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	writeSourceTree(t, srcDir)

	signResult, err := store.SignKnowledgePack(srcDir, "rules", "1.0.0", "signer-a", "")
	require.NoError(t, err)

	_, err = store.VerifyAndInstall(signResult.BundlePath, "", "tester", true, false)
	require.NoError(t, err)

	_, err = store.VerifyAndInstall(signResult.BundlePath, "", "tester", true, false)
	require.Error(t, err)

	_, err = store.VerifyAndInstall(signResult.BundlePath, "", "tester", true, true)
	require.NoError(t, err)
}

func TestRollbackRequiresExistingVersion(t *testing.T) {
	store, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	writeSourceTree(t, srcDir)

	v1, err := store.SignKnowledgePack(srcDir, "rules", "1.0.0", "signer-a", "")
	require.NoError(t, err)
	_, err = store.VerifyAndInstall(v1.BundlePath, "", "tester", true, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "README.md"), []byte("v2 contents\n"), 0o644))
	v2, err := store.SignKnowledgePack(srcDir, "rules", "2.0.0", "signer-a", "")
	require.NoError(t, err)
	installResult, err := store.VerifyAndInstall(v2.BundlePath, "", "tester", true, false)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", installResult.PreviousActive)
	require.Len(t, installResult.Diff.Modified, 1)

	active, err := store.ActiveVersion("rules")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", active)

	previous, err := store.Rollback("rules", "1.0.0", "tester")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", previous)

	active, err = store.ActiveVersion("rules")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", active)

	_, err = store.Rollback("rules", "9.9.9", "tester")
	require.Error(t, err)
}

func TestVerifyEngineAcceptsPreviousKeyDuringGrace(t *testing.T) {
	oldPub, oldPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signer, err := NewSignEngine(oldPriv)
	require.NoError(t, err)
	verifier := NewVerifyEngine(oldPub, time.Hour)

	m := Manifest{Name: "rules", Version: "1.0.0", CreatedAt: time.Now().UTC()}
	sig, _, err := signer.SignManifest(m)
	require.NoError(t, err)

	verifier.RotateKey(newPub)

	_, err = verifier.VerifyManifest(m, sig, nil, "")
	require.NoError(t, err)
}

func TestVerifyEngineRejectsOldKeyAfterGraceExpires(t *testing.T) {
	oldPub, oldPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signer, err := NewSignEngine(oldPriv)
	require.NoError(t, err)
	verifier := NewVerifyEngine(oldPub, time.Millisecond)

	m := Manifest{Name: "rules", Version: "1.0.0", CreatedAt: time.Now().UTC()}
	sig, _, err := signer.SignManifest(m)
	require.NoError(t, err)

	verifier.RotateKey(newPub)
	time.Sleep(5 * time.Millisecond)

	_, err = verifier.VerifyManifest(m, sig, nil, "")
	require.Error(t, err)
}

func TestValidateVersion(t *testing.T) {
	for _, ok := range []string{"1.0.0", "0.1.0", "10.20.30", "1.0.0-rc.1", "1.2.3+build.7"} {
		require.NoError(t, ValidateVersion(ok), ok)
	}
	for _, bad := range []string{"", "1", "1.0", "v1.0.0", "1.00.0", "1.0.0 ", "one.two.three"} {
		require.Error(t, ValidateVersion(bad), bad)
	}
}

func TestSignRejectsInvalidVersion(t *testing.T) {
	store, _, _ := newTestStore(t)
	srcDir := t.TempDir()
	writeSourceTree(t, srcDir)

	_, err := store.SignKnowledgePack(srcDir, "rules", "not-semver", "signer", "")
	var invalid *sentryerr.InvalidVersionError
	require.True(t, errors.As(err, &invalid))
}
