package pipeline

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

// DiffEntry is one path's status in a ManifestDiff.
type DiffEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size_bytes"`
}

// ManifestDiff is the added/removed/modified set between the bundle being
// installed and the currently active version.
type ManifestDiff struct {
	Added    []DiffEntry `json:"added"`
	Removed  []DiffEntry `json:"removed"`
	Modified []DiffEntry `json:"modified"`
}

// diffManifests compares two manifests by path+sha256+size.
func diffManifests(previous, next *Manifest) ManifestDiff {
	prevByPath := map[string]FileEntry{}
	if previous != nil {
		for _, f := range previous.Files {
			prevByPath[f.Path] = f
		}
	}
	nextByPath := map[string]FileEntry{}
	for _, f := range next.Files {
		nextByPath[f.Path] = f
	}

	var diff ManifestDiff
	for path, nf := range nextByPath {
		pf, existed := prevByPath[path]
		if !existed {
			diff.Added = append(diff.Added, DiffEntry{Path: path, SHA256: nf.SHA256, Size: nf.SizeBytes})
			continue
		}
		if pf.SHA256 != nf.SHA256 || pf.SizeBytes != nf.SizeBytes {
			diff.Modified = append(diff.Modified, DiffEntry{Path: path, SHA256: nf.SHA256, Size: nf.SizeBytes})
		}
	}
	for path, pf := range prevByPath {
		if _, stillPresent := nextByPath[path]; !stillPresent {
			diff.Removed = append(diff.Removed, DiffEntry{Path: path, SHA256: pf.SHA256, Size: pf.SizeBytes})
		}
	}

	sort.Slice(diff.Added, func(i, j int) bool { return diff.Added[i].Path < diff.Added[j].Path })
	sort.Slice(diff.Removed, func(i, j int) bool { return diff.Removed[i].Path < diff.Removed[j].Path })
	sort.Slice(diff.Modified, func(i, j int) bool { return diff.Modified[i].Path < diff.Modified[j].Path })
	return diff
}

// VerifyEngine checks bundle signatures against a current verifying key,
// accepting a previous key for RotationGracePeriod after a rotation.
type VerifyEngine struct {
	mu                  sync.RWMutex
	currentKey          ed25519.PublicKey
	previousKey         ed25519.PublicKey
	graceUntil          time.Time
	RotationGracePeriod time.Duration
}

// NewVerifyEngine starts a VerifyEngine trusting only currentKey.
func NewVerifyEngine(currentKey ed25519.PublicKey, gracePeriod time.Duration) *VerifyEngine {
	if gracePeriod == 0 {
		gracePeriod = 24 * time.Hour
	}
	return &VerifyEngine{currentKey: currentKey, RotationGracePeriod: gracePeriod}
}

// RotateKey makes newKey the current verifying key; the previous key stays
// acceptable until RotationGracePeriod elapses.
func (v *VerifyEngine) RotateKey(newKey ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.previousKey = v.currentKey
	v.currentKey = newKey
	v.graceUntil = time.Now().Add(v.RotationGracePeriod)
}

// TrustedKeys returns the keys currently acceptable for verification.
func (v *VerifyEngine) TrustedKeys() []ed25519.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := []ed25519.PublicKey{v.currentKey}
	if len(v.previousKey) == ed25519.PublicKeySize && time.Now().Before(v.graceUntil) {
		keys = append(keys, v.previousKey)
	}
	return keys
}

// VerifyManifest checks the file entries recomputed from the extracted
// tree against every path, size and hash recorded in the manifest,
// computes the manifest digest, then verifies the signature over it
// against the current key or, within the grace
// window, the previous one. If expectedFingerprint is non-empty it must
// match the signature's fingerprint.
func (v *VerifyEngine) VerifyManifest(m Manifest, sig Signature, recomputed []FileEntry, expectedFingerprint string) ([32]byte, error) {
	recomputedByPath := make(map[string]FileEntry, len(recomputed))
	for _, f := range recomputed {
		recomputedByPath[f.Path] = f
	}
	if len(recomputed) != len(m.Files) {
		return [32]byte{}, sentryerr.NewVerifyError(fmt.Sprintf("file count mismatch: manifest has %d, bundle has %d", len(m.Files), len(recomputed)))
	}
	for _, want := range m.Files {
		got, ok := recomputedByPath[want.Path]
		if !ok {
			return [32]byte{}, sentryerr.NewVerifyError(fmt.Sprintf("missing file in bundle: %s", want.Path))
		}
		if got.SHA256 != want.SHA256 || got.SizeBytes != want.SizeBytes {
			return [32]byte{}, sentryerr.NewVerifyError(fmt.Sprintf("content mismatch for %s", want.Path))
		}
	}

	digest, err := m.Digest()
	if err != nil {
		return [32]byte{}, err
	}

	if expectedFingerprint != "" && sig.Fingerprint() != expectedFingerprint {
		return digest, sentryerr.NewVerifyError("verifying key fingerprint mismatch")
	}

	trustedKeys := v.TrustedKeys()
	if !bytes.Equal([]byte(sig.VerifyingKey), []byte(trustedKeysContaining(trustedKeys, sig.VerifyingKey))) {
		return digest, sentryerr.NewVerifyError("signature not issued by a trusted verifying key")
	}
	if !ed25519.Verify(sig.VerifyingKey, digest[:], sig.SignatureB) {
		return digest, sentryerr.NewVerifyError("signature does not match manifest digest")
	}

	return digest, nil
}

func trustedKeysContaining(keys []ed25519.PublicKey, target ed25519.PublicKey) ed25519.PublicKey {
	for _, k := range keys {
		if bytes.Equal([]byte(k), []byte(target)) {
			return k
		}
	}
	return nil
}

// Diff exposes diffManifests for callers outside this file's verify path
// (e.g. PipelineStore computing a diff without a full verify).
func Diff(previous, next *Manifest) ManifestDiff {
	return diffManifests(previous, next)
}
