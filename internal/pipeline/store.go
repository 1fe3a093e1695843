package pipeline

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

// AuditSink receives pipeline audit events without the pipeline package
// importing auditledger directly, avoiding a dependency cycle (auditledger
// never needs to know about pipeline). kind is the ledger's Kind value
// (always auditKindSupplyChain here) passed as a plain string so this
// package never imports auditledger.Kind itself.
type AuditSink func(kind, actor, action, resource string, metadata map[string]string)

// auditKindSupplyChain matches auditledger.KindSupplyChain's label; pipeline
// events (sign/verify/rollback) are always supply_chain, per spec §4.7.
const auditKindSupplyChain = "supply_chain"

// SignResult is returned by SignKnowledgePack.
type SignResult struct {
	Manifest      Manifest
	Signature     Signature
	ManifestDigest [32]byte
	BundlePath    string
}

// VerifyInstallResult is returned by VerifyAndInstall.
type VerifyInstallResult struct {
	Manifest        Manifest
	Signature       Signature
	ManifestDigest  [32]byte
	Diff            ManifestDiff
	Installed       bool
	PreviousActive  string
}

// PipelineStore manages the on-disk packs/<name>/<version>/ layout, the
// ACTIVE pointer per pack, and the sign/verify/rollback operations.
// DefaultSignerID fills in SignKnowledgePack's signerID when the caller
// passes "".
type PipelineStore struct {
	mu       sync.Mutex
	rootDir  string
	signer   *SignEngine
	verifier *VerifyEngine
	audit    AuditSink

	DefaultSignerID string
}

// NewPipelineStore creates a store rooted at rootDir. signer may be nil if
// this store only verifies/installs pre-signed bundles.
func NewPipelineStore(rootDir string, signer *SignEngine, verifier *VerifyEngine, audit AuditSink) (*PipelineStore, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "packs"), 0o755); err != nil {
		return nil, fmt.Errorf("create packs root: %w", err)
	}
	if audit == nil {
		audit = func(string, string, string, string, map[string]string) {}
	}
	return &PipelineStore{rootDir: rootDir, signer: signer, verifier: verifier, audit: audit}, nil
}

func (s *PipelineStore) packDir(name string) string {
	return filepath.Join(s.rootDir, "packs", name)
}

func (s *PipelineStore) versionDir(name, version string) string {
	return filepath.Join(s.packDir(name), version)
}

func (s *PipelineStore) activeFile(name string) string {
	return filepath.Join(s.packDir(name), "ACTIVE")
}

// ActiveVersion returns the currently active version for a pack name, or ""
// if none is installed.
func (s *PipelineStore) ActiveVersion(name string) (string, error) {
	b, err := os.ReadFile(s.activeFile(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read ACTIVE pointer: %w", err)
	}
	return string(bytes.TrimSpace(b)), nil
}

func (s *PipelineStore) readManifest(name, version string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.versionDir(name, version), "manifest.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SignKnowledgePack implements the sign_knowledge_pack operation: builds a
// manifest from sourceDir, signs its digest, writes manifest.json,
// signature.json and bundle.tar.gz under <root>/signed/<name>/<version>/,
// and optionally mirrors bundle.tar.gz to bundleOut. The installed layout
// under packs/ is written only by VerifyAndInstall, so a freshly signed
// version is not yet "installed".
func (s *PipelineStore) SignKnowledgePack(sourceDir, name, version, signerID, bundleOut string) (SignResult, error) {
	if s.signer == nil {
		return SignResult{}, fmt.Errorf("pipeline store has no signing key configured")
	}
	if err := ValidateName(name); err != nil {
		return SignResult{}, err
	}
	if err := ValidateVersion(version); err != nil {
		return SignResult{}, err
	}
	if signerID == "" {
		signerID = s.DefaultSignerID
	}

	m, err := BuildManifest(sourceDir, name, version, signerID)
	if err != nil {
		return SignResult{}, err
	}
	sig, digest, err := s.signer.SignManifest(m)
	if err != nil {
		return SignResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	signedDir := filepath.Join(s.rootDir, "signed", name, version)
	if _, err := os.Stat(signedDir); err == nil {
		return SignResult{}, &sentryerr.VersionExistsError{Name: name, Version: version}
	}
	if err := os.MkdirAll(signedDir, 0o755); err != nil {
		return SignResult{}, fmt.Errorf("create signed dir: %w", err)
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return SignResult{}, err
	}
	if err := os.WriteFile(filepath.Join(signedDir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return SignResult{}, fmt.Errorf("write manifest.json: %w", err)
	}
	sigJSON, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return SignResult{}, err
	}
	if err := os.WriteFile(filepath.Join(signedDir, "signature.json"), sigJSON, 0o644); err != nil {
		return SignResult{}, fmt.Errorf("write signature.json: %w", err)
	}

	bundlePath := filepath.Join(signedDir, "bundle.tar.gz")
	bundleFile, err := os.Create(bundlePath)
	if err != nil {
		return SignResult{}, fmt.Errorf("create bundle.tar.gz: %w", err)
	}
	err = WriteBundle(bundleFile, m, sig, sourceDir)
	closeErr := bundleFile.Close()
	if err != nil {
		return SignResult{}, fmt.Errorf("write bundle: %w", err)
	}
	if closeErr != nil {
		return SignResult{}, fmt.Errorf("close bundle: %w", closeErr)
	}

	if bundleOut != "" {
		if err := copyFile(bundlePath, bundleOut); err != nil {
			return SignResult{}, fmt.Errorf("mirror bundle to %s: %w", bundleOut, err)
		}
	}

	s.audit(auditKindSupplyChain, signerID, "sign", name+"@"+version, map[string]string{
		"fingerprint": sig.Fingerprint(),
		"file_count":  fmt.Sprintf("%d", m.FileCount),
	})

	return SignResult{Manifest: m, Signature: sig, ManifestDigest: digest, BundlePath: bundlePath}, nil
}

// VerifyAndInstall implements verify_bundle, optionally performing the
// install step (atomic ACTIVE swap) when install is true. actor identifies
// who is requesting verification/install for the audit trail (the CLI's
// caller identity, e.g. the invoking user).
func (s *PipelineStore) VerifyAndInstall(bundlePath, expectedFingerprint, actor string, install, force bool) (VerifyInstallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(bundlePath)
	if err != nil {
		return VerifyInstallResult{}, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	tempDir, err := os.MkdirTemp("", "pipeline-verify-*")
	if err != nil {
		return VerifyInstallResult{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	extracted, err := ReadBundle(f, tempDir)
	if err != nil {
		return VerifyInstallResult{}, fmt.Errorf("extract bundle: %w", err)
	}

	digest, err := s.verifier.VerifyManifest(extracted.Manifest, extracted.Signature, extracted.Files, expectedFingerprint)
	if err != nil {
		return VerifyInstallResult{}, err
	}

	name, version := extracted.Manifest.Name, extracted.Manifest.Version
	if err := ValidateName(name); err != nil {
		return VerifyInstallResult{}, err
	}
	if err := ValidateVersion(version); err != nil {
		return VerifyInstallResult{}, err
	}

	activeVersion, err := s.ActiveVersion(name)
	if err != nil {
		return VerifyInstallResult{}, err
	}
	var previousManifest *Manifest
	if activeVersion != "" {
		previousManifest, err = s.readManifest(name, activeVersion)
		if err != nil {
			return VerifyInstallResult{}, err
		}
	}
	diff := diffManifests(previousManifest, &extracted.Manifest)

	result := VerifyInstallResult{
		Manifest:       extracted.Manifest,
		Signature:      extracted.Signature,
		ManifestDigest: digest,
		Diff:           diff,
		PreviousActive: activeVersion,
	}

	if install {
		versionDir := s.versionDir(name, version)
		if _, statErr := os.Stat(versionDir); statErr == nil && !force {
			return VerifyInstallResult{}, &sentryerr.VersionExistsError{Name: name, Version: version}
		}
		if err := os.RemoveAll(versionDir); err != nil {
			return VerifyInstallResult{}, fmt.Errorf("clear existing version dir: %w", err)
		}
		if err := os.MkdirAll(versionDir, 0o755); err != nil {
			return VerifyInstallResult{}, fmt.Errorf("create version dir: %w", err)
		}
		if err := copyTree(tempDir, filepath.Join(versionDir, "files")); err != nil {
			return VerifyInstallResult{}, fmt.Errorf("install files: %w", err)
		}
		manifestJSON, err := json.MarshalIndent(extracted.Manifest, "", "  ")
		if err != nil {
			return VerifyInstallResult{}, err
		}
		if err := os.WriteFile(filepath.Join(versionDir, "manifest.json"), manifestJSON, 0o644); err != nil {
			return VerifyInstallResult{}, err
		}
		sigJSON, err := json.MarshalIndent(extracted.Signature, "", "  ")
		if err != nil {
			return VerifyInstallResult{}, err
		}
		if err := os.WriteFile(filepath.Join(versionDir, "signature.json"), sigJSON, 0o644); err != nil {
			return VerifyInstallResult{}, err
		}
		if err := copyFile(bundlePath, filepath.Join(versionDir, "bundle.tar.gz")); err != nil {
			return VerifyInstallResult{}, err
		}
		if err := s.swapActive(name, version); err != nil {
			return VerifyInstallResult{}, err
		}
		result.Installed = true
	}

	s.audit(auditKindSupplyChain, actor, "verify", name+"@"+version, map[string]string{
		"fingerprint":       extracted.Signature.Fingerprint(),
		"installed":         fmt.Sprintf("%t", result.Installed),
		"added":             fmt.Sprintf("%d", len(diff.Added)),
		"removed":           fmt.Sprintf("%d", len(diff.Removed)),
		"modified":          fmt.Sprintf("%d", len(diff.Modified)),
		"previous_active":   activeVersion,
	})

	return result, nil
}

func (s *PipelineStore) swapActive(name, version string) error {
	tmp := s.activeFile(name) + ".tmp"
	if err := os.WriteFile(tmp, []byte(version), 0o644); err != nil {
		return fmt.Errorf("write ACTIVE temp file: %w", err)
	}
	if err := os.Rename(tmp, s.activeFile(name)); err != nil {
		return fmt.Errorf("swap ACTIVE pointer: %w", err)
	}
	return nil
}

// Rollback implements the rollback operation: the target version must
// already exist on disk; ACTIVE is rewritten to point at it. actor
// identifies who requested the rollback for the audit trail.
func (s *PipelineStore) Rollback(name, targetVersion, actor string) (previousActive string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, statErr := os.Stat(s.versionDir(name, targetVersion)); statErr != nil {
		return "", &sentryerr.MissingVersionError{Name: name, Version: targetVersion}
	}

	previousActive, err = s.ActiveVersion(name)
	if err != nil {
		return "", err
	}
	if err := s.swapActive(name, targetVersion); err != nil {
		return "", err
	}

	s.audit(auditKindSupplyChain, actor, "rollback", name+"@"+targetVersion, map[string]string{
		"previous_active": previousActive,
	})
	return previousActive, nil
}

// RotateVerifyingKey rotates the store's trusted verifying key, keeping the
// old one acceptable for the configured grace period.
func (s *PipelineStore) RotateVerifyingKey(newKey ed25519.PublicKey) {
	s.verifier.RotateKey(newKey)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return nil
}

func copyTree(srcRoot, dstRoot string) error {
	entries, err := walkForFiles(srcRoot)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(srcRoot, filepath.FromSlash(entry.Path))
		dstPath := filepath.Join(dstRoot, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			return err
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
