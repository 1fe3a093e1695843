// Package pipeline implements a signed knowledge-pack pipeline: manifest
// construction, Ed25519 signing/verification, and content-addressed
// install/rollback.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

// FileEntry describes one file inside a knowledge pack.
type FileEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Manifest is the canonicalizable description of a knowledge pack.
type Manifest struct {
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	Files      []FileEntry `json:"files"`
	FileCount  int         `json:"file_count"`
	TotalBytes int64       `json:"total_bytes"`
	CreatedAt  time.Time   `json:"created_at"`
	SignerID   string      `json:"signer_id"`
	Notes      string      `json:"notes,omitempty"`
}

var nameCharset = func() [256]bool {
	var allowed [256]bool
	for c := 'A'; c <= 'Z'; c++ {
		allowed[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		allowed[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		allowed[c] = true
	}
	allowed['.'] = true
	allowed['_'] = true
	allowed['-'] = true
	return allowed
}()

// ValidateName checks the [A-Za-z0-9._-] charset a pack name must use.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("pack name must not be empty")
	}
	for _, c := range []byte(name) {
		if !nameCharset[c] {
			return fmt.Errorf("pack name %q contains disallowed character %q", name, string(c))
		}
	}
	return nil
}

// ValidateVersion checks a pack version is semver: MAJOR.MINOR.PATCH with
// optional -prerelease / +build suffixes, no leading "v".
func ValidateVersion(version string) error {
	rest := version
	for i := 0; i < 3; i++ {
		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == 0 || (digits > 1 && rest[0] == '0') {
			return &sentryerr.InvalidVersionError{Version: version}
		}
		rest = rest[digits:]
		if i < 2 {
			if len(rest) == 0 || rest[0] != '.' {
				return &sentryerr.InvalidVersionError{Version: version}
			}
			rest = rest[1:]
		}
	}
	if rest != "" && rest[0] != '-' && rest[0] != '+' {
		return &sentryerr.InvalidVersionError{Version: version}
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		ok := c == '-' || c == '+' || c == '.' ||
			(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !ok {
			return &sentryerr.InvalidVersionError{Version: version}
		}
	}
	return nil
}

// excludedDirs are VCS/metadata directories skipped while walking a source
// tree, matching common conventions in the pack (teacher's
// distribution/docker build context excludes mirror this list).
var excludedDirs = map[string]bool{
	".git":          true,
	".svn":          true,
	".hg":           true,
	".DS_Store":     true,
	"node_modules":  true,
}

// BuildManifest walks sourceDir recursively, records {path, size, sha256}
// for every non-excluded file, sorts by path, and returns the manifest.
func BuildManifest(sourceDir, name, version, signerID string) (Manifest, error) {
	if err := ValidateName(name); err != nil {
		return Manifest{}, err
	}

	var files []FileEntry
	var total int64

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		base := d.Name()
		if d.IsDir() {
			if excludedDirs[base] {
				return filepath.SkipDir
			}
			return nil
		}
		if excludedDirs[base] {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		relPosix := filepath.ToSlash(rel)
		if strings.Contains(relPosix, "..") {
			return fmt.Errorf("refusing to include path escaping source dir: %s", relPosix)
		}

		sum, size, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: relPosix, SizeBytes: size, SHA256: sum})
		total += size
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("walk source dir: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Manifest{
		Name:       name,
		Version:    version,
		Files:      files,
		FileCount:  len(files),
		TotalBytes: total,
		CreatedAt:  time.Now().UTC(),
		SignerID:   signerID,
	}, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Canonical serializes the manifest deterministically: files are sorted
// by path (on a copy, leaving m.Files untouched), struct field order
// is fixed by declaration order, and no insignificant whitespace is
// emitted, so two equal manifests always produce identical bytes.
func (m Manifest) Canonical() ([]byte, error) {
	sorted := m
	sorted.Files = append([]FileEntry(nil), m.Files...)
	sort.Slice(sorted.Files, func(i, j int) bool { return sorted.Files[i].Path < sorted.Files[j].Path })
	return json.Marshal(sorted)
}

// Digest computes the SHA-256 manifest_digest over the canonical form,
// the exact bytes that get signed.
func (m Manifest) Digest() ([32]byte, error) {
	canonical, err := m.Canonical()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}
