package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumManifest records expected BLAKE3 hashes for config files.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// GenerateChecksums computes the config file's BLAKE3 hash and writes the
// .checksums manifest next to it. The publisher ACL lives in the config, so
// the manifest is what `drover config check` uses to detect tampering with
// authorization grants.
func GenerateChecksums(configPath string, dryRun bool) (*ChecksumManifest, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", absPath, err)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes: map[string]string{
			filepath.Base(absPath): hash,
		},
	}

	if dryRun {
		return manifest, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	checksumPath := filepath.Join(filepath.Dir(absPath), ".checksums")
	// Restrictive permissions: the manifest is the tamper baseline.
	if err := os.WriteFile(checksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}

	return manifest, nil
}

// LoadChecksums reads the .checksums manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ".checksums")

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'drover config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// verifyConfigChecksums verifies the config file against the .checksums
// manifest if one exists. Absence of a manifest is not an error: integrity
// verification is opt-in via `drover config lock`.
func verifyConfigChecksums(configPath string) error {
	configDir := filepath.Dir(configPath)
	if _, err := os.Stat(filepath.Join(configDir, ".checksums")); os.IsNotExist(err) {
		return nil
	}

	manifest, err := LoadChecksums(configDir)
	if err != nil {
		return err
	}

	name := filepath.Base(configPath)
	expectedHash, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums (run 'drover config lock')", name)
	}

	if err := VerifyFileHash(configPath, expectedHash); err != nil {
		return fmt.Errorf("config integrity verification failed: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: drover config lock", err)
	}

	return nil
}
