package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFile = ".checksums"

// ChecksumManifest is the on-disk format of the .checksums file written
// by `crucible config lock`. Hashes are keyed by base filename.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// VerifyResult collects the outcome of an integrity check over a config
// directory.
type VerifyResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// ComputeFileHash computes the BLAKE3 hash of a file.
func ComputeFileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// LoadManifest reads the .checksums manifest from a config directory.
// The returned error wraps os.ErrNotExist when no manifest is present.
func LoadManifest(dir string) (*ChecksumManifest, error) {
	path := filepath.Join(dir, checksumFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// Lock hashes every yaml file in dir and writes the .checksums manifest.
// Subsequent Loads refuse a config whose hash no longer matches.
func Lock(dir string) (*ChecksumManifest, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml files found in %s", dir)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}

	for _, path := range files {
		hash, err := ComputeFileHash(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", filepath.Base(path), err)
		}
		manifest.Hashes[filepath.Base(path)] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}

	// Restrictive permissions; the manifest is the tamper baseline.
	if err := os.WriteFile(filepath.Join(dir, checksumFile), data, 0600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}

	return manifest, nil
}

// Verify checks every yaml file in dir against the .checksums manifest.
// A missing manifest fails the check, as do files changed, added, or
// removed since the last lock.
func Verify(dir string) (*VerifyResult, error) {
	result := &VerifyResult{Passed: true}

	manifest, err := LoadManifest(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("no %s manifest in %s; run 'crucible config lock'", checksumFile, dir))
			return result, nil
		}
		return nil, err
	}

	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	onDisk := make(map[string]bool, len(files))
	for _, path := range files {
		name := filepath.Base(path)
		onDisk[name] = true

		expected, ok := manifest.Hashes[name]
		if !ok {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s is not in the manifest; run 'crucible config lock'", name))
			continue
		}

		actual, err := ComputeFileHash(path)
		if err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("hash %s: %v", name, err))
			continue
		}

		if actual != expected {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", name, expected, actual))
		}
	}

	for name := range manifest.Hashes {
		if !onDisk[name] {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s is in the manifest but missing from disk", name))
		}
	}

	return result, nil
}

// yamlFiles lists *.yaml and *.yml files in dir.
func yamlFiles(dir string) ([]string, error) {
	yamls, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list yaml files: %w", err)
	}
	ymls, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("list yaml files: %w", err)
	}
	return append(yamls, ymls...), nil
}
