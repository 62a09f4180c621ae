package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// ChecksumFile is the manifest file name inside a checksummed directory.
const ChecksumFile = ".checksums"

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Filename string
	Path     string
	Exists   bool
	Hash     string
}

// HashUpdateReport captures checksum generation details for a directory.
type HashUpdateReport struct {
	Dir          string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// Blake3Hex returns the hex BLAKE3-256 digest of data.
func Blake3Hex(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(ctx context.Context, fs fsys.FS, path string) (string, error) {
	data, err := fs.ReadFile(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return Blake3Hex(data), nil
}

// GenerateChecksums hashes files inside dir and writes dir/.checksums.
// Missing files are reported but not hashed. With dryRun nothing is written.
func GenerateChecksums(ctx context.Context, fs fsys.FS, dir string, files []string, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}
	report := &HashUpdateReport{
		Dir:          dir,
		ChecksumPath: fs.Join(dir, ChecksumFile),
		Files:        make([]HashUpdateFileResult, 0, len(files)),
	}

	for _, name := range files {
		path := fs.Join(dir, name)
		hash, err := ComputeBlake3Hash(ctx, fs, path)
		if errors.Is(err, fsys.ErrNotExist) {
			report.Files = append(report.Files, HashUpdateFileResult{Filename: name, Path: path})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, HashUpdateFileResult{Filename: name, Path: path, Exists: true, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := fs.WriteFile(ctx, report.ChecksumPath, data); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads dir/.checksums.
func LoadChecksums(ctx context.Context, fs fsys.FS, dir string) (*ChecksumManifest, error) {
	data, err := fs.ReadFile(ctx, fs.Join(dir, ChecksumFile))
	if err != nil {
		if errors.Is(err, fsys.ErrNotExist) {
			return nil, fmt.Errorf("checksums file not found in %s: %w", dir, err)
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

// VerifyChecksums compares every file in dir against its manifest. Altered
// or missing files are errors; files present but unlisted are warnings.
func VerifyChecksums(ctx context.Context, fs fsys.FS, dir string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}
	manifest, err := LoadChecksums(ctx, fs, dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		actual, err := ComputeBlake3Hash(ctx, fs, fs.Join(dir, name))
		if errors.Is(err, fsys.ErrNotExist) {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("file %s is in checksums but missing from disk", name))
			continue
		}
		if err != nil {
			return nil, err
		}
		if expected := manifest.Hashes[name]; actual != expected {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", name, expected, actual))
		}
	}

	entries, err := fs.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir || e.Name == ChecksumFile {
			continue
		}
		if _, listed := manifest.Hashes[e.Name]; !listed {
			result.Warnings = append(result.Warnings, fmt.Sprintf("file %s not in %s manifest", e.Name, ChecksumFile))
		}
	}
	return result, nil
}
