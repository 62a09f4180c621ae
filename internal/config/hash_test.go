package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

func TestGenerateChecksumsDryRun(t *testing.T) {
	ctx := context.Background()
	fs := fsys.NewLocal()
	dir := t.TempDir()
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "datasets.yaml"), []byte("train: {}\n")))

	report, err := GenerateChecksums(ctx, fs, dir, []string{"datasets.yaml", "callbacks.yaml"}, true)
	require.NoError(t, err)

	assert.False(t, report.Written)
	require.Len(t, report.Files, 2)
	assert.True(t, report.Files[0].Exists)
	assert.NotEmpty(t, report.Files[0].Hash)
	assert.False(t, report.Files[1].Exists)

	exists, err := fsys.Exists(ctx, fs, filepath.Join(dir, ChecksumFile))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChecksumsRoundTripAndTamper(t *testing.T) {
	ctx := context.Background()
	fs := fsys.NewLocal()
	dir := t.TempDir()
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "a.yaml"), []byte("a: 1\n")))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "b.yaml"), []byte("b: 2\n")))

	report, err := GenerateChecksums(ctx, fs, dir, []string{"a.yaml", "b.yaml"}, false)
	require.NoError(t, err)
	assert.True(t, report.Written)

	manifest, err := LoadChecksums(ctx, fs, dir)
	require.NoError(t, err)
	assert.Len(t, manifest.Hashes, 2)
	assert.Equal(t, Blake3Hex([]byte("a: 1\n")), manifest.Hashes["a.yaml"])

	res, err := VerifyChecksums(ctx, fs, dir)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Warnings)

	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "a.yaml"), []byte("a: 9\n")))
	require.NoError(t, fs.WriteFile(ctx, filepath.Join(dir, "c.yaml"), []byte("c: 3\n")))
	require.NoError(t, fs.Remove(ctx, filepath.Join(dir, "b.yaml")))

	res, err = VerifyChecksums(ctx, fs, dir)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, res.Warnings, 1)

	_, err = LoadChecksums(ctx, fs, t.TempDir())
	assert.ErrorIs(t, err, fsys.ErrNotExist)
}
