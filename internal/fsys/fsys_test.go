package fsys

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWriteReadList(t *testing.T) {
	ctx := context.Background()
	fs := NewLocal()
	dir := t.TempDir()

	require.NoError(t, fs.WriteFile(ctx, fs.Join(dir, "a", "b.yaml"), []byte("x: 1\n")))
	require.NoError(t, fs.WriteFile(ctx, fs.Join(dir, "a", "c.txt"), []byte("hi")))

	data, err := fs.ReadFile(ctx, fs.Join(dir, "a", "b.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "x: 1\n", string(data))

	entries, err := fs.List(ctx, fs.Join(dir, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b.yaml", entries[0].Name)
	assert.Equal(t, "c.txt", entries[1].Name)
}

func TestLocalCreateExclusive(t *testing.T) {
	ctx := context.Background()
	fs := NewLocal()
	p := filepath.Join(t.TempDir(), "locks", "write.lock")

	require.NoError(t, fs.CreateExclusive(ctx, p, []byte("owner")))
	err := fs.CreateExclusive(ctx, p, []byte("other"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExist))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "owner", string(data))
}

func TestExistsAndRemove(t *testing.T) {
	ctx := context.Background()
	fs := NewLocal()
	p := filepath.Join(t.TempDir(), "f")

	ok, err := Exists(ctx, fs, p)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fs.WriteFile(ctx, p, nil))
	ok, err = Exists(ctx, fs, p)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, fs.Remove(ctx, p))
	err = fs.Remove(ctx, p)
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestCreateWriterCommitsOnClose(t *testing.T) {
	ctx := context.Background()
	fs := NewLocal()
	p := filepath.Join(t.TempDir(), "nested", "out.csv")

	w, err := fs.Create(ctx, p)
	require.NoError(t, err)
	_, err = io.WriteString(w, "a,b\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rc, err := fs.Open(ctx, p)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(got))
}

func TestCopyTree(t *testing.T) {
	ctx := context.Background()
	fs := NewLocal()
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, fs.WriteFile(ctx, fs.Join(src, "models", "m.json"), []byte("{}")))
	require.NoError(t, fs.WriteFile(ctx, fs.Join(src, "configs", "train", "a.yaml"), []byte("a: 1\n")))

	n, err := CopyTree(ctx, fs, src, fs, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := fs.ReadFile(ctx, fs.Join(dst, "configs", "train", "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "a: 1\n", string(data))
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	fs, root, err := Resolve(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLocal, fs.Kind())
	assert.Equal(t, dir, root)

	fs, root, err = Resolve(context.Background(), "file://"+dir, nil)
	require.NoError(t, err)
	assert.Equal(t, KindLocal, fs.Kind())
	assert.Equal(t, dir, root)

	_, _, err = Resolve(context.Background(), "gs://bucket/x", nil)
	assert.Error(t, err)
}

func TestObjectStoreConfigFromLookup(t *testing.T) {
	env := map[string]string{
		"S3_ENDPOINT":   "minio:9000",
		"S3_ACCESS_KEY": "ak",
		"S3_SECRET_KEY": "sk",
		"S3_USE_SSL":    "true",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg, err := ObjectStoreConfigFromLookup(lookup)
	require.NoError(t, err)
	assert.Equal(t, "minio:9000", cfg.Endpoint)
	assert.True(t, cfg.UseSSL)
	assert.Equal(t, "us-east-1", cfg.Region)

	delete(env, "S3_SECRET_KEY")
	_, err = ObjectStoreConfigFromLookup(lookup)
	assert.Error(t, err)
}

func TestCleanKey(t *testing.T) {
	assert.Equal(t, "a/b", cleanKey("/a//b/"))
	assert.Equal(t, "", cleanKey("/"))
}
