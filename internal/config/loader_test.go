package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/interp"
)

const sampleDoc = `
globals:
  image_size: {width: 28, height: 28}
  data_root: ${env(DATA_URI, ./data)}
ops:
  acquire_locks:
    locks:
      data: {_target_: trainpipe.filelock.Lock, location: $globals.data_root, kind: read}
  train:
    epochs: 2
    image_size: $globals.image_size
resources:
  ledger:
    path: ./runs.db
`

func TestLoadBytes(t *testing.T) {
	doc, err := LoadBytes([]byte(sampleDoc), LoadOptions{Env: interp.FromMap(map[string]string{"DATA_URI": "/mnt/data"})})
	require.NoError(t, err)

	assert.Equal(t, []string{"acquire_locks", "train"}, doc.StageNames())
	train, ok := doc.Stage("train")
	require.True(t, ok)
	epochs, _ := train.Get("epochs")
	assert.Equal(t, 2, epochs.(*initnode.Scalar).Value)

	v, err := doc.GetValue("ops.train.image_size")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"width": 28, "height": 28}, v)

	v, err = doc.GetValue("stage:acquire_locks.locks.data.location")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data", v)

	v, err = doc.GetValue("ops.acquire_locks.locks.data._target_")
	require.NoError(t, err)
	assert.Equal(t, "trainpipe.filelock.Lock", v)

	v, err = doc.GetValue("resource:ledger.path")
	require.NoError(t, err)
	assert.Equal(t, "./runs.db", v)

	_, err = doc.GetPath("ops.train.missing")
	assert.Error(t, err)

	out, err := doc.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "globals")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	doc, err := Load(path, LoadOptions{Env: interp.FromMap(nil)})
	require.NoError(t, err)
	assert.Equal(t, path, doc.Path)

	v, err := doc.GetValue("ops.acquire_locks.locks.data.location")
	require.NoError(t, err)
	assert.Equal(t, "./data", v)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"), LoadOptions{})
	assert.Error(t, err)
}

func TestLoadRejectsBadShape(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind errs.Kind
	}{
		{name: "not a mapping", src: "- a\n- b\n", kind: errs.ConfigSchema},
		{name: "unknown top-level key", src: "ops: {train: {}}\nextras: 1\n", kind: errs.ConfigSchema},
		{name: "missing ops", src: "resources: {}\n", kind: errs.ConfigSchema},
		{name: "stage not a mapping", src: "ops: {train: [1]}\n", kind: errs.ConfigSchema},
		{name: "invalid yaml", src: "ops: {train: [\n", kind: errs.ConfigSchema},
		{name: "unset env", src: "ops: {train: {x: '${env(NOT_SET)}'}}\n", kind: errs.Interpolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.src), LoadOptions{Env: interp.FromMap(nil)})
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestLoadAcceptsEmptyStage(t *testing.T) {
	doc, err := LoadBytes([]byte("ops:\n  release_locks:\n  train: {epochs: 1}\n"), LoadOptions{})
	require.NoError(t, err)
	m, ok := doc.Stage("release_locks")
	require.True(t, ok)
	assert.Empty(t, m.Entries)
}
