package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRemoveKeys(t *testing.T) {
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
datasets:
  train:
    _target_: trainpipe.data.ImageDataset
    password: hunter2
    listing: {path: x, password: y}
callbacks:
  - {name: a, password: z}
password: top
`), &doc))

	out := RemoveKeys(&doc, []string{"password"})
	data, err := yaml.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "password")
	assert.Contains(t, string(data), "_target_: trainpipe.data.ImageDataset")
	assert.Contains(t, string(data), "name: a")

	// input unchanged
	orig, err := yaml.Marshal(&doc)
	require.NoError(t, err)
	assert.Contains(t, string(orig), "hunter2")

	assert.Nil(t, RemoveKeys(nil, []string{"x"}))
}
