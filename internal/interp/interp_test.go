package interp

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

func parseDoc(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return &doc
}

func decode(t *testing.T, n *yaml.Node) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, n.Decode(&out))
	return out
}

func TestGlobalsSubstitution(t *testing.T) {
	doc := parseDoc(t, `
globals:
  sz: {width: 64, height: 64}
ops:
  train:
    image_size: $globals.sz
`)
	res, err := Interpolate(doc, DefaultResolvers(FromMap(nil)), nil)
	require.NoError(t, err)

	out := decode(t, res.Doc)
	assert.NotContains(t, out, "globals")
	train := out["ops"].(map[string]any)["train"].(map[string]any)
	assert.Equal(t, map[string]any{"width": 64, "height": 64}, train["image_size"])
	assert.Empty(t, res.UnusedGlobals)

	// input untouched
	assert.Contains(t, decode(t, doc), "globals")
}

func TestEnvDefault(t *testing.T) {
	src := "ops:\n  train:\n    data: ${env(DATA_URI, ./data)}\n"
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "unset uses default", env: nil, want: "./data"},
		{name: "set wins", env: map[string]string{"DATA_URI": "/x"}, want: "/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Interpolate(parseDoc(t, src), DefaultResolvers(FromMap(tt.env)), nil)
			require.NoError(t, err)
			train := decode(t, res.Doc)["ops"].(map[string]any)["train"].(map[string]any)
			assert.Equal(t, tt.want, train["data"])
		})
	}
}

func TestInterpolateCases(t *testing.T) {
	env := FromMap(map[string]string{"EPOCHS": "3", "HOST": "minio", "ROOT": "/data", "EMPTY": ""})

	tests := []struct {
		name string
		src  string
		path []string
		want any
	}{
		{
			name: "nested dotted global",
			src:  "globals: {sz: {width: 32}}\nops: {train: {w: $globals.sz.width}}\n",
			path: []string{"ops", "train", "w"},
			want: 32,
		},
		{
			name: "embedded global",
			src:  "globals: {name: mnist}\nops: {train: {dir: runs/$globals.name/out}}\n",
			path: []string{"ops", "train", "dir"},
			want: "runs/mnist/out",
		},
		{
			name: "global chain",
			src:  "globals: {a: $globals.b, b: 7}\nops: {train: {x: $globals.a}}\n",
			path: []string{"ops", "train", "x"},
			want: 7,
		},
		{
			name: "global holding env ref",
			src:  "globals: {root: '${env(ROOT)}'}\nops: {train: {x: $globals.root}}\n",
			path: []string{"ops", "train", "x"},
			want: "/data",
		},
		{
			name: "whole env token retyped",
			src:  "ops: {train: {epochs: '${env(EPOCHS)}'}}\n",
			path: []string{"ops", "train", "epochs"},
			want: 3,
		},
		{
			name: "empty env value stays empty string",
			src:  "ops: {train: {tag: '${env(EMPTY)}'}}\n",
			path: []string{"ops", "train", "tag"},
			want: "",
		},
		{
			name: "empty default stays empty string",
			src:  "ops: {train: {tag: '${env(UNSET_VAR, )}'}}\n",
			path: []string{"ops", "train", "tag"},
			want: "",
		},
		{
			name: "embedded env token stays string",
			src:  "resources: {endpoint: 'http://${env(HOST)}:9000'}\n",
			path: []string{"resources", "endpoint"},
			want: "http://minio:9000",
		},
		{
			name: "global inside sequence",
			src:  "globals: {c: 4}\nops: {train: {xs: [1, $globals.c]}}\n",
			path: []string{"ops", "train", "xs"},
			want: []any{1, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Interpolate(parseDoc(t, tt.src), DefaultResolvers(env), nil)
			require.NoError(t, err)

			var cur any = decode(t, res.Doc)
			for _, p := range tt.path {
				cur = cur.(map[string]any)[p]
			}
			assert.Equal(t, tt.want, cur)
		})
	}
}

func TestInterpolateErrors(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		reason string
	}{
		{name: "unset env", src: "ops: {train: {x: '${env(MISSING)}'}}\n", reason: "unset-env"},
		{name: "unknown global", src: "globals: {a: 1}\nops: {train: {x: $globals.b}}\n", reason: "unknown-global"},
		{name: "global cycle", src: "globals: {a: $globals.b, b: $globals.a}\nops: {train: {x: $globals.a}}\n", reason: "global-cycle"},
		{name: "unknown resolver", src: "ops: {train: {x: '${vault(key)}'}}\n", reason: "unknown-resolver"},
		{name: "mapping embedded in string", src: "globals: {m: {a: 1}}\nops: {train: {x: pre-$globals.m}}\n", reason: "non-scalar-global"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Interpolate(parseDoc(t, tt.src), DefaultResolvers(FromMap(nil)), nil)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.Interpolation), "got %v", err)

			var e *errs.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.reason, e.Details["reason"])
			assert.NotEmpty(t, e.Details["path"])
		})
	}
}

func TestUnusedGlobalsWarned(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	res, err := Interpolate(parseDoc(t, "globals: {used: 1, spare: 2}\nops: {train: {x: $globals.used}}\n"),
		DefaultResolvers(FromMap(nil)), logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"spare"}, res.UnusedGlobals)
	assert.Contains(t, buf.String(), `"msg":"unused global"`)
	assert.Contains(t, buf.String(), `"key":"spare"`)
}

func TestNowResolver(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	r := DefaultResolvers(FromMap(nil))
	r["now"] = NowResolver(clock)

	res, err := Interpolate(parseDoc(t, "ops: {train: {tag: 'run-${now(2006-01-02)}'}}\n"), r, nil)
	require.NoError(t, err)
	train := decode(t, res.Doc)["ops"].(map[string]any)["train"].(map[string]any)
	assert.Equal(t, "run-2026-03-01", train["tag"])
}

func TestEnvSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("S3_ENDPOINT=localhost:9000\nSAMPLE_COUNT=60\n"), 0o644))

	env, err := FromMap(map[string]string{"SAMPLE_COUNT": "10"}).WithDotEnv(path)
	require.NoError(t, err)

	v, ok := env.Lookup("S3_ENDPOINT")
	assert.True(t, ok)
	assert.Equal(t, "localhost:9000", v)
	assert.Equal(t, "10", env.Get("SAMPLE_COUNT"))
	assert.Equal(t, []string{"S3_ENDPOINT", "SAMPLE_COUNT"}, env.Names())

	_, err = env.WithDotEnv(filepath.Join(dir, "missing.env"))
	assert.Error(t, err)

	t.Setenv("TRAINPIPE_SNAPSHOT_TEST", "yes")
	snap := FromOS()
	assert.Equal(t, "yes", snap.Get("TRAINPIPE_SNAPSHOT_TEST"))
	assert.Equal(t, "v", snap.With("X", "v").Get("X"))
	_, set := snap.Lookup("X")
	assert.False(t, set)
}
