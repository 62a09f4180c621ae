package exptests

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/table"
)

func workspace(t *testing.T) *experiment.Context {
	t.Helper()
	m, err := experiment.NewManager(fsys.NewLocal(), t.TempDir(), interp.FromMap(nil))
	require.NoError(t, err)
	c, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	return c
}

func TestFilesExist(t *testing.T) {
	ctx := context.Background()
	c := workspace(t)
	require.NoError(t, c.WriteBytes(ctx, "train_logs.csv", []byte("epoch\n")))

	pass, _ := NewFilesExist(FilesExistArgs{Paths: []string{"train_logs.csv"}})
	assert.Equal(t, OK, pass.Run(ctx, c.Dir, c.FS).Status)

	fail, _ := NewFilesExist(FilesExistArgs{Paths: []string{"train_logs.csv", "models"}})
	r := fail.Run(ctx, c.Dir, c.FS)
	assert.Equal(t, Failed, r.Status)
	assert.Contains(t, r.Message, "models")
}

func TestNoNaN(t *testing.T) {
	ctx := context.Background()
	c := workspace(t)
	clean := table.New()
	require.NoError(t, clean.AddFloats("pred_0000", []float64{0.1, 0.2}))
	require.NoError(t, c.WriteTable(ctx, "predictions/clean.parq", clean))
	dirty := table.New()
	require.NoError(t, dirty.AddFloats("pred_0000", []float64{0.1, math.NaN()}))
	require.NoError(t, c.WriteTable(ctx, "predictions/dirty.parq", dirty))

	tests := []struct {
		file string
		want Status
	}{
		{"predictions/clean.parq", OK},
		{"predictions/dirty.parq", Failed},
		{"predictions/absent.parq", Failed},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			check, _ := NewNoNaN(NoNaNArgs{File: tt.file})
			assert.Equal(t, tt.want, check.Run(ctx, c.Dir, c.FS).Status)
		})
	}
}

func TestModelsSavedAndNotEmpty(t *testing.T) {
	ctx := context.Background()
	c := workspace(t)
	models, _ := NewModelsSaved(ModelsSavedArgs{})
	notEmpty, _ := NewNotEmpty(struct{}{})
	assert.Equal(t, Failed, models.Run(ctx, c.Dir, c.FS).Status)
	assert.Equal(t, Failed, notEmpty.Run(ctx, c.Dir, c.FS).Status)

	require.NoError(t, c.WriteBytes(ctx, "models/abcd_run_final.json", []byte("{}")))
	assert.Equal(t, OK, models.Run(ctx, c.Dir, c.FS).Status)
	assert.Equal(t, Failed, notEmpty.Run(ctx, c.Dir, c.FS).Status, "directories alone do not count")

	require.NoError(t, c.WriteBytes(ctx, "experiment_info.yaml", []byte("run_id: x\n")))
	assert.Equal(t, OK, notEmpty.Run(ctx, c.Dir, c.FS).Status)
}

func TestMetricCompareOperators(t *testing.T) {
	ctx := context.Background()
	c := workspace(t)
	require.NoError(t, c.WriteYAML(ctx, "analysis/result_val.yaml", map[string]any{
		"accuracy": 0.8,
		"class_report": map[string]any{
			"one": map[string]any{"support": 3},
		},
	}))

	tests := []struct {
		key       string
		op        string
		threshold float64
		want      Status
	}{
		{"accuracy", ">=", 0.8, OK},
		{"accuracy", ">", 0.8, Failed},
		{"accuracy", "=", 0.8, OK},
		{"accuracy", "==", 0.7, Failed},
		{"accuracy", "<", 0.9, OK},
		{"accuracy", "<=", 0.5, Failed},
		{"class_report.one.support", "==", 3, OK},
		{"loss", "<", 1, Failed},
		{"accuracy.deeper", "<", 1, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.key+tt.op, func(t *testing.T) {
			check, err := NewMetricCompare(MetricCompareArgs{
				File: "analysis/result_val.yaml", Key: tt.key, Operator: tt.op, Threshold: tt.threshold,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, check.Run(ctx, c.Dir, c.FS).Status)
		})
	}

	_, err := NewMetricCompare(MetricCompareArgs{File: "x", Key: "y", Operator: "!="})
	assert.Error(t, err)
}

func TestProcessWritesResults(t *testing.T) {
	ctx := context.Background()
	c := workspace(t)
	require.NoError(t, c.WriteBytes(ctx, "a.txt", []byte("a")))

	pass, _ := NewFilesExist(FilesExistArgs{Paths: []string{"a.txt"}})
	notEmpty, _ := NewNotEmpty(struct{}{})
	p, err := NewProcess(ProcessArgs{Tests: []PostRunTest{pass, notEmpty}})
	require.NoError(t, err)
	results, err := p.Run(ctx, c)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	onDisk, err := ReadResults(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, results, onDisk)
}

func TestProcessFailsAfterWritingAllResults(t *testing.T) {
	ctx := context.Background()
	c := workspace(t)
	missing, _ := NewFilesExist(FilesExistArgs{Paths: []string{"nope"}})
	models, _ := NewModelsSaved(ModelsSavedArgs{})
	notEmpty, _ := NewNotEmpty(struct{}{})
	p, _ := NewProcess(ProcessArgs{Tests: []PostRunTest{missing, models, notEmpty}})

	_, err := p.Run(ctx, c)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.PostRunFailed))

	onDisk, err := ReadResults(ctx, c)
	require.NoError(t, err)
	require.Len(t, onDisk, 3)
	assert.Equal(t, Failed, onDisk[0].Status)
	// not_empty ran before exp_tests.csv was written.
	assert.Equal(t, Failed, onDisk[2].Status)
}
