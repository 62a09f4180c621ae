package analysis

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/predict"
	"github.com/mattjoyce/trainpipe/internal/table"
	"github.com/mattjoyce/trainpipe/internal/tensor"
)

func testContext(t *testing.T) *experiment.Context {
	t.Helper()
	m, err := experiment.NewManager(fsys.NewLocal(), t.TempDir(), interp.FromMap(nil))
	require.NoError(t, err)
	c, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	return c
}

func imageDesc(t *testing.T) data.DataDescription {
	t.Helper()
	d, err := data.NewImageDescription(data.ImageDescription{
		ImageSize: data.ImageSize{Width: 2, Height: 2},
		Channels:  1,
		Labels:    []string{"zero", "one", "two"},
	})
	require.NoError(t, err)
	return d
}

// writePredictions stores rows of (label, scores) through the vector handler.
func writePredictions(t *testing.T, c *experiment.Context, name string, labels []int, scores [][]float64, fields ...[]data.Field) {
	t.Helper()
	ctx := context.Background()
	h, err := predict.NewVectorHandler(predict.VectorArgs{})
	require.NoError(t, err)
	require.NoError(t, h.Open(ctx, c, name))
	infos := make([]data.DataInfo, len(labels))
	pred := mat.NewDense(len(labels), len(scores[0]), nil)
	for i := range labels {
		infos[i] = data.DataInfo{ID: string(rune('a' + i)), Label: labels[i]}
		if len(fields) > i {
			infos[i].Fields = fields[i]
		}
		pred.SetRow(i, scores[i])
	}
	require.NoError(t, h.Add(ctx, infos, pred))
	require.NoError(t, h.Close(ctx))
}

func TestTabularAnalyzerClassification(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	writePredictions(t, c, "test", []int{0, 1, 2, 2}, [][]float64{
		{0.8, 0.1, 0.1},
		{0.2, 0.7, 0.1},
		{0.1, 0.2, 0.7},
		{0.1, 0.6, 0.3},
	})

	acc, _ := NewAccuracy(ClassArgs{})
	cm, _ := NewConfusionMatrix(ClassArgs{})
	report, _ := NewClassReport(ClassArgs{})
	chart, _ := NewConfusionChart(ConfusionChartArgs{})
	a, err := NewTabularAnalyzer(TabularArgs{Metrics: []Metric{acc, cm, report, chart}})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(imageDesc(t)))

	res, err := a.Analyze(ctx, nil, c, "test")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, res["accuracy"], 1e-9)
	assert.Equal(t, [][]int{{1, 0, 0}, {0, 1, 0}, {0, 1, 1}}, res["confusion_matrix"].(Confusion).Matrix)
	scores := res["class_report"].(map[string]ClassScores)
	assert.InDelta(t, 0.5, scores["one"].Precision, 1e-9)
	assert.InDelta(t, 0.5, scores["two"].Recall, 1e-9)
	assert.Equal(t, 2, scores["two"].Support)

	var onDisk map[string]any
	require.NoError(t, c.ReadYAML(ctx, ResultPath("test"), &onDisk))
	assert.Contains(t, onDisk, "accuracy")
	assert.Contains(t, onDisk, "class_report")
	ok, err := c.Exists(ctx, "analysis/confusion_test.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBinaryScoresThreshold(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	writePredictions(t, c, "bin", []int{0, 1, 1}, [][]float64{{0.2}, {0.9}, {0.4}})
	desc, err := data.NewImageDescription(data.ImageDescription{
		ImageSize: data.ImageSize{Width: 1, Height: 1}, Channels: 1,
		Labels: []string{"no", "yes"}, Outputs: 1,
	})
	require.NoError(t, err)

	acc, _ := NewAccuracy(ClassArgs{})
	a, _ := NewTabularAnalyzer(TabularArgs{Metrics: []Metric{acc}})
	require.NoError(t, a.Initialize(desc))
	res, err := a.Analyze(ctx, nil, c, "bin")
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, res["accuracy"], 1e-9)
}

func TestTabularAnalyzerMissingPredictions(t *testing.T) {
	acc, _ := NewAccuracy(ClassArgs{})
	a, _ := NewTabularAnalyzer(TabularArgs{Metrics: []Metric{acc}})
	require.NoError(t, a.Initialize(imageDesc(t)))
	_, err := a.Analyze(context.Background(), nil, testContext(t), "absent")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.MissingArtifact))
}

func TestClassificationNeedsClasses(t *testing.T) {
	desc, err := data.NewTabularDescription(data.TabularDescription{
		InputFeatures: []string{"x"}, OutputFeatures: []string{"y"},
	})
	require.NoError(t, err)
	acc, _ := NewAccuracy(ClassArgs{})
	assert.Error(t, acc.Initialize(desc))
}

// laterMetric overwrites a key of an earlier one.
type laterMetric struct{}

func (laterMetric) Initialize(data.DataDescription) error { return nil }
func (laterMetric) Compute(context.Context, *table.Table, *experiment.Context, string) (Result, error) {
	return Result{"accuracy": -1.0}, nil
}

func TestLaterMetricsOverwrite(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	writePredictions(t, c, "test", []int{0}, [][]float64{{1, 0, 0}})
	acc, _ := NewAccuracy(ClassArgs{})
	a, _ := NewTabularAnalyzer(TabularArgs{Metrics: []Metric{acc, laterMetric{}}})
	require.NoError(t, a.Initialize(imageDesc(t)))
	res, err := a.Analyze(ctx, nil, c, "test")
	require.NoError(t, err)
	assert.Equal(t, -1.0, res["accuracy"])
}

func TestRegressionMetrics(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	fields := [][]data.Field{
		{{Name: "y", Value: 1.0}},
		{{Name: "y", Value: 2.0}},
		{{Name: "y", Value: 3.0}},
	}
	writePredictions(t, c, "reg", []int{0, 0, 0}, [][]float64{{1.5}, {2.0}, {2.0}}, fields...)
	desc, err := data.NewTabularDescription(data.TabularDescription{
		InputFeatures: []string{"x"}, OutputFeatures: []string{"y"},
	})
	require.NoError(t, err)

	mse, _ := NewMeanSquaredError(RegressionArgs{})
	mae, _ := NewMeanAbsoluteError(RegressionArgs{})
	a, _ := NewTabularAnalyzer(TabularArgs{Metrics: []Metric{mse, mae}})
	require.NoError(t, a.Initialize(desc))
	res, err := a.Analyze(ctx, nil, c, "reg")
	require.NoError(t, err)
	assert.InDelta(t, (0.25+0+1)/3, res["mse"], 1e-9)
	assert.InDelta(t, (0.5+0+1)/3, res["mae"], 1e-9)
}

// targetDataset serves fixed one-row batches with the given ids and targets.
type targetDataset struct {
	ids     []string
	targets [][]float64
}

func (d *targetDataset) Initialize(context.Context, data.DataDescription, *experiment.Context) error {
	return nil
}
func (d *targetDataset) Len() int { return len(d.ids) }
func (d *targetDataset) Get(_ context.Context, i int) (data.Batch, error) {
	y, err := tensor.FromSlice(d.targets[i], 1, len(d.targets[i]))
	if err != nil {
		return data.Batch{}, err
	}
	return data.Batch{Inputs: tensor.New(1, 1), Targets: y}, nil
}
func (d *targetDataset) DataInfo(i int) ([]data.DataInfo, error) {
	return []data.DataInfo{{ID: d.ids[i]}}, nil
}
func (d *targetDataset) OnEpochEnd()      {}
func (d *targetDataset) Stats() data.Stats { return data.Stats{} }

func writeChunks(t *testing.T, c *experiment.Context, name string, ids []string, rows [][]float64) {
	t.Helper()
	ctx := context.Background()
	h, err := predict.NewChunkedArrayHandler(predict.ChunkedArgs{})
	require.NoError(t, err)
	require.NoError(t, h.Open(ctx, c, name))
	for i, id := range ids {
		require.NoError(t, h.Add(ctx, []data.DataInfo{{ID: id}}, mat.NewDense(1, len(rows[i]), rows[i])))
	}
	require.NoError(t, h.Close(ctx))
}

func TestPerDatapointAnalyzer(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	ds := &targetDataset{ids: []string{"p", "q"}, targets: [][]float64{{1, 0}, {0, 1}}}
	writeChunks(t, c, "test", ds.ids, [][]float64{{0.9, 0.1}, {0.4, 0.6}})

	mae, _ := NewDatapointMAE(struct{}{})
	worst, _ := NewDatapointMaxError(struct{}{})
	a, err := NewPerDatapointAnalyzer(PerDatapointArgs{Metrics: []TensorMetric{mae, worst}})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(imageDesc(t)))

	res, err := a.Analyze(ctx, ds, c, "test")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, res["datapoint_mae"], 1e-9)
	assert.InDelta(t, 0.4, res["datapoint_max_error"], 1e-9)
	assert.Equal(t, "q", res["datapoint_max_error_id"])

	ok, err := c.Exists(ctx, ResultPath("test"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPerDatapointMetricOrder(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	ds := &targetDataset{ids: []string{"p"}, targets: [][]float64{{1}}}
	writeChunks(t, c, "test", ds.ids, [][]float64{{0.5}})

	mae, _ := NewDatapointMAE(struct{}{})
	worst, _ := NewDatapointMaxError(struct{}{})
	a, _ := NewPerDatapointAnalyzer(PerDatapointArgs{Metrics: []TensorMetric{worst, mae}})
	require.NoError(t, a.Initialize(imageDesc(t)))
	_, err := a.Analyze(ctx, ds, c, "test")
	assert.ErrorContains(t, err, "earlier in the metric list")
}

func TestPerDatapointUnknownID(t *testing.T) {
	ctx := context.Background()
	c := testContext(t)
	ds := &targetDataset{ids: []string{"p"}, targets: [][]float64{{1}}}
	writeChunks(t, c, "test", []string{"other"}, [][]float64{{0.5}})

	mae, _ := NewDatapointMAE(struct{}{})
	a, _ := NewPerDatapointAnalyzer(PerDatapointArgs{Metrics: []TensorMetric{mae}})
	require.NoError(t, a.Initialize(imageDesc(t)))
	_, err := a.Analyze(ctx, ds, c, "test")
	assert.True(t, errs.IsKind(err, errs.DataInvariant))
}

func TestDatapointMAEEmpty(t *testing.T) {
	mae, _ := NewDatapointMAE(struct{}{})
	require.NoError(t, mae.Initialize(nil))
	assert.True(t, math.IsNaN(mae.FinalMetric()[DatapointMAEKey].(float64)))
}
