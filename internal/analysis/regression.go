package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/predict"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// RegressionArgs configure MeanSquaredError and MeanAbsoluteError.
type RegressionArgs struct {
	Prefix string `yaml:"prefix"`
	// Targets name the true value columns, matched in order to the
	// prediction columns. Defaults to the tabular output features.
	Targets []string `yaml:"targets"`
}

type regression struct {
	args    RegressionArgs
	targets []string
}

func (r *regression) init(desc data.DataDescription) error {
	r.targets = r.args.Targets
	if len(r.targets) == 0 {
		if td, ok := desc.(*data.TabularDescription); ok {
			r.targets = td.OutputFeatures
		}
	}
	if len(r.targets) == 0 {
		return errors.New("regression metric needs target columns")
	}
	return nil
}

// pairs returns the true and predicted values of every target.
func (r *regression) pairs(t *table.Table) ([][2][]float64, error) {
	if r.targets == nil {
		return nil, errors.New("metric used before Initialize")
	}
	prefix := r.args.Prefix
	if prefix == "" {
		prefix = "pred"
	}
	out := make([][2][]float64, len(r.targets))
	for j, name := range r.targets {
		y, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("prediction table has no target column %q", name)
		}
		p, ok := t.Column(predict.PredColumn(prefix, j))
		if !ok {
			return nil, fmt.Errorf("prediction table has no column %q", predict.PredColumn(prefix, j))
		}
		ys, ps := make([]float64, t.Len()), make([]float64, t.Len())
		for i := range ys {
			ys[i], ps[i] = y.Float(i), p.Float(i)
		}
		out[j] = [2][]float64{ys, ps}
	}
	if t.Len() == 0 {
		return nil, errors.New("regression metric on an empty prediction table")
	}
	return out, nil
}

// compute reports key as the mean over targets of errFn, plus key_<target>
// when there is more than one target.
func (r *regression) compute(t *table.Table, key string, errFn func(y, p []float64) float64) (Result, error) {
	pairs, err := r.pairs(t)
	if err != nil {
		return nil, err
	}
	per := make([]float64, len(pairs))
	out := Result{}
	for j, pr := range pairs {
		per[j] = errFn(pr[0], pr[1])
		if len(pairs) > 1 {
			out[key+"_"+r.targets[j]] = per[j]
		}
	}
	out[key] = stat.Mean(per, nil)
	return out, nil
}

// MeanSquaredError is the mean of squared residuals.
type MeanSquaredError struct {
	regression
}

// NewMeanSquaredError builds a MeanSquaredError metric.
func NewMeanSquaredError(args RegressionArgs) (*MeanSquaredError, error) {
	return &MeanSquaredError{regression{args: args}}, nil
}

func (m *MeanSquaredError) InitArgs() any { return m.args }

func (m *MeanSquaredError) Initialize(desc data.DataDescription) error { return m.init(desc) }

func (m *MeanSquaredError) Compute(_ context.Context, t *table.Table, _ *experiment.Context, _ string) (Result, error) {
	return m.compute(t, "mse", func(y, p []float64) float64 {
		d := floats.Distance(y, p, 2)
		return d * d / float64(len(y))
	})
}

// MeanAbsoluteError is the mean of absolute residuals.
type MeanAbsoluteError struct {
	regression
}

// NewMeanAbsoluteError builds a MeanAbsoluteError metric.
func NewMeanAbsoluteError(args RegressionArgs) (*MeanAbsoluteError, error) {
	return &MeanAbsoluteError{regression{args: args}}, nil
}

func (m *MeanAbsoluteError) InitArgs() any { return m.args }

func (m *MeanAbsoluteError) Initialize(desc data.DataDescription) error { return m.init(desc) }

func (m *MeanAbsoluteError) Compute(_ context.Context, t *table.Table, _ *experiment.Context, _ string) (Result, error) {
	return m.compute(t, "mae", func(y, p []float64) float64 {
		return floats.Distance(y, p, 1) / float64(len(y))
	})
}

// DatapointMAE publishes each datapoint's mean absolute error under its key
// and reports the mean over all datapoints.
type DatapointMAE struct {
	errs []float64
}

// DatapointMAEKey is the accumulator key DatapointMAE publishes under.
const DatapointMAEKey = "datapoint_mae"

// NewDatapointMAE builds a DatapointMAE metric.
func NewDatapointMAE(struct{}) (*DatapointMAE, error) { return &DatapointMAE{}, nil }

func (m *DatapointMAE) Key() string { return DatapointMAEKey }

func (m *DatapointMAE) Initialize(data.DataDescription) error {
	m.errs = nil
	return nil
}

func (m *DatapointMAE) AnalyseDatapoint(_ string, predicted, loaded []float64, acc map[string]any) error {
	if len(predicted) != len(loaded) || len(predicted) == 0 {
		return fmt.Errorf("prediction has %d values, target has %d", len(predicted), len(loaded))
	}
	v := floats.Distance(predicted, loaded, 1) / float64(len(predicted))
	m.errs = append(m.errs, v)
	acc[m.Key()] = v
	return nil
}

func (m *DatapointMAE) FinalMetric() Result {
	if len(m.errs) == 0 {
		return Result{DatapointMAEKey: math.NaN()}
	}
	return Result{DatapointMAEKey: stat.Mean(m.errs, nil)}
}

// DatapointMaxError reports the worst datapoint by the per-datapoint MAE a
// preceding DatapointMAE published.
type DatapointMaxError struct {
	max float64
	id  string
}

// NewDatapointMaxError builds a DatapointMaxError metric.
func NewDatapointMaxError(struct{}) (*DatapointMaxError, error) {
	return &DatapointMaxError{}, nil
}

func (m *DatapointMaxError) Key() string { return "datapoint_max_error" }

func (m *DatapointMaxError) Initialize(data.DataDescription) error {
	m.max, m.id = math.Inf(-1), ""
	return nil
}

func (m *DatapointMaxError) AnalyseDatapoint(key string, _, _ []float64, acc map[string]any) error {
	v, ok := acc[DatapointMAEKey].(float64)
	if !ok {
		return fmt.Errorf("%s needs %s earlier in the metric list", m.Key(), DatapointMAEKey)
	}
	if v > m.max {
		m.max, m.id = v, key
	}
	return nil
}

func (m *DatapointMaxError) FinalMetric() Result {
	if m.id == "" {
		return Result{m.Key(): math.NaN()}
	}
	return Result{m.Key(): m.max, m.Key() + "_id": m.id}
}
