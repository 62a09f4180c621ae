// Package analysis turns prediction artifacts into analysis/result_<dataset>.yaml.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/predict"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// Result is the merged output of an analyzer's metrics.
type Result map[string]any

// ResultPath is the result file of dataset name.
func ResultPath(name string) string {
	return experiment.AnalysisDir + "/result_" + name + ".yaml"
}

// ResultAnalyzer is bound once to a data description and then analyzes the
// prediction artifact of each dataset.
type ResultAnalyzer interface {
	Initialize(desc data.DataDescription) error
	Analyze(ctx context.Context, ds data.Dataset, c *experiment.Context, name string) (Result, error)
}

// Metric computes results over a prediction table.
type Metric interface {
	Initialize(desc data.DataDescription) error
	Compute(ctx context.Context, t *table.Table, c *experiment.Context, name string) (Result, error)
}

// TensorMetric sees one datapoint at a time. Metrics publish intermediate
// values into acc under their Key for metrics later in the list.
type TensorMetric interface {
	Key() string
	Initialize(desc data.DataDescription) error
	AnalyseDatapoint(key string, predicted, loaded []float64, acc map[string]any) error
	FinalMetric() Result
}

// TabularArgs configure TabularAnalyzer.
type TabularArgs struct {
	Metrics   []Metric `yaml:"metrics" validate:"required,min=1"`
	Extension string   `yaml:"extension" validate:"omitempty,oneof=.parq .parquet .csv"`
}

// TabularAnalyzer reads predictions/<dataset>.parq and runs its metrics in
// order. Later metrics overwrite keys of earlier ones.
type TabularAnalyzer struct {
	args TabularArgs
	desc data.DataDescription
}

// NewTabularAnalyzer builds a TabularAnalyzer.
func NewTabularAnalyzer(args TabularArgs) (*TabularAnalyzer, error) {
	if len(args.Metrics) == 0 {
		return nil, errors.New("tabular analyzer needs at least one metric")
	}
	if args.Extension == "" {
		args.Extension = ".parq"
	}
	return &TabularAnalyzer{args: args}, nil
}

func (a *TabularAnalyzer) InitArgs() any { return a.args }

func (a *TabularAnalyzer) Initialize(desc data.DataDescription) error {
	for i, m := range a.args.Metrics {
		if err := m.Initialize(desc); err != nil {
			return fmt.Errorf("initialize metric %d (%T): %w", i, m, err)
		}
	}
	a.desc = desc
	return nil
}

func (a *TabularAnalyzer) Analyze(ctx context.Context, _ data.Dataset, c *experiment.Context, name string) (Result, error) {
	if a.desc == nil {
		return nil, errors.New("tabular analyzer used before Initialize")
	}
	t, err := c.ReadTable(ctx, predict.VectorPath(name, a.args.Extension))
	if err != nil {
		return nil, err
	}
	out := Result{}
	for i, m := range a.args.Metrics {
		r, err := m.Compute(ctx, t, c, name)
		if err != nil {
			return nil, fmt.Errorf("metric %d (%T) on %s: %w", i, m, name, err)
		}
		maps.Copy(out, r)
	}
	return out, writeResult(ctx, c, name, out)
}

// PerDatapointArgs configure PerDatapointAnalyzer.
type PerDatapointArgs struct {
	Metrics []TensorMetric `yaml:"metrics" validate:"required,min=1"`
}

// PerDatapointAnalyzer walks the chunked prediction store of a dataset and
// pairs each prediction with the dataset's target for the same id.
type PerDatapointAnalyzer struct {
	args PerDatapointArgs
	desc data.DataDescription
}

// NewPerDatapointAnalyzer builds a PerDatapointAnalyzer.
func NewPerDatapointAnalyzer(args PerDatapointArgs) (*PerDatapointAnalyzer, error) {
	if len(args.Metrics) == 0 {
		return nil, errors.New("per-datapoint analyzer needs at least one metric")
	}
	return &PerDatapointAnalyzer{args: args}, nil
}

func (a *PerDatapointAnalyzer) InitArgs() any { return a.args }

func (a *PerDatapointAnalyzer) Initialize(desc data.DataDescription) error {
	a.desc = desc
	return nil
}

func (a *PerDatapointAnalyzer) Analyze(ctx context.Context, ds data.Dataset, c *experiment.Context, name string) (Result, error) {
	if a.desc == nil {
		return nil, errors.New("per-datapoint analyzer used before Initialize")
	}
	// Metrics keep state across datapoints, so they are reset per dataset.
	for i, m := range a.args.Metrics {
		if err := m.Initialize(a.desc); err != nil {
			return nil, fmt.Errorf("initialize metric %d (%T): %w", i, m, err)
		}
	}
	targets, err := collectTargets(ctx, ds)
	if err != nil {
		return nil, err
	}
	store, err := predict.OpenChunks(ctx, c, name)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	for i := 0; i < store.Len(); i++ {
		id, predicted, err := store.Load(ctx, i)
		if err != nil {
			return nil, err
		}
		loaded, ok := targets[id]
		if !ok {
			return nil, errs.New(errs.DataInvariant, "prediction %q of %s has no target in the dataset", id, name)
		}
		acc := map[string]any{}
		for _, m := range a.args.Metrics {
			if err := m.AnalyseDatapoint(id, predicted, loaded, acc); err != nil {
				return nil, fmt.Errorf("metric %s on %q: %w", m.Key(), id, err)
			}
		}
	}
	out := Result{}
	for _, m := range a.args.Metrics {
		maps.Copy(out, m.FinalMetric())
	}
	return out, writeResult(ctx, c, name, out)
}

func collectTargets(ctx context.Context, ds data.Dataset) (map[string][]float64, error) {
	out := map[string][]float64{}
	it := data.IterWithInfo(ctx, ds)
	for infos, batch := range it.All() {
		for i, info := range infos {
			out[info.ID] = append([]float64(nil), batch.Targets.Row(i).Data()...)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return out, nil
}

func writeResult(ctx context.Context, c *experiment.Context, name string, r Result) error {
	rel := ResultPath(name)
	if err := c.WriteYAML(ctx, rel, map[string]any(r)); err != nil {
		return err
	}
	c.Logger().Info("analysis written", "path", rel, "keys", len(r))
	return nil
}
