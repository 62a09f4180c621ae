package model

import (
	"context"
	"fmt"
	"math"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
)

// NaNCheck aborts training when a batch loss is not finite.
type NaNCheck struct {
	BaseCallback
}

// NewNaNCheck builds a NaNCheck.
func NewNaNCheck(struct{}) (*NaNCheck, error) { return &NaNCheck{}, nil }

func (*NaNCheck) OnBatchEnd(_ context.Context, _ *TrainState, b BatchLogs) error {
	if math.IsNaN(b.Loss) || math.IsInf(b.Loss, 0) {
		return errs.New(errs.DataInvariant, "loss is %v at epoch %d batch %d", b.Loss, b.Epoch, b.Batch).
			WithDetail("epoch", b.Epoch).WithDetail("batch", b.Batch)
	}
	return nil
}

// CheckpointArgs configure Checkpoint.
type CheckpointArgs struct {
	Every    int    `yaml:"every" validate:"gt=0"`
	Monitor  string `yaml:"monitor" validate:"oneof=loss accuracy val_loss val_accuracy"`
	BestOnly bool   `yaml:"best_only"`
}

// Checkpoint saves the model every Every epochs into models/. With BestOnly
// it saves only when the monitored metric improves.
type Checkpoint struct {
	BaseCallback
	args CheckpointArgs
	best float64
}

// NewCheckpoint builds a Checkpoint.
func NewCheckpoint(args CheckpointArgs) (*Checkpoint, error) {
	return &Checkpoint{args: args, best: math.NaN()}, nil
}

func (cp *Checkpoint) InitArgs() any { return cp.args }

func (cp *Checkpoint) OnEpochEnd(ctx context.Context, s *TrainState, l EpochLogs) error {
	if (l.Epoch+1)%cp.args.Every != 0 {
		return nil
	}
	if cp.args.BestOnly {
		v, _ := l.Value(cp.args.Monitor)
		if math.IsNaN(v) || !cp.improved(v) {
			return nil
		}
		cp.best = v
	}
	rel := ModelFile(s.Context, fmt.Sprintf("epoch_%03d", l.Epoch), modelExt(s.Model))
	if err := s.Model.Save(ctx, s.Context.FS, s.Context.Path(rel)); err != nil {
		return fmt.Errorf("checkpoint epoch %d: %w", l.Epoch, err)
	}
	s.Context.Logger().Debug("checkpoint saved", "path", rel)
	return nil
}

func (cp *Checkpoint) improved(v float64) bool {
	if math.IsNaN(cp.best) {
		return true
	}
	if cp.args.Monitor == "accuracy" || cp.args.Monitor == "val_accuracy" {
		return v > cp.best
	}
	return v < cp.best
}

// NetDataLoggerArgs configure NetDataLogger.
type NetDataLoggerArgs struct {
	MaxBatches int `yaml:"max_batches" validate:"gt=0"`
}

// NetDataLogger writes the first training batches exactly as the network
// saw them to net_data/ as .npy arrays, with the item ids alongside.
type NetDataLogger struct {
	BaseCallback
	args NetDataLoggerArgs
}

// NewNetDataLogger builds a NetDataLogger.
func NewNetDataLogger(args NetDataLoggerArgs) (*NetDataLogger, error) {
	return &NetDataLogger{args: args}, nil
}

func (n *NetDataLogger) InitArgs() any { return n.args }

func (n *NetDataLogger) OnBatchEnd(ctx context.Context, s *TrainState, b BatchLogs) error {
	if b.Epoch != 0 || b.Batch >= n.args.MaxBatches {
		return nil
	}
	c := s.Context
	base := fmt.Sprintf("%s/batch_%03d", experiment.NetDataDir, b.Batch)
	arrays := []struct {
		suffix string
		value  *mat.Dense
	}{
		{"_inputs.npy", b.Data.Inputs.Dense()},
		{"_targets.npy", b.Data.Targets.Dense()},
	}
	for _, a := range arrays {
		w, err := c.Create(ctx, base+a.suffix)
		if err != nil {
			return err
		}
		if err := npyio.Write(w, a.value); err != nil {
			_ = w.Close()
			return fmt.Errorf("write %s: %w", base+a.suffix, err)
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	ids := make([]string, len(b.Infos))
	for i, info := range b.Infos {
		ids[i] = info.ID
	}
	return c.WriteYAML(ctx, base+"_ids.yaml", ids)
}

// TrainingCurveArgs configure TrainingCurve.
type TrainingCurveArgs struct {
	File string `yaml:"file" validate:"required"`
}

// TrainingCurve plots loss and accuracy per epoch when training ends.
type TrainingCurve struct {
	BaseCallback
	args TrainingCurveArgs
}

// NewTrainingCurve builds a TrainingCurve.
func NewTrainingCurve(args TrainingCurveArgs) (*TrainingCurve, error) {
	return &TrainingCurve{args: args}, nil
}

func (t *TrainingCurve) InitArgs() any { return t.args }

func (t *TrainingCurve) OnTrainEnd(ctx context.Context, s *TrainState) error {
	if len(s.History) == 0 {
		return nil
	}
	var series []experiment.Series
	for _, name := range LogHeader[1:] {
		vals := make([]float64, 0, len(s.History))
		for _, h := range s.History {
			v, _ := h.Value(name)
			vals = append(vals, v)
		}
		if allNaN(vals) {
			continue
		}
		series = append(series, experiment.Series{Name: name, Values: vals})
	}
	return s.Context.WriteLineChart(ctx, t.args.File, "training curve", "epoch", "value", series...)
}

func allNaN(vals []float64) bool {
	for _, v := range vals {
		if !math.IsNaN(v) {
			return false
		}
	}
	return true
}
