// Package model defines the training collaborators the pipeline drives:
// model factories and loaders, learners, prediction functions and training
// callbacks. A linear softmax reference model implements all of them.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

//go:generate mockgen -destination=mocks/mock_model.go -package=mocks github.com/mattjoyce/trainpipe/internal/model Model,ModelFactory,ModelLoader,PredictionFunction

// Model is a trained or trainable network.
type Model interface {
	// Predict maps one row per item to one row of outputs per item.
	Predict(x *mat.Dense) (*mat.Dense, error)
	Save(ctx context.Context, fs fsys.FS, path string) error
}

// ModelFactory builds an untrained model for a data description.
type ModelFactory interface {
	Create(desc data.DataDescription) (Model, error)
}

// ModelLoader restores a saved model.
type ModelLoader interface {
	Load(ctx context.Context, path string, customObjects map[string]any, fs fsys.FS) (Model, error)
}

// PredictionFunction runs a model on one batch.
type PredictionFunction interface {
	Predict(ctx context.Context, m Model, batch data.Batch) (*mat.Dense, error)
}

// Learner owns the fit loop.
type Learner interface {
	RunTraining(ctx context.Context, c *experiment.Context, factory ModelFactory, train, validation data.Dataset, params TrainParams, desc data.DataDescription) error
}

// TrainParams are the fit loop settings shared by learners.
type TrainParams struct {
	Epochs          int     `yaml:"epochs" validate:"gte=0"`
	LearningRate    float64 `yaml:"learning_rate" validate:"gte=0"`
	L2              float64 `yaml:"l2" validate:"gte=0"`
	StepsPerEpoch   int     `yaml:"steps_per_epoch" validate:"gte=0"`
	ValidationSteps int     `yaml:"validation_steps" validate:"gte=0"`
}

// DefaultTrainParams are used for keys a config leaves out.
func DefaultTrainParams() TrainParams {
	return TrainParams{Epochs: 1, LearningRate: 0.1}
}

// WithDefaults fills zero epochs and learning rate.
func (p TrainParams) WithDefaults() TrainParams {
	d := DefaultTrainParams()
	if p.Epochs == 0 {
		p.Epochs = d.Epochs
	}
	if p.LearningRate == 0 {
		p.LearningRate = d.LearningRate
	}
	return p
}

// EpochLogs are the metrics of one finished epoch. Validation values are
// NaN when no validation set was given.
type EpochLogs struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// LogHeader names the columns of train_logs.csv.
var LogHeader = []string{"epoch", "loss", "accuracy", "val_loss", "val_accuracy"}

// Row formats l in LogHeader order.
func (l EpochLogs) Row() []string {
	return []string{
		fmt.Sprint(l.Epoch),
		formatMetric(l.Loss),
		formatMetric(l.Accuracy),
		formatMetric(l.ValLoss),
		formatMetric(l.ValAccuracy),
	}
}

// Value returns the named metric.
func (l EpochLogs) Value(name string) (float64, bool) {
	switch name {
	case "loss":
		return l.Loss, true
	case "accuracy":
		return l.Accuracy, true
	case "val_loss":
		return l.ValLoss, true
	case "val_accuracy":
		return l.ValAccuracy, true
	default:
		return 0, false
	}
}

func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return fmt.Sprintf("%.6g", v)
}

// BatchLogs describe one finished training step.
type BatchLogs struct {
	Epoch int
	Batch int
	Loss  float64
	Data  data.Batch
	Infos []data.DataInfo
}

// TrainState is what callbacks see of a running fit.
type TrainState struct {
	Context *experiment.Context
	Model   Model
	Params  TrainParams
	Desc    data.DataDescription
	History []EpochLogs
}

// Callback hooks into a learner's fit loop. An error aborts training.
type Callback interface {
	OnTrainBegin(ctx context.Context, s *TrainState) error
	OnBatchEnd(ctx context.Context, s *TrainState, b BatchLogs) error
	OnEpochEnd(ctx context.Context, s *TrainState, l EpochLogs) error
	OnTrainEnd(ctx context.Context, s *TrainState) error
}

// BaseCallback implements every hook as a no-op.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(context.Context, *TrainState) error         { return nil }
func (BaseCallback) OnBatchEnd(context.Context, *TrainState, BatchLogs) error { return nil }
func (BaseCallback) OnEpochEnd(context.Context, *TrainState, EpochLogs) error { return nil }
func (BaseCallback) OnTrainEnd(context.Context, *TrainState) error           { return nil }

// FinalTag marks the model saved at the end of training.
const FinalTag = "final"

// ModelFile names a model artifact inside models/.
func ModelFile(c *experiment.Context, tag, ext string) string {
	return experiment.ModelsDir + "/" + c.ShortID + "_" + c.RunID + "_" + tag + ext
}

// FindFinalModel returns the workspace-relative path of the newest final
// model in models/. Workspaces cloned from another run keep the source
// run's file names, so the name is matched by tag rather than rebuilt.
func FindFinalModel(ctx context.Context, c *experiment.Context) (string, error) {
	entries, err := c.List(ctx, experiment.ModelsDir)
	if err != nil && !errors.Is(err, fsys.ErrNotExist) {
		return "", fmt.Errorf("list models: %w", err)
	}
	var found *fsys.FileInfo
	for i, e := range entries {
		name := strings.TrimSuffix(e.Name, "."+extOf(e.Name))
		if e.IsDir || !strings.HasSuffix(name, "_"+FinalTag) {
			continue
		}
		if found == nil || !e.ModTime.Before(found.ModTime) {
			found = &entries[i]
		}
	}
	if found == nil {
		return "", errs.New(errs.MissingArtifact, "no final model in %s", c.Path(experiment.ModelsDir)).
			WithDetail("artifact", experiment.ModelsDir)
	}
	return experiment.ModelsDir + "/" + found.Name, nil
}

func extOf(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
