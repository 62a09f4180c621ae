package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
)

// Trainable models can take a gradient step.
type Trainable interface {
	Model
	Step(x, y *mat.Dense, lr, l2 float64) (float64, error)
}

// fileExter lets a model pick the extension of its saved files.
type fileExter interface {
	FileExt() string
}

func (m *LinearModel) FileExt() string { return LinearExt }

func modelExt(m Model) string {
	if f, ok := m.(fileExter); ok {
		return f.FileExt()
	}
	return ".model"
}

// SGDLearnerArgs configure SGDLearner.
type SGDLearnerArgs struct {
	Callbacks      []Callback `yaml:"callbacks"`
	TerminateOnNaN bool       `yaml:"terminate_on_nan"`
}

// SGDLearner fits Trainable models with mini-batch gradient descent. Every
// epoch is appended to train_logs.csv and the final model is saved to
// models/.
type SGDLearner struct {
	args SGDLearnerArgs
}

// NewSGDLearner builds an SGDLearner.
func NewSGDLearner(args SGDLearnerArgs) (*SGDLearner, error) {
	return &SGDLearner{args: args}, nil
}

func (l *SGDLearner) InitArgs() any { return l.args }

func (l *SGDLearner) callbacks() []Callback {
	var out []Callback
	if l.args.TerminateOnNaN {
		out = append(out, &NaNCheck{})
	}
	return append(out, l.args.Callbacks...)
}

func (l *SGDLearner) RunTraining(ctx context.Context, c *experiment.Context, factory ModelFactory, train, validation data.Dataset, params TrainParams, desc data.DataDescription) error {
	if train.Len() == 0 {
		return errs.New(errs.DataInvariant, "training dataset is empty")
	}
	m, err := factory.Create(desc)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	trainable, ok := m.(Trainable)
	if !ok {
		return fmt.Errorf("model %T cannot be trained by gradient descent", m)
	}

	logger := c.Logger().With("component", "sgd_learner")
	state := &TrainState{Context: c, Model: m, Params: params, Desc: desc}
	callbacks := l.callbacks()
	for _, cb := range callbacks {
		if err := cb.OnTrainBegin(ctx, state); err != nil {
			return callbackError(cb, err)
		}
	}

	started := time.Now()
	for epoch := 0; epoch < params.Epochs; epoch++ {
		steps := train.Len()
		if params.StepsPerEpoch > 0 {
			steps = min(steps, params.StepsPerEpoch)
		}
		var lossSum, accSum float64
		rows := 0
		for i := 0; i < steps; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			infos, err := train.DataInfo(i)
			if err != nil {
				return err
			}
			batch, err := train.Get(ctx, i)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			x, y := batch.Inputs.Dense(), batch.Targets.Dense()
			p, err := trainable.Predict(x)
			if err != nil {
				return err
			}
			acc := Accuracy(p, y)
			loss, err := trainable.Step(x, y, params.LearningRate, params.L2)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			n := batch.Inputs.Rows()
			lossSum += loss * float64(n)
			accSum += acc * float64(n)
			rows += n

			logs := BatchLogs{Epoch: epoch, Batch: i, Loss: loss, Data: batch, Infos: infos}
			for _, cb := range callbacks {
				if err := cb.OnBatchEnd(ctx, state, logs); err != nil {
					return callbackError(cb, err)
				}
			}
		}

		logs := EpochLogs{
			Epoch:       epoch,
			Loss:        lossSum / float64(rows),
			Accuracy:    accSum / float64(rows),
			ValLoss:     math.NaN(),
			ValAccuracy: math.NaN(),
		}
		if validation != nil && validation.Len() > 0 {
			logs.ValLoss, logs.ValAccuracy, err = Evaluate(ctx, trainable, validation, params.ValidationSteps)
			if err != nil {
				return fmt.Errorf("validate epoch %d: %w", epoch, err)
			}
		}
		if err := c.AppendCSV(ctx, experiment.TrainLogsFile, LogHeader, logs.Row()); err != nil {
			return err
		}
		state.History = append(state.History, logs)
		logger.Info("epoch finished", "epoch", epoch, "loss", logs.Loss, "accuracy", logs.Accuracy, "val_loss", logs.ValLoss)
		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(ctx, state, logs); err != nil {
				return callbackError(cb, err)
			}
		}
		train.OnEpochEnd()
	}

	final := ModelFile(c, FinalTag, modelExt(m))
	if err := m.Save(ctx, c.FS, c.Path(final)); err != nil {
		return fmt.Errorf("save final model: %w", err)
	}
	for _, cb := range callbacks {
		if err := cb.OnTrainEnd(ctx, state); err != nil {
			return callbackError(cb, err)
		}
	}
	logger.Info("training finished", "epochs", params.Epochs, "model", final, "duration", time.Since(started).String())
	return nil
}

// Evaluate returns the mean loss and accuracy of m over up to steps batches
// of ds; steps <= 0 means all.
func Evaluate(ctx context.Context, m Model, ds data.Dataset, steps int) (float64, float64, error) {
	n := ds.Len()
	if steps > 0 {
		n = min(n, steps)
	}
	var lossSum, accSum float64
	rows := 0
	for i := 0; i < n; i++ {
		batch, err := ds.Get(ctx, i)
		if err != nil {
			return 0, 0, err
		}
		y := batch.Targets.Dense()
		p, err := m.Predict(batch.Inputs.Dense())
		if err != nil {
			return 0, 0, err
		}
		k := batch.Inputs.Rows()
		lossSum += Loss(p, y) * float64(k)
		accSum += Accuracy(p, y) * float64(k)
		rows += k
	}
	if rows == 0 {
		return math.NaN(), math.NaN(), nil
	}
	return lossSum / float64(rows), accSum / float64(rows), nil
}

func callbackError(cb Callback, err error) error {
	return fmt.Errorf("callback %T: %w", cb, err)
}
