package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/model"
	"github.com/mattjoyce/trainpipe/internal/predict"
)

// DescriptionFile is where the train stage records the data description.
var DescriptionFile = ConfigDir(Train) + "/data_description.yaml"

// PredictionArgs configure the prediction stage.
type PredictionArgs struct {
	PredictionHandler  predict.Handler              `yaml:"prediction_handler" validate:"required"`
	Datasets           initnode.Named[data.Dataset] `yaml:"datasets" validate:"required,min=1"`
	ModelLoader        model.ModelLoader            `yaml:"model_loader" validate:"required"`
	PredictionSteps    *int                         `yaml:"prediction_steps" validate:"omitempty,gte=0"`
	PredictionFunction model.PredictionFunction     `yaml:"prediction_function"`
	DataDescription    data.DataDescription         `yaml:"data_description"`
	CustomObjects      map[string]any               `yaml:"custom_objects"`
}

func predictionStage() Stage {
	return argsStage[PredictionArgs]{name: Prediction, run: runPrediction}
}

func runPrediction(ctx context.Context, s *State, args *PredictionArgs) error {
	c, err := s.requireContext(Prediction)
	if err != nil {
		return err
	}
	desc, err := s.description(ctx, args.DataDescription)
	if err != nil {
		return err
	}
	predictFn := args.PredictionFunction
	if predictFn == nil {
		predictFn = model.DefaultPrediction{}
	}

	rel, err := model.FindFinalModel(ctx, c)
	if err != nil {
		return err
	}
	m, err := args.ModelLoader.Load(ctx, c.Path(rel), args.CustomObjects, c.FS)
	if err != nil {
		return fmt.Errorf("load model %s: %w", rel, err)
	}
	s.Logger.Info("model loaded", "path", rel)

	limit := -1
	if args.PredictionSteps != nil {
		limit = *args.PredictionSteps
	}
	stats := map[string]data.Stats{}
	for _, e := range args.Datasets {
		if err := e.Value.Initialize(ctx, desc, c); err != nil {
			return fmt.Errorf("initialize dataset %s: %w", e.Key, err)
		}
		stats[e.Key] = e.Value.Stats()
		if err := predictDataset(ctx, c, e.Key, e.Value, m, predictFn, args.PredictionHandler, limit); err != nil {
			return fmt.Errorf("predict %s: %w", e.Key, err)
		}
	}
	if err := c.WriteYAML(ctx, PredictionStatsFile, stats); err != nil {
		return err
	}
	s.Datasets = args.Datasets
	s.Description = desc
	return nil
}

// predictDataset streams every batch of ds through the handler. The handler
// is closed on every path.
func predictDataset(ctx context.Context, c *experiment.Context, name string, ds data.Dataset, m model.Model, fn model.PredictionFunction, h predict.Handler, limit int) (err error) {
	if err := h.Open(ctx, c, name); err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close prediction handler: %w", cerr))
		}
	}()

	it := data.IterWithInfo(ctx, ds)
	batches := 0
	for infos, batch := range it.Limit(limit) {
		pred, err := fn.Predict(ctx, m, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", batches, err)
		}
		if err := h.Add(ctx, infos, pred); err != nil {
			return fmt.Errorf("batch %d: %w", batches, err)
		}
		batches++
	}
	if err := it.Err(); err != nil {
		return err
	}
	c.Logger().Info("predictions written", "dataset", name, "batches", batches)
	return nil
}

// description returns the configured data description, else the one held
// in state, else the one the train stage persisted into the workspace.
func (s *State) description(ctx context.Context, configured data.DataDescription) (data.DataDescription, error) {
	if configured != nil {
		return configured, nil
	}
	if s.Description != nil {
		return s.Description, nil
	}
	raw, err := s.Context.ReadBytes(ctx, DescriptionFile)
	if err != nil {
		return nil, errs.Wrap(errs.MissingArtifact, err, "no data description configured or recorded")
	}
	n, err := initnode.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", DescriptionFile, err)
	}
	desc, err := initnode.InstantiateAs[data.DataDescription](ctx, s.Registry, n)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", DescriptionFile, err)
	}
	return desc, nil
}
