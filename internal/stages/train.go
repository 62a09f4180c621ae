package stages

import (
	"context"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/model"
)

// Dataset stats files.
const (
	TrainStatsFile      = experiment.DatasetStatsDir + "/stats_train.yaml"
	PredictionStatsFile = experiment.DatasetStatsDir + "/stats_prediction.yaml"
)

// TrainArgs configure the train stage.
type TrainArgs struct {
	TrainParams                 *model.TrainParams          `yaml:"train_params"`
	ModelFactory                model.ModelFactory          `yaml:"model_factory" validate:"required"`
	DataDescription             data.DataDescription        `yaml:"data_description" validate:"required"`
	TrainDataset                data.Dataset                `yaml:"train_dataset" validate:"required"`
	ValidationDataset           data.Dataset                `yaml:"validation_dataset"`
	Learner                     model.Learner               `yaml:"learner" validate:"required"`
	ExperimentOutputInitializer experiment.OutputInitializer `yaml:"experiment_output_initializer"`
}

func trainStage() Stage {
	return argsStage[TrainArgs]{name: Train, run: runTrain}
}

func runTrain(ctx context.Context, s *State, args *TrainArgs) error {
	c, err := s.requireContext(Train)
	if err != nil {
		return err
	}
	params := model.DefaultTrainParams()
	if args.TrainParams != nil {
		params = args.TrainParams.WithDefaults()
	}

	stats := map[string]data.Stats{}
	if err := args.TrainDataset.Initialize(ctx, args.DataDescription, c); err != nil {
		return fmt.Errorf("initialize train dataset: %w", err)
	}
	stats["train"] = args.TrainDataset.Stats()
	if args.ValidationDataset != nil {
		if err := args.ValidationDataset.Initialize(ctx, args.DataDescription, c); err != nil {
			return fmt.Errorf("initialize validation dataset: %w", err)
		}
		stats["validation"] = args.ValidationDataset.Stats()
	}
	if err := c.WriteYAML(ctx, TrainStatsFile, stats); err != nil {
		return err
	}

	if args.ExperimentOutputInitializer != nil {
		if err := args.ExperimentOutputInitializer.Initialize(ctx, c); err != nil {
			return fmt.Errorf("initialize experiment output: %w", err)
		}
	}
	s.Description = args.DataDescription

	s.Logger.Info("training started",
		"epochs", params.Epochs,
		"train_batches", args.TrainDataset.Len(),
		"learning_rate", params.LearningRate,
	)
	if err := args.Learner.RunTraining(ctx, c, args.ModelFactory, args.TrainDataset, args.ValidationDataset, params, args.DataDescription); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	s.Logger.Info("training finished")
	return nil
}
