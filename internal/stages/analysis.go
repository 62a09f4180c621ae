package stages

import (
	"context"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/analysis"
	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/exptests"
)

// AnalysisArgs configure the analysis stage. remove_keys is handled by
// every stage and needs no field here.
type AnalysisArgs struct {
	ResultAnalyzer  analysis.ResultAnalyzer `yaml:"result_analyzer" validate:"required"`
	DataDescription data.DataDescription    `yaml:"data_description"`
}

func analysisStage() Stage {
	return argsStage[AnalysisArgs]{name: Analysis, run: runAnalysis}
}

func runAnalysis(ctx context.Context, s *State, args *AnalysisArgs) error {
	c, err := s.requireContext(Analysis)
	if err != nil {
		return err
	}
	if len(s.Datasets) == 0 {
		return errs.New(errs.MissingArtifact, "analysis has no datasets; run the prediction stage first")
	}
	desc, err := s.description(ctx, args.DataDescription)
	if err != nil {
		return err
	}
	for _, e := range s.Datasets {
		if err := args.ResultAnalyzer.Initialize(desc); err != nil {
			return fmt.Errorf("initialize analyzer for %s: %w", e.Key, err)
		}
		res, err := args.ResultAnalyzer.Analyze(ctx, e.Value, c, e.Key)
		if err != nil {
			return fmt.Errorf("analyze %s: %w", e.Key, err)
		}
		s.Logger.Info("analysis written", "dataset", e.Key, "results", len(res))
	}
	return nil
}

// ExpTestsArgs configure the exptests stage.
type ExpTestsArgs struct {
	TestProcess *exptests.Process `yaml:"test_process" validate:"required"`
}

func expTestsStage() Stage {
	return argsStage[ExpTestsArgs]{name: ExpTests, run: runExpTests}
}

func runExpTests(ctx context.Context, s *State, args *ExpTestsArgs) error {
	c, err := s.requireContext(ExpTests)
	if err != nil {
		return err
	}
	_, err = args.TestProcess.Run(ctx, c)
	return err
}
