package stages

import (
	"context"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// LocalizeArgs configure localize_experiment.
type LocalizeArgs struct {
	ExperimentDir string `yaml:"experiment_dir" validate:"required"`
}

func localizeStage() Stage {
	return argsStage[LocalizeArgs]{name: LocalizeExperiment, run: runLocalize}
}

func runLocalize(ctx context.Context, s *State, args *LocalizeArgs) error {
	fs, dir, err := fsys.Resolve(ctx, args.ExperimentDir, s.Env.Lookup)
	if err != nil {
		return fmt.Errorf("experiment_dir: %w", err)
	}
	src, info, err := experiment.Open(ctx, fs, dir, s.Env)
	if err != nil {
		return errs.Wrap(errs.MissingArtifact, err, "localize %s", args.ExperimentDir).WithDetail("artifact", experiment.InfoFile)
	}
	s.Source = src
	s.Logger.Info("experiment localized", "dir", dir, "source_run_id", info.RunID, "name", info.ExperimentName)
	return nil
}

// EvalCopyArgs configure eval_copy_exp.
type EvalCopyArgs struct {
	Output     string `yaml:"output" validate:"required"`
	FolderName string `yaml:"folder_name"`
	// Subdirs are copied from the source workspace; models and configs by
	// default.
	Subdirs []string `yaml:"subdirs"`
}

func evalCopyStage() Stage {
	return argsStage[EvalCopyArgs]{name: EvalCopyExp, run: runEvalCopy}
}

func runEvalCopy(ctx context.Context, s *State, args *EvalCopyArgs) error {
	if s.Source == nil {
		return errs.New(errs.MissingArtifact, "%s needs a localized experiment; run %s first", EvalCopyExp, LocalizeExperiment)
	}
	if s.Context != nil {
		return fmt.Errorf("experiment workspace already exists at %s", s.Context.Dir)
	}
	subdirs := args.Subdirs
	if len(subdirs) == 0 {
		subdirs = []string{experiment.ModelsDir, experiment.ConfigsDir}
	}
	fs, base, err := fsys.Resolve(ctx, args.Output, s.Env.Lookup)
	if err != nil {
		return fmt.Errorf("eval output: %w", err)
	}
	m, err := experiment.NewManager(fs, base, s.Env)
	if err != nil {
		return err
	}
	srcInfo, err := s.Source.ReadInfo(ctx)
	if err != nil {
		return err
	}
	dst, copied, err := m.Clone(ctx, s.Source, args.FolderName, subdirs)
	if err != nil {
		return err
	}
	info := experiment.Info{
		ExperimentName:   srcInfo.ExperimentName,
		ExperimentPrefix: srcInfo.ExperimentPrefix,
		ExperimentType:   "eval",
		Description:      fmt.Sprintf("evaluation of %s (%s)", srcInfo.RunID, s.Source.Dir),
		Environment:      srcInfo.Environment,
	}
	if err := dst.WriteInfo(ctx, info, true); err != nil {
		return err
	}
	s.Manager = m
	s.Context = dst
	s.Logger = dst.Logger()
	s.Logger.Info("experiment copied for evaluation", "source", s.Source.Dir, "dir", dst.Dir, "files", copied)
	return nil
}
