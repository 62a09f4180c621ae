package stages

import (
	"context"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// ExperimentArgs configure the experiment stage.
type ExperimentArgs struct {
	// Output is the location workspaces are created under.
	Output string `yaml:"output" validate:"required"`
	// FolderName may use $RUN_ID and $SHORT_ID.
	FolderName  string `yaml:"folder_name"`
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

func experimentStage() Stage {
	return argsStage[ExperimentArgs]{name: Experiment, run: runExperiment}
}

func runExperiment(ctx context.Context, s *State, args *ExperimentArgs) error {
	if s.Context != nil {
		return fmt.Errorf("experiment workspace already exists at %s", s.Context.Dir)
	}
	fs, base, err := fsys.Resolve(ctx, args.Output, s.Env.Lookup)
	if err != nil {
		return fmt.Errorf("experiment output: %w", err)
	}
	m, err := experiment.NewManager(fs, base, s.Env)
	if err != nil {
		return err
	}
	c, err := m.Create(ctx, args.FolderName)
	if err != nil {
		return err
	}
	info := experiment.Info{
		ExperimentName:   args.Name,
		ExperimentPrefix: args.Prefix,
		ExperimentType:   args.Type,
		Description:      args.Description,
	}
	if err := c.WriteInfo(ctx, info, true); err != nil {
		return err
	}
	s.Manager = m
	s.Context = c
	s.Logger = c.Logger()
	s.Logger.Info("experiment workspace created", "dir", c.Dir)
	return nil
}
