// Package stages implements the pipeline stages. Stages share a State that
// carries the experiment context, held locks and prepared datasets from
// one stage to the next.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/filelock"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/log"
)

// Stage names.
const (
	AcquireLocks       = "acquire_locks"
	Experiment         = "experiment"
	Train              = "train"
	Prediction         = "prediction"
	Analysis           = "analysis"
	ReleaseLocks       = "release_locks"
	ExpTests           = "exptests"
	LocalizeExperiment = "localize_experiment"
	EvalCopyExp        = "eval_copy_exp"
	DataGeneration     = "data_generation"
	SplitData          = "split_data"
	CropNumbers        = "crop_numbers"
	ImageToTabularData = "image_to_tabular_data"
)

// RemoveKeysParam is accepted by every stage: keys dropped, at any depth,
// from the persisted effective configuration.
const RemoveKeysParam = "remove_keys"

// Stage is one step of a pipeline.
type Stage interface {
	Name() string
	// Validate checks params against the stage's argument schema without
	// building anything.
	Validate(r *initnode.Registry, params *initnode.Mapping) error
	Run(ctx context.Context, s *State, params *initnode.Mapping) error
}

// LockEntry is a named held lock.
type LockEntry struct {
	Name string
	Lock *filelock.Lock
}

// State flows through the stages of one pipeline run.
type State struct {
	Registry *initnode.Registry
	Env      interp.Env
	Logger   *slog.Logger

	Context     *experiment.Context
	Locks       []LockEntry
	Datasets    initnode.Named[data.Dataset]
	Description data.DataDescription

	// Manager creates workspaces; set by the experiment stage.
	Manager *experiment.Manager
	// Source is the foreign workspace opened by localize_experiment.
	Source *experiment.Context

	pending []configRecord
}

// NewState returns an empty state.
func NewState(r *initnode.Registry, env interp.Env) *State {
	return &State{Registry: r, Env: env, Logger: log.WithComponent("pipeline")}
}

// requireContext fails when no workspace exists yet.
func (s *State) requireContext(stage string) (*experiment.Context, error) {
	if s.Context == nil {
		return nil, errs.New(errs.MissingArtifact, "%s needs an experiment workspace; run the experiment stage first", stage)
	}
	return s.Context, nil
}

// ReleaseAll releases every held lock in reverse acquisition order and
// forgets them. Errors are logged; the first is returned.
func (s *State) ReleaseAll(ctx context.Context) error {
	var first error
	for _, e := range slices.Backward(s.Locks) {
		if e.Lock.State() != filelock.StateAcquired {
			continue
		}
		if err := e.Lock.Release(ctx); err != nil {
			s.Logger.Error("lock release failed", "lock", e.Name, "error", err)
			if first == nil {
				first = fmt.Errorf("release lock %s: %w", e.Name, err)
			}
			continue
		}
		s.Logger.Info("lock released", "lock", e.Name)
	}
	s.Locks = nil
	return first
}

// argsStage decodes its parameters into A and calls run.
type argsStage[A any] struct {
	name string
	run  func(ctx context.Context, s *State, args *A) error
}

func (st argsStage[A]) Name() string { return st.name }

func (st argsStage[A]) Validate(r *initnode.Registry, params *initnode.Mapping) error {
	return r.ValidateArgs(withoutRemoveKeys(params), reflect.TypeFor[A]())
}

func (st argsStage[A]) Run(ctx context.Context, s *State, params *initnode.Mapping) error {
	var args A
	if err := s.Registry.DecodeArgs(ctx, withoutRemoveKeys(params), &args); err != nil {
		return err
	}
	return st.run(ctx, s, &args)
}

func withoutRemoveKeys(m *initnode.Mapping) *initnode.Mapping {
	out := &initnode.Mapping{}
	if m == nil {
		return out
	}
	for _, e := range m.Entries {
		if e.Key != RemoveKeysParam {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// All returns every stage keyed by name.
func All() map[string]Stage {
	out := map[string]Stage{}
	for _, st := range []Stage{
		acquireLocksStage{},
		experimentStage(),
		trainStage(),
		predictionStage(),
		analysisStage(),
		releaseLocksStage(),
		expTestsStage(),
		localizeStage(),
		evalCopyStage(),
		dataGenerationStage(),
		splitDataStage(),
		cropNumbersStage(),
		imageToTabularStage(),
	} {
		out[st.Name()] = st
	}
	return out
}
