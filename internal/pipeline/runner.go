package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/trainpipe/internal/config"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/ledger"
	"github.com/mattjoyce/trainpipe/internal/log"
	"github.com/mattjoyce/trainpipe/internal/stages"
)

var optional = map[string]bool{
	stages.AcquireLocks: true,
	stages.ReleaseLocks: true,
	stages.ExpTests:     true,
}

// IsOptional reports whether stage is skipped, rather than rejected, when
// the document has no ops entry for it.
func IsOptional(stage string) bool { return optional[stage] }

// Recorder receives run and stage transitions. *ledger.Store implements it.
type Recorder interface {
	BeginRun(ctx context.Context, pipeline, fingerprint string) (string, error)
	AttachWorkspace(ctx context.Context, ref, runID, shortID, dir string) error
	EndRun(ctx context.Context, ref string, status ledger.Status, runErr error) error
	BeginStage(ctx context.Context, ref string, seq int, stage string) (string, error)
	SkipStage(ctx context.Context, ref string, seq int, stage string) error
	EndStage(ctx context.Context, stageRef string, status ledger.Status, stageErr error) error
}

var _ Recorder = (*ledger.Store)(nil)

// Options configure a Runner.
type Options struct {
	Registry *initnode.Registry
	Env      interp.Env
	// Recorder is optional.
	Recorder Recorder
	Logger   *slog.Logger
	// Stages defaults to stages.All().
	Stages map[string]stages.Stage
}

// StageResult is the outcome of one planned stage.
type StageResult struct {
	Stage    string
	Status   ledger.Status
	Duration time.Duration
	Err      error
}

// Result summarizes a pipeline run.
type Result struct {
	Pipeline    string
	Fingerprint string
	RunID       string
	ShortID     string
	Workspace   string
	Stages      []StageResult
}

// Runner executes compiled pipelines against a pipeline document.
type Runner struct {
	set  *Set
	opts Options
}

// NewRunner creates a Runner over set.
func NewRunner(set *Set, opts Options) *Runner {
	if opts.Stages == nil {
		opts.Stages = stages.All()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("pipeline")
	}
	return &Runner{set: set, opts: opts}
}

type plannedStage struct {
	stage  stages.Stage
	params *initnode.Mapping // nil: optional and not configured
}

func (r *Runner) plan(name string, doc *config.Document) (*Pipeline, []plannedStage, error) {
	p, ok := r.set.Pipelines[name]
	if !ok {
		return nil, nil, errs.New(errs.ConfigSchema, "unknown pipeline %q", name).
			WithDetail("available", r.set.Names())
	}

	used := make(map[string]bool, len(p.Order))
	planned := make([]plannedStage, 0, len(p.Order))
	for _, stageName := range p.Stages() {
		used[stageName] = true
		st, ok := r.opts.Stages[stageName]
		if !ok {
			return nil, nil, errs.New(errs.ConfigSchema, "pipeline %q uses unknown stage %q", name, stageName)
		}
		params, ok := doc.Stage(stageName)
		if !ok {
			if _, present := doc.Ops.Get(stageName); present {
				return nil, nil, errs.New(errs.ConfigSchema, "ops.%s must be a mapping", stageName)
			}
			if !optional[stageName] {
				return nil, nil, errs.New(errs.ConfigSchema, "ops.%s is required by pipeline %q", stageName, name)
			}
		}
		planned = append(planned, plannedStage{stage: st, params: params})
	}

	for _, key := range doc.StageNames() {
		if !used[key] {
			r.opts.Logger.Warn("ops entry not used by pipeline", "pipeline", name, "stage", key)
		}
	}
	return p, planned, nil
}

// Validate checks that doc configures every stage of the named pipeline
// with parameters matching the stage schema. Nothing is instantiated.
func (r *Runner) Validate(name string, doc *config.Document) error {
	_, planned, err := r.plan(name, doc)
	if err != nil {
		return err
	}
	return r.validate(planned)
}

func (r *Runner) validate(planned []plannedStage) error {
	var all []error
	for _, ps := range planned {
		if ps.params == nil {
			continue
		}
		if err := ps.stage.Validate(r.opts.Registry, ps.params); err != nil {
			all = append(all, fmt.Errorf("ops.%s: %w", ps.stage.Name(), err))
		}
	}
	return errors.Join(all...)
}

// Run executes the named pipeline. Stages run in order; after a failure the
// remaining stages are recorded as skipped. Held locks are released on every
// exit path.
func (r *Runner) Run(ctx context.Context, name string, doc *config.Document) (res *Result, err error) {
	p, planned, err := r.plan(name, doc)
	if err != nil {
		return nil, err
	}
	if err := r.validate(planned); err != nil {
		return nil, err
	}

	logger := r.opts.Logger.With("pipeline", p.Name)
	state := stages.NewState(r.opts.Registry, r.opts.Env)
	state.Logger = logger
	res = &Result{Pipeline: p.Name, Fingerprint: p.Fingerprint}
	rec := recorder{r: r.opts.Recorder, logger: logger}

	ref := rec.beginRun(ctx, p.Name, p.Fingerprint)
	logger.Info("pipeline started", "fingerprint", p.Fingerprint, "stages", len(planned))

	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if relErr := state.ReleaseAll(cleanup); relErr != nil {
			err = errors.Join(err, relErr)
		}
		if pending := state.PendingConfigs(); len(pending) > 0 {
			logger.Debug("effective configs not persisted, no workspace", "stages", pending)
		}
		status := ledger.StatusSucceeded
		if err != nil {
			status = ledger.StatusFailed
		}
		rec.endRun(cleanup, ref, status, err)
		logger.Info("pipeline finished", "status", status, "run_id", res.RunID)
	}()

	attached := false
	var failed error
	for seq, ps := range planned {
		stageName := ps.stage.Name()
		if ps.params == nil || failed != nil {
			rec.skipStage(ctx, ref, seq, stageName)
			res.Stages = append(res.Stages, StageResult{Stage: stageName, Status: ledger.StatusSkipped})
			if failed == nil {
				logger.Debug("optional stage not configured", "stage", stageName)
			}
			continue
		}

		stageRef := rec.beginStage(ctx, ref, seq, stageName)
		start := time.Now()
		logger.Info("stage started", "stage", stageName)
		stageErr := r.runStage(ctx, state, ps)
		elapsed := time.Since(start)

		if !attached && state.Context != nil {
			c := state.Context
			res.RunID, res.ShortID, res.Workspace = c.RunID, c.ShortID, c.Dir
			rec.attach(ctx, ref, c.RunID, c.ShortID, c.Dir)
			attached = true
		}

		status := ledger.StatusSucceeded
		if stageErr != nil {
			status = ledger.StatusFailed
			failed = fmt.Errorf("stage %s: %w", stageName, stageErr)
			logger.Error("stage failed", "stage", stageName, "kind", errs.KindOf(stageErr), "error", stageErr)
		} else {
			logger.Info("stage finished", "stage", stageName, "duration", elapsed)
		}
		rec.endStage(context.WithoutCancel(ctx), stageRef, status, stageErr)
		res.Stages = append(res.Stages, StageResult{Stage: stageName, Status: status, Duration: elapsed, Err: stageErr})
	}
	return res, failed
}

func (r *Runner) runStage(ctx context.Context, state *stages.State, ps plannedStage) error {
	name := ps.stage.Name()
	if err := state.RecordConfig(ctx, name, ps.params); err != nil {
		return fmt.Errorf("persist effective config: %w", err)
	}
	if err := ps.stage.Run(ctx, state, ps.params); err != nil {
		return err
	}
	return state.Flush(ctx)
}

// recorder forwards to an optional Recorder; ledger failures are logged and
// never fail the run.
type recorder struct {
	r      Recorder
	logger *slog.Logger
}

func (rc recorder) beginRun(ctx context.Context, pipeline, fingerprint string) string {
	if rc.r == nil {
		return ""
	}
	ref, err := rc.r.BeginRun(ctx, pipeline, fingerprint)
	if err != nil {
		rc.logger.Warn("ledger: begin run failed", "error", err)
		return ""
	}
	return ref
}

func (rc recorder) attach(ctx context.Context, ref, runID, shortID, dir string) {
	if rc.r == nil || ref == "" {
		return
	}
	if err := rc.r.AttachWorkspace(ctx, ref, runID, shortID, dir); err != nil {
		rc.logger.Warn("ledger: attach workspace failed", "error", err)
	}
}

func (rc recorder) endRun(ctx context.Context, ref string, status ledger.Status, runErr error) {
	if rc.r == nil || ref == "" {
		return
	}
	if err := rc.r.EndRun(ctx, ref, status, runErr); err != nil {
		rc.logger.Warn("ledger: end run failed", "error", err)
	}
}

func (rc recorder) beginStage(ctx context.Context, ref string, seq int, stage string) string {
	if rc.r == nil || ref == "" {
		return ""
	}
	stageRef, err := rc.r.BeginStage(ctx, ref, seq, stage)
	if err != nil {
		rc.logger.Warn("ledger: begin stage failed", "stage", stage, "error", err)
		return ""
	}
	return stageRef
}

func (rc recorder) skipStage(ctx context.Context, ref string, seq int, stage string) {
	if rc.r == nil || ref == "" {
		return
	}
	if err := rc.r.SkipStage(ctx, ref, seq, stage); err != nil {
		rc.logger.Warn("ledger: skip stage failed", "stage", stage, "error", err)
	}
}

func (rc recorder) endStage(ctx context.Context, stageRef string, status ledger.Status, stageErr error) {
	if rc.r == nil || stageRef == "" {
		return
	}
	if err := rc.r.EndStage(ctx, stageRef, status, stageErr); err != nil {
		rc.logger.Warn("ledger: end stage failed", "error", err)
	}
}
