package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/components"
	"github.com/mattjoyce/trainpipe/internal/config"
	"github.com/mattjoyce/trainpipe/internal/datagen"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/ledger"
	"github.com/mattjoyce/trainpipe/internal/stages"
)

func TestBuiltinPipelines(t *testing.T) {
	set, err := Builtin()
	require.NoError(t, err)
	assert.Equal(t, []string{DataGeneration, Eval, Train}, set.Names())

	train := set.Pipelines[Train]
	assert.Equal(t, []string{
		stages.AcquireLocks, stages.Experiment, stages.Train, stages.Prediction,
		stages.Analysis, stages.ReleaseLocks, stages.ExpTests,
	}, train.Stages())
	assert.Equal(t, []string{stages.AcquireLocks}, train.EntryNodeIDs)
	assert.Equal(t, []string{stages.ExpTests, stages.ReleaseLocks}, train.TerminalNodeIDs)
	assert.True(t, strings.HasPrefix(train.Fingerprint, "blake3:"))
	assert.Contains(t, train.Edges, Edge{From: stages.Analysis, To: stages.ExpTests})
	assert.Contains(t, train.Edges, Edge{From: stages.Analysis, To: stages.ReleaseLocks})

	assert.Equal(t, []string{
		stages.DataGeneration, stages.SplitData, stages.CropNumbers, stages.ImageToTabularData,
	}, set.Pipelines[DataGeneration].Stages())
	assert.Equal(t, stages.LocalizeExperiment, set.Pipelines[Eval].Stages()[1])
}

func TestFingerprintIsStable(t *testing.T) {
	a, err := Builtin()
	require.NoError(t, err)
	b, err := Builtin()
	require.NoError(t, err)
	for name, p := range a.Pipelines {
		assert.Equal(t, p.Fingerprint, b.Pipelines[name].Fingerprint, name)
	}
	assert.NotEqual(t, a.Pipelines[Train].Fingerprint, a.Pipelines[Eval].Fingerprint)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing name", "pipelines:\n  - steps:\n      - uses: a\n", "name is required"},
		{"no steps", "pipelines:\n  - name: p\n", "steps must be non-empty"},
		{"duplicate id", "pipelines:\n  - name: p\n    steps:\n      - uses: a\n      - uses: a\n", `duplicate step id "a"`},
		{"two modes", "pipelines:\n  - name: p\n    steps:\n      - uses: a\n        split:\n          - uses: b\n", "exactly one of"},
		{"duplicate pipeline", "pipelines:\n  - name: p\n    steps: [{uses: a}]\n  - name: p\n    steps: [{uses: a}]\n", "duplicate pipeline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := Parse([]byte(tt.src))
			require.NoError(t, err)
			_, err = CompileSpecs(fs.Pipelines)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errs.IsKind(err, errs.ConfigSchema))
		})
	}
}

func TestLinearizeFollowsDeclarationOrder(t *testing.T) {
	fs, err := Parse([]byte(`
pipelines:
  - name: p
    steps:
      - uses: first
      - split:
          - uses: zeta
          - steps:
              - uses: alpha
              - uses: beta
      - uses: last
`))
	require.NoError(t, err)
	set, err := CompileSpecs(fs.Pipelines)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "zeta", "alpha", "beta", "last"}, set.Pipelines["p"].Stages())
}

// stub is a stage whose run is scripted by the test.
type stub struct {
	name string
	err  error
	ran  *[]string
}

func (s stub) Name() string { return s.name }

func (s stub) Validate(*initnode.Registry, *initnode.Mapping) error { return nil }

func (s stub) Run(context.Context, *stages.State, *initnode.Mapping) error {
	*s.ran = append(*s.ran, s.name)
	return s.err
}

type event struct {
	kind   string
	stage  string
	status ledger.Status
}

type fakeRecorder struct {
	events []event
}

func (f *fakeRecorder) BeginRun(context.Context, string, string) (string, error) {
	f.events = append(f.events, event{kind: "begin_run"})
	return "run-1", nil
}

func (f *fakeRecorder) AttachWorkspace(context.Context, string, string, string, string) error {
	f.events = append(f.events, event{kind: "attach"})
	return nil
}

func (f *fakeRecorder) EndRun(_ context.Context, _ string, status ledger.Status, _ error) error {
	f.events = append(f.events, event{kind: "end_run", status: status})
	return nil
}

func (f *fakeRecorder) BeginStage(_ context.Context, _ string, _ int, stage string) (string, error) {
	f.events = append(f.events, event{kind: "begin_stage", stage: stage})
	return stage, nil
}

func (f *fakeRecorder) SkipStage(_ context.Context, _ string, _ int, stage string) error {
	f.events = append(f.events, event{kind: "skip", stage: stage})
	return nil
}

func (f *fakeRecorder) EndStage(_ context.Context, stageRef string, status ledger.Status, _ error) error {
	f.events = append(f.events, event{kind: "end_stage", stage: stageRef, status: status})
	return nil
}

func compile(t *testing.T, src string) *Set {
	t.Helper()
	fs, err := Parse([]byte(src))
	require.NoError(t, err)
	set, err := CompileSpecs(fs.Pipelines)
	require.NoError(t, err)
	return set
}

func document(t *testing.T, src string) *config.Document {
	t.Helper()
	doc, err := config.LoadBytes([]byte(src), config.LoadOptions{Env: interp.FromMap(map[string]string{})})
	require.NoError(t, err)
	return doc
}

func TestRunSkipsRemainingStagesAfterFailure(t *testing.T) {
	var ran []string
	boom := errs.New(errs.DataInvariant, "bad batch")
	rec := &fakeRecorder{}
	r := NewRunner(compile(t, "pipelines:\n  - name: p\n    steps: [{uses: a}, {uses: b}, {uses: c}]\n"), Options{
		Registry: components.MustNew(),
		Recorder: rec,
		Stages: map[string]stages.Stage{
			"a": stub{name: "a", ran: &ran},
			"b": stub{name: "b", err: boom, ran: &ran},
			"c": stub{name: "c", ran: &ran},
		},
	})

	res, err := r.Run(context.Background(), "p", document(t, "ops:\n  a: {}\n  b: {}\n  c: {}\n"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.DataInvariant))
	assert.Equal(t, []string{"a", "b"}, ran)

	require.Len(t, res.Stages, 3)
	assert.Equal(t, ledger.StatusSucceeded, res.Stages[0].Status)
	assert.Equal(t, ledger.StatusFailed, res.Stages[1].Status)
	assert.Equal(t, ledger.StatusSkipped, res.Stages[2].Status)

	assert.Equal(t, []event{
		{kind: "begin_run"},
		{kind: "begin_stage", stage: "a"},
		{kind: "end_stage", stage: "a", status: ledger.StatusSucceeded},
		{kind: "begin_stage", stage: "b"},
		{kind: "end_stage", stage: "b", status: ledger.StatusFailed},
		{kind: "skip", stage: "c"},
		{kind: "end_run", status: ledger.StatusFailed},
	}, rec.events)
}

func TestRunRequiresMandatoryStages(t *testing.T) {
	set, err := Builtin()
	require.NoError(t, err)
	r := NewRunner(set, Options{Registry: components.MustNew()})

	_, err = r.Run(context.Background(), Train, document(t, "ops:\n  experiment:\n    output: /tmp\n"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ConfigSchema))
	assert.Contains(t, err.Error(), "ops.train is required")

	_, err = r.Run(context.Background(), "nope", document(t, "ops:\n  experiment: {}\n"))
	assert.True(t, errs.IsKind(err, errs.ConfigSchema))
}

func TestValidateReportsEveryBadStage(t *testing.T) {
	set, err := Builtin()
	require.NoError(t, err)
	r := NewRunner(set, Options{Registry: components.MustNew()})

	doc := document(t, `
ops:
  data_generation:
    sample_count: 5
  split_data:
    index: /tmp/x/index.csv
    bogus: 1
  crop_numbers:
    source: /tmp/x
    output: /tmp/y
  image_to_tabular_data:
    source: /tmp/y
    output: /tmp/z
`)
	err = r.Validate(DataGeneration, doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ops.data_generation")
	assert.Contains(t, err.Error(), "ops.split_data")
	assert.NotContains(t, err.Error(), "ops.crop_numbers")
}

func TestLocksReleasedWhenLaterStageFails(t *testing.T) {
	locks := t.TempDir()
	var ran []string
	all := stages.All()
	r := NewRunner(compile(t, "pipelines:\n  - name: p\n    steps: [{uses: acquire_locks}, {uses: boom}]\n"), Options{
		Registry: components.MustNew(),
		Stages: map[string]stages.Stage{
			stages.AcquireLocks: all[stages.AcquireLocks],
			"boom":              stub{name: "boom", err: errs.New(errs.MissingArtifact, "gone"), ran: &ran},
		},
	})

	doc := document(t, fmt.Sprintf("ops:\n  acquire_locks:\n    data:\n      location: %s\n      kind: write\n  boom: {}\n", locks))
	_, err := r.Run(context.Background(), "p", doc)
	require.Error(t, err)
	assert.Equal(t, []string{"boom"}, ran)
	assert.NoFileExists(t, filepath.Join(locks, "write.lock"))
}

func TestDataGenerationPipelineWithLedger(t *testing.T) {
	ctx := context.Background()
	db, err := ledger.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := ledger.NewStore(db)

	set, err := Builtin()
	require.NoError(t, err)
	r := NewRunner(set, Options{Registry: components.MustNew(), Recorder: store})

	root := t.TempDir()
	doc := document(t, fmt.Sprintf(`
ops:
  data_generation:
    output: %[1]s/raw
    sample_count: 20
    max_number: 1
    seed: 3
  split_data:
    index: %[1]s/raw/%[2]s
    seed: 3
  crop_numbers:
    source: %[1]s/raw
    output: %[1]s/cropped
    width: 8
    height: 8
  image_to_tabular_data:
    source: %[1]s/cropped
    output: %[1]s/tabular
`, root, datagen.IndexFile))

	res, err := r.Run(ctx, DataGeneration, doc)
	require.NoError(t, err)
	assert.Empty(t, res.RunID, "data generation creates no workspace")
	assert.FileExists(t, filepath.Join(root, "tabular", datagen.TrainSplit+stages.TabularExt))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.StatusSucceeded, runs[0].Status)
	assert.Equal(t, set.Pipelines[DataGeneration].Fingerprint, runs[0].Fingerprint)

	got, err := store.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 4)
	for _, st := range got.Stages {
		assert.Equal(t, ledger.StatusSucceeded, st.Status, st.Stage)
	}
}
