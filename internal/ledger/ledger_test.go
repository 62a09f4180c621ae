package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	for _, table := range []string{"runs", "stage_runs"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, table)
	}
	require.NoError(t, BootstrapSQLite(context.Background(), s.db))
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	ref, err := s.BeginRun(ctx, "train", "blake3:abc")
	require.NoError(t, err)
	require.NoError(t, s.AttachWorkspace(ctx, ref, "2024-01-01T00.00.00.000Z", "ab12", "/out/exp"))

	st1, err := s.BeginStage(ctx, ref, 0, "experiment")
	require.NoError(t, err)
	require.NoError(t, s.EndStage(ctx, st1, StatusSucceeded, nil))

	st2, err := s.BeginStage(ctx, ref, 1, "train")
	require.NoError(t, err)
	stageErr := fmt.Errorf("training: %w", errs.New(errs.DataInvariant, "loss is NaN").WithDetail("epoch", 2))
	require.NoError(t, s.EndStage(ctx, st2, StatusFailed, stageErr))
	require.NoError(t, s.SkipStage(ctx, ref, 2, "prediction"))
	require.NoError(t, s.EndRun(ctx, ref, StatusFailed, stageErr))

	run, err := s.GetRun(ctx, "2024-01-01T00.00.00.000Z")
	require.NoError(t, err)
	assert.Equal(t, ref, run.ID)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "ab12", run.ShortID)
	assert.Equal(t, string(errs.DataInvariant), run.ErrorKind)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, run.Stages, 3)
	assert.Equal(t, "experiment", run.Stages[0].Stage)
	assert.Equal(t, StatusSucceeded, run.Stages[0].Status)
	assert.Empty(t, run.Stages[0].LastError)
	assert.Equal(t, StatusFailed, run.Stages[1].Status)
	assert.JSONEq(t, `{"epoch": 2}`, string(run.Stages[1].Details))
	assert.Equal(t, StatusSkipped, run.Stages[2].Status)
	assert.NotNil(t, run.Stages[2].FinishedAt)
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"first", "second", "third"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := s.BeginRun(ctx, name, "blake3:x")
		require.NoError(t, err)
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "third", runs[0].Pipeline)
	assert.Equal(t, StatusRunning, runs[0].Status)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
	assert.True(t, errors.Is(s.EndRun(ctx, "missing", StatusSucceeded, nil), ErrRunNotFound))
}
