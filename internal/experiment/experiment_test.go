package experiment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/table"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(fsys.NewLocal(), t.TempDir(), interp.FromMap(map[string]string{
		"DATA_URI": "/data",
		"EPOCHS":   "3",
		"SECRET":   "hidden",
	}))
	require.NoError(t, err)
	return m
}

func TestRunIDFormat(t *testing.T) {
	id := NewRunID(time.Date(2024, 3, 5, 7, 8, 9, 123456789, time.UTC))
	assert.True(t, ValidRunID(id), id)
	assert.Len(t, ShortID(id), 4)
	assert.Equal(t, ShortID(id), ShortID(id))

	parsed, err := ParseRunID(id)
	require.NoError(t, err)
	assert.Equal(t, 2024, parsed.Year())
}

func TestRunIDsStrictlyIncrease(t *testing.T) {
	now := time.Now()
	prev := NewRunID(now)
	for i := 0; i < 50; i++ {
		next := NewRunID(now)
		assert.Greater(t, next, prev)
		assert.True(t, ValidRunID(next))
		prev = next
	}
}

func TestValidRunIDRejects(t *testing.T) {
	for _, s := range []string{"", "2024-03-05T07:08:09.123Z", "2024-03-05T07.08.09Z", "x2024-03-05T07.08.09.123Z"} {
		assert.False(t, ValidRunID(s), s)
	}
}

func TestFolderName(t *testing.T) {
	got := FolderName("exp_$SHORT_ID_$RUN_ID", "2024-01-01T00.00.00.000Z", "ab12")
	assert.Equal(t, "exp_ab12_2024-01-01T00.00.00.000Z", got)
}

func TestCreateWorkspace(t *testing.T) {
	m := newManager(t)
	c, err := m.Create(context.Background(), "run_$RUN_ID")
	require.NoError(t, err)

	assert.True(t, ValidRunID(c.RunID))
	assert.Equal(t, ShortID(c.RunID), c.ShortID)
	assert.Equal(t, filepath.Join(m.BaseDir(), "run_"+c.RunID), c.Dir)
	st, err := os.Stat(c.Dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestCreateRejectsEscapingPattern(t *testing.T) {
	m := newManager(t)
	_, err := m.Create(context.Background(), "../$RUN_ID")
	require.Error(t, err)
}

func TestInfoLastModifiedMonotonic(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c.SetClock(func() time.Time { return clock })

	require.NoError(t, c.WriteInfo(ctx, Info{ExperimentName: "demo"}, true))
	first, err := c.ReadInfo(ctx)
	require.NoError(t, err)

	clock = base.Add(-time.Hour)
	require.NoError(t, c.UpdateInfo(ctx, func(i *Info) { i.Description = "later" }))
	second, err := c.ReadInfo(ctx)
	require.NoError(t, err)

	t1, err := time.Parse(LastModifiedLayout, first.LastModified)
	require.NoError(t, err)
	t2, err := time.Parse(LastModifiedLayout, second.LastModified)
	require.NoError(t, err)
	assert.False(t, t2.Before(t1))
	assert.Equal(t, "later", second.Description)
	assert.Equal(t, c.RunID, second.RunID)
	assert.Equal(t, c.ShortID, second.ShortID)
}

func TestWriteInfoWithoutTouchKeepsStamp(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	require.NoError(t, c.WriteInfo(ctx, Info{LastModified: "fixed"}, false))
	info, err := c.ReadInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fixed", info.LastModified)
}

func TestWritesTouchLastModified(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c.SetClock(func() time.Time { return clock })
	require.NoError(t, c.WriteInfo(ctx, Info{ExperimentName: "demo"}, true))

	stampAfter := func(write func() error) string {
		t.Helper()
		clock = clock.Add(time.Minute)
		require.NoError(t, write())
		info, err := c.ReadInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, "demo", info.ExperimentName)
		return info.LastModified
	}
	want := func() string { return clock.Format(LastModifiedLayout) }

	got := stampAfter(func() error {
		return c.WriteYAML(ctx, "analysis/result_a.yaml", map[string]float64{"accuracy": 0.5})
	})
	assert.Equal(t, want(), got)

	got = stampAfter(func() error {
		return c.WriteCSV(ctx, "x.csv", []string{"a"}, [][]string{{"1"}})
	})
	assert.Equal(t, want(), got)

	got = stampAfter(func() error {
		return c.AppendCSV(ctx, TrainLogsFile, []string{"epoch"}, []string{"0"})
	})
	assert.Equal(t, want(), got)

	got = stampAfter(func() error {
		tbl := table.New()
		require.NoError(t, tbl.AddStrings("id", []string{"a"}))
		return c.WriteTable(ctx, "predictions/x.parq", tbl)
	})
	assert.Equal(t, want(), got)

	got = stampAfter(func() error {
		w, err := c.Create(ctx, "net_data/raw.bin")
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte{1, 2}); err != nil {
			return err
		}
		return w.Close()
	})
	assert.Equal(t, want(), got)

	before := got
	got = stampAfter(func() error {
		return c.WriteBytes(ctx, "quiet.txt", []byte("x"), WithoutTouch())
	})
	assert.Equal(t, before, got)
}

func TestWriteBeforeInfoFileExists(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	require.NoError(t, c.WriteBytes(ctx, "early.txt", []byte("x")))
	ok, err := c.Exists(ctx, InfoFile)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenSeedsLastModified(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)
	future := time.Now().Add(24 * time.Hour)
	c.SetClock(func() time.Time { return future })
	require.NoError(t, c.WriteInfo(ctx, Info{ExperimentName: "demo"}, true))

	reopened, info, err := Open(ctx, c.FS, c.Dir, c.Env)
	require.NoError(t, err)
	assert.Equal(t, c.RunID, reopened.RunID)
	assert.Equal(t, "demo", info.ExperimentName)

	require.NoError(t, reopened.UpdateInfo(ctx, func(*Info) {}))
	after, err := reopened.ReadInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.LastModified, after.LastModified)
}

func TestReadMissingIsMissingArtifact(t *testing.T) {
	m := newManager(t)
	c, err := m.Create(context.Background(), "$RUN_ID")
	require.NoError(t, err)

	_, err = c.ReadBytes(context.Background(), "analysis/result_test.yaml")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.MissingArtifact))
}

func TestAppendCSV(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	header := []string{"epoch", "loss"}
	require.NoError(t, c.AppendCSV(ctx, TrainLogsFile, header, []string{"0", "1.5"}))
	require.NoError(t, c.AppendCSV(ctx, TrainLogsFile, header, []string{"1", "0.9"}))

	gotHeader, rows, err := c.ReadCSV(ctx, TrainLogsFile)
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, [][]string{{"0", "1.5"}, {"1", "0.9"}}, rows)
}

func TestTablesByExtension(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	tbl := table.New()
	require.NoError(t, tbl.AddStrings("id", []string{"a", "b"}))
	require.NoError(t, tbl.AddFloats("pred_0000", []float64{0.25, 0.75}))

	for _, name := range []string{"predictions/x.parq", "predictions/x.csv"} {
		require.NoError(t, c.WriteTable(ctx, name, tbl))
		got, err := c.ReadTable(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, []string{"id", "pred_0000"}, got.Names())
		col, ok := got.Column("pred_0000")
		require.True(t, ok)
		assert.InDelta(t, 0.75, col.Float(1), 1e-9)
	}

	require.Error(t, c.WriteTable(ctx, "predictions/x.txt", tbl))
}

func TestWriteCharts(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	require.NoError(t, c.WriteLineChart(ctx, "charts/loss.png", "loss", "epoch", "loss",
		Series{Name: "train", Values: []float64{1, 0.5, 0.25}}))
	require.NoError(t, c.WriteBarChart(ctx, "charts/classes.png", "classes", "count",
		[]string{"0", "1"}, []float64{3, 4}))

	for _, name := range []string{"charts/loss.png", "charts/classes.png"} {
		data, err := c.ReadBytes(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "\x89PNG", string(data[:4]))
	}
}

func TestCloneCopiesSubdirs(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	src, err := m.Create(ctx, "src_$RUN_ID")
	require.NoError(t, err)
	require.NoError(t, src.WriteBytes(ctx, "models/model.json", []byte("{}")))
	require.NoError(t, src.WriteBytes(ctx, "configs/train/learner.yaml", []byte("a: 1\n")))
	require.NoError(t, src.WriteBytes(ctx, "predictions/p.parq", []byte("x")))

	dst, n, err := m.Clone(ctx, src, "dst_$RUN_ID", []string{ModelsDir, ConfigsDir, NetDataDir})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotEqual(t, src.RunID, dst.RunID)

	ok, err := dst.Exists(ctx, "models/model.json")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dst.Exists(ctx, "predictions/p.parq")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupRemovesOldRuns(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	old, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)
	oldID := time.Now().Add(-48 * time.Hour).UTC().Format(RunIDLayout)
	require.NoError(t, old.WriteInfo(ctx, Info{RunID: oldID}, true))

	fresh, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)
	require.NoError(t, fresh.WriteInfo(ctx, Info{}, true))

	require.NoError(t, os.MkdirAll(filepath.Join(m.BaseDir(), "stray"), 0o755))

	report, err := m.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedDirs)
	assert.Equal(t, 2, report.Kept)

	_, err = os.Stat(old.Dir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Dir)
	assert.NoError(t, err)
}

func TestInfoInitializer(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "$RUN_ID")
	require.NoError(t, err)

	ext := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(ext, []byte("operator notes"), 0o644))

	init, err := NewInfoInitializer(InfoArgs{
		Name:          "digits",
		Prefix:        "dg",
		Type:          "train",
		GitPaths:      []string{t.TempDir()},
		ExternalInfos: []string{ext},
	})
	require.NoError(t, err)
	require.NoError(t, init.Initialize(ctx, c))

	info, err := c.ReadInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "digits", info.ExperimentName)
	assert.Equal(t, "train", info.ExperimentType)
	assert.Equal(t, map[string]string{"DATA_URI": "/data", "EPOCHS": "3"}, info.Environment)
	assert.NotEmpty(t, info.LastModified)

	var versions map[string]string
	require.NoError(t, c.ReadYAML(ctx, GitVersionsFile, &versions))
	assert.Contains(t, versions, SelfVersionKey)
	for k, v := range versions {
		if k != SelfVersionKey {
			assert.Equal(t, NoVersionAvailable, v)
		}
	}

	data, err := c.ReadBytes(ctx, "external_infos/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "operator notes", string(data))
}
