package data

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/table"
	"github.com/mattjoyce/trainpipe/internal/tensor"
)

func testContext(t *testing.T) *experiment.Context {
	t.Helper()
	runID := experiment.NewRunID(time.Now())
	return experiment.NewContext(fsys.NewLocal(), t.TempDir(), runID, interp.FromMap(nil))
}

func writePNG(t *testing.T, path string, w, h int, shade uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// imageFixture writes n images labelled round robin over classes plus a
// labels.csv index and returns the index path.
func imageFixture(t *testing.T, n int, classes []string) string {
	t.Helper()
	dir := t.TempDir()
	csv := "file,label\n"
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img_%03d.png", i)
		writePNG(t, filepath.Join(dir, "images", name), 4, 3, uint8(i))
		csv += fmt.Sprintf("images/%s,%s\n", name, classes[i%len(classes)])
	}
	index := filepath.Join(dir, "labels.csv")
	require.NoError(t, os.WriteFile(index, []byte(csv), 0o644))
	return index
}

func imageDesc(t *testing.T, classes ...string) *ImageDescription {
	t.Helper()
	d, err := NewImageDescription(ImageDescription{
		ImageSize: ImageSize{Width: 4, Height: 3},
		Channels:  1,
		Labels:    classes,
	})
	require.NoError(t, err)
	return d
}

func TestImageDescriptionDefaults(t *testing.T) {
	d := imageDesc(t, "0", "1", "2")
	assert.Equal(t, 3, d.OutputSize())
	assert.Equal(t, []int{3, 4, 1}, d.InputShape())

	_, err := NewImageDescription(ImageDescription{Labels: []string{"a", "b", "c"}, Outputs: 1})
	assert.Error(t, err)

	bin, err := NewImageDescription(ImageDescription{Labels: []string{"no", "yes"}, Outputs: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, bin.OutputSize())
}

func TestImageDatasetBatches(t *testing.T) {
	ctx := context.Background()
	index := imageFixture(t, 10, []string{"0", "1", "2"})
	listing, err := NewCSVListing(CSVListingArgs{URI: index, FileColumn: "file", LabelColumn: "label"})
	require.NoError(t, err)
	scale, err := NewScale(ScaleArgs{Factor: 1.0 / 255})
	require.NoError(t, err)

	ds, err := NewImageDataset(ImageDatasetArgs{
		Listing:           listing,
		InputTransformers: []NetInputTransformer{scale},
		BatchSize:         4,
	})
	require.NoError(t, err)
	desc := imageDesc(t, "0", "1", "2")
	require.NoError(t, ds.Initialize(ctx, desc, testContext(t)))

	assert.Equal(t, 3, ds.Len())
	last, err := ds.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 1}, last.Inputs.Shape())
	assert.Equal(t, []int{2, 3}, last.Targets.Shape())

	infos, err := ds.DataInfo(2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "img_008", infos[0].ID)
	assert.Equal(t, 2, infos[0].Label)
	assert.Equal(t, []float64{0, 0, 1}, last.Targets.Row(0).Data())
	assert.InDelta(t, 8.0/255, last.Inputs.At(0, 0, 0, 0), 1e-9)
	cls, ok := infos[0].Field("class")
	require.True(t, ok)
	assert.Equal(t, "2", cls)

	_, err = ds.Get(ctx, 3)
	assert.Error(t, err)

	stats := ds.Stats()
	assert.Equal(t, 10, stats.Items)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, map[string]int{"0": 4, "1": 3, "2": 3}, stats.Classes)
}

func TestImageDatasetBinaryTargets(t *testing.T) {
	ctx := context.Background()
	index := imageFixture(t, 4, []string{"no", "yes"})
	listing, err := NewCSVListing(CSVListingArgs{URI: index, FileColumn: "file", LabelColumn: "label"})
	require.NoError(t, err)
	ds, err := NewImageDataset(ImageDatasetArgs{Listing: listing, BatchSize: 4})
	require.NoError(t, err)
	desc, err := NewImageDescription(ImageDescription{
		ImageSize: ImageSize{Width: 4, Height: 3}, Channels: 1, Labels: []string{"no", "yes"}, Outputs: 1,
	})
	require.NoError(t, err)
	require.NoError(t, ds.Initialize(ctx, desc, testContext(t)))

	b, err := ds.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 1}, b.Targets.Data())
}

func TestImageDatasetRejectsUnknownLabel(t *testing.T) {
	index := imageFixture(t, 2, []string{"cat"})
	listing, err := NewCSVListing(CSVListingArgs{URI: index, FileColumn: "file", LabelColumn: "label"})
	require.NoError(t, err)
	ds, err := NewImageDataset(ImageDatasetArgs{Listing: listing, BatchSize: 1})
	require.NoError(t, err)
	err = ds.Initialize(context.Background(), imageDesc(t, "0", "1"), testContext(t))
	assert.Error(t, err)
}

func TestImageDescriptionClasses(t *testing.T) {
	size := ImageSize{Width: 4, Height: 3}

	_, err := NewImageDescription(ImageDescription{ImageSize: size, Channels: 1, Labels: []string{"0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least two")

	d, err := NewImageDescription(ImageDescription{ImageSize: size, Channels: 1, Labels: []string{"0", "1"}, Outputs: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, d.OutputSize())

	d, err = NewImageDescription(ImageDescription{ImageSize: size, Channels: 1, Labels: []string{"0", "1", "2"}})
	require.NoError(t, err)
	assert.Equal(t, 3, d.OutputSize())

	_, err = NewImageDescription(ImageDescription{ImageSize: size, Channels: 1, Labels: []string{"0", "1", "2"}, Outputs: 2})
	assert.Error(t, err)
}

func TestPNGLoaderSizeMismatch(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "big.png")
	writePNG(t, p, 8, 6, 200)
	desc := imageDesc(t, "0", "1")

	strict, err := NewPNGLoader(PNGLoaderArgs{})
	require.NoError(t, err)
	_, err = strict.Load(ctx, fsys.NewLocal(), p, desc)
	assert.Error(t, err)

	resize, err := NewPNGLoader(PNGLoaderArgs{Resize: true})
	require.NoError(t, err)
	x, err := resize.Load(ctx, fsys.NewLocal(), p, desc)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 1}, x.Shape())
	assert.Equal(t, 200.0, x.At(2, 3, 0))
}

func TestDirListing(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "cat", "a.png"), 4, 3, 1)
	writePNG(t, filepath.Join(dir, "cat", "b.png"), 4, 3, 2)
	writePNG(t, filepath.Join(dir, "dog", "c.png"), 4, 3, 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dog", "notes.txt"), []byte("x"), 0o644))

	l, err := NewDirListing(DirListingArgs{URI: dir, Extension: "png"})
	require.NoError(t, err)
	src, err := l.List(context.Background(), testContext(t))
	require.NoError(t, err)
	require.Len(t, src.Items, 3)
	assert.Equal(t, "cat/a", src.Items[0].ID)
	assert.Equal(t, "dog", src.Items[2].Label)
}

func TestTabularDatasetRegression(t *testing.T) {
	ctx := context.Background()
	tbl := table.New()
	require.NoError(t, tbl.AddStrings("id", []string{"r0", "r1", "r2"}))
	require.NoError(t, tbl.AddFloats("x1", []float64{1, 2, 3}))
	require.NoError(t, tbl.AddFloats("x2", []float64{4, 5, 6}))
	require.NoError(t, tbl.AddFloats("y", []float64{0.5, 1.5, 2.5}))
	c := testContext(t)
	require.NoError(t, c.WriteTable(ctx, "rows.parq", tbl))

	desc, err := NewTabularDescription(TabularDescription{InputFeatures: []string{"x1", "x2"}, OutputFeatures: []string{"y"}})
	require.NoError(t, err)
	ds, err := NewTabularDataset(TabularDatasetArgs{URI: c.Path("rows.parq"), IDColumn: "id", BatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, ds.Initialize(ctx, desc, c))

	assert.Equal(t, 2, ds.Len())
	b, err := ds.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 2, 5}, b.Inputs.Data())
	assert.Equal(t, []float64{0.5, 1.5}, b.Targets.Data())

	infos, err := ds.DataInfo(1)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "r2", infos[0].ID)
	y, _ := infos[0].Field("y")
	assert.Equal(t, 2.5, y)
}

func TestTabularDatasetClassification(t *testing.T) {
	ctx := context.Background()
	tbl := table.New()
	require.NoError(t, tbl.AddFloats("pixel_0000", []float64{0, 1, 0.5}))
	require.NoError(t, tbl.AddInts("label", []int64{2, 0, 1}))
	c := testContext(t)
	require.NoError(t, c.WriteTable(ctx, "rows.csv", tbl))

	desc, err := NewTabularDescription(TabularDescription{
		InputFeatures:  []string{"pixel_0000"},
		OutputFeatures: []string{"label"},
		Labels:         []string{"0", "1", "2"},
	})
	require.NoError(t, err)
	ds, err := NewTabularDataset(TabularDatasetArgs{URI: c.Path("rows.csv"), BatchSize: 8})
	require.NoError(t, err)
	require.NoError(t, ds.Initialize(ctx, desc, c))

	b, err := ds.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0, 0, 1, 0}, b.Targets.Data())
	assert.Equal(t, map[string]int{"0": 1, "1": 1, "2": 1}, ds.Stats().Classes)
}

func TestTabularDescriptionRejectsOverlap(t *testing.T) {
	_, err := NewTabularDescription(TabularDescription{InputFeatures: []string{"a"}, OutputFeatures: []string{"a"}})
	assert.Error(t, err)
}

func TestIterWithInfoRestartable(t *testing.T) {
	ctx := context.Background()
	index := imageFixture(t, 5, []string{"0", "1"})
	listing, err := NewCSVListing(CSVListingArgs{URI: index, FileColumn: "file", LabelColumn: "label"})
	require.NoError(t, err)
	ds, err := NewImageDataset(ImageDatasetArgs{Listing: listing, BatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, ds.Initialize(ctx, imageDesc(t, "0", "1"), testContext(t)))

	it := IterWithInfo(ctx, ds)
	for pass := 0; pass < 2; pass++ {
		var ids []string
		for infos, batch := range it.All() {
			assert.Equal(t, len(infos), batch.Inputs.Rows())
			for _, info := range infos {
				ids = append(ids, info.ID)
			}
		}
		require.NoError(t, it.Err())
		assert.Equal(t, []string{"img_000", "img_001", "img_002", "img_003", "img_004"}, ids)
	}

	batches := 0
	for range it.Limit(2) {
		batches++
	}
	assert.Equal(t, 2, batches)
}

func TestShuffleOnEpochEnd(t *testing.T) {
	ctx := context.Background()
	index := imageFixture(t, 20, []string{"0", "1"})
	listing, err := NewCSVListing(CSVListingArgs{URI: index, FileColumn: "file", LabelColumn: "label"})
	require.NoError(t, err)
	shuffler, err := NewDefaultShuffler(ShufflerArgs{Seed: 7})
	require.NoError(t, err)
	ds, err := NewImageDataset(ImageDatasetArgs{Listing: listing, BatchSize: 20, Shuffle: true, Shuffler: shuffler})
	require.NoError(t, err)
	require.NoError(t, ds.Initialize(ctx, imageDesc(t, "0", "1"), testContext(t)))

	first, err := ds.DataInfo(0)
	require.NoError(t, err)
	ds.OnEpochEnd()
	second, err := ds.DataInfo(0)
	require.NoError(t, err)
	assert.Len(t, second, 20)
	assert.NotEqual(t, first, second)
	assert.ElementsMatch(t, first, second)
}

func TestConcurrentGet(t *testing.T) {
	ctx := context.Background()
	index := imageFixture(t, 12, []string{"0", "1"})
	listing, err := NewCSVListing(CSVListingArgs{URI: index, FileColumn: "file", LabelColumn: "label"})
	require.NoError(t, err)
	ds, err := NewImageDataset(ImageDatasetArgs{Listing: listing, BatchSize: 3, Shuffle: true})
	require.NoError(t, err)
	require.NoError(t, ds.Initialize(ctx, imageDesc(t, "0", "1"), testContext(t)))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ds.Len(); i++ {
				_, err := ds.Get(ctx, i)
				assert.NoError(t, err)
			}
		}()
	}
	ds.OnEpochEnd()
	wg.Wait()
}

func TestUniformClassShuffler(t *testing.T) {
	labels := []int{0, 0, 0, 0, 0, 0, 1, 1, 2, 2, 2, 2}
	count := func(order []int) map[int]int {
		out := map[int]int{}
		for _, i := range order {
			out[labels[i]]++
		}
		return out
	}
	tests := []struct {
		mode string
		want int
	}{
		{UniformMin, 2},
		{UniformMax, 6},
		{UniformAvg, 4},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s, err := NewUniformClassShuffler(UniformClassArgs{Mode: tt.mode, Seed: 1})
			require.NoError(t, err)
			order := s.Permutation(labels, 0)
			assert.Equal(t, map[int]int{0: tt.want, 1: tt.want, 2: tt.want}, count(order))
			assert.Equal(t, order, s.Permutation(labels, 0))
		})
	}

	_, err := NewUniformClassShuffler(UniformClassArgs{Mode: "median"})
	assert.Error(t, err)
}

func TestDefaultShufflerIsPermutation(t *testing.T) {
	s, err := NewDefaultShuffler(ShufflerArgs{Seed: 3})
	require.NoError(t, err)
	order := s.Permutation(make([]int, 9), 1)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, order)
	assert.NotEqual(t, order, s.Permutation(make([]int, 9), 2))
}

func TestTransformers(t *testing.T) {
	n, err := NewNormalize(NormalizeArgs{Mean: 1, Std: 2})
	require.NoError(t, err)
	x := tensorOf(t, 3, 5)
	y, err := n.Transform(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, y.Data())
	assert.Equal(t, []float64{3, 5}, x.Data())

	desc := imageDesc(t, "a", "b", "c")
	v, err := OneHot{}.Target(1, desc)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0}, v)
	_, err = OneHot{}.Target(3, desc)
	assert.Error(t, err)
	_, err = Binary{}.Target(2, desc)
	assert.Error(t, err)
}

func tensorOf(t *testing.T, vals ...float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(vals, len(vals))
	require.NoError(t, err)
	return x
}
