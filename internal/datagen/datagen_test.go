package datagen

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/table"
)

func generate(t *testing.T, dir string, n, maxNumber int) []Entry {
	t.Helper()
	entries, err := Generate(context.Background(), fsys.NewLocal(), dir, GenerateArgs{
		SampleCount: n, MaxNumber: maxNumber, Width: 28, Height: 28, Noise: 0.05, Seed: 7,
	})
	require.NoError(t, err)
	return entries
}

func TestGenerateBalancedLabels(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	entries := generate(t, dir, 60, 3)
	require.Len(t, entries, 60)

	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Label]++
	}
	assert.Equal(t, map[string]int{"0": 15, "1": 15, "2": 15, "3": 15}, counts)

	onDisk, err := ReadIndex(ctx, fsys.NewLocal(), filepath.Join(dir, IndexFile))
	require.NoError(t, err)
	assert.Equal(t, entries, onDisk)

	img, err := readGray(ctx, fsys.NewLocal(), filepath.Join(dir, entries[0].File))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 28, 28), img.Bounds())
}

func TestGenerateIsDeterministic(t *testing.T) {
	ctx := context.Background()
	a, b := t.TempDir(), t.TempDir()
	ea := generate(t, a, 4, 1)
	generate(t, b, 4, 1)
	fs := fsys.NewLocal()
	for _, e := range ea {
		ra, err := fs.ReadFile(ctx, filepath.Join(a, e.File))
		require.NoError(t, err)
		rb, err := fs.ReadFile(ctx, filepath.Join(b, e.File))
		require.NoError(t, err)
		assert.Equal(t, ra, rb, e.File)
	}
}

func TestGenerateRejectsBadArgs(t *testing.T) {
	_, err := Generate(context.Background(), fsys.NewLocal(), t.TempDir(), GenerateArgs{SampleCount: 1, Width: 0, Height: 4})
	assert.Error(t, err)
}

func TestSplitStratified(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	generate(t, dir, 40, 1)

	splits, err := Split(ctx, fsys.NewLocal(), filepath.Join(dir, IndexFile), SplitArgs{Train: 0.5, Validation: 0.25, Test: 0.25, Seed: 1})
	require.NoError(t, err)
	assert.Len(t, splits[TrainSplit], 20)
	assert.Len(t, splits[ValidationSplit], 10)
	assert.Len(t, splits[TestSplit], 10)

	seen := map[string]bool{}
	for _, name := range []string{TrainSplit, ValidationSplit, TestSplit} {
		ones := 0
		for _, e := range splits[name] {
			assert.False(t, seen[e.File], "%s in two splits", e.File)
			seen[e.File] = true
			if e.Label == "1" {
				ones++
			}
		}
		assert.Equal(t, len(splits[name])/2, ones, name)

		onDisk, err := ReadIndex(ctx, fsys.NewLocal(), filepath.Join(dir, name+".csv"))
		require.NoError(t, err)
		assert.Equal(t, splits[name], onDisk)
	}

	again, err := Split(ctx, fsys.NewLocal(), filepath.Join(dir, IndexFile), SplitArgs{Train: 0.5, Validation: 0.25, Test: 0.25, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, splits, again)
}

func TestSplitRatiosMustSumToOne(t *testing.T) {
	_, err := Split(context.Background(), fsys.NewLocal(), "unused.csv", SplitArgs{Train: 0.5, Validation: 0.2})
	assert.ErrorContains(t, err, "sum to")
}

func TestCropToInk(t *testing.T) {
	ctx := context.Background()
	fs := fsys.NewLocal()
	src := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 20, 20))
	for y := 5; y < 10; y++ {
		for x := 8; x < 12; x++ {
			img.Pix[y*img.Stride+x] = 255
		}
	}
	require.NoError(t, writePNG(ctx, fs, filepath.Join(src, "images", "a.png"), img))
	blank := image.NewGray(image.Rect(0, 0, 20, 20))
	require.NoError(t, writePNG(ctx, fs, filepath.Join(src, "images", "b.png"), blank))
	require.NoError(t, WriteIndex(ctx, fs, filepath.Join(src, "train.csv"), []Entry{
		{File: "images/a.png", Label: "1"},
		{File: "images/b.png", Label: "0"},
	}))

	out := t.TempDir()
	entries, err := Crop(ctx, fs, filepath.Join(src, "train.csv"), out, CropArgs{Width: 8, Height: 8, Threshold: 32})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	cropped, err := readGray(ctx, fs, filepath.Join(out, entries[0].File))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), cropped.Bounds())
	// The ink box fills the whole output.
	assert.Greater(t, cropped.GrayAt(0, 0).Y, uint8(200))
	assert.Greater(t, cropped.GrayAt(7, 7).Y, uint8(200))

	_, err = ReadIndex(ctx, fs, filepath.Join(out, "train.csv"))
	require.NoError(t, err)
}

func TestInkBoxMargin(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	img.Pix[5*img.Stride+5] = 255
	assert.Equal(t, image.Rect(5, 5, 6, 6), inkBox(img, 0, 0))
	assert.Equal(t, image.Rect(3, 3, 8, 8), inkBox(img, 0, 2))
	assert.Equal(t, image.Rect(0, 0, 10, 10), inkBox(img, 0, 9))
	assert.Equal(t, img.Bounds(), inkBox(image.NewGray(img.Bounds()), 0, 0))
}

func TestToTabular(t *testing.T) {
	ctx := context.Background()
	fs := fsys.NewLocal()
	dir := t.TempDir()
	generate(t, dir, 6, 2)

	out := filepath.Join(dir, "digits.parq")
	tbl, err := ToTabular(ctx, fs, filepath.Join(dir, IndexFile), out)
	require.NoError(t, err)
	assert.Equal(t, 6, tbl.Len())
	assert.Len(t, tbl.Columns, 1+28*28+1)

	raw, err := fs.ReadFile(ctx, out)
	require.NoError(t, err)
	back, err := table.ReadParquet(raw)
	require.NoError(t, err)
	assert.Equal(t, tbl.Names(), back.Names())
	px, ok := back.Column(PixelColumn(0))
	require.True(t, ok)
	for i := 0; i < back.Len(); i++ {
		assert.GreaterOrEqual(t, px.Float(i), 0.0)
		assert.LessOrEqual(t, px.Float(i), 1.0)
	}
	labels, _ := back.Column(LabelColumn)
	assert.Equal(t, "2", labels.String(2))
}
