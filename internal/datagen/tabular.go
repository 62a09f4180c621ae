package datagen

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// Columns of the flattened table besides the pixels.
const (
	IDColumn = "id"
)

// PixelColumn names the feature column of flattened pixel i.
func PixelColumn(i int) string {
	return fmt.Sprintf("pixel_%04d", i)
}

// ToTabular flattens every image of the index at src into one row of a
// parquet table at out: an id column, pixel_NNNN features scaled to [0, 1]
// and the label. All images must share one size.
func ToTabular(ctx context.Context, fs fsys.FS, src, out string) (*table.Table, error) {
	entries, err := ReadIndex(ctx, fs, src)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("index %s is empty", src)
	}
	srcDir := dirOf(fs, src)
	ids := make([]string, len(entries))
	labels := make([]string, len(entries))
	var pixels [][]float64
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := readGray(ctx, fs, fs.Join(srcDir, e.File))
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if pixels == nil {
			pixels = make([][]float64, b.Dx()*b.Dy())
		}
		if b.Dx()*b.Dy() != len(pixels) {
			return nil, fmt.Errorf("%s has %d pixels, earlier images have %d", e.File, b.Dx()*b.Dy(), len(pixels))
		}
		k := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if pixels[k] == nil {
					pixels[k] = make([]float64, len(entries))
				}
				pixels[k][i] = float64(img.GrayAt(x, y).Y) / 255
				k++
			}
		}
		ids[i], labels[i] = stem(e.File), e.Label
	}

	t := table.New()
	if err := t.AddStrings(IDColumn, ids); err != nil {
		return nil, err
	}
	for k, col := range pixels {
		if err := t.AddFloats(PixelColumn(k), col); err != nil {
			return nil, err
		}
	}
	if err := t.AddStrings(LabelColumn, labels); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := table.WriteParquet(&buf, t); err != nil {
		return nil, fmt.Errorf("encode %s: %w", out, err)
	}
	if err := fs.WriteFile(ctx, out, buf.Bytes()); err != nil {
		return nil, err
	}
	return t, nil
}
