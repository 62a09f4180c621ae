package datagen

import (
	"context"
	"errors"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// CropArgs configure Crop.
type CropArgs struct {
	Width  int `yaml:"width" validate:"gt=0"`
	Height int `yaml:"height" validate:"gt=0"`
	// Threshold is the grey level above which a pixel counts as ink.
	Threshold uint8 `yaml:"threshold"`
	// Margin in pixels kept around the ink box.
	Margin int `yaml:"margin" validate:"gte=0"`
}

// Crop cuts every image of the index at src to its ink bounding box,
// resizes it to Width×Height and writes the result with a new index of the
// same file name under outDir. Blank images are resized whole.
func Crop(ctx context.Context, fs fsys.FS, src, outDir string, args CropArgs) ([]Entry, error) {
	if args.Width <= 0 || args.Height <= 0 {
		return nil, errors.New("crop width and height must be positive")
	}
	entries, err := ReadIndex(ctx, fs, src)
	if err != nil {
		return nil, err
	}
	srcDir := dirOf(fs, src)
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := readGray(ctx, fs, fs.Join(srcDir, e.File))
		if err != nil {
			return nil, err
		}
		box := inkBox(img, args.Threshold, args.Margin)
		dst := image.NewGray(image.Rect(0, 0, args.Width, args.Height))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, box, xdraw.Src, nil)

		name := stem(e.File) + ".png"
		if err := writePNG(ctx, fs, fs.Join(outDir, ImagesDir, name), dst); err != nil {
			return nil, err
		}
		out = append(out, Entry{File: ImagesDir + "/" + name, Label: e.Label})
	}
	if err := WriteIndex(ctx, fs, fs.Join(outDir, baseName(fs, src)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// inkBox is the bounding box of ink pixels grown by margin and clipped to
// the image, or the whole image when there is no ink.
func inkBox(img *image.Gray, threshold uint8, margin int) image.Rectangle {
	b := img.Bounds()
	box := image.Rectangle{}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if ink(img.GrayAt(x, y), threshold) {
				box = box.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	if box.Empty() {
		return b
	}
	return box.Inset(-margin).Intersect(b)
}
