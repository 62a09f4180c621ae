package datagen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
	"strconv"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// GenerateArgs configure Generate.
type GenerateArgs struct {
	SampleCount int `yaml:"sample_count" validate:"gt=0"`
	MaxNumber   int `yaml:"max_number" validate:"gte=0"`
	Width       int `yaml:"width" validate:"gt=0"`
	Height      int `yaml:"height" validate:"gt=0"`
	// Noise is the amplitude of uniform pixel noise as a share of full
	// scale.
	Noise float64 `yaml:"noise" validate:"gte=0,lte=1"`
	Seed  int64   `yaml:"seed"`
}

// Generate renders SampleCount images of the numbers 0..MaxNumber into
// dir/images and writes dir/labels.csv. Labels cycle through the numbers so
// every class gets the same share of samples, give or take one.
func Generate(ctx context.Context, fs fsys.FS, dir string, args GenerateArgs) ([]Entry, error) {
	if args.SampleCount <= 0 || args.Width <= 0 || args.Height <= 0 {
		return nil, errors.New("sample_count, width and height must be positive")
	}
	if args.MaxNumber < 0 {
		return nil, fmt.Errorf("max_number must not be negative, got %d", args.MaxNumber)
	}
	r := rand.New(rand.NewPCG(uint64(args.Seed), 0x64696769))
	entries := make([]Entry, 0, args.SampleCount)
	for i := 0; i < args.SampleCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := i % (args.MaxNumber + 1)
		img := renderNumber(n, args.Width, args.Height, args.Noise, r)
		name := fmt.Sprintf("%05d_%d.png", i, n)
		if err := writePNG(ctx, fs, fs.Join(dir, ImagesDir, name), img); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{File: ImagesDir + "/" + name, Label: strconv.Itoa(n)})
	}
	if err := WriteIndex(ctx, fs, fs.Join(dir, IndexFile), entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// renderNumber draws n with the 7x13 bitmap face, scales it to a random
// size and position inside a w×h canvas and adds noise.
func renderNumber(n, w, h int, noise float64, r *rand.Rand) *image.Gray {
	text := strconv.Itoa(n)
	face := basicfont.Face7x13
	d := &font.Drawer{Src: image.White, Face: face}
	gw := d.MeasureString(text).Ceil() + 2
	gh := face.Height + 2
	glyph := image.NewGray(image.Rect(0, 0, gw, gh))
	d.Dst = glyph
	d.Dot = fixed.P(1, face.Ascent+1)
	d.DrawString(text)

	// Keep the aspect ratio and fill 50-90% of the limiting side.
	fill := 0.5 + 0.4*r.Float64()
	scale := min(float64(w)/float64(gw), float64(h)/float64(gh)) * fill
	sw, sh := max(1, int(float64(gw)*scale)), max(1, int(float64(gh)*scale))
	x0 := r.IntN(w - sw + 1)
	y0 := r.IntN(h - sh + 1)

	canvas := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(canvas, image.Rect(x0, y0, x0+sw, y0+sh), glyph, glyph.Bounds(), xdraw.Over, nil)

	if noise > 0 {
		for i, v := range canvas.Pix {
			f := float64(v) + (r.Float64()*2-1)*noise*255
			canvas.Pix[i] = uint8(min(max(f, 0), 255))
		}
	}
	return canvas
}
