package data

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/tensor"
)

// DataLoader reads one item into its raw network input.
type DataLoader interface {
	Load(ctx context.Context, fs fsys.FS, path string, desc DataDescription) (*tensor.Tensor, error)
}

// PNGLoaderArgs configure PNGLoader.
type PNGLoaderArgs struct {
	// Resize scales images of the wrong size with nearest neighbour
	// sampling instead of failing.
	Resize bool `yaml:"resize"`
}

// PNGLoader decodes PNG files into [height, width, channels] tensors with
// values in 0..255.
type PNGLoader struct {
	args PNGLoaderArgs
}

// NewPNGLoader builds a PNGLoader.
func NewPNGLoader(args PNGLoaderArgs) (*PNGLoader, error) {
	return &PNGLoader{args: args}, nil
}

func (l *PNGLoader) InitArgs() any { return l.args }

func (l *PNGLoader) Load(ctx context.Context, fs fsys.FS, path string, desc DataDescription) (*tensor.Tensor, error) {
	shape := desc.InputShape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("png loader needs an image description, input shape is %v", shape)
	}
	raw, err := fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	h, w, ch := shape[0], shape[1], shape[2]
	b := img.Bounds()
	if (b.Dx() != w || b.Dy() != h) && !l.args.Resize {
		return nil, fmt.Errorf("%s is %dx%d, want %dx%d", path, b.Dx(), b.Dy(), w, h)
	}
	return ImageTensor(img, w, h, ch), nil
}

// ImageTensor samples img onto a w x h grid with ch channels (1 or 3).
func ImageTensor(img image.Image, w, h, ch int) *tensor.Tensor {
	b := img.Bounds()
	out := tensor.New(h, w, ch)
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			px := img.At(sx, sy)
			if ch == 1 {
				out.Set(float64(color.GrayModel.Convert(px).(color.Gray).Y), y, x, 0)
				continue
			}
			r, g, bl, _ := px.RGBA()
			out.Set(float64(r>>8), y, x, 0)
			out.Set(float64(g>>8), y, x, 1)
			out.Set(float64(bl>>8), y, x, 2)
		}
	}
	return out
}
