// Package datagen builds the synthetic digit dataset used by the
// data_generation pipeline: rendering, splitting, cropping and flattening
// into a feature table.
//
// Every step reads and writes an index CSV with the columns file and
// label. File paths are relative to the directory holding the index.
package datagen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"path"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// Index columns and file names.
const (
	FileColumn  = "file"
	LabelColumn = "label"
	IndexFile   = "labels.csv"
	ImagesDir   = "images"
)

// Entry is one row of an index.
type Entry struct {
	File  string
	Label string
}

// ReadIndex reads the index CSV at p.
func ReadIndex(ctx context.Context, fs fsys.FS, p string) ([]Entry, error) {
	raw, err := fs.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", p, err)
	}
	t, err := table.ReadCSV(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", p, err)
	}
	files, ok := t.Column(FileColumn)
	if !ok {
		return nil, fmt.Errorf("index %s has no %q column", p, FileColumn)
	}
	labels, ok := t.Column(LabelColumn)
	if !ok {
		return nil, fmt.Errorf("index %s has no %q column", p, LabelColumn)
	}
	out := make([]Entry, t.Len())
	for i := range out {
		out[i] = Entry{File: files.String(i), Label: labels.String(i)}
	}
	return out, nil
}

// WriteIndex writes entries as an index CSV at p.
func WriteIndex(ctx context.Context, fs fsys.FS, p string, entries []Entry) error {
	files := make([]string, len(entries))
	labels := make([]string, len(entries))
	for i, e := range entries {
		files[i], labels[i] = e.File, e.Label
	}
	t := table.New()
	if err := t.AddStrings(FileColumn, files); err != nil {
		return err
	}
	if err := t.AddStrings(LabelColumn, labels); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := table.WriteCSV(&buf, t); err != nil {
		return err
	}
	return fs.WriteFile(ctx, p, buf.Bytes())
}

// dirOf is the directory of an index path on fs.
func dirOf(fs fsys.FS, p string) string {
	if fs.Kind() == fsys.KindLocal {
		return filepath.Dir(p)
	}
	return path.Dir(p)
}

func stem(file string) string {
	base := path.Base(strings.ReplaceAll(file, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

func readGray(ctx context.Context, fs fsys.FS, p string) (*image.Gray, error) {
	raw, err := fs.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	g := image.NewGray(img.Bounds())
	draw.Draw(g, g.Bounds(), img, img.Bounds().Min, draw.Src)
	return g, nil
}

func writePNG(ctx context.Context, fs fsys.FS, p string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	return fs.WriteFile(ctx, p, buf.Bytes())
}

// ink reports whether a pixel belongs to a glyph. Digits are rendered light
// on a dark background.
func ink(c color.Gray, threshold uint8) bool {
	return c.Y > threshold
}

func baseName(fs fsys.FS, p string) string {
	if fs.Kind() == fsys.KindLocal {
		return filepath.Base(p)
	}
	return path.Base(p)
}
