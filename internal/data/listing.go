package data

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// Item is one listed data file with its label.
type Item struct {
	ID    string
	Label string
	Path  string
}

// Source is the result of a listing: items on one filesystem.
type Source struct {
	FS    fsys.FS
	Items []Item
}

// DataInfoListing enumerates the items of a dataset.
type DataInfoListing interface {
	List(ctx context.Context, c *experiment.Context) (Source, error)
}

// CSVListingArgs configure CSVListing.
type CSVListingArgs struct {
	URI         string `yaml:"uri" validate:"required"`
	FileColumn  string `yaml:"file_column" validate:"required"`
	LabelColumn string `yaml:"label_column" validate:"required"`
	IDColumn    string `yaml:"id_column"`
	MaxItems    int    `yaml:"max_items" validate:"gte=0"`
}

// CSVListing reads items from a CSV index. File paths are relative to the
// directory holding the CSV.
type CSVListing struct {
	args CSVListingArgs
}

// NewCSVListing builds a CSVListing.
func NewCSVListing(args CSVListingArgs) (*CSVListing, error) {
	return &CSVListing{args: args}, nil
}

func (l *CSVListing) InitArgs() any { return l.args }

func (l *CSVListing) List(ctx context.Context, c *experiment.Context) (Source, error) {
	fs, p, err := fsys.Resolve(ctx, l.args.URI, c.Env.Lookup)
	if err != nil {
		return Source{}, fmt.Errorf("csv listing %q: %w", l.args.URI, err)
	}
	raw, err := fs.ReadFile(ctx, p)
	if err != nil {
		return Source{}, fmt.Errorf("csv listing %q: %w", l.args.URI, err)
	}
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return Source{}, fmt.Errorf("csv listing %q: %w", l.args.URI, err)
	}
	if len(records) == 0 {
		return Source{FS: fs}, nil
	}
	header := records[0]
	col := func(name string) (int, error) {
		i := slices.Index(header, name)
		if i < 0 {
			return 0, fmt.Errorf("csv listing %q: no column %q", l.args.URI, name)
		}
		return i, nil
	}
	fileCol, err := col(l.args.FileColumn)
	if err != nil {
		return Source{}, err
	}
	labelCol, err := col(l.args.LabelColumn)
	if err != nil {
		return Source{}, err
	}
	idCol := -1
	if l.args.IDColumn != "" {
		if idCol, err = col(l.args.IDColumn); err != nil {
			return Source{}, err
		}
	}

	dir := parentDir(fs, p)
	src := Source{FS: fs}
	for _, rec := range records[1:] {
		if l.args.MaxItems > 0 && len(src.Items) >= l.args.MaxItems {
			break
		}
		file := rec[fileCol]
		id := stem(file)
		if idCol >= 0 {
			id = rec[idCol]
		}
		src.Items = append(src.Items, Item{
			ID:    id,
			Label: rec[labelCol],
			Path:  fs.Join(dir, file),
		})
	}
	return src, nil
}

// DirListingArgs configure DirListing.
type DirListingArgs struct {
	URI       string `yaml:"uri" validate:"required"`
	Extension string `yaml:"extension"`
	MaxItems  int    `yaml:"max_items" validate:"gte=0"`
}

// DirListing reads items from a directory with one subdirectory per class.
type DirListing struct {
	args DirListingArgs
}

// NewDirListing builds a DirListing.
func NewDirListing(args DirListingArgs) (*DirListing, error) {
	if args.Extension != "" && !strings.HasPrefix(args.Extension, ".") {
		args.Extension = "." + args.Extension
	}
	return &DirListing{args: args}, nil
}

func (l *DirListing) InitArgs() any { return l.args }

func (l *DirListing) List(ctx context.Context, c *experiment.Context) (Source, error) {
	fs, root, err := fsys.Resolve(ctx, l.args.URI, c.Env.Lookup)
	if err != nil {
		return Source{}, fmt.Errorf("dir listing %q: %w", l.args.URI, err)
	}
	classes, err := fs.List(ctx, root)
	if err != nil {
		return Source{}, fmt.Errorf("dir listing %q: %w", l.args.URI, err)
	}
	src := Source{FS: fs}
	for _, class := range classes {
		if !class.IsDir {
			continue
		}
		files, err := fs.List(ctx, class.Path)
		if err != nil {
			return Source{}, fmt.Errorf("dir listing %q: %w", class.Path, err)
		}
		for _, f := range files {
			if f.IsDir || (l.args.Extension != "" && path.Ext(f.Name) != l.args.Extension) {
				continue
			}
			if l.args.MaxItems > 0 && len(src.Items) >= l.args.MaxItems {
				return src, nil
			}
			src.Items = append(src.Items, Item{
				ID:    class.Name + "/" + stem(f.Name),
				Label: class.Name,
				Path:  f.Path,
			})
		}
	}
	return src, nil
}

func stem(name string) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

func parentDir(fs fsys.FS, p string) string {
	if fs.Kind() == fsys.KindLocal {
		return filepath.Dir(p)
	}
	return path.Dir(p)
}
