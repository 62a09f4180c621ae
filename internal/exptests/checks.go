package exptests

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// FilesExistArgs configure FilesExist.
type FilesExistArgs struct {
	Paths []string `yaml:"paths" validate:"required,min=1"`
}

// FilesExist passes when every path, relative to the workspace, exists.
type FilesExist struct {
	args FilesExistArgs
}

func NewFilesExist(args FilesExistArgs) (*FilesExist, error) {
	return &FilesExist{args: args}, nil
}

func (t *FilesExist) InitArgs() any { return t.args }

func (t *FilesExist) Run(ctx context.Context, path string, fs fsys.FS) Result {
	const name = "files_exist"
	var missing []string
	for _, p := range t.args.Paths {
		found, err := fsys.Exists(ctx, fs, fs.Join(path, p))
		if err != nil {
			return failed(name, "stat %s: %v", p, err)
		}
		if !found {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return failed(name, "missing: %s", strings.Join(missing, ", "))
	}
	return ok(name, "%d paths present", len(t.args.Paths))
}

// NoNaNArgs configure NoNaN.
type NoNaNArgs struct {
	File string `yaml:"file" validate:"required"`
	// Columns limits the check; all columns by default.
	Columns []string `yaml:"columns"`
}

// NoNaN passes when no numeric cell of a table holds NaN.
type NoNaN struct {
	args NoNaNArgs
}

func NewNoNaN(args NoNaNArgs) (*NoNaN, error) {
	return &NoNaN{args: args}, nil
}

func (t *NoNaN) InitArgs() any { return t.args }

func (t *NoNaN) Run(ctx context.Context, path string, fs fsys.FS) Result {
	name := "no_nan:" + t.args.File
	raw, err := fs.ReadFile(ctx, fs.Join(path, t.args.File))
	if err != nil {
		return failed(name, "read %s: %v", t.args.File, err)
	}
	tbl, err := experiment.DecodeTable(t.args.File, raw)
	if err != nil {
		return failed(name, "%v", err)
	}
	cols := t.args.Columns
	if len(cols) == 0 {
		cols = tbl.Names()
	}
	for _, col := range cols {
		c, found := tbl.Column(col)
		if !found {
			return failed(name, "no column %q", col)
		}
		for i, v := range c.Floats {
			if math.IsNaN(v) {
				return failed(name, "column %s row %d is NaN", col, i)
			}
		}
	}
	return ok(name, "%d rows checked", tbl.Len())
}

// ModelsSavedArgs configure ModelsSaved.
type ModelsSavedArgs struct {
	MinCount int `yaml:"min_count" validate:"gte=0"`
}

// ModelsSaved passes when models/ holds at least MinCount files (default 1).
type ModelsSaved struct {
	args ModelsSavedArgs
}

func NewModelsSaved(args ModelsSavedArgs) (*ModelsSaved, error) {
	if args.MinCount == 0 {
		args.MinCount = 1
	}
	return &ModelsSaved{args: args}, nil
}

func (t *ModelsSaved) InitArgs() any { return t.args }

func (t *ModelsSaved) Run(ctx context.Context, path string, fs fsys.FS) Result {
	const name = "models_saved"
	n, err := countFiles(ctx, fs, fs.Join(path, experiment.ModelsDir))
	if err != nil {
		return failed(name, "list %s: %v", experiment.ModelsDir, err)
	}
	if n < t.args.MinCount {
		return failed(name, "%d model files, want at least %d", n, t.args.MinCount)
	}
	return ok(name, "%d model files", n)
}

// NotEmpty passes when the workspace holds at least one file.
type NotEmpty struct{}

func NewNotEmpty(struct{}) (*NotEmpty, error) { return &NotEmpty{}, nil }

func (NotEmpty) Run(ctx context.Context, path string, fs fsys.FS) Result {
	const name = "not_empty"
	n, err := countFiles(ctx, fs, path)
	if err != nil {
		return failed(name, "list workspace: %v", err)
	}
	if n == 0 {
		return failed(name, "workspace is empty")
	}
	return ok(name, "%d entries", n)
}

func countFiles(ctx context.Context, fs fsys.FS, dir string) (int, error) {
	entries, err := fs.List(ctx, dir)
	if errors.Is(err, fsys.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir {
			n++
		}
	}
	return n, nil
}

// Comparison operators accepted by MetricCompare.
const (
	OpEq      = "="
	OpEqEq    = "=="
	OpGe      = ">="
	OpGt      = ">"
	OpLe      = "<="
	OpLt      = "<"
	compareEq = 1e-9
)

// MetricCompareArgs configure MetricCompare.
type MetricCompareArgs struct {
	// File is a YAML result file relative to the workspace, e.g.
	// analysis/result_validation.yaml.
	File string `yaml:"file" validate:"required"`
	// Key is a dot path into the file.
	Key       string  `yaml:"key" validate:"required"`
	Operator  string  `yaml:"operator" validate:"required"`
	Threshold float64 `yaml:"threshold"`
}

// MetricCompare passes when the value at Key compares true against
// Threshold.
type MetricCompare struct {
	args MetricCompareArgs
}

func NewMetricCompare(args MetricCompareArgs) (*MetricCompare, error) {
	switch args.Operator {
	case OpEq, OpEqEq, OpGe, OpGt, OpLe, OpLt:
	default:
		return nil, fmt.Errorf("unknown operator %q", args.Operator)
	}
	return &MetricCompare{args: args}, nil
}

func (t *MetricCompare) InitArgs() any { return t.args }

func (t *MetricCompare) Run(ctx context.Context, path string, fs fsys.FS) Result {
	name := fmt.Sprintf("metric:%s %s %g", t.args.Key, t.args.Operator, t.args.Threshold)
	raw, err := fs.ReadFile(ctx, fs.Join(path, t.args.File))
	if err != nil {
		return failed(name, "read %s: %v", t.args.File, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return failed(name, "parse %s: %v", t.args.File, err)
	}
	v, err := lookup(doc, t.args.Key)
	if err != nil {
		return failed(name, "%v", err)
	}
	if compare(v, t.args.Operator, t.args.Threshold) {
		return ok(name, "value %g", v)
	}
	return failed(name, "value %g", v)
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case OpEq, OpEqEq:
		return math.Abs(v-threshold) <= compareEq
	case OpGe:
		return v >= threshold
	case OpGt:
		return v > threshold
	case OpLe:
		return v <= threshold
	case OpLt:
		return v < threshold
	}
	return false
}

func lookup(doc map[string]any, key string) (float64, error) {
	var cur any = doc
	for _, part := range strings.Split(key, ".") {
		m, isMap := cur.(map[string]any)
		if !isMap {
			return 0, fmt.Errorf("%s: %q is not a mapping", key, part)
		}
		next, found := m[part]
		if !found {
			return 0, fmt.Errorf("%s: no key %q", key, part)
		}
		cur = next
	}
	switch n := cur.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", key, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%s: value %v is not a number", key, cur)
}
