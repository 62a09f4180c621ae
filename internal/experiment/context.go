// Package experiment owns a run's workspace: its ids, directory layout,
// info file and the typed read/write helpers every stage writes through.
package experiment

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/log"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// Context is a run's view of its workspace. Relative paths given to its
// helpers are slash separated and resolved under Dir.
type Context struct {
	FS      fsys.FS
	Dir     string
	RunID   string
	ShortID string
	Env     interp.Env

	mu           sync.Mutex
	lastModified time.Time
	// infoMu serializes read-modify-write of the info file.
	infoMu sync.Mutex
	// appendMu serializes AppendCSV.
	appendMu sync.Mutex
	clock        func() time.Time
	logger       *slog.Logger
}

// NewContext wraps an existing workspace directory.
func NewContext(fs fsys.FS, dir, runID string, env interp.Env) *Context {
	return &Context{
		FS:      fs,
		Dir:     dir,
		RunID:   runID,
		ShortID: ShortID(runID),
		Env:     env,
		clock:   time.Now,
		logger:  log.WithRun(runID, ShortID(runID)),
	}
}

// SetClock replaces the clock used for last_modified stamps.
func (c *Context) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Logger returns the run-scoped logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Path resolves a workspace-relative path.
func (c *Context) Path(rel ...string) string {
	parts := []string{c.Dir}
	for _, r := range rel {
		parts = append(parts, strings.Split(path.Clean(r), "/")...)
	}
	return c.FS.Join(parts...)
}

// Exists reports whether rel exists in the workspace.
func (c *Context) Exists(ctx context.Context, rel string) (bool, error) {
	return fsys.Exists(ctx, c.FS, c.Path(rel))
}

// List returns the entries of a workspace directory.
func (c *Context) List(ctx context.Context, rel string) ([]fsys.FileInfo, error) {
	return c.FS.List(ctx, c.Path(rel))
}

// MkdirAll creates a workspace directory.
func (c *Context) MkdirAll(ctx context.Context, rel string) error {
	return c.FS.MkdirAll(ctx, c.Path(rel))
}

// WriteOption adjusts a single workspace write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	noTouch bool
}

// WithoutTouch leaves last_modified in the info file as it is.
func WithoutTouch() WriteOption {
	return func(o *writeOptions) { o.noTouch = true }
}

func touches(rel string, opts []WriteOption) bool {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return !o.noTouch && path.Clean(rel) != InfoFile
}

// WriteBytes writes raw bytes. Unless WithoutTouch is given, a write to
// any file other than the info file stamps last_modified.
func (c *Context) WriteBytes(ctx context.Context, rel string, data []byte, opts ...WriteOption) error {
	if err := c.FS.WriteFile(ctx, c.Path(rel), data); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if touches(rel, opts) {
		return c.touchInfo(ctx)
	}
	return nil
}

// ReadBytes reads raw bytes. A missing file is a missing-artifact error.
func (c *Context) ReadBytes(ctx context.Context, rel string) ([]byte, error) {
	data, err := c.FS.ReadFile(ctx, c.Path(rel))
	if errors.Is(err, fsys.ErrNotExist) {
		return nil, errs.Wrap(errs.MissingArtifact, err, "%s not found in %s", rel, c.Dir).WithDetail("artifact", rel)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Create opens a streaming writer for rel. Closing it stamps
// last_modified like WriteBytes does.
func (c *Context) Create(ctx context.Context, rel string, opts ...WriteOption) (io.WriteCloser, error) {
	w, err := c.FS.Create(ctx, c.Path(rel))
	if err != nil {
		return nil, err
	}
	if !touches(rel, opts) {
		return w, nil
	}
	return &touchingWriter{WriteCloser: w, ctx: ctx, c: c}, nil
}

type touchingWriter struct {
	io.WriteCloser
	ctx context.Context
	c   *Context
}

func (w *touchingWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return err
	}
	return w.c.touchInfo(w.ctx)
}

// WriteYAML marshals v to rel.
func (c *Context) WriteYAML(ctx context.Context, rel string, v any, opts ...WriteOption) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return c.WriteBytes(ctx, rel, data, opts...)
}

// ReadYAML unmarshals rel into out.
func (c *Context) ReadYAML(ctx context.Context, rel string, out any) error {
	data, err := c.ReadBytes(ctx, rel)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", rel, err)
	}
	return nil
}

// WriteJSON writes v as indented JSON.
func (c *Context) WriteJSON(ctx context.Context, rel string, v any, opts ...WriteOption) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return c.WriteBytes(ctx, rel, append(data, '\n'), opts...)
}

// ReadJSON reads JSON from rel into out.
func (c *Context) ReadJSON(ctx context.Context, rel string, out any) error {
	data, err := c.ReadBytes(ctx, rel)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// WriteCSV writes a header and rows.
func (c *Context) WriteCSV(ctx context.Context, rel string, header []string, rows [][]string, opts ...WriteOption) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return c.WriteBytes(ctx, rel, buf.Bytes(), opts...)
}

// AppendCSV appends one row, writing header first when the file is new.
// The whole file is rewritten so it works on object stores too.
func (c *Context) AppendCSV(ctx context.Context, rel string, header, row []string, opts ...WriteOption) error {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	var buf bytes.Buffer
	data, err := c.FS.ReadFile(ctx, c.Path(rel))
	switch {
	case err == nil:
		buf.Write(data)
	case errors.Is(err, fsys.ErrNotExist):
		w := csv.NewWriter(&buf)
		if err := w.Write(header); err != nil {
			return err
		}
		w.Flush()
	default:
		return fmt.Errorf("read %s: %w", rel, err)
	}
	w := csv.NewWriter(&buf)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return c.WriteBytes(ctx, rel, buf.Bytes(), opts...)
}

// ReadCSV returns the header and rows of rel.
func (c *Context) ReadCSV(ctx context.Context, rel string) ([]string, [][]string, error) {
	data, err := c.ReadBytes(ctx, rel)
	if err != nil {
		return nil, nil, err
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", rel, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

// WriteTable writes t as parquet (.parq, .parquet) or CSV (.csv).
func (c *Context) WriteTable(ctx context.Context, rel string, t *table.Table, opts ...WriteOption) error {
	var buf bytes.Buffer
	switch ext := path.Ext(rel); ext {
	case ".parq", ".parquet":
		if err := table.WriteParquet(&buf, t); err != nil {
			return fmt.Errorf("encode %s: %w", rel, err)
		}
	case ".csv":
		if err := table.WriteCSV(&buf, t); err != nil {
			return fmt.Errorf("encode %s: %w", rel, err)
		}
	default:
		return fmt.Errorf("write table %s: unsupported extension %q", rel, ext)
	}
	return c.WriteBytes(ctx, rel, buf.Bytes(), opts...)
}

// ReadTable reads a parquet or CSV table.
func (c *Context) ReadTable(ctx context.Context, rel string) (*table.Table, error) {
	data, err := c.ReadBytes(ctx, rel)
	if err != nil {
		return nil, err
	}
	return DecodeTable(rel, data)
}

// DecodeTable decodes table bytes by file extension.
func DecodeTable(name string, data []byte) (*table.Table, error) {
	switch ext := path.Ext(name); ext {
	case ".parq", ".parquet":
		return table.ReadParquet(data)
	case ".csv":
		return table.ReadCSV(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("read table %s: unsupported extension %q", name, ext)
	}
}
