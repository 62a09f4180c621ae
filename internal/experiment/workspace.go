package experiment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
)

// Manager creates and opens run workspaces under one output location.
type Manager struct {
	fs      fsys.FS
	baseDir string
	env     interp.Env
	now     func() time.Time
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
	Kept        int
}

// NewManager returns a manager rooted at baseDir on fs.
func NewManager(fs fsys.FS, baseDir string, env interp.Env) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &Manager{fs: fs, baseDir: trimmed, env: env, now: time.Now}, nil
}

// BaseDir returns the output location.
func (m *Manager) BaseDir() string { return m.baseDir }

// FolderName substitutes the run placeholders in pattern.
func FolderName(pattern, runID, shortID string) string {
	r := strings.NewReplacer(RunIDPlaceholder, runID, ShortIDPlaceholder, shortID)
	return r.Replace(pattern)
}

// Create generates a new run id and creates its workspace directory from
// pattern. An existing directory is an error.
func (m *Manager) Create(ctx context.Context, pattern string) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = RunIDPlaceholder
	}
	runID := NewRunID(m.now())
	name := FolderName(pattern, runID, ShortID(runID))
	if err := validateFolderName(name); err != nil {
		return nil, err
	}

	dir := m.fs.Join(m.baseDir, name)
	exists, err := fsys.Exists(ctx, m.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("stat workspace %q: %w", dir, err)
	}
	if exists {
		return nil, fmt.Errorf("workspace %q already exists", dir)
	}
	if err := m.fs.MkdirAll(ctx, dir); err != nil {
		return nil, fmt.Errorf("create workspace %q: %w", dir, err)
	}
	return NewContext(m.fs, dir, runID, m.env), nil
}

// Open attaches to an existing workspace by reading its info file.
func Open(ctx context.Context, fs fsys.FS, dir string, env interp.Env) (*Context, Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, Info{}, err
	}
	bare := &Context{FS: fs, Dir: dir}
	var info Info
	if err := bare.ReadYAML(ctx, InfoFile, &info); err != nil {
		return nil, Info{}, fmt.Errorf("open workspace %q: %w", dir, err)
	}
	if !ValidRunID(info.RunID) {
		return nil, Info{}, fmt.Errorf("workspace %q: invalid run_id %q", dir, info.RunID)
	}
	c := NewContext(fs, dir, info.RunID, env)
	c.seedLastModified(info)
	return c, info, nil
}

// Clone creates a fresh workspace and copies the listed subdirectories of
// src into it. Missing subdirectories are skipped.
func (m *Manager) Clone(ctx context.Context, src *Context, pattern string, subdirs []string) (*Context, int, error) {
	dst, err := m.Create(ctx, pattern)
	if err != nil {
		return nil, 0, err
	}
	copied := 0
	for _, sub := range subdirs {
		from := src.Path(sub)
		exists, err := fsys.Exists(ctx, src.FS, from)
		if err != nil {
			return dst, copied, err
		}
		if !exists {
			continue
		}
		n, err := fsys.CopyTree(ctx, src.FS, from, dst.FS, dst.Path(sub))
		copied += n
		if err != nil {
			return dst, copied, fmt.Errorf("clone %s from %s: %w", sub, src.Dir, err)
		}
	}
	return dst, copied, nil
}

// Cleanup removes workspaces whose run id is older than olderThan.
// Directories without a readable info file are left alone.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := m.fs.List(ctx, m.baseDir)
	if errors.Is(err, fsys.ErrNotExist) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir {
			continue
		}
		dir := m.fs.Join(m.baseDir, entry.Name)
		c, info, err := Open(ctx, m.fs, dir, m.env)
		if err != nil {
			report.Kept++
			continue
		}
		started, err := ParseRunID(info.RunID)
		if err != nil || started.After(cutoff) {
			report.Kept++
			continue
		}
		if err := m.fs.RemoveAll(ctx, c.Dir); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name, err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

func validateFolderName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return fmt.Errorf("folder name %q is invalid", name)
	}
	if strings.Contains(trimmed, `\`) || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "..") {
		return fmt.Errorf("folder name %q must stay inside the output location", name)
	}
	return nil
}
