package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// Info is the content of experiment_info.yaml.
type Info struct {
	ExperimentName   string            `yaml:"experiment_name"`
	ExperimentPrefix string            `yaml:"experiment_prefix"`
	ExperimentType   string            `yaml:"experiment_type"`
	RunID            string            `yaml:"run_id"`
	ShortID          string            `yaml:"short_id"`
	Description      string            `yaml:"description"`
	ExpDir           string            `yaml:"exp_dir"`
	Environment      map[string]string `yaml:"environment"`
	LastModified     string            `yaml:"last_modified"`
}

// LastModifiedLayout formats Info.LastModified.
const LastModifiedLayout = time.RFC3339Nano

// WriteInfo writes experiment_info.yaml. Unless touch is false it stamps
// last_modified with the current time, never earlier than the previous
// stamp written through this context.
func (c *Context) WriteInfo(ctx context.Context, info Info, touch bool) error {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.writeInfo(ctx, info, touch)
}

func (c *Context) writeInfo(ctx context.Context, info Info, touch bool) error {
	if info.RunID == "" {
		info.RunID = c.RunID
	}
	if info.ShortID == "" {
		info.ShortID = c.ShortID
	}
	if info.ExpDir == "" {
		info.ExpDir = c.Dir
	}
	if touch {
		info.LastModified = c.stamp().Format(LastModifiedLayout)
	}
	if info.Environment == nil {
		info.Environment = map[string]string{}
	}
	return c.WriteYAML(ctx, InfoFile, info)
}

// ReadInfo reads experiment_info.yaml.
func (c *Context) ReadInfo(ctx context.Context) (Info, error) {
	var info Info
	if err := c.ReadYAML(ctx, InfoFile, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// UpdateInfo applies fn to the stored info and writes it back, touching
// last_modified.
func (c *Context) UpdateInfo(ctx context.Context, fn func(*Info)) error {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	info, err := c.ReadInfo(ctx)
	if err != nil {
		return fmt.Errorf("update experiment info: %w", err)
	}
	fn(&info)
	return c.writeInfo(ctx, info, true)
}

// touchInfo stamps last_modified after a workspace write. A workspace
// without an info file yet is left alone.
func (c *Context) touchInfo(ctx context.Context) error {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	data, err := c.FS.ReadFile(ctx, c.Path(InfoFile))
	if errors.Is(err, fsys.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("touch experiment info: %w", err)
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("touch experiment info: %w", err)
	}
	return c.writeInfo(ctx, info, true)
}

func (c *Context) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock().UTC()
	if now.Before(c.lastModified) {
		now = c.lastModified
	}
	c.lastModified = now
	return now
}

// seedLastModified records a stamp read from disk so later writes do not
// go backwards.
func (c *Context) seedLastModified(info Info) {
	t, err := time.Parse(LastModifiedLayout, info.LastModified)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.lastModified) {
		c.lastModified = t
	}
}
