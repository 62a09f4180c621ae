package stages

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/config"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/initnode"
)

// configRecord is the effective configuration of one stage, already
// filtered, waiting for a workspace to land in.
type configRecord struct {
	stage string
	files []configFile
}

type configFile struct {
	name string
	data []byte
}

// ConfigDir is the workspace directory holding a stage's effective config.
func ConfigDir(stage string) string {
	return experiment.ConfigsDir + "/" + stage
}

// RecordConfig persists the stage's received parameters, one file per top
// level key with the remove-key list applied at every depth. Without a
// workspace the record is held until Flush finds one.
func (s *State) RecordConfig(ctx context.Context, stage string, params *initnode.Mapping) error {
	rec, err := buildRecord(stage, params)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, rec)
	return s.Flush(ctx)
}

// Flush writes pending config records once a workspace exists.
func (s *State) Flush(ctx context.Context) error {
	if s.Context == nil || len(s.pending) == 0 {
		return nil
	}
	for len(s.pending) > 0 {
		if err := writeRecord(ctx, s.Context, s.pending[0]); err != nil {
			return err
		}
		s.pending = s.pending[1:]
	}
	return nil
}

// PendingConfigs names the stages whose config records have not been
// written yet.
func (s *State) PendingConfigs() []string {
	out := make([]string, len(s.pending))
	for i, rec := range s.pending {
		out[i] = rec.stage
	}
	return out
}

func buildRecord(stage string, params *initnode.Mapping) (configRecord, error) {
	rec := configRecord{stage: stage}
	if params == nil {
		return rec, nil
	}
	remove, err := removeKeys(params)
	if err != nil {
		return rec, fmt.Errorf("%s: %w", stage, err)
	}
	for _, e := range params.Entries {
		n, err := initnode.Serialize(e.Value)
		if err != nil {
			return rec, fmt.Errorf("%s: serialize %s: %w", stage, e.Key, err)
		}
		data, err := yaml.Marshal(config.RemoveKeys(n, remove))
		if err != nil {
			return rec, fmt.Errorf("%s: marshal %s: %w", stage, e.Key, err)
		}
		rec.files = append(rec.files, configFile{name: e.Key + ".yaml", data: data})
	}
	return rec, nil
}

func removeKeys(params *initnode.Mapping) ([]string, error) {
	n, ok := params.Get(RemoveKeysParam)
	if !ok {
		return nil, nil
	}
	switch v := initnode.Plain(n).(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			key, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings (got %T)", RemoveKeysParam, item)
			}
			out = append(out, key)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of keys (got %T)", RemoveKeysParam, v)
	}
}

func writeRecord(ctx context.Context, c *experiment.Context, rec configRecord) error {
	dir := ConfigDir(rec.stage)
	if err := c.MkdirAll(ctx, dir); err != nil {
		return err
	}
	names := make([]string, 0, len(rec.files))
	for _, f := range rec.files {
		if err := c.WriteBytes(ctx, dir+"/"+f.name, f.data); err != nil {
			return fmt.Errorf("persist %s config: %w", rec.stage, err)
		}
		names = append(names, f.name)
	}
	if _, err := config.GenerateChecksums(ctx, c.FS, c.Path(dir), names, false); err != nil {
		return fmt.Errorf("checksum %s config: %w", rec.stage, err)
	}
	c.Logger().Debug("effective config persisted", "stage", rec.stage, "files", len(names))
	return nil
}
