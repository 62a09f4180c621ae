package experiment

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// RecognizedEnv lists the environment variables recorded in every info file.
var RecognizedEnv = []string{
	"DATA_URI",
	"EXPERIMENT_URI",
	"MLFLOW_TRACKING_URI",
	"SAMPLE_COUNT",
	"MAX_NUMBER",
	"EPOCHS",
}

// OutputInitializer prepares a fresh workspace before training starts.
type OutputInitializer interface {
	Initialize(ctx context.Context, c *Context) error
}

// InfoArgs configure InfoInitializer.
type InfoArgs struct {
	Name          string   `yaml:"name" validate:"required"`
	Prefix        string   `yaml:"prefix"`
	Type          string   `yaml:"type"`
	Description   string   `yaml:"description"`
	GitPaths      []string `yaml:"git_paths"`
	ExternalInfos []string `yaml:"external_infos"`
	EnvKeys       []string `yaml:"env_keys"`
}

// InfoInitializer writes git_versions.yaml and experiment_info.yaml and
// copies operator supplied files into external_infos/.
type InfoInitializer struct {
	args InfoArgs
}

// NewInfoInitializer builds an InfoInitializer.
func NewInfoInitializer(args InfoArgs) (*InfoInitializer, error) {
	return &InfoInitializer{args: args}, nil
}

func (i *InfoInitializer) InitArgs() any { return i.args }

func (i *InfoInitializer) Initialize(ctx context.Context, c *Context) error {
	versions := GitVersions(ctx, i.args.GitPaths)
	if err := c.WriteYAML(ctx, GitVersionsFile, versions); err != nil {
		return err
	}

	env := map[string]string{}
	keys := append(slices.Clone(RecognizedEnv), i.args.EnvKeys...)
	for _, k := range keys {
		if v, ok := c.Env.Lookup(k); ok {
			env[k] = v
		}
	}
	err := c.UpdateInfo(ctx, func(info *Info) {
		override := func(dst *string, v string) {
			if v != "" {
				*dst = v
			}
		}
		override(&info.ExperimentName, i.args.Name)
		override(&info.ExperimentPrefix, i.args.Prefix)
		override(&info.ExperimentType, i.args.Type)
		override(&info.Description, i.args.Description)
		info.Environment = env
	})
	if errs.IsKind(err, errs.MissingArtifact) {
		err = c.WriteInfo(ctx, Info{
			ExperimentName:   i.args.Name,
			ExperimentPrefix: i.args.Prefix,
			ExperimentType:   i.args.Type,
			Description:      i.args.Description,
			Environment:      env,
		}, true)
	}
	if err != nil {
		return err
	}

	for _, src := range i.args.ExternalInfos {
		if err := i.copyExternal(ctx, c, src); err != nil {
			return err
		}
	}
	c.Logger().Info("experiment output initialized", "name", i.args.Name, "external_infos", len(i.args.ExternalInfos))
	return nil
}

func (i *InfoInitializer) copyExternal(ctx context.Context, c *Context, uri string) error {
	srcFS, p, err := fsys.Resolve(ctx, uri, c.Env.Lookup)
	if err != nil {
		return fmt.Errorf("external info %q: %w", uri, err)
	}
	st, err := srcFS.Stat(ctx, p)
	if errors.Is(err, fsys.ErrNotExist) {
		return fmt.Errorf("external info %q does not exist", uri)
	}
	if err != nil {
		return fmt.Errorf("external info %q: %w", uri, err)
	}
	name := path.Base(st.Name)
	if st.IsDir {
		_, err := fsys.CopyTree(ctx, srcFS, p, c.FS, c.Path(ExternalDir, name))
		return err
	}
	data, err := srcFS.ReadFile(ctx, p)
	if err != nil {
		return fmt.Errorf("external info %q: %w", uri, err)
	}
	return c.WriteBytes(ctx, path.Join(ExternalDir, name), data)
}
