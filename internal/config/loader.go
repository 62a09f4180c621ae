package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/interp"
)

// LoadOptions control interpolation.
type LoadOptions struct {
	Env       interp.Env
	Resolvers interp.Resolvers
	Logger    *slog.Logger
}

func (o LoadOptions) resolvers() interp.Resolvers {
	if o.Resolvers != nil {
		return o.Resolvers
	}
	return interp.DefaultResolvers(o.Env)
}

// Load reads and interpolates the pipeline document at path.
func Load(path string, opts LoadOptions) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	doc, err := LoadBytes(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// LoadBytes parses, interpolates and checks a document held in memory.
func LoadBytes(data []byte, opts LoadOptions) (*Document, error) {
	var raw yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.ConfigSchema, err, "parse YAML")
	}
	if raw.Kind == 0 {
		return nil, errs.New(errs.ConfigSchema, "empty document")
	}

	res, err := interp.Interpolate(&raw, opts.resolvers(), opts.Logger)
	if err != nil {
		return nil, err
	}

	root, err := initnode.Parse(res.Doc)
	if err != nil {
		return nil, err
	}
	doc, err := build(root)
	if err != nil {
		return nil, err
	}
	doc.Source = res.Doc
	doc.UnusedGlobals = res.UnusedGlobals
	return doc, nil
}

// build checks the top-level shape: ops is a mapping of stage name to
// parameter mapping, resources is any mapping, nothing else is allowed.
func build(root initnode.Node) (*Document, error) {
	m, ok := root.(*initnode.Mapping)
	if !ok {
		return nil, errs.New(errs.ConfigSchema, "document must be a mapping")
	}

	doc := &Document{Ops: &initnode.Mapping{}, Resources: &initnode.Mapping{}}
	for _, e := range m.Entries {
		switch e.Key {
		case KeyOps:
			ops, ok := e.Value.(*initnode.Mapping)
			if !ok {
				return nil, errs.New(errs.ConfigSchema, "ops must be a mapping of stage name to parameters")
			}
			for _, stage := range ops.Entries {
				switch v := stage.Value.(type) {
				case *initnode.Mapping:
				case *initnode.Scalar:
					if v.Value != nil {
						return nil, errs.New(errs.ConfigSchema, "ops.%s must be a mapping", stage.Key)
					}
					ops.Set(stage.Key, &initnode.Mapping{})
				default:
					return nil, errs.New(errs.ConfigSchema, "ops.%s must be a mapping", stage.Key)
				}
			}
			doc.Ops = ops
		case KeyResources:
			res, ok := e.Value.(*initnode.Mapping)
			if !ok {
				if s, isScalar := e.Value.(*initnode.Scalar); isScalar && s.Value == nil {
					continue
				}
				return nil, errs.New(errs.ConfigSchema, "resources must be a mapping")
			}
			doc.Resources = res
		default:
			return nil, errs.New(errs.ConfigSchema, "unknown top-level key %q", e.Key).WithDetail("key", e.Key)
		}
	}
	if len(doc.Ops.Entries) == 0 {
		return nil, errs.New(errs.ConfigSchema, "ops is required and must configure at least one stage")
	}
	return doc, nil
}

// Marshal renders the interpolated document.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d.Source)
}
