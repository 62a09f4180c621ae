package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/tensor"
)

// ImageDatasetArgs configure ImageDataset.
type ImageDatasetArgs struct {
	Listing           DataInfoListing       `yaml:"listing" validate:"required"`
	Loader            DataLoader            `yaml:"loader"`
	InputTransformers []NetInputTransformer `yaml:"input_transformers"`
	TargetTransformer NetTargetTransformer  `yaml:"target_transformer"`
	BatchSize         int                   `yaml:"batch_size" validate:"gt=0"`
	Shuffle           bool                  `yaml:"shuffle"`
	Shuffler          Shuffler              `yaml:"shuffler"`
}

// ImageDataset serves image classification batches. Items are listed at
// Initialize and loaded on demand.
type ImageDataset struct {
	args ImageDatasetArgs
	*sampler

	desc  DataDescription
	fs    fsys.FS
	paths []string
	infos []DataInfo
}

// NewImageDataset builds an ImageDataset. Without a loader PNG files are
// read as-is.
func NewImageDataset(args ImageDatasetArgs) (*ImageDataset, error) {
	if args.Listing == nil {
		return nil, errors.New("listing is required")
	}
	ds := &ImageDataset{args: args}
	ds.sampler = newSampler(args.BatchSize, args.Shuffle, args.Shuffler)
	return ds, nil
}

func (d *ImageDataset) InitArgs() any { return d.args }

func (d *ImageDataset) Initialize(ctx context.Context, desc DataDescription, c *experiment.Context) error {
	if len(desc.InputShape()) != 3 {
		return fmt.Errorf("image dataset needs an image description, got input shape %v", desc.InputShape())
	}
	src, err := d.args.Listing.List(ctx, c)
	if err != nil {
		return err
	}
	classes := desc.Classes()
	labels := make([]int, 0, len(src.Items))
	d.paths = d.paths[:0]
	d.infos = d.infos[:0]
	for _, item := range src.Items {
		label, err := classIndex(classes, item.Label)
		if err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
		labels = append(labels, label)
		d.paths = append(d.paths, item.Path)
		d.infos = append(d.infos, DataInfo{
			ID:    item.ID,
			Label: label,
			Fields: []Field{
				{Name: "path", Value: item.Path},
				{Name: "class", Value: item.Label},
			},
		})
	}
	d.desc = desc
	d.fs = src.FS
	d.reset(labels)
	c.Logger().Debug("image dataset initialized", "items", len(d.infos), "batches", d.Len())
	return nil
}

func (d *ImageDataset) Get(ctx context.Context, i int) (Batch, error) {
	idx, err := d.batch(i)
	if err != nil {
		return Batch{}, err
	}
	loader := d.args.Loader
	if loader == nil {
		loader = &PNGLoader{}
	}
	targetOf := d.args.TargetTransformer
	if targetOf == nil {
		targetOf = defaultTarget(d.desc)
	}

	inputs := make([]*tensor.Tensor, 0, len(idx))
	targets := tensor.New(len(idx), d.desc.OutputSize())
	for row, j := range idx {
		x, err := loader.Load(ctx, d.fs, d.paths[j], d.desc)
		if err != nil {
			return Batch{}, err
		}
		if x, err = applyInputs(x, d.args.InputTransformers); err != nil {
			return Batch{}, fmt.Errorf("transform %s: %w", d.infos[j].ID, err)
		}
		inputs = append(inputs, x)
		y, err := targetOf.Target(d.infos[j].Label, d.desc)
		if err != nil {
			return Batch{}, fmt.Errorf("target %s: %w", d.infos[j].ID, err)
		}
		copy(targets.Row(row).Data(), y)
	}
	x, err := tensor.Stack(inputs)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Inputs: x, Targets: targets}, nil
}

func (d *ImageDataset) DataInfo(i int) ([]DataInfo, error) {
	idx, err := d.batch(i)
	if err != nil {
		return nil, err
	}
	out := make([]DataInfo, len(idx))
	for k, j := range idx {
		out[k] = d.infos[j]
	}
	return out, nil
}

func (d *ImageDataset) Stats() Stats {
	labels := make([]int, len(d.infos))
	for i, info := range d.infos {
		labels[i] = info.Label
	}
	var classes []string
	if d.desc != nil {
		classes = d.desc.Classes()
	}
	return Stats{
		Items:     len(d.infos),
		Batches:   d.Len(),
		BatchSize: d.args.BatchSize,
		Classes:   classHistogram(labels, classes),
	}
}
