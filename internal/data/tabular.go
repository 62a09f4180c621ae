package data

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/table"
	"github.com/mattjoyce/trainpipe/internal/tensor"
)

// TabularDatasetArgs configure TabularDataset.
type TabularDatasetArgs struct {
	URI               string               `yaml:"uri" validate:"required"`
	IDColumn          string               `yaml:"id_column"`
	TargetTransformer NetTargetTransformer `yaml:"target_transformer"`
	BatchSize         int                  `yaml:"batch_size" validate:"gt=0"`
	Shuffle           bool                 `yaml:"shuffle"`
	Shuffler          Shuffler             `yaml:"shuffler"`
	MaxItems          int                  `yaml:"max_items" validate:"gte=0"`
}

// TabularDataset serves rows of a parquet or CSV table. Inputs and targets
// are the description's input and output feature columns; with classes
// configured the output column holds class indices or names.
type TabularDataset struct {
	args TabularDatasetArgs
	*sampler

	desc    *TabularDescription
	inputs  *tensor.Tensor
	targets *tensor.Tensor
	infos   []DataInfo
}

// NewTabularDataset builds a TabularDataset.
func NewTabularDataset(args TabularDatasetArgs) (*TabularDataset, error) {
	ds := &TabularDataset{args: args}
	ds.sampler = newSampler(args.BatchSize, args.Shuffle, args.Shuffler)
	return ds, nil
}

func (d *TabularDataset) InitArgs() any { return d.args }

func (d *TabularDataset) Initialize(ctx context.Context, desc DataDescription, c *experiment.Context) error {
	td, ok := desc.(*TabularDescription)
	if !ok {
		return fmt.Errorf("tabular dataset needs a tabular description, got %T", desc)
	}
	fs, p, err := fsys.Resolve(ctx, d.args.URI, c.Env.Lookup)
	if err != nil {
		return fmt.Errorf("tabular dataset %q: %w", d.args.URI, err)
	}
	raw, err := fs.ReadFile(ctx, p)
	if err != nil {
		return fmt.Errorf("tabular dataset %q: %w", d.args.URI, err)
	}
	t, err := experiment.DecodeTable(p, raw)
	if err != nil {
		return err
	}
	n := t.Len()
	if d.args.MaxItems > 0 {
		n = min(n, d.args.MaxItems)
	}

	in, err := columns(t, td.InputFeatures)
	if err != nil {
		return err
	}
	out, err := columns(t, td.OutputFeatures)
	if err != nil {
		return err
	}
	var ids *table.Column
	if d.args.IDColumn != "" {
		col, ok := t.Column(d.args.IDColumn)
		if !ok {
			return fmt.Errorf("tabular dataset %q: no id column %q", d.args.URI, d.args.IDColumn)
		}
		ids = col
	}

	classes := td.Classes()
	targetOf := d.args.TargetTransformer
	if targetOf == nil {
		targetOf = defaultTarget(td)
	}
	d.inputs = tensor.New(n, len(in))
	d.targets = tensor.New(n, td.OutputSize())
	d.infos = make([]DataInfo, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		for j, col := range in {
			d.inputs.Set(col.Float(i), i, j)
		}
		info := DataInfo{ID: strconv.Itoa(i)}
		if ids != nil {
			info.ID = ids.String(i)
		}
		if len(classes) > 0 {
			label, err := classIndex(classes, out[0].String(i))
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			y, err := targetOf.Target(label, td)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			copy(d.targets.Row(i).Data(), y)
			info.Label = label
			labels[i] = label
		} else {
			for j, col := range out {
				v := col.Float(i)
				if math.IsNaN(v) {
					return fmt.Errorf("row %d: output %s is not numeric", i, col.Name)
				}
				d.targets.Set(v, i, j)
				info.Fields = append(info.Fields, Field{Name: col.Name, Value: v})
			}
		}
		d.infos[i] = info
	}
	d.desc = td
	d.reset(labels)
	c.Logger().Debug("tabular dataset initialized", "rows", n, "batches", d.Len())
	return nil
}

func columns(t *table.Table, names []string) ([]*table.Column, error) {
	out := make([]*table.Column, 0, len(names))
	for _, name := range names {
		col, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("table has no feature column %q", name)
		}
		out = append(out, col)
	}
	return out, nil
}

func (d *TabularDataset) Get(ctx context.Context, i int) (Batch, error) {
	idx, err := d.batch(i)
	if err != nil {
		return Batch{}, err
	}
	x := tensor.New(len(idx), d.inputs.RowSize())
	y := tensor.New(len(idx), d.targets.RowSize())
	for row, j := range idx {
		copy(x.Row(row).Data(), d.inputs.Row(j).Data())
		copy(y.Row(row).Data(), d.targets.Row(j).Data())
	}
	return Batch{Inputs: x, Targets: y}, nil
}

func (d *TabularDataset) DataInfo(i int) ([]DataInfo, error) {
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

func (d *TabularDataset) Stats() Stats {
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
