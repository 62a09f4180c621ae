// Package data holds the dataset abstraction: descriptions of what the
// network consumes, per-item info records, batched datasets and the
// pluggable pieces they are assembled from.
package data

import (
	"context"
	"iter"
	"sort"

	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/tensor"
)

// Batch is one network input/target pair.
type Batch struct {
	Inputs  *tensor.Tensor
	Targets *tensor.Tensor
}

// Field is one named attribute of a DataInfo.
type Field struct {
	Name  string
	Value any
}

// DataInfo describes one item of a batch.
type DataInfo struct {
	ID     string
	Label  int
	Fields []Field
}

// Field returns the value of the named field.
func (d DataInfo) Field(name string) (any, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// FieldNames returns field names in order.
func (d DataInfo) FieldNames() []string {
	out := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = f.Name
	}
	return out
}

// Dataset is a batch indexed sequence of inputs and targets with one info
// record per item. Get and DataInfo may be called from any goroutine once
// Initialize has returned.
type Dataset interface {
	Initialize(ctx context.Context, desc DataDescription, c *experiment.Context) error
	// Len is the number of batches in the current epoch, counting a
	// partial last batch.
	Len() int
	Get(ctx context.Context, i int) (Batch, error)
	DataInfo(i int) ([]DataInfo, error)
	OnEpochEnd()
	Stats() Stats
}

// Stats summarize a dataset after initialization.
type Stats struct {
	Items     int            `yaml:"items"`
	Batches   int            `yaml:"batches"`
	BatchSize int            `yaml:"batch_size"`
	Classes   map[string]int `yaml:"classes,omitempty"`
}

// Iterator walks a dataset batch by batch. All may be ranged over more than
// once; each pass starts at batch 0.
type Iterator struct {
	ctx context.Context
	ds  Dataset
	err error
}

// IterWithInfo returns an iterator over ds.
func IterWithInfo(ctx context.Context, ds Dataset) *Iterator {
	return &Iterator{ctx: ctx, ds: ds}
}

// All yields the info records and batch of every batch. Iteration stops at
// the first error, which Err then reports.
func (it *Iterator) All() iter.Seq2[[]DataInfo, Batch] {
	return it.Limit(-1)
}

// Limit is All capped at n batches; n < 0 means no cap.
func (it *Iterator) Limit(n int) iter.Seq2[[]DataInfo, Batch] {
	return func(yield func([]DataInfo, Batch) bool) {
		it.err = nil
		total := it.ds.Len()
		if n >= 0 && n < total {
			total = n
		}
		for i := 0; i < total; i++ {
			if err := it.ctx.Err(); err != nil {
				it.err = err
				return
			}
			infos, err := it.ds.DataInfo(i)
			if err != nil {
				it.err = err
				return
			}
			batch, err := it.ds.Get(it.ctx, i)
			if err != nil {
				it.err = err
				return
			}
			if !yield(infos, batch) {
				return
			}
		}
	}
}

// Err returns the error that ended the last pass, if any.
func (it *Iterator) Err() error { return it.err }

func batchCount(items, batchSize int) int {
	if items == 0 {
		return 0
	}
	return (items + batchSize - 1) / batchSize
}

func classHistogram(labels []int, names []string) map[string]int {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]int, len(names))
	for _, n := range names {
		out[n] = 0
	}
	for _, l := range labels {
		if l >= 0 && l < len(names) {
			out[names[l]]++
		}
	}
	return out
}

func sortedKeys(m map[int][]int) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
