// Package tensor is a small dense row-major float tensor used for batches
// and prediction arrays.
package tensor

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense row-major array. The first dimension is the batch axis.
type Tensor struct {
	shape []int
	data  []float64
}

// New returns a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float64, size(shape))}
}

// FromSlice wraps data without copying. len(data) must match shape.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if size(shape) != len(data) {
		return nil, fmt.Errorf("tensor: %d values do not fill shape %v", len(data), shape)
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// FromDense copies a matrix into a 2-d tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := New(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.data[i*c+j] = m.At(i, j)
		}
	}
	return t
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tensor: stack of nothing")
	}
	inner := items[0].shape
	out := New(append([]int{len(items)}, inner...)...)
	step := size(inner)
	for i, it := range items {
		if !slices.Equal(it.shape, inner) {
			return nil, fmt.Errorf("tensor: stack item %d has shape %v, want %v", i, it.shape, inner)
		}
		copy(out.data[i*step:], it.data)
	}
	return out, nil
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Data returns the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Rows is the length of the leading axis.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 0
	}
	return t.shape[0]
}

// RowSize is the number of elements per leading index.
func (t *Tensor) RowSize() int {
	if len(t.shape) == 0 {
		return 0
	}
	return size(t.shape[1:])
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// At returns one element.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set stores one element.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

// Row returns the i-th slice along the leading axis as a view.
func (t *Tensor) Row(i int) *Tensor {
	n := t.RowSize()
	return &Tensor{shape: slices.Clone(t.shape[1:]), data: t.data[i*n : (i+1)*n]}
}

// Reshape returns a view with a new shape of the same size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if size(shape) != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v to %v", t.shape, shape)
	}
	return &Tensor{shape: slices.Clone(shape), data: t.data}, nil
}

// Clone deep copies t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Dense views t as a matrix with one row per leading index; trailing axes
// are flattened.
func (t *Tensor) Dense() *mat.Dense {
	r, c := t.Rows(), t.RowSize()
	if r == 0 || c == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(r, c, t.data)
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// Argmax returns the index of the largest element of each row.
func (t *Tensor) Argmax() []int {
	out := make([]int, t.Rows())
	for i := range out {
		row := t.Row(i).data
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
