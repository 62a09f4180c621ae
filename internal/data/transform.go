package data

import (
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/tensor"
)

// NetInputTransformer rewrites one item's network input.
type NetInputTransformer interface {
	Transform(x *tensor.Tensor) (*tensor.Tensor, error)
}

// NetTargetTransformer turns a class index into a target vector.
type NetTargetTransformer interface {
	Target(label int, desc DataDescription) ([]float64, error)
}

// ScaleArgs configure Scale.
type ScaleArgs struct {
	Factor float64 `yaml:"factor" validate:"ne=0"`
}

// Scale multiplies every element by Factor.
type Scale struct {
	args ScaleArgs
}

// NewScale builds a Scale.
func NewScale(args ScaleArgs) (*Scale, error) {
	return &Scale{args: args}, nil
}

func (s *Scale) InitArgs() any { return s.args }

func (s *Scale) Transform(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	for i, v := range out.Data() {
		out.Data()[i] = v * s.args.Factor
	}
	return out, nil
}

// NormalizeArgs configure Normalize.
type NormalizeArgs struct {
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std" validate:"gt=0"`
}

// Normalize maps v to (v - Mean) / Std.
type Normalize struct {
	args NormalizeArgs
}

// NewNormalize builds a Normalize.
func NewNormalize(args NormalizeArgs) (*Normalize, error) {
	return &Normalize{args: args}, nil
}

func (n *Normalize) InitArgs() any { return n.args }

func (n *Normalize) Transform(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	for i, v := range out.Data() {
		out.Data()[i] = (v - n.args.Mean) / n.args.Std
	}
	return out, nil
}

// OneHot encodes a class index as a one-hot vector of the output size.
type OneHot struct{}

// NewOneHot builds a OneHot.
func NewOneHot(struct{}) (*OneHot, error) { return &OneHot{}, nil }

func (OneHot) Target(label int, desc DataDescription) ([]float64, error) {
	n := desc.OutputSize()
	if label < 0 || label >= n {
		return nil, fmt.Errorf("label %d out of range for %d outputs", label, n)
	}
	out := make([]float64, n)
	out[label] = 1
	return out, nil
}

// Binary encodes a two-class label as a single 0/1 scalar.
type Binary struct{}

// NewBinary builds a Binary.
func NewBinary(struct{}) (*Binary, error) { return &Binary{}, nil }

func (Binary) Target(label int, desc DataDescription) ([]float64, error) {
	if label != 0 && label != 1 {
		return nil, fmt.Errorf("binary target needs label 0 or 1, got %d", label)
	}
	return []float64{float64(label)}, nil
}

// defaultTarget picks one-hot, or binary when the output is a single unit.
func defaultTarget(desc DataDescription) NetTargetTransformer {
	if desc.OutputSize() == 1 {
		return Binary{}
	}
	return OneHot{}
}

func applyInputs(x *tensor.Tensor, chain []NetInputTransformer) (*tensor.Tensor, error) {
	for _, t := range chain {
		var err error
		if x, err = t.Transform(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
