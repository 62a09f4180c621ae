package data

import (
	"fmt"
	"slices"
	"strconv"
)

// DataDescription tells datasets and models what one item looks like.
type DataDescription interface {
	// InputShape is the shape of one item's network input.
	InputShape() []int
	// OutputSize is the length of one item's target vector.
	OutputSize() int
	// Classes names the target classes; empty for regression.
	Classes() []string
}

// ImageSize is a width/height pair.
type ImageSize struct {
	Width  int `yaml:"width" validate:"gt=0"`
	Height int `yaml:"height" validate:"gt=0"`
}

// ImageDescription describes image classification data.
type ImageDescription struct {
	ImageSize ImageSize `yaml:"image_size"`
	Channels  int       `yaml:"channels" validate:"oneof=1 3"`
	Labels    []string  `yaml:"classes" validate:"required,min=1"`
	Outputs   int       `yaml:"output_size" validate:"gte=0"`
}

// NewImageDescription validates an ImageDescription. At least two classes
// are needed; an unset output size defaults to the number of classes.
func NewImageDescription(d ImageDescription) (*ImageDescription, error) {
	if len(d.Labels) < 2 {
		return nil, fmt.Errorf("classes: need at least two, got %d", len(d.Labels))
	}
	if d.Outputs == 0 {
		d.Outputs = len(d.Labels)
	}
	if d.Outputs != 1 && d.Outputs != len(d.Labels) {
		return nil, fmt.Errorf("output_size %d must be 1 or the number of classes (%d)", d.Outputs, len(d.Labels))
	}
	if d.Outputs == 1 && len(d.Labels) != 2 {
		return nil, fmt.Errorf("output_size 1 needs exactly two classes, got %d", len(d.Labels))
	}
	return &d, nil
}

func (d *ImageDescription) InputShape() []int {
	return []int{d.ImageSize.Height, d.ImageSize.Width, d.Channels}
}

func (d *ImageDescription) OutputSize() int { return d.Outputs }

func (d *ImageDescription) Classes() []string { return slices.Clone(d.Labels) }

// TabularDescription describes feature-table data.
type TabularDescription struct {
	InputFeatures  []string          `yaml:"input_features" validate:"required,min=1"`
	OutputFeatures []string          `yaml:"output_features" validate:"required,min=1"`
	FeatureTypes   map[string]string `yaml:"feature_types"`
	Labels         []string          `yaml:"classes"`
}

// NewTabularDescription validates a TabularDescription. With classes set the
// single output feature holds a class index.
func NewTabularDescription(d TabularDescription) (*TabularDescription, error) {
	for _, f := range d.OutputFeatures {
		if slices.Contains(d.InputFeatures, f) {
			return nil, fmt.Errorf("feature %q is both input and output", f)
		}
	}
	if len(d.Labels) > 0 && len(d.OutputFeatures) != 1 {
		return nil, fmt.Errorf("classification needs exactly one output feature, got %d", len(d.OutputFeatures))
	}
	for name, typ := range d.FeatureTypes {
		switch typ {
		case "float", "int", "category":
		default:
			return nil, fmt.Errorf("feature %q: unknown type %q", name, typ)
		}
	}
	return &d, nil
}

func (d *TabularDescription) InputShape() []int { return []int{len(d.InputFeatures)} }

func (d *TabularDescription) OutputSize() int {
	if len(d.Labels) > 0 {
		return len(d.Labels)
	}
	return len(d.OutputFeatures)
}

func (d *TabularDescription) Classes() []string { return slices.Clone(d.Labels) }

// classIndex maps a label string to its class index. Labels that are not
// class names are read as integers.
func classIndex(classes []string, label string) (int, error) {
	if i := slices.Index(classes, label); i >= 0 {
		return i, nil
	}
	n, err := strconv.Atoi(label)
	if err == nil && n >= 0 && (len(classes) == 0 || n < len(classes)) {
		return n, nil
	}
	return 0, fmt.Errorf("label %q is not one of %v", label, classes)
}
