package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// LinearExt is the file extension of saved linear models.
const LinearExt = ".json"

const probEps = 1e-12

// LinearModel is multinomial logistic regression: softmax(xW + b), or a
// sigmoid when there is a single output.
type LinearModel struct {
	inputShape []int
	classes    []string
	w          *mat.Dense
	b          []float64
}

// NewLinearModel returns a model with weights drawn from N(0, scale²).
func NewLinearModel(inputShape []int, classes []string, outputs int, scale float64, seed uint64) (*LinearModel, error) {
	in := 1
	for _, d := range inputShape {
		in *= d
	}
	if in <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("linear model needs positive sizes, got %d inputs and %d outputs", in, outputs)
	}
	r := rand.New(rand.NewPCG(seed, 0x7261696e))
	w := make([]float64, in*outputs)
	for i := range w {
		w[i] = r.NormFloat64() * scale
	}
	return &LinearModel{
		inputShape: slices.Clone(inputShape),
		classes:    slices.Clone(classes),
		w:          mat.NewDense(in, outputs, w),
		b:          make([]float64, outputs),
	}, nil
}

// Inputs is the flattened input width.
func (m *LinearModel) Inputs() int {
	r, _ := m.w.Dims()
	return r
}

// Outputs is the number of output units.
func (m *LinearModel) Outputs() int {
	_, c := m.w.Dims()
	return c
}

func (m *LinearModel) Predict(x *mat.Dense) (*mat.Dense, error) {
	_, cols := x.Dims()
	if cols != m.Inputs() {
		return nil, fmt.Errorf("linear model expects %d input features, got %d", m.Inputs(), cols)
	}
	var z mat.Dense
	z.Mul(x, m.w)
	rows, k := z.Dims()
	for i := 0; i < rows; i++ {
		row := z.RawRowView(i)
		floats.Add(row, m.b)
		if k == 1 {
			row[0] = 1 / (1 + math.Exp(-row[0]))
			continue
		}
		softmax(row)
	}
	return &z, nil
}

func softmax(row []float64) {
	top := floats.Max(row)
	for j, v := range row {
		row[j] = math.Exp(v - top)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// Loss is the mean cross entropy of predictions p against targets y.
func Loss(p, y *mat.Dense) float64 {
	rows, k := p.Dims()
	if rows == 0 {
		return math.NaN()
	}
	total := 0.0
	for i := 0; i < rows; i++ {
		pr, yr := p.RawRowView(i), y.RawRowView(i)
		if k == 1 {
			total -= yr[0]*math.Log(pr[0]+probEps) + (1-yr[0])*math.Log(1-pr[0]+probEps)
			continue
		}
		for j := range pr {
			total -= yr[j] * math.Log(pr[j]+probEps)
		}
	}
	return total / float64(rows)
}

// Accuracy is the share of rows whose predicted class matches the target.
func Accuracy(p, y *mat.Dense) float64 {
	rows, k := p.Dims()
	if rows == 0 {
		return math.NaN()
	}
	hits := 0
	for i := 0; i < rows; i++ {
		pr, yr := p.RawRowView(i), y.RawRowView(i)
		if k == 1 {
			if (pr[0] >= 0.5) == (yr[0] >= 0.5) {
				hits++
			}
			continue
		}
		if floats.MaxIdx(pr) == floats.MaxIdx(yr) {
			hits++
		}
	}
	return float64(hits) / float64(rows)
}

// Step runs one gradient descent update on a batch and returns the batch
// loss measured before the update.
func (m *LinearModel) Step(x, y *mat.Dense, lr, l2 float64) (float64, error) {
	p, err := m.Predict(x)
	if err != nil {
		return 0, err
	}
	rows, _ := x.Dims()
	if pr, _ := y.Dims(); pr != rows {
		return 0, fmt.Errorf("batch has %d inputs but %d targets", rows, pr)
	}
	loss := Loss(p, y)

	var g mat.Dense
	g.Sub(p, y)
	var dw mat.Dense
	dw.Mul(x.T(), &g)
	dw.Scale(1/float64(rows), &dw)
	if l2 > 0 {
		var reg mat.Dense
		reg.Scale(l2, m.w)
		dw.Add(&dw, &reg)
	}
	dw.Scale(lr, &dw)
	m.w.Sub(m.w, &dw)

	for j := range m.b {
		col := mat.Col(nil, j, &g)
		m.b[j] -= lr * floats.Sum(col) / float64(rows)
	}
	return loss, nil
}

type linearFile struct {
	Kind       string    `json:"kind"`
	InputShape []int     `json:"input_shape"`
	Classes    []string  `json:"classes,omitempty"`
	Inputs     int       `json:"inputs"`
	Outputs    int       `json:"outputs"`
	Weights    []float64 `json:"weights"`
	Bias       []float64 `json:"bias"`
}

const linearKind = "trainpipe.linear"

func (m *LinearModel) Save(ctx context.Context, fs fsys.FS, path string) error {
	raw, err := json.Marshal(linearFile{
		Kind:       linearKind,
		InputShape: m.inputShape,
		Classes:    m.classes,
		Inputs:     m.Inputs(),
		Outputs:    m.Outputs(),
		Weights:    m.w.RawMatrix().Data,
		Bias:       m.b,
	})
	if err != nil {
		return fmt.Errorf("encode linear model: %w", err)
	}
	return fs.WriteFile(ctx, path, raw)
}

// LinearFactoryArgs configure LinearFactory.
type LinearFactoryArgs struct {
	InitScale float64 `yaml:"init_scale" validate:"gte=0"`
	Seed      int64   `yaml:"seed"`
}

// LinearFactory creates LinearModels sized by the data description.
type LinearFactory struct {
	args LinearFactoryArgs
}

// NewLinearFactory builds a LinearFactory.
func NewLinearFactory(args LinearFactoryArgs) (*LinearFactory, error) {
	return &LinearFactory{args: args}, nil
}

func (f *LinearFactory) InitArgs() any { return f.args }

func (f *LinearFactory) Create(desc data.DataDescription) (Model, error) {
	return NewLinearModel(desc.InputShape(), desc.Classes(), desc.OutputSize(), f.args.InitScale, uint64(f.args.Seed))
}

// LinearLoader reads LinearModels saved by Save.
type LinearLoader struct{}

// NewLinearLoader builds a LinearLoader.
func NewLinearLoader(struct{}) (*LinearLoader, error) { return &LinearLoader{}, nil }

func (LinearLoader) Load(ctx context.Context, path string, _ map[string]any, fs fsys.FS) (Model, error) {
	raw, err := fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	var f linearFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if f.Kind != linearKind {
		return nil, fmt.Errorf("model %s has kind %q, want %q", path, f.Kind, linearKind)
	}
	if f.Inputs*f.Outputs != len(f.Weights) || len(f.Bias) != f.Outputs || f.Outputs == 0 {
		return nil, errors.New("model " + path + " has inconsistent weight sizes")
	}
	return &LinearModel{
		inputShape: f.InputShape,
		classes:    f.Classes,
		w:          mat.NewDense(f.Inputs, f.Outputs, f.Weights),
		b:          f.Bias,
	}, nil
}

// DefaultPrediction runs Model.Predict on the flattened batch inputs.
type DefaultPrediction struct{}

// NewDefaultPrediction builds a DefaultPrediction.
func NewDefaultPrediction(struct{}) (*DefaultPrediction, error) { return &DefaultPrediction{}, nil }

func (DefaultPrediction) Predict(ctx context.Context, m Model, batch data.Batch) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch.Inputs == nil || batch.Inputs.Rows() == 0 {
		return nil, errors.New("empty batch")
	}
	return m.Predict(batch.Inputs.Dense())
}
