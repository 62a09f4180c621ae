package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/predict"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// ClassArgs configure the classification metrics.
type ClassArgs struct {
	// Prefix of the prediction columns, "pred" by default.
	Prefix string `yaml:"prefix"`
}

func (a ClassArgs) prefix() string {
	if a.Prefix == "" {
		return "pred"
	}
	return a.Prefix
}

// classifier holds what every classification metric needs.
type classifier struct {
	args    ClassArgs
	classes []string
}

func (c *classifier) init(desc data.DataDescription) error {
	classes := desc.Classes()
	if len(classes) == 0 {
		return errors.New("classification metric needs class labels in the data description")
	}
	c.classes = classes
	return nil
}

// outcomes returns the true and predicted class of every row. A single
// prediction column is a binary score thresholded at 0.5; otherwise the
// predicted class is the argmax.
func (c *classifier) outcomes(t *table.Table) ([]int, []int, error) {
	if c.classes == nil {
		return nil, nil, errors.New("metric used before Initialize")
	}
	labels, ok := t.Column(predict.LabelColumn)
	if !ok {
		return nil, nil, fmt.Errorf("prediction table has no %q column", predict.LabelColumn)
	}
	preds := predColumns(t, c.args.prefix())
	if len(preds) == 0 {
		return nil, nil, fmt.Errorf("prediction table has no %s_NNNN columns", c.args.prefix())
	}
	truth := make([]int, t.Len())
	guess := make([]int, t.Len())
	for i := range truth {
		truth[i] = int(labels.Float(i))
		if len(preds) == 1 {
			if preds[0].Float(i) >= 0.5 {
				guess[i] = 1
			}
			continue
		}
		best := 0
		for j := range preds {
			if preds[j].Float(i) > preds[best].Float(i) {
				best = j
			}
		}
		guess[i] = best
	}
	return truth, guess, nil
}

func predColumns(t *table.Table, prefix string) []*table.Column {
	var out []*table.Column
	for _, col := range t.Columns {
		if strings.HasPrefix(col.Name, prefix+"_") {
			out = append(out, col)
		}
	}
	return out
}

// confusion counts rows as matrix[true][predicted].
func (c *classifier) confusion(truth, guess []int) [][]int {
	m := make([][]int, len(c.classes))
	for i := range m {
		m[i] = make([]int, len(c.classes))
	}
	for i := range truth {
		if in(truth[i], len(c.classes)) && in(guess[i], len(c.classes)) {
			m[truth[i]][guess[i]]++
		}
	}
	return m
}

func in(i, n int) bool { return i >= 0 && i < n }

// Accuracy is the share of rows whose predicted class is the label.
type Accuracy struct {
	classifier
}

// NewAccuracy builds an Accuracy metric.
func NewAccuracy(args ClassArgs) (*Accuracy, error) {
	return &Accuracy{classifier{args: args}}, nil
}

func (m *Accuracy) InitArgs() any { return m.args }

func (m *Accuracy) Initialize(desc data.DataDescription) error { return m.init(desc) }

func (m *Accuracy) Compute(_ context.Context, t *table.Table, _ *experiment.Context, _ string) (Result, error) {
	truth, guess, err := m.outcomes(t)
	if err != nil {
		return nil, err
	}
	if len(truth) == 0 {
		return nil, errors.New("accuracy of an empty prediction table")
	}
	hits := 0
	for i := range truth {
		if truth[i] == guess[i] {
			hits++
		}
	}
	return Result{"accuracy": float64(hits) / float64(len(truth))}, nil
}

// ConfusionMatrix reports counts of true against predicted classes.
type ConfusionMatrix struct {
	classifier
}

// Confusion is the serialized confusion matrix.
type Confusion struct {
	Classes []string `yaml:"classes"`
	Matrix  [][]int  `yaml:"matrix"`
}

// NewConfusionMatrix builds a ConfusionMatrix metric.
func NewConfusionMatrix(args ClassArgs) (*ConfusionMatrix, error) {
	return &ConfusionMatrix{classifier{args: args}}, nil
}

func (m *ConfusionMatrix) InitArgs() any { return m.args }

func (m *ConfusionMatrix) Initialize(desc data.DataDescription) error { return m.init(desc) }

func (m *ConfusionMatrix) Compute(_ context.Context, t *table.Table, _ *experiment.Context, _ string) (Result, error) {
	truth, guess, err := m.outcomes(t)
	if err != nil {
		return nil, err
	}
	return Result{"confusion_matrix": Confusion{Classes: m.classes, Matrix: m.confusion(truth, guess)}}, nil
}

// ClassScores are the per-class scores of ClassReport.
type ClassScores struct {
	Precision float64 `yaml:"precision"`
	Recall    float64 `yaml:"recall"`
	F1        float64 `yaml:"f1"`
	Support   int     `yaml:"support"`
}

// ClassReport reports precision, recall and f1 per class. Undefined ratios
// are reported as 0.
type ClassReport struct {
	classifier
}

// NewClassReport builds a ClassReport metric.
func NewClassReport(args ClassArgs) (*ClassReport, error) {
	return &ClassReport{classifier{args: args}}, nil
}

func (m *ClassReport) InitArgs() any { return m.args }

func (m *ClassReport) Initialize(desc data.DataDescription) error { return m.init(desc) }

func (m *ClassReport) Compute(_ context.Context, t *table.Table, _ *experiment.Context, _ string) (Result, error) {
	truth, guess, err := m.outcomes(t)
	if err != nil {
		return nil, err
	}
	cm := m.confusion(truth, guess)
	report := make(map[string]ClassScores, len(m.classes))
	for k, name := range m.classes {
		tp, fp, fn := cm[k][k], 0, 0
		for j := range m.classes {
			if j != k {
				fp += cm[j][k]
				fn += cm[k][j]
			}
		}
		s := ClassScores{
			Precision: ratio(tp, tp+fp),
			Recall:    ratio(tp, tp+fn),
			Support:   tp + fn,
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		report[name] = s
	}
	return Result{"class_report": report}, nil
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// ConfusionChartArgs configure ConfusionChart.
type ConfusionChartArgs struct {
	Prefix string `yaml:"prefix"`
}

// ConfusionChart renders per-class recall as a bar chart at
// analysis/confusion_<dataset>.png.
type ConfusionChart struct {
	classifier
	chartArgs ConfusionChartArgs
}

// NewConfusionChart builds a ConfusionChart metric.
func NewConfusionChart(args ConfusionChartArgs) (*ConfusionChart, error) {
	return &ConfusionChart{classifier: classifier{args: ClassArgs{Prefix: args.Prefix}}, chartArgs: args}, nil
}

func (m *ConfusionChart) InitArgs() any { return m.chartArgs }

func (m *ConfusionChart) Initialize(desc data.DataDescription) error { return m.init(desc) }

func (m *ConfusionChart) Compute(ctx context.Context, t *table.Table, c *experiment.Context, name string) (Result, error) {
	truth, guess, err := m.outcomes(t)
	if err != nil {
		return nil, err
	}
	cm := m.confusion(truth, guess)
	recall := make([]float64, len(m.classes))
	for k := range m.classes {
		total := 0
		for _, n := range cm[k] {
			total += n
		}
		recall[k] = ratio(cm[k][k], total)
	}
	rel := experiment.AnalysisDir + "/confusion_" + name + ".png"
	if err := c.WriteBarChart(ctx, rel, "Recall per class: "+name, "recall", m.classes, recall); err != nil {
		return nil, err
	}
	return Result{"confusion_chart": rel}, nil
}
