package predict

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/table"
)

// Reserved columns of a prediction table.
const (
	IDColumn    = "id"
	LabelColumn = "label"
)

// VectorArgs configure VectorHandler.
type VectorArgs struct {
	Prefix string `yaml:"prefix"`
	// Extension selects the table encoding: .parq (default) or .csv.
	Extension string `yaml:"extension" validate:"omitempty,oneof=.parq .parquet .csv"`
}

// VectorHandler writes one table row per item: the info record fields
// followed by one <prefix>_NNNN column per prediction dimension.
type VectorHandler struct {
	args VectorArgs
	s    session

	ids    []string
	labels []int64
	fields []string
	values map[string][]any
	preds  [][]float64
}

// NewVectorHandler builds a VectorHandler.
func NewVectorHandler(args VectorArgs) (*VectorHandler, error) {
	if args.Prefix == "" {
		args.Prefix = "pred"
	}
	if args.Extension == "" {
		args.Extension = ".parq"
	}
	return &VectorHandler{args: args}, nil
}

func (h *VectorHandler) InitArgs() any { return h.args }

// TablePath is where the table for dataset name is written.
func (h *VectorHandler) TablePath(name string) string {
	return VectorPath(name, h.args.Extension)
}

// VectorPath is the workspace path of a prediction table.
func VectorPath(name, ext string) string {
	return experiment.PredictionsDir + "/" + name + ext
}

// PredColumn names prediction dimension i.
func PredColumn(prefix string, i int) string {
	return fmt.Sprintf("%s_%04d", prefix, i)
}

func (h *VectorHandler) Open(_ context.Context, c *experiment.Context, name string) error {
	if err := h.s.open(c, name); err != nil {
		return err
	}
	h.ids, h.labels, h.fields, h.preds = nil, nil, nil, nil
	h.values = map[string][]any{}
	return nil
}

func (h *VectorHandler) Add(_ context.Context, infos []data.DataInfo, pred *mat.Dense) error {
	if err := h.s.check(infos, pred); err != nil {
		return err
	}
	_, k := pred.Dims()
	if len(h.preds) > 0 && len(h.preds[0]) != k {
		return fmt.Errorf("prediction width changed from %d to %d", len(h.preds[0]), k)
	}
	for i, info := range infos {
		row := h.len()
		for _, f := range info.Fields {
			if f.Name == IDColumn || f.Name == LabelColumn {
				continue
			}
			col, seen := h.values[f.Name]
			if !seen {
				h.fields = append(h.fields, f.Name)
				col = make([]any, row)
			}
			h.values[f.Name] = append(col, f.Value)
		}
		h.ids = append(h.ids, info.ID)
		h.labels = append(h.labels, int64(info.Label))
		h.preds = append(h.preds, mat.Row(nil, i, pred))
		// Fields absent from this item stay nil.
		for _, name := range h.fields {
			if len(h.values[name]) < row+1 {
				h.values[name] = append(h.values[name], nil)
			}
		}
	}
	return nil
}

func (h *VectorHandler) len() int { return len(h.ids) }

func (h *VectorHandler) Close(ctx context.Context) error {
	if h.s.c == nil || h.s.empty("vector_handler") {
		return nil
	}
	t, err := h.table()
	if err != nil {
		return err
	}
	rel := h.TablePath(h.s.name)
	if err := h.s.c.WriteTable(ctx, rel, t); err != nil {
		return err
	}
	h.s.c.Logger().Info("predictions written", "path", rel, "rows", t.Len())
	return nil
}

func (h *VectorHandler) table() (*table.Table, error) {
	t := table.New()
	if err := t.AddStrings(IDColumn, h.ids); err != nil {
		return nil, err
	}
	if err := t.AddInts(LabelColumn, h.labels); err != nil {
		return nil, err
	}
	for _, name := range h.fields {
		if err := t.Add(fieldColumn(name, h.values[name])); err != nil {
			return nil, err
		}
	}
	for j := range h.preds[0] {
		col := make([]float64, len(h.preds))
		for i, row := range h.preds {
			col[i] = row[j]
		}
		if err := t.AddFloats(PredColumn(h.args.Prefix, j), col); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// fieldColumn picks the narrowest column kind holding every value. Items
// missing the field leave NaN in numeric columns and "" in string ones, so
// a gap in an int field promotes the column to float.
func fieldColumn(name string, vals []any) *table.Column {
	kind := table.Int
	for _, v := range vals {
		switch v.(type) {
		case int, int32, int64:
		case nil, float32, float64:
			if kind == table.Int {
				kind = table.Float
			}
		default:
			kind = table.String
		}
	}
	col := &table.Column{Name: name, Kind: kind}
	for _, v := range vals {
		switch kind {
		case table.Int:
			n, _ := asInt(v)
			col.Ints = append(col.Ints, n)
		case table.Float:
			col.Floats = append(col.Floats, asFloat(v))
		default:
			s := ""
			if v != nil {
				s = fmt.Sprint(v)
			}
			col.Strings = append(col.Strings, s)
		}
	}
	return col
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	}
	if i, ok := asInt(v); ok {
		return float64(i)
	}
	return math.NaN()
}
