// Package table is a small column-oriented table with parquet and CSV
// encodings, used for prediction artifacts and tabular datasets.
package table

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is a column's element type.
type Kind int

const (
	Float Kind = iota
	Int
	String
)

func (k Kind) String() string {
	switch k {
	case Float:
		return "float"
	case Int:
		return "int"
	case String:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Column holds one named column. Only the slice matching Kind is used.
type Column struct {
	Name    string
	Kind    Kind
	Floats  []float64
	Ints    []int64
	Strings []string
}

// Len returns the number of values.
func (c *Column) Len() int {
	switch c.Kind {
	case Float:
		return len(c.Floats)
	case Int:
		return len(c.Ints)
	default:
		return len(c.Strings)
	}
}

// Float returns value i as a float; strings that do not parse are NaN.
func (c *Column) Float(i int) float64 {
	switch c.Kind {
	case Float:
		return c.Floats[i]
	case Int:
		return float64(c.Ints[i])
	default:
		f, err := strconv.ParseFloat(c.Strings[i], 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
}

// String returns value i formatted as text.
func (c *Column) String(i int) string {
	switch c.Kind {
	case Float:
		return strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
	case Int:
		return strconv.FormatInt(c.Ints[i], 10)
	default:
		return c.Strings[i]
	}
}

// Table is an ordered set of equally long columns.
type Table struct {
	Columns []*Column
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return t.Columns[0].Len()
}

// Names returns the column names in order.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Column returns the column called name.
func (t *Table) Column(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Add appends a column. Names must be unique and lengths must match.
func (t *Table) Add(c *Column) error {
	if _, exists := t.Column(c.Name); exists {
		return fmt.Errorf("duplicate column %q", c.Name)
	}
	if len(t.Columns) > 0 && c.Len() != t.Len() {
		return fmt.Errorf("column %q has %d rows, table has %d", c.Name, c.Len(), t.Len())
	}
	t.Columns = append(t.Columns, c)
	return nil
}

// AddFloats appends a float column.
func (t *Table) AddFloats(name string, vals []float64) error {
	return t.Add(&Column{Name: name, Kind: Float, Floats: vals})
}

// AddInts appends an int column.
func (t *Table) AddInts(name string, vals []int64) error {
	return t.Add(&Column{Name: name, Kind: Int, Ints: vals})
}

// AddStrings appends a string column.
func (t *Table) AddStrings(name string, vals []string) error {
	return t.Add(&Column{Name: name, Kind: String, Strings: vals})
}

// Select returns a table holding only the named columns, in that order.
func (t *Table) Select(names ...string) (*Table, error) {
	out := New()
	for _, n := range names {
		c, ok := t.Column(n)
		if !ok {
			return nil, fmt.Errorf("no column %q", n)
		}
		out.Columns = append(out.Columns, c)
	}
	return out, nil
}

// Row returns row i as text values.
func (t *Table) Row(i int) []string {
	out := make([]string, len(t.Columns))
	for j, c := range t.Columns {
		out[j] = c.String(i)
	}
	return out
}
