package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// WriteCSV writes t with a header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Names()); err != nil {
		return err
	}
	for i := 0; i < t.Len(); i++ {
		if err := cw.Write(t.Row(i)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a CSV with a header row. Column kinds are inferred: int if
// every value parses as an integer, float if every value parses as a
// number, string otherwise.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	raw := make([][]string, len(header))
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		for j := range header {
			raw[j] = append(raw[j], rec[j])
		}
	}

	t := New()
	for j, name := range header {
		if err := t.Add(inferColumn(name, raw[j])); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func inferColumn(name string, vals []string) *Column {
	ints := make([]int64, 0, len(vals))
	isInt := true
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			isInt = false
			break
		}
		ints = append(ints, n)
	}
	if isInt {
		return &Column{Name: name, Kind: Int, Ints: ints}
	}

	floats := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &Column{Name: name, Kind: String, Strings: vals}
		}
		floats = append(floats, f)
	}
	return &Column{Name: name, Kind: Float, Floats: floats}
}
