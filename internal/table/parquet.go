package table

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// columnOrderKey stores the original column order; parquet groups sort
// their fields by name.
const columnOrderKey = "trainpipe.columns"

const rowBatch = 512

// WriteParquet encodes t as a parquet file.
func WriteParquet(w io.Writer, t *Table) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("write parquet: table has no columns")
	}
	group := parquet.Group{}
	for _, c := range t.Columns {
		switch c.Kind {
		case Float:
			group[c.Name] = parquet.Leaf(parquet.DoubleType)
		case Int:
			group[c.Name] = parquet.Int(64)
		default:
			group[c.Name] = parquet.String()
		}
	}
	schema := parquet.NewSchema("table", group)
	fields := schema.Fields()

	cols := make([]*Column, len(fields))
	for i, f := range fields {
		cols[i], _ = t.Column(f.Name())
	}

	pw := parquet.NewWriter(w, schema, parquet.KeyValueMetadata(columnOrderKey, strings.Join(t.Names(), ",")))
	rows := make([]parquet.Row, 0, rowBatch)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(rows); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		rows = rows[:0]
		return nil
	}

	n := t.Len()
	for i := 0; i < n; i++ {
		row := make(parquet.Row, len(cols))
		for j, c := range cols {
			var v parquet.Value
			switch c.Kind {
			case Float:
				v = parquet.ValueOf(c.Floats[i])
			case Int:
				v = parquet.ValueOf(c.Ints[i])
			default:
				v = parquet.ValueOf(c.Strings[i])
			}
			row[j] = v.Level(0, 0, j)
		}
		rows = append(rows, row)
		if len(rows) == rowBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// ReadParquet decodes a parquet file written by WriteParquet or any flat
// parquet file with double, int and string columns.
func ReadParquet(data []byte) (*Table, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	fields := f.Schema().Fields()

	cols := make([]*Column, len(fields))
	for i, field := range fields {
		c := &Column{Name: field.Name()}
		switch field.Type().Kind() {
		case parquet.Double, parquet.Float:
			c.Kind = Float
		case parquet.Int32, parquet.Int64:
			c.Kind = Int
		case parquet.ByteArray:
			c.Kind = String
		default:
			return nil, fmt.Errorf("parquet column %q: unsupported type %s", field.Name(), field.Type())
		}
		cols[i] = c
	}

	r := parquet.NewReader(bytes.NewReader(data))
	defer r.Close()
	buf := make([]parquet.Row, rowBatch)
	for {
		n, err := r.ReadRows(buf)
		for _, row := range buf[:n] {
			for _, v := range row {
				c := cols[v.Column()]
				switch c.Kind {
				case Float:
					if v.Kind() == parquet.Float {
						c.Floats = append(c.Floats, float64(v.Float()))
					} else {
						c.Floats = append(c.Floats, v.Double())
					}
				case Int:
					c.Ints = append(c.Ints, v.Int64())
				default:
					c.Strings = append(c.Strings, string(v.ByteArray()))
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}

	t := New()
	byName := make(map[string]*Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	if order, ok := f.Lookup(columnOrderKey); ok && order != "" {
		for _, name := range strings.Split(order, ",") {
			if c, found := byName[name]; found {
				t.Columns = append(t.Columns, c)
				delete(byName, name)
			}
		}
	}
	for _, c := range cols {
		if _, left := byName[c.Name]; left {
			t.Columns = append(t.Columns, c)
		}
	}
	return t, nil
}
