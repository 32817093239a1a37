// Package table provides the in-memory columnar table exchanged between
// pipeline stages and its lossless on-disk encodings (Parquet and SQLite).
package table

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/arkilian/tlt/pkg/types"
)

// Column is a named, typed column. Exactly one of the value slices is used,
// selected by Type.
type Column struct {
	Name     string
	Type     types.ColumnType
	Nullable bool

	Times   []time.Time
	Strings []string
	Ints    []int64
	Floats  []float64

	// Valid marks non-null positions. A nil mask means every value is present.
	Valid []bool
}

// NewTimestampColumn creates a non-null TIMESTAMP column. Values are normalized to UTC.
func NewTimestampColumn(name string, vals []time.Time) *Column {
	utc := make([]time.Time, len(vals))
	for i, v := range vals {
		utc[i] = v.UTC()
	}
	return &Column{Name: name, Type: types.TypeTimestamp, Times: utc}
}

// NewStringColumn creates a non-null STRING column.
func NewStringColumn(name string, vals []string) *Column {
	return &Column{Name: name, Type: types.TypeString, Strings: vals}
}

// NewInt64Column creates a non-null INT64 column.
func NewInt64Column(name string, vals []int64) *Column {
	return &Column{Name: name, Type: types.TypeInt64, Ints: vals}
}

// NewNullableFloat64Column creates a nullable FLOAT64 column; nil entries are null.
func NewNullableFloat64Column(name string, vals []*float64) *Column {
	c := &Column{
		Name:     name,
		Type:     types.TypeFloat64,
		Nullable: true,
		Floats:   make([]float64, len(vals)),
		Valid:    make([]bool, len(vals)),
	}
	for i, v := range vals {
		if v != nil {
			c.Floats[i] = *v
			c.Valid[i] = true
		}
	}
	return c
}

// NewNullableInt64Column creates a nullable INT64 column; nil entries are null.
func NewNullableInt64Column(name string, vals []*int64) *Column {
	c := &Column{
		Name:     name,
		Type:     types.TypeInt64,
		Nullable: true,
		Ints:     make([]int64, len(vals)),
		Valid:    make([]bool, len(vals)),
	}
	for i, v := range vals {
		if v != nil {
			c.Ints[i] = *v
			c.Valid[i] = true
		}
	}
	return c
}

// newColumn creates an empty column ready for appends.
func newColumn(def types.ColumnDef, capacity int) *Column {
	c := &Column{Name: def.Name, Type: def.Type, Nullable: def.Nullable}
	switch def.Type {
	case types.TypeTimestamp:
		c.Times = make([]time.Time, 0, capacity)
	case types.TypeString:
		c.Strings = make([]string, 0, capacity)
	case types.TypeInt64:
		c.Ints = make([]int64, 0, capacity)
	case types.TypeFloat64:
		c.Floats = make([]float64, 0, capacity)
	}
	if def.Nullable {
		c.Valid = make([]bool, 0, capacity)
	}
	return c
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	switch c.Type {
	case types.TypeTimestamp:
		return len(c.Times)
	case types.TypeString:
		return len(c.Strings)
	case types.TypeInt64:
		return len(c.Ints)
	case types.TypeFloat64:
		return len(c.Floats)
	}
	return 0
}

// IsNull reports whether the value at i is null.
func (c *Column) IsNull(i int) bool {
	return c.Valid != nil && !c.Valid[i]
}

// NullCount returns the number of null values.
func (c *Column) NullCount() int {
	if c.Valid == nil {
		return 0
	}
	n := 0
	for _, ok := range c.Valid {
		if !ok {
			n++
		}
	}
	return n
}

// Value returns the value at i as time.Time, string, int64 or float64, or nil if null.
func (c *Column) Value(i int) interface{} {
	if c.IsNull(i) {
		return nil
	}
	switch c.Type {
	case types.TypeTimestamp:
		return c.Times[i]
	case types.TypeString:
		return c.Strings[i]
	case types.TypeInt64:
		return c.Ints[i]
	case types.TypeFloat64:
		return c.Floats[i]
	}
	return nil
}

// Float returns the numeric value at i. ok is false for nulls and non-numeric columns.
func (c *Column) Float(i int) (float64, bool) {
	if c.IsNull(i) {
		return 0, false
	}
	switch c.Type {
	case types.TypeInt64:
		return float64(c.Ints[i]), true
	case types.TypeFloat64:
		if math.IsNaN(c.Floats[i]) {
			return 0, false
		}
		return c.Floats[i], true
	}
	return 0, false
}

// Def returns the column definition.
func (c *Column) Def() types.ColumnDef {
	return types.ColumnDef{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
}

// append adds a value; nil appends a null.
func (c *Column) append(v interface{}) error {
	if v == nil {
		if !c.Nullable {
			return fmt.Errorf("table: null value in non-nullable column %q", c.Name)
		}
		c.Valid = append(c.Valid, false)
		c.appendZero()
		return nil
	}
	switch c.Type {
	case types.TypeTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("table: column %q expects time.Time, got %T", c.Name, v)
		}
		c.Times = append(c.Times, t.UTC())
	case types.TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("table: column %q expects string, got %T", c.Name, v)
		}
		c.Strings = append(c.Strings, s)
	case types.TypeInt64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("table: column %q expects int64, got %T", c.Name, v)
		}
		c.Ints = append(c.Ints, n)
	case types.TypeFloat64:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("table: column %q expects float64, got %T", c.Name, v)
		}
		c.Floats = append(c.Floats, f)
	default:
		return fmt.Errorf("table: column %q has unknown type %q", c.Name, c.Type)
	}
	if c.Nullable {
		c.Valid = append(c.Valid, true)
	}
	return nil
}

func (c *Column) appendZero() {
	switch c.Type {
	case types.TypeTimestamp:
		c.Times = append(c.Times, time.Time{})
	case types.TypeString:
		c.Strings = append(c.Strings, "")
	case types.TypeInt64:
		c.Ints = append(c.Ints, 0)
	case types.TypeFloat64:
		c.Floats = append(c.Floats, 0)
	}
}

// take returns a copy of the column with rows in the given order.
func (c *Column) take(indices []int) *Column {
	out := newColumn(c.Def(), len(indices))
	for _, i := range indices {
		switch c.Type {
		case types.TypeTimestamp:
			out.Times = append(out.Times, c.Times[i])
		case types.TypeString:
			out.Strings = append(out.Strings, c.Strings[i])
		case types.TypeInt64:
			out.Ints = append(out.Ints, c.Ints[i])
		case types.TypeFloat64:
			out.Floats = append(out.Floats, c.Floats[i])
		}
		if c.Nullable {
			out.Valid = append(out.Valid, !c.IsNull(i))
		}
	}
	return out
}

// Table is an ordered set of equal-length columns.
type Table struct {
	columns []*Column
	index   map[string]int
	rows    int
}

// New creates a table from columns. Column names must be unique, types known,
// and lengths equal; non-nullable columns must not contain nulls.
func New(cols ...*Column) (*Table, error) {
	t := &Table{index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if c == nil {
			return nil, fmt.Errorf("table: column %d is nil", i)
		}
		if c.Name == "" {
			return nil, fmt.Errorf("table: column %d has empty name", i)
		}
		if !c.Type.Valid() {
			return nil, fmt.Errorf("table: column %q has unknown type %q", c.Name, c.Type)
		}
		if _, dup := t.index[c.Name]; dup {
			return nil, fmt.Errorf("table: duplicate column %q", c.Name)
		}
		if i == 0 {
			t.rows = c.Len()
		} else if c.Len() != t.rows {
			return nil, fmt.Errorf("table: column %q has %d rows, expected %d", c.Name, c.Len(), t.rows)
		}
		if c.Valid != nil && len(c.Valid) != c.Len() {
			return nil, fmt.Errorf("table: column %q validity mask has %d entries, expected %d", c.Name, len(c.Valid), c.Len())
		}
		if !c.Nullable && c.NullCount() > 0 {
			return nil, fmt.Errorf("table: non-nullable column %q contains nulls", c.Name)
		}
		t.index[c.Name] = i
		t.columns = append(t.columns, c)
	}
	return t, nil
}

// MustNew is like New but panics on error. Intended for tests and literals.
func MustNew(cols ...*Column) *Table {
	t, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return t
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return t.rows }

// Columns returns the columns in storage order.
func (t *Table) Columns() []*Column { return t.columns }

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.columns[i], true
}

// Has reports whether every named column exists.
func (t *Table) Has(names ...string) bool {
	return len(t.Missing(names...)) == 0
}

// Missing returns the named columns that do not exist, sorted.
func (t *Table) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := t.index[n]; !ok {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}

// Schema returns the table's schema descriptor.
func (t *Table) Schema() types.Schema {
	s := types.Schema{Version: schemaVersion, Columns: make([]types.ColumnDef, len(t.columns))}
	for i, c := range t.columns {
		s.Columns[i] = c.Def()
	}
	return s
}

// Take returns a new table holding the rows at indices, in that order.
func (t *Table) Take(indices []int) *Table {
	out := &Table{index: make(map[string]int, len(t.columns)), rows: len(indices)}
	for i, c := range t.columns {
		out.columns = append(out.columns, c.take(indices))
		out.index[c.Name] = i
	}
	return out
}

// builder accumulates rows against a fixed schema; used by the decoders.
type builder struct {
	cols []*Column
}

func newBuilder(schema types.Schema, capacity int) *builder {
	b := &builder{cols: make([]*Column, len(schema.Columns))}
	for i, def := range schema.Columns {
		b.cols[i] = newColumn(def, capacity)
	}
	return b
}

func (b *builder) build() (*Table, error) {
	return New(b.cols...)
}
