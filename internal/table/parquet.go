package table

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/arkilian/tlt/pkg/types"
)

// columnOrderKey stores the original column order; parquet groups are keyed by name.
const columnOrderKey = "tlt.column_order"

const parquetBatchSize = 1024

func parquetCodec(c Compression) compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionNone:
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

func parquetNode(c *Column) parquet.Node {
	var node parquet.Node
	switch c.Type {
	case types.TypeTimestamp:
		node = parquet.Timestamp(parquet.Nanosecond)
	case types.TypeString:
		node = parquet.String()
	case types.TypeInt64:
		node = parquet.Int(64)
	case types.TypeFloat64:
		node = parquet.Leaf(parquet.DoubleType)
	}
	if c.Nullable {
		node = parquet.Optional(node)
	}
	return node
}

func parquetValue(c *Column, i int) parquet.Value {
	if c.IsNull(i) {
		return parquet.NullValue()
	}
	switch c.Type {
	case types.TypeTimestamp:
		return parquet.Int64Value(c.Times[i].UnixNano())
	case types.TypeString:
		return parquet.ByteArrayValue([]byte(c.Strings[i]))
	case types.TypeInt64:
		return parquet.Int64Value(c.Ints[i])
	default:
		return parquet.DoubleValue(c.Floats[i])
	}
}

func writeParquetFile(path string, t *Table, compression Compression) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeParquet(f, t, compression); err != nil {
		return err
	}
	return f.Close()
}

func writeParquet(w io.Writer, t *Table, compression Compression) error {
	group := parquet.Group{}
	order := make([]string, len(t.columns))
	for i, c := range t.columns {
		group[c.Name] = parquetNode(c)
		order[i] = c.Name
	}
	schema := parquet.NewSchema("telemetry", group)

	orderJSON, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("parquet: encode column order: %w", err)
	}

	// Leaf indexes follow the schema's sorted field order, not t.columns order.
	leafIndex := make([]int, len(t.columns))
	for i, c := range t.columns {
		leaf, ok := schema.Lookup(c.Name)
		if !ok {
			return fmt.Errorf("parquet: column %q missing from schema", c.Name)
		}
		leafIndex[i] = leaf.ColumnIndex
	}

	writer := parquet.NewWriter(w, schema,
		parquet.Compression(parquetCodec(compression)),
		parquet.KeyValueMetadata(columnOrderKey, string(orderJSON)),
	)

	batch := make([]parquet.Row, 0, parquetBatchSize)
	for r := 0; r < t.rows; r++ {
		row := make(parquet.Row, len(t.columns))
		for i, c := range t.columns {
			def := 0
			if c.Nullable && !c.IsNull(r) {
				def = 1
			}
			row[leafIndex[i]] = parquetValue(c, r).Level(0, def, leafIndex[i])
		}
		batch = append(batch, row)
		if len(batch) == cap(batch) {
			if _, err := writer.WriteRows(batch); err != nil {
				return fmt.Errorf("parquet: write rows: %w", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if _, err := writer.WriteRows(batch); err != nil {
			return fmt.Errorf("parquet: write rows: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("parquet: close writer: %w", err)
	}
	return nil
}

func readParquetFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("parquet: open: %w", err)
	}

	schema := pf.Schema()
	names := columnOrder(pf, schema)

	descriptor := types.Schema{Version: schemaVersion}
	byLeaf := make(map[int]int, len(names))
	units := make([]time.Duration, len(names))
	for i, name := range names {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("parquet: column %q not found", name)
		}
		def, err := columnDefFromNode(name, leaf.Node)
		if err != nil {
			return nil, err
		}
		descriptor.Columns = append(descriptor.Columns, def)
		byLeaf[leaf.ColumnIndex] = i
		units[i] = timestampUnit(leaf.Node)
	}

	b := newBuilder(descriptor, int(pf.NumRows()))
	buf := make([]parquet.Row, parquetBatchSize)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				if err := appendParquetRow(b, descriptor, byLeaf, units, row); err != nil {
					rows.Close()
					return nil, err
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("parquet: read rows: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("parquet: close rows: %w", err)
		}
	}
	return b.build()
}

func columnOrder(pf *parquet.File, schema *parquet.Schema) []string {
	if raw, ok := pf.Lookup(columnOrderKey); ok {
		var order []string
		if err := json.Unmarshal([]byte(raw), &order); err == nil && len(order) == len(schema.Columns()) {
			return order
		}
	}
	// Files from other writers: fall back to leaf order.
	var names []string
	for _, path := range schema.Columns() {
		if len(path) == 1 {
			names = append(names, path[0])
		}
	}
	return names
}

func columnDefFromNode(name string, node parquet.Node) (types.ColumnDef, error) {
	def := types.ColumnDef{Name: name, Nullable: node.Optional()}
	typ := node.Type()
	lt := typ.LogicalType()

	switch {
	case lt != nil && lt.Timestamp != nil:
		def.Type = types.TypeTimestamp
	case typ.Kind() == parquet.ByteArray:
		def.Type = types.TypeString
	case typ.Kind() == parquet.Int64, typ.Kind() == parquet.Int32:
		def.Type = types.TypeInt64
	case typ.Kind() == parquet.Double, typ.Kind() == parquet.Float:
		def.Type = types.TypeFloat64
	default:
		return def, fmt.Errorf("parquet: column %q has unsupported type %s", name, typ)
	}
	return def, nil
}

func timestampUnit(node parquet.Node) time.Duration {
	lt := node.Type().LogicalType()
	if lt == nil || lt.Timestamp == nil {
		return time.Nanosecond
	}
	switch {
	case lt.Timestamp.Unit.Millis != nil:
		return time.Millisecond
	case lt.Timestamp.Unit.Micros != nil:
		return time.Microsecond
	}
	return time.Nanosecond
}

func appendParquetRow(b *builder, descriptor types.Schema, byLeaf map[int]int, units []time.Duration, row parquet.Row) error {
	for _, v := range row {
		i, ok := byLeaf[v.Column()]
		if !ok {
			continue
		}
		col := b.cols[i]
		if v.IsNull() {
			if err := col.append(nil); err != nil {
				return err
			}
			continue
		}
		var val interface{}
		switch descriptor.Columns[i].Type {
		case types.TypeTimestamp:
			val = time.Unix(0, v.Int64()*int64(units[i])).UTC()
		case types.TypeString:
			val = string(v.ByteArray())
		case types.TypeInt64:
			if v.Kind() == parquet.Int32 {
				val = int64(v.Int32())
			} else {
				val = v.Int64()
			}
		case types.TypeFloat64:
			if v.Kind() == parquet.Float {
				val = float64(v.Float())
			} else {
				val = v.Double()
			}
		}
		if err := col.append(val); err != nil {
			return err
		}
	}
	return nil
}
