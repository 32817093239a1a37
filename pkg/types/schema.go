package types

// ColumnType is the logical type of a stored column.
type ColumnType string

const (
	// TypeTimestamp holds UTC instants with nanosecond precision
	TypeTimestamp ColumnType = "TIMESTAMP"
	// TypeString holds UTF-8 text
	TypeString ColumnType = "STRING"
	// TypeInt64 holds signed 64-bit integers
	TypeInt64 ColumnType = "INT64"
	// TypeFloat64 holds IEEE-754 doubles
	TypeFloat64 ColumnType = "FLOAT64"
)

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeTimestamp, TypeString, TypeInt64, TypeFloat64:
		return true
	}
	return false
}

// Schema defines the structure of a stored table.
type Schema struct {
	// Version tracks the descriptor layout for backward compatibility
	Version int `json:"version"`
	// Columns defines the columns in storage order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`
	// Type is the logical column type
	Type ColumnType `json:"type"`
	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`
}
