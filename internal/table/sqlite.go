package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arkilian/tlt/pkg/types"
)

const (
	sqliteDataTable   = "data"
	sqliteSchemaTable = "_tlt_schema"
)

func sqliteDeclType(t types.ColumnType) string {
	switch t {
	case types.TypeTimestamp:
		// Stored as Unix nanoseconds; the declared name keeps the file self-describing.
		return "TIMESTAMP"
	case types.TypeString:
		return "TEXT"
	case types.TypeInt64:
		return "INTEGER"
	default:
		return "REAL"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// writeSQLiteFile creates an immutable single-table SQLite file holding t and a
// snappy-compressed JSON descriptor of its schema.
func writeSQLiteFile(ctx context.Context, path string, t *Table) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create database: %w", err)
	}
	defer db.Close()

	// WAL while building, DELETE once finished so the file stands alone.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("sqlite: failed to set journal mode: %w", err)
	}

	defs := make([]string, len(t.columns))
	names := make([]string, len(t.columns))
	placeholders := make([]string, len(t.columns))
	for i, c := range t.columns {
		def := quoteIdent(c.Name) + " " + sqliteDeclType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
		names[i] = quoteIdent(c.Name)
		placeholders[i] = "?"
	}

	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", sqliteDataTable, strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("sqlite: failed to create data table: %w", err)
	}

	schemaSQL := fmt.Sprintf(`CREATE TABLE %s (
		version INTEGER NOT NULL,
		descriptor BLOB NOT NULL
	)`, sqliteSchemaTable)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlite: failed to create schema table: %w", err)
	}

	descriptor, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, descriptor) VALUES (?, ?)", sqliteSchemaTable),
		schemaVersion, snappy.Encode(nil, descriptor)); err != nil {
		return fmt.Errorf("sqlite: failed to store schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(t.columns) > 0 {
		insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			sqliteDataTable, strings.Join(names, ", "), strings.Join(placeholders, ", "))
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("sqlite: failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		args := make([]interface{}, len(t.columns))
		for r := 0; r < t.rows; r++ {
			for i, c := range t.columns {
				args[i] = sqliteArg(c, r)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("sqlite: failed to insert row %d: %w", r, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite: failed to checkpoint WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return fmt.Errorf("sqlite: failed to set journal mode to DELETE: %w", err)
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("sqlite: failed to close database: %w", err)
	}
	return nil
}

func sqliteArg(c *Column, i int) interface{} {
	if c.IsNull(i) {
		return nil
	}
	switch c.Type {
	case types.TypeTimestamp:
		return c.Times[i].UnixNano()
	case types.TypeString:
		return c.Strings[i]
	case types.TypeInt64:
		return c.Ints[i]
	default:
		return c.Floats[i]
	}
}

func readSQLiteFile(ctx context.Context, path string) (*Table, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	defer db.Close()

	var version int
	var blob []byte
	err = db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT version, descriptor FROM %s LIMIT 1", sqliteSchemaTable)).Scan(&version, &blob)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read schema descriptor: %w", err)
	}
	if version > schemaVersion {
		return nil, fmt.Errorf("sqlite: schema version %d is newer than supported version %d", version, schemaVersion)
	}

	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to decompress schema descriptor: %w", err)
	}
	var schema types.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("sqlite: failed to decode schema descriptor: %w", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", sqliteDataTable)).Scan(&count); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count rows: %w", err)
	}

	b := newBuilder(schema, count)
	if len(schema.Columns) == 0 {
		return b.build()
	}

	names := make([]string, len(schema.Columns))
	for i, def := range schema.Columns {
		names[i] = quoteIdent(def.Name)
	}
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(names, ", "), sqliteDataTable))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query rows: %w", err)
	}
	defer rows.Close()

	dest := make([]interface{}, len(schema.Columns))
	for i, def := range schema.Columns {
		switch def.Type {
		case types.TypeString:
			dest[i] = new(sql.NullString)
		case types.TypeFloat64:
			dest[i] = new(sql.NullFloat64)
		default:
			dest[i] = new(sql.NullInt64)
		}
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan row: %w", err)
		}
		for i, def := range schema.Columns {
			var val interface{}
			switch d := dest[i].(type) {
			case *sql.NullString:
				if d.Valid {
					val = d.String
				}
			case *sql.NullFloat64:
				if d.Valid {
					val = d.Float64
				}
			case *sql.NullInt64:
				if d.Valid {
					if def.Type == types.TypeTimestamp {
						val = time.Unix(0, d.Int64).UTC()
					} else {
						val = d.Int64
					}
				}
			}
			if err := b.cols[i].append(val); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate rows: %w", err)
	}
	return b.build()
}
