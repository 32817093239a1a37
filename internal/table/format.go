package table

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	tlterrors "github.com/arkilian/tlt/internal/errors"
)

// schemaVersion is the descriptor layout written by this package.
const schemaVersion = 1

// Format identifies an on-disk table encoding.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatSQLite  Format = "sqlite"
)

// Compression selects the column chunk codec for Parquet output.
type Compression string

const (
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
	CompressionNone   Compression = "none"
)

// ParseCompression converts a user-supplied codec name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case CompressionZstd, CompressionSnappy, CompressionNone:
		return c, nil
	case "":
		return CompressionZstd, nil
	}
	return "", tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
		fmt.Sprintf("unsupported compression %q (must be zstd, snappy, or none)", s))
}

var (
	parquetMagic = []byte("PAR1")
	sqliteMagic  = []byte("SQLite format 3\x00")
)

// FormatForPath chooses the encoding for a destination path by extension.
// SQLite extensions select SQLite; everything else is Parquet.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".sqlite3", ".db":
		return FormatSQLite
	}
	return FormatParquet
}

// DetectFormat inspects the file header to determine its encoding.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", tlterrors.NotFound(path)
		}
		return "", tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("read %s", path), err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, parquetMagic):
		return FormatParquet, nil
	case bytes.HasPrefix(header, sqliteMagic):
		return FormatSQLite, nil
	}
	return "", tlterrors.NewParseError(tlterrors.CodeUnknownFormat,
		fmt.Sprintf("%s is not a parquet or sqlite table", path))
}

// WriteOptions controls how a table is persisted.
type WriteOptions struct {
	// Format overrides the extension-based choice when set
	Format Format
	// Compression is the Parquet codec; ignored for SQLite
	Compression Compression
}

// WriteInfo describes a persisted table.
type WriteInfo struct {
	Path      string
	Format    Format
	RowCount  int
	SizeBytes int64
}

// Write persists t at path. The table is encoded into a uniquely named temp
// file in the destination directory and renamed into place only on success,
// so a failed write never leaves a valid-looking artifact behind.
func Write(ctx context.Context, path string, t *Table, opts WriteOptions) (*WriteInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		format = FormatForPath(path)
	}
	compression := opts.Compression
	if compression == "" {
		compression = CompressionZstd
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("create directory %s", dir), err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String()[:8]))
	var err error
	switch format {
	case FormatParquet:
		err = writeParquetFile(tmpPath, t, compression)
	case FormatSQLite:
		err = writeSQLiteFile(ctx, tmpPath, t)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		removeQuietly(tmpPath)
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("write table %s", path), err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		removeQuietly(tmpPath)
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("finalize table %s", path), err)
	}
	// Clears any sqlite sidecar files left next to the renamed temp file.
	removeQuietly(tmpPath)

	fi, err := os.Stat(path)
	if err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("stat table %s", path), err)
	}

	slog.Debug("table written",
		slog.String("path", path),
		slog.String("format", string(format)),
		slog.Int("rows", t.NumRows()),
		slog.Int64("size_bytes", fi.Size()))

	return &WriteInfo{Path: path, Format: format, RowCount: t.NumRows(), SizeBytes: fi.Size()}, nil
}

// Read loads a table written by Write, detecting the encoding from the file header.
func Read(ctx context.Context, path string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	var t *Table
	switch format {
	case FormatParquet:
		t, err = readParquetFile(path)
	case FormatSQLite:
		t, err = readSQLiteFile(ctx, path)
	}
	if err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("read table %s", path), err)
	}
	return t, nil
}

func removeQuietly(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove temp file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}
