// Package size compares the on-disk size of a CSV input with its table artifact.
package size

import (
	"fmt"
	"math"
	"os"
	"strings"

	tlterrors "github.com/arkilian/tlt/internal/errors"
)

var units = []string{"B", "KB", "MB", "GB", "TB"}

// Comparison holds the byte sizes of a CSV file and its table artifact.
type Comparison struct {
	CSVBytes   int64
	TableBytes int64
}

// Ratio is table/CSV size; +Inf when the CSV is empty.
func (c Comparison) Ratio() float64 {
	if c.CSVBytes == 0 {
		return math.Inf(1)
	}
	return float64(c.TableBytes) / float64(c.CSVBytes)
}

// String renders the comparison block printed by the size command.
func (c Comparison) String() string {
	ratio := "inf"
	if r := c.Ratio(); !math.IsInf(r, 1) {
		ratio = fmt.Sprintf("%.3f", r)
	}
	var b strings.Builder
	b.WriteString("=== Size Comparison ===\n")
	fmt.Fprintf(&b, "CSV:     %s  (%d bytes)\n", FormatBytes(c.CSVBytes), c.CSVBytes)
	fmt.Fprintf(&b, "Parquet: %s  (%d bytes)\n", FormatBytes(c.TableBytes), c.TableBytes)
	fmt.Fprintf(&b, "Parquet/CSV ratio: %s\n", ratio)
	return b.String()
}

// FormatBytes renders n with one decimal in 1024-based units, e.g. "1.2 KB".
func FormatBytes(n int64) string {
	x := float64(n)
	i := 0
	for x >= 1024 && i < len(units)-1 {
		x /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", x, units[i])
}

// Stat measures both files. A missing file is a not-found error naming it.
func Stat(csvPath, tablePath string) (Comparison, error) {
	csvSize, err := fileSize(csvPath)
	if err != nil {
		return Comparison{}, err
	}
	tableSize, err := fileSize(tablePath)
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{CSVBytes: csvSize, TableBytes: tableSize}, nil
}

// Compare returns the rendered comparison of the two files.
func Compare(csvPath, tablePath string) (string, error) {
	c, err := Stat(csvPath, tablePath)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, tlterrors.NotFound(path)
		}
		return 0, tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("stat %s", path), err)
	}
	return fi.Size(), nil
}
