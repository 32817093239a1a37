// Package enrich fills in synthetic per-feature latency on a raw events CSV so
// that the latency percentiles and charts have data to work with.
package enrich

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/pkg/types"
)

// Options is the latency model: base(feature) + |N(0, StdDev)|, truncated to ms.
type Options struct {
	// Seed selects the jitter sequence; equal seeds give equal output
	Seed        uint64
	StdDev      float64
	DefaultBase int
	// Bases overrides the base latency per feature_id
	Bases map[string]int
}

// DefaultOptions returns the stock latency model.
func DefaultOptions() Options {
	return Options{
		StdDev:      10,
		DefaultBase: 45,
		Bases: map[string]int{
			"menu":       30,
			"inventory":  30,
			"matchmake":  60,
			"level_load": 60,
		},
	}
}

func (o Options) base(feature string) int {
	if b, ok := o.Bases[feature]; ok {
		return b
	}
	return o.DefaultBase
}

// Latency returns the synthetic latency for one row.
func (o Options) Latency(row int, feature, user string) int {
	h := murmur3.New128()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], o.Seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(row))
	h.Write(buf[:])
	h.Write([]byte(feature))
	h.Write([]byte{0})
	h.Write([]byte(user))
	h1, h2 := h.Sum128()

	rng := rand.New(rand.NewPCG(h1, h2))
	return o.base(feature) + int(math.Abs(rng.NormFloat64()*o.StdDev))
}

// Result describes a completed enrichment.
type Result struct {
	Path string
	Rows int
	// Overwrote is true when the input already had a latency_ms column
	Overwrote bool
}

// AddLatency copies the CSV at inPath to outPath with latency_ms appended, or
// replaced if the column already exists. The output directory is created.
func AddLatency(ctx context.Context, inPath, outPath string, opts Options) (*Result, error) {
	start := time.Now()
	if opts.StdDev < 0 || opts.DefaultBase < 0 {
		return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
			fmt.Sprintf("latency model must be non-negative, got stddev %g and base %d", opts.StdDev, opts.DefaultBase))
	}

	in, err := os.Open(inPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tlterrors.NotFound(inPath)
		}
		return nil, tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("open %s", inPath), err)
	}
	defer in.Close()

	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("create directory %s", dir), err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(outPath), uuid.New().String()[:8]))
	out, err := os.Create(tmp)
	if err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("create %s", outPath), err)
	}

	res, err := copyWithLatency(ctx, in, out, opts)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("write %s", outPath), cerr)
	}
	if err == nil {
		if rerr := os.Rename(tmp, outPath); rerr != nil {
			err = tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("finalize %s", outPath), rerr)
		}
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	res.Path = outPath

	slog.Info("enrich complete",
		slog.String("input", inPath),
		slog.String("output", outPath),
		slog.Int("rows", res.Rows),
		slog.Bool("overwrote", res.Overwrote),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func copyWithLatency(ctx context.Context, r io.Reader, w io.Writer, opts Options) (*Result, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, tlterrors.NewParseError(tlterrors.CodeMalformedCSV, "input has no header row")
	}
	if err != nil {
		return nil, malformed(err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	res := &Result{}
	latencyIdx, featureIdx, userIdx := -1, -1, -1
	for i, name := range header {
		switch name {
		case types.ColLatencyMS:
			latencyIdx = i
		case types.ColFeatureID:
			featureIdx = i
		case types.ColUserID:
			userIdx = i
		}
	}
	if latencyIdx >= 0 {
		res.Overwrote = true
	} else {
		header = append(header, types.ColLatencyMS)
		latencyIdx = len(header) - 1
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, "write header", err)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, malformed(err)
		}
		if res.Rows%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if latencyIdx == len(rec) {
			rec = append(rec, "")
		}
		rec[latencyIdx] = strconv.Itoa(opts.Latency(res.Rows, field(rec, featureIdx), field(rec, userIdx)))
		if err := cw.Write(rec); err != nil {
			return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, "write row", err)
		}
		res.Rows++
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, "flush output", err)
	}
	return res, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func malformed(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return tlterrors.Wrap(tlterrors.ErrCategoryParse, tlterrors.CodeMalformedCSV,
			fmt.Sprintf("malformed CSV at line %d", pe.Line), pe.Err)
	}
	return tlterrors.Wrap(tlterrors.ErrCategoryParse, tlterrors.CodeMalformedCSV, "malformed CSV", err)
}
