// Package pipeline runs ingest, transform and report back to back in one
// work directory.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/internal/ingest"
	"github.com/arkilian/tlt/internal/report"
	"github.com/arkilian/tlt/internal/transform"
)

// Artifact names inside the work directory.
const (
	EventsFile = "events.parquet"
	AggFile    = "agg.parquet"
	ReportsDir = "reports"
)

// Plan describes one end-to-end run.
type Plan struct {
	// RunID tags log lines; generated when empty
	RunID   string
	Input   string
	WorkDir string

	Ingest    ingest.Options
	Transform transform.Options
	Report    report.Options
}

// Result holds the artifacts of a completed run.
type Result struct {
	RunID      string
	EventsPath string
	AggPath    string
	ReportDir  string

	Ingest    *ingest.Result
	Transform *transform.Result
	Report    *report.Result
}

// Run executes the stages in order; each finishes before the next starts and
// the first failure stops the run. The raw events table feeds the latency chart.
func Run(ctx context.Context, plan Plan) (*Result, error) {
	start := time.Now()
	if plan.Input == "" || plan.WorkDir == "" {
		return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidOption, "input and work directory are required")
	}
	if plan.Transform.MAUWindow <= 0 {
		return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidWindow,
			fmt.Sprintf("mau window must be a positive integer, got %d", plan.Transform.MAUWindow))
	}
	if _, err := os.Stat(plan.Input); err != nil {
		if os.IsNotExist(err) {
			return nil, tlterrors.NotFound(plan.Input)
		}
		return nil, tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("stat %s", plan.Input), err)
	}

	runID := plan.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	log := slog.With(slog.String("run_id", runID))

	res := &Result{
		RunID:      runID,
		EventsPath: filepath.Join(plan.WorkDir, EventsFile),
		AggPath:    filepath.Join(plan.WorkDir, AggFile),
		ReportDir:  filepath.Join(plan.WorkDir, ReportsDir),
	}

	log.Info("pipeline started", slog.String("input", plan.Input), slog.String("workdir", plan.WorkDir))

	var err error
	if res.Ingest, err = ingest.CSV(ctx, plan.Input, res.EventsPath, plan.Ingest); err != nil {
		log.Error("ingest failed", slog.String("error", err.Error()))
		return nil, err
	}
	if res.Transform, err = transform.File(ctx, res.EventsPath, res.AggPath, plan.Transform); err != nil {
		log.Error("transform failed", slog.String("error", err.Error()))
		return nil, err
	}

	reportOpts := plan.Report
	if reportOpts.EventsPath == "" {
		reportOpts.EventsPath = res.EventsPath
	}
	if res.Report, err = report.Generate(ctx, res.AggPath, res.ReportDir, reportOpts); err != nil {
		log.Error("report failed", slog.String("error", err.Error()))
		return nil, err
	}

	log.Info("pipeline complete",
		slog.Int("events", res.Ingest.Rows),
		slog.Int("aggregate_rows", len(res.Transform.Rows)),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}
