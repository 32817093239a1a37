package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arkilian/tlt/internal/report"
	"github.com/arkilian/tlt/internal/storage"
	"github.com/arkilian/tlt/internal/table"
)

const sampleCSV = "timestamp,user_id,event,feature_id,latency_ms\n" +
	"2025-01-01T10:00:00Z,u1,open,menu,12\n" +
	"2025-01-01T11:00:00Z,u2,open,menu,30\n" +
	"2025-01-02T09:00:00Z,u1,start,matchmake,\n" +
	"2025-01-02T09:30:00Z,u3,open,matchmake,80\n"

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return runWith(t, nil, args...)
}

func runWith(t *testing.T, opts []Option, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := New(&stdout, &stderr, opts...).Run(context.Background(), args)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	if code != ExitOK || !strings.HasPrefix(stdout, "tlt version dev") {
		t.Errorf("version: code %d, stdout %q", code, stdout)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Error: missing command"},
		{"unknown command", []string{"explode"}, `Error: unknown command "explode"`},
		{"unknown global flag", []string{"--bogus", "version"}, "Error: flag provided but not defined: -bogus"},
		{"unknown command flag", []string{"ingest", "--input", "a.csv", "--out", "b", "--fast"}, "Error: flag provided but not defined: -fast"},
		{"missing required", []string{"ingest"}, "Error: --input is required; --out is required"},
		{"zero window", []string{"transform", "--in", "a", "--out", "b", "--mau-window", "0"}, "Error: --mau-window must be >= 1, got 0"},
		{"bad compression", []string{"ingest", "--input", "a", "--out", "b", "--compression", "lzma"}, "Error: --compression must be one of [zstd snappy none], got lzma"},
		{"bad int", []string{"transform", "--in", "a", "--out", "b", "--mau-window", "many"}, "Error: invalid value"},
		{"positional", []string{"size", "--csv", "a", "--parquet", "b", "extra"}, `Error: unexpected argument "extra"`},
		{"bad log level", []string{"--log-level", "loud", "version"}, "Error: logging.level must be one of"},
		{"bad config value", []string{"--config", writeFile(t, filepath.Join(dir, "c.yaml"), "report:\n  dpi: 1\n"), "version"}, "Error: report.dpi must be >= 10, got 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tt.args...)
			if code != ExitUsage {
				t.Errorf("expected exit %d, got %d (stderr %q)", ExitUsage, code, stderr)
			}
			if !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr %q does not contain %q", stderr, tt.want)
			}
			if stdout != "" {
				t.Errorf("unexpected stdout %q", stdout)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runCLI(t, "transform", "-h")
	if code != ExitOK {
		t.Fatalf("expected exit 0 for -h, got %d", code)
	}
	if !strings.Contains(stdout, "-mau-window") {
		t.Errorf("help output missing flags: %q", stdout)
	}
}

func TestRun_StageCommands(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, filepath.Join(dir, "events.csv"), sampleCSV)
	events := filepath.Join(dir, "events.parquet")
	agg := filepath.Join(dir, "agg.sqlite")
	reports := filepath.Join(dir, "reports")

	code, stdout, stderr := runCLI(t, "ingest", "--input", csvPath, "--out", events, "--compression", "snappy")
	if code != ExitOK || stdout != "Wrote: "+events+"\n" {
		t.Fatalf("ingest: code %d stdout %q stderr %q", code, stdout, stderr)
	}

	code, stdout, stderr = runCLI(t, "transform", "--in", events, "--out", agg, "--mau-window", "7")
	if code != ExitOK || stdout != "Wrote: "+agg+"\n" {
		t.Fatalf("transform: code %d stdout %q stderr %q", code, stdout, stderr)
	}
	aggTable, err := table.Read(context.Background(), agg)
	if err != nil {
		t.Fatal(err)
	}
	if aggTable.NumRows() != 2 || !aggTable.Has("mau_7d") {
		t.Errorf("unexpected aggregate: %d rows, schema %+v", aggTable.NumRows(), aggTable.Schema())
	}

	code, stdout, stderr = runCLI(t, "report", "--in", agg, "--out", reports, "--events", events, "--xlsx")
	if code != ExitOK || stdout != "Wrote reports to: "+reports+"\n" {
		t.Fatalf("report: code %d stdout %q stderr %q", code, stdout, stderr)
	}
	for _, name := range []string{report.MetricsFile, report.UsageChart, report.LatencyFile, report.Workbook} {
		if _, err := os.Stat(filepath.Join(reports, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	code, stdout, _ = runCLI(t, "size", "--csv", csvPath, "--parquet", events)
	if code != ExitOK || !strings.HasPrefix(stdout, "=== Size Comparison ===\n") || !strings.Contains(stdout, "Parquet/CSV ratio: ") {
		t.Errorf("size: code %d stdout %q", code, stdout)
	}

	enriched := filepath.Join(dir, "out", "enriched.csv")
	code, stdout, _ = runCLI(t, "enrich", "--input", csvPath, "--out", enriched, "--seed", "9")
	if code != ExitOK || stdout != "Wrote: "+enriched+"\n" {
		t.Errorf("enrich: code %d stdout %q", code, stdout)
	}
}

func TestRun_IngestShortFlags(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, filepath.Join(dir, "events.csv"), sampleCSV)
	out := filepath.Join(dir, "events.parquet")

	code, stdout, stderr := runCLI(t, "ingest", "-i", csvPath, "-o", out)
	if code != ExitOK || stdout != "Wrote: "+out+"\n" {
		t.Fatalf("ingest: code %d stdout %q stderr %q", code, stdout, stderr)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("expected %s: %v", out, err)
	}
}

func TestRun_Failures(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.csv")
	noFeature := writeFile(t, filepath.Join(dir, "bad.csv"), "timestamp,user_id,event\n2025-01-01T00:00:00Z,u1,open\n")
	badTime := writeFile(t, filepath.Join(dir, "time.csv"), "timestamp,user_id,event,feature_id\nyesterday,u1,open,menu\n")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"not found", []string{"ingest", "--input", missing, "--out", filepath.Join(dir, "o.parquet")}, "Error: file not found: " + missing},
		{"missing column", []string{"ingest", "--input", noFeature, "--out", filepath.Join(dir, "o.parquet")}, "Error: missing required columns: [feature_id]"},
		{"bad timestamp", []string{"ingest", "--input", badTime, "--out", filepath.Join(dir, "o.parquet")}, "Error: 1 timestamps could not be parsed"},
		{"report not found", []string{"report", "--in", filepath.Join(dir, "none.parquet"), "--out", dir}, "Error: file not found"},
		{"size not found", []string{"size", "--csv", missing, "--parquet", noFeature}, "Error: file not found: " + missing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tt.args...)
			if code != ExitFailure {
				t.Errorf("expected exit %d, got %d", ExitFailure, code)
			}
			if !strings.Contains(stderr, tt.want+"\n") && !strings.Contains(stderr, tt.want) {
				t.Errorf("stderr %q does not contain %q", stderr, tt.want)
			}
			if strings.Contains(stderr, "[SCHEMA") || strings.Contains(stderr, "goroutine") {
				t.Errorf("stderr leaks internal detail: %q", stderr)
			}
			if stdout != "" {
				t.Errorf("unexpected stdout %q", stdout)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(dir, "o.parquet")); !os.IsNotExist(err) {
		t.Error("failed ingest left an artifact")
	}
}

func TestRun_DebugLogsFailureCode(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	missing := filepath.Join(t.TempDir(), "missing.csv")
	code, _, stderr := runCLI(t, "--log-level", "debug", "ingest", "--input", missing, "--out", "o.parquet")
	if code != ExitFailure {
		t.Fatalf("expected exit %d, got %d", ExitFailure, code)
	}
	for _, want := range []string{"msg=\"command failed\"", "code=NOT_FOUND", "run_id=", "Error: file not found: " + missing} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr %q does not contain %q", stderr, want)
		}
	}
}

func TestRun_ConfigLayering(t *testing.T) {
	dir := t.TempDir()
	csvPath := writeFile(t, filepath.Join(dir, "events.csv"), sampleCSV)
	cfgPath := writeFile(t, filepath.Join(dir, "tlt.yaml"), "transform:\n  mau_window: 14\n")
	work := filepath.Join(dir, "work")

	code, _, stderr := runCLI(t, "--config", cfgPath, "run", "--input", csvPath, "--workdir", work)
	if code != ExitOK {
		t.Fatalf("run failed: %s", stderr)
	}
	assertMAUColumn(t, filepath.Join(work, "agg.parquet"), "mau_14d")

	t.Setenv("TLT_TRANSFORM_MAU_WINDOW", "3")
	code, _, stderr = runCLI(t, "--config", cfgPath, "run", "--input", csvPath, "--workdir", work)
	if code != ExitOK {
		t.Fatalf("run failed: %s", stderr)
	}
	assertMAUColumn(t, filepath.Join(work, "agg.parquet"), "mau_3d")

	code, _, stderr = runCLI(t, "--config", cfgPath, "run", "--input", csvPath, "--workdir", work, "--mau-window", "5")
	if code != ExitOK {
		t.Fatalf("run failed: %s", stderr)
	}
	assertMAUColumn(t, filepath.Join(work, "agg.parquet"), "mau_5d")
}

func assertMAUColumn(t *testing.T, path, want string) {
	t.Helper()
	tbl, err := table.Read(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !tbl.Has(want) {
		t.Errorf("expected column %s, got schema %+v", want, tbl.Schema())
	}
}

func TestRun_RemoteLocations(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "telemetry", "raw", "events.csv"), sampleCSV)
	opts := []Option{WithOpener(storage.LocalOpener(root))}

	code, stdout, stderr := runWith(t, opts, "run", "--input", "s3://telemetry/raw/events.csv", "--workdir", "s3://telemetry/runs/1/")
	if code != ExitOK {
		t.Fatalf("run failed: %s", stderr)
	}
	want := "Wrote: s3://telemetry/runs/1/events.parquet\n" +
		"Wrote: s3://telemetry/runs/1/agg.parquet\n" +
		"Wrote reports to: s3://telemetry/runs/1/reports\n"
	if stdout != want {
		t.Errorf("stdout = %q, want %q", stdout, want)
	}
	for _, rel := range []string{"events.parquet", "agg.parquet", "reports/metrics.txt", "reports/feature_usage.png", "reports/latency_by_feature.png"} {
		if _, err := os.Stat(filepath.Join(root, "telemetry", "runs", "1", filepath.FromSlash(rel))); err != nil {
			t.Errorf("expected published %s: %v", rel, err)
		}
	}

	code, _, stderr = runWith(t, opts, "ingest", "--input", "s3://telemetry/raw/missing.csv", "--out", "s3://telemetry/x.parquet")
	if code != ExitFailure || !strings.Contains(stderr, "Error: file not found: s3://telemetry/raw/missing.csv") {
		t.Errorf("expected not-found for missing object: code %d stderr %q", code, stderr)
	}
}
