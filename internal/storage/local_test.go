package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	l, err := NewLocalStorage(filepath.Join(t.TempDir(), "bucket"))
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	return l
}

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	src := filepath.Join(t.TempDir(), "agg.parquet")
	if err := os.WriteFile(src, []byte("PAR1 aggregate"), 0644); err != nil {
		t.Fatal(err)
	}

	const key = "runs/2025-01-01/agg.parquet"
	if err := l.Upload(ctx, src, key); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if ok, err := l.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}
	// Directories are not objects.
	if ok, _ := l.Exists(ctx, "runs/2025-01-01"); ok {
		t.Error("prefix reported as an object")
	}

	dst := filepath.Join(t.TempDir(), "staged", "agg.parquet")
	if err := l.Download(ctx, key, dst); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "PAR1 aggregate" {
		t.Errorf("downloaded %q", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(dst))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := l.Exists(ctx, key); ok {
		t.Error("object still exists after delete")
	}
	if err := l.Delete(ctx, key); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
}

func TestLocalStorage_DownloadMissing(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.csv")
	err := newLocal(t).Download(context.Background(), "raw/missing.csv", dst)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("failed download created the destination")
	}
}

func TestLocalStorage_Cancelled(t *testing.T) {
	l := newLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Upload(ctx, "x", "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload: expected context.Canceled, got %v", err)
	}
	if err := l.Download(ctx, "y", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Download: expected context.Canceled, got %v", err)
	}
	if _, err := l.Exists(ctx, "y"); !errors.Is(err, context.Canceled) {
		t.Errorf("Exists: expected context.Canceled, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	err := retry(context.Background(), "test", func() error {
		calls++
		return ErrObjectNotFound
	})
	if !errors.Is(err, ErrObjectNotFound) || calls != 1 {
		t.Errorf("not-found should not be retried: calls %d, err %v", calls, err)
	}

	calls = 0
	err = retry(context.Background(), "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("throttled")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("expected success on second attempt: calls %d, err %v", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := retry(ctx, "test", func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	for attempt, want := range []int64{100, 200, 400, 800} {
		if got := backoffDelay(attempt).Milliseconds(); got != want {
			t.Errorf("backoffDelay(%d) = %dms, want %dms", attempt, got, want)
		}
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"runs/1/events.parquet":       "application/vnd.apache.parquet",
		"runs/1/reports/metrics.txt":  "text/plain; charset=utf-8",
		"runs/1/reports/FEATURE.PNG":  "image/png",
		"runs/1/agg.db":               "application/vnd.sqlite3",
		"runs/1/reports/metrics.xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"runs/1/notes":                "application/octet-stream",
	}
	for key, want := range tests {
		if got := contentType(key); got != want {
			t.Errorf("contentType(%q) = %q, want %q", key, got, want)
		}
	}
}
