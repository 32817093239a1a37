package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tlterrors "github.com/arkilian/tlt/internal/errors"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in     string
		bucket string
		key    string
		err    bool
	}{
		{in: "data/events.csv"},
		{in: "/abs/agg.parquet"},
		{in: "s3://telemetry/raw/events.csv", bucket: "telemetry", key: "raw/events.csv"},
		{in: "s3://telemetry/reports/", bucket: "telemetry", key: "reports"},
		{in: "s3://telemetry/../x", bucket: "telemetry", key: "x"},
		{in: "s3://telemetry", err: true},
		{in: "s3:///key", err: true},
	}

	for _, tt := range tests {
		l, err := ParseLocation(tt.in)
		if tt.err {
			if tlterrors.GetCategory(err) != tlterrors.ErrCategoryParameter {
				t.Errorf("ParseLocation(%q): expected parameter error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLocation(%q) failed: %v", tt.in, err)
			continue
		}
		if l.Bucket != tt.bucket || l.Key != tt.key {
			t.Errorf("ParseLocation(%q) = %+v, want bucket %q key %q", tt.in, l, tt.bucket, tt.key)
		}
		if l.Remote() != (tt.bucket != "") {
			t.Errorf("ParseLocation(%q).Remote() = %v", tt.in, l.Remote())
		}
	}
}

func newTestStager(t *testing.T) (*Stager, string) {
	t.Helper()
	root := t.TempDir()
	s := NewStager(LocalOpener(root))
	t.Cleanup(func() { s.Close() })
	return s, root
}

func TestStager_LocalPassThrough(t *testing.T) {
	s := NewStager(nil)
	ctx := context.Background()

	got, err := s.Fetch(ctx, "in/events.csv")
	if err != nil || got != "in/events.csv" {
		t.Errorf("Fetch = %q, %v; want pass-through", got, err)
	}
	got, err = s.Target("out/agg.parquet")
	if err != nil || got != "out/agg.parquet" {
		t.Errorf("Target = %q, %v; want pass-through", got, err)
	}
	if err := s.Publish(ctx, "out/agg.parquet"); err != nil {
		t.Errorf("Publish of local path should be a no-op, got %v", err)
	}
}

func TestStager_RemoteWithoutOpener(t *testing.T) {
	s := NewStager(nil)
	_, err := s.Fetch(context.Background(), "s3://bucket/key.csv")
	if tlterrors.GetCategory(err) != tlterrors.ErrCategoryParameter {
		t.Errorf("expected parameter error, got %v", err)
	}
}

func TestStager_FetchAndPublish(t *testing.T) {
	s, root := newTestStager(t)
	ctx := context.Background()

	src := filepath.Join(root, "telemetry", "raw", "events.csv")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("timestamp,user_id,event,feature_id\n"), 0644); err != nil {
		t.Fatal(err)
	}

	local, err := s.Fetch(ctx, "s3://telemetry/raw/events.csv")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if filepath.Base(local) != "events.csv" {
		t.Errorf("staged path should keep the base name, got %s", local)
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "timestamp,user_id,event,feature_id\n" {
		t.Errorf("staged content mismatch: %q, %v", data, err)
	}

	// Single file output.
	out, err := s.Target("s3://telemetry/tables/agg.parquet")
	if err != nil {
		t.Fatalf("Target failed: %v", err)
	}
	os.MkdirAll(filepath.Dir(out), 0755)
	os.WriteFile(out, []byte("PAR1"), 0644)
	if err := s.Publish(ctx, "s3://telemetry/tables/agg.parquet"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "telemetry", "tables", "agg.parquet")); err != nil {
		t.Errorf("published object missing: %v", err)
	}

	// Directory output.
	dir, err := s.Target("s3://telemetry/reports")
	if err != nil {
		t.Fatalf("Target failed: %v", err)
	}
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "metrics.txt"), []byte("=== Telemetry Summary ===\n"), 0644)
	os.WriteFile(filepath.Join(dir, "feature_usage.png"), []byte("png"), 0644)
	if err := s.Publish(ctx, "s3://telemetry/reports"); err != nil {
		t.Fatalf("Publish dir failed: %v", err)
	}
	for _, name := range []string{"metrics.txt", "feature_usage.png"} {
		if _, err := os.Stat(filepath.Join(root, "telemetry", "reports", name)); err != nil {
			t.Errorf("published report %s missing: %v", name, err)
		}
	}

	stageDir := s.dir
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(stageDir); !os.IsNotExist(err) {
		t.Errorf("staging directory should be removed, stat err = %v", err)
	}
}

func TestStager_FetchAll(t *testing.T) {
	s, root := newTestStager(t)
	ctx := context.Background()

	for _, key := range []string{"a.parquet", "b.parquet"} {
		p := filepath.Join(root, "bucket", key)
		os.MkdirAll(filepath.Dir(p), 0755)
		os.WriteFile(p, []byte(key), 0644)
	}

	paths, err := s.FetchAll(ctx, "s3://bucket/a.parquet", "", "s3://bucket/b.parquet", "local.parquet")
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(paths) != 4 || paths[1] != "" || paths[3] != "local.parquet" {
		t.Fatalf("unexpected paths: %v", paths)
	}
	for i, want := range map[int]string{0: "a.parquet", 2: "b.parquet"} {
		data, err := os.ReadFile(paths[i])
		if err != nil || string(data) != want {
			t.Errorf("path %d: got %q, %v", i, data, err)
		}
	}

	_, err = s.FetchAll(ctx, "s3://bucket/a.parquet", "s3://bucket/missing.parquet")
	if !tlterrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

// failingStore rejects uploads of keys with the given suffix.
type failingStore struct {
	*LocalStorage
	suffix string
}

func (f failingStore) Upload(ctx context.Context, localPath, key string) error {
	if strings.HasSuffix(key, f.suffix) {
		return errors.New("connection reset")
	}
	return f.LocalStorage.Upload(ctx, localPath, key)
}

func TestStager_PublishDirectoryIsAllOrNothing(t *testing.T) {
	root := t.TempDir()
	s := NewStager(func(ctx context.Context, bucket string) (ObjectStorage, error) {
		l, err := NewLocalStorage(filepath.Join(root, bucket))
		if err != nil {
			return nil, err
		}
		return failingStore{LocalStorage: l, suffix: "metrics.txt"}, nil
	})
	t.Cleanup(func() { s.Close() })

	dir, err := s.Target("s3://telemetry/reports")
	if err != nil {
		t.Fatalf("Target failed: %v", err)
	}
	os.MkdirAll(dir, 0755)
	// WalkDir visits feature_usage.png before metrics.txt.
	os.WriteFile(filepath.Join(dir, "feature_usage.png"), []byte("png"), 0644)
	os.WriteFile(filepath.Join(dir, "metrics.txt"), []byte("=== Telemetry Summary ===\n"), 0644)

	err = s.Publish(context.Background(), "s3://telemetry/reports")
	if tlterrors.GetCode(err) != tlterrors.CodeUploadFailed {
		t.Fatalf("expected upload failure, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "telemetry", "reports", "feature_usage.png")); !os.IsNotExist(err) {
		t.Errorf("partially published chart should be removed, stat err = %v", err)
	}
}

func TestStager_FetchPrefixIsNotFound(t *testing.T) {
	s, root := newTestStager(t)
	os.MkdirAll(filepath.Join(root, "telemetry", "runs", "1"), 0755)

	_, err := s.Fetch(context.Background(), "s3://telemetry/runs/1")
	if !tlterrors.IsNotFound(err) {
		t.Errorf("expected not-found for a prefix, got %v", err)
	}
	if s.dir != "" {
		t.Error("nothing should be staged for a missing input")
	}
}
