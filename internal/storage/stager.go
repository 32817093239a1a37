package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	tlterrors "github.com/arkilian/tlt/internal/errors"
)

// Opener returns the ObjectStorage for a bucket.
type Opener func(ctx context.Context, bucket string) (ObjectStorage, error)

// S3Opener opens S3Storage clients with a shared configuration.
func S3Opener(cfg S3Config) Opener {
	return func(ctx context.Context, bucket string) (ObjectStorage, error) {
		return NewS3Storage(ctx, bucket, cfg)
	}
}

// LocalOpener maps each bucket to a subdirectory of root. Used in tests and
// for dry runs against a directory tree.
func LocalOpener(root string) Opener {
	return func(ctx context.Context, bucket string) (ObjectStorage, error) {
		return NewLocalStorage(filepath.Join(root, bucket))
	}
}

// Stager resolves artifact locations to local paths. Local paths pass through
// unchanged; remote inputs are downloaded into a private temp directory and
// remote outputs are written there first, then published.
type Stager struct {
	open        Opener
	concurrency int

	mu     sync.Mutex
	dir    string
	stores map[string]ObjectStorage
}

// NewStager creates a stager. A nil opener rejects every remote location.
func NewStager(open Opener) *Stager {
	return &Stager{
		open:        open,
		concurrency: 4,
		stores:      make(map[string]ObjectStorage),
	}
}

// Fetch returns a local path holding the content of loc.
func (s *Stager) Fetch(ctx context.Context, loc string) (string, error) {
	l, err := ParseLocation(loc)
	if err != nil {
		return "", err
	}
	if !l.Remote() {
		return loc, nil
	}

	store, err := s.store(ctx, l.Bucket)
	if err != nil {
		return "", err
	}
	// A prefix or a missing key is reported before anything is staged.
	ok, err := store.Exists(ctx, l.Key)
	if err != nil {
		return "", tlterrors.NewStorageError(tlterrors.CodeDownloadFailed, fmt.Sprintf("fetch %s", l), err)
	}
	if !ok {
		return "", tlterrors.NotFound(l.String())
	}
	local, err := s.stagedPath(l)
	if err != nil {
		return "", err
	}

	if err := store.Download(ctx, l.Key, local); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return "", tlterrors.NotFound(l.String())
		}
		return "", tlterrors.NewStorageError(tlterrors.CodeDownloadFailed, fmt.Sprintf("fetch %s", l), err)
	}
	slog.Debug("staged remote input", slog.String("location", l.String()), slog.String("path", local))
	return local, nil
}

// FetchAll fetches several locations concurrently. Empty locations map to
// empty paths. The first failure cancels the remaining downloads.
func (s *Stager) FetchAll(ctx context.Context, locs ...string) ([]string, error) {
	paths := make([]string, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, loc := range locs {
		if loc == "" {
			continue
		}
		g.Go(func() error {
			p, err := s.Fetch(gctx, loc)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Target returns the local path a stage should write loc to.
func (s *Stager) Target(loc string) (string, error) {
	l, err := ParseLocation(loc)
	if err != nil {
		return "", err
	}
	if !l.Remote() {
		return loc, nil
	}
	return s.stagedPath(l)
}

// Publish uploads the file or directory tree written at Target(loc). It is a
// no-op for local locations. A directory is published as a unit: if any file
// fails, the keys already uploaded are deleted again.
func (s *Stager) Publish(ctx context.Context, loc string) error {
	l, err := ParseLocation(loc)
	if err != nil {
		return err
	}
	if !l.Remote() {
		return nil
	}

	store, err := s.store(ctx, l.Bucket)
	if err != nil {
		return err
	}
	local, err := s.stagedPath(l)
	if err != nil {
		return err
	}

	fi, err := os.Stat(local)
	if err != nil {
		return tlterrors.NewStorageError(tlterrors.CodeUploadFailed, fmt.Sprintf("publish %s", l), err)
	}
	if !fi.IsDir() {
		return s.upload(ctx, store, local, l.Key, l)
	}

	var published []string
	err = filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		key := path.Join(l.Key, filepath.ToSlash(rel))
		if err := s.upload(ctx, store, p, key, l); err != nil {
			return err
		}
		published = append(published, key)
		return nil
	})
	if err != nil {
		s.unpublish(store, l, published)
		if tlterrors.GetCategory(err) == "" {
			err = tlterrors.NewStorageError(tlterrors.CodeUploadFailed, fmt.Sprintf("publish %s", l), err)
		}
		return err
	}
	return nil
}

func (s *Stager) upload(ctx context.Context, store ObjectStorage, local, key string, l Location) error {
	if err := store.Upload(ctx, local, key); err != nil {
		return tlterrors.NewStorageError(tlterrors.CodeUploadFailed, fmt.Sprintf("publish %s", l), err)
	}
	slog.Debug("published artifact", slog.String("location", l.String()), slog.String("key", key))
	return nil
}

// unpublish removes keys from a failed directory publish. It runs on a fresh
// context so a cancelled run still cleans up.
func (s *Stager) unpublish(store ObjectStorage, l Location, keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			slog.Warn("failed to remove partially published artifact",
				slog.String("location", l.String()),
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
}

// Close removes the staging directory.
func (s *Stager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

func (s *Stager) store(ctx context.Context, bucket string) (ObjectStorage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[bucket]; ok {
		return st, nil
	}
	if s.open == nil {
		return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
			fmt.Sprintf("remote location s3://%s is not supported here", bucket))
	}
	st, err := s.open(ctx, bucket)
	if err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeDownloadFailed, fmt.Sprintf("open bucket %s", bucket), err)
	}
	s.stores[bucket] = st
	return st, nil
}

// stagedPath maps a remote location into the staging directory, keeping the
// key's base name so extension-based format selection still works.
func (s *Stager) stagedPath(l Location) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "tlt-stage-")
		if err != nil {
			return "", tlterrors.NewStorageError(tlterrors.CodeWriteFailed, "create staging directory", err)
		}
		s.dir = dir
	}
	return filepath.Join(s.dir, l.Bucket, filepath.FromSlash(l.Key)), nil
}
