package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const (
	s3MaxRetries = 3
	// s3PartConcurrency bounds in-flight UploadPart calls per object.
	s3PartConcurrency = 4
)

// contentTypes maps artifact extensions to the Content-Type set on upload.
var contentTypes = map[string]string{
	".parquet": "application/vnd.apache.parquet",
	".sqlite":  "application/vnd.sqlite3",
	".sqlite3": "application/vnd.sqlite3",
	".db":      "application/vnd.sqlite3",
	".csv":     "text/csv",
	".txt":     "text/plain; charset=utf-8",
	".png":     "image/png",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func contentType(key string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// S3Config holds client settings shared by every bucket.
type S3Config struct {
	// Region is the AWS region; empty uses the SDK default chain.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// MultipartConfig holds multipart upload settings.
	MultipartConfig MultipartUploadConfig
}

// S3Storage implements ObjectStorage for one S3 bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
	cfg    S3Config
}

// NewS3Storage creates a client for bucket.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.MultipartConfig.PartSize <= 0 {
		cfg.MultipartConfig = DefaultMultipartConfig()
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Storage{client: client, bucket: bucket, cfg: cfg}, nil
}

// Upload stores the file at localPath under key, using multipart above the
// configured part size.
func (s *S3Storage) Upload(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if fi.Size() > s.cfg.MultipartConfig.PartSize {
		err = s.uploadMultipart(ctx, file, fi.Size(), key)
	} else {
		err = retry(ctx, "put "+key, func() error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				Body:          io.NewSectionReader(file, 0, fi.Size()),
				ContentLength: aws.Int64(fi.Size()),
				ContentType:   aws.String(contentType(key)),
			})
			return err
		})
	}
	if err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %v", ErrUploadFailed, s.bucket, key, err)
	}
	return nil
}

// uploadMultipart sends parts concurrently; any failure aborts the upload so
// no partial object becomes visible.
func (s *S3Storage) uploadMultipart(ctx context.Context, file *os.File, size int64, key string) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return err
	}
	uploadID := created.UploadId

	partSize := s.cfg.MultipartConfig.PartSize
	numParts := int((size + partSize - 1) / partSize)
	parts := make([]types.CompletedPart, numParts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3PartConcurrency)
	for i := 0; i < numParts; i++ {
		offset := int64(i) * partSize
		n := min(partSize, size-offset)
		partNum := aws.Int32(int32(i + 1))
		g.Go(func() error {
			return retry(gctx, fmt.Sprintf("part %d of %s", i+1, key), func() error {
				out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:        aws.String(s.bucket),
					Key:           aws.String(key),
					UploadId:      uploadID,
					PartNumber:    partNum,
					Body:          io.NewSectionReader(file, offset, n),
					ContentLength: aws.Int64(n),
				})
				if err != nil {
					return err
				}
				parts[i] = types.CompletedPart{ETag: out.ETag, PartNumber: partNum}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		s.abort(key, uploadID)
		return err
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(key, uploadID)
		return err
	}
	return nil
}

// abort runs on a fresh context so cancellation of the upload still cleans up.
func (s *S3Storage) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	}); err != nil {
		slog.Warn("failed to abort multipart upload",
			slog.String("bucket", s.bucket),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Download writes key to localPath via a temp file in the same directory.
func (s *S3Storage) Download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	err := retry(ctx, "get "+key, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return ErrObjectNotFound
			}
			return err
		}
		defer resp.Body.Close()
		return writeAtomic(localPath, resp.Body)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrObjectNotFound):
		return err
	}
	return fmt.Errorf("%w: s3://%s/%s: %v", ErrDownloadFailed, s.bucket, key, err)
}

// Delete removes key. Missing keys are not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	err := retry(ctx, "delete "+key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether key exists.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := retry(ctx, "head "+key, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		var notFound *types.NotFound
		switch {
		case err == nil:
			found = true
		case errors.As(err, &notFound):
			found = false
		default:
			return err
		}
		return nil
	})
	return found, err
}

// retry runs op up to s3MaxRetries+1 times with exponential backoff.
// ErrObjectNotFound is returned immediately.
func retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(); err == nil || errors.Is(err, ErrObjectNotFound) || attempt == s3MaxRetries {
			return err
		}
		delay := backoffDelay(attempt)
		slog.Debug("retrying s3 request",
			slog.String("op", what),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay is 100ms, 200ms, 400ms, ...
func backoffDelay(attempt int) time.Duration {
	return (100 * time.Millisecond) << attempt
}
