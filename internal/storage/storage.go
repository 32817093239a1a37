// Package storage moves pipeline artifacts between the local filesystem and
// object storage so stages can read and write s3:// locations.
package storage

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage is one bucket. Keys are slash-separated and never start
// with a slash.
type ObjectStorage interface {
	Upload(ctx context.Context, localPath, key string) error

	// Download replaces localPath with the object, creating parent
	// directories. A missing key yields ErrObjectNotFound and leaves
	// localPath untouched.
	Download(ctx context.Context, key, localPath string) error

	// Delete is idempotent.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)
}

// MultipartUploadConfig controls when and how S3 uploads are split.
type MultipartUploadConfig struct {
	// PartSize is both the multipart threshold and the size of each part.
	PartSize int64
}

// DefaultMultipartConfig uses 8 MiB parts, the AWS CLI default.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{PartSize: 8 << 20}
}
