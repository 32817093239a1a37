package storage

import (
	"fmt"
	"path"
	"strings"

	tlterrors "github.com/arkilian/tlt/internal/errors"
)

// S3Scheme prefixes remote artifact locations.
const S3Scheme = "s3://"

// Location is a parsed artifact path: either a local filesystem path or an
// object in an S3 bucket.
type Location struct {
	Raw    string
	Bucket string
	Key    string
}

// ParseLocation parses a local path or an s3://bucket/key URL.
func ParseLocation(s string) (Location, error) {
	if !strings.HasPrefix(s, S3Scheme) {
		return Location{Raw: s}, nil
	}
	rest := strings.TrimPrefix(s, S3Scheme)
	bucket, key, _ := strings.Cut(rest, "/")
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if bucket == "" || key == "" || key == "." {
		return Location{}, tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
			fmt.Sprintf("invalid s3 location %q (want s3://bucket/key)", s))
	}
	return Location{Raw: s, Bucket: bucket, Key: key}, nil
}

// Remote reports whether the location refers to object storage.
func (l Location) Remote() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	return l.Raw
}
