// Package storage reads input datasets and publishes report datasets, on the
// local filesystem or in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrPublishFailed  = errors.New("publish failed")
)

// ObjectStorage abstracts the store a dataset lives in.
// Implementations are the local filesystem and S3.
type ObjectStorage interface {
	// Upload copies a local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// StagingDir creates a local directory to write a dataset named name
	// into before it is published.
	StagingDir(name string) (string, error)

	// Publish replaces every object under prefix with the files of the
	// local directory dir. dir is consumed.
	Publish(ctx context.Context, dir, prefix string) error
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024, // 5MB
	}
}

// Location is a parsed dataset root: a local directory or an S3 prefix.
type Location struct {
	Scheme string // "file" or "s3"
	Bucket string
	Path   string
}

// ParseLocation parses "s3://bucket/prefix", "file:///dir" or a plain path.
func ParseLocation(uri string) (Location, error) {
	if !strings.Contains(uri, "://") {
		if uri == "" {
			return Location{}, fmt.Errorf("empty location")
		}
		return Location{Scheme: "file", Path: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("invalid location %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return Location{Scheme: "file", Path: u.Path}, nil
	case "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("invalid location %q: missing bucket", uri)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Path: strings.Trim(u.Path, "/")}, nil
	default:
		return Location{}, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, uri)
	}
}

// Remote reports whether the location is in object storage.
func (l Location) Remote() bool { return l.Scheme == "s3" }

// Key returns the object path of name within the storage returned by Open
// for this location.
func (l Location) Key(name string) string {
	if !l.Remote() || l.Path == "" {
		return name
	}
	return l.Path + "/" + name
}

func (l Location) String() string {
	if l.Remote() {
		return "s3://" + l.Bucket + "/" + l.Path
	}
	return l.Path
}

// Open returns the storage that holds loc. Local locations are rooted at
// loc.Path, so object paths are relative to it; S3 object paths are full keys.
func Open(ctx context.Context, loc Location, s3cfg S3Config) (ObjectStorage, error) {
	if loc.Remote() {
		return NewS3Storage(ctx, loc.Bucket, s3cfg)
	}
	return NewLocalStorage(loc.Path)
}
