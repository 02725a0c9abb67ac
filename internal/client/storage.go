package client

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when no artifact is stored under a key.
var ErrObjectNotFound = errors.New("artifact not found")

// StorageClient stores finished render artifacts and hands out download URLs.
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GetPublicURL(key string) string
}

// ObjectInfo describes a stored artifact. Checksum is the SHA-256 recorded
// at upload, empty if the uploader didn't know it.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Checksum    string
}

// checksummed is implemented by artifact readers that know their digest.
type checksummed interface {
	Checksum() string
}
