// Package archive keeps copies of applied snapshots in object storage so a
// table can be recovered without a round trip to the remote source.
package archive

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage stores small objects by key. Implementations include S3
// and the local filesystem.
type ObjectStorage interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
