package storage

import (
	"context"
	"errors"
	"io"
)

// StorageEngine defines the interface for a content-addressed blob backend.
// Blobs are identified solely by the lowercase hexadecimal SHA-512 digest of
// their content.
type StorageEngine interface {
	// Find locates the blob stored under key. It returns ErrNotFound if the
	// key is malformed or no such blob exists. The returned Stream does not
	// hold any resources until it is iterated.
	Find(ctx context.Context, key string) (*Stream, error)

	// Upload consumes r to exhaustion and stores its content. It returns
	// the content key and whether a blob with that key was already present,
	// in which case nothing new is written.
	Upload(ctx context.Context, r io.Reader) (existed bool, key string, err error)

	// Delete removes the blob stored under key. It returns ErrNotFound if the
	// key is malformed or no such blob exists.
	Delete(ctx context.Context, key string) error
}

var (
	// ErrNotFound is returned when a key does not address a stored blob.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidKey is returned by ObjectPath for keys that cannot address a
	// shard. StorageEngine implementations report it as ErrNotFound.
	ErrInvalidKey = errors.New("invalid blob key")

	// ErrUploadAborted is returned when the upload source could not be read
	// to completion.
	ErrUploadAborted = errors.New("upload aborted")
)

const (
	// DefaultChunkSize is the size of the chunks yielded by Stream when no
	// other size is configured.
	DefaultChunkSize = 32 * 1024

	// MinKeyLength is the shortest key that can address a shard directory.
	MinKeyLength = 3

	// StagingDirName is the name of the directory holding in-flight uploads,
	// relative to the storage root.
	StagingDirName = ".temp"
)
