// Package objectstore defines the Store interface for S3-compatible storage.
//
// Archivist keeps off-host copies of board state in object storage. State
// documents are small, so objects are written and read whole.
//
// # Usage
//
//	store, err := s3.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.Put(ctx, "archivist/music.eth.json.zst", data, objectstore.PutOptions{
//	    ContentType: "application/zstd",
//	})
//
//	rc, err := store.Get(ctx, key)
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // no backup yet
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("store is closed")
)

// ObjectError records the operation and key that failed.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	// Metadata holds the user-defined pairs given at Put.
	Metadata map[string]string
}

// PutOptions configures a Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is a flat key/object namespace. Implementations must be safe for
// concurrent use and wrap failures in [ObjectError].
type Store interface {
	// Put stores data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error

	// Get opens the object at key. The caller must close the reader.
	// Returns ErrNotFound for missing objects.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns object metadata without the body.
	// Returns ErrNotFound for missing objects.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	Close() error
}
