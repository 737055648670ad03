// Package blobstore stores the named blobs that make up a repository's
// ledger: one "index-N" blob per generation plus the incompatible snapshot
// list.
package blobstore

import (
	"context"
	"errors"
)

var (
	// ErrBlobNotFound is returned when a requested blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrBlobExists is returned by an exclusive write to a name that is taken.
	ErrBlobExists = errors.New("blob already exists")
)

// BlobStore is a flat namespace of immutable-by-convention blobs.
type BlobStore interface {
	// Read returns the blob contents. Returns ErrBlobNotFound if missing.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write stores data atomically under name. With failIfExists the write
	// fails with ErrBlobExists instead of replacing an existing blob.
	Write(ctx context.Context, name string, data []byte, failIfExists bool) error

	// Delete removes a blob. No error if it doesn't exist.
	Delete(ctx context.Context, name string) error

	// List returns the names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
