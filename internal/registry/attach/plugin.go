package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// PutResult is the result of storing a blob.
type PutResult struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// BlobStore defines the interface for media storage backends.
type BlobStore interface {
	// Put writes the blob and returns its storage key. Reading more than maxSize bytes fails.
	Put(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*PutResult, error)
	// Open returns a reader for the stored blob and its content type.
	Open(ctx context.Context, storageKey string) (io.ReadCloser, string, error)
	// Delete removes the stored blob.
	Delete(ctx context.Context, storageKey string) error
}

// PublicURLer is implemented by stores that can hand out a directly reachable URL
// for a stored blob. An empty result falls back to the service's media route.
type PublicURLer interface {
	PublicURL(storageKey string) string
}

// ErrTooLarge is returned by Put when the reader yields more than maxSize bytes.
var ErrTooLarge = errors.New("media exceeds maximum size")

// UploadFailedError reports a blob store transport or permission failure.
type UploadFailedError struct {
	Reason string
	Err    error
}

func (e *UploadFailedError) Error() string {
	return "upload failed: " + e.Reason
}

func (e *UploadFailedError) Unwrap() error {
	return e.Err
}

// Loader creates a BlobStore from config.
type Loader func(ctx context.Context) (BlobStore, error)

// Plugin represents a blob store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a blob store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered blob store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named blob store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown media store %q; valid: %v", name, Names())
}
