package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
)

// MediaRoutePrefix is where the service serves stored blobs when no public base URL is set.
const MediaRoutePrefix = "/v1/media/"

// Upload is a stored media blob and the durable URL referencing it.
type Upload struct {
	StorageKey  string
	URL         string
	Kind        model.MessageKind
	ContentType string
	Size        int64
}

// MediaPipeline validates uploads and hands them to a blob store.
type MediaPipeline struct {
	blobs         registryattach.BlobStore
	maxSize       int64
	publicBaseURL string
}

func NewMediaPipeline(blobs registryattach.BlobStore, maxSize int64, publicBaseURL string) *MediaPipeline {
	return &MediaPipeline{
		blobs:         blobs,
		maxSize:       maxSize,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

// MediaKind maps an image/* or video/* content type to its message kind.
func MediaKind(contentType string) (model.MessageKind, string, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", "", false
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return model.KindImage, mediaType, true
	case strings.HasPrefix(mediaType, "video/"):
		return model.KindVideo, mediaType, true
	}
	return "", "", false
}

// Validate checks the declared size and content type without touching the blob store.
func (p *MediaPipeline) Validate(size int64, contentType string) (model.MessageKind, string, error) {
	if size < 0 {
		return "", "", &registrystore.ValidationError{Field: "file", Message: "size is required"}
	}
	if size > p.maxSize {
		return "", "", &registrystore.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", p.maxSize),
		}
	}
	kind, mediaType, ok := MediaKind(contentType)
	if !ok {
		return "", "", &registrystore.ValidationError{
			Field:   "contentType",
			Message: fmt.Sprintf("unsupported media type %q", contentType),
		}
	}
	return kind, mediaType, nil
}

// Upload stores data and returns its durable URL. Nothing is retried.
func (p *MediaPipeline) Upload(ctx context.Context, data io.Reader, size int64, contentType string) (*Upload, error) {
	kind, mediaType, err := p.Validate(size, contentType)
	if err != nil {
		return nil, err
	}
	res, err := p.blobs.Put(ctx, data, p.maxSize, mediaType)
	if errors.Is(err, registryattach.ErrTooLarge) {
		return nil, &registrystore.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", p.maxSize),
		}
	}
	if err != nil {
		return nil, &registryattach.UploadFailedError{Reason: err.Error(), Err: err}
	}
	security.ObserveMediaUpload(res.Size)
	return &Upload{
		StorageKey:  res.StorageKey,
		URL:         p.URL(res.StorageKey),
		Kind:        kind,
		ContentType: mediaType,
		Size:        res.Size,
	}, nil
}

// URL returns the durable URL for a storage key.
func (p *MediaPipeline) URL(storageKey string) string {
	if pub, ok := p.blobs.(registryattach.PublicURLer); ok {
		if u := pub.PublicURL(storageKey); u != "" {
			return u
		}
	}
	if p.publicBaseURL != "" {
		return p.publicBaseURL + "/" + storageKey
	}
	return MediaRoutePrefix + storageKey
}

// Open returns the stored blob and its content type.
func (p *MediaPipeline) Open(ctx context.Context, storageKey string) (io.ReadCloser, string, error) {
	return p.blobs.Open(ctx, storageKey)
}

// Discard deletes an upload that never got referenced by a message.
func (p *MediaPipeline) Discard(ctx context.Context, storageKey string) {
	if err := p.blobs.Delete(context.WithoutCancel(ctx), storageKey); err != nil {
		log.Warn("Failed to delete orphaned media", "storageKey", storageKey, "err", err)
	}
}
