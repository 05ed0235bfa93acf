package mongostore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chirino/messaging-service/internal/config"
	storemongo "github.com/chirino/messaging-service/internal/plugin/store/mongo"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// BucketName is the GridFS bucket holding media files.
const BucketName = "media"

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "mongo",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registryattach.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("mongostore: missing config in context")
	}
	client, err := storemongo.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	return New(client.Database(cfg.MongoDatabase), cfg.ResolvedTempDir()), nil
}

// Store keeps media in GridFS. Files are keyed by a UUID string and carry
// their content type in the file metadata.
type Store struct {
	bucket  *mongo.GridFSBucket
	tempDir string
}

func New(db *mongo.Database, tempDir string) *Store {
	return &Store{
		bucket:  db.GridFSBucket(options.GridFSBucket().SetName(BucketName)),
		tempDir: tempDir,
	}
}

// Put spools to disk first so an oversized upload never leaves partial chunks behind.
func (s *Store) Put(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.PutResult, error) {
	sp, err := tempfiles.Spool(s.tempDir, "messaging-mongo-upload-*", data, maxSize)
	if errors.Is(err, tempfiles.ErrLimitExceeded) {
		return nil, registryattach.ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	defer sp.Discard()

	storageKey := uuid.Must(uuid.NewV7()).String()
	opts := options.GridFSUpload().SetMetadata(bson.D{{Key: "contentType", Value: contentType}})
	if err := s.bucket.UploadFromStreamWithID(ctx, storageKey, storageKey, sp.File, opts); err != nil {
		return nil, fmt.Errorf("mongostore: gridfs upload: %w", err)
	}
	return &registryattach.PutResult{StorageKey: storageKey, Size: sp.Size, SHA256: sp.SHA256}, nil
}

func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, string, error) {
	ds, err := s.bucket.OpenDownloadStream(ctx, storageKey)
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil, "", &registrystore.NotFoundError{Resource: "media", ID: storageKey}
	}
	if err != nil {
		return nil, "", fmt.Errorf("mongostore: open download stream: %w", err)
	}
	var contentType string
	if file := ds.GetFile(); file != nil && file.Metadata != nil {
		if v, lookupErr := file.Metadata.LookupErr("contentType"); lookupErr == nil {
			contentType, _ = v.StringValueOK()
		}
	}
	return ds, contentType, nil
}

func (s *Store) Delete(ctx context.Context, storageKey string) error {
	err := s.bucket.Delete(ctx, storageKey)
	if errors.Is(err, mongo.ErrFileNotFound) {
		return nil
	}
	return err
}

var _ registryattach.BlobStore = (*Store)(nil)
