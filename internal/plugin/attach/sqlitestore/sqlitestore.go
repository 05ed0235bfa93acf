// Package sqlitestore keeps media bytes in a table next to the SQLite datastore.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	storesqlite "github.com/chirino/messaging-service/internal/plugin/store/sqlite"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registryattach.BlobStore, error) {
			cfg := config.FromContext(ctx)
			db, err := storesqlite.Open(cfg.DBURL)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: %w", err)
			}
			return New(db, cfg.ResolvedTempDir())
		},
	})
}

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

type mediaBlob struct {
	StorageKey  string    `gorm:"column:storage_key;primaryKey"`
	ContentType string    `gorm:"column:content_type;not null"`
	Size        int64     `gorm:"column:size;not null"`
	Data        []byte    `gorm:"column:data;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (mediaBlob) TableName() string { return "media_blobs" }

type Store struct {
	db      *gorm.DB
	tempDir string
}

func New(db *gorm.DB, tempDir string) (*Store, error) {
	if err := db.AutoMigrate(&mediaBlob{}); err != nil {
		return nil, fmt.Errorf("sqlitestore: auto-migrate media_blobs: %w", err)
	}
	return &Store{db: db, tempDir: tempDir}, nil
}

func (s *Store) Put(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.PutResult, error) {
	sp, err := tempfiles.Spool(s.tempDir, "messaging-sqlite-upload-*", data, maxSize)
	if errors.Is(err, tempfiles.ErrLimitExceeded) {
		return nil, registryattach.ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}
	defer sp.Discard()

	payload, err := io.ReadAll(sp)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read upload buffer: %w", err)
	}
	blob := mediaBlob{
		StorageKey:  uuid.Must(uuid.NewV7()).String(),
		ContentType: contentType,
		Size:        sp.Size,
		Data:        payload,
	}
	if err := s.db.WithContext(ctx).Create(&blob).Error; err != nil {
		return nil, fmt.Errorf("sqlitestore: insert: %w", err)
	}
	return &registryattach.PutResult{StorageKey: blob.StorageKey, Size: sp.Size, SHA256: sp.SHA256}, nil
}

func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, string, error) {
	tmp, err := tempfiles.Create(s.tempDir, "messaging-sqlite-download-*")
	if err != nil {
		return nil, "", fmt.Errorf("sqlitestore: create temp file: %w", err)
	}
	rc := tempfiles.NewDeleteOnClose(tmp)

	var blob mediaBlob
	err = s.db.WithContext(ctx).Where("storage_key = ?", storageKey).First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = rc.Close()
		return nil, "", &registrystore.NotFoundError{Resource: "media", ID: storageKey}
	}
	if err != nil {
		_ = rc.Close()
		return nil, "", fmt.Errorf("sqlitestore: lookup %s: %w", storageKey, err)
	}
	if _, err := tmp.Write(blob.Data); err != nil {
		_ = rc.Close()
		return nil, "", fmt.Errorf("sqlitestore: spool blob: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = rc.Close()
		return nil, "", fmt.Errorf("sqlitestore: rewind temp file: %w", err)
	}
	return rc, blob.ContentType, nil
}

func (s *Store) Delete(ctx context.Context, storageKey string) error {
	return s.db.WithContext(ctx).Where("storage_key = ?", storageKey).Delete(&mediaBlob{}).Error
}

var _ registryattach.BlobStore = (*Store)(nil)
