package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	storepostgres "github.com/chirino/messaging-service/internal/plugin/store/postgres"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const chunkSize = 64 * 1024

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "postgres",
		Loader: load,
	})
}

// ForceImport can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registryattach.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgstore: missing config in context")
	}
	db, err := storepostgres.Open(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w", err)
	}
	return New(db, cfg.ResolvedTempDir())
}

// mediaObject maps a storage key to the large object holding its bytes.
type mediaObject struct {
	StorageKey  string    `gorm:"column:storage_key;type:uuid;primaryKey"`
	OID         uint32    `gorm:"column:oid;type:oid;not null"`
	ContentType string    `gorm:"column:content_type;not null"`
	Size        int64     `gorm:"column:size;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (mediaObject) TableName() string { return "media_objects" }

// Store keeps media as PostgreSQL large objects.
type Store struct {
	db      *gorm.DB
	tempDir string
}

// New migrates the media_objects table and returns the store.
func New(db *gorm.DB, tempDir string) (*Store, error) {
	if err := db.AutoMigrate(&mediaObject{}); err != nil {
		return nil, fmt.Errorf("pgstore: auto-migrate media_objects: %w", err)
	}
	return &Store{db: db, tempDir: tempDir}, nil
}

// Put buffers the upload to a temp file then writes it to a large object and its
// media_objects row in a single transaction.
func (s *Store) Put(ctx context.Context, data io.Reader, maxSize int64, contentType string) (*registryattach.PutResult, error) {
	sp, err := tempfiles.Spool(s.tempDir, "messaging-pg-upload-*", data, maxSize)
	if errors.Is(err, tempfiles.ErrLimitExceeded) {
		return nil, registryattach.ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w", err)
	}
	defer sp.Discard()

	storageKey := uuid.Must(uuid.NewV7()).String()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var oid uint32
		if err := tx.Raw("SELECT lo_create(0)").Scan(&oid).Error; err != nil {
			return fmt.Errorf("pgstore: lo_create: %w", err)
		}

		buf := make([]byte, chunkSize)
		offset := int64(0)
		for {
			n, readErr := sp.Read(buf)
			if n > 0 {
				if err := tx.Exec("SELECT lo_put(?, ?, ?)", oid, offset, buf[:n]).Error; err != nil {
					return fmt.Errorf("pgstore: lo_put at offset %d: %w", offset, err)
				}
				offset += int64(n)
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("pgstore: read upload buffer: %w", readErr)
			}
		}
		return tx.Create(&mediaObject{
			StorageKey:  storageKey,
			OID:         oid,
			ContentType: contentType,
			Size:        sp.Size,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &registryattach.PutResult{StorageKey: storageKey, Size: sp.Size, SHA256: sp.SHA256}, nil
}

func (s *Store) lookup(ctx context.Context, storageKey string) (*mediaObject, error) {
	if _, err := uuid.Parse(storageKey); err != nil {
		return nil, &registrystore.NotFoundError{Resource: "media", ID: storageKey}
	}
	var obj mediaObject
	err := s.db.WithContext(ctx).Where("storage_key = ?", storageKey).First(&obj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "media", ID: storageKey}
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: lookup %s: %w", storageKey, err)
	}
	return &obj, nil
}

// Open spools the large object to a temp file that is removed on Close.
func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, string, error) {
	obj, err := s.lookup(ctx, storageKey)
	if err != nil {
		return nil, "", err
	}

	tmp, err := tempfiles.Create(s.tempDir, "messaging-pg-download-*")
	if err != nil {
		return nil, "", fmt.Errorf("pgstore: create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	for offset := int64(0); offset < obj.Size; offset += chunkSize {
		var chunk []byte
		if err := s.db.WithContext(ctx).Raw("SELECT lo_get(?, ?, ?)", obj.OID, offset, chunkSize).Scan(&chunk).Error; err != nil {
			cleanup()
			return nil, "", fmt.Errorf("pgstore: lo_get at offset %d: %w", offset, err)
		}
		if _, err := tmp.Write(chunk); err != nil {
			cleanup()
			return nil, "", fmt.Errorf("pgstore: spool large object: %w", err)
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, "", fmt.Errorf("pgstore: rewind temp file: %w", err)
	}
	return tempfiles.NewDeleteOnClose(tmp), obj.ContentType, nil
}

func (s *Store) Delete(ctx context.Context, storageKey string) error {
	obj, err := s.lookup(ctx, storageKey)
	var notFound *registrystore.NotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT lo_unlink(?)", obj.OID).Error; err != nil {
			return fmt.Errorf("pgstore: lo_unlink: %w", err)
		}
		return tx.Where("storage_key = ?", storageKey).Delete(&mediaObject{}).Error
	})
}

var _ registryattach.BlobStore = (*Store)(nil)
