package bdd

import (
	"context"
	"fmt"

	storesqlite "github.com/chirino/messaging-service/internal/plugin/store/sqlite"
	"github.com/chirino/messaging-service/internal/testutil/cucumber"
	"gorm.io/gorm"
)

// SQLiteTestDB implements cucumber.TestDB for a file-backed SQLite database
// holding both messages and media blobs.
type SQLiteTestDB struct {
	db *gorm.DB
}

var _ cucumber.TestDB = (*SQLiteTestDB)(nil)

func NewSQLiteTestDB(dsn string) (*SQLiteTestDB, error) {
	db, err := storesqlite.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteTestDB{db: db}, nil
}

func (s *SQLiteTestDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteTestDB) ClearAll(ctx context.Context) error {
	for _, table := range []string{"media_blobs", "messages", "conversations", "block_relations", "profiles"} {
		if !s.db.Migrator().HasTable(table) {
			continue
		}
		if err := s.db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("cleanup: failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteTestDB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table("messages").Where("conversation_id = ?", conversationID).Count(&n).Error
	return n, err
}

func (s *SQLiteTestDB) CountMedia(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table("media_blobs").Count(&n).Error
	return n, err
}
