// Package sqlstore provides a durable storage.Storage backed by a SQLite
// key-value table.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/germanamz/pagechat/pkg/storage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ storage.Storage = (*Store)(nil)

// Item is one stored key.
type Item struct {
	Key       string `gorm:"column:item_key;primaryKey;size:191"`
	Value     []byte `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name independent of GORM's pluralization rules.
func (Item) TableName() string { return "storage_items" }

// Store persists keys in a SQLite database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlstore: create dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %q: %w", path, err)
	}

	return New(db)
}

// New wraps an existing GORM handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Item{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var item Item

	err := s.db.WithContext(ctx).Where("item_key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: get %q: %w", key, err)
	}

	return item.Value, true, nil
}

// Set upserts key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	item := Item{Key: key, Value: value, UpdatedAt: time.Now()}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		return fmt.Errorf("sqlstore: set %q: %w", key, err)
	}

	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("item_key = ?", key).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("sqlstore: remove %q: %w", key, err)
	}

	return nil
}

// Keys lists all stored keys in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&Item{}).Order("item_key").Pluck("item_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: keys: %w", err)
	}

	return keys, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
