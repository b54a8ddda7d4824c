package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/philpoore/contentstack-express/internal/content"
)

// CollectionRow is the sqlite row holding one serialised collection.
type CollectionRow struct {
	Locale      string `gorm:"primaryKey;size:64"`
	ContentType string `gorm:"primaryKey;size:190"`
	Records     string `gorm:"type:text;not null"`
	UpdatedAt   time.Time
}

func (CollectionRow) TableName() string {
	return "contentsync_collections"
}

type SQLiteBackend struct {
	db *gorm.DB
}

// OpenSQLite opens (creating when needed) the database at path and migrates its schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&CollectionRow{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("sqlite storage initialized", zap.String("path", path))
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, key CollectionKey) ([]content.Record, bool, error) {
	var row CollectionRow
	err := b.db.WithContext(ctx).
		Where("locale = ? AND content_type = ?", key.Locale, key.ContentType).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var records []content.Record
	if err := json.Unmarshal([]byte(row.Records), &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, key CollectionKey, records []content.Record) error {
	if records == nil {
		records = []content.Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	row := CollectionRow{
		Locale:      key.Locale,
		ContentType: key.ContentType,
		Records:     string(payload),
		UpdatedAt:   time.Now().UTC(),
	}
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "locale"}, {Name: "content_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"records", "updated_at"}),
		}).
		Create(&row).Error
}

func (b *SQLiteBackend) Delete(ctx context.Context, key CollectionKey) error {
	return b.db.WithContext(ctx).
		Where("locale = ? AND content_type = ?", key.Locale, key.ContentType).
		Delete(&CollectionRow{}).Error
}

func (b *SQLiteBackend) Collections(ctx context.Context, locale string) ([]string, error) {
	var names []string
	err := b.db.WithContext(ctx).
		Model(&CollectionRow{}).
		Where("locale = ?", locale).
		Order("content_type ASC").
		Pluck("content_type", &names).Error
	return names, err
}

func (b *SQLiteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
