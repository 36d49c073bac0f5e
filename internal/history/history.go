// Package history persists a record of every started playback.
package history

import (
	"fmt"
	"time"

	"github.com/zulandar/turntable/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store reads and writes play history.
type Store struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a sqlite-backed store at path. Use
// ":memory:" for tests.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite %s: %w", path, err)
	}
	return migrate(db)
}

// OpenMySQL opens (and migrates) a MySQL-backed store.
func OpenMySQL(host string, port int, database string) (*Store, error) {
	dsn := fmt.Sprintf("root@tcp(%s:%d)/%s?parseTime=true", host, port, database)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: connect to %s:%d/%s: %w", host, port, database, err)
	}
	return migrate(db)
}

func migrate(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.PlayRecord{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record writes one started playback.
func (s *Store) Record(chatID int64, title, sourceURL string, durationSecs int, requester string) error {
	rec := models.PlayRecord{
		ChatID:       chatID,
		Title:        title,
		SourceURL:    sourceURL,
		DurationSecs: durationSecs,
		Requester:    requester,
		StartedAt:    time.Now(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("history: record play for chat %d: %w", chatID, err)
	}
	return nil
}

// Recent returns the most recent plays for a chat, newest first. A limit of
// 0 defaults to 20.
func (s *Store) Recent(chatID int64, limit int) ([]models.PlayRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []models.PlayRecord
	if err := s.db.Where("chat_id = ?", chatID).
		Order("started_at DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("history: recent for chat %d: %w", chatID, err)
	}
	return recs, nil
}

// CountByChat returns the total number of recorded plays for a chat.
func (s *Store) CountByChat(chatID int64) (int64, error) {
	var count int64
	if err := s.db.Model(&models.PlayRecord{}).
		Where("chat_id = ?", chatID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("history: count for chat %d: %w", chatID, err)
	}
	return count, nil
}
