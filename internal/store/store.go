// Package store implements the durable, transactional relational store (C1):
// a single sqlite file holding jobs, library catalog data, and key/value
// metadata. Besides its typed helpers it exposes the gorm handle through
// DB(), on which the queue and scanner packages build their own queries,
// including raw SQL.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"melodee/audiotag/internal/models"
)

// Sentinel error kinds per spec §7.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrInvalidArgument = errors.New("store: invalid argument")
	ErrConflict        = errors.New("store: conflict")
)

// Store wraps a gorm.DB bound to a single sqlite file.
type Store struct {
	db *gorm.DB
}

// GormConfig matches the teacher's production gorm tuning, minus the
// Postgres-specific naming strategy (sqlite has no schema prefix concerns).
var GormConfig = &gorm.Config{
	Logger:                 logger.Default.LogMode(logger.Silent),
	SkipDefaultTransaction: true,
	PrepareStmt:            true,
}

// Open creates (or re-opens) the sqlite-backed store at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), GormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // sqlite: single-writer, avoid SQLITE_BUSY storms
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral store for tests.
func OpenInMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), GormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle to sibling packages that need
// direct typed access (queue, scanner) without re-wrapping every method.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CountAndDelete issues a COUNT query followed by the delete and returns the
// counted rows, working around sqlite driver paths where RowsAffected is
// unreliable under certain journal modes.
func (s *Store) CountAndDelete(model interface{}, where string, args ...interface{}) (int64, error) {
	var count int64
	if err := s.db.Model(model).Where(where, args...).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting before delete: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Where(where, args...).Delete(model).Error; err != nil {
		return 0, fmt.Errorf("deleting: %w", err)
	}
	return count, nil
}

// CountAndUpdate issues a COUNT query followed by the update and returns the counted rows.
func (s *Store) CountAndUpdate(model interface{}, set map[string]interface{}, where string, args ...interface{}) (int64, error) {
	var count int64
	if err := s.db.Model(model).Where(where, args...).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting before update: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Model(model).Where(where, args...).Updates(set).Error; err != nil {
		return 0, fmt.Errorf("updating: %w", err)
	}
	return count, nil
}

// QueueStats returns job counts grouped by status in one query.
type QueueCounts struct {
	Pending   int64
	Running   int64
	Completed int64
	Errors    int64
}

func (s *Store) QueueStats() (QueueCounts, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := s.db.Model(&models.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return QueueCounts{}, fmt.Errorf("queue stats: %w", err)
	}

	var c QueueCounts
	for _, r := range rows {
		switch models.JobStatus(r.Status) {
		case models.JobPending:
			c.Pending = r.N
		case models.JobRunning:
			c.Running = r.N
		case models.JobDone:
			c.Completed = r.N
		case models.JobError:
			c.Errors = r.N
		}
	}
	return c, nil
}

// GetMeta returns a meta value, or "" with ok=false if the key is unset.
func (s *Store) GetMeta(key string) (string, bool, error) {
	var m models.Meta
	err := s.db.First(&m, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting meta %q: %w", key, err)
	}
	return m.Value, true, nil
}

// SetMeta upserts a meta key/value pair.
func (s *Store) SetMeta(key, value string) error {
	m := models.Meta{Key: key, Value: value}
	err := s.db.Save(&m).Error
	if err != nil {
		return fmt.Errorf("setting meta %q: %w", key, err)
	}
	return nil
}
