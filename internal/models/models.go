// Package models holds the gorm row types backing the durable store (C1).
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus enumerates the lifecycle states of a Job row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Job is one requested tagging of one file.
type Job struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	Path        string     `gorm:"column:path;not null;index"`
	Status      JobStatus  `gorm:"column:status;not null;index"`
	Force       bool       `gorm:"column:force;not null;default:false"`
	CreatedAt   int64      `gorm:"column:created_at_ms;not null"`
	StartedAt   *int64     `gorm:"column:started_at_ms"`
	FinishedAt  *int64     `gorm:"column:finished_at_ms"`
	ErrorMsg    string     `gorm:"column:error_message"`
	ResultsJSON string     `gorm:"column:results_json"`
}

func (Job) TableName() string { return "queue" }

// Library is a root directory containing audio files.
type Library struct {
	ID           int32  `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"column:name;not null"`
	RootPath     string `gorm:"column:root_path;not null;uniqueIndex"`
	IsDefault    bool   `gorm:"column:is_default;not null;default:false"`
	ScanStatus   string `gorm:"column:scan_status;not null;default:idle"`
	ScanID       string `gorm:"column:scan_id"`
	ScanError    string `gorm:"column:scan_error"`
	FilesTotal   int    `gorm:"column:files_total"`
	FilesScanned int    `gorm:"column:files_scanned"`
	CreatedAt    int64  `gorm:"column:created_at_ms"`
}

func (Library) TableName() string { return "libraries" }

// LibraryScan is a finalized record of one completed (or failed) scan run.
type LibraryScan struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	LibraryID    int32  `gorm:"column:library_id;not null;index"`
	ScanID       string `gorm:"column:scan_id;not null"`
	ScanType     string `gorm:"column:scan_type;not null"`
	StartedAt    int64  `gorm:"column:started_at_ms;not null"`
	FinishedAt   int64  `gorm:"column:finished_at_ms"`
	FilesAdded   int    `gorm:"column:files_added"`
	FilesUpdated int    `gorm:"column:files_updated"`
	FilesRemoved int    `gorm:"column:files_removed"`
	FilesMoved   int    `gorm:"column:files_moved"`
	Error        string `gorm:"column:error"`
}

func (LibraryScan) TableName() string { return "library_scans" }

// LibraryFolder caches a directory's mtime and audio-file count so
// incremental scans can skip unchanged folders.
type LibraryFolder struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	LibraryID int32  `gorm:"column:library_id;not null;index:idx_folder_lib_path,unique,priority:1"`
	RelPath   string `gorm:"column:rel_path;not null;index:idx_folder_lib_path,unique,priority:2"`
	MTimeMs   int64  `gorm:"column:mtime_ms;not null"`
	FileCount int    `gorm:"column:file_count;not null"`
}

func (LibraryFolder) TableName() string { return "library_folders" }

// LibraryFile is one audio file known to the catalog.
type LibraryFile struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	LibraryID        int32  `gorm:"column:library_id;not null;index:idx_file_lib_path,unique,priority:1"`
	NormalizedPath   string `gorm:"column:normalized_path;not null;index:idx_file_lib_path,unique,priority:2"`
	AbsPath          string `gorm:"column:abs_path;not null"`
	FileSize         int64  `gorm:"column:file_size"`
	ModifiedTime     int64  `gorm:"column:modified_time_ms"`
	DurationMs       int    `gorm:"column:duration_ms"`
	Title            string `gorm:"column:title"`
	Artist           string `gorm:"column:artist"`
	Artists          string `gorm:"column:artists"`  // JSON array, derived cache
	Album            string `gorm:"column:album"`
	Labels           string `gorm:"column:labels"`    // JSON array, derived cache
	Genres           string `gorm:"column:genres"`    // JSON array, derived cache
	Year             int    `gorm:"column:year"`
	NeedsTagging     bool   `gorm:"column:needs_tagging;not null;default:true"`
	Tagged           bool   `gorm:"column:tagged;not null;default:false"`
	TaggerVersion    string `gorm:"column:tagger_version"`
	ScanID           string `gorm:"column:scan_id"`
	Chromaprint      string `gorm:"column:chromaprint"`
	CalibrationMeta  string `gorm:"column:calibration_metadata"`
}

func (LibraryFile) TableName() string { return "library_files" }

// TagDefinition is a deduplicated (key, value-as-JSON-array) pair.
type TagDefinition struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Key       string `gorm:"column:tag_key;not null;index:idx_tag_key_value,unique,priority:1"`
	Value     string `gorm:"column:tag_value;not null;index:idx_tag_key_value,unique,priority:2"`
	IsNomarr  bool   `gorm:"column:is_nomarr;not null;default:false"`
}

func (TagDefinition) TableName() string { return "library_tags" }

// FileTag is the many-to-many edge between a LibraryFile and a TagDefinition.
type FileTag struct {
	FileID int64 `gorm:"column:file_id;primaryKey"`
	TagID  int64 `gorm:"column:tag_id;primaryKey"`
}

func (FileTag) TableName() string { return "file_tags" }

// Meta is a flat key/value store for engine-wide scalars.
type Meta struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (Meta) TableName() string { return "meta" }

const (
	MetaWorkerEnabled      = "worker_enabled"
	MetaAvgProcessingTime  = "avg_processing_time"
	MetaAdminPasswordHash  = "admin_password_hash"
	MetaAPIKey             = "api_key"
	MetaInternalKey        = "internal_key"
)

// BeforeCreate assigns a random internal key value when one is inserted without one set.
func (m *Meta) BeforeCreate(tx *gorm.DB) error {
	if m.Key == MetaInternalKey && m.Value == "" {
		m.Value = uuid.New().String()
	}
	return nil
}

// AllModels lists every row type for AutoMigrate, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Library{},
		&LibraryScan{},
		&LibraryFolder{},
		&LibraryFile{},
		&TagDefinition{},
		&FileTag{},
		&Job{},
		&Meta{},
	}
}

var nowFunc = func() int64 { return time.Now().UnixMilli() }

// NowMs returns the current time in epoch milliseconds, swappable in tests.
func NowMs() int64 { return nowFunc() }
