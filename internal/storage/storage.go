// Package storage provides persistence layer with multiple backend support
package storage

import (
	"context"
	"time"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `yaml:"type" json:"type"`
	SQLite *SQLiteConfig `yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `yaml:"path" json:"path"`                       // Database file path
	Pragmas   map[string]string `yaml:"pragmas" json:"pragmas,omitempty"`       // SQLite pragmas
	EnableWAL bool              `yaml:"enable_wal" json:"enableWAL"`            // Enable WAL mode
}

// PartRange is the persisted byte range of one part
type PartRange struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// DownloadRecord is the persisted form of a download task.
// Byte counters are informative only; on restore they are recomputed
// from the part-files on disk.
type DownloadRecord struct {
	ID              string      `json:"id" db:"id"`
	URL             string      `json:"url" db:"url"`
	FinalURL        string      `json:"finalUrl,omitempty" db:"final_url"`
	Directory       string      `json:"directory" db:"directory"`
	FileName        string      `json:"fileName" db:"file_name"`
	TaskType        string      `json:"taskType" db:"task_type"`
	State           string      `json:"state" db:"state"`
	TotalBytes      int64       `json:"totalBytes" db:"total_bytes"`
	DownloadedBytes int64       `json:"downloadedBytes" db:"downloaded_bytes"`
	PartsTotal      int         `json:"partsTotal" db:"parts_total"`
	PartsCompleted  int         `json:"partsCompleted" db:"parts_completed"`
	RangeSupported  bool        `json:"rangeSupported" db:"range_supported"`
	ExpectedSize    int64       `json:"expectedSize,omitempty" db:"expected_size"`
	ExpectedSHA256  string      `json:"expectedSha256,omitempty" db:"expected_sha256"`
	ETag            string      `json:"etag,omitempty" db:"etag"`
	ErrorMessage    string      `json:"errorMessage,omitempty" db:"error_message"`
	Parts           []PartRange `json:"parts" db:"parts"` // JSON encoded
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" db:"updated_at"`
	StartedAt       *time.Time  `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt      *time.Time  `json:"finishedAt,omitempty" db:"finished_at"`
}

// Store defines the storage interface
type Store interface {
	// SaveDownload inserts or replaces a record
	SaveDownload(ctx context.Context, rec *DownloadRecord) error
	GetDownload(ctx context.Context, id string) (*DownloadRecord, error)
	// ListDownloads returns records oldest first; limit <= 0 means all
	ListDownloads(ctx context.Context, limit, offset int) ([]*DownloadRecord, error)
	DeleteDownload(ctx context.Context, id string) error

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	if config == nil {
		return nil, ErrInvalidStorageType
	}
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrDownloadNotFound    = &StorageError{Code: "NOT_FOUND", Message: "Download not found"}
	ErrInvalidRecord       = &StorageError{Code: "INVALID_RECORD", Message: "Download record has no ID"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// paginate applies limit/offset to n items and returns the bounds
func paginate(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return n, n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
