// Package download provides resumable multi-part file downloads.
// It handles range partitioning, a shared worker pool, pause/resume,
// merge and verification of model files and other large artifacts.
package download

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
	"github.com/shepherd-project/shepherd-fetch/internal/version"
)

// DownloadState represents the current state of a download task
type DownloadState int

const (
	StateIdle DownloadState = iota
	StatePreparing
	StateDownloading
	StateMerging
	StateVerifying
	StateCompleted
	StateFailed
)

// AllStates lists every state in lifecycle order
var AllStates = []DownloadState{
	StateIdle,
	StatePreparing,
	StateDownloading,
	StateMerging,
	StateVerifying,
	StateCompleted,
	StateFailed,
}

func (s DownloadState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateDownloading:
		return "downloading"
	case StateMerging:
		return "merging"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are possible
func (s DownloadState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MarshalText encodes the state by name
func (s DownloadState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *DownloadState) UnmarshalText(text []byte) error {
	state, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseState converts a state name back into a DownloadState
func ParseState(name string) (DownloadState, error) {
	for _, s := range AllStates {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown download state: %q", name)
}

// TaskType distinguishes model downloads from generic files.
// The engine treats both the same way.
type TaskType string

const (
	TaskTypeFile      TaskType = "file"
	TaskTypeGGUFModel TaskType = "gguf_model"
)

// ParseTaskType normalizes a task type name, defaulting to TaskTypeFile
func ParseTaskType(name string) TaskType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gguf_model", "gguf", "model":
		return TaskTypeGGUFModel
	default:
		return TaskTypeFile
	}
}

// Part is an inclusive byte range of the remote file.
// End < Start marks a range of unknown length.
type Part struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length returns the number of bytes covered, or -1 when unknown
func (p Part) Length() int64 {
	if p.End < p.Start {
		return -1
	}
	return p.End - p.Start + 1
}

// openPart covers a whole file whose size was not advertised
var openPart = Part{Start: 0, End: -1}

// Errors
var (
	ErrEmptyURL          = errors.New("URL cannot be empty")
	ErrEmptyPath         = errors.New("path cannot be empty")
	ErrTaskNotFound      = errors.New("task not found")
	ErrPaused            = errors.New("download paused")
	ErrRangeStatus       = errors.New("server did not honor range request")
	ErrSizeMismatch      = errors.New("size mismatch")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoURLs            = errors.New("model request has no download URLs")
	ErrTargetInUse       = errors.New("target file is already being downloaded")
	ErrManagerClosed     = errors.New("download manager is closed")
	ErrProbeFailed       = errors.New("probe failed")
)

// PartError describes a part that failed after rolling back its progress
type PartError struct {
	Index      int
	Attempt    int
	RolledBack int64
	Err        error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("part %d attempt %d: %v", e.Index, e.Attempt, e.Err)
}

func (e *PartError) Unwrap() error {
	return e.Err
}

// CreateOptions carries the optional parts of a task creation request
type CreateOptions struct {
	FileName       string
	TaskType       TaskType
	ExpectedSize   int64  // caller-supplied size, 0 when unknown
	ExpectedSHA256 string // hex digest, typically a HuggingFace LFS oid
}

// DownloadConfig contains configuration for downloads
type DownloadConfig struct {
	MaxConcurrent     int           // Worker slots shared by every task
	ChunkSize         int64         // Read/write chunk size
	Timeout           time.Duration // Response header and read stall timeout
	RetryCount        int           // Retries after the first attempt
	RetryBackoff      time.Duration // First backoff delay
	RetryMaxBackoff   time.Duration // Backoff cap
	MinPartSize       int64         // Minimum bytes per part
	MinSplitSize      int64         // Files below this are fetched as one part
	MaxParts          int           // Maximum parts per task
	UserAgent         string
	MaxBytesPerSecond int64         // 0 = unlimited
	PauseTimeout      time.Duration // How long pause waits for workers
	ProgressInterval  time.Duration // Progress event period
	AutoResume        bool          // Resume interrupted tasks on Restore
	CheckDiskSpace    bool          // Refuse tasks larger than free space
}

// DefaultDownloadConfig returns the configuration used for zero fields
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		MaxConcurrent:    4,
		ChunkSize:        1024 * 1024, // 1MB
		Timeout:          60 * time.Second,
		RetryCount:       5,
		RetryBackoff:     200 * time.Millisecond,
		RetryMaxBackoff:  5 * time.Second,
		MinPartSize:      8 * 1024 * 1024, // 8MB
		MinSplitSize:     16 * 1024 * 1024,
		MaxParts:         8,
		UserAgent:        version.UserAgent(),
		PauseTimeout:     5 * time.Second,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// ConfigFromSettings converts the download section of the application
// config. Zero values fall back to defaults when the manager starts.
func ConfigFromSettings(c config.DownloadConfig) DownloadConfig {
	retries := c.RetryCount
	if retries == 0 {
		// An explicit zero in the file disables retries
		retries = -1
	}
	return DownloadConfig{
		MaxConcurrent:     c.MaxConcurrent,
		ChunkSize:         int64(c.ChunkSize),
		Timeout:           time.Duration(c.Timeout) * time.Second,
		RetryCount:        retries,
		RetryBackoff:      time.Duration(c.RetryBackoffMs) * time.Millisecond,
		RetryMaxBackoff:   time.Duration(c.RetryMaxBackoffMs) * time.Millisecond,
		MinPartSize:       c.MinPartSize,
		MinSplitSize:      c.MinSplitSize,
		MaxParts:          c.MaxParts,
		UserAgent:         c.UserAgent,
		MaxBytesPerSecond: c.MaxBytesPerSecond,
		PauseTimeout:      time.Duration(c.PauseTimeoutMs) * time.Millisecond,
		ProgressInterval:  time.Duration(c.ProgressInterval) * time.Millisecond,
		AutoResume:        c.AutoResume,
		CheckDiskSpace:    c.CheckDiskSpace,
	}
}

// withDefaults fills zero fields from DefaultDownloadConfig
func (c DownloadConfig) withDefaults() DownloadConfig {
	d := DefaultDownloadConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = d.RetryMaxBackoff
	}
	if c.MinPartSize <= 0 {
		c.MinPartSize = d.MinPartSize
	}
	if c.MinSplitSize <= 0 {
		c.MinSplitSize = d.MinSplitSize
	}
	if c.MaxParts <= 0 {
		c.MaxParts = d.MaxParts
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = d.PauseTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}

// EventType identifies a task event
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventProgressUpdate EventType = "progress_update"
)

// Event is delivered to listeners on state changes and periodic progress ticks
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	From      string    `json:"from,omitempty"`
	Progress  Progress  `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener is a callback for task events
type Listener func(event Event)

// Stats summarizes the registry
type Stats struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"byState"`
	MaxConcurrent int            `json:"maxConcurrent"`
	ActiveWorkers int            `json:"activeWorkers"`
}
