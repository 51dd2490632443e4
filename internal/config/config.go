// Package config provides configuration management for the shepherd-fetch server.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shepherd-project/shepherd-fetch/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "fetch.config.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig          `yaml:"server" json:"server"`
	Download  DownloadConfig        `yaml:"download" json:"download"`
	ModelRepo ModelRepoConfig       `yaml:"model_repo" json:"modelRepo"`
	Security  SecurityConfig        `yaml:"security" json:"security"`
	Log       LogConfig             `yaml:"log" json:"log"`
	Storage   storage.StorageConfig `yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	WebPort      int    `yaml:"web_port" json:"webPort"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds, 0 keeps SSE streams open
}

// DownloadConfig contains download manager configuration
type DownloadConfig struct {
	Directory         string `yaml:"directory" json:"directory"`
	MaxConcurrent     int    `yaml:"max_concurrent" json:"maxConcurrent"`
	ChunkSize         int    `yaml:"chunk_size" json:"chunkSize"` // bytes
	RetryCount        int    `yaml:"retry_count" json:"retryCount"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms" json:"retryBackoffMs"`
	RetryMaxBackoffMs int    `yaml:"retry_max_backoff_ms" json:"retryMaxBackoffMs"`
	Timeout           int    `yaml:"timeout" json:"timeout"` // seconds
	MinPartSize       int64  `yaml:"min_part_size" json:"minPartSize"`
	MinSplitSize      int64  `yaml:"min_split_size" json:"minSplitSize"`
	MaxParts          int    `yaml:"max_parts" json:"maxParts"`
	UserAgent         string `yaml:"user_agent" json:"userAgent"`
	MaxBytesPerSecond int64  `yaml:"max_bytes_per_second" json:"maxBytesPerSecond"` // 0 = unlimited
	PauseTimeoutMs    int    `yaml:"pause_timeout_ms" json:"pauseTimeoutMs"`
	ProgressInterval  int    `yaml:"progress_interval_ms" json:"progressIntervalMs"`
	AutoResume        bool   `yaml:"auto_resume" json:"autoResume"`
	CheckDiskSpace    bool   `yaml:"check_disk_space" json:"checkDiskSpace"`
}

// ModelRepoConfig contains model repository configuration
type ModelRepoConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"` // huggingface.co or hf-mirror.com
	Token    string `yaml:"token" json:"token"`       // HuggingFace API token
	Timeout  int    `yaml:"timeout" json:"timeout"`   // seconds
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	APIKeyEnabled  bool     `yaml:"api_key_enabled" json:"apiKeyEnabled"`
	APIKey         string   `yaml:"api_key" json:"apiKey"`
	CORSEnabled    bool     `yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level     string `yaml:"level" json:"level"`         // debug, info, warn, error
	Format    string `yaml:"format" json:"format"`       // json, text
	Output    string `yaml:"output" json:"output"`       // stdout, file, both
	Directory string `yaml:"directory" json:"directory"` // log directory
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	// Get current working directory or use default
	cwd, _ := os.Getwd()
	downloadDir := filepath.Join(cwd, "downloads")
	logDir := filepath.Join(cwd, "logs")

	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			WebPort:      9190,
			ReadTimeout:  60,
			WriteTimeout: 0,
		},
		Download: DownloadConfig{
			Directory:         downloadDir,
			MaxConcurrent:     4,
			ChunkSize:         1024 * 1024, // 1MB
			RetryCount:        5,
			RetryBackoffMs:    200,
			RetryMaxBackoffMs: 5000,
			Timeout:           60,
			MinPartSize:       8 * 1024 * 1024,
			MinSplitSize:      16 * 1024 * 1024,
			MaxParts:          8,
			PauseTimeoutMs:    5000,
			ProgressInterval:  500,
			AutoResume:        false,
			CheckDiskSpace:    true,
		},
		ModelRepo: ModelRepoConfig{
			Endpoint: "huggingface.co",
			Token:    "",
			Timeout:  30,
		},
		Security: SecurityConfig{
			APIKeyEnabled:  false,
			APIKey:         "",
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Directory: logDir,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "fetch.db"),
				EnableWAL: true,
				Pragmas: map[string]string{
					"cache_size": "-16000", // 16MB cache
				},
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.WebPort < 1 || c.Server.WebPort > 65535 {
		return fmt.Errorf("invalid web port: %d", c.Server.WebPort)
	}

	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}
	if c.Download.ChunkSize < 1024 {
		return fmt.Errorf("chunk size too small (minimum 1024 bytes)")
	}
	if c.Download.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	if c.Download.MaxParts < 0 {
		return fmt.Errorf("max parts cannot be negative")
	}
	if c.Download.MinPartSize < 0 || c.Download.MinSplitSize < 0 {
		return fmt.Errorf("part sizes cannot be negative")
	}
	if c.Download.MaxBytesPerSecond < 0 {
		return fmt.Errorf("bandwidth limit cannot be negative")
	}

	if c.Security.APIKeyEnabled && c.Security.APIKey == "" {
		return fmt.Errorf("API key enabled but no key configured")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	validOutputs := map[string]bool{"stdout": true, "file": true, "both": true, "": true}
	if !validOutputs[c.Log.Output] {
		return fmt.Errorf("invalid log output: %s (must be stdout, file, or both)", c.Log.Output)
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("SHEPHERD_FETCH_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// EnsureConfigDir ensures the configuration directory exists
func EnsureConfigDir() error {
	configDir := GetConfigDir()
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return nil
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		configPath: filepath.Join(GetConfigDir(), DefaultConfigFile),
	}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
