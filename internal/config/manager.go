package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables applied on top of the file by Load. They are never
// written back by Save.
const (
	EnvDownloadDir = "SHEPHERD_FETCH_DOWNLOAD_DIR"
	EnvPort        = "SHEPHERD_FETCH_PORT"
	EnvAPIKey      = "SHEPHERD_FETCH_API_KEY"
	EnvHFToken     = "HF_TOKEN"
)

// Load reads the configuration file, writing a default one first when it
// does not exist. Keys missing from the file keep their default values.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := DefaultConfig()
	data, err := os.ReadFile(m.configPath)
	switch {
	case os.IsNotExist(err):
		if err := m.write(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m.config = cfg
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if dir := os.Getenv(EnvDownloadDir); dir != "" {
		cfg.Download.Directory = dir
	}
	if raw := os.Getenv(EnvPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, raw, err)
		}
		cfg.Server.WebPort = port
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.Security.APIKeyEnabled = true
		cfg.Security.APIKey = key
	}
	if token := os.Getenv(EnvHFToken); token != "" && cfg.ModelRepo.Token == "" {
		cfg.ModelRepo.Token = token
	}
	return nil
}

// Save validates cfg and replaces the configuration file atomically
func (m *Manager) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(cfg); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// write marshals cfg to a temp file next to the config and renames it over
func (m *Manager) write(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Get returns a copy of the loaded configuration, or the defaults before
// the first Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}
	cfg := *m.config
	return &cfg
}

func (m *Manager) modTime() (time.Time, error) {
	info, err := os.Stat(m.configPath)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WatchConfig polls the config file every interval and reloads it when its
// modification time moves forward. It returns when stop is closed.
func (m *Manager) WatchConfig(interval time.Duration, stop <-chan struct{}, onChange func(*Config, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last, _ := m.modTime()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		current, err := m.modTime()
		if err != nil {
			onChange(nil, err)
			continue
		}
		if !current.After(last) {
			continue
		}
		last = current
		onChange(m.Load())
	}
}
