// Package config handles daemon configuration file management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration
type Config struct {
	// Network settings for the remote catalog
	Network NetworkConfig `toml:"network"`

	// Playback settings
	Playback PlaybackConfig `toml:"playback"`

	// Import settings for collection jobs
	Import ImportConfig `toml:"import"`

	// Logging settings
	Logging LoggingConfig `toml:"logging"`
}

// NetworkConfig contains catalog client settings
type NetworkConfig struct {
	// TimeoutSeconds is the per-request budget (default: 15)
	TimeoutSeconds int `toml:"timeout_seconds"`

	// Retries is how many attempts a transient failure gets (default: 3)
	Retries int `toml:"retries"`

	// RetryDelaySeconds is the initial backoff delay (default: 1)
	RetryDelaySeconds int `toml:"retry_delay_seconds"`

	// PageSize for collection listings (default: 20)
	PageSize int `toml:"page_size"`
}

// PlaybackConfig contains playback-related settings
type PlaybackConfig struct {
	// Mode is the startup play mode: sequential, shuffle, repeat or loop
	Mode string `toml:"mode"`
}

// ImportConfig contains import job settings
type ImportConfig struct {
	// Workers is the number of concurrent item resolutions (default: 5)
	Workers int `toml:"workers"`

	// ItemTimeoutSeconds is the budget per item resolution (default: 15)
	ItemTimeoutSeconds int `toml:"item_timeout_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn or error
	Level string `toml:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			TimeoutSeconds:    15,
			Retries:           3,
			RetryDelaySeconds: 1,
			PageSize:          20,
		},
		Playback: PlaybackConfig{
			Mode: "loop",
		},
		Import: ImportConfig{
			Workers:            5,
			ItemTimeoutSeconds: 15,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// NetworkTimeout returns the catalog request budget as a duration.
func (c *Config) NetworkTimeout() time.Duration {
	return time.Duration(c.Network.TimeoutSeconds) * time.Second
}

// RetryDelay returns the initial backoff delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Network.RetryDelaySeconds) * time.Second
}

// ItemTimeout returns the per-item import budget as a duration.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Import.ItemTimeoutSeconds) * time.Second
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.toml"),
		config:     DefaultConfig(),
	}
}

// DefaultDir returns the per-user configuration directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(base, "bilisong"), nil
}

// Load reads the configuration from disk, writing defaults on first run.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.config = DefaultConfig()
		return m.Save()
	}

	// Start with defaults so omitted keys keep their values
	config := DefaultConfig()
	if _, err := toml.DecodeFile(m.configPath, config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.config = config
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(m.config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

// PlaylistPath returns the path of the persisted playlist file.
func (m *Manager) PlaylistPath() string {
	return filepath.Join(m.configDir, "playlist.toml")
}

// Dir returns the configuration directory.
func (m *Manager) Dir() string {
	return m.configDir
}
