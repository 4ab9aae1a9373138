// Package config provides configuration management for the camera ingestion service
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ConfigError represents a configuration error
type ConfigError string

func (e ConfigError) Error() string { return string(e) }

const (
	// ErrConfigNotFound is returned when the configuration file does not exist
	ErrConfigNotFound = ConfigError("configuration file not found")
	// ErrCameraNotFound is returned when a camera id is not configured
	ErrCameraNotFound = ConfigError("camera not found")
)

// Camera acquisition modes
const (
	ModeStream  = "stream"
	ModePolling = "polling"
	ModeAuto    = "auto"
)

// Config represents the main configuration
type Config struct {
	Version        string         `yaml:"version"`
	System         SystemConfig   `yaml:"system"`
	StreamSettings StreamSettings `yaml:"stream_settings"`
	Cameras        []CameraConfig `yaml:"cameras"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	Logging  LoggingConfig  `yaml:"logging"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	Address            string   `yaml:"address"`
	CORSOrigins        []string `yaml:"cors_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// EventsConfig holds embedded event bus settings
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// StreamSettings holds the capture settings shared by all cameras
type StreamSettings struct {
	BufferSize        int    `yaml:"buffer_size" json:"buffer_size"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	ReconnectAttempts int    `yaml:"reconnect_attempts" json:"reconnect_attempts"`
	PollIntervalMS    int    `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	Backend           string `yaml:"backend" json:"backend"` // any, ffmpeg, gstreamer, mjpeg
}

// Timeout returns the network timeout as a duration
func (s StreamSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// PollInterval returns the snapshot polling interval as a duration
func (s StreamSettings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// CameraConfig holds configuration for a single camera.
// Zero-valued overrides inherit from StreamSettings.
type CameraConfig struct {
	ID       string `yaml:"camera_id" json:"camera_id"`
	URL      string `yaml:"url" json:"url"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Position string `yaml:"position,omitempty" json:"position,omitempty"`
	Mode     string `yaml:"mode,omitempty" json:"mode,omitempty"`

	BufferSize        int `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
	TimeoutSeconds    int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	ReconnectAttempts int `yaml:"reconnect_attempts,omitempty" json:"reconnect_attempts,omitempty"`
	PollIntervalMS    int `yaml:"poll_interval_ms,omitempty" json:"poll_interval_ms,omitempty"`
}

// Effective merges the camera overrides over the global settings
func (c CameraConfig) Effective(global StreamSettings) StreamSettings {
	s := global
	if c.BufferSize > 0 {
		s.BufferSize = c.BufferSize
	}
	if c.TimeoutSeconds > 0 {
		s.TimeoutSeconds = c.TimeoutSeconds
	}
	if c.ReconnectAttempts > 0 {
		s.ReconnectAttempts = c.ReconnectAttempts
	}
	if c.PollIntervalMS > 0 {
		s.PollIntervalMS = c.PollIntervalMS
	}
	return s
}

// DisplayName returns the name, or the id when no name is set
func (c CameraConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Default returns a configuration with every default applied and no cameras
func Default() *Config {
	cfg := &Config{}
	cfg.System.Events.Enabled = true
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file. A missing file is reported as
// ErrConfigNotFound.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	// events default to enabled unless the document says otherwise
	cfg.System.Events.Enabled = true
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks camera entries and stream settings. Every problem is
// reported in one joined error.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.StreamSettings.Backend) {
	case "any", "ffmpeg", "gstreamer", "mjpeg":
	default:
		errs = append(errs, fmt.Errorf("stream_settings.backend: unknown backend %q", c.StreamSettings.Backend))
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if err := ValidateCamera(cam); err != nil {
			errs = append(errs, fmt.Errorf("cameras[%d]: %w", i, err))
		}
		if cam.ID == "" {
			continue
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("cameras[%d]: duplicate camera_id %q", i, cam.ID))
		}
		seen[cam.ID] = true
	}

	return errors.Join(errs...)
}

// ValidateCamera checks a single camera entry
func ValidateCamera(cam CameraConfig) error {
	var errs []error
	if cam.ID == "" {
		errs = append(errs, errors.New("camera_id is required"))
	}
	if cam.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	switch cam.Mode {
	case "", ModeStream, ModePolling, ModeAuto:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", cam.Mode))
	}
	if cam.BufferSize < 0 || cam.TimeoutSeconds < 0 || cam.ReconnectAttempts < 0 || cam.PollIntervalMS < 0 {
		errs = append(errs, errors.New("overrides must not be negative"))
	}
	return errors.Join(errs...)
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.path == "" {
		return errors.New("config path is not set")
	}

	doc := struct {
		Version        string         `yaml:"version"`
		System         SystemConfig   `yaml:"system"`
		StreamSettings StreamSettings `yaml:"stream_settings"`
		Cameras        []CameraConfig `yaml:"cameras"`
	}{c.Version, c.System, c.StreamSettings, c.Cameras}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Wagon camera ingestion configuration\n# Cameras added through the API are written here\n\n"
	data = append([]byte(header), data...)

	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch reloads the file whenever it changes until stop is closed. Editors
// that replace the file are handled by watching the parent directory.
func (c *Config) Watch(stop <-chan struct{}) error {
	path := c.GetPath()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	name := filepath.Clean(path)
	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				c.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config, keeping previous", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.StreamSettings = newCfg.StreamSettings
	c.Cameras = newCfg.Cameras
	watchers := append([]func(*Config){}, c.watchers...)
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "cameras", len(newCfg.Cameras))

	for _, fn := range watchers {
		fn(c)
	}
}

// CameraList returns a copy of the configured cameras in file order
func (c *Config) CameraList() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CameraConfig(nil), c.Cameras...)
}

// Stream returns a copy of the global stream settings
func (c *Config) Stream() StreamSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StreamSettings
}

// GetCamera returns a copy of a camera by ID
func (c *Config) GetCamera(id string) (CameraConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// UpsertCamera adds or updates a camera and persists the file
func (c *Config) UpsertCamera(cam CameraConfig) error {
	if err := ValidateCamera(cam); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera by ID and persists the file
func (c *Config) RemoveCamera(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "Wagon Monitor"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Logging.File != "" {
		if c.System.Logging.MaxSizeMB == 0 {
			c.System.Logging.MaxSizeMB = 50
		}
		if c.System.Logging.MaxBackups == 0 {
			c.System.Logging.MaxBackups = 3
		}
		if c.System.Logging.MaxAgeDays == 0 {
			c.System.Logging.MaxAgeDays = 14
		}
	}
	if c.System.API.Address == "" {
		c.System.API.Address = "0.0.0.0:8000"
	}
	if len(c.System.API.CORSOrigins) == 0 {
		c.System.API.CORSOrigins = []string{"*"}
	}
	if c.System.API.RateLimitPerMinute == 0 {
		c.System.API.RateLimitPerMinute = 600
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = "/data/wagonwatch.db"
	}
	if c.System.Database.RetentionDays == 0 {
		c.System.Database.RetentionDays = 30
	}
	if c.System.Events.Host == "" {
		c.System.Events.Host = "127.0.0.1"
	}
	if c.System.Events.Port == 0 {
		c.System.Events.Port = 4222
	}

	s := &c.StreamSettings
	if s.BufferSize <= 0 {
		s.BufferSize = 10
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = 5
	}
	if s.ReconnectAttempts <= 0 {
		s.ReconnectAttempts = 3
	}
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = 33
	}
	if s.Backend == "" {
		s.Backend = "any"
	}

	for i := range c.Cameras {
		if c.Cameras[i].Mode == "" {
			c.Cameras[i].Mode = ModeStream
		}
	}
}
