// Package config provides configuration management for the operator console
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SlotCount is the number of fixed camera slots on the console.
const SlotCount = 3

// Config represents the main console configuration
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	Bus         BusConfig         `yaml:"bus"`
	Storage     StorageConfig     `yaml:"storage"`
	Cameras     []SlotConfig      `yaml:"cameras"`
	Frame       FrameConfig       `yaml:"frame"`
	Actuator    ActuatorConfig    `yaml:"actuator"`
	Detection   DetectionConfig   `yaml:"detection"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// BusConfig holds embedded message bus settings
type BusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds on-disk data locations
type StorageConfig struct {
	DataPath     string `yaml:"data_path"`
	CapturesPath string `yaml:"captures_path,omitempty"`
}

// SlotConfig holds configuration for one camera slot
type SlotConfig struct {
	Slot      int    `yaml:"slot" json:"slot"`
	Name      string `yaml:"name" json:"name"`
	DeviceURL string `yaml:"device_url" json:"device_url"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// FrameConfig holds frame pump settings
type FrameConfig struct {
	Width      int `yaml:"width"`
	Height     int `yaml:"height"`
	IntervalMS int `yaml:"interval_ms"` // one frame interval; bounds render waits
}

// Interval returns the frame interval as a duration.
func (f FrameConfig) Interval() time.Duration {
	return time.Duration(f.IntervalMS) * time.Millisecond
}

// ActuatorConfig holds motion-controller client settings
type ActuatorConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DetectionConfig holds reference-point detector settings
type DetectionConfig struct {
	URL            string  `yaml:"url,omitempty"` // empty: built-in centroid detector
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MinConfidence  float64 `yaml:"min_confidence,omitempty"`
}

// CalibrationConfig holds calibration session policy
type CalibrationConfig struct {
	MaxRetries     int  `yaml:"max_retries"`     // detection failures per cell before Failed
	SettleDelayMS  int  `yaml:"settle_delay_ms"` // wait after actuator move before capture
	CaptureTimeout int  `yaml:"capture_timeout"` // seconds per capture step
	ArchiveFrames  bool `yaml:"archive_frames"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level       string `yaml:"level"`
	BufferLines int    `yaml:"buffer_lines"` // status sink retention
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:     c.Version,
		Server:      c.Server,
		Bus:         c.Bus,
		Storage:     c.Storage,
		Cameras:     c.Cameras,
		Frame:       c.Frame,
		Actuator:    c.Actuator,
		Detection:   c.Detection,
		Calibration: c.Calibration,
		Logging:     c.Logging,
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Operator Console Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.Server = newCfg.Server
	c.Bus = newCfg.Bus
	c.Storage = newCfg.Storage
	c.Cameras = newCfg.Cameras
	c.Frame = newCfg.Frame
	c.Actuator = newCfg.Actuator
	c.Detection = newCfg.Detection
	c.Calibration = newCfg.Calibration
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// GetSlot returns the configuration for a camera slot, or nil if the slot
// is outside the fixed set or not configured.
func (c *Config) GetSlot(slot int) *SlotConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].Slot == slot {
			return &c.Cameras[i]
		}
	}
	return nil
}

// UpsertSlot adds or updates a camera slot configuration
func (c *Config) UpsertSlot(sc SlotConfig) error {
	if sc.Slot < 0 || sc.Slot >= SlotCount {
		return fmt.Errorf("slot out of range: %d", sc.Slot)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].Slot == sc.Slot {
			c.Cameras[i] = sc
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, sc)
	return c.saveUnlocked()
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Path returns the config file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Bus.Host == "" {
		c.Bus.Host = "127.0.0.1"
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = 12011
	}
	if c.Storage.DataPath == "" {
		c.Storage.DataPath = "/data"
	}
	if c.Storage.CapturesPath == "" {
		c.Storage.CapturesPath = c.Storage.DataPath + "/captures"
	}
	if len(c.Cameras) == 0 {
		for i := 0; i < SlotCount; i++ {
			c.Cameras = append(c.Cameras, SlotConfig{
				Slot:    i,
				Name:    fmt.Sprintf("camera-%d", i),
				Enabled: true,
			})
		}
	}
	if c.Frame.Width == 0 {
		c.Frame.Width = 640
	}
	if c.Frame.Height == 0 {
		c.Frame.Height = 480
	}
	if c.Frame.IntervalMS == 0 {
		c.Frame.IntervalMS = 33
	}
	if c.Actuator.TimeoutSeconds == 0 {
		c.Actuator.TimeoutSeconds = 10
	}
	if c.Detection.TimeoutSeconds == 0 {
		c.Detection.TimeoutSeconds = 10
	}
	if c.Calibration.MaxRetries == 0 {
		c.Calibration.MaxRetries = 3
	}
	if c.Calibration.SettleDelayMS == 0 {
		c.Calibration.SettleDelayMS = 250
	}
	if c.Calibration.CaptureTimeout == 0 {
		c.Calibration.CaptureTimeout = 15
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.BufferLines == 0 {
		c.Logging.BufferLines = 500
	}
}
