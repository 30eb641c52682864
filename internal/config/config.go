package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Content  ContentConfig  `toml:"content"`
	Cloud    CloudConfig    `toml:"cloud"`
	NFC      NFCConfig      `toml:"nfc"`
	Playback PlaybackConfig `toml:"playback"`
	Controls ControlsConfig `toml:"controls"`
	Power    PowerConfig    `toml:"power"`
	Logging  LoggingConfig  `toml:"logging"`
	Retained RetainedConfig `toml:"retained"`
}

// ServerConfig contains the local control API configuration
type ServerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	EnableCORS  bool   `toml:"enable_cors"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// DatabaseConfig contains the library database configuration
type DatabaseConfig struct {
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections"`
}

// ContentConfig contains the asset storage configuration
type ContentConfig struct {
	Root            string `toml:"root"`
	WatchForChanges bool   `toml:"watch_for_changes"`
	ScanOnStartup   bool   `toml:"scan_on_startup"`
}

// CloudConfig contains the content server configuration
type CloudConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	CACert             string `toml:"ca_cert"`
	ClientCert         string `toml:"client_cert"`
	ClientKey          string `toml:"client_key"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	QueueSize          int    `toml:"queue_size"`
	ConnectTimeoutMs   int    `toml:"connect_timeout_ms"`
	LockTimeoutMs      int    `toml:"lock_timeout_ms"`
	ChunkSize          int    `toml:"chunk_size"`
}

// NFCConfig contains the tag reader configuration
type NFCConfig struct {
	SearchIntervalMs int `toml:"search_interval_ms"`
	TagPollMs        int `toml:"tag_poll_ms"`
	Retries          int `toml:"retries"`
	TokenDelayMs     int `toml:"token_delay_ms"`
}

// PlaybackConfig contains the orchestrator configuration
type PlaybackConfig struct {
	QueueSize           int    `toml:"queue_size"`
	MinDownloadFrames   int    `toml:"min_download_frames"`
	DownloadWaitSeconds int    `toml:"download_wait_seconds"`
	StartupSound        bool   `toml:"startup_sound"`
	Output              string `toml:"output"`            // file or FIFO receiving the stream, empty discards
	OutputRate          int    `toml:"output_rate_bytes"` // bytes per second, 0 is unthrottled
}

// ControlsConfig contains the volume and gesture configuration
type ControlsConfig struct {
	VolumeStep      int `toml:"volume_step"`
	AccelSeekFrames int `toml:"accel_seek_frames"`
	AccelSeekRepeat int `toml:"accel_seek_repeat"`
	AccelTiltAngle  int `toml:"accel_tilt_angle"`
}

// PowerConfig contains the inactivity power-off configuration
type PowerConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	MaxSizeMB      int    `toml:"max_size_mb"`
	MaxBackups     int    `toml:"max_backups"`
	RequestLogging bool   `toml:"request_logging"`
}

// RetainedConfig contains the resume record location
type RetainedConfig struct {
	Path string `toml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:     true,
			Port:        "8080",
			Host:        "127.0.0.1",
			EnableCORS:  false,
			ReadTimeout: 30,
		},
		Database: DatabaseConfig{
			Path:           "./teddybox.db",
			MaxConnections: 5,
		},
		Content: ContentConfig{
			Root:            "./sdcard",
			WatchForChanges: true,
			ScanOnStartup:   true,
		},
		Cloud: CloudConfig{
			Host:             "prod.de.tbs.toys",
			Port:             443,
			QueueSize:        4,
			ConnectTimeoutMs: 10000,
			LockTimeoutMs:    1000,
			ChunkSize:        512,
		},
		NFC: NFCConfig{
			SearchIntervalMs: 100,
			TagPollMs:        250,
			Retries:          3,
			TokenDelayMs:     1000,
		},
		Playback: PlaybackConfig{
			QueueSize:           10,
			MinDownloadFrames:   20,
			DownloadWaitSeconds: 30,
			StartupSound:        true,
			OutputRate:          16000,
		},
		Controls: ControlsConfig{
			VolumeStep:      10,
			AccelSeekFrames: 5,
			AccelSeekRepeat: 10,
			AccelTiltAngle:  30,
		},
		Power: PowerConfig{
			IdleTimeoutSeconds: 600,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			MaxSizeMB:      5,
			MaxBackups:     2,
			RequestLogging: true,
		},
		Retained: RetainedConfig{
			Path: "./retained.bin",
		},
	}
}

// LoadConfig loads configuration from a TOML file, then applies environment
// overrides (optionally read from a .env file next to the binary)
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	cfg.applyEnv()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides selected values from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("TEDDYBOX_CLOUD_HOST"); v != "" {
		c.Cloud.Host = v
	}
	if v := os.Getenv("TEDDYBOX_CONTENT_ROOT"); v != "" {
		c.Content.Root = v
	}
	if v := os.Getenv("TEDDYBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create or open file
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// Write header comment
	header := `# teddybox configuration
# Edit the values below to customize the player.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	// Encode configuration to TOML
	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Enabled {
		if c.Server.Port == "" {
			return fmt.Errorf("server port cannot be empty")
		}
		if c.Server.Host == "" {
			return fmt.Errorf("server host cannot be empty")
		}
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	if c.Content.Root == "" {
		return fmt.Errorf("content root cannot be empty")
	}

	// Validate cloud config
	if c.Cloud.Host == "" {
		return fmt.Errorf("cloud host cannot be empty")
	}
	if c.Cloud.Port < 1 || c.Cloud.Port > 65535 {
		return fmt.Errorf("invalid cloud port: %d", c.Cloud.Port)
	}
	if c.Cloud.QueueSize < 1 {
		return fmt.Errorf("cloud queue size must be at least 1")
	}
	if c.Cloud.LockTimeoutMs < 1 {
		return fmt.Errorf("cloud lock timeout must be positive")
	}
	if c.Cloud.ChunkSize < 1 {
		return fmt.Errorf("cloud chunk size must be positive")
	}

	if c.NFC.Retries < 0 {
		return fmt.Errorf("nfc retries cannot be negative")
	}
	if c.NFC.TagPollMs < 1 || c.NFC.SearchIntervalMs < 1 {
		return fmt.Errorf("nfc poll intervals must be positive")
	}

	// Validate playback config
	if c.Playback.QueueSize < 1 {
		return fmt.Errorf("playback queue size must be at least 1")
	}
	if c.Playback.MinDownloadFrames < 0 {
		return fmt.Errorf("min download frames cannot be negative")
	}
	if c.Playback.DownloadWaitSeconds < 1 {
		return fmt.Errorf("download wait must be at least one second")
	}
	if c.Playback.OutputRate < 0 {
		return fmt.Errorf("output rate cannot be negative")
	}

	if c.Controls.VolumeStep < 1 || c.Controls.VolumeStep > 100 {
		return fmt.Errorf("volume step must be between 1 and 100")
	}

	if c.Retained.Path == "" {
		return fmt.Errorf("retained record path cannot be empty")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// CloudAddress returns host:port of the content server
func (c *Config) CloudAddress() string {
	return fmt.Sprintf("%s:%d", c.Cloud.Host, c.Cloud.Port)
}

// LockTimeout returns the bounded wait for the download file lock
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Cloud.LockTimeoutMs) * time.Millisecond
}

// DownloadWait returns the bound on waiting for a download to buffer ahead
func (c *Config) DownloadWait() time.Duration {
	return time.Duration(c.Playback.DownloadWaitSeconds) * time.Second
}

// TokenDelay returns the grace period between the uid and token requests
func (c *Config) TokenDelay() time.Duration {
	return time.Duration(c.NFC.TokenDelayMs) * time.Millisecond
}

// IdleTimeout returns the inactivity power-off interval
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Power.IdleTimeoutSeconds) * time.Second
}
