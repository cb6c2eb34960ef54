// Package config loads the optional YAML settings shared by the host tools.
package config

import (
	"fmt"
	"time"

	"github.com/arduino/go-paths-helper"
	semver "go.bug.st/relaxed-semver"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/serial-bootloader/internal/flash"
	"github.com/bigbag/serial-bootloader/internal/protocol"
)

// Log selects where and how logs are written.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Emulator holds the bootsim settings.
type Emulator struct {
	Serial  string `yaml:"serial"`
	Baud    int    `yaml:"baud"`
	TCP     string `yaml:"tcp"`
	Image   string `yaml:"image"`
	BootPin bool   `yaml:"boot_pin"`
	Magic   bool   `yaml:"magic"`
	Debug   bool   `yaml:"debug"`
	ClockHz uint32 `yaml:"clock_hz"`
}

// Config is the file layout. Command line flags override every field.
type Config struct {
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	Profile string `yaml:"profile"`

	ChunkSize       int           `yaml:"chunk_size"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	EraseTimeout    time.Duration `yaml:"erase_timeout"`

	// ProfilesFile replaces the built-in profile table.
	ProfilesFile string `yaml:"profiles_file"`

	// MinVersion rejects bootloaders older than this version.
	MinVersion string `yaml:"min_version"`

	Log      Log      `yaml:"log"`
	Emulator Emulator `yaml:"emulator"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		Baud:            protocol.DefaultBaudRate,
		Profile:         flash.DefaultProfile,
		ChunkSize:       protocol.DefaultChunkSize,
		ConnectAttempts: 10,
		ConnectInterval: 100 * time.Millisecond,
		ReplyTimeout:    2 * time.Second,
		EraseTimeout:    10 * time.Second,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Emulator: Emulator{
			Baud:    protocol.DefaultBaudRate,
			ClockHz: 72000000,
		},
	}
}

// Load reads path over the defaults. A nil or empty path yields the defaults.
func Load(path *paths.Path) (*Config, error) {
	cfg := Default()
	if path == nil || path.String() == "" {
		return cfg, nil
	}

	data, err := path.ReadFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a transfer.
func (c *Config) Validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > protocol.MaxDataSize || c.ChunkSize%flash.WordSize != 0 {
		return fmt.Errorf("chunk size %d must be a multiple of %d up to %d", c.ChunkSize, flash.WordSize, protocol.MaxDataSize)
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect attempts must be positive")
	}
	if c.MinVersion != "" {
		if _, err := semver.Parse(c.MinVersion); err != nil {
			return fmt.Errorf("invalid minimum version %q: %w", c.MinVersion, err)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Profiles returns the profile table: the configured file, or the built-in
// one.
func (c *Config) Profiles() (flash.Profiles, error) {
	if c.ProfilesFile == "" {
		return flash.BuiltinProfiles()
	}
	data, err := paths.New(c.ProfilesFile).ReadFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	return flash.ParseProfiles(data)
}
