package config

import (
	"testing"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/serial-bootloader/internal/flash"
)

func writeFile(t *testing.T, name, content string) *paths.Path {
	t.Helper()
	p := paths.New(t.TempDir()).Join(name)
	require.NoError(t, p.WriteFile([]byte(content)))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
	require.Equal(t, flash.DefaultProfile, cfg.Profile)
}

func TestLoad_File(t *testing.T) {
	p := writeFile(t, "bootloader.yaml", `
port: tcp://localhost:7000
baud: 57600
profile: stm32f103xb
chunk_size: 128
connect_interval: 250ms
erase_timeout: 30s
min_version: 0.1.5
log:
  level: debug
  format: json
emulator:
  tcp: ":7000"
  magic: true
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "tcp://localhost:7000", cfg.Port)
	require.Equal(t, 57600, cfg.Baud)
	require.Equal(t, "stm32f103xb", cfg.Profile)
	require.Equal(t, 128, cfg.ChunkSize)
	require.Equal(t, 250*time.Millisecond, cfg.ConnectInterval)
	require.Equal(t, 30*time.Second, cfg.EraseTimeout)
	require.Equal(t, 2*time.Second, cfg.ReplyTimeout, "unset fields keep defaults")
	require.Equal(t, "0.1.5", cfg.MinVersion)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, ":7000", cfg.Emulator.TCP)
	require.True(t, cfg.Emulator.Magic)
	require.Equal(t, uint32(72000000), cfg.Emulator.ClockHz)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "baud: [1"},
		{"baud", "baud: 0"},
		{"chunk too big", "chunk_size: 248"},
		{"chunk unaligned", "chunk_size: 30"},
		{"attempts", "connect_attempts: -1"},
		{"log format", "log: {format: xml}"},
		{"min version prefix", "min_version: v0.1.5"},
		{"min version word", "min_version: latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", tt.content))
			require.Error(t, err)
		})
	}

	_, err := Load(paths.New(t.TempDir()).Join("missing.yaml"))
	require.Error(t, err)
}

func TestProfiles(t *testing.T) {
	cfg := Default()
	profiles, err := cfg.Profiles()
	require.NoError(t, err)
	require.Contains(t, profiles, flash.DefaultProfile)

	cfg.ProfilesFile = writeFile(t, "profiles.yaml", `
profiles:
  tiny:
    flash_base: 0x08000000
    page_size: 0x400
    pages: 16
    bootloader_sectors: 4
    ram_start: 0x20000000
    ram_size: 0x1000
`).String()
	profiles, err = cfg.Profiles()
	require.NoError(t, err)
	_, layout, err := profiles.Lookup("tiny")
	require.NoError(t, err)
	require.Equal(t, uint32(0x08001000), layout.WritableStart())
}
