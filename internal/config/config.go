// Package config provides configuration management for mediasync.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Config is the configuration contract between the CLI and the transfer
// core. One file, INI format:
//
//	[device]
//	host = 192.168.42.1
//	port = 8080
//	connect_timeout_seconds = 10
//	keep_alive = true
//
//	[server]
//	host = ingest.example.com
//	port = 9000
//	keep_alive = true
//
//	[transfer]
//	media_dir = /data/media
//	chunk_size = 65536
//
//	[notifications]
//	enabled = true
//
// File location: ~/.config/mediasync/config
type Config struct {
	Device        DeviceConfig
	Server        ServerConfig
	Transfer      TransferConfig
	Notifications NotificationConfig
}

// DeviceConfig describes the capture-device link.
type DeviceConfig struct {
	// Host is the device's address on its hotspot network
	Host string `ini:"host"`

	// Port for the device's media HTTP endpoint
	Port int `ini:"port"`

	// ConnectTimeoutSeconds bounds the initial dial
	ConnectTimeoutSeconds int `ini:"connect_timeout_seconds"`

	// KeepAlive enables TCP keepalive on the persistent connection
	KeepAlive bool `ini:"keep_alive"`
}

// ServerConfig describes the processing-server link.
type ServerConfig struct {
	Host                  string `ini:"host"`
	Port                  int    `ini:"port"`
	ConnectTimeoutSeconds int    `ini:"connect_timeout_seconds"`
	KeepAlive             bool   `ini:"keep_alive"`
}

// TransferConfig holds local storage settings.
type TransferConfig struct {
	// MediaDir is where downloaded media lands and uploads are read from
	MediaDir string `ini:"media_dir"`

	// ChunkSize overrides the streaming chunk size; 0 uses the default
	ChunkSize int `ini:"chunk_size"`
}

// NotificationConfig contains settings for desktop notifications.
type NotificationConfig struct {
	// Enabled indicates whether failure notifications are shown.
	// Default: true
	Enabled bool `ini:"enabled"`
}

// DefaultConfig returns a config with sensible defaults. The device host
// default matches the hotspot address most capture devices hand out.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Device: DeviceConfig{
			Host:                  "192.168.42.1",
			Port:                  8080,
			ConnectTimeoutSeconds: 10,
			KeepAlive:             true,
		},
		Server: ServerConfig{
			Port:                  9000,
			ConnectTimeoutSeconds: 10,
			KeepAlive:             true,
		},
		Transfer: TransferConfig{
			MediaDir: filepath.Join(home, "mediasync"),
		},
		Notifications: NotificationConfig{
			Enabled: true,
		},
	}
}

// ConfigPath returns the platform config file path.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mediasync", "config"), nil
}

// Load reads configuration from the given path. Missing file is not an
// error: defaults are returned so a fresh install works without setup.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := file.Section("device").MapTo(&cfg.Device); err != nil {
		return nil, fmt.Errorf("parse [device]: %w", err)
	}
	if err := file.Section("server").MapTo(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parse [server]: %w", err)
	}
	if err := file.Section("transfer").MapTo(&cfg.Transfer); err != nil {
		return nil, fmt.Errorf("parse [transfer]: %w", err)
	}
	if err := file.Section("notifications").MapTo(&cfg.Notifications); err != nil {
		return nil, fmt.Errorf("parse [notifications]: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads configuration from the standard location.
func LoadDefault() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating parent
// directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	file := ini.Empty()
	if err := file.Section("device").ReflectFrom(&cfg.Device); err != nil {
		return fmt.Errorf("encode [device]: %w", err)
	}
	if err := file.Section("server").ReflectFrom(&cfg.Server); err != nil {
		return fmt.Errorf("encode [server]: %w", err)
	}
	if err := file.Section("transfer").ReflectFrom(&cfg.Transfer); err != nil {
		return fmt.Errorf("encode [transfer]: %w", err)
	}
	if err := file.Section("notifications").ReflectFrom(&cfg.Notifications); err != nil {
		return fmt.Errorf("encode [notifications]: %w", err)
	}

	if err := file.SaveTo(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is usable for a sync run.
func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return fmt.Errorf("device host is required")
	}
	if c.Device.Port <= 0 || c.Device.Port > 65535 {
		return fmt.Errorf("device port %d out of range", c.Device.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Transfer.MediaDir == "" {
		return fmt.Errorf("media directory is required")
	}
	return nil
}
