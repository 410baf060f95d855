// Package config persists local node settings as JSON under an OS-aware
// data directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerchat"
	// DefaultP2PPort is the TCP port peers dial for chat and transfers.
	DefaultP2PPort = 9999
	// DefaultServerAddress is the rendezvous directory server address.
	DefaultServerAddress = "127.0.0.1:9090"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NodeConfig contains persistent local node settings.
type NodeConfig struct {
	Username        string `json:"username"`
	ServerAddress   string `json:"server_address"`
	P2PPort         int    `json:"p2p_port"`
	DownloadsDir    string `json:"downloads_dir"`
	EnableDiscovery bool   `json:"enable_discovery"`

	// Retry intervals in seconds; zero means the built-in defaults.
	MessageRetrySeconds int `json:"message_retry_seconds"`
	FileRetrySeconds    int `json:"file_retry_seconds"`
}

// MessageRetryInterval returns the configured message scan period.
func (c *NodeConfig) MessageRetryInterval() time.Duration {
	if c.MessageRetrySeconds <= 0 {
		return 0
	}
	return time.Duration(c.MessageRetrySeconds) * time.Second
}

// FileRetryInterval returns the configured file scan period.
func (c *NodeConfig) FileRetryInterval() time.Duration {
	if c.FileRetrySeconds <= 0 {
		return 0
	}
	return time.Duration(c.FileRetrySeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PEERCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DownloadsPath returns the default received-files directory for a data
// directory.
func DownloadsPath(dataDir string) string {
	return filepath.Join(dataDir, "downloads")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		DownloadsPath(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config, its path, and the data directory.
func LoadOrCreate() (*NodeConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	username := "peerchat-user"
	if host, err := os.Hostname(); err == nil && host != "" {
		username = host
	}

	return &NodeConfig{
		Username:        username,
		ServerAddress:   DefaultServerAddress,
		P2PPort:         DefaultP2PPort,
		DownloadsDir:    DownloadsPath(dataDir),
		EnableDiscovery: true,
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.Username == "" {
		username := "peerchat-user"
		if host, err := os.Hostname(); err == nil && host != "" {
			username = host
		}
		cfg.Username = username
		updated = true
	}

	if cfg.ServerAddress == "" {
		cfg.ServerAddress = DefaultServerAddress
		updated = true
	}

	if cfg.P2PPort <= 0 {
		cfg.P2PPort = DefaultP2PPort
		updated = true
	}

	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = DownloadsPath(dataDir)
		updated = true
	}

	if cfg.MessageRetrySeconds < 0 {
		cfg.MessageRetrySeconds = 0
		updated = true
	}
	if cfg.FileRetrySeconds < 0 {
		cfg.FileRetrySeconds = 0
		updated = true
	}

	return updated
}
