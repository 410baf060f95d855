package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCHAT_DATA_DIR", tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.Username == "" {
		t.Fatalf("expected non-empty username")
	}
	if firstCfg.ServerAddress != DefaultServerAddress {
		t.Fatalf("expected default server address, got %q", firstCfg.ServerAddress)
	}
	if firstCfg.P2PPort != DefaultP2PPort {
		t.Fatalf("expected default p2p port, got %d", firstCfg.P2PPort)
	}
	if firstCfg.DownloadsDir != DownloadsPath(tempDir) {
		t.Fatalf("expected downloads dir under data dir, got %q", firstCfg.DownloadsDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.Username != firstCfg.Username {
		t.Fatalf("expected stable username, got %q then %q", firstCfg.Username, secondCfg.Username)
	}
	if secondCfg.DownloadsDir != firstCfg.DownloadsDir {
		t.Fatalf("expected stable downloads dir, got %q then %q", firstCfg.DownloadsDir, secondCfg.DownloadsDir)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEERCHAT_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &NodeConfig{
		Username: "alice",
		P2PPort:  -1,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Username != "alice" {
		t.Fatalf("expected explicit username to be retained, got %q", cfg.Username)
	}
	if cfg.P2PPort != DefaultP2PPort {
		t.Fatalf("expected invalid port to normalize to default, got %d", cfg.P2PPort)
	}
	if cfg.ServerAddress != DefaultServerAddress {
		t.Fatalf("expected server address to normalize to default, got %q", cfg.ServerAddress)
	}
	if cfg.DownloadsDir != DownloadsPath(tempDir) {
		t.Fatalf("expected downloads dir to normalize under data dir, got %q", cfg.DownloadsDir)
	}
}

func TestRetryIntervalAccessors(t *testing.T) {
	cfg := &NodeConfig{MessageRetrySeconds: 45, FileRetrySeconds: 0}
	if got := cfg.MessageRetryInterval(); got != 45*time.Second {
		t.Fatalf("expected 45s message retry interval, got %s", got)
	}
	if got := cfg.FileRetryInterval(); got != 0 {
		t.Fatalf("expected zero file retry interval for unset value, got %s", got)
	}
}
