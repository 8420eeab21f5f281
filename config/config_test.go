package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("CHATX_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if cfgPath != filepath.Join(dataDir, "config.json") {
		t.Fatalf("unexpected config path %q", cfgPath)
	}
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("expected config file on disk: %v", err)
	}

	if cfg.DisplayName == "" {
		t.Fatalf("expected a default display name")
	}
	if cfg.ServerPort != DefaultServerPort {
		t.Fatalf("expected default server port %d, got %d", DefaultServerPort, cfg.ServerPort)
	}
	if cfg.TCPPortFrom != DefaultTCPPortFrom || cfg.TCPPortTo != DefaultTCPPortTo {
		t.Fatalf("unexpected TCP port range %d-%d", cfg.TCPPortFrom, cfg.TCPPortTo)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, cfg.ChunkSize)
	}
	if cfg.HeartbeatInterval() != time.Duration(DefaultHeartbeatSeconds)*time.Second {
		t.Fatalf("unexpected heartbeat interval %v", cfg.HeartbeatInterval())
	}
	if cfg.DownloadDir == "" {
		t.Fatalf("expected a default download dir")
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadPreservesUserValues(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("CHATX_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	cfg.DisplayName = "alice"
	cfg.ChunkSize = 4096
	if err := Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DisplayName != "alice" {
		t.Fatalf("expected display name alice, got %q", loaded.DisplayName)
	}
	if loaded.ChunkSize != 4096 {
		t.Fatalf("expected chunk size 4096, got %d", loaded.ChunkSize)
	}
}

func TestValidateRejectsInvertedRanges(t *testing.T) {
	cfg := &ClientConfig{
		DisplayName:     "alice",
		TCPPortFrom:     6100,
		TCPPortTo:       6000,
		UDPPortFrom:     7000,
		UDPPortTo:       7099,
		ChunkSize:       DefaultChunkSize,
		MaxChunkRetries: DefaultMaxChunkRetries,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected inverted TCP range to fail validation")
	}
}
