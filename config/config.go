package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatx"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	// DefaultServerHost is the discovery server host.
	DefaultServerHost = "127.0.0.1"
	// DefaultServerPort is the discovery server port.
	DefaultServerPort = 5555
	// DefaultTCPPortFrom and DefaultTCPPortTo bound the chat port range.
	DefaultTCPPortFrom = 6000
	DefaultTCPPortTo   = 6099
	// DefaultUDPPortFrom and DefaultUDPPortTo bound the file port range.
	DefaultUDPPortFrom = 7000
	DefaultUDPPortTo   = 7099
	// DefaultHeartbeatSeconds is the registry heartbeat interval.
	DefaultHeartbeatSeconds = 5
	// DefaultChunkSize is the file transfer chunk size (64 KiB).
	DefaultChunkSize = 64 * 1024
	// DefaultAckTimeoutMillis bounds the wait for one chunk acknowledgement.
	DefaultAckTimeoutMillis = 2000
	// DefaultMaxChunkRetries is the per-chunk retransmission budget.
	DefaultMaxChunkRetries = 5
)

// ClientConfig contains all settings a client instance consumes. The core
// treats it as read-only; ownership of loading and editing sits with the
// startup collaborator.
type ClientConfig struct {
	DisplayName string `json:"display_name"`

	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`

	TCPPortFrom int `json:"tcp_port_from"`
	TCPPortTo   int `json:"tcp_port_to"`
	UDPPortFrom int `json:"udp_port_from"`
	UDPPortTo   int `json:"udp_port_to"`

	HeartbeatSeconds int `json:"heartbeat_seconds"`

	ChunkSize        int    `json:"chunk_size"`
	AckTimeoutMillis int    `json:"ack_timeout_millis"`
	MaxChunkRetries  int    `json:"max_chunk_retries"`
	DownloadDir      string `json:"download_dir"`

	EnableMDNS bool   `json:"enable_mdns"`
	LogLevel   string `json:"log_level"`
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// AckTimeout returns the per-chunk acknowledgement timeout as a duration.
func (c *ClientConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMillis) * time.Millisecond
}

// ResolveDataDir returns the app data directory.
//
// If CHATX_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHATX_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, ".config", AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
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

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &ClientConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

// Validate rejects configurations the core cannot run with.
func (c *ClientConfig) Validate() error {
	if c.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if c.TCPPortFrom > c.TCPPortTo || c.UDPPortFrom > c.UDPPortTo {
		return errors.New("port range bounds are inverted")
	}
	if c.ChunkSize <= 0 {
		return errors.New("chunk_size must be positive")
	}
	if c.MaxChunkRetries <= 0 {
		return errors.New("max_chunk_retries must be positive")
	}
	return nil
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.DisplayName == "" {
		name := "chatx-user"
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		}
		cfg.DisplayName = name
		updated = true
	}
	if cfg.ServerHost == "" {
		cfg.ServerHost = DefaultServerHost
		updated = true
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultServerPort
		updated = true
	}
	if cfg.TCPPortFrom == 0 && cfg.TCPPortTo == 0 {
		cfg.TCPPortFrom = DefaultTCPPortFrom
		cfg.TCPPortTo = DefaultTCPPortTo
		updated = true
	}
	if cfg.UDPPortFrom == 0 && cfg.UDPPortTo == 0 {
		cfg.UDPPortFrom = DefaultUDPPortFrom
		cfg.UDPPortTo = DefaultUDPPortTo
		updated = true
	}
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = DefaultHeartbeatSeconds
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.AckTimeoutMillis <= 0 {
		cfg.AckTimeoutMillis = DefaultAckTimeoutMillis
		updated = true
	}
	if cfg.MaxChunkRetries <= 0 {
		cfg.MaxChunkRetries = DefaultMaxChunkRetries
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}
