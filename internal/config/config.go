package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultProfile string             `toml:"default_profile"`
	Relay          RelayConfig        `toml:"relay"`
	Storage        StorageConfig      `toml:"storage"`
	Presentation   PresentationConfig `toml:"presentation"`
	Outbox         OutboxConfig       `toml:"outbox"`
}

// RelayConfig locates the Redis relay carrying the backend streams.
type RelayConfig struct {
	Addr           string        `toml:"addr"`
	Password       string        `toml:"password,omitempty"`
	DB             int           `toml:"db"`
	InboundStream  string        `toml:"inbound_stream"`
	OutboundStream string        `toml:"outbound_stream"`
	NotifyChannel  string        `toml:"notify_channel"`
	BatchSize      int64         `toml:"batch_size"`
	Block          time.Duration `toml:"block"`
	RetryBackoff   time.Duration `toml:"retry_backoff"`
}

// StorageConfig locates the S3-compatible attachment store.
type StorageConfig struct {
	Endpoint  string        `toml:"endpoint"`
	AccessKey string        `toml:"access_key,omitempty"`
	SecretKey string        `toml:"secret_key,omitempty"`
	Bucket    string        `toml:"bucket"`
	Secure    bool          `toml:"secure"`
	URLExpiry time.Duration `toml:"url_expiry"`
}

// PresentationConfig controls the WebSocket presentation server.
type PresentationConfig struct {
	Listen       string `toml:"listen"`
	HistoryLimit int    `toml:"history_limit"`
}

// OutboxConfig controls the outbound pipeline.
type OutboxConfig struct {
	// TempDir holds staged encrypted attachments. Empty means the profile's
	// attachments directory.
	TempDir       string        `toml:"temp_dir"`
	UploadTimeout time.Duration `toml:"upload_timeout"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Relay.Addr == "" {
		c.Relay.Addr = "127.0.0.1:6379"
	}
	if c.Relay.InboundStream == "" {
		c.Relay.InboundStream = "convsync:inbound"
	}
	if c.Relay.OutboundStream == "" {
		c.Relay.OutboundStream = "convsync:outbound"
	}
	if c.Relay.NotifyChannel == "" {
		c.Relay.NotifyChannel = "convsync:delivered"
	}
	if c.Relay.BatchSize <= 0 {
		c.Relay.BatchSize = 100
	}
	if c.Relay.Block <= 0 {
		c.Relay.Block = 5 * time.Second
	}
	if c.Relay.RetryBackoff <= 0 {
		c.Relay.RetryBackoff = 2 * time.Second
	}
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = "127.0.0.1:9000"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "convsync-attachments"
	}
	if c.Storage.URLExpiry <= 0 {
		c.Storage.URLExpiry = 15 * time.Minute
	}
	if c.Presentation.Listen == "" {
		c.Presentation.Listen = "127.0.0.1:7878"
	}
	if c.Presentation.HistoryLimit <= 0 {
		c.Presentation.HistoryLimit = 50
	}
	if c.Outbox.UploadTimeout <= 0 {
		c.Outbox.UploadTimeout = 10 * time.Minute
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables that override secrets and endpoints.
const (
	EnvRedisAddr     = "CONVSYNC_REDIS_ADDR"
	EnvRedisPassword = "CONVSYNC_REDIS_PASSWORD"
	EnvS3Endpoint    = "CONVSYNC_S3_ENDPOINT"
	EnvS3AccessKey   = "CONVSYNC_S3_ACCESS_KEY"
	EnvS3SecretKey   = "CONVSYNC_S3_SECRET_KEY"
)

// ApplyEnv loads envPath (if present) into the process environment without
// overriding variables already set, then applies the overrides above.
func (c *Config) ApplyEnv(envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	for env, dst := range map[string]*string{
		EnvRedisAddr:     &c.Relay.Addr,
		EnvRedisPassword: &c.Relay.Password,
		EnvS3Endpoint:    &c.Storage.Endpoint,
		EnvS3AccessKey:   &c.Storage.AccessKey,
		EnvS3SecretKey:   &c.Storage.SecretKey,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
