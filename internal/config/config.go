// Package config provides configuration loading for recalld.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults for everything left unset.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	NATS       NATSConfig       `koanf:"nats"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Session    SessionConfig    `koanf:"session"`
	Quota      QuotaConfig      `koanf:"quota"`
	Ingest     IngestConfig     `koanf:"ingest"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// NATSConfig holds the JetStream connection configuration.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	QuotaBucket   string        `koanf:"quota_bucket"`
	SessionBucket string        `koanf:"session_bucket"`
	ConnectWait   time.Duration `koanf:"connect_wait"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider selects the backend: "tei" or "fastembed".
	Provider string        `koanf:"provider"`
	Model    string        `koanf:"model"`
	BaseURL  string        `koanf:"base_url"`
	CacheDir string        `koanf:"cache_dir"`
	Timeout  time.Duration `koanf:"timeout"`
}

// ChunkingConfig holds document chunking configuration.
type ChunkingConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// QuotaConfig holds upload quota configuration.
type QuotaConfig struct {
	MaxFilesPerDay int           `koanf:"max_files_per_day"`
	Window         time.Duration `koanf:"window"`
}

// IngestConfig holds upload pipeline limits.
type IngestConfig struct {
	MaxFilesPerRequest int   `koanf:"max_files_per_request"`
	MaxFileSizeBytes   int64 `koanf:"max_file_size_bytes"`
}

// applyDefaults sets default values for missing configuration fields.
// Package defaults (chunk sizes, TTLs, quota caps) are left at zero here;
// the owning packages apply their own defaults on construction, so this
// only fills fields the daemon itself consumes.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.ConnectWait == 0 {
		cfg.NATS.ConnectWait = 5 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q (must be debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q (must be json or console)", c.Log.Format)
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	switch c.Embeddings.Provider {
	case "", "tei", "fastembed":
	default:
		return fmt.Errorf("invalid embeddings provider: %q (must be tei or fastembed)", c.Embeddings.Provider)
	}

	// Negative values would silently pass the owning packages' zero-means
	// -default checks, so reject them here.
	if c.Chunking.ChunkSize < 0 || c.Chunking.ChunkOverlap < 0 {
		return fmt.Errorf("chunk size and overlap must be non-negative")
	}
	if c.Session.TTL < 0 || c.Session.SweepInterval < 0 {
		return fmt.Errorf("session ttl and sweep interval must be non-negative")
	}
	if c.Quota.MaxFilesPerDay < 0 || c.Quota.Window < 0 {
		return fmt.Errorf("quota cap and window must be non-negative")
	}
	if c.Ingest.MaxFilesPerRequest < 0 || c.Ingest.MaxFileSizeBytes < 0 {
		return fmt.Errorf("ingest limits must be non-negative")
	}

	return nil
}
