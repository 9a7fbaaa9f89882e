package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailpipe.db"`
	StorageRoot  string `env:"STORAGE_ROOT" envDefault:"./data/blobs"`

	// Checkpointing; empty means one cursor per mailbox/folder
	CheckpointName string `env:"CHECKPOINT_NAME"`

	// IMAP connector
	IMAPServer      string        `env:"IMAP_SERVER"` // host:port
	IMAPUser        string        `env:"IMAP_USER"`
	IMAPPassword    string        `env:"IMAP_PASSWORD"`
	IMAPDialTimeout time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// ValidateIMAP checks the fields the IMAP connector needs. Called by the
// run command only; export works without a mail source.
func (c *Config) ValidateIMAP() error {
	if c.IMAPServer == "" {
		return fmt.Errorf("IMAP_SERVER is required")
	}
	if c.IMAPUser == "" {
		return fmt.Errorf("IMAP_USER is required")
	}
	if c.IMAPPassword == "" {
		return fmt.Errorf("IMAP_PASSWORD is required")
	}
	return nil
}
