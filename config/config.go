package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Port int `toml:"port"`
}

type StorageConfig struct {
	Root string `toml:"root"` // base directory for companies pool, campaigns and user data
}

type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
}

type MailConfig struct {
	SendEnabled     bool `toml:"send_enabled"`      // false = dry run, nothing leaves the process
	SendDelayMs     int  `toml:"send_delay_ms"`     // fixed pacing between successive sends
	MaxAttachments  int  `toml:"max_attachments"`   // extra attachments per submission
	MaxAttachmentMB int  `toml:"max_attachment_mb"` // per-file size cap
}

type JWTConfig struct {
	Secret string `toml:"secret"` // For API bearer tokens
}

type EncryptionConfig struct {
	Key string `toml:"key"` // passphrase for token encryption at rest
}

type RateLimitConfig struct {
	Requests int `toml:"requests"` // per window, per IP
	WindowS  int `toml:"window_s"`
}

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Google     GoogleConfig     `toml:"google"`
	Mail       MailConfig       `toml:"mail"`
	JWT        JWTConfig        `toml:"jwt"`
	Encryption EncryptionConfig `toml:"encryption"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
}

func LoadConfig(filepath string) (*Config, error) {
	var config Config

	// Set default values
	config.Server.Port = 3000
	config.Storage.Root = "./media"
	config.Mail.SendEnabled = true
	config.Mail.SendDelayMs = 200
	config.Mail.MaxAttachments = 5
	config.Mail.MaxAttachmentMB = 10
	config.RateLimit.Requests = 100
	config.RateLimit.WindowS = 60

	// Load config file
	_, err := toml.DecodeFile(filepath, &config)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return &config, nil
}

// Validate checks the loaded configuration for values the app cannot run
// without. Google credentials are only required when sending is enabled so a
// dry-run instance can start with an empty [google] section.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root directory is required")
	}

	if c.Mail.SendEnabled {
		if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
			return fmt.Errorf("google client_id and client_secret are required when sending is enabled")
		}
		if c.Google.RedirectURL == "" {
			return fmt.Errorf("google redirect_url is required when sending is enabled")
		}
	}

	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption key is required")
	}

	if c.Mail.MaxAttachments < 0 || c.Mail.MaxAttachmentMB <= 0 {
		return fmt.Errorf("invalid attachment limits")
	}

	// The limiter divides the window by the request budget
	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowS <= 0 {
		return fmt.Errorf("rate_limit requests and window_s must be positive")
	}

	return nil
}

// SendDelay returns the pacing delay between successive sends.
func (c *MailConfig) SendDelay() time.Duration {
	if c.SendDelayMs <= 0 {
		return 0
	}
	return time.Duration(c.SendDelayMs) * time.Millisecond
}

// MaxAttachmentBytes returns the per-file attachment size cap in bytes.
func (c *MailConfig) MaxAttachmentBytes() int64 {
	return int64(c.MaxAttachmentMB) * 1024 * 1024
}
