package livechat

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultPollInterval      = 10 * time.Second
	DefaultMaxMessageLength  = 16384
	DefaultMaxAttachmentSize = 10 << 20
	DefaultLocation          = "mobile"
	DefaultPlatform          = "go"
)

// Config configures sessions. Zero fields take the package defaults.
type Config struct {
	// AccountName is the support account; it scopes persisted data.
	AccountName string `env:"ACCOUNT" toml:"account"`
	// Location is the chat location (page) configured on the server.
	Location   string `env:"LOCATION" toml:"location"`
	AppVersion string `env:"APP_VERSION" toml:"app_version"`
	DeviceID   string `env:"DEVICE_ID" toml:"device_id"`
	Platform   string `env:"PLATFORM" toml:"platform"`

	PollInterval time.Duration `env:"POLL_INTERVAL" toml:"poll_interval"`
	// Workers is the number of concurrent network operations.
	Workers int `env:"WORKERS" toml:"workers"`
	// Push opens a WebSocket that wakes the history poll early.
	Push bool `env:"PUSH" toml:"push"`

	MaxMessageLength  int   `env:"MAX_MESSAGE_LENGTH" toml:"max_message_length"`
	MaxAttachmentSize int64 `env:"MAX_ATTACHMENT_SIZE" toml:"max_attachment_size"`
	// AllowedAttachmentTypes lists accepted MIME types. A trailing "/*"
	// accepts a whole family. Empty accepts everything.
	AllowedAttachmentTypes []string `env:"ALLOWED_ATTACHMENT_TYPES" envSeparator:"," toml:"allowed_attachment_types"`
}

func (c *Config) defaults() {
	if c.Location == "" {
		c.Location = DefaultLocation
	}
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.MaxAttachmentSize <= 0 {
		c.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
}

func (c *Config) validate() error {
	if c.AccountName == "" {
		return newError(KindNotConfigured, "config", fmt.Errorf("account name is required"))
	}
	return nil
}

// ConfigFromEnv reads a Config from LIVECHAT_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	err := ApplyEnv(&cfg)
	return cfg, err
}

// ApplyEnv overrides fields of cfg with the LIVECHAT_* variables that are
// set. Unset variables leave the field alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "LIVECHAT_"}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// allowsContentType reports whether an attachment type passes the allow list.
func (c *Config) allowsContentType(contentType string) bool {
	if len(c.AllowedAttachmentTypes) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, allowed := range c.AllowedAttachmentTypes {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == ct {
			return true
		}
		if family, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(ct, family+"/") {
			return true
		}
	}
	return false
}
