package server

import (
	"fmt"
	"time"

	"github.com/zeusync/worldsync/internal/core/mailbox"
)

// Config holds server configuration
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	// StaticDir, when set, is served under /static/ and / redirects to its index.html.
	StaticDir string `yaml:"static_dir" env:"STATIC_DIR"`

	// Session settings
	MaxSessions    int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`

	// Mailbox settings. Capacity 0 keeps mailboxes unbounded.
	MailboxCapacity int    `yaml:"mailbox_capacity" env:"MAILBOX_CAPACITY"`
	MailboxOverflow string `yaml:"mailbox_overflow" env:"MAILBOX_OVERFLOW"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8080",
		MaxSessions:     10_000,
		MaxMessageSize:  1024 * 1024, // 1MB
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		MailboxCapacity: 0,
		MailboxOverflow: mailbox.OverflowDropOldest.String(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: max_sessions must not be negative", ErrInvalidConfig)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max_message_size must not be negative", ErrInvalidConfig)
	}
	if c.MailboxCapacity < 0 {
		return fmt.Errorf("%w: mailbox_capacity must not be negative", ErrInvalidConfig)
	}
	if _, err := mailbox.ParsePolicy(c.MailboxOverflow); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.PingInterval > 0 && c.ReadTimeout > 0 && c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("%w: ping_interval (%s) must be shorter than read_timeout (%s)",
			ErrInvalidConfig, c.PingInterval, c.ReadTimeout)
	}
	return nil
}
