package database

import "time"

// Option configures DB.
type Option func(*Config)

// Config holds pool settings for the ledger database.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// WithMaxConnections sets max open and idle connections. SQLite ignores it.
func WithMaxConnections(maxOpen, maxIdle int) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
	}
}

// WithConnMaxLifetime bounds how long a pooled connection is reused.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *Config) {
		c.ConnMaxLifetime = d
	}
}

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BusyTimeout = d
	}
}
