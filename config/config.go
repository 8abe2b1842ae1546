// Package config assembles the engine's runtime configuration: the
// filesystem root, the per-Config target segment size, and the per-open
// buffer/read-window sizes the teacher hard-coded as package constants.
//
// Precedence is defaults -> environment variables -> explicit functional
// options, so a caller embedding the engine can always win over both.
package config

import (
	"os"
	"strconv"
	"sync/atomic"
)

const (
	// DefaultDBPath is the filesystem root used when DB_PATH is unset.
	DefaultDBPath = "./"

	// DefaultLogFileSizeMiB is the target writable-segment size, in
	// mebibytes, used when LOG_FILE_SIZE is unset.
	DefaultLogFileSizeMiB = 200

	// DefaultBufferLen is the default write-buffer length, in bytes,
	// stored in Config.BufferLen.
	DefaultBufferLen = 8000

	// DefaultReadWindow is the default read window, in bytes, stored in
	// Config.ReadWindow.
	DefaultReadWindow = 32 * 1024

	// MaxKeySize is the maximum allowed size in bytes for a key.
	MaxKeySize = 256

	// MaxValueSize is the maximum allowed size in bytes for a value.
	MaxValueSize = 1 << 20

	// MetaTableName is the reserved name of the self-hosted meta-table.
	MetaTableName = "tabs_meta"

	// SegmentNameDigits is the zero-padded width of a segment file name.
	SegmentNameDigits = 6
)

// Config is the assembled, immutable configuration for one Db instance.
// LogFileSizeMiB is additionally held as an atomic so it can be read and
// updated concurrently without re-reading the environment; no other
// package reads it.
type Config struct {
	// DBPath is the filesystem root under which every table directory is
	// created.
	DBPath string

	// BufferLen is the write-buffer length, in bytes. It is carried on the
	// Config only; segment.Open does not take it and segment.Set does not
	// read it.
	BufferLen int

	// ReadWindow is the read window, in bytes. It is carried on the Config
	// only; the backward block scan in segment.Set.Load does not read it.
	ReadWindow int

	// logFileSizeMiB is the target maximum writable-segment size. It is
	// stored as an atomic shared by every holder of this *Config; each
	// Config built by New gets its own atomic, so two Configs do not share
	// the value.
	logFileSizeMiB *atomic.Int64
}

// Option customizes a Config built by New.
type Option func(*Config)

// WithDBPath overrides the filesystem root.
func WithDBPath(path string) Option {
	return func(c *Config) { c.DBPath = path }
}

// WithLogFileSizeMiB overrides the target writable-segment size.
func WithLogFileSizeMiB(mib int64) Option {
	return func(c *Config) { c.logFileSizeMiB.Store(mib) }
}

// WithBufferLen overrides the per-open write-buffer length.
func WithBufferLen(n int) Option {
	return func(c *Config) { c.BufferLen = n }
}

// WithReadWindow overrides the per-open read window.
func WithReadWindow(n int) Option {
	return func(c *Config) { c.ReadWindow = n }
}

// New assembles a Config from defaults, then DB_PATH/LOG_FILE_SIZE
// environment variables, then opts, in that order of increasing priority.
func New(opts ...Option) *Config {
	c := &Config{
		DBPath:         DefaultDBPath,
		BufferLen:      DefaultBufferLen,
		ReadWindow:     DefaultReadWindow,
		logFileSizeMiB: &atomic.Int64{},
	}
	c.logFileSizeMiB.Store(DefaultLogFileSizeMiB)

	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.logFileSizeMiB.Store(n)
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LogFileSizeMiB returns this Config's current target segment size.
func (c *Config) LogFileSizeMiB() int64 {
	return c.logFileSizeMiB.Load()
}

// SetLogFileSizeMiB updates this Config's target segment size.
func (c *Config) SetLogFileSizeMiB(mib int64) {
	c.logFileSizeMiB.Store(mib)
}

// LogFileSizeBytes is LogFileSizeMiB expressed in bytes. No segment is
// split automatically when it reaches this size; splits happen only
// through Set.Split (ForceSplit, Fork).
func (c *Config) LogFileSizeBytes() int64 {
	return c.LogFileSizeMiB() * 1024 * 1024
}
