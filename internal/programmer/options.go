package programmer

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/serial-bootloader/internal/protocol"
)

// Config holds the programmer settings.
type Config struct {
	// ChunkSize is the data size of each Write, Read and Verify frame.
	ChunkSize int

	// ConnectAttempts connect bytes are sent, ConnectInterval apart, before
	// Connect gives up.
	ConnectAttempts int
	ConnectInterval time.Duration

	// ReplyTimeout bounds the wait for a status byte or data block.
	ReplyTimeout time.Duration

	// EraseTimeout replaces ReplyTimeout for Erase, which walks every
	// application sector.
	EraseTimeout time.Duration

	Progress ProgressCallback
	Logger   logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		ChunkSize:       protocol.DefaultChunkSize,
		ConnectAttempts: 10,
		ConnectInterval: 100 * time.Millisecond,
		ReplyTimeout:    2 * time.Second,
		EraseTimeout:    10 * time.Second,
	}
}

// Option configures a Programmer.
type Option func(*Config)

// WithChunkSize sets the frame data size. Sizes that are not word aligned or
// do not fit a frame are ignored.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= protocol.MaxDataSize && size%4 == 0 {
			c.ChunkSize = size
		}
	}
}

// WithConnectRetry sets how the connect handshake is retried.
func WithConnectRetry(attempts int, interval time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.ConnectAttempts = attempts
		}
		if interval > 0 {
			c.ConnectInterval = interval
		}
	}
}

// WithReplyTimeout sets the per-exchange reply timeout.
func WithReplyTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ReplyTimeout = timeout
		}
	}
}

// WithEraseTimeout sets the reply timeout for Erase.
func WithEraseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.EraseTimeout = timeout
		}
	}
}

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}
