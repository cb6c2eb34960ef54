// Package transport provides the byte channels the bootloader talks over.
package transport

import (
	"errors"
	"time"
)

// ErrTimeout is returned when no byte arrived before the deadline.
var ErrTimeout = errors.New("receive timeout")

// ErrClosed is returned by a transport after Shutdown.
var ErrClosed = errors.New("transport shut down")

// Transport is a byte-oriented duplex channel with explicit timeouts.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string

	// SendByte blocks until b has been handed to the hardware.
	SendByte(b byte) error

	// SendBytes blocks until every byte of p has been handed to the hardware.
	SendBytes(p []byte) error

	// ReceiveByte returns the next byte, or ErrTimeout.
	ReceiveByte(timeout time.Duration) (byte, error)

	// ReceiveBytes fills p and returns how many bytes arrived before the
	// timeout expired. A short count comes with ErrTimeout.
	ReceiveBytes(p []byte, timeout time.Duration) (int, error)

	// Shutdown releases the peripheral. The transport is unusable afterwards.
	Shutdown() error
}
