package transport

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Port is a half of a wired serial link.
type Port interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Stream is the UART style transport. Reads are served straight from the
// port; there is no intermediate buffering.
type Stream struct {
	name   string
	port   Port
	closed atomic.Bool
}

// NewStream wraps port as a Transport called name.
func NewStream(name string, port Port) *Stream {
	return &Stream{name: name, port: port}
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) SendByte(b byte) error {
	return s.SendBytes([]byte{b})
}

func (s *Stream) SendBytes(p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("%s: write: %w", s.name, err)
		}
		p = p[n:]
	}
	return nil
}

func (s *Stream) ReceiveByte(timeout time.Duration) (byte, error) {
	var b [1]byte
	if _, err := s.ReceiveBytes(b[:], timeout); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Stream) ReceiveBytes(p []byte, timeout time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return got, ErrTimeout
		}

		n, err := s.port.ReadWithTimeout(p[got:], remaining)
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return got, ErrClosed
			}
			return got, fmt.Errorf("%s: read: %w", s.name, err)
		}
	}
	return got, nil
}

func (s *Stream) Shutdown() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}
