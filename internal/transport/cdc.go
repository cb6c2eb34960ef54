package transport

import (
	"sync/atomic"
	"time"
)

// CDCBufferSize is the capacity of the inbound ring buffer.
const CDCBufferSize = 1024

// cdcPollInterval is how often a blocked reader rechecks the ring.
const cdcPollInterval = time.Millisecond

// CDCStack is the USB device stack underneath a CDC transport.
type CDCStack interface {
	// Transmit queues p on the bulk IN endpoint and blocks until it is sent.
	Transmit(p []byte) error

	// Deinit detaches from the bus and stops further Deliver calls.
	Deinit() error
}

// CDC is the USB virtual serial transport. The stack delivers OUT packets
// asynchronously through Deliver; the bootloader loop drains them.
//
// Deliver is the only producer and Receive* the only consumer. head is
// written only by the producer and tail only by the consumer.
type CDC struct {
	name  string
	stack CDCStack

	buf  [CDCBufferSize]byte
	head atomic.Uint32
	tail atomic.Uint32

	overruns atomic.Uint64
	closed   atomic.Bool
}

// NewCDC creates a CDC transport on top of stack.
func NewCDC(name string, stack CDCStack) *CDC {
	return &CDC{name: name, stack: stack}
}

// Deliver stores a burst of inbound bytes. Bytes that do not fit are dropped
// and counted. It returns how many bytes were stored.
func (c *CDC) Deliver(p []byte) int {
	if c.closed.Load() {
		return 0
	}

	head := c.head.Load()
	stored := 0
	for _, b := range p {
		next := (head + 1) % CDCBufferSize
		if next == c.tail.Load() {
			c.overruns.Add(1)
			continue
		}
		c.buf[head] = b
		head = next
		// Publish after the store so the consumer never sees a stale byte.
		c.head.Store(head)
		stored++
	}
	return stored
}

// Buffered returns the number of bytes waiting in the ring.
func (c *CDC) Buffered() int {
	return int((c.head.Load() + CDCBufferSize - c.tail.Load()) % CDCBufferSize)
}

// Overruns returns how many inbound bytes were dropped on a full ring.
func (c *CDC) Overruns() uint64 {
	return c.overruns.Load()
}

func (c *CDC) Name() string {
	return c.name
}

func (c *CDC) SendByte(b byte) error {
	return c.SendBytes([]byte{b})
}

func (c *CDC) SendBytes(p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.stack.Transmit(p)
}

func (c *CDC) ReceiveByte(timeout time.Duration) (byte, error) {
	var b [1]byte
	if _, err := c.ReceiveBytes(b[:], timeout); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *CDC) ReceiveBytes(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(p) {
		if c.closed.Load() {
			return got, ErrClosed
		}
		if b, ok := c.pop(); ok {
			p[got] = b
			got++
			continue
		}
		if !time.Now().Before(deadline) {
			return got, ErrTimeout
		}
		time.Sleep(cdcPollInterval)
	}
	return got, nil
}

func (c *CDC) pop() (byte, bool) {
	tail := c.tail.Load()
	if tail == c.head.Load() {
		return 0, false
	}
	b := c.buf[tail]
	c.tail.Store((tail + 1) % CDCBufferSize)
	return b, true
}

func (c *CDC) Shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.stack.Deinit()
}
