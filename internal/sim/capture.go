package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigbag/serial-bootloader/internal/autobaud"
)

// Capture simulates the auto-baud timer and edge interrupt. Send plays the
// connect byte at a given baud rate by firing the two rising edges with the
// matching tick distance.
type Capture struct {
	clock   uint32
	counter atomic.Uint32

	mu        sync.Mutex
	handler   func()
	armed     chan struct{}
	tickOff   bool
	suspended int
}

// NewCapture creates a capture unit clocked at clockHz.
func NewCapture(clockHz uint32) *Capture {
	return &Capture{clock: clockHz, armed: make(chan struct{})}
}

func (c *Capture) ClockHz() uint32 { return c.clock }

func (c *Capture) SuspendTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickOff = true
	c.suspended++
}

func (c *Capture) ResumeTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickOff = false
}

// TickSuspended reports whether the system tick is currently stopped.
func (c *Capture) TickSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickOff
}

func (c *Capture) ResetCounter()   { c.counter.Store(0) }
func (c *Capture) Counter() uint32 { return c.counter.Load() }

func (c *Capture) Arm(onRisingEdge func()) error {
	if onRisingEdge == nil {
		return errors.New("nil edge handler")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = onRisingEdge
	select {
	case <-c.armed:
	default:
		close(c.armed)
	}
	return nil
}

func (c *Capture) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.armed = make(chan struct{})
}

// IsArmed reports whether the edge interrupt is enabled.
func (c *Capture) IsArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// Armed is closed once the edge interrupt is enabled.
func (c *Capture) Armed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Send fires the edges of one connect byte at baud. It reports false when
// the capture was not armed.
func (c *Capture) Send(baud int) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil || baud <= 0 {
		return false
	}

	h()
	c.counter.Add(uint32(autobaud.BitsBetweenEdges * uint64(c.clock) / uint64(baud)))
	h()
	return true
}

// LineReader is the receive side of a serial line.
type LineReader interface {
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
}

// Listen watches line during the next measurement window and fires the
// connect edges at baud when a connect byte (0x7F) arrives. It returns once
// the capture has been disarmed again or ctx ends. Bytes read here are
// consumed, as they would be by a receiver that is not running yet.
func (c *Capture) Listen(ctx context.Context, line LineReader, connect byte, baud int) {
	select {
	case <-c.Armed():
	case <-ctx.Done():
		return
	}

	var b [1]byte
	for c.IsArmed() && ctx.Err() == nil {
		n, err := line.ReadWithTimeout(b[:], 10*time.Millisecond)
		if err != nil {
			return
		}
		if n == 1 && b[0] == connect {
			c.Send(baud)
		}
	}
}
