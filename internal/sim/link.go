// Package sim provides the pieces needed to run the bootloader on a host:
// an in-memory serial link, a simulated board and a simulated edge capture.
package sim

import (
	"io"
	"sync"
	"time"
)

// pipe is one direction of a Link.
type pipe struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	ready  chan struct{}
}

func newPipe() *pipe {
	return &pipe{ready: make(chan struct{}, 1)}
}

func (p *pipe) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.mu.Unlock()
	p.signal()
	return len(b), nil
}

// read behaves like a serial port read: it returns what is available, waits
// up to timeout for the first byte and returns 0, nil when none arrives.
func (p *pipe) read(b []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			more := len(p.buf) > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return n, nil
		}
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (p *pipe) flush() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

func (p *pipe) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

// Endpoint is one side of a Link. It satisfies both the host programmer's
// port and the device's stream transport port.
type Endpoint struct {
	in  *pipe
	out *pipe

	// Tap, when set, sees every chunk written by this endpoint.
	Tap func(p []byte)
}

// NewLink returns the two connected ends of a full-duplex serial line.
func NewLink() (host, device *Endpoint) {
	toDevice := newPipe()
	toHost := newPipe()
	return &Endpoint{in: toHost, out: toDevice}, &Endpoint{in: toDevice, out: toHost}
}

func (e *Endpoint) Write(p []byte) (int, error) {
	if e.Tap != nil {
		e.Tap(append([]byte(nil), p...))
	}
	return e.out.write(p)
}

func (e *Endpoint) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	return e.in.read(p, timeout)
}

// Flush discards unread inbound bytes.
func (e *Endpoint) Flush() error {
	e.in.flush()
	return nil
}

// Close shuts both directions. The peer sees io.EOF once it has drained
// what was already sent.
func (e *Endpoint) Close() error {
	e.in.close()
	e.out.close()
	return nil
}
