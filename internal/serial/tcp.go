package serial

import (
	"errors"
	"net"
	"os"
	"time"
)

const dialTimeout = 5 * time.Second

// tcpConn gives a TCP connection the read semantics of a serial port: a read
// that times out returns 0, nil.
type tcpConn struct {
	net.Conn
	timeout time.Duration
}

func dialTCP(addr string) (*tcpConn, error) {
	c, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpConn{Conn: c, timeout: defaultReadTimeout}, nil
}

func (c *tcpConn) SetReadTimeout(t time.Duration) error {
	c.timeout = t
	return nil
}

func (c *tcpConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// ResetInputBuffer drops whatever is already queued on the socket.
func (c *tcpConn) ResetInputBuffer() error {
	var scratch [256]byte
	for {
		if err := c.Conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := c.Conn.Read(scratch[:])
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
