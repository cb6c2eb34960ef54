package sim

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/serial-bootloader/internal/transport"
)

// ErrNotAttached is returned when the device transmits with no host on the
// bus.
var ErrNotAttached = errors.New("usb: no host attached")

// usbPacketSize matches a full-speed bulk endpoint.
const usbPacketSize = 64

// USBBus stands in for the USB cable: every network connection handed to
// Plug is a host enumerating the device's virtual serial port.
type USBBus struct {
	conns chan net.Conn
	log   logrus.FieldLogger
}

// NewUSBBus creates an empty bus.
func NewUSBBus(log logrus.FieldLogger) *USBBus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &USBBus{conns: make(chan net.Conn), log: log}
}

// Plug attaches a host. It blocks until the running device takes it.
func (b *USBBus) Plug(conn net.Conn) {
	b.conns <- conn
}

// Serve plugs every connection accepted on ln until ln is closed.
func (b *USBBus) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.log.WithField("remote", conn.RemoteAddr().String()).Info("USB host attached")
		b.Plug(conn)
	}
}

// Attach brings up the device side for one boot cycle and returns its CDC
// transport.
func (b *USBBus) Attach(name string) *transport.CDC {
	stack := &usbStack{bus: b, stop: make(chan struct{}), done: make(chan struct{})}
	cdc := transport.NewCDC(name, stack)
	go stack.run(cdc)
	return cdc
}

// usbStack implements transport.CDCStack. Its goroutine is the interrupt
// context that calls Deliver.
type usbStack struct {
	bus *USBBus

	mu   sync.Mutex
	conn net.Conn

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (s *usbStack) run(cdc *transport.CDC) {
	defer close(s.done)
	for {
		var conn net.Conn
		select {
		case conn = <-s.bus.conns:
		case <-s.stop:
			return
		}

		s.mu.Lock()
		select {
		case <-s.stop:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.conn = conn
		s.mu.Unlock()

		s.receive(conn, cdc)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *usbStack) receive(conn net.Conn, cdc *transport.CDC) {
	var packet [usbPacketSize]byte
	for {
		n, err := conn.Read(packet[:])
		if n > 0 {
			if stored := cdc.Deliver(packet[:n]); stored < n {
				s.bus.log.WithField("dropped", n-stored).Warn("CDC receive buffer overrun")
			}
		}
		if err != nil {
			s.bus.log.WithError(err).Debug("USB host detached")
			return
		}
	}
}

func (s *usbStack) Transmit(p []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotAttached
	}

	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Deinit detaches from the bus, dropping the current host.
func (s *usbStack) Deinit() error {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
	return nil
}
