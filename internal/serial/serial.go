package serial

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// TCPScheme prefixes port names that are TCP endpoints, such as the
// bootloader emulator.
const TCPScheme = "tcp://"

const defaultReadTimeout = 100 * time.Millisecond

// conn is what Port needs from the underlying device.
type conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// modemLines is implemented by real serial ports only.
type modemLines interface {
	SetDTR(bool) error
	SetRTS(bool) error
}

// Port is the host side of a bootloader link.
type Port struct {
	conn     conn
	portName string
	baudRate int
}

// Open opens a serial port (8N1) at the specified baud rate, or a TCP
// connection when portName starts with tcp://.
func Open(portName string, baudRate int) (*Port, error) {
	if addr, ok := strings.CutPrefix(portName, TCPScheme); ok {
		c, err := dialTCP(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return &Port{conn: c, portName: portName, baudRate: baudRate}, nil
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		conn:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// SetBaudRate changes the line speed of an open port. TCP ports only
// record it.
func (p *Port) SetBaudRate(baudRate int) error {
	if m, ok := p.conn.(interface{ SetMode(*serial.Mode) error }); ok {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		if err := m.SetMode(mode); err != nil {
			return fmt.Errorf("failed to set baud rate %d: %w", baudRate, err)
		}
	}
	p.baudRate = baudRate
	return nil
}

// Close closes the port.
func (p *Port) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Write writes data to the port.
func (p *Port) Write(data []byte) (int, error) {
	return p.conn.Write(data)
}

// ReadWithTimeout waits up to timeout for data. It returns 0, nil when
// nothing arrived.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.conn.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.conn.SetReadTimeout(defaultReadTimeout)

	return p.conn.Read(buf)
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.conn.ResetInputBuffer()
}

// EnterBootloader drives the usual USB-UART wiring for STM32 boards: DTR
// holds BOOT0 high while RTS pulses NRST. Ports without modem lines are
// left alone.
func (p *Port) EnterBootloader() error {
	lines, ok := p.conn.(modemLines)
	if !ok {
		return nil
	}

	if err := lines.SetDTR(true); err != nil {
		return err
	}
	if err := lines.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := lines.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)

	if err := lines.SetDTR(false); err != nil {
		return err
	}

	p.Flush()
	return nil
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the configured baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// PortInfo describes a serial port and the USB device behind it, if any.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

func (i PortInfo) String() string {
	if !i.IsUSB {
		return i.Name
	}
	s := fmt.Sprintf("%s (USB %s:%s", i.Name, i.VID, i.PID)
	if i.SerialNumber != "" {
		s += " serial " + i.SerialNumber
	}
	return s + ")"
}

// ListDetailed returns every serial port with its USB identifiers.
func ListDetailed() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, d := range ports {
		infos = append(infos, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return infos, nil
}
