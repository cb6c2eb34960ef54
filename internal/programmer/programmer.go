// Package programmer drives the bootloader protocol from the host side.
package programmer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/serial-bootloader/internal/protocol"
)

// Errors surfaced to the user. A Nack is terminal for the whole transfer and
// is never retried.
var (
	ErrNack       = errors.New("device rejected the command (NACK)")
	ErrNoResponse = errors.New("no response from device")
	ErrChecksum   = errors.New("data block checksum mismatch")
	ErrConnect    = errors.New("bootloader did not answer connect")
	ErrUnexpected = errors.New("unexpected status byte")
)

// Port is the host end of the serial link.
type Port interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Flush() error
}

// ProgressCallback is called after every chunk with the bytes done so far.
type ProgressCallback func(current, total int)

// Stats describes a completed transfer.
type Stats struct {
	Bytes   int
	Chunks  int
	Elapsed time.Duration
}

// Throughput returns the transfer rate in bytes per second.
func (s Stats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

func (s Stats) String() string {
	return fmt.Sprintf("%d bytes in %d ms (%.2f kB/s)", s.Bytes, s.Elapsed.Milliseconds(), s.Throughput()/1000)
}

// Programmer talks to one bootloader over a Port.
type Programmer struct {
	port Port
	cfg  Config
	log  logrus.FieldLogger
}

// New creates a Programmer for the given port.
func New(port Port, opts ...Option) *Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Programmer{port: port, cfg: cfg, log: log}
}

// SetProgressCallback sets the progress callback function.
func (p *Programmer) SetProgressCallback(cb ProgressCallback) {
	p.cfg.Progress = cb
}

// ChunkSize returns the frame data size in use.
func (p *Programmer) ChunkSize() int {
	return p.cfg.ChunkSize
}

func (p *Programmer) reportProgress(current, total int) {
	if p.cfg.Progress != nil {
		p.cfg.Progress(current, total)
	}
}

// Connect performs the handshake: send the connect byte and wait briefly for
// an Ack, a bounded number of times. The device may measure the first bytes
// for auto-baud, so early attempts are expected to go unanswered.
func (p *Programmer) Connect(ctx context.Context) error {
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		p.flush()
		if _, err := p.port.Write([]byte{protocol.CmdConnect}); err != nil {
			return errors.Wrap(err, "send connect")
		}

		status, err := p.readStatus(p.cfg.ConnectInterval)
		if err == nil && status == protocol.Ack {
			p.log.WithField("attempt", attempt).Debug("Connected")
			p.drain(ctx)
			return nil
		}
		p.log.WithField("attempt", attempt).Debug("No answer to connect")
	}
	return errors.Wrapf(ErrConnect, "after %d attempts", p.cfg.ConnectAttempts)
}

// drain discards late Acks for earlier connect attempts. A slow device may
// still answer every byte it saw, and a stray Ack would otherwise be taken
// as the status of the next command. It returns after one quiet interval.
func (p *Programmer) drain(ctx context.Context) {
	var buf [16]byte
	stray := 0
	for i := 0; i < p.cfg.ConnectAttempts && ctx.Err() == nil; i++ {
		n, err := p.port.ReadWithTimeout(buf[:], p.cfg.ConnectInterval)
		if err != nil || n == 0 {
			break
		}
		stray += n
	}
	if stray > 0 {
		p.log.WithField("bytes", stray).Debug("Discarded late connect replies")
	}
	p.flush()
}

func (p *Programmer) flush() {
	if err := p.port.Flush(); err != nil {
		p.log.WithError(err).Debug("Input flush failed")
	}
}

// Write programs image at address in chunks and stops at the first Nack.
func (p *Programmer) Write(ctx context.Context, image []byte, address uint32) (Stats, error) {
	return p.transfer(ctx, "write", image, address, func(off int, chunk []byte, addr uint32) error {
		return p.exchange(protocol.NewWrite(addr, chunk), p.cfg.ReplyTimeout)
	})
}

// Verify compares image against device flash at address in chunks and stops
// at the first mismatch.
func (p *Programmer) Verify(ctx context.Context, image []byte, address uint32) (Stats, error) {
	return p.transfer(ctx, "verify", image, address, func(off int, chunk []byte, addr uint32) error {
		return p.exchange(protocol.NewVerify(addr, chunk), p.cfg.ReplyTimeout)
	})
}

// Read fetches length bytes starting at address. Every block checksum is
// checked before the data is kept.
func (p *Programmer) Read(ctx context.Context, address uint32, length int) ([]byte, Stats, error) {
	out := make([]byte, length)
	stats, err := p.transfer(ctx, "read", out, address, func(off int, chunk []byte, addr uint32) error {
		if err := p.exchange(protocol.NewRead(addr, len(chunk)), p.cfg.ReplyTimeout); err != nil {
			return err
		}

		block := make([]byte, len(chunk)+1)
		if err := p.readFull(block, p.cfg.ReplyTimeout); err != nil {
			return err
		}
		data, err := protocol.CheckBlock(block)
		if err != nil {
			return errors.Wrap(ErrChecksum, err.Error())
		}
		copy(chunk, data)
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

// transfer walks buf in chunks, calling step with the running address.
func (p *Programmer) transfer(ctx context.Context, op string, buf []byte, address uint32, step func(off int, chunk []byte, addr uint32) error) (Stats, error) {
	start := time.Now()
	stats := Stats{}
	total := len(buf)

	for off := 0; off < total; off += p.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := off + p.cfg.ChunkSize
		if end > total {
			end = total
		}
		addr := address + uint32(off)

		if err := step(off, buf[off:end], addr); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, errors.Wrapf(err, "%s chunk %d at 0x%08X", op, stats.Chunks, addr)
		}

		stats.Chunks++
		stats.Bytes = end
		p.reportProgress(end, total)
	}

	stats.Elapsed = time.Since(start)
	p.log.WithFields(logrus.Fields{
		"op":     op,
		"bytes":  stats.Bytes,
		"chunks": stats.Chunks,
		"ms":     stats.Elapsed.Milliseconds(),
	}).Debug("Transfer complete")
	return stats, nil
}

// Erase erases all application flash.
func (p *Programmer) Erase(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(p.exchange(protocol.NewCommand(protocol.CmdErase), p.cfg.EraseTimeout), "erase")
}

// Reset asks the device to reset.
func (p *Programmer) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(p.exchange(protocol.NewCommand(protocol.CmdReset), p.cfg.ReplyTimeout), "reset")
}

// Jump asks the device to start the application. The Ack only means the
// request was received; the device stays in the bootloader if no valid
// application is installed.
func (p *Programmer) Jump(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrap(p.exchange(protocol.NewCommand(protocol.CmdJump), p.cfg.ReplyTimeout), "jump")
}

// GetVersion reads the bootloader version.
func (p *Programmer) GetVersion(ctx context.Context) (protocol.Version, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Version{}, err
	}
	if err := p.exchange(protocol.NewCommand(protocol.CmdGetVersion), p.cfg.ReplyTimeout); err != nil {
		return protocol.Version{}, errors.Wrap(err, "get version")
	}

	block := make([]byte, protocol.VersionSize+1)
	if err := p.readFull(block, p.cfg.ReplyTimeout); err != nil {
		return protocol.Version{}, errors.Wrap(err, "get version")
	}
	v, err := protocol.ParseVersion(block)
	if err != nil {
		return protocol.Version{}, errors.Wrap(ErrChecksum, err.Error())
	}
	return v, nil
}

// exchange sends one frame and waits for its status byte.
func (p *Programmer) exchange(cmd *protocol.Command, timeout time.Duration) error {
	if _, err := p.port.Write(cmd.Encode()); err != nil {
		return errors.Wrapf(err, "send %s", protocol.CommandName(cmd.Opcode))
	}

	status, err := p.readStatus(timeout)
	if err != nil {
		return err
	}

	switch status {
	case protocol.Ack:
		return nil
	case protocol.Nack:
		return ErrNack
	default:
		return errors.Wrapf(ErrUnexpected, "0x%02X (%s)", status, protocol.StatusName(status))
	}
}

func (p *Programmer) readStatus(timeout time.Duration) (byte, error) {
	var b [1]byte
	if err := p.readFull(b[:], timeout); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readFull fills buf or fails with ErrNoResponse once timeout has passed.
func (p *Programmer) readFull(buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0

	for got < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Wrapf(ErrNoResponse, "got %d of %d bytes", got, len(buf))
		}

		n, err := p.port.ReadWithTimeout(buf[got:], remaining)
		got += n
		if err != nil && n == 0 {
			return errors.Wrap(err, "read")
		}
	}
	return nil
}
