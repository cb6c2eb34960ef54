// Package bootloader is the device side of the protocol: the command loop,
// its handlers and the boot entry decision.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/serial-bootloader/internal/flash"
	"github.com/bigbag/serial-bootloader/internal/protocol"
	"github.com/bigbag/serial-bootloader/internal/transport"
)

// Version is reported by GetVersion.
var Version = protocol.Version{Major: 0, Minor: 1, Build: 7}

// Receive timeouts
const (
	// SyncPoll only bounds how often ctx is checked; waiting for a sync byte
	// never gives up on its own.
	SyncPoll = 100 * time.Millisecond

	LengthTimeout  = 100 * time.Millisecond
	PayloadTimeout = 5 * time.Second
)

// State is a step of the command loop.
type State int

const (
	StateAwaitSync State = iota
	StateAwaitLength
	StateAwaitPayload
	StateValidate
	StateDispatch
)

func (s State) String() string {
	switch s {
	case StateAwaitSync:
		return "await-sync"
	case StateAwaitLength:
		return "await-length"
	case StateAwaitPayload:
		return "await-payload"
	case StateValidate:
		return "validate"
	case StateDispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Exit tells why the loop ended.
type Exit int

const (
	ExitNone Exit = iota
	ExitJump
	ExitReset
)

func (e Exit) String() string {
	switch e {
	case ExitJump:
		return "jump"
	case ExitReset:
		return "reset"
	default:
		return "none"
	}
}

// Stats counts what the loop has seen since it started.
type Stats struct {
	Frames    uint64 // frames that passed validation
	Acks      uint64
	Nacks     uint64
	Noise     uint64 // bytes discarded while waiting for sync
	Timeouts  uint64 // frames abandoned on a length or payload timeout
	BadLength uint64
	BadCRC    uint64
	Malformed uint64 // valid checksum, wrong shape for the opcode
	Dropped   uint64 // help and unknown opcodes
	Rejected  uint64 // jumps refused by the stack pointer check
}

// Machine runs the command loop over one transport.
type Machine struct {
	tr       transport.Transport
	flash    *flash.Controller
	platform Platform
	log      logrus.FieldLogger

	LengthTimeout  time.Duration
	PayloadTimeout time.Duration

	state  State
	length int
	rx     [protocol.MaxPayloadSize]byte
	tx     [1 + protocol.MaxPayloadSize + 1]byte
	cmd    protocol.Command
	stats  Stats
}

// NewMachine creates a command loop bound to tr.
func NewMachine(tr transport.Transport, fc *flash.Controller, platform Platform, log logrus.FieldLogger) *Machine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Machine{
		tr:             tr,
		flash:          fc,
		platform:       platform,
		log:            log.WithField("transport", tr.Name()),
		LengthTimeout:  LengthTimeout,
		PayloadTimeout: PayloadTimeout,
	}
}

// Stats returns a snapshot of the loop counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// State returns the current loop state.
func (m *Machine) State() State {
	return m.state
}

// Run processes frames until a Jump or Reset command ends the session, the
// transport fails, or ctx is cancelled.
func (m *Machine) Run(ctx context.Context) (Exit, error) {
	m.state = StateAwaitSync
	for {
		switch m.state {
		case StateAwaitSync:
			if err := m.awaitSync(ctx); err != nil {
				return ExitNone, err
			}

		case StateAwaitLength:
			b, err := m.tr.ReceiveByte(m.LengthTimeout)
			if err != nil {
				if ferr := m.drop(err, &m.stats.Timeouts); ferr != nil {
					return ExitNone, ferr
				}
				continue
			}
			// A payload holds at least the opcode and its checksum.
			if b < 2 {
				m.stats.BadLength++
				m.state = StateAwaitSync
				continue
			}
			m.length = int(b)
			m.state = StateAwaitPayload

		case StateAwaitPayload:
			if _, err := m.tr.ReceiveBytes(m.rx[:m.length], m.PayloadTimeout); err != nil {
				if ferr := m.drop(err, &m.stats.Timeouts); ferr != nil {
					return ExitNone, ferr
				}
				continue
			}
			m.state = StateValidate

		case StateValidate:
			if !protocol.ValidPayload(m.rx[:m.length]) {
				m.stats.BadCRC++
				m.log.Debug("Checksum mismatch, frame dropped")
				m.state = StateAwaitSync
				continue
			}
			m.stats.Frames++
			m.state = StateDispatch

		case StateDispatch:
			m.state = StateAwaitSync
			exit, err := m.dispatch()
			if err != nil || exit != ExitNone {
				return exit, err
			}
		}
	}
}

// awaitSync waits for '$'. A bare connect byte is acknowledged in place.
func (m *Machine) awaitSync(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := m.tr.ReceiveByte(SyncPoll)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}

		switch b {
		case protocol.SyncChar:
			m.state = StateAwaitLength
			return nil
		case protocol.CmdConnect:
			if err := m.ack(); err != nil {
				return err
			}
		default:
			m.stats.Noise++
		}
	}
}

// drop abandons the current frame on a receive timeout. Any other receive
// error is fatal for the loop.
func (m *Machine) drop(err error, counter *uint64) error {
	if !errors.Is(err, transport.ErrTimeout) {
		return err
	}
	*counter++
	m.log.WithField("state", m.state).Debug("Receive timeout, frame dropped")
	m.state = StateAwaitSync
	return nil
}

func (m *Machine) dispatch() (Exit, error) {
	if err := protocol.ParseCommand(m.rx[:m.length], &m.cmd); err != nil {
		m.stats.Malformed++
		m.log.WithError(err).Debug("Malformed payload dropped")
		return ExitNone, nil
	}

	cmd := &m.cmd
	m.log.WithField("command", cmd.String()).Debug("Dispatch")

	switch cmd.Opcode {
	case protocol.CmdWrite:
		return ExitNone, m.reply(m.flash.Write(cmd.Address, cmd.Data))
	case protocol.CmdVerify:
		return ExitNone, m.reply(m.flash.Verify(cmd.Address, cmd.Data))
	case protocol.CmdRead:
		return ExitNone, m.handleRead(cmd.Address, int(cmd.Count))
	case protocol.CmdErase:
		return ExitNone, m.reply(m.flash.EraseApplication())
	case protocol.CmdGetVersion:
		return ExitNone, m.sendBlock(Version.Bytes())
	case protocol.CmdConnect:
		return ExitNone, m.ack()
	case protocol.CmdReset:
		if err := m.ack(); err != nil {
			return ExitNone, err
		}
		m.log.Info("Reset requested")
		m.platform.Reset()
		return ExitReset, nil
	case protocol.CmdJump:
		return m.handleJump()
	default:
		m.stats.Dropped++
		return ExitNone, nil
	}
}

func (m *Machine) handleRead(address uint32, count int) error {
	data := m.tx[1 : 1+count]
	if err := m.flash.Read(address, data); err != nil {
		return m.reply(err)
	}
	return m.sendBlock(data)
}

// handleJump hands control to the application. The vector table is checked
// before the transport is released so a refused jump leaves the loop usable.
func (m *Machine) handleJump() (Exit, error) {
	if err := m.ack(); err != nil {
		return ExitNone, err
	}

	sp, pc, ok := checkApplication(m.flash, m.log)
	if !ok {
		m.stats.Rejected++
		return ExitNone, nil
	}

	shutdown(m.tr, m.log)
	m.log.WithFields(logrus.Fields{
		"sp": fmt.Sprintf("0x%08X", sp),
		"pc": fmt.Sprintf("0x%08X", pc),
	}).Info("Jumping to application")
	m.platform.Jump(sp, pc)
	return ExitJump, nil
}

// checkApplication is the only gate in front of a jump into application
// flash.
func checkApplication(fc *flash.Controller, log logrus.FieldLogger) (sp, pc uint32, ok bool) {
	sp, pc, err := fc.VectorTable()
	if err != nil {
		log.WithError(err).Warn("Cannot read application vector table")
		return 0, 0, false
	}
	if !fc.Layout().PlausibleStackPointer(sp) {
		log.WithField("sp", fmt.Sprintf("0x%08X", sp)).Warn("No valid application, staying in bootloader")
		return 0, 0, false
	}
	return sp, pc, true
}

// reply answers a command with Ack, or Nack when err is set.
func (m *Machine) reply(err error) error {
	if err != nil {
		m.log.WithError(err).Info("Command failed")
		m.stats.Nacks++
		return m.tr.SendByte(protocol.Nack)
	}
	return m.ack()
}

func (m *Machine) ack() error {
	m.stats.Acks++
	return m.tr.SendByte(protocol.Ack)
}

// sendBlock transmits Ack, data and its checksum in one write. data may
// already live in m.tx right after the status byte.
func (m *Machine) sendBlock(data []byte) error {
	n := len(data)
	m.tx[0] = protocol.Ack
	copy(m.tx[1:], data)
	m.tx[1+n] = protocol.CRC8(m.tx[1 : 1+n])
	m.stats.Acks++
	return m.tr.SendBytes(m.tx[:n+2])
}
