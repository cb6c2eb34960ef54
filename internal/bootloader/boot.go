package bootloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/serial-bootloader/internal/autobaud"
	"github.com/bigbag/serial-bootloader/internal/flash"
	"github.com/bigbag/serial-bootloader/internal/protocol"
	"github.com/bigbag/serial-bootloader/internal/transport"
)

// BootMagic in the boot intent register forces the bootloader to stay
// resident on the next reset.
const BootMagic = 0xA5

// Platform is the board support the bootloader needs beyond flash and
// transports.
type Platform interface {
	// BootPinAsserted reports whether the boot-mode pin requests the
	// bootloader.
	BootPinAsserted() bool

	// ReadBootIntent and ClearBootIntent access the battery-backed register
	// the application uses to request the bootloader.
	ReadBootIntent() byte
	ClearBootIntent()

	// Reset restarts the chip. On hardware it does not return.
	Reset()

	// Jump sets the main stack pointer and branches to pc. On hardware it
	// does not return.
	Jump(sp, pc uint32)
}

// UARTFactory opens the wired transport at baud.
type UARTFactory func(baud int) (transport.Transport, error)

// Config describes one boot cycle.
type Config struct {
	Platform Platform
	Flash    *flash.Controller

	// UART, when set, is opened at BaudRate, or at the auto-baud result
	// when Capture is set.
	UART     UARTFactory
	BaudRate int
	Capture  autobaud.Capture

	// Transports are always-present channels such as USB CDC. They join
	// arbitration after the UART.
	Transports []transport.Transport

	// Debug keeps the bootloader resident regardless of pin and intent.
	Debug bool

	Log logrus.FieldLogger
}

// Result describes how a boot cycle ended.
type Result struct {
	Exit      Exit
	Transport string
	Stats     Stats
}

// Boot runs one boot cycle: the entry decision, transport bring-up,
// arbitration and the command loop.
func Boot(ctx context.Context, cfg Config) (Result, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Platform == nil || cfg.Flash == nil {
		return Result{}, errors.New("boot: platform and flash are required")
	}

	intent := cfg.Platform.ReadBootIntent()
	cfg.Platform.ClearBootIntent()

	pin := cfg.Platform.BootPinAsserted()
	stay := pin || intent == BootMagic || cfg.Debug
	log.WithFields(logrus.Fields{
		"boot_pin": pin,
		"intent":   fmt.Sprintf("0x%02X", intent),
		"debug":    cfg.Debug,
	}).Debug("Entry decision")

	if !stay {
		if sp, pc, ok := checkApplication(cfg.Flash, log); ok {
			log.Info("Starting application")
			for _, t := range cfg.Transports {
				shutdown(t, log)
			}
			cfg.Platform.Jump(sp, pc)
			return Result{Exit: ExitJump}, nil
		}
	}

	candidates, err := openTransports(cfg, log)
	if err != nil {
		return Result{}, err
	}

	var tr transport.Transport
	if len(candidates) == 1 {
		tr = candidates[0]
	} else {
		tr, err = transport.Select(ctx, protocol.CmdConnect, protocol.Ack, transport.DefaultPollInterval, log, candidates...)
		if err != nil {
			for _, c := range candidates {
				shutdown(c, log)
			}
			return Result{}, fmt.Errorf("transport selection: %w", err)
		}
	}

	m := NewMachine(tr, cfg.Flash, cfg.Platform, log)
	exit, err := m.Run(ctx)
	if exit != ExitJump {
		shutdown(tr, log)
	}
	return Result{Exit: exit, Transport: tr.Name(), Stats: m.Stats()}, err
}

func shutdown(t transport.Transport, log logrus.FieldLogger) {
	if err := t.Shutdown(); err != nil {
		log.WithField("transport", t.Name()).WithError(err).Warn("Transport shutdown failed")
	}
}

func openTransports(cfg Config, log logrus.FieldLogger) ([]transport.Transport, error) {
	var candidates []transport.Transport

	if cfg.UART != nil {
		baud := cfg.BaudRate
		if baud == 0 {
			baud = protocol.DefaultBaudRate
		}
		if cfg.Capture != nil {
			d := autobaud.NewDetector(cfg.Capture, log)
			d.Fallback = baud
			if measured, ok := d.Detect(); ok {
				baud = autobaud.Standard(measured)
			}
		}

		uart, err := cfg.UART(baud)
		if err != nil {
			return nil, fmt.Errorf("open uart at %d baud: %w", baud, err)
		}
		log.WithField("baud", baud).Debug("UART ready")
		candidates = append(candidates, uart)
	}

	candidates = append(candidates, cfg.Transports...)
	if len(candidates) == 0 {
		return nil, errors.New("boot: no transports configured")
	}
	return candidates, nil
}
