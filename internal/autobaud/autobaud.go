// Package autobaud measures the host's baud rate from the connect byte.
//
// The host sends 0x7F framed as 8N1. On the wire that is a start bit, seven
// ones and a zero (LSB first), then the stop bit. The receive line therefore
// rises once at the end of the start bit and again at the start of the stop
// bit, eight bit periods later.
package autobaud

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// BitsBetweenEdges is the number of bit periods between the two rising
// edges of the connect byte.
const BitsBetweenEdges = 8

// DefaultTimeout bounds the wait for the second edge.
const DefaultTimeout = time.Second

// DefaultFallback is used whenever measurement fails.
const DefaultFallback = 115200

var (
	ErrTimeout     = errors.New("auto-baud: no connect pattern before timeout")
	ErrNoMeasure   = errors.New("auto-baud: zero tick interval")
	ErrOutOfBounds = errors.New("auto-baud: measured rate outside supported range")
)

// Capture is the timer and edge-capture hardware used for the measurement.
type Capture interface {
	// ClockHz is the counter frequency.
	ClockHz() uint32

	// SuspendTick and ResumeTick stop and restart the periodic system tick
	// so it cannot stretch the measurement.
	SuspendTick()
	ResumeTick()

	ResetCounter()
	Counter() uint32

	// Arm enables the rising-edge interrupt on the receive pin. The handler
	// runs asynchronously to the caller.
	Arm(onRisingEdge func()) error
	Disarm()
}

// Detector runs one measurement at a time.
type Detector struct {
	capture Capture
	log     logrus.FieldLogger

	Timeout  time.Duration
	Fallback int

	// MinBaud and MaxBaud reject measurements caused by glitches.
	MinBaud int
	MaxBaud int

	edges    atomic.Uint32
	captured atomic.Uint32
}

// NewDetector creates a Detector with the default timeout and fallback.
func NewDetector(capture Capture, log logrus.FieldLogger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{
		capture:  capture,
		log:      log,
		Timeout:  DefaultTimeout,
		Fallback: DefaultFallback,
		MinBaud:  1200,
		MaxBaud:  4000000,
	}
}

// onEdge is the interrupt handler. The captured value is stored before the
// second edge is published, so a reader that sees two edges also sees it.
func (d *Detector) onEdge() {
	switch d.edges.Load() {
	case 0:
		d.capture.ResetCounter()
		d.edges.Store(1)
	case 1:
		d.captured.Store(d.capture.Counter())
		d.edges.Store(2)
	}
}

// Measure waits for the connect pattern and returns the host baud rate.
func (d *Detector) Measure() (int, error) {
	d.edges.Store(0)
	d.captured.Store(0)

	d.capture.SuspendTick()
	defer d.capture.ResumeTick()

	if err := d.capture.Arm(d.onEdge); err != nil {
		return 0, fmt.Errorf("auto-baud: arm capture: %w", err)
	}
	defer d.capture.Disarm()

	deadline := time.Now().Add(d.Timeout)
	for d.edges.Load() < 2 {
		if !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		time.Sleep(50 * time.Microsecond)
	}

	ticks := d.captured.Load()
	if ticks == 0 {
		return 0, ErrNoMeasure
	}

	baud := int(uint64(BitsBetweenEdges) * uint64(d.capture.ClockHz()) / uint64(ticks))
	if baud < d.MinBaud || baud > d.MaxBaud {
		return 0, fmt.Errorf("%w: %d", ErrOutOfBounds, baud)
	}
	return baud, nil
}

// Detect measures the baud rate, falling back to d.Fallback on any failure.
// The second result reports whether the measurement succeeded.
func (d *Detector) Detect() (int, bool) {
	baud, err := d.Measure()
	if err != nil {
		d.log.WithError(err).WithField("fallback", d.Fallback).Warn("Auto-baud failed")
		return d.Fallback, false
	}
	d.log.WithField("baud", baud).Info("Auto-baud detected")
	return baud, true
}

// Standard returns the standard rate nearest to baud.
func Standard(baud int) int {
	rates := []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600, 1000000, 2000000}
	best := rates[0]
	for _, r := range rates {
		if abs(r-baud) < abs(best-baud) {
			best = r
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
