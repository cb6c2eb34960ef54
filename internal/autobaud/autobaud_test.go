package autobaud

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	clock   uint32
	counter atomic.Uint32

	mu        sync.Mutex
	handler   func()
	armErr    error
	suspended bool
	resumed   bool
	disarmed  bool
}

func (c *fakeCapture) ClockHz() uint32 { return c.clock }
func (c *fakeCapture) ResetCounter()   { c.counter.Store(0) }
func (c *fakeCapture) Counter() uint32 { return c.counter.Load() }

func (c *fakeCapture) SuspendTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
}

func (c *fakeCapture) ResumeTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
}

func (c *fakeCapture) Arm(h func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armErr != nil {
		return c.armErr
	}
	c.handler = h
	return nil
}

func (c *fakeCapture) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.disarmed = true
}

// connect plays the two rising edges of 0x7F at baud once the detector has
// armed the capture.
func (c *fakeCapture) connect(baud int) {
	var h func()
	for h == nil {
		time.Sleep(time.Millisecond)
		c.mu.Lock()
		h = c.handler
		c.mu.Unlock()
	}
	c.counter.Store(12345)
	h()
	c.counter.Add(uint32(uint64(BitsBetweenEdges) * uint64(c.clock) / uint64(baud)))
	h()
}

func TestDetector_Measure(t *testing.T) {
	tests := []struct {
		clock uint32
		baud  int
	}{
		{72000000, 115200},
		{72000000, 9600},
		{84000000, 57600},
		{168000000, 921600},
	}

	for _, tt := range tests {
		log, _ := test.NewNullLogger()
		capture := &fakeCapture{clock: tt.clock}
		d := NewDetector(capture, log)

		go capture.connect(tt.baud)

		got, err := d.Measure()
		require.NoError(t, err)
		require.Equal(t, tt.baud, Standard(got))
		require.InDelta(t, tt.baud, got, float64(tt.baud)/100)
		require.True(t, capture.suspended)
		require.True(t, capture.resumed)
		require.True(t, capture.disarmed)
	}
}

func TestDetector_Fallback(t *testing.T) {
	log, hook := test.NewNullLogger()
	capture := &fakeCapture{clock: 72000000}
	d := NewDetector(capture, log)
	d.Timeout = 20 * time.Millisecond

	baud, ok := d.Detect()
	require.False(t, ok)
	require.Equal(t, DefaultFallback, baud)
	require.NotNil(t, hook.LastEntry())
	require.True(t, capture.resumed)

	_, err := d.Measure()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDetector_SingleEdgeTimesOut(t *testing.T) {
	log, _ := test.NewNullLogger()
	capture := &fakeCapture{clock: 72000000}
	d := NewDetector(capture, log)
	d.Timeout = 30 * time.Millisecond

	go func() {
		for {
			capture.mu.Lock()
			h := capture.handler
			capture.mu.Unlock()
			if h != nil {
				h()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := d.Measure()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDetector_ArmError(t *testing.T) {
	log, _ := test.NewNullLogger()
	capture := &fakeCapture{clock: 72000000, armErr: errors.New("pin busy")}
	d := NewDetector(capture, log)

	baud, ok := d.Detect()
	require.False(t, ok)
	require.Equal(t, DefaultFallback, baud)
}

func TestDetector_Glitch(t *testing.T) {
	log, _ := test.NewNullLogger()
	capture := &fakeCapture{clock: 72000000}
	d := NewDetector(capture, log)

	// Edges a few ticks apart would imply tens of megabaud.
	go func() {
		var h func()
		for h == nil {
			time.Sleep(time.Millisecond)
			capture.mu.Lock()
			h = capture.handler
			capture.mu.Unlock()
		}
		h()
		capture.counter.Add(3)
		h()
	}()

	_, err := d.Measure()
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestStandard(t *testing.T) {
	require.Equal(t, 115200, Standard(114000))
	require.Equal(t, 9600, Standard(9650))
	require.Equal(t, 1200, Standard(100))
	require.Equal(t, 2000000, Standard(5000000))
}
