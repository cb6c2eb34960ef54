package programmer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/serial-bootloader/internal/bootloader"
	"github.com/bigbag/serial-bootloader/internal/flash"
	"github.com/bigbag/serial-bootloader/internal/protocol"
	"github.com/bigbag/serial-bootloader/internal/sim"
	"github.com/bigbag/serial-bootloader/internal/transport"
)

type device struct {
	host   *sim.Endpoint
	mem    *flash.Memory
	layout flash.Layout

	mu     sync.Mutex
	frames [][]byte
}

func (d *device) sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.frames...)
}

// startDevice runs a bootloader command loop on the far end of a simulated
// link, optionally powering it on after delay.
func startDevice(t *testing.T, delay time.Duration) *device {
	t.Helper()
	log, _ := test.NewNullLogger()

	profiles, err := flash.BuiltinProfiles()
	require.NoError(t, err)
	_, layout, err := profiles.Lookup("stm32f401xe")
	require.NoError(t, err)

	mem := flash.NewMemory(layout)
	fc := flash.NewController(mem, layout, log)
	host, end := sim.NewLink()

	d := &device{host: host, mem: mem, layout: layout}
	host.Tap = func(p []byte) {
		d.mu.Lock()
		d.frames = append(d.frames, p)
		d.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if delay > 0 {
			time.Sleep(delay)
			// Bytes sent while the board was off are lost.
			end.Flush()
		}
		m := bootloader.NewMachine(transport.NewStream("uart", end), fc, sim.NewPlatform(true, 0, log), log)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func newProgrammer(t *testing.T, port Port, opts ...Option) *Programmer {
	log, _ := test.NewNullLogger()
	return New(port, append([]Option{WithLogger(log)}, opts...)...)
}

func image(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*31 + 7)
	}
	return buf
}

func TestConnect_AfterPowerOn(t *testing.T) {
	d := startDevice(t, 350*time.Millisecond)
	p := newProgrammer(t, d.host)

	require.NoError(t, p.Connect(context.Background()))

	attempts := 0
	for _, f := range d.sent() {
		if bytes.Equal(f, []byte{protocol.CmdConnect}) {
			attempts++
		}
	}
	require.Greater(t, attempts, 1)
	require.LessOrEqual(t, attempts, 10)
}

func TestConnect_NoDevice(t *testing.T) {
	host, _ := sim.NewLink()
	p := newProgrammer(t, host, WithConnectRetry(3, 10*time.Millisecond))

	err := p.Connect(context.Background())
	require.True(t, errors.Is(err, ErrConnect))
	require.Contains(t, err.Error(), "after 3 attempts")
}

func TestWriteReadImage(t *testing.T) {
	d := startDevice(t, 0)
	var progress []int
	p := newProgrammer(t, d.host, WithProgress(func(current, total int) {
		require.Equal(t, 500, total)
		progress = append(progress, current)
	}))
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	img := image(500)
	base := d.layout.WritableStart()

	stats, err := p.Write(ctx, img, base)
	require.NoError(t, err)
	require.Equal(t, 500, stats.Bytes)
	require.Equal(t, 3, stats.Chunks)
	require.Equal(t, []int{240, 480, 500}, progress)

	var writes []*protocol.Command
	for _, f := range d.sent() {
		if len(f) > 2 && f[0] == protocol.SyncChar {
			var cmd protocol.Command
			require.NoError(t, protocol.ParseCommand(f[2:], &cmd))
			if cmd.Opcode == protocol.CmdWrite {
				c := cmd
				writes = append(writes, &c)
			}
		}
	}
	require.Len(t, writes, 3)
	require.Equal(t, base, writes[0].Address)
	require.Equal(t, base+240, writes[1].Address)
	require.Equal(t, base+480, writes[2].Address)
	require.Equal(t, byte(20), writes[2].Count)

	got, stats, err := p.Read(ctx, base, len(img))
	require.NoError(t, err)
	require.Equal(t, img, got)
	require.Equal(t, 3, stats.Chunks)

	_, err = p.Verify(ctx, img, base)
	require.NoError(t, err)
}

func TestEraseThenRead(t *testing.T) {
	d := startDevice(t, 0)
	p := newProgrammer(t, d.host)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	base := d.layout.WritableStart()
	_, err := p.Write(ctx, image(64), base+0x1000)
	require.NoError(t, err)
	require.NoError(t, p.Erase(ctx))

	got, _, err := p.Read(ctx, base+0x1000-16, 96)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{flash.ErasedValue}, 96), got)
}

func TestWrite_NackAborts(t *testing.T) {
	d := startDevice(t, 0)
	calls := 0
	p := newProgrammer(t, d.host, WithProgress(func(int, int) { calls++ }))
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	// The second chunk crosses the end of flash.
	start := d.layout.WritableEnd() - 240
	stats, err := p.Write(ctx, image(480), start)
	require.True(t, errors.Is(err, ErrNack))
	require.Contains(t, err.Error(), "write chunk 1")
	require.Equal(t, 1, stats.Chunks)
	require.Equal(t, 1, calls)

	_, err = p.Write(ctx, image(16), d.layout.Base)
	require.True(t, errors.Is(err, ErrNack))
}

func TestVerify_Mismatch(t *testing.T) {
	d := startDevice(t, 0)
	p := newProgrammer(t, d.host, WithChunkSize(128))
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	img := image(400)
	base := d.layout.WritableStart()
	_, err := p.Write(ctx, img, base)
	require.NoError(t, err)

	changed := append([]byte(nil), img...)
	changed[300] ^= 0x80
	stats, err := p.Verify(ctx, changed, base)
	require.True(t, errors.Is(err, ErrNack))
	require.Equal(t, 2, stats.Chunks)
}

func TestGetVersionResetJump(t *testing.T) {
	d := startDevice(t, 0)
	p := newProgrammer(t, d.host)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))

	v, err := p.GetVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, bootloader.Version, v)
	require.True(t, v.AtLeast("0.1.0"))

	// No application installed: the jump is acknowledged and refused.
	require.NoError(t, p.Jump(ctx))
	require.NoError(t, p.Connect(ctx))

	require.NoError(t, p.Reset(ctx))
}

// scriptedPort answers every write with the next canned reply.
type scriptedPort struct {
	replies [][]byte
	pending []byte
}

func (s *scriptedPort) Write(p []byte) (int, error) {
	if len(s.replies) > 0 {
		s.pending = append(s.pending, s.replies[0]...)
		s.replies = s.replies[1:]
	}
	return len(p), nil
}

func (s *scriptedPort) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	if len(s.pending) == 0 {
		time.Sleep(timeout)
		return 0, nil
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *scriptedPort) Flush() error {
	s.pending = nil
	return nil
}

// slowDevice acks every connect byte after delay and rejects every frame.
func slowDevice(t *testing.T, end *sim.Endpoint, delay time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var b [protocol.MaxPayloadSize]byte
		for ctx.Err() == nil {
			n, err := end.ReadWithTimeout(b[:1], 10*time.Millisecond)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			switch b[0] {
			case protocol.CmdConnect:
				time.AfterFunc(delay, func() { end.Write([]byte{protocol.Ack}) })
			case protocol.SyncChar:
				if n, _ := end.ReadWithTimeout(b[:1], time.Second); n == 0 {
					continue
				}
				length := int(b[0])
				for got := 0; got < length; {
					n, err := end.ReadWithTimeout(b[got:length], time.Second)
					if err != nil || n == 0 {
						break
					}
					got += n
				}
				end.Write([]byte{protocol.Nack})
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestConnect_LateAckDoesNotShiftReplies(t *testing.T) {
	host, end := sim.NewLink()
	slowDevice(t, end, 150*time.Millisecond)
	p := newProgrammer(t, host, WithConnectRetry(10, 100*time.Millisecond), WithReplyTimeout(time.Second))

	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	require.ErrorIs(t, p.Erase(ctx), ErrNack)
	_, err := p.Write(ctx, image(8), 0x08004000)
	require.ErrorIs(t, err, ErrNack)
}

type flakyFlushPort struct {
	scriptedPort
}

func (f *flakyFlushPort) Flush() error {
	f.pending = nil
	return errors.New("flush not supported")
}

func TestConnect_FlushErrorLogged(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	port := &flakyFlushPort{scriptedPort{replies: [][]byte{{protocol.Ack}}}}
	p := New(port, WithLogger(log), WithConnectRetry(1, 10*time.Millisecond))

	require.NoError(t, p.Connect(context.Background()))

	logged := false
	for _, e := range hook.AllEntries() {
		if e.Message == "Input flush failed" {
			logged = true
		}
	}
	require.True(t, logged)
}

func TestRead_ChecksumMismatch(t *testing.T) {
	block := protocol.EncodeBlock([]byte{1, 2, 3, 4})
	block[len(block)-1] ^= 0xFF
	port := &scriptedPort{replies: [][]byte{append([]byte{protocol.Ack}, block...)}}
	p := newProgrammer(t, port)

	_, _, err := p.Read(context.Background(), 0x08004000, 4)
	require.True(t, errors.Is(err, ErrChecksum))
}

func TestExchange_Errors(t *testing.T) {
	ctx := context.Background()

	p := newProgrammer(t, &scriptedPort{}, WithReplyTimeout(20*time.Millisecond))
	err := p.Reset(ctx)
	require.True(t, errors.Is(err, ErrNoResponse))

	p = newProgrammer(t, &scriptedPort{replies: [][]byte{{protocol.Error}}})
	require.True(t, errors.Is(p.Jump(ctx), ErrUnexpected))

	p = newProgrammer(t, &scriptedPort{replies: [][]byte{{protocol.Ack, 0, 1}}}, WithReplyTimeout(20*time.Millisecond))
	_, err = p.GetVersion(ctx)
	require.True(t, errors.Is(err, ErrNoResponse))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Write(cancelled, image(8), 0x08004000)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOptions(t *testing.T) {
	p := newProgrammer(t, &scriptedPort{}, WithChunkSize(250), WithChunkSize(0), WithChunkSize(62))
	require.Equal(t, protocol.DefaultChunkSize, p.ChunkSize())

	p = newProgrammer(t, &scriptedPort{}, WithChunkSize(protocol.MaxDataSize))
	require.Equal(t, protocol.MaxDataSize, p.ChunkSize())
}

func TestStats(t *testing.T) {
	s := Stats{Bytes: 2000, Elapsed: time.Second}
	require.InDelta(t, 2000.0, s.Throughput(), 0.001)
	require.Equal(t, "2000 bytes in 1000 ms (2.00 kB/s)", s.String())
	require.Zero(t, Stats{}.Throughput())
}
