package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/rtcm-streamer/internal/publish"
	"github.com/temoto/rtcm-streamer/log2"
	"github.com/temoto/rtcm-streamer/rtcm"
)

type fakeSink struct {
	events chan publish.Event
	// rejectAt: 1-based publish call numbers answered with ErrQueueFull
	rejectAt map[int]bool

	mu     sync.Mutex
	calls  int
	pubs   [][]byte
	closed []time.Duration
}

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan publish.Event, 8), rejectAt: map[int]bool{}}
}

func (self *fakeSink) Publish(payload []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if len(self.closed) != 0 {
		return publish.ErrClosing
	}
	self.calls++
	if self.rejectAt[self.calls] {
		return publish.ErrQueueFull
	}
	self.pubs = append(self.pubs, payload)
	return nil
}
func (self *fakeSink) Events() <-chan publish.Event { return self.events }
func (self *fakeSink) Close(timeout time.Duration) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.closed = append(self.closed, timeout)
	return nil
}
func (self *fakeSink) Stat() publish.Stat {
	self.mu.Lock()
	defer self.mu.Unlock()
	return publish.Stat{Accepted: uint64(len(self.pubs))}
}
func (self *fakeSink) Published() [][]byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([][]byte(nil), self.pubs...)
}
func (self *fakeSink) Closed() []time.Duration {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]time.Duration(nil), self.closed...)
}

type fakeSource struct {
	io.Reader
	mu     sync.Mutex
	closed int
}

func (self *fakeSource) Close() error {
	self.mu.Lock()
	self.closed++
	self.mu.Unlock()
	return nil
}
func (self *fakeSource) Closed() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.closed
}

func testClock() func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func corrupt(f rtcm.Frame) rtcm.Frame {
	c := append(rtcm.Frame(nil), f...)
	c[len(c)-1] ^= 0xff
	return c
}

func concat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func decodeFrames(t testing.TB, pubs [][]byte, width int) []rtcm.Frame {
	fs := make([]rtcm.Frame, len(pubs))
	var last uint64
	for i, p := range pubs {
		tagged, err := rtcm.DecodeTagged(p, width)
		require.NoError(t, err)
		assert.True(t, tagged.TimeMs >= last, "timestamps must not decrease")
		last = tagged.TimeMs
		fs[i] = tagged.Frame
	}
	return fs
}

func TestRun(t *testing.T) {
	t.Parallel()

	f1 := rtcm.MustBuildFrame([]byte{0x3e, 0xd0, 0x00, 0x03})
	f2 := rtcm.MustBuildFrame(bytes.Repeat([]byte{0x55}, 19))
	f3 := rtcm.MustBuildFrame(nil)

	type tenv struct {
		opt  Options
		sink *fakeSink
	}
	cases := []struct {
		name   string
		input  []byte
		setup  func(env *tenv)
		reason Reason
		frames []rtcm.Frame
		check  func(t testing.TB, s *Supervisor, r Result)
	}{
		{"source-end", concat([]byte{0x00, 0x11}, f1, f2, []byte{0x42}, f3), nil,
			ReasonSourceEnd, []rtcm.Frame{f1, f2, f3},
			func(t testing.TB, s *Supervisor, r Result) {
				assert.Equal(t, io.EOF, errors.Cause(r.Err))
				assert.Equal(t, ExitFatal, r.ExitCode())
				assert.Equal(t, Stat{Frames: 3, Skipped: 3, Errors: 1}, s.Stat())
			}},
		{"truncated", []byte{0xd3, 0x00}, nil,
			ReasonFatal, []rtcm.Frame{},
			func(t testing.TB, s *Supervisor, r Result) {
				assert.Equal(t, rtcm.ErrTruncated, errors.Cause(r.Err), errors.ErrorStack(r.Err))
				assert.Equal(t, uint64(0), s.Stat().Frames)
			}},
		{"truncated-after-frame", concat(f1, f2[:7]), nil,
			ReasonFatal, []rtcm.Frame{f1},
			func(t testing.TB, s *Supervisor, r Result) {
				assert.Equal(t, rtcm.ErrTruncated, errors.Cause(r.Err))
			}},
		{"queue-full", concat(f1, f2, f3), func(env *tenv) { env.sink.rejectAt[2] = true },
			ReasonSourceEnd, []rtcm.Frame{f1, f3},
			func(t testing.TB, s *Supervisor, r Result) {
				assert.Equal(t, uint64(1), s.Stat().Rejected)
				assert.Equal(t, uint64(3), s.Stat().Frames)
				assert.Equal(t, uint64(2), s.Stat().Errors, "frame lost, stream stop")
			}},
		{"corrupt-forwarded", concat(f1, corrupt(f2), f3), nil,
			ReasonSourceEnd, []rtcm.Frame{f1, corrupt(f2), f3}, nil},
		{"verify-crc", concat(f1, corrupt(f2), f3), func(env *tenv) { env.opt.VerifyCRC = true },
			ReasonSourceEnd, []rtcm.Frame{f1, f3},
			func(t testing.TB, s *Supervisor, r Result) {
				assert.Equal(t, uint64(1), s.Stat().Dropped)
			}},
		{"width-8", concat(f1, f2), func(env *tenv) { env.opt.TimestampWidth = 8 },
			ReasonSourceEnd, []rtcm.Frame{f1, f2}, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{Reader: bytes.NewReader(c.input)}
			env := &tenv{sink: newFakeSink()}
			env.sink.events <- publish.Event{Kind: publish.EventConnected}
			ready := 0
			env.opt = Options{
				OpenSource:   func() (Source, error) { return src, nil },
				Connect:      func(context.Context) (Sink, error) { return env.sink, nil },
				Now:          testClock(),
				DrainTimeout: time.Second,
				OnReady:      func() { ready++ },
				Log:          log2.NewTest(t, log2.LDebug),
			}
			if c.setup != nil {
				c.setup(env)
			}
			s, err := New(env.opt)
			require.NoError(t, err)
			r := s.Run(context.Background())

			assert.Equal(t, c.reason, r.Reason, r.String())
			width := env.opt.TimestampWidth
			if width == 0 {
				width = rtcm.DefaultStampWidth
			}
			assert.Equal(t, c.frames, decodeFrames(t, env.sink.Published(), width))
			assert.Equal(t, StateStopped, s.State())
			assert.Equal(t, 1, ready)
			// draining executed
			assert.Equal(t, []time.Duration{time.Second}, env.sink.Closed())
			assert.True(t, src.Closed() >= 1)
			if c.check != nil {
				c.check(t, s, r)
			}
		})
	}
}

func TestRunInterrupt(t *testing.T) {
	t.Parallel()
	f1 := rtcm.MustBuildFrame([]byte{1, 2, 3})
	pr, pw := io.Pipe()
	sink := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(Options{
		OpenSource: func() (Source, error) { return pr, nil },
		Connect:    func(context.Context) (Sink, error) { return sink, nil },
		Log:        log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)

	resultch := make(chan Result, 1)
	go func() { resultch <- s.Run(ctx) }()
	_, err = pw.Write(f1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.Published()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())

	// delivery problems are logged as errors and counted
	sink.events <- publish.Event{Kind: publish.EventConnectionLost, Err: fmt.Errorf("eof")}
	sink.events <- publish.Event{Kind: publish.EventRetry, MessageID: 1, Err: errors.Timeoutf("ack")}
	sink.events <- publish.Event{Kind: publish.EventPublished, MessageID: 2}
	require.Eventually(t, func() bool { return s.Stat().Errors == 2 }, 5*time.Second, 5*time.Millisecond)

	// reader is blocked inside next frame
	_, err = pw.Write(f1[:2])
	require.NoError(t, err)
	cancel()
	select {
	case r := <-resultch:
		assert.Equal(t, ReasonInterrupt, r.Reason, r.String())
		assert.NoError(t, r.Err)
		assert.Equal(t, ExitOK, r.ExitCode())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after interrupt")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.Len(t, sink.Closed(), 1)
}

func TestRunInterruptSettle(t *testing.T) {
	t.Parallel()
	src := &fakeSource{Reader: bytes.NewReader(nil)}
	sink := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := New(Options{
		OpenSource:  func() (Source, error) { return src, nil },
		Connect:     func(context.Context) (Sink, error) { return sink, nil },
		SettleDelay: time.Hour,
		OnReady:     func() { t.Error("OnReady must not be called") },
		Log:         log2.NewTest(t, log2.LDebug),
	})
	require.NoError(t, err)
	r := s.Run(ctx)
	assert.Equal(t, ReasonInterrupt, r.Reason)
	assert.Len(t, sink.Closed(), 1)
	assert.Equal(t, 1, src.Closed())
}

func TestRunStartup(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		openErr     error
		connectErr  error
		srcClosed   int
		expectCause error
	}{
		{"open", errors.NotFoundf("/dev/none"), nil, 0, nil},
		{"connect", nil, publish.ErrConnect, 1, publish.ErrConnect},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			src := &fakeSource{Reader: bytes.NewReader(nil)}
			s, err := New(Options{
				OpenSource: func() (Source, error) {
					if c.openErr != nil {
						return nil, c.openErr
					}
					return src, nil
				},
				Connect: func(context.Context) (Sink, error) {
					if c.connectErr != nil {
						return nil, errors.Annotate(c.connectErr, "test")
					}
					return newFakeSink(), nil
				},
				Log: log2.NewTest(t, log2.LDebug),
			})
			require.NoError(t, err)
			r := s.Run(context.Background())
			assert.Equal(t, ReasonStartup, r.Reason)
			assert.Equal(t, ExitStartup, r.ExitCode())
			require.Error(t, r.Err)
			if c.expectCause != nil {
				assert.Equal(t, c.expectCause, errors.Cause(r.Err))
			} else {
				assert.True(t, errors.IsNotFound(errors.Cause(r.Err)))
			}
			assert.Equal(t, c.srcClosed, src.Closed())
			assert.Equal(t, StateStopped, s.State())
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	open := func() (Source, error) { return nil, fmt.Errorf("unused") }
	connect := func(context.Context) (Sink, error) { return nil, fmt.Errorf("unused") }

	_, err := New(Options{Connect: connect})
	assert.True(t, errors.IsNotValid(err))
	_, err = New(Options{OpenSource: open})
	assert.True(t, errors.IsNotValid(err))
	_, err = New(Options{OpenSource: open, Connect: connect, TimestampWidth: 4})
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
	s, err := New(Options{OpenSource: open, Connect: connect})
	require.NoError(t, err)
	assert.Equal(t, StateStarting, s.State())
	assert.Equal(t, "starting", s.State().String())
}
