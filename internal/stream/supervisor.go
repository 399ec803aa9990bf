// Package stream runs serial to MQTT pipeline.
// Starting -> Streaming -> Draining -> Stopped
package stream

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/rtcm-streamer/internal/publish"
	"github.com/temoto/rtcm-streamer/log2"
	"github.com/temoto/rtcm-streamer/rtcm"
)

const (
	DefaultSettleDelay  = 1 * time.Second
	DefaultDrainTimeout = 5 * time.Second
)

type Source interface {
	io.Reader
	io.Closer
}

// Sink is implemented by *publish.Sink.
type Sink interface {
	Publish(payload []byte) error
	Events() <-chan publish.Event
	Close(timeout time.Duration) error
	Stat() publish.Stat
}

type Options struct {
	OpenSource func() (Source, error)
	Connect    func(ctx context.Context) (Sink, error)

	TimestampWidth int              // default rtcm.DefaultStampWidth
	Now            func() time.Time // default time.Now
	SettleDelay    time.Duration
	DrainTimeout   time.Duration // default DefaultDrainTimeout, applied separately to sink and source
	StatInterval   time.Duration // 0 disables periodic stat log
	VerifyCRC      bool

	OnReady func()
	// Errors written to Log after New are counted in Stat.Errors.
	Log *log2.Log
}

type Stat struct {
	Frames   uint64
	Dropped  uint64 // check value mismatch, VerifyCRC only
	Rejected uint64 // publish queue full
	Skipped  uint64
	Errors   uint64
}

func (s Stat) String() string {
	return fmt.Sprintf("frames=%d dropped=%d rejected=%d skipped=%d errors=%d", s.Frames, s.Dropped, s.Rejected, s.Skipped, s.Errors)
}

type Supervisor struct {
	frames   uint64 // atomic align
	dropped  uint64
	rejected uint64
	errors   uint64

	log     *log2.Log
	opt     Options
	stamper *rtcm.Stamper
	state   uint32
	reader  atomic.Value // *rtcm.Reader
}

func New(opt Options) (*Supervisor, error) {
	if opt.OpenSource == nil {
		return nil, errors.NotValidf("stream OpenSource=nil")
	}
	if opt.Connect == nil {
		return nil, errors.NotValidf("stream Connect=nil")
	}
	if opt.TimestampWidth == 0 {
		opt.TimestampWidth = rtcm.DefaultStampWidth
	}
	if opt.DrainTimeout <= 0 {
		opt.DrainTimeout = DefaultDrainTimeout
	}
	stamper, err := rtcm.NewStamper(opt.TimestampWidth, opt.Now)
	if err != nil {
		return nil, errors.Annotate(err, "stream")
	}
	self := &Supervisor{
		log:     opt.Log,
		opt:     opt,
		stamper: stamper,
	}
	self.log.SetErrorFunc(func(error) { atomic.AddUint64(&self.errors, 1) })
	self.setState(StateStarting)
	return self, nil
}

func (self *Supervisor) State() State { return State(atomic.LoadUint32(&self.state)) }
func (self *Supervisor) setState(new State) {
	old := State(atomic.SwapUint32(&self.state, uint32(new)))
	if old != new {
		self.log.Debugf("stream state %s -> %s", old, new)
	}
}

func (self *Supervisor) Stat() Stat {
	s := Stat{
		Frames:   atomic.LoadUint64(&self.frames),
		Dropped:  atomic.LoadUint64(&self.dropped),
		Rejected: atomic.LoadUint64(&self.rejected),
		Errors:   atomic.LoadUint64(&self.errors),
	}
	if r, ok := self.reader.Load().(*rtcm.Reader); ok {
		s.Skipped = r.Stat().Skipped
	}
	return s
}

// Run blocks until ctx is cancelled or pipeline fails.
// Draining is always executed once source is open.
func (self *Supervisor) Run(ctx context.Context) Result {
	self.setState(StateStarting)
	src, err := self.opt.OpenSource()
	if err != nil {
		self.setState(StateStopped)
		return Result{Reason: ReasonStartup, Err: errors.Annotate(err, "open source")}
	}
	sink, err := self.opt.Connect(ctx)
	if err != nil {
		self.closeSource(src)
		self.setState(StateStopped)
		return Result{Reason: ReasonStartup, Err: errors.Annotate(err, "connect")}
	}

	eventsStop := make(chan struct{})
	eventsDone := make(chan struct{})
	go self.watchEvents(sink, eventsStop, eventsDone)

	var result Result
	if self.settle(ctx) {
		self.setState(StateStreaming)
		if self.opt.OnReady != nil {
			self.opt.OnReady()
		}
		result = self.stream(ctx, src, sink)
	} else {
		result = Result{Reason: ReasonInterrupt}
	}
	switch result.Reason {
	case ReasonInterrupt:
		self.log.Infof("stream interrupted")
	default:
		self.log.Errorf("stream stop %s", result.String())
	}

	self.setState(StateDraining)
	self.drain(src, sink)
	close(eventsStop)
	<-eventsDone
	self.log.Infof("stream stopped %s", self.Stat().String())
	self.setState(StateStopped)
	return result
}

func (self *Supervisor) settle(ctx context.Context) bool {
	if self.opt.SettleDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(self.opt.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (self *Supervisor) stream(ctx context.Context, src Source, sink Sink) Result {
	// Blocked read can only be interrupted by closing the source.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			self.log.Debugf("stream ctx done, closing source")
			self.closeSource(src)
		case <-done:
		}
	}()

	r := rtcm.NewReader(src)
	self.reader.Store(r)
	for {
		frame, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return Result{Reason: ReasonInterrupt}
			}
			if err == io.EOF {
				return Result{Reason: ReasonSourceEnd, Err: errors.Annotate(err, "source ended")}
			}
			return Result{Reason: ReasonFatal, Err: errors.Annotate(err, "stream")}
		}
		atomic.AddUint64(&self.frames, 1)

		if self.opt.VerifyCRC && !frame.Verify() {
			atomic.AddUint64(&self.dropped, 1)
			self.log.Errorf("stream drop %s check mismatch computed=%06x", frame.String(), rtcm.CRC24Q(frame[:len(frame)-rtcm.CheckLen]))
			continue
		}

		tagged := self.stamper.Tag(frame)
		switch err := sink.Publish(tagged.Bytes()); err {
		case nil:
			self.log.Debugf("stream publish %s time=%d", frame.String(), tagged.TimeMs)
		case publish.ErrQueueFull:
			atomic.AddUint64(&self.rejected, 1)
			self.log.Errorf("stream frame lost %s err=%v", frame.String(), err)
		default:
			if ctx.Err() != nil {
				return Result{Reason: ReasonInterrupt}
			}
			return Result{Reason: ReasonFatal, Err: errors.Annotate(err, "stream publish")}
		}
	}
}

// drain closes sink and source, each bounded by DrainTimeout.
// Errors are logged only.
func (self *Supervisor) drain(src Source, sink Sink) {
	self.log.Infof("stream draining %s", sink.Stat().String())
	if err := sink.Close(self.opt.DrainTimeout); err != nil {
		self.log.Errorf("stream drain sink: %v", err)
	}
	self.closeSource(src)
}

func (self *Supervisor) closeSource(src Source) {
	errch := make(chan error, 1)
	go func() { errch <- src.Close() }()
	timer := time.NewTimer(self.opt.DrainTimeout)
	defer timer.Stop()
	select {
	case err := <-errch:
		if err != nil {
			self.log.Errorf("stream close source: %v", err)
		}
	case <-timer.C:
		self.log.Errorf("stream close source timeout=%s", self.opt.DrainTimeout)
	}
}

func (self *Supervisor) watchEvents(sink Sink, stopch <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var tick <-chan time.Time
	if self.opt.StatInterval > 0 {
		ticker := time.NewTicker(self.opt.StatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	events := sink.Events()
	for {
		select {
		case e := <-events:
			switch e.Kind {
			case publish.EventPublished:
				self.log.Debugf("mqtt %s", e.String())
			case publish.EventConnectionLost, publish.EventRetry:
				self.log.Errorf("mqtt %s", e.String())
			default:
				self.log.Infof("mqtt %s", e.String())
			}
		case <-tick:
			self.log.Infof("stream %s mqtt %s", self.Stat().String(), sink.Stat().String())
		case <-stopch:
			return
		}
	}
}
