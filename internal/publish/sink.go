// Package publish delivers tagged frames to MQTT broker with QoS 1.
//
// Delivery contract: bounded FIFO queue, one delivery worker handing
// messages to paho in queue order without waiting for PUBACK. At most
// MaxInflight handed off messages stay unacknowledged, the worker blocks
// on the cap. Acks feed diagnostics only. Resending and reconnect are
// owned by paho client with persistent session.
package publish

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/rtcm-streamer/helpers"
	"github.com/temoto/rtcm-streamer/helpers/atomic_clock"
	"github.com/temoto/rtcm-streamer/log2"
)

// QOS is fixed at-least-once.
const QOS byte = 1

const (
	DefaultQueueSize      = 1024
	DefaultMaxInflight    = 20
	DefaultKeepAlive      = 30 * time.Second
	DefaultNetworkTimeout = 10 * time.Second
	defaultEventBuffer    = 64
	defaultQuiesce        = 250 * time.Millisecond
	readyPollInterval     = 50 * time.Millisecond
)

var (
	ErrQueueFull = fmt.Errorf("publish queue full")
	ErrClosing   = fmt.Errorf("publish sink closing")
	ErrConnect   = fmt.Errorf("mqtt connect failed")
)

type Options struct {
	BrokerURL      string // ssl://host:port or tcp://host:port
	ClientID       string
	Topic          string
	TLS            *tls.Config
	KeepAlive      time.Duration
	NetworkTimeout time.Duration
	AckTimeout     time.Duration // default NetworkTimeout, only for diagnostics
	QueueSize      int
	MaxInflight    int // unacknowledged messages handed to paho
	RetryMin       time.Duration
	RetryMax       time.Duration
	Log            *log2.Log
	// LogDebug enables per message delivery logging.
	LogDebug bool

	// NewClient is mqtt.NewClient unless replaced in tests.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

func (o *Options) applyDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = o.NetworkTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.RetryMin <= 0 {
		o.RetryMin = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Second
	}
	if o.NewClient == nil {
		o.NewClient = mqtt.NewClient
	}
}

func (o *Options) validate() error {
	errs := make([]error, 0, 3)
	if o.BrokerURL == "" {
		errs = append(errs, errors.NotValidf("mqtt broker url empty"))
	}
	if o.ClientID == "" {
		errs = append(errs, errors.NotValidf("mqtt client id empty"))
	}
	if o.Topic == "" {
		errs = append(errs, errors.NotValidf("mqtt topic empty"))
	}
	return helpers.FoldErrors(errs)
}

// ClientOptions maps Options to paho client options.
func (o *Options) ClientOptions() *mqtt.ClientOptions {
	mopt := mqtt.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(o.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetKeepAlive(o.KeepAlive).
		SetPingTimeout(o.NetworkTimeout).
		SetConnectTimeout(o.NetworkTimeout).
		SetWriteTimeout(o.NetworkTimeout).
		SetMaxReconnectInterval(o.RetryMax).
		SetMaxResumePubInFlight(o.MaxInflight).
		SetStore(mqtt.NewOrderedMemoryStore())
	if o.TLS != nil {
		mopt.SetTLSConfig(o.TLS)
	}
	return mopt
}

type Stat struct {
	Queued        int
	Inflight      int64 // handed to paho, not acknowledged yet
	Accepted      uint64
	Published     uint64
	Retries       uint64 // hand-off refused by disconnected client
	Unconfirmed   uint64 // ack failed or late, message left to paho session
	Rejected      uint64
	EventsDropped uint64
	LastAck       time.Time
}

func (s Stat) String() string {
	return fmt.Sprintf("queued=%d inflight=%d accepted=%d published=%d retries=%d unconfirmed=%d rejected=%d events_dropped=%d",
		s.Queued, s.Inflight, s.Accepted, s.Published, s.Retries, s.Unconfirmed, s.Rejected, s.EventsDropped)
}

type Sink struct {
	accepted      uint64 // atomic align
	published     uint64
	retries       uint64
	unconfirmed   uint64
	rejected      uint64
	eventsDropped uint64
	inflight      int64

	alive    *alive.Alive
	abort    chan struct{}
	backoff  helpers.Backoff
	client   mqtt.Client
	events   chan Event
	log      *log2.Log
	opt      Options
	queue    chan []byte
	slots    chan struct{}
	trackers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
	lastAck   *atomic_clock.Clock
}

// Connect makes initial connection within NetworkTimeout and starts
// delivery worker. Failure cause is ErrConnect.
func Connect(ctx context.Context, opt Options) (*Sink, error) {
	opt.applyDefaults()
	if err := opt.validate(); err != nil {
		return nil, errors.Annotate(err, "publish options")
	}
	self := &Sink{
		alive:   alive.NewAlive(),
		abort:   make(chan struct{}),
		events:  make(chan Event, defaultEventBuffer),
		lastAck: atomic_clock.New(0),
		log:     opt.Log,
		opt:     opt,
		queue:   make(chan []byte, opt.QueueSize),
		slots:   make(chan struct{}, opt.MaxInflight),
		backoff: helpers.Backoff{
			Min: opt.RetryMin,
			Max: opt.RetryMax,
			K:   2,
		},
	}

	mopt := opt.ClientOptions()
	mopt.SetOnConnectHandler(func(mqtt.Client) {
		self.log.Debugf("mqtt connected broker=%s client_id=%s", opt.BrokerURL, opt.ClientID)
		self.emit(Event{Kind: EventConnected})
	})
	mopt.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		self.log.Debugf("mqtt connection lost err=%v", err)
		self.emit(Event{Kind: EventConnectionLost, Err: err})
	})
	mopt.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		self.log.Debugf("mqtt reconnecting")
		self.emit(Event{Kind: EventReconnecting})
	})
	self.client = opt.NewClient(mopt)

	if err := self.connect(ctx); err != nil {
		return nil, err
	}

	self.alive.Add(1)
	go self.worker()
	return self, nil
}

func (self *Sink) connect(ctx context.Context) error {
	timer := time.NewTimer(self.opt.NetworkTimeout)
	defer timer.Stop()
	tok := self.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.Wrapf(err, ErrConnect, "broker=%s client_id=%s err=%v", self.opt.BrokerURL, self.opt.ClientID, err)
		}
		return nil
	case <-timer.C:
		self.client.Disconnect(0)
		err := errors.Timeoutf("connect timeout=%s", self.opt.NetworkTimeout)
		return errors.Wrapf(err, ErrConnect, "broker=%s err=%v", self.opt.BrokerURL, err)
	case <-ctx.Done():
		self.client.Disconnect(0)
		return errors.Wrapf(ctx.Err(), ErrConnect, "broker=%s err=%v", self.opt.BrokerURL, ctx.Err())
	}
}

// Publish hands payload to delivery queue without blocking.
// Payload must not be modified after the call.
func (self *Sink) Publish(payload []byte) error {
	if !self.alive.IsRunning() {
		return ErrClosing
	}
	select {
	case self.queue <- payload:
		atomic.AddUint64(&self.accepted, 1)
		return nil
	default:
		atomic.AddUint64(&self.rejected, 1)
		return ErrQueueFull
	}
}

func (self *Sink) Events() <-chan Event { return self.events }

func (self *Sink) Connected() bool { return self.client.IsConnectionOpen() }

func (self *Sink) Stat() Stat {
	s := Stat{
		Queued:        len(self.queue),
		Inflight:      atomic.LoadInt64(&self.inflight),
		Accepted:      atomic.LoadUint64(&self.accepted),
		Published:     atomic.LoadUint64(&self.published),
		Retries:       atomic.LoadUint64(&self.retries),
		Unconfirmed:   atomic.LoadUint64(&self.unconfirmed),
		Rejected:      atomic.LoadUint64(&self.rejected),
		EventsDropped: atomic.LoadUint64(&self.eventsDropped),
	}
	if !self.lastAck.IsZero() {
		s.LastAck = self.lastAck.Time()
	}
	return s
}

// Close stops accepting, gives up to timeout to hand off the queue and
// collect outstanding acks, then disconnects. Returns error if some
// messages were not acknowledged. Safe to call many times, later calls
// return first result.
func (self *Sink) Close(timeout time.Duration) error {
	self.closeOnce.Do(func() {
		self.alive.Stop()
		done := make(chan struct{})
		go func() {
			self.alive.Wait()
			self.trackers.Wait()
			close(done)
		}()
		timer := time.NewTimer(timeout)
		select {
		case <-done:
		case <-timer.C:
			close(self.abort)
			<-done
		}
		timer.Stop()

		self.client.Disconnect(uint(defaultQuiesce / time.Millisecond))
		left := len(self.queue) + int(atomic.LoadInt64(&self.inflight))
		if left > 0 {
			self.closeErr = errors.Errorf("publish close undelivered=%d timeout=%s", left, timeout)
		}
		self.log.Debugf("publish closed %s", self.Stat().String())
	})
	return self.closeErr
}

func (self *Sink) worker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		select {
		case payload := <-self.queue:
			if !self.handoff(payload) {
				self.requeueLost(payload)
				return
			}
		case <-stopch:
			for {
				select {
				case payload := <-self.queue:
					if !self.handoff(payload) {
						self.requeueLost(payload)
						return
					}
				default:
					return
				}
			}
		}
	}
}

// requeueLost keeps aborted message counted as undelivered by Close.
func (self *Sink) requeueLost(payload []byte) {
	select {
	case self.queue <- payload:
	default:
	}
}

// handoff passes payload to paho once there is a free inflight slot and
// connection is open. Only refusal by disconnected client makes it hand
// off again, ack outcome is observed by track. Returns false when
// aborted by Close timeout.
func (self *Sink) handoff(payload []byte) bool {
	select {
	case self.slots <- struct{}{}:
	case <-self.abort:
		return false
	}
	for attempt := 1; ; attempt++ {
		if !self.waitConnected() {
			<-self.slots
			return false
		}
		tok := self.client.Publish(self.opt.Topic, QOS, false, payload)
		if err := refused(tok); err != nil {
			atomic.AddUint64(&self.retries, 1)
			self.backoff.Failure()
			delay := self.backoff.DelayBefore()
			self.log.Debugf("mqtt publish attempt=%d err=%v retry after=%s", attempt, err, delay)
			self.emit(Event{Kind: EventRetry, Attempt: attempt, Err: err})
			if !self.sleep(delay) {
				<-self.slots
				return false
			}
			continue
		}

		self.backoff.Reset()
		atomic.AddInt64(&self.inflight, 1)
		self.trackers.Add(1)
		go self.track(tok, len(payload))
		return true
	}
}

// track waits for paho to complete token and releases inflight slot.
// Late ack is reported once as unconfirmed, paho keeps resending it.
func (self *Sink) track(tok mqtt.Token, size int) {
	defer self.trackers.Done()
	defer func() { <-self.slots }()
	timer := time.NewTimer(self.opt.AckTimeout)
	defer timer.Stop()
	late := false
	for {
		select {
		case <-tok.Done():
			atomic.AddInt64(&self.inflight, -1)
			mid := messageID(tok)
			if err := tok.Error(); err != nil {
				if !late {
					atomic.AddUint64(&self.unconfirmed, 1)
				}
				self.log.Debugf("mqtt publish mid=%d err=%v", mid, err)
				self.emit(Event{Kind: EventRetry, MessageID: mid, Err: err})
				return
			}
			atomic.AddUint64(&self.published, 1)
			self.lastAck.SetNow()
			if self.opt.LogDebug {
				self.log.Debugf("mqtt published mid=%d len=%d", mid, size)
			}
			self.emit(Event{Kind: EventPublished, MessageID: mid})
			return
		case <-timer.C:
			if !late {
				late = true
				atomic.AddUint64(&self.unconfirmed, 1)
				err := errors.Timeoutf("publish ack timeout=%s", self.opt.AckTimeout)
				mid := messageID(tok)
				self.log.Debugf("mqtt publish mid=%d err=%v", mid, err)
				self.emit(Event{Kind: EventRetry, MessageID: mid, Err: err})
			}
		case <-self.abort:
			return
		}
	}
}

// refused returns ErrNotConnected if client declined to take message.
// Any other outcome means paho owns the message.
func refused(tok mqtt.Token) error {
	select {
	case <-tok.Done():
		if err := tok.Error(); err == mqtt.ErrNotConnected {
			return err
		}
	default:
	}
	return nil
}

func (self *Sink) waitConnected() bool {
	for !self.client.IsConnectionOpen() {
		if !self.sleep(readyPollInterval) {
			return false
		}
	}
	return true
}

func (self *Sink) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-self.abort:
		return false
	}
}

func (self *Sink) emit(e Event) {
	select {
	case self.events <- e:
	default:
		atomic.AddUint64(&self.eventsDropped, 1)
	}
}

func messageID(tok mqtt.Token) uint16 {
	if t, ok := tok.(interface{ MessageID() uint16 }); ok {
		return t.MessageID()
	}
	return 0
}
