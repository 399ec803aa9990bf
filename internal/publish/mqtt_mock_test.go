package publish

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttMock is in-memory mqtt.Client.
// Offline: IsConnectionOpen=false and Publish fails.
// Every accepted publish is recorded.
// dropAcks>0: next N tokens stay pending until AckPending.
// ackDelay>0: tokens complete after delay.
type mqttMock struct {
	Opt *mqtt.ClientOptions

	mu          sync.Mutex
	online      bool
	connectErr  error
	connectHang bool
	dropAcks    int
	ackDelay    time.Duration
	lastID      uint16
	pubs        []mockMsg
	pending     []*mockToken
	disconnects []uint
}

type mockMsg struct {
	Topic   string
	Qos     byte
	Retain  bool
	Payload []byte
	ID      uint16
}

func newMqttMock() *mqttMock { return &mqttMock{online: true} }

func (self *mqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

// SetOnline simulates connection loss or restore and calls paho handlers.
func (self *mqttMock) SetOnline(online bool) {
	self.mu.Lock()
	changed := self.online != online
	self.online = online
	self.mu.Unlock()
	if !changed || self.Opt == nil {
		return
	}
	if online {
		if self.Opt.OnConnect != nil {
			self.Opt.OnConnect(self)
		}
		return
	}
	if self.Opt.OnConnectionLost != nil {
		self.Opt.OnConnectionLost(self, fmt.Errorf("mock connection lost"))
	}
	if self.Opt.OnReconnecting != nil {
		self.Opt.OnReconnecting(self, self.Opt)
	}
}

func (self *mqttMock) DropAcks(n int) {
	self.mu.Lock()
	self.dropAcks = n
	self.mu.Unlock()
}

func (self *mqttMock) AckDelay(d time.Duration) {
	self.mu.Lock()
	self.ackDelay = d
	self.mu.Unlock()
}

// AckPending completes tokens held by DropAcks.
func (self *mqttMock) AckPending() {
	self.mu.Lock()
	pending := self.pending
	self.pending = nil
	self.mu.Unlock()
	for _, tok := range pending {
		tok.complete(nil)
	}
}

func (self *mqttMock) Published() []mockMsg {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]mockMsg(nil), self.pubs...)
}

func (self *mqttMock) Disconnects() []uint {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]uint(nil), self.disconnects...)
}

func (self *mqttMock) IsConnected() bool { return self.IsConnectionOpen() }
func (self *mqttMock) IsConnectionOpen() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.online
}

func (self *mqttMock) Connect() mqtt.Token {
	self.mu.Lock()
	err, hang := self.connectErr, self.connectHang
	self.mu.Unlock()
	if hang {
		return newMockToken(0)
	}
	if err == nil && self.Opt != nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return newMockToken(0).complete(err)
}

func (self *mqttMock) Disconnect(quiesce uint) {
	self.mu.Lock()
	self.online = false
	self.disconnects = append(self.disconnects, quiesce)
	self.mu.Unlock()
}

func (self *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.lastID++
	tok := newMockToken(self.lastID)
	if !self.online {
		return tok.complete(mqtt.ErrNotConnected)
	}
	b, _ := payload.([]byte)
	self.pubs = append(self.pubs, mockMsg{Topic: topic, Qos: qos, Retain: retain, Payload: b, ID: self.lastID})
	switch {
	case self.dropAcks > 0:
		self.dropAcks--
		self.pending = append(self.pending, tok)
		return tok
	case self.ackDelay > 0:
		time.AfterFunc(self.ackDelay, func() { tok.complete(nil) })
		return tok
	}
	return tok.complete(nil)
}

func (self *mqttMock) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }
func (self *mqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }
func (self *mqttMock) OptionsReader() mqtt.ClientOptionsReader { panic("not implemented") }

type mockToken struct {
	done chan struct{}
	err  error
	id   uint16
}

func newMockToken(id uint16) *mockToken { return &mockToken{done: make(chan struct{}), id: id} }

func (tok *mockToken) complete(err error) *mockToken {
	tok.err = err
	close(tok.done)
	return tok
}

func (tok *mockToken) Done() <-chan struct{} { return tok.done }
func (tok *mockToken) Error() error {
	select {
	case <-tok.done:
		return tok.err
	default:
		return nil
	}
}
func (tok *mockToken) MessageID() uint16 { return tok.id }
func (tok *mockToken) Wait() bool {
	<-tok.done
	return true
}
func (tok *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-tok.done:
		return true
	case <-time.After(d):
		return false
	}
}
