package channel

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory mqtt.Client. Connect runs OnConnect handler synchronously.
type MqttMock struct {
	sync.Mutex
	Opt        *mqtt.ClientOptions
	Pub        chan MockMsg
	ConnectErr error
	// PublishErr, if set, decides publish result per topic.
	PublishErr func(topic string) error

	connected bool
	published []MockMsg
	subs      []MockSub
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:  make(chan MockMsg, 256),
		subs: make([]MockSub, 0, 4),
	}
}

// MockNew matches NewClientFunc.
func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

// TestPublish delivers message to subscribed handler, as broker would.
func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	t.Helper()
	self.Lock()
	var handler mqtt.MessageHandler
	for _, sub := range self.subs {
		// exact match is enough, relay subscribes without wildcards
		if topic == sub.Pattern {
			handler = sub.Handler
			break
		}
	}
	self.Unlock()
	if handler == nil {
		t.Errorf("not subscribed for topic=%s", topic)
		return
	}
	handler(self, MockMsg{T: topic, P: payload})
}

// Published returns copy of all messages sent via Publish.
func (self *MqttMock) Published() []MockMsg {
	self.Lock()
	defer self.Unlock()
	return append([]MockMsg(nil), self.published...)
}

// WaitPub returns next published message or fails test after timeout.
func (self *MqttMock) WaitPub(t testing.TB, timeout time.Duration) MockMsg {
	t.Helper()
	select {
	case msg := <-self.Pub:
		return msg
	case <-time.After(timeout):
		t.Fatalf("no publish within %v", timeout)
		return MockMsg{}
	}
}

func (self *MqttMock) Subscribed() []string {
	self.Lock()
	defer self.Unlock()
	ss := make([]string, len(self.subs))
	for i, sub := range self.subs {
		ss[i] = sub.Pattern
	}
	return ss
}

func (self *MqttMock) Disconnect(uint) {
	self.Lock()
	self.connected = false
	self.Unlock()
}
func (self *MqttMock) IsConnected() bool      { return self.IsConnectionOpen() }
func (self *MqttMock) IsConnectionOpen() bool { self.Lock(); defer self.Unlock(); return self.connected }

func (self *MqttMock) Connect() mqtt.Token {
	if self.ConnectErr != nil {
		return mockToken{self.ConnectErr}
	}
	self.Lock()
	self.connected = true
	self.Unlock()
	if self.Opt != nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	if self.PublishErr != nil {
		if err := self.PublishErr(topic); err != nil {
			return mockToken{err}
		}
	}
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	default:
		return mockToken{errors.NotSupportedf("payload type %T", payload)}
	}
	msg := MockMsg{T: topic, P: b, qos: qos}
	self.Lock()
	self.published = append(self.published, msg)
	self.Unlock()
	select {
	case self.Pub <- msg:
	default:
	}
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	for i, sub := range self.subs {
		if sub.Pattern == pattern {
			self.subs[i] = MockSub{pattern, qos, handler}
			return mockToken{nil}
		}
	}
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	return mockToken{nil}
}

func (self *MqttMock) Unsubscribe(patterns ...string) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	keep := self.subs[:0]
	for _, sub := range self.subs {
		drop := false
		for _, p := range patterns {
			drop = drop || sub.Pattern == p
		}
		if !drop {
			keep = append(keep, sub)
		}
	}
	self.subs = keep
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }
func (tok mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type MockMsg struct {
	T   string
	P   []byte
	qos byte
}

func (msg MockMsg) Ack()              {}
func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.qos }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }
