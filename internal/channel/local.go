package channel

import (
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/log2"
)

const (
	DefaultTopicTelemetry = "iot/fire/telemetry"
	DefaultTopicPrefix    = "iot/fire"
)

type LocalConfig struct {
	BrokerConfig   `hcl:",squash"`
	TopicTelemetry string `hcl:"topic_telemetry"`
	TopicPrefix    string `hcl:"topic_prefix"`
}

func (c *LocalConfig) Validate() error {
	if err := c.BrokerConfig.Validate("local"); err != nil {
		return err
	}
	if strings.ContainsAny(c.TopicTelemetry, "+#") {
		return errors.NotValidf("local.topic_telemetry=%s wildcard", c.TopicTelemetry)
	}
	return nil
}

// Local is device side: telemetry in, device commands out.
type Local struct {
	*conn
	q              queue.Queuer
	topicTelemetry string
	topicPrefix    string

	received uint32
	rejected uint32
}

func NewLocal(log *log2.Log, c LocalConfig, q queue.Queuer, newClient NewClientFunc) *Local {
	self := &Local{
		q:              q,
		topicTelemetry: c.TopicTelemetry,
		topicPrefix:    strings.TrimSuffix(c.TopicPrefix, "/"),
	}
	if self.topicTelemetry == "" {
		self.topicTelemetry = DefaultTopicTelemetry
	}
	if self.topicPrefix == "" {
		self.topicPrefix = DefaultTopicPrefix
	}
	subs := []subscription{{topic: self.topicTelemetry, handler: self.onTelemetry}}
	self.conn = newConn("local", log, c.BrokerConfig, newClient, subs)
	return self
}

func (self *Local) Connect(wait time.Duration) error { return self.connect(wait) }
func (self *Local) Close()                           { self.close() }

// Received is number of telemetry messages accepted into queue.
func (self *Local) Received() uint32 { return atomic.LoadUint32(&self.received) }

// Rejected is number of telemetry messages dropped before queue.
func (self *Local) Rejected() uint32 { return atomic.LoadUint32(&self.rejected) }

// PublishDevice sends "1" to <prefix>/<subtopic>.
// Blocks at most publish timeout, no retry.
func (self *Local) PublishDevice(subtopic string) error {
	topic := self.topicPrefix + "/" + strings.TrimPrefix(subtopic, "/")
	if err := self.publish(topic, []byte("1")); err != nil {
		return errors.Annotate(err, "device command")
	}
	self.log.Infof("device command sent topic=%s", topic)
	return nil
}

// PublishTelemetry sends payload as if it came from device.
func (self *Local) PublishTelemetry(payload []byte) error {
	return errors.Annotate(self.publish(self.topicTelemetry, payload), "telemetry inject")
}

func (self *Local) onTelemetry(c mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if !utf8.Valid(payload) {
		atomic.AddUint32(&self.rejected, 1)
		self.log.Errorf("local telemetry invalid UTF-8, dropped payload=%x", payload)
		return
	}
	// paho may reuse message buffer
	b := make([]byte, len(payload))
	copy(b, payload)
	switch err := self.q.Push(b); err {
	case nil:
		atomic.AddUint32(&self.received, 1)
		self.log.Debugf("local telemetry queued payload=%s", b)
	case queue.ErrFull:
		// logged by queue drop func
		atomic.AddUint32(&self.rejected, 1)
	case queue.ErrClosed:
		atomic.AddUint32(&self.rejected, 1)
		self.log.Debugf("local telemetry after shutdown, dropped")
	default:
		atomic.AddUint32(&self.rejected, 1)
		self.log.Errorf("local telemetry push err=%v", errors.ErrorStack(err))
	}
}
