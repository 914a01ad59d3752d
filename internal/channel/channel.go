// Package channel is MQTT side of relay: local broker (device) and cloud broker.
//
// Channel contract:
// - delivery callbacks never block on processing, local telemetry goes to queue
// - publish failures are returned or logged, never retried here
// - reconnect and resubscribe is automatic
// - application may start without network available
package channel

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/helpers"
	"github.com/temoto/fire-relay/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultPublishTimeout = 2 * time.Second
	DefaultKeepalive      = 60 * time.Second
	DefaultRetryInterval  = 10 * time.Second
	disconnectQuiesceMs   = 250
)

var ErrNotConnected = errors.New("mqtt not connected")

// NewClientFunc allows tests to replace paho client.
type NewClientFunc func(*mqtt.ClientOptions) mqtt.Client

type BrokerConfig struct { //nolint:maligned
	Broker            string `hcl:"broker"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	Qos               int    `hcl:"qos"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	PublishTimeoutSec int    `hcl:"publish_timeout_sec"`
	RetrySec          int    `hcl:"retry_sec"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
}

func (c *BrokerConfig) Validate(name string) error {
	if c.Broker == "" {
		return errors.NotValidf("%s.broker=empty", name)
	}
	if c.Qos < 0 || c.Qos > 2 {
		return errors.NotValidf("%s.qos=%d", name, c.Qos)
	}
	return nil
}

// DefaultClientID is used when client_id is not configured.
func DefaultClientID(role string) string {
	return fmt.Sprintf("fire-relay-%s-%s", role, uuid.New().String()[:8])
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

// conn is one long lived broker connection, owned by Local or Cloud.
type conn struct {
	sync.Mutex

	name           string
	log            *log2.Log
	m              mqtt.Client
	qos            byte
	networkTimeout time.Duration
	publishTimeout time.Duration
	subs           []subscription
	connected      bool
}

func newConn(name string, log *log2.Log, c BrokerConfig, newClient NewClientFunc, subs []subscription) *conn {
	self := &conn{
		name:           name,
		log:            log,
		qos:            byte(c.Qos),
		networkTimeout: helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout),
		publishTimeout: helpers.IntSecondDefault(c.PublishTimeoutSec, DefaultPublishTimeout),
		subs:           subs,
	}
	if self.networkTimeout < time.Second {
		self.networkTimeout = time.Second
	}
	clientID := c.ClientID
	if clientID == "" {
		clientID = DefaultClientID(name)
	}
	keepalive := helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
	retryInterval := helpers.IntSecondDefault(c.RetrySec, DefaultRetryInterval)

	mopt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientID).
		SetCredentialsProvider(func() (string, string) { return c.Username, c.Password }).
		SetCleanSession(true).
		SetKeepAlive(keepalive).
		SetPingTimeout(self.networkTimeout).
		SetConnectTimeout(self.networkTimeout).
		SetWriteTimeout(self.networkTimeout).
		// handlers run one at a time in arrival order, telemetry queue relies on it
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(retryInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetDefaultPublishHandler(self.unexpectedMessage).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost)

	if newClient == nil {
		newClient = mqtt.NewClient
	}
	self.m = newClient(mopt)
	self.log.Debugf("mqtt %s broker=%s client_id=%s", name, c.Broker, clientID)
	return self
}

// connect starts connection in background.
// With wait>0 blocks until first successful connect or timeout.
func (self *conn) connect(wait time.Duration) error {
	tok := self.m.Connect()
	if wait <= 0 {
		go func() {
			if tok.Wait() && tok.Error() != nil {
				self.log.Errorf("mqtt %s connect err=%v", self.name, tok.Error())
			}
		}()
		return nil
	}
	if !tok.WaitTimeout(wait) {
		return errors.Timeoutf("mqtt %s connect", self.name)
	}
	return errors.Annotatef(tok.Error(), "mqtt %s connect", self.name)
}

func (self *conn) close() {
	topics := make([]string, 0, len(self.subs))
	for _, s := range self.subs {
		topics = append(topics, s.topic)
	}
	if self.m.IsConnectionOpen() && len(topics) != 0 {
		if tok := self.m.Unsubscribe(topics...); !tok.WaitTimeout(self.networkTimeout) || tok.Error() != nil {
			self.log.Errorf("mqtt %s unsubscribe err=%v", self.name, tok.Error())
		}
	}
	self.m.Disconnect(disconnectQuiesceMs)
	self.log.Infof("mqtt %s disconnected", self.name)
}

func (self *conn) IsConnected() bool {
	self.Lock()
	defer self.Unlock()
	return self.connected
}

// publish fails fast while connection is down, paho would otherwise
// hold message until reconnect. Waits for token at most publishTimeout.
func (self *conn) publish(topic string, payload []byte) error {
	if !self.m.IsConnectionOpen() {
		return errors.Annotatef(ErrNotConnected, "mqtt %s publish topic=%s", self.name, topic)
	}
	tok := self.m.Publish(topic, self.qos, false, payload)
	if !tok.WaitTimeout(self.publishTimeout) {
		return errors.Timeoutf("mqtt %s publish topic=%s", self.name, topic)
	}
	return errors.Annotatef(tok.Error(), "mqtt %s publish topic=%s", self.name, topic)
}

func (self *conn) onConnect(c mqtt.Client) {
	self.log.Infof("mqtt %s connected", self.name)
	helpers.WithLock(self, func() { self.connected = true })
	for _, s := range self.subs {
		tok := c.Subscribe(s.topic, self.qos, s.handler)
		if !tok.WaitTimeout(self.networkTimeout) {
			self.log.Errorf("mqtt %s subscribe topic=%s timeout", self.name, s.topic)
			continue
		}
		if err := tok.Error(); err != nil {
			self.log.Errorf("mqtt %s subscribe topic=%s err=%v", self.name, s.topic, err)
			continue
		}
		self.log.Infof("mqtt %s subscribed topic=%s", self.name, s.topic)
	}
}

func (self *conn) onConnectionLost(c mqtt.Client, err error) {
	helpers.WithLock(self, func() { self.connected = false })
	self.log.Errorf("mqtt %s connection lost err=%v", self.name, err)
}

func (self *conn) unexpectedMessage(c mqtt.Client, msg mqtt.Message) {
	self.log.Errorf("mqtt %s unexpected message topic=%s payload=%q", self.name, msg.Topic(), msg.Payload())
}

// SetPahoLog routes paho library logs into log, debug only when asked.
func SetPahoLog(log *log2.Log, debug bool) {
	mqttLog := log.Clone(log2.LInfo)
	mqttLog.SetPrefix("paho ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if debug {
		mqtt.DEBUG = mqttLog
	}
}
