package channel

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/log2"
)

const (
	DefaultTopicBase       = "/v1.6/devices"
	DefaultDeviceLabel     = "fire-system"
	DefaultControlVariable = "alarm_control"
)

type CloudConfig struct {
	BrokerConfig `hcl:",squash"`
	// Token is MQTT username when username is empty, password is not used.
	Token           string `hcl:"token"` // secret
	TopicBase       string `hcl:"topic_base"`
	DeviceLabel     string `hcl:"device_label"`
	ControlVariable string `hcl:"control_variable"`
}

func (c *CloudConfig) Validate() error {
	if err := c.BrokerConfig.Validate("cloud"); err != nil {
		return err
	}
	if c.Token == "" && c.Username == "" {
		return errors.NotValidf("cloud.token=empty")
	}
	if strings.ContainsAny(c.DeviceLabel, "/+#") {
		return errors.NotValidf("cloud.device_label=%s", c.DeviceLabel)
	}
	return nil
}

// Cloud is dashboard side: variables out, alarm control in.
type Cloud struct {
	*conn
	topicDevice   string
	topicControl  string
	onControlZero func()

	controls uint32
}

// NewCloud subscribes to control topic on every connect.
// onControlZero runs on paho goroutine and must not block for long.
func NewCloud(log *log2.Log, c CloudConfig, onControlZero func(), newClient NewClientFunc) *Cloud {
	base := strings.TrimSuffix(c.TopicBase, "/")
	if base == "" {
		base = DefaultTopicBase
	}
	label := c.DeviceLabel
	if label == "" {
		label = DefaultDeviceLabel
	}
	control := c.ControlVariable
	if control == "" {
		control = DefaultControlVariable
	}
	self := &Cloud{
		topicDevice:   base + "/" + label,
		onControlZero: onControlZero,
	}
	self.topicControl = self.topicDevice + "/" + control + "/lv"
	subs := []subscription{{topic: self.topicControl, handler: self.onControl}}
	bc := c.BrokerConfig
	if bc.Username == "" {
		bc.Username = c.Token
	}
	self.conn = newConn("cloud", log, bc, newClient, subs)
	return self
}

func (self *Cloud) Connect(wait time.Duration) error { return self.connect(wait) }
func (self *Cloud) Close()                           { self.close() }

// Topic of cloud variable, `<base>/<label>/<variable>`.
func (self *Cloud) Topic(variable string) string { return self.topicDevice + "/" + variable }

func (self *Cloud) TopicControl() string { return self.topicControl }

// Publish is fire-and-forget, no delivery confirmation beyond client accepting message.
// Returns ErrNotConnected at once during outage.
func (self *Cloud) Publish(topic string, payload []byte) error {
	return self.publish(topic, payload)
}

// Controls is number of accepted alarm control commands.
func (self *Cloud) Controls() uint32 { return atomic.LoadUint32(&self.controls) }

func (self *Cloud) onControl(c mqtt.Client, msg mqtt.Message) {
	raw := strings.TrimSpace(string(msg.Payload()))
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		self.log.Errorf("cloud control topic=%s invalid payload=%q ignored", msg.Topic(), raw)
		return
	}
	if value != 0 {
		self.log.Infof("cloud control value=%s ignored", raw)
		return
	}
	atomic.AddUint32(&self.controls, 1)
	self.log.Infof("cloud control value=%s alarm reset requested", raw)
	if self.onControlZero != nil {
		self.onControlZero()
	}
}
