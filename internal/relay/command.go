package relay

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/fire-relay/log2"
)

const DefaultResetSubtopic = "alarm/reset"

// DevicePublisher is local side of command relay.
type DevicePublisher interface {
	PublishDevice(subtopic string) error
}

// CommandRelay turns cloud alarm control into device reset command.
type CommandRelay struct {
	log      *log2.Log
	dev      DevicePublisher
	subtopic string

	sent   uint32
	failed uint32
}

func NewCommandRelay(log *log2.Log, dev DevicePublisher, subtopic string) *CommandRelay {
	if subtopic == "" {
		subtopic = DefaultResetSubtopic
	}
	return &CommandRelay{log: log, dev: dev, subtopic: subtopic}
}

// OnControlZero is called for every control value 0, no deduplication.
func (c *CommandRelay) OnControlZero() {
	if err := c.dev.PublishDevice(c.subtopic); err != nil {
		atomic.AddUint32(&c.failed, 1)
		c.log.Errorf("relay alarm reset err=%v", errors.ErrorStack(err))
		return
	}
	atomic.AddUint32(&c.sent, 1)
}

// Counts returns number of sent and failed reset commands.
func (c *CommandRelay) Counts() (sent, failed uint32) {
	return atomic.LoadUint32(&c.sent), atomic.LoadUint32(&c.failed)
}
