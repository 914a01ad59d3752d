// Package queue decouples MQTT delivery from processing.
//
// Queue contract:
// - Push never blocks on consumer, safe to call from network callback
// - Pop blocks until item is available or queue is closed
// - items come out in Push order
// - Done(item) marks item consumed; persistent queue deletes it only then
// - single producer, single consumer
package queue

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

var ErrClosed = fmt.Errorf("relay queue is closed")

type Queuer interface {
	Push(payload []byte) error
	Pop() (Item, error)
	Done(Item) error
	// Len is number of items pushed and not yet Done.
	Len() int
	Close() error
}

type Item struct {
	Payload []byte
	token   interface{}
}

// Overflow policy for bounded memory queue.
type Overflow uint8

const (
	// DropOldest discards head of queue to make room for new item.
	DropOldest Overflow = iota
	// DropNewest rejects new item with ErrFull.
	DropNewest
)

var ErrFull = fmt.Errorf("relay queue is full")

func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("Overflow(%d)", o)
	}
}

func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return DropOldest, errors.NotValidf("queue overflow=%s", s)
	}
}
