package queue

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/spq"
)

// OnlyForTesting path opens in-memory storage.
const OnlyForTesting = spq.OnlyForTesting

// Persistent is disk backed FIFO, unbounded.
// Item is deleted from disk on Done(), so messages pending at exit
// are processed after restart (at least once).
type Persistent struct {
	q       *spq.Queue
	pending int32 // atomic, only items pushed by this process
}

var _ Queuer = &Persistent{}

func OpenPersistent(path string) (*Persistent, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "relay queue open path=%s", path)
	}
	return &Persistent{q: q}, nil
}

func (p *Persistent) Push(payload []byte) error {
	if err := p.q.Push(payload); err != nil {
		if err == spq.ErrClosed {
			return ErrClosed
		}
		return errors.Annotate(err, "relay queue push")
	}
	atomic.AddInt32(&p.pending, 1)
	return nil
}

func (p *Persistent) Pop() (Item, error) {
	box, err := p.q.Peek()
	switch err {
	case nil:
		return Item{Payload: box.Bytes(), token: box}, nil
	case spq.ErrClosed:
		return Item{}, ErrClosed
	default:
		if spq.IsCorrupted(err) {
			return Item{}, errors.Annotate(err, "CRITICAL relay queue corrupted")
		}
		return Item{}, errors.Annotate(err, "relay queue peek")
	}
}

func (p *Persistent) Done(item Item) error {
	box, ok := item.token.(spq.Box)
	if !ok {
		return errors.NotValidf("code error relay queue item without box")
	}
	if err := p.q.Delete(box); err != nil {
		if err == spq.ErrClosed {
			return ErrClosed
		}
		return errors.Annotate(err, "relay queue delete")
	}
	for {
		n := atomic.LoadInt32(&p.pending)
		if n <= 0 || atomic.CompareAndSwapInt32(&p.pending, n, n-1) {
			return nil
		}
	}
}

// Len does not include items recovered from disk at open.
func (p *Persistent) Len() int { return int(atomic.LoadInt32(&p.pending)) }

func (p *Persistent) Close() error { return p.q.Close() }
