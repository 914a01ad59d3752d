package queue

import (
	"sync"
	"sync/atomic"
)

// Memory is in-process FIFO. Capacity=0 means unbounded.
// Items not yet popped are lost on process exit.
type Memory struct { //nolint:maligned
	mu       sync.Mutex
	buf      [][]byte
	capacity int
	overflow Overflow
	closed   bool
	readch   chan struct{}
	stopch   chan struct{}

	unfinished int32 // atomic
	dropped    uint32
	onDrop     func(payload []byte)
}

var _ Queuer = &Memory{}

func NewMemory(capacity int, overflow Overflow) *Memory {
	if capacity < 0 {
		capacity = 0
	}
	return &Memory{
		buf:      make([][]byte, 0, initialCap(capacity)),
		capacity: capacity,
		overflow: overflow,
		readch:   make(chan struct{}, 1),
		stopch:   make(chan struct{}),
	}
}

// SetDropFunc is called (under lock, keep it short) for each payload lost to overflow.
func (q *Memory) SetDropFunc(f func(payload []byte)) {
	q.mu.Lock()
	q.onDrop = f
	q.mu.Unlock()
}

func (q *Memory) Push(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && len(q.buf) >= q.capacity {
		q.dropped++
		switch q.overflow {
		case DropNewest:
			if q.onDrop != nil {
				q.onDrop(payload)
			}
			return ErrFull
		default:
			old := q.buf[0]
			q.buf[0] = nil
			q.buf = q.buf[1:]
			atomic.AddInt32(&q.unfinished, -1)
			if q.onDrop != nil {
				q.onDrop(old)
			}
		}
	}
	q.buf = append(q.buf, payload)
	atomic.AddInt32(&q.unfinished, 1)
	signal(q.readch)
	return nil
}

func (q *Memory) Pop() (Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrClosed
		}
		if len(q.buf) != 0 {
			b := q.buf[0]
			q.buf[0] = nil
			q.buf = q.buf[1:]
			if len(q.buf) != 0 {
				// more for next Pop
				signal(q.readch)
			}
			q.mu.Unlock()
			return Item{Payload: b}, nil
		}
		q.mu.Unlock()

		select {
		case <-q.readch: // success path
		case <-q.stopch:
			return Item{}, ErrClosed
		}
	}
}

func (q *Memory) Done(Item) error {
	atomic.AddInt32(&q.unfinished, -1)
	return nil
}

func (q *Memory) Len() int { return int(atomic.LoadInt32(&q.unfinished)) }

// Dropped is count of items lost to overflow.
func (q *Memory) Dropped() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.stopch)
	}
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func initialCap(capacity int) int {
	const def = 64
	if capacity == 0 || capacity > def {
		return def
	}
	return capacity
}
