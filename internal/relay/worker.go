// Package relay moves telemetry from local queue to store and cloud,
// and alarm reset commands from cloud to device.
//
// Worker contract:
// - exactly one consumer of queue, messages processed in arrival order
// - store failure does not prevent cloud publish
// - each cloud variable is published independently
// - bad message is logged and skipped, worker keeps running
// - queue errors are retried with backoff, message is never handled twice
//   because of failed Done
package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/fire-relay/helpers"
	"github.com/temoto/fire-relay/helpers/atomic_clock"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/internal/store"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
)

const (
	DefaultStoreTimeout = 10 * time.Second
	DefaultRetryMin     = 100 * time.Millisecond
	DefaultRetryMax     = 5 * time.Second
	// after that many failed Done attempts worker gives up
	MaxDoneAttempts = 5
)

// Publisher is cloud side of worker.
type Publisher interface {
	Topic(variable string) string
	Publish(topic string, payload []byte) error
}

type Stats struct {
	Processed     uint32    `json:"processed"`
	Rejected      uint32    `json:"rejected"`
	StoreErrors   uint32    `json:"store_errors"`
	PublishErrors uint32    `json:"publish_errors"`
	LastAt        time.Time `json:"last_at"`
}

func (s Stats) String() string {
	return fmt.Sprintf("processed=%d rejected=%d store_errors=%d publish_errors=%d",
		s.Processed, s.Rejected, s.StoreErrors, s.PublishErrors)
}

type Worker struct {
	alive        *alive.Alive
	log          *log2.Log
	q            queue.Queuer
	store        store.Storer
	pub          Publisher
	storeTimeout time.Duration
	retryMin     time.Duration
	retryMax     time.Duration

	processed     uint32
	rejected      uint32
	storeErrors   uint32
	publishErrors uint32
	last          atomic_clock.Clock
}

func NewWorker(log *log2.Log, q queue.Queuer, st store.Storer, pub Publisher, storeTimeout time.Duration) *Worker {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &Worker{
		alive:        alive.NewAlive(),
		log:          log,
		q:            q,
		store:        st,
		pub:          pub,
		storeTimeout: storeTimeout,
		retryMin:     DefaultRetryMin,
		retryMax:     DefaultRetryMax,
	}
}

// Run blocks until queue is closed or Stop.
// Returns error when processed item could not be removed from queue,
// continuing would handle it again.
func (w *Worker) Run(ctx context.Context) error {
	if !w.alive.Add(1) {
		return nil
	}
	defer w.alive.Done()
	w.log.Debugf("relay worker started")
	backoff := helpers.Backoff{Min: w.retryMin, Max: w.retryMax, K: 2}
	for w.alive.IsRunning() {
		item, err := w.q.Pop()
		if err == queue.ErrClosed {
			break
		}
		if err != nil {
			delay := backoff.DelayAfter(false)
			w.log.Errorf("relay queue pop err=%v retry in %v", errors.ErrorStack(err), delay)
			if !w.sleep(delay) {
				break
			}
			continue
		}
		backoff.Reset()
		w.handleSafe(ctx, item.Payload)
		if err = w.done(item); err == queue.ErrClosed {
			// shutdown, persistent item stays for next start
			break
		} else if err != nil {
			w.log.Errorf("relay CRITICAL worker stopped %s err=%v", w.Stats().String(), errors.ErrorStack(err))
			return err
		}
	}
	w.log.Debugf("relay worker stopped %s", w.Stats().String())
	return nil
}

func (w *Worker) done(item queue.Item) error {
	backoff := helpers.Backoff{Min: w.retryMin, Max: w.retryMax, K: 2}
	for attempt := 1; ; attempt++ {
		err := w.q.Done(item)
		if err == nil || err == queue.ErrClosed {
			return err
		}
		if attempt >= MaxDoneAttempts {
			return errors.Annotatef(err, "relay queue done attempts=%d", attempt)
		}
		delay := backoff.DelayAfter(false)
		w.log.Errorf("relay queue done attempt=%d err=%v retry in %v", attempt, errors.ErrorStack(err), delay)
		if !w.sleep(delay) {
			return errors.Annotate(err, "relay queue done interrupted by stop")
		}
	}
}

// sleep returns false if worker was stopped meanwhile.
func (w *Worker) sleep(d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return true
	case <-w.alive.StopChan():
		return false
	}
}

// Stop is called after queue Close. Blocks until current message is finished.
func (w *Worker) Stop() {
	w.alive.Stop()
	w.alive.Wait()
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed:     atomic.LoadUint32(&w.processed),
		Rejected:      atomic.LoadUint32(&w.rejected),
		StoreErrors:   atomic.LoadUint32(&w.storeErrors),
		PublishErrors: atomic.LoadUint32(&w.publishErrors),
		LastAt:        w.last.Time(),
	}
}

// handleSafe keeps worker alive on unexpected panic in message handling.
func (w *Worker) handleSafe(ctx context.Context, payload []byte) {
	defer func() {
		if x := recover(); x != nil {
			atomic.AddUint32(&w.rejected, 1)
			w.log.Errorf("relay CRITICAL panic payload=%q err=%v", payload, x)
		}
	}()
	if err := w.Handle(ctx, payload); err != nil {
		w.log.Errorf("relay message dropped payload=%q err=%v", payload, err)
	}
}

// Handle processes one telemetry message: parse, store, publish.
// Returns error only if message was rejected before store.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	r, err := telemetry.Parse(payload)
	if err != nil {
		atomic.AddUint32(&w.rejected, 1)
		return err
	}
	w.log.Debugf("relay telemetry %s", r.String())

	storeCtx, cancel := context.WithTimeout(ctx, w.storeTimeout)
	err = w.store.Append(storeCtx, r)
	cancel()
	if err != nil {
		atomic.AddUint32(&w.storeErrors, 1)
		w.log.Errorf("relay store append %s err=%v", r.String(), errors.ErrorStack(err))
	}

	for _, v := range telemetry.Variables {
		if err = w.publish(r, v); err != nil {
			atomic.AddUint32(&w.publishErrors, 1)
			w.log.Errorf("relay cloud publish variable=%s err=%v", v, errors.ErrorStack(err))
		}
	}
	atomic.AddUint32(&w.processed, 1)
	w.last.SetNow()
	return nil
}

func (w *Worker) publish(r telemetry.Record, variable string) error {
	b, err := r.CloudPayload(variable)
	if err != nil {
		return err
	}
	return w.pub.Publish(w.pub.Topic(variable), b)
}
