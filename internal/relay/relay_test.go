package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fire-relay/internal/channel"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/internal/store"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
)

const testTimeout = 5 * time.Second

type fakeStore struct {
	sync.Mutex
	rows []telemetry.Record
	err  error
	// only first failN appends fail with err, 0 = all
	failN  int
	failed int
}

var _ store.Storer = &fakeStore{}

func (f *fakeStore) EnsureSchema(context.Context) error { return nil }
func (f *fakeStore) Append(ctx context.Context, r telemetry.Record) error {
	f.Lock()
	defer f.Unlock()
	if f.err != nil && (f.failN == 0 || f.failed < f.failN) {
		f.failed++
		return f.err
	}
	f.rows = append(f.rows, r)
	return nil
}
func (f *fakeStore) Recent(context.Context, int) ([]telemetry.Row, error) { return nil, nil }
func (f *fakeStore) Close() error                                         { return nil }
func (f *fakeStore) Rows() []telemetry.Record {
	f.Lock()
	defer f.Unlock()
	return append([]telemetry.Record(nil), f.rows...)
}

type pubMsg struct{ topic, payload string }

type fakePublisher struct {
	sync.Mutex
	msgs  []pubMsg
	fail  map[string]error
	panic string
}

func (f *fakePublisher) Topic(v string) string { return "/v1.6/devices/fire-system/" + v }
func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.Lock()
	defer f.Unlock()
	if f.panic != "" && topic == f.Topic(f.panic) {
		panic("publisher bug")
	}
	if err := f.fail[topic]; err != nil {
		return err
	}
	f.msgs = append(f.msgs, pubMsg{topic, string(payload)})
	return nil
}
func (f *fakePublisher) Msgs() []pubMsg {
	f.Lock()
	defer f.Unlock()
	return append([]pubMsg(nil), f.msgs...)
}

func TestWorkerHandle(t *testing.T) {
	t.Parallel()

	const prefix = "/v1.6/devices/fire-system/"
	cases := []struct {
		name        string
		input       string
		storeErr    error
		failTopic   string
		expectRows  []telemetry.Record
		expectPub   []pubMsg
		expectErr   string
		expectStats Stats
	}{
		{name: "example",
			input:      `{"temp":42.5,"gas":120,"flame":true,"alarm":1}`,
			expectRows: []telemetry.Record{{Temperature: 42.5, Gas: 120, Flame: true, Alarm: 1}},
			expectPub: []pubMsg{
				{prefix + "temperature", `{"value":42.5}`},
				{prefix + "gas", `{"value":120}`},
				{prefix + "flame", `{"value":1}`},
				{prefix + "alarm", `{"value":1}`},
			},
			expectStats: Stats{Processed: 1}},
		{name: "quiet-coerced",
			input:      `{"temp":"21","gas":80.9,"flame":0,"alarm":false}`,
			expectRows: []telemetry.Record{{Temperature: 21, Gas: 80}},
			expectPub: []pubMsg{
				{prefix + "temperature", `{"value":21}`},
				{prefix + "gas", `{"value":80}`},
				{prefix + "flame", `{"value":0}`},
				{prefix + "alarm", `{"value":0}`},
			},
			expectStats: Stats{Processed: 1}},
		{name: "invalid-json",
			input:       `{"temp":`,
			expectErr:   "payload decode",
			expectStats: Stats{Rejected: 1}},
		{name: "missing-key",
			input:       `{"temp":1,"gas":2,"flame":true}`,
			expectErr:   "missing field",
			expectStats: Stats{Rejected: 1}},
		{name: "invalid-value",
			input:       `{"temp":"hot","gas":2,"flame":true,"alarm":0}`,
			expectErr:   "invalid field",
			expectStats: Stats{Rejected: 1}},
		{name: "store-error-still-publish",
			input:    `{"temp":42.5,"gas":120,"flame":true,"alarm":1}`,
			storeErr: errors.New("disk full"),
			expectPub: []pubMsg{
				{prefix + "temperature", `{"value":42.5}`},
				{prefix + "gas", `{"value":120}`},
				{prefix + "flame", `{"value":1}`},
				{prefix + "alarm", `{"value":1}`},
			},
			expectStats: Stats{Processed: 1, StoreErrors: 1}},
		{name: "publish-error-independent",
			input:      `{"temp":42.5,"gas":120,"flame":true,"alarm":1}`,
			failTopic:  prefix + "gas",
			expectRows: []telemetry.Record{{Temperature: 42.5, Gas: 120, Flame: true, Alarm: 1}},
			expectPub: []pubMsg{
				{prefix + "temperature", `{"value":42.5}`},
				{prefix + "flame", `{"value":1}`},
				{prefix + "alarm", `{"value":1}`},
			},
			expectStats: Stats{Processed: 1, PublishErrors: 1}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			st := &fakeStore{err: c.storeErr}
			pub := &fakePublisher{fail: map[string]error{}}
			if c.failTopic != "" {
				pub.fail[c.failTopic] = errors.New("not connected")
			}
			w := NewWorker(log, queue.NewMemory(0, queue.DropOldest), st, pub, 0)
			err := w.Handle(context.Background(), []byte(c.input))
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, c.expectRows, st.Rows())
			assert.Equal(t, c.expectPub, pub.Msgs())
			stats := w.Stats()
			assert.Equal(t, c.expectStats.Processed != 0, !stats.LastAt.IsZero())
			stats.LastAt = time.Time{}
			assert.Equal(t, c.expectStats, stats)
		})
	}
}

func TestWorkerRun(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	q := queue.NewMemory(0, queue.DropOldest)
	st := &fakeStore{}
	pub := &fakePublisher{panic: "alarm"}
	w := NewWorker(log, q, st, pub, time.Second)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	const N = 5
	for i := 1; i <= N; i++ {
		require.NoError(t, q.Push([]byte(fmt.Sprintf(`{"temp":%d,"gas":%d,"flame":false,"alarm":0}`, i, i))))
		// garbage between good messages must not stop worker
		require.NoError(t, q.Push([]byte(`not json`)))
	}
	require.Eventually(t, func() bool { return q.Len() == 0 }, testTimeout, 10*time.Millisecond)

	rows := st.Rows()
	require.Len(t, rows, N)
	for i, r := range rows {
		assert.Equal(t, int64(i+1), r.Gas, "arrival order")
	}
	stats := w.Stats()
	assert.Equal(t, uint32(0), stats.Processed)
	// publisher panics on alarm variable, worker recovers and continues
	assert.Equal(t, uint32(2*N), stats.Rejected)
	assert.Len(t, pub.Msgs(), 3*N)

	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("worker did not stop after queue close")
	}
	w.Stop()
}

// Store failure for one message does not affect next one.
func TestWorkerRunStoreFailure(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	q := queue.NewMemory(0, queue.DropOldest)
	st := &fakeStore{err: errors.New("database is locked"), failN: 1}
	pub := &fakePublisher{}
	w := NewWorker(log, q, st, pub, time.Second)
	result := make(chan error, 1)
	go func() { result <- w.Run(context.Background()) }()

	require.NoError(t, q.Push([]byte(`{"temp":1,"gas":1,"flame":false,"alarm":0}`)))
	require.NoError(t, q.Push([]byte(`{"temp":2,"gas":2,"flame":true,"alarm":1}`)))
	require.Eventually(t, func() bool { return len(pub.Msgs()) == 8 }, testTimeout, 10*time.Millisecond)

	assert.Equal(t, []telemetry.Record{{Temperature: 2, Gas: 2, Flame: true, Alarm: 1}}, st.Rows())
	msgs := pub.Msgs()
	assert.Equal(t, `{"value":1}`, msgs[0].payload)
	assert.Equal(t, `{"value":2}`, msgs[4].payload)
	stats := w.Stats()
	assert.Equal(t, uint32(2), stats.Processed)
	assert.Equal(t, uint32(1), stats.StoreErrors)

	require.NoError(t, q.Close())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("worker did not stop after queue close")
	}
}

// flakyQueue fails Pop and Done on demand.
type flakyQueue struct {
	*queue.Memory
	mu       sync.Mutex
	popFails int
	// Done fails doneFails times, -1 = always
	doneFails int
	pops      int
	dones     int
}

func (q *flakyQueue) Pop() (queue.Item, error) {
	q.mu.Lock()
	q.pops++
	if q.popFails > 0 {
		q.popFails--
		q.mu.Unlock()
		return queue.Item{}, errors.New("leveldb: corrupted block")
	}
	q.mu.Unlock()
	return q.Memory.Pop()
}

func (q *flakyQueue) Done(item queue.Item) error {
	q.mu.Lock()
	q.dones++
	if q.doneFails != 0 {
		if q.doneFails > 0 {
			q.doneFails--
		}
		q.mu.Unlock()
		return errors.New("leveldb: write failed")
	}
	q.mu.Unlock()
	return q.Memory.Done(item)
}

func (q *flakyQueue) counts() (pops, dones int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pops, q.dones
}

func TestWorkerQueueErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		popFails    int
		doneFails   int
		input       int
		expectRows  int
		expectDones int
		expectErr   bool
		minElapsed  time.Duration
	}{
		// delays 20+40+80ms with retryMin=10ms
		{name: "pop-error-backoff", popFails: 3, input: 1, expectRows: 1, expectDones: 1, minElapsed: 100 * time.Millisecond},
		{name: "done-error-recovers", doneFails: 2, input: 2, expectRows: 2, expectDones: 4},
		{name: "done-error-stops", doneFails: -1, input: 2, expectRows: 1, expectDones: MaxDoneAttempts, expectErr: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			q := &flakyQueue{Memory: queue.NewMemory(0, queue.DropOldest), popFails: c.popFails, doneFails: c.doneFails}
			st := &fakeStore{}
			pub := &fakePublisher{}
			w := NewWorker(log, q, st, pub, time.Second)
			w.retryMin = 10 * time.Millisecond
			w.retryMax = 100 * time.Millisecond

			for i := 1; i <= c.input; i++ {
				require.NoError(t, q.Push([]byte(fmt.Sprintf(`{"temp":%d,"gas":%d,"flame":false,"alarm":0}`, i, i))))
			}
			start := time.Now()
			result := make(chan error, 1)
			go func() { result <- w.Run(context.Background()) }()

			if c.expectErr {
				select {
				case err := <-result:
					require.Error(t, err)
					assert.Contains(t, err.Error(), "write failed")
				case <-time.After(testTimeout):
					t.Fatal("worker did not give up")
				}
			} else {
				require.Eventually(t, func() bool { return len(st.Rows()) == c.expectRows }, testTimeout, 5*time.Millisecond)
				require.Eventually(t, func() bool { _, dones := q.counts(); return dones == c.expectDones }, testTimeout, 5*time.Millisecond)
				assert.GreaterOrEqual(t, int64(time.Since(start)), int64(c.minElapsed))
				require.NoError(t, q.Close())
				select {
				case err := <-result:
					assert.NoError(t, err)
				case <-time.After(testTimeout):
					t.Fatal("worker did not stop after queue close")
				}
			}
			// message is never handled twice
			assert.Len(t, st.Rows(), c.expectRows)
			assert.Len(t, pub.Msgs(), 4*c.expectRows)
			pops, dones := q.counts()
			assert.Equal(t, c.expectDones, dones)
			assert.LessOrEqual(t, pops, c.popFails+c.input+1, "no busy loop")
		})
	}
}

// Unreachable cloud must not slow down store path.
func TestWorkerCloudOutage(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	cloud := channel.NewCloud(log2.NewWriter(io.Discard, log2.LDebug), channel.CloudConfig{
		BrokerConfig: channel.BrokerConfig{Broker: "tcp://127.0.0.1:1", NetworkTimeoutSec: 5, RetrySec: 1},
		Token:        "t",
	}, nil, nil)
	require.NoError(t, cloud.Connect(0))
	defer cloud.Close()

	q := queue.NewMemory(0, queue.DropOldest)
	st := &fakeStore{}
	w := NewWorker(log, q, st, cloud, time.Second)
	result := make(chan error, 1)
	go func() { result <- w.Run(context.Background()) }()

	const N = 20
	start := time.Now()
	for i := 1; i <= N; i++ {
		require.NoError(t, q.Push([]byte(fmt.Sprintf(`{"temp":%d,"gas":%d,"flame":false,"alarm":0}`, i, i))))
	}
	require.Eventually(t, func() bool { return len(st.Rows()) == N }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, int64(time.Since(start)), int64(2*time.Second))
	require.Eventually(t, func() bool { return w.Stats().Processed == N }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, uint32(4*N), w.Stats().PublishErrors)

	require.NoError(t, q.Close())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestCommandRelay(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	cases := []struct {
		name    string
		control []string
		fail    bool
		expect  int
	}{
		{"zero", []string{"0"}, false, 1},
		{"zero-float", []string{"0.0"}, false, 1},
		{"repeat-no-dedup", []string{"0", "0"}, false, 2},
		{"nonzero-ignored", []string{"1", "5", "garbage"}, false, 0},
		{"local-failure", []string{"0"}, true, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			localMock := channel.NewMqttMock()
			if c.fail {
				localMock.PublishErr = func(string) error { return errors.New("local broker down") }
			}
			local := channel.NewLocal(log, channel.LocalConfig{BrokerConfig: channel.BrokerConfig{Broker: "tcp://mock"}},
				queue.NewMemory(0, queue.DropOldest), localMock.MockNew)
			require.NoError(t, local.Connect(testTimeout))
			cmd := NewCommandRelay(log, local, "")

			cloudMock := channel.NewMqttMock()
			cloud := channel.NewCloud(log, channel.CloudConfig{BrokerConfig: channel.BrokerConfig{Broker: "tcp://mock"}},
				cmd.OnControlZero, cloudMock.MockNew)
			require.NoError(t, cloud.Connect(testTimeout))

			for _, v := range c.control {
				cloudMock.TestPublish(t, cloud.TopicControl(), []byte(v))
			}
			msgs := localMock.Published()
			require.Len(t, msgs, c.expect)
			for _, m := range msgs {
				assert.Equal(t, "iot/fire/alarm/reset", m.Topic())
				assert.Equal(t, "1", string(m.Payload()))
			}
			assert.Empty(t, cloudMock.Published())
			sent, failed := cmd.Counts()
			assert.Equal(t, uint32(c.expect), sent)
			if c.fail {
				assert.Equal(t, uint32(1), failed)
			}
		})
	}
}

// Telemetry path through channel adapters with mocked brokers.
func TestPipeline(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	q := queue.NewMemory(16, queue.DropOldest)
	st := &fakeStore{}

	localMock := channel.NewMqttMock()
	local := channel.NewLocal(log, channel.LocalConfig{BrokerConfig: channel.BrokerConfig{Broker: "tcp://mock"}}, q, localMock.MockNew)
	cloudMock := channel.NewMqttMock()
	cloud := channel.NewCloud(log, channel.CloudConfig{BrokerConfig: channel.BrokerConfig{Broker: "tcp://mock"}}, nil, cloudMock.MockNew)
	require.NoError(t, local.Connect(testTimeout))
	require.NoError(t, cloud.Connect(testTimeout))

	w := NewWorker(log, q, st, cloud, 0)
	go w.Run(context.Background())
	defer w.Stop()
	defer q.Close()

	localMock.TestPublish(t, "iot/fire/telemetry", []byte(`{"temp":42.5,"gas":120,"flame":true,"alarm":1}`))
	expect := map[string]string{
		"/v1.6/devices/fire-system/temperature": `{"value":42.5}`,
		"/v1.6/devices/fire-system/gas":         `{"value":120}`,
		"/v1.6/devices/fire-system/flame":       `{"value":1}`,
		"/v1.6/devices/fire-system/alarm":       `{"value":1}`,
	}
	for i := 0; i < len(expect); i++ {
		msg := cloudMock.WaitPub(t, testTimeout)
		assert.Equal(t, expect[msg.Topic()], string(msg.Payload()), "topic=%s", msg.Topic())
	}
	require.Eventually(t, func() bool { return len(st.Rows()) == 1 }, testTimeout, 10*time.Millisecond)
}
