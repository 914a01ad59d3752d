package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/fire-relay/internal/broker"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/log2"
)

const testTimeout = 5 * time.Second

func TestLocalTelemetry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		capacity int
		overflow queue.Overflow
		input    [][]byte
		expect   []string
		rejected uint32
	}{
		{"valid", 0, queue.DropOldest, [][]byte{[]byte(`{"temp":42.5,"gas":120,"flame":true,"alarm":1}`)},
			[]string{`{"temp":42.5,"gas":120,"flame":true,"alarm":1}`}, 0},
		{"invalid-json-still-queued", 0, queue.DropOldest, [][]byte{[]byte(`{"temp":`)}, []string{`{"temp":`}, 0},
		{"invalid-utf8", 0, queue.DropOldest, [][]byte{{0xff, 0xfe, '{'}}, nil, 1},
		{"order", 0, queue.DropOldest, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, []string{"a", "b", "c"}, 0},
		{"full-drop-newest", 2, queue.DropNewest, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, []string{"a", "b"}, 1},
		{"full-drop-oldest", 2, queue.DropOldest, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, []string{"b", "c"}, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			q := queue.NewMemory(c.capacity, c.overflow)
			mock := NewMqttMock()
			local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, q, mock.MockNew)
			require.NoError(t, local.Connect(testTimeout))
			assert.Equal(t, []string{DefaultTopicTelemetry}, mock.Subscribed())
			assert.True(t, local.IsConnected())

			for _, b := range c.input {
				mock.TestPublish(t, DefaultTopicTelemetry, b)
			}
			got := make([]string, 0, len(c.expect))
			for q.Len() > 0 {
				item, err := q.Pop()
				require.NoError(t, err)
				got = append(got, string(item.Payload))
				require.NoError(t, q.Done(item))
			}
			if c.expect == nil {
				c.expect = []string{}
			}
			assert.Equal(t, c.expect, got)
			assert.Equal(t, c.rejected, local.Rejected())
		})
	}
}

// Overflow is reported once, by queue drop func.
func TestLocalQueueFullLoggedOnce(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := log2.NewWriter(&buf, log2.LDebug)
	q := queue.NewMemory(1, queue.DropNewest)
	q.SetDropFunc(func(payload []byte) { log.Errorf("queue overflow dropped payload=%s", payload) })
	mock := NewMqttMock()
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, q, mock.MockNew)
	require.NoError(t, local.Connect(testTimeout))

	mock.TestPublish(t, DefaultTopicTelemetry, []byte("a"))
	mock.TestPublish(t, DefaultTopicTelemetry, []byte("b"))
	assert.Equal(t, uint32(1), local.Rejected())
	assert.Equal(t, 1, strings.Count(buf.String(), "error:"), buf.String())
	assert.Contains(t, buf.String(), "dropped payload=b")
}

func TestLocalAfterClose(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	q := queue.NewMemory(0, queue.DropOldest)
	mock := NewMqttMock()
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, q, mock.MockNew)
	require.NoError(t, local.Connect(testTimeout))
	handler := mock.subs[0].Handler
	require.NoError(t, q.Close())
	local.Close()
	assert.Empty(t, mock.Subscribed())
	// late delivery from paho after shutdown must not panic
	handler(mock, MockMsg{T: DefaultTopicTelemetry, P: []byte("{}")})
	assert.Equal(t, uint32(1), local.Rejected())
}

func TestLocalPublishDevice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		prefix   string
		subtopic string
		expect   string
	}{
		{"default", "", "alarm/reset", "iot/fire/alarm/reset"},
		{"custom-prefix-slash", "site1/fire/", "/alarm/reset", "site1/fire/alarm/reset"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			mock := NewMqttMock()
			cfg := LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}, TopicPrefix: c.prefix}
			local := NewLocal(log, cfg, queue.NewMemory(0, queue.DropOldest), mock.MockNew)
			require.NoError(t, local.Connect(testTimeout))
			require.NoError(t, local.PublishDevice(c.subtopic))
			msg := mock.WaitPub(t, testTimeout)
			assert.Equal(t, c.expect, msg.Topic())
			assert.Equal(t, "1", string(msg.Payload()))
		})
	}
}

func TestLocalPublishDeviceError(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	mock.PublishErr = func(string) error { return errors.New("broker gone") }
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, queue.NewMemory(0, queue.DropOldest), mock.MockNew)
	require.NoError(t, local.Connect(testTimeout))
	err := local.PublishDevice("alarm/reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
	assert.Empty(t, mock.Published())
}

func TestLocalPublishTelemetry(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}, TopicTelemetry: "site/t"}, queue.NewMemory(0, queue.DropOldest), mock.MockNew)
	require.NoError(t, local.Connect(testTimeout))
	require.NoError(t, local.PublishTelemetry([]byte(`{"temp":1}`)))
	msgs := mock.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "site/t", msgs[0].Topic())
	assert.Equal(t, `{"temp":1}`, string(msgs[0].Payload()))
}

func TestCloudControl(t *testing.T) {
	t.Parallel()

	cases := []struct {
		payload string
		reset   bool
	}{
		{"0", true},
		{"0.0", true},
		{" 0 \n", true},
		{"-0", true},
		{"1", false},
		{"1.0", false},
		{"0.5", false},
		{"abc", false},
		{"", false},
		{"NaN", false},
	}
	for _, c := range cases {
		c := c
		t.Run(c.payload, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			mock := NewMqttMock()
			var resets uint32
			cloud := NewCloud(log, CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock", Username: "token"}},
				func() { atomic.AddUint32(&resets, 1) }, mock.MockNew)
			require.NoError(t, cloud.Connect(testTimeout))
			mock.TestPublish(t, "/v1.6/devices/fire-system/alarm_control/lv", []byte(c.payload))
			if c.reset {
				assert.Equal(t, uint32(1), atomic.LoadUint32(&resets))
				assert.Equal(t, uint32(1), cloud.Controls())
			} else {
				assert.Equal(t, uint32(0), atomic.LoadUint32(&resets))
			}
			assert.Empty(t, mock.Published(), "cloud control must not publish to cloud")
		})
	}
}

func TestCloudTopics(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	cloud := NewCloud(log, CloudConfig{
		BrokerConfig: BrokerConfig{Broker: "tcp://mock"},
		TopicBase:    "/v2.0/devices/",
		DeviceLabel:  "lab",
	}, nil, mock.MockNew)
	assert.Equal(t, "/v2.0/devices/lab/temperature", cloud.Topic("temperature"))
	assert.Equal(t, "/v2.0/devices/lab/alarm_control/lv", cloud.TopicControl())
	require.NoError(t, cloud.Connect(testTimeout))
	assert.Equal(t, []string{"/v2.0/devices/lab/alarm_control/lv"}, mock.Subscribed())
	// nil callback is allowed
	mock.TestPublish(t, cloud.TopicControl(), []byte("0"))

	require.NoError(t, cloud.Publish(cloud.Topic("gas"), []byte(`{"value":120}`)))
	msg := mock.WaitPub(t, testTimeout)
	assert.Equal(t, "/v2.0/devices/lab/gas", msg.Topic())
	assert.Equal(t, `{"value":120}`, string(msg.Payload()))
}

func TestCloudPublishError(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	mock.PublishErr = func(topic string) error {
		if strings.HasSuffix(topic, "/gas") {
			return errors.New("rejected")
		}
		return nil
	}
	cloud := NewCloud(log, CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, nil, mock.MockNew)
	require.NoError(t, cloud.Connect(testTimeout))
	assert.Error(t, cloud.Publish(cloud.Topic("gas"), []byte("{}")))
	assert.NoError(t, cloud.Publish(cloud.Topic("flame"), []byte("{}")))
	require.Len(t, mock.Published(), 1)

	mock.PublishErr = func(string) error { return errors.Timeoutf("publish") }
	err := cloud.Publish(cloud.Topic("alarm"), []byte("{}"))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(errors.Cause(err)), "err=%v", err)
}

func TestPublishNotConnected(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	mock := NewMqttMock()
	cloud := NewCloud(log, CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, nil, mock.MockNew)
	err := cloud.Publish(cloud.Topic("gas"), []byte(`{"value":1}`))
	require.Error(t, err)
	assert.Equal(t, ErrNotConnected, errors.Cause(err))

	localMock := NewMqttMock()
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, queue.NewMemory(0, queue.DropOldest), localMock.MockNew)
	err = local.PublishDevice("alarm/reset")
	require.Error(t, err)
	assert.Equal(t, ErrNotConnected, errors.Cause(err))
	assert.Empty(t, mock.Published())
	assert.Empty(t, localMock.Published())
}

// Real paho client with ConnectRetry against closed port, stays in connecting state.
func TestCloudPublishOutage(t *testing.T) {
	t.Parallel()
	// background connect errors are logged after test end
	log := log2.NewWriter(io.Discard, log2.LDebug)
	cloud := NewCloud(log, CloudConfig{
		BrokerConfig: BrokerConfig{Broker: "tcp://127.0.0.1:1", NetworkTimeoutSec: 5, RetrySec: 1},
		Token:        "t",
	}, nil, nil)
	require.NoError(t, cloud.Connect(0))
	defer cloud.Close()

	start := time.Now()
	for i := 0; i < 10; i++ {
		err := cloud.Publish(cloud.Topic("temperature"), []byte(`{"value":1}`))
		require.Error(t, err)
		assert.Equal(t, ErrNotConnected, errors.Cause(err))
	}
	assert.Less(t, int64(time.Since(start)), int64(time.Second), "publish must not wait for reconnect")
}

func TestConnect(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	mock := NewMqttMock()
	mock.ConnectErr = errors.Timeoutf("connect")
	cloud := NewCloud(log, CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, nil, mock.MockNew)
	err := cloud.Connect(time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
	assert.False(t, cloud.IsConnected())

	// wait=0 does not block and does not fail, error is logged in background
	mock2 := NewMqttMock()
	mock2.ConnectErr = errors.New("refused")
	bglog := log2.NewWriter(io.Discard, log2.LDebug)
	cloud2 := NewCloud(bglog, CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://mock"}}, nil, mock2.MockNew)
	assert.NoError(t, cloud2.Connect(0))
}

func TestClientOptions(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	mock := NewMqttMock()
	NewCloud(log, CloudConfig{BrokerConfig: BrokerConfig{
		Broker:       "tcp://cloud.example:1883",
		KeepaliveSec: 15,
	}, Token: "BBFF-token"}, nil, mock.MockNew)
	require.NotNil(t, mock.Opt)
	assert.Equal(t, "cloud.example:1883", mock.Opt.Servers[0].Host)
	assert.True(t, strings.HasPrefix(mock.Opt.ClientID, "fire-relay-cloud-"), mock.Opt.ClientID)
	assert.Equal(t, int64(15), mock.Opt.KeepAlive)
	assert.True(t, mock.Opt.Order, "handlers must run in arrival order")
	user, pass := mock.Opt.CredentialsProvider()
	assert.Equal(t, "BBFF-token", user)
	assert.Equal(t, "", pass)

	mock2 := NewMqttMock()
	NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://localhost:1883", ClientID: "dev1"}},
		queue.NewMemory(0, queue.DropOldest), mock2.MockNew)
	assert.Equal(t, "dev1", mock2.Opt.ClientID)
}

func TestBrokerConfigValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, (&LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://localhost:1883"}}).Validate())
	assert.Error(t, (&LocalConfig{}).Validate())
	assert.Error(t, (&LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://x", Qos: 3}}).Validate())
	assert.Error(t, (&LocalConfig{BrokerConfig: BrokerConfig{Broker: "tcp://x"}, TopicTelemetry: "iot/#"}).Validate())
	assert.NoError(t, (&CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://x"}, Token: "t"}).Validate())
	assert.Error(t, (&CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://x"}}).Validate())
	assert.Error(t, (&CloudConfig{BrokerConfig: BrokerConfig{Broker: "tcp://x"}, Token: "t", DeviceLabel: "a/b"}).Validate())
}

// Real paho client against embedded broker.
func TestLocalEmbeddedBroker(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	srv, err := broker.Start(context.Background(), log, broker.Config{Listen: []string{"tcp://127.0.0.1:0"}})
	require.NoError(t, err)
	defer srv.Close()
	url := "tcp://" + srv.Addrs()[0]

	q := queue.NewMemory(0, queue.DropOldest)
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: url, NetworkTimeoutSec: 5}}, q, nil)
	require.NoError(t, local.Connect(testTimeout))
	defer local.Close()

	device := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(url).SetClientID("device"))
	tok := device.Connect()
	require.True(t, tok.WaitTimeout(testTimeout))
	require.NoError(t, tok.Error())
	defer device.Disconnect(100)
	resets := make(chan string, 1)
	tok = device.Subscribe("iot/fire/alarm/reset", 0, func(_ mqtt.Client, msg mqtt.Message) {
		resets <- string(msg.Payload())
	})
	require.True(t, tok.WaitTimeout(testTimeout))
	require.NoError(t, tok.Error())

	payload := `{"temp":21.5,"gas":80,"flame":false,"alarm":0}`
	// relay subscribes in background after connect
	require.Eventually(t, func() bool {
		device.Publish(DefaultTopicTelemetry, 0, false, payload).WaitTimeout(testTimeout)
		return q.Len() > 0
	}, testTimeout, 50*time.Millisecond)
	item, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, payload, string(item.Payload))

	require.NoError(t, local.PublishDevice("alarm/reset"))
	select {
	case p := <-resets:
		assert.Equal(t, "1", p)
	case <-time.After(testTimeout):
		t.Fatal("device did not receive reset")
	}
}

// Delivery order from broker is preserved into queue.
func TestLocalOrderEmbeddedBroker(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LInfo)
	srv, err := broker.Start(context.Background(), log, broker.Config{Listen: []string{"tcp://127.0.0.1:0"}})
	require.NoError(t, err)
	defer srv.Close()
	url := "tcp://" + srv.Addrs()[0]

	q := queue.NewMemory(0, queue.DropOldest)
	local := NewLocal(log, LocalConfig{BrokerConfig: BrokerConfig{Broker: url, NetworkTimeoutSec: 5}}, q, nil)
	require.NoError(t, local.Connect(testTimeout))
	defer local.Close()

	device := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(url).SetClientID("device-order"))
	tok := device.Connect()
	require.True(t, tok.WaitTimeout(testTimeout))
	require.NoError(t, tok.Error())
	defer device.Disconnect(100)

	var mu sync.Mutex
	seqs := make([]int, 0, 1024)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			item, err := q.Pop()
			if err != nil {
				return
			}
			if s := string(item.Payload); strings.HasPrefix(s, "seq=") {
				n, _ := strconv.Atoi(strings.TrimPrefix(s, "seq="))
				mu.Lock()
				seqs = append(seqs, n)
				mu.Unlock()
			}
			_ = q.Done(item)
		}
	}()
	defer func() {
		_ = q.Close()
		<-consumed
	}()

	// relay subscribes in background after connect
	require.Eventually(t, func() bool {
		device.Publish(DefaultTopicTelemetry, 0, false, "warmup").WaitTimeout(testTimeout)
		return local.Received() > 0
	}, testTimeout, 50*time.Millisecond)

	const N = 1000
	for i := 0; i < N; i++ {
		tok := device.Publish(DefaultTopicTelemetry, 0, false, fmt.Sprintf("seq=%d", i))
		require.True(t, tok.WaitTimeout(testTimeout))
		require.NoError(t, tok.Error())
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == N
	}, 2*testTimeout, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seqs {
		if !assert.Equal(t, i, n, "arrival order") {
			break
		}
	}
}
