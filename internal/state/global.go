// Package state owns relay components and their lifecycle.
package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/fire-relay/helpers"
	"github.com/temoto/fire-relay/internal/broker"
	"github.com/temoto/fire-relay/internal/channel"
	"github.com/temoto/fire-relay/internal/queue"
	"github.com/temoto/fire-relay/internal/relay"
	"github.com/temoto/fire-relay/internal/status"
	"github.com/temoto/fire-relay/internal/store"
	"github.com/temoto/fire-relay/log2"
)

const shutdownTimeout = 5 * time.Second

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log

	Broker  *broker.Server // nil unless broker.listen is set
	Queue   queue.Queuer
	Store   store.Storer
	Local   *channel.Local
	Cloud   *channel.Cloud
	Command *relay.CommandRelay
	Worker  *relay.Worker
	Status  *status.Server // nil unless status.listen is set

	// NewClient replaces paho client, nil = real network.
	NewClient channel.NewClientFunc

	shutdownOnce sync.Once
	fatal        helpers.AtomicError
	errorCount   uint32
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init builds and starts everything: store schema, worker, both broker connections.
// If `Init` fails, call Stop and Wait to release what was started.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.SetErrorFunc(func(error) { atomic.AddUint32(&g.errorCount, 1) })

	if cfg.Broker.Enabled() {
		b, err := broker.Start(ctx, g.Log, cfg.Broker)
		if err != nil {
			return errors.Annotate(err, "broker")
		}
		g.Broker = b
		g.Log.Infof("broker listening on %v", b.Addrs())
	}

	if err := g.initQueue(); err != nil {
		return err
	}

	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	g.Store = st

	g.Local = channel.NewLocal(g.Log, cfg.Local, g.Queue, g.NewClient)
	g.Command = relay.NewCommandRelay(g.Log, g.Local, cfg.ResetSubtopic)
	g.Cloud = channel.NewCloud(g.Log, cfg.Cloud, g.Command.OnControlZero, g.NewClient)
	g.Worker = relay.NewWorker(g.Log, g.Queue, g.Store, g.Cloud,
		helpers.IntSecondDefault(cfg.Store.AppendTimeoutSec, relay.DefaultStoreTimeout))

	// worker before connect, messages must have consumer as soon as they arrive
	if !g.Alive.Add(1) {
		return errors.New("relay is stopping")
	}
	go func() {
		defer g.Alive.Done()
		if err := g.Worker.Run(ctx); err != nil {
			// queue storage is broken, let supervisor restart relay
			g.Fail(errors.Annotate(err, "worker"))
		}
	}()

	if err := g.connect(); err != nil {
		return err
	}

	if cfg.Status.Listen != "" {
		g.Status = status.NewServer(g.Log, status.Deps{
			Version: g.BuildVersion,
			Queue:   g.Queue,
			Worker:  g.Worker,
			Local:   g.Local,
			Cloud:   g.Cloud,
			Store:   g.Store,
		})
		if _, err := g.Status.Start(cfg.Status.Listen); err != nil {
			return err
		}
	}
	return nil
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

// Fail logs err and stops relay. First such error is returned by Err.
func (g *Global) Fail(err error) {
	g.fatal.StoreOnce(err)
	g.Error(err)
	g.Stop()
}

// Err is reason of abnormal stop, nil after clean shutdown.
func (g *Global) Err() error {
	err, _ := g.fatal.Load()
	return err
}

// Run logs queue depth periodically until Stop, then shuts down.
func (g *Global) Run() {
	interval := helpers.IntSecondDefault(g.Config.MonitorIntervalSec, DefaultMonitorSec*time.Second)
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case <-tmr.C:
			g.Log.Infof("%s", g.monitorLine())
		case <-g.Alive.StopChan():
			g.shutdown()
			g.Alive.Wait()
			return
		}
	}
}

func (g *Global) Stop() { g.Alive.Stop() }

// Wait is used after failed Init, when Run was not called.
func (g *Global) Wait() {
	g.Alive.Stop()
	g.shutdown()
	g.Alive.Wait()
}

func (g *Global) monitorLine() string {
	line := fmt.Sprintf("monitor queue=%d", g.Queue.Len())
	if g.Worker != nil {
		line += " " + g.Worker.Stats().String()
	}
	if g.Local != nil {
		line += fmt.Sprintf(" local_connected=%t received=%d rejected=%d",
			g.Local.IsConnected(), g.Local.Received(), g.Local.Rejected())
	}
	if g.Cloud != nil {
		line += fmt.Sprintf(" cloud_connected=%t controls=%d", g.Cloud.IsConnected(), g.Cloud.Controls())
	}
	if g.Broker != nil {
		line += fmt.Sprintf(" broker_clients=%d", g.Broker.Clients())
	}
	line += fmt.Sprintf(" errors=%d", atomic.LoadUint32(&g.errorCount))
	return line
}

func (g *Global) initQueue() error {
	c := &g.Config.Queue
	if c.PersistPath != "" {
		q, err := queue.OpenPersistent(c.PersistPath)
		if err != nil {
			return errors.Annotate(err, "queue")
		}
		g.Queue = q
		g.Log.Infof("queue persistent path=%s", c.PersistPath)
		return nil
	}
	overflow, err := queue.ParseOverflow(c.Overflow)
	if err != nil {
		return err
	}
	q := queue.NewMemory(c.Capacity, overflow)
	q.SetDropFunc(func(payload []byte) {
		g.Log.Errorf("queue overflow policy=%s dropped payload=%s", overflow.String(), payload)
	})
	g.Queue = q
	return nil
}

// openStore retries until schema is ready or startup timeout.
// Database may start later than relay after power loss.
func (g *Global) openStore(ctx context.Context) (store.Storer, error) {
	c := g.Config.Store
	ctx, cancel := context.WithTimeout(ctx, helpers.IntSecondDefault(c.StartupTimeoutSec, DefaultStartupSec*time.Second))
	defer cancel()
	backoff := helpers.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, K: 2}
	for {
		st, err := store.Open(ctx, g.Log, c.Config)
		if err == nil {
			if err = st.EnsureSchema(ctx); err == nil {
				g.Log.Infof("store driver=%s ready", c.Driver)
				return st, nil
			}
			_ = st.Close()
		}
		if errors.IsNotValid(errors.Cause(err)) {
			return nil, errors.Annotate(err, "store")
		}
		delay := backoff.DelayAfter(false)
		g.Log.Errorf("store open err=%v retry in %v", err, delay)
		select {
		case <-ctx.Done():
			return nil, errors.Annotate(err, "store startup")
		case <-time.After(delay):
		}
	}
}

// connect both brokers in parallel. With connect_required waits for first
// connection, otherwise returns immediately and paho keeps retrying.
func (g *Global) connect() error {
	wait := time.Duration(0)
	if g.Config.ConnectRequired {
		wait = helpers.IntSecondDefault(g.Config.ConnectTimeoutSec, DefaultConnectSec*time.Second)
	}
	const n = 2
	wg := sync.WaitGroup{}
	wg.Add(n)
	errch := make(chan error, n)
	go helpers.WrapErrChan(&wg, errch, func() error { return g.Local.Connect(wait) })
	go helpers.WrapErrChan(&wg, errch, func() error { return g.Cloud.Connect(wait) })
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

// shutdown order: stop inbound, drain worker, then outbound and storage.
func (g *Global) shutdown() {
	g.shutdownOnce.Do(func() {
		g.Log.Infof("shutdown")
		if g.Local != nil {
			g.Local.Close()
		}
		if g.Queue != nil {
			if err := g.Queue.Close(); err != nil {
				g.Error(err, "queue close")
			}
		}
		if g.Worker != nil {
			g.Worker.Stop()
			g.Log.Infof("worker %s", g.Worker.Stats().String())
		}
		if g.Cloud != nil {
			g.Cloud.Close()
		}
		if g.Status != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			g.Error(g.Status.Close(ctx))
			cancel()
		}
		if g.Store != nil {
			g.Error(g.Store.Close(), "store close")
		}
		if g.Broker != nil {
			g.Error(g.Broker.Close(), "broker close")
		}
	})
}
