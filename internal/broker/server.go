// Package broker is small embedded MQTT 3.1.1 broker for device network.
// Relay may host local broker itself instead of depending on external one.
//
// Supported: QoS 0 and 1, retained messages, will, wildcard subscriptions.
// Not supported: QoS 2, persistent sessions.
package broker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/fire-relay/helpers"
	"github.com/temoto/fire-relay/log2"
)

const defaultReadLimit = 1 << 20

var (
	ErrSameClient       = fmt.Errorf("clientid overtake")
	ErrClosing          = fmt.Errorf("server is closing")
	ErrNoSubscribers    = fmt.Errorf("no subscribers")
	ErrNotAuthorized    = fmt.Errorf("not authorized")
	ErrUnexpectedPacket = fmt.Errorf("unexpected packet")
)

type ServerOptions struct {
	Log *log2.Log
	// OnAuth nil allows everybody.
	OnAuth AuthFunc
	// OnPublish nil routes to subscribers.
	OnPublish MessageFunc
	// OnClose is called when valid client connection is lost.
	OnClose CloseFunc
}

type AuthFunc = func(ctx context.Context, opt *BackendOptions, pkt *packet.Connect) (bool, error)
type CloseFunc = func(clientID string, clean bool, e error)

// MessageFunc error rejects message, QoS1 PUBACK is not sent.
type MessageFunc = func(context.Context, *packet.Message) error

// Server.subs is prefix tree of pattern -> []{client, qos}
type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct { //nolint:maligned
	sync.RWMutex

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	ctx       context.Context
	listens   map[string]*transport.NetServer
	log       *log2.Log
	nextid    uint32 // atomic packet.ID
	onAuth    AuthFunc
	onClose   CloseFunc
	onPublish MessageFunc
	retain    *topic.Tree // *packet.Message
	subs      *topic.Tree // *subscription
}

func NewServer(opt ServerOptions) *Server {
	s := &Server{
		alive:   alive.NewAlive(),
		ctx:     context.Background(),
		log:     opt.Log,
		onAuth:  opt.OnAuth,
		onClose: opt.OnClose,
		retain:  topic.NewStandardTree(),
		subs:    topic.NewStandardTree(),
	}
	s.backends.m = make(map[string]*backend)
	s.onPublish = opt.OnPublish
	if s.onPublish == nil {
		s.onPublish = s.route
	}
	return s
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Clients returns number of connected clients.
func (s *Server) Clients() int {
	s.backends.RLock()
	defer s.backends.RUnlock()
	return len(s.backends.m)
}

func (s *Server) Close() error {
	// serialize well with acceptLoop
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			switch err := b.die(nil); err {
			case nil, ErrClosing, io.EOF:
			default:
				errs = append(errs, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context, lopts []*BackendOptions) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	if s.listens == nil {
		s.listens = make(map[string]*transport.NetServer, len(lopts))
	}

	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		s.log.Debugf("broker listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)

		ns, err := s.listen(opt)
		if err != nil {
			err = errors.Annotatef(err, "broker listen url=%s", opt.URL)
			errs = append(errs, err)
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		s.log.Infof("broker listening addr=%s", ns.Addr().String())
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

// NextID skips 0, QoS1 requires non-zero packet id.
func (s *Server) NextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&s.nextid, 1)
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish delivers msg to all matching subscribers.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) error {
	s.log.Debugf("broker publish msg=%s", MessageString(msg))

	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	var _a [8]*subscription
	subs := _a[:0]
	uniq := make(map[string]struct{}) // deduplicate subscriptions
	for _, x := range s.subs.Match(msg.Topic) {
		xsub := x.(*subscription)
		if _, ok := uniq[xsub.client]; !ok {
			uniq[xsub.client] = struct{}{}
			subs = append(subs, xsub)
		}
	}
	n := len(subs)
	if n == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, n)
	wg := sync.WaitGroup{}
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, sub := range subs {
			b, ok := s.backends.m[sub.client]
			if !ok {
				continue
			}
			wg.Add(1)
			bmsg := msg.Copy()
			// retain flag is only for new subscriptions
			bmsg.Retain = false
			if sub.qos < bmsg.QOS {
				bmsg.QOS = sub.qos
			}
			id := s.NextID()
			go helpers.WrapErrChan(&wg, errch, func() error { return b.Publish(ctx, id, bmsg) })
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func (s *Server) route(ctx context.Context, msg *packet.Message) error {
	switch err := s.Publish(ctx, msg); err {
	case nil, ErrNoSubscribers:
		return nil
	default:
		// one subscriber failure must not reject message for publisher
		s.log.Errorf("broker route topic=%s err=%v", msg.Topic, err)
		return nil
	}
}

func (s *Server) listen(opt *BackendOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	var ns *transport.NetServer
	switch u.Scheme {
	case "tls":
		if ns, err = transport.CreateSecureNetServer(u.Host, opt.TLS); err != nil {
			return nil, errors.Annotate(err, "CreateSecureNetServer")
		}

	case "tcp", "unix":
		address := u.Host
		if u.Scheme == "unix" {
			address = u.Path
		}
		listen, err := net.Listen(u.Scheme, address)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, address)
		}
		ns = transport.NewNetServer(listen)
	}
	if ns == nil {
		return nil, errors.NotSupportedf("listen url=%s", opt.URL)
	}
	return ns, nil
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *BackendOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Errorf("broker accept listen=%s err=%v", opt.URL, err)
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

func (s *Server) onAccept(ctx context.Context, conn transport.Conn, opt *BackendOptions) (*backend, error) {
	var pkt packet.Generic
	var err error
	addr := addrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	// Receive first packet without backend
	pkt, err = conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}

	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = ErrUnexpectedPacket
		return nil, errors.Trace(err)
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false

	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Annotate(ErrNotAuthorized, "empty clientid")
		return nil, err
	}

	if s.onAuth != nil {
		ok, err = s.onAuth(ctx, opt, pktConnect)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			connack.ReturnCode = packet.NotAuthorized
			_ = conn.Send(connack, false)
			err = errors.Annotatef(ErrNotAuthorized, "client=%s username=%s", pktConnect.ClientID, pktConnect.Username)
			return nil, err
		}
	}
	willString := "-"
	if pktConnect.Will != nil {
		willString = MessageString(pktConnect.Will)
	}
	s.log.Debugf("broker CONNECT addr=%s client=%s username=%s keepalive=%d will=%s",
		addr, pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive, willString)

	connack.ReturnCode = packet.ConnectionAccepted
	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 {
		keepalive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepaliveAndHalf(keepalive))
	err = conn.Send(connack, false)
	if err != nil {
		return nil, errors.Trace(err)
	}

	b := newBackend(ctx, conn, opt, s.log, pktConnect)
	return b, nil
}

func (s *Server) onSubscribe(b *backend, pkt *packet.Subscribe) error {
	// A SUBSCRIBE packet with no payload is a protocol violation [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return b.die(fmt.Errorf("subscribe request with empty sub list"))
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	s.subscribe(b, pkt.Subscriptions, suback)
	return errors.Annotate(b.Send(suback), "onSubscribe")
}

func (s *Server) onUnsubscribe(b *backend, pkt *packet.Unsubscribe) error {
	topics := make(map[string]struct{}, len(pkt.Topics))
	for _, pattern := range pkt.Topics {
		topics[pattern] = struct{}{}
	}
	for _, value := range s.subs.All() {
		sub := value.(*subscription)
		if _, ok := topics[sub.pattern]; ok && sub.client == b.id {
			s.subs.Remove(sub.pattern, value)
		}
	}
	unsuback := packet.NewUnsuback()
	unsuback.ID = pkt.ID
	return errors.Annotate(b.Send(unsuback), "onUnsubscribe")
}

func (s *Server) processConn(conn transport.Conn, opt *BackendOptions) {
	defer s.alive.Done()

	addrNew := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	b, err := s.onAccept(s.ctx, conn, opt)
	if err != nil {
		s.log.Infof("broker onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.backends, func() {
		// close existing client with same id
		if ex, ok := s.backends.m[b.id]; ok {
			addrEx := addrString(ex.RemoteAddr())
			s.log.Infof("broker client overtake id=%s ex=%s new=%s", b.id, addrEx, addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})

	// receive loop
	wg := sync.WaitGroup{}
	for {
		var pkt packet.Generic
		pkt, err = b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.processPacket(b, pkt, &wg)
	}
	wg.Wait()

	graceTimeout := b.opt.NetworkTimeout
	_ = b.acks.Await(graceTimeout)
	b.acks.Clear()

	// mandatory cleanup on backend closed
	closeErr := b.die(ErrClosing)
	will, clean := b.getWill()
	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			s.log.Debugf("broker id=%s clean=%t will=%v", b.id, clean, will)
			delete(s.backends.m, b.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == b.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	if !clean && will != nil {
		_ = s.onPublish(s.ctx, will)
	}
	if s.onClose != nil {
		s.onClose(b.id, clean, closeErr)
	}
}

// on each incoming packet after connect handshake
func (s *Server) processPacket(b *backend, pkt packet.Generic, finally interface{ Done() }) {
	defer finally.Done()
	err := helpers.WithLockError(s.backends.RLocker(), func() error {
		ex := s.backends.m[b.id]
		if b != ex {
			s.log.Errorf("broker ignore packet from detached id=%s pkt=%s", b.id, PacketString(pkt))
			return ErrSameClient
		}
		return nil
	})
	if err != nil {
		_ = b.die(err)
		return
	}

	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		switch pt.Message.QOS {
		case packet.QOSAtMostOnce:
			if err = s.onPublish(b.ctx, &pt.Message); err != nil {
				s.log.Errorf("broker onPublish msg=%s err=%v", MessageString(&pt.Message), err)
				err = nil
			}

		case packet.QOSAtLeastOnce:
			if err = s.onPublish(b.ctx, &pt.Message); err != nil {
				// no PUBACK, client will redeliver
				s.log.Errorf("broker onPublish msg=%s err=%v", MessageString(&pt.Message), err)
				err = nil
				break
			}
			pktPuback := packet.NewPuback()
			pktPuback.ID = pt.ID
			err = b.Send(pktPuback)

		default:
			err = fmt.Errorf("qos %d is not supported", pt.Message.QOS)
		}

	case *packet.Puback:
		err = b.FulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(b, pt)

	case *packet.Unsubscribe:
		err = s.onUnsubscribe(b, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 not supported")

	case *packet.Disconnect:
		b.onDisconnect()
		_ = b.die(nil)
		return

	default:
		err = fmt.Errorf("code error packet is not handled pkt=%s", PacketString(pkt))
	}
	if err != nil {
		s.log.Errorf("broker client=%s err=%v", b.id, err)
		_ = b.die(err)
	}
}

func (s *Server) subscribe(b *backend, subs []packet.Subscription, pktSubAck *packet.Suback) {
	for _, sub := range subs {
		sub2 := &subscription{
			pattern: sub.Topic,
			client:  b.id,
			qos:     sub.QOS,
		}
		if sub2.qos > packet.QOSAtLeastOnce {
			sub2.qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(sub2.pattern, sub2)
		if pktSubAck != nil {
			pktSubAck.ReturnCodes = append(pktSubAck.ReturnCodes, sub2.qos)
		}

		for _, v := range s.retain.Search(sub2.pattern) {
			msg := v.(*packet.Message).Copy()
			if sub2.qos < msg.QOS {
				msg.QOS = sub2.qos
			}
			pid := s.NextID()
			go func() {
				_ = b.Publish(s.ctx, pid, msg)
			}()
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func keepaliveAndHalf(d time.Duration) time.Duration {
	return d + d/2
}
