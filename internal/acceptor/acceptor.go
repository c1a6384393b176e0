//go:build linux

// Package acceptor implements the accept thread: it owns the listening
// socket, enforces the per-peer cap before handing a freshly accepted
// connection to a selector thread, and round-robins across the selector
// set.
//
// Unlike the client-connection selector threads, the accept thread does
// not run its own epoll instance. Go's net.TCPListener.Accept already
// gives single-owner blocking semantics on a listener nobody else
// touches, so there is no interest-ops race for a second poller to
// guard against.
package acceptor

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/cnxnfactory/internal/protocol"
	"github.com/smukkama/cnxnfactory/internal/ratelimit"
	"github.com/smukkama/cnxnfactory/internal/registry"
	"github.com/smukkama/cnxnfactory/internal/selector"
)

// SelectorTarget is the subset of selector.Thread the acceptor needs,
// kept narrow so tests can fake it without spinning up real epoll.
type SelectorTarget interface {
	OfferAccepted(sock selector.AcceptedSocket) bool
}

// EventSink receives audit events for accepted and rejected sockets; the
// factory wires this to the Kafka-backed lifecycle publisher.
type EventSink interface {
	Publish(ev *protocol.ConnectionEvent)
}

const pauseDuration = 10 * time.Millisecond

// Thread is the accept thread. Construct with NewThread, then run it on
// its own goroutine via Run.
type Thread struct {
	listener *net.TCPListener
	selectors []SelectorTarget
	registry  *registry.Registry
	maxPerPeer int
	limiter   *ratelimit.Limiter
	events    EventSink

	next uint64 // atomic round-robin cursor
	affinityCounter uint64 // atomic monotonic affinity key / "connection id"

	reconfiguring int32 // atomic bool
	stopped       int32 // atomic bool
	done          chan struct{}
}

// NewThread binds a TCP listener at addr (SO_REUSEADDR, non-blocking via
// the runtime netpoller) and constructs the accept thread around it.
// Rejects secure=true: TLS termination is out of scope for this
// listener.
func NewThread(addr string, secure bool, selectors []SelectorTarget, reg *registry.Registry, maxPerPeer int, limiter *ratelimit.Limiter, events EventSink) (*Thread, error) {
	if secure {
		return nil, errors.New("acceptor: secure listeners are not supported")
	}
	if len(selectors) == 0 {
		return nil, errors.New("acceptor: at least one selector thread is required")
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: resolve %s: %w", addr, err)
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}

	return &Thread{
		listener:   ln,
		selectors:  selectors,
		registry:   reg,
		maxPerPeer: maxPerPeer,
		limiter:    limiter,
		events:     events,
		done:       make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (t *Thread) Addr() net.Addr { return t.listener.Addr() }

// Done is closed once Run has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) isStopping() bool { return atomic.LoadInt32(&t.stopped) != 0 }

// Run is the accept thread's main loop. It blocks in Accept, and
// briefly in pauseAccept after an accept error; Stop closes the
// listener to unblock it.
func (t *Thread) Run() {
	defer close(t.done)

	for {
		if t.isStopping() {
			return
		}

		conn, err := t.listener.AcceptTCP()
		if err != nil {
			if t.isStopping() {
				return
			}
			if isTemporary(err) {
				t.pauseAccept()
				continue
			}
			if t.limiter.Allow("accept-error") {
				fmt.Printf("acceptor: accept error: %v\n", err)
			}
			t.pauseAccept()
			continue
		}

		t.doAccept(conn)
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return true
}

// pauseAccept is a short sleep so FD exhaustion does not spin the loop.
// Because Go's listener has no interest-ops to clear, the pause itself
// is the whole mechanism.
func (t *Thread) pauseAccept() {
	time.Sleep(pauseDuration)
}

func (t *Thread) doAccept(conn *net.TCPConn) {
	remoteAddr := conn.RemoteAddr().String()
	traceID := uuid.New().String()

	if t.maxPerPeer > 0 && t.registry.PeerCount(remoteAddr) >= t.maxPerPeer {
		t.rejectCap(conn, remoteAddr, traceID)
		return
	}

	fd, err := extractNonblockingFD(conn)
	if err != nil {
		fmt.Printf("acceptor: failed to extract fd for %s: %v\n", remoteAddr, err)
		conn.Close()
		return
	}

	affinityKey := atomic.AddUint64(&t.affinityCounter, 1)
	idx := atomic.AddUint64(&t.next, 1) % uint64(len(t.selectors))
	target := t.selectors[idx]

	sock := selector.AcceptedSocket{
		FD:          fd,
		RemoteAddr:  remoteAddr,
		AffinityKey: affinityKey,
		TraceID:     traceID,
	}

	if !target.OfferAccepted(sock) {
		fastClose(fd)
		return
	}

	t.publish(&protocol.ConnectionEvent{
		TraceID:    traceID,
		RemoteAddr: remoteAddr,
		Event:      protocol.EventAccepted,
		ObservedAt: time.Now(),
	})
}

func (t *Thread) rejectCap(conn *net.TCPConn, remoteAddr, traceID string) {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	}
	if t.limiter.Allow(peer) {
		fmt.Printf("acceptor: rejecting %s, peer at cap %d\n", remoteAddr, t.maxPerPeer)
	}
	conn.SetLinger(0)
	conn.Close()

	t.publish(&protocol.ConnectionEvent{
		TraceID:    traceID,
		RemoteAddr: remoteAddr,
		Event:      protocol.EventRejectedCap,
		Detail:     fmt.Sprintf("cap=%d", t.maxPerPeer),
		ObservedAt: time.Now(),
	})
}

func (t *Thread) publish(ev *protocol.ConnectionEvent) {
	if t.events == nil {
		return
	}
	t.events.Publish(ev)
}

func fastClose(fd int) {
	closeLingerZero(fd)
}

// Reconfiguring reports whether this thread is mid-handoff to a
// replacement bound to a new address — a thread in this state must not
// cascade a factory-wide stop when it exits.
func (t *Thread) Reconfiguring() bool { return atomic.LoadInt32(&t.reconfiguring) != 0 }

func (t *Thread) markReconfiguring() { atomic.StoreInt32(&t.reconfiguring, 1) }

// Stop closes the listening socket, which is idempotent and the primary
// "stop accepting" mechanism.
func (t *Thread) Stop() {
	if !atomic.CompareAndSwapInt32(&t.stopped, 0, 1) {
		return
	}
	t.listener.Close()
}

// Reconfigure binds the new listener first, marks this thread
// reconfiguring so its own exit does not cascade a factory-wide stop,
// closes the old listener to unblock Run, then builds and returns the
// replacement thread (not yet started) bound to the same selector set.
func (t *Thread) Reconfigure(newAddr string) (*Thread, error) {
	replacement, err := NewThread(newAddr, false, t.selectors, t.registry, t.maxPerPeer, t.limiter, t.events)
	if err != nil {
		return nil, fmt.Errorf("acceptor: reconfigure to %s: %w", newAddr, err)
	}

	t.markReconfiguring()
	atomic.StoreInt32(&t.stopped, 1)
	t.listener.Close()

	return replacement, nil
}
