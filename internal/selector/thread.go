package selector

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
	"github.com/smukkama/cnxnfactory/internal/workerpool"
	"github.com/smukkama/cnxnfactory/internal/wheel"
)

// AcceptedSocket is what the accept thread offers onto a selector
// thread's accepted_queue: an already-nonblocking fd plus the identity
// the factory has already assigned it.
type AcceptedSocket struct {
	FD          int
	RemoteAddr  string
	AffinityKey uint64
	TraceID     string
}

const defaultQueueDepth = 256

// Thread is one selector thread: it owns exactly one epoll instance and
// the connections registered on it. Only the goroutine running Run ever
// calls epoll_ctl or mutates a key's interest-ops on this poller.
type Thread struct {
	id       int
	poller   *epollPoller
	pool     *workerpool.Pool
	wheel    *wheel.Wheel
	ttl      time.Duration
	removeCnxn func(cnxn.Cnxn)

	// ioBuffer is this thread's own reusable read buffer, used by
	// IOWorkRequest.DoWork when the worker pool hands it no buffer of
	// its own (direct buffers disabled, or the pool runs inline and
	// DoWork executes on this very goroutine). Never touched by any
	// other goroutine.
	ioBuffer []byte

	keys map[int]*cnxn.SelectionKey // owned exclusively by Run's goroutine

	acceptedQueue  chan AcceptedSocket
	updateOpsQueue chan *cnxn.SelectionKey
	cleanupQueue   chan *cnxn.SelectionKey

	stopped int32
	done    chan struct{}
}

// NewThread constructs a selector thread with its own epoll instance. It
// does not start running until Run is called; the factory owns that
// transition. directBufferBytes sizes this thread's own fallback read
// buffer for when it runs I/O work inline; 0 disables it.
func NewThread(id int, pool *workerpool.Pool, w *wheel.Wheel, sessionlessTTL time.Duration, directBufferBytes int, removeCnxn func(cnxn.Cnxn)) (*Thread, error) {
	poller, err := newEpollPoller()
	if err != nil {
		return nil, err
	}
	var ioBuffer []byte
	if directBufferBytes > 0 {
		ioBuffer = make([]byte, directBufferBytes)
	}
	return &Thread{
		id:             id,
		poller:         poller,
		pool:           pool,
		wheel:          w,
		ttl:            sessionlessTTL,
		ioBuffer:       ioBuffer,
		removeCnxn:     removeCnxn,
		keys:           make(map[int]*cnxn.SelectionKey),
		acceptedQueue:  make(chan AcceptedSocket, defaultQueueDepth),
		updateOpsQueue: make(chan *cnxn.SelectionKey, defaultQueueDepth),
		cleanupQueue:   make(chan *cnxn.SelectionKey, defaultQueueDepth),
		done:           make(chan struct{}),
	}, nil
}

func (t *Thread) isStopping() bool { return atomic.LoadInt32(&t.stopped) != 0 }

// SetPool attaches the worker pool this thread dispatches I/O work to.
// Must be called before Run starts; the factory builds selector threads
// during configure() with no pool yet and supplies one at start().
func (t *Thread) SetPool(pool *workerpool.Pool) { t.pool = pool }

// Done is closed once Run has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// OfferAccepted hands a freshly accepted, already-nonblocking socket to
// this thread for registration. Offer happens-before wakeup, so the
// thread is guaranteed to observe the item on its next drain. Returns
// false if the thread is stopping or its inbox is full — the caller
// must then fast-close.
func (t *Thread) OfferAccepted(sock AcceptedSocket) bool {
	if t.isStopping() {
		return false
	}
	select {
	case t.acceptedQueue <- sock:
		t.poller.wakeup()
		return true
	default:
		return false
	}
}

// offerUpdateOps is called by workers (via IOWorkRequest) once do_io has
// finished and the key's desired interest-ops must be restored.
func (t *Thread) offerUpdateOps(key *cnxn.SelectionKey) bool {
	if t.isStopping() {
		return false
	}
	select {
	case t.updateOpsQueue <- key:
		t.poller.wakeup()
		return true
	default:
		return false
	}
}

// offerCleanup is called by a worker (via IOWorkRequest) when it observes
// an already-invalid key. Only this thread's own goroutine may delete
// from keys or touch the poller, so the worker hands the key back here
// instead of cleaning it up itself. Best-effort: if the queue is full the
// key stays invalid and gets caught on the next ready event or at
// shutdown.
func (t *Thread) offerCleanup(key *cnxn.SelectionKey) {
	select {
	case t.cleanupQueue <- key:
		t.poller.wakeup()
	default:
	}
}

// Run executes the selector's main loop until Stop is called. It must be
// run on its own goroutine; the caller waits on Done.
func (t *Thread) Run() {
	defer close(t.done)

	events := make([]unix.EpollEvent, 256)
	for {
		if t.isStopping() {
			t.shutdown()
			return
		}

		ready, err := t.poller.wait(events, -1)
		if err != nil {
			fmt.Printf("selector[%d]: %v\n", t.id, err)
			t.shutdown()
			return
		}

		t.dispatchReady(ready)
		t.drainAccepted()
		t.drainUpdateOps()
		t.drainCleanup()
	}
}

func (t *Thread) dispatchReady(ready []unix.EpollEvent) {
	indices := rand.Perm(len(ready))
	for _, idx := range indices {
		ev := ready[idx]
		fd := int(ev.Fd)

		if fd == t.poller.wakeupFD {
			t.poller.drainWakeup()
			continue
		}

		key, ok := t.keys[fd]
		if !ok {
			continue
		}
		if !key.Valid() {
			t.cleanupInvalidKey(key)
			continue
		}

		if ev.Events&(unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			// Mask interest to 0: level-triggered epoll would otherwise
			// keep re-signaling this fd on every cycle until the worker
			// actually consumes the bytes.
			if err := t.poller.modify(fd, 0); err != nil {
				fmt.Printf("selector[%d]: %v\n", t.id, err)
			}
			key.Cnxn.DisableSelectable()
			t.touch(key.Cnxn)
			t.pool.Schedule(key.Cnxn.AffinityKey(), newIOWorkRequest(key, t))
		}
	}
}

func (t *Thread) drainAccepted() {
	for {
		select {
		case sock := <-t.acceptedQueue:
			t.registerAccepted(sock)
		default:
			return
		}
	}
}

func (t *Thread) registerAccepted(sock AcceptedSocket) {
	c := cnxn.NewTCPCnxn(sock.FD, sock.RemoteAddr, sock.AffinityKey, sock.TraceID, t.ttl)
	key := cnxn.NewSelectionKey(sock.FD, c)

	if err := t.poller.add(sock.FD, unix.EPOLLIN); err != nil {
		fmt.Printf("selector[%d]: failed to register %s: %v\n", t.id, sock.RemoteAddr, err)
		key.Cancel()
		c.Close()
		return
	}

	t.keys[sock.FD] = key
	t.touch(c)
}

func (t *Thread) drainUpdateOps() {
	for {
		select {
		case key := <-t.updateOpsQueue:
			t.applyUpdateOps(key)
		default:
			return
		}
	}
}

func (t *Thread) drainCleanup() {
	for {
		select {
		case key := <-t.cleanupQueue:
			t.cleanupInvalidKey(key)
		default:
			return
		}
	}
}

func (t *Thread) applyUpdateOps(key *cnxn.SelectionKey) {
	if !key.Valid() {
		t.cleanupInvalidKey(key)
		return
	}
	events := interestToEpoll(key.Cnxn.InterestOps())
	if err := t.poller.modify(key.FD, events); err != nil {
		fmt.Printf("selector[%d]: %v\n", t.id, err)
	}
}

func interestToEpoll(ops cnxn.InterestOps) uint32 {
	var events uint32
	if ops.Readable() {
		events |= unix.EPOLLIN
	}
	if ops.Writable() {
		events |= unix.EPOLLOUT
	}
	return events
}

// touch renews a connection's expiry using its current session timeout,
// or the sessionless tick length if it has no session yet.
func (t *Thread) touch(c cnxn.Cnxn) {
	timeout := c.SessionTimeout()
	if timeout <= 0 {
		timeout = t.ttl
	}
	t.wheel.Update(c, timeout)
}

// cleanupInvalidKey removes a key's fd from the poller and this thread's
// map, closing the connection if it is still selectable.
func (t *Thread) cleanupInvalidKey(key *cnxn.SelectionKey) {
	delete(t.keys, key.FD)
	t.poller.remove(key.FD)
	if key.Cnxn.IsSelectable() {
		t.closeAndForget(key.Cnxn)
	}
}

// closeAndForget closes c and notifies the factory to de-register it
// from every index. Idempotent because Cnxn.Close is idempotent.
func (t *Thread) closeAndForget(c cnxn.Cnxn) {
	c.Close()
	if t.removeCnxn != nil {
		t.removeCnxn(c)
	}
}

// Stop requests the thread to exit at the next loop boundary and wakes
// it if it is blocked in epoll_wait.
func (t *Thread) Stop() {
	if !atomic.CompareAndSwapInt32(&t.stopped, 0, 1) {
		return
	}
	t.poller.wakeup()
}

// shutdown closes every key whose connection is still selectable,
// fast-closes any undrained accepted sockets, clears the update-ops
// queue, and closes the poller.
func (t *Thread) shutdown() {
	for fd, key := range t.keys {
		delete(t.keys, fd)
		t.poller.remove(fd)
		if key.Cnxn.IsSelectable() {
			t.closeAndForget(key.Cnxn)
		}
	}

	drainAcceptedLoop:
	for {
		select {
		case sock := <-t.acceptedQueue:
			unix.SetsockoptLinger(sock.FD, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
			unix.Close(sock.FD)
		default:
			break drainAcceptedLoop
		}
	}

	drainUpdateOpsLoop:
	for {
		select {
		case <-t.updateOpsQueue:
		default:
			break drainUpdateOpsLoop
		}
	}

	drainCleanupLoop:
	for {
		select {
		case key := <-t.cleanupQueue:
			t.cleanupInvalidKey(key)
		default:
			break drainCleanupLoop
		}
	}

	t.poller.close()
}
