// Package cnxn implements the external-collaborator connection object and
// its selection key, the only two types the rest of the factory is
// allowed to reach into a client socket through.
//
// Everything past the session handshake is opaque: DoIO only understands
// enough of the wire format to assign a session id and answer keepalives.
// A real request pipeline would sit behind the same interface.
package cnxn

import (
	"bytes"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smukkama/cnxnfactory/internal/protocol"
)

// InterestOps is the bitmask of readiness a connection wants reported.
type InterestOps uint32

const (
	OpRead InterestOps = 1 << iota
	OpWrite
)

func (o InterestOps) Readable() bool { return o&OpRead != 0 }
func (o InterestOps) Writable() bool { return o&OpWrite != 0 }

// Cnxn is the interface the selector, worker pool, and factory use to
// drive a client connection. It is implemented by *TCPCnxn here; the
// interface exists so the registry and wheel packages never import a
// concrete socket type.
type Cnxn interface {
	DoIO(key *SelectionKey, buf []byte) error
	Close() error
	InterestOps() InterestOps
	SetInterestOps(InterestOps)
	SessionID() uint64
	SessionTimeout() time.Duration
	RemoteAddress() string
	IsSelectable() bool
	EnableSelectable()
	DisableSelectable()
	ResetStats()
	ConnectionInfo(brief bool) map[string]interface{}
	AffinityKey() uint64
	TraceID() string
}

// SelectionKey binds a connection to its selector registration. The
// interest-ops mask here is read or written only by the selector thread
// that owns it; every other party must enqueue a change
// request onto that thread's update_ops_queue instead of touching the
// key directly. The type does not enforce this by itself — it is a
// convention the selector package upholds.
type SelectionKey struct {
	FD    int
	Cnxn  Cnxn
	valid int32
}

func NewSelectionKey(fd int, c Cnxn) *SelectionKey {
	return &SelectionKey{FD: fd, Cnxn: c, valid: 1}
}

func (k *SelectionKey) Valid() bool { return atomic.LoadInt32(&k.valid) != 0 }

// Cancel marks the key invalid. Idempotent.
func (k *SelectionKey) Cancel() { atomic.StoreInt32(&k.valid, 0) }

const maxHandshakeLine = 4096

// TCPCnxn is the factory's concrete Cnxn, driving a single non-blocking
// client socket by raw fd. It reads and writes directly with syscall
// Read/Write rather than net.Conn because it is registered with the
// selector's own epoll instance; mixing the runtime netpoller with a
// hand-rolled epoll loop on the same fd would race.
type TCPCnxn struct {
	fd             int
	remoteAddr     string
	affinityKey    uint64
	traceID        string
	sessionlessTTL time.Duration

	sessionID      uint64 // atomic
	sessionTimeout int64  // atomic, nanoseconds
	interestOps    uint32 // atomic
	selectable     int32  // atomic bool
	closed         int32  // atomic bool

	connectedAt time.Time
	lastTouch   int64 // atomic, unix nanos

	bytesRead    uint64 // atomic
	bytesWritten uint64 // atomic

	pending []byte
}

// fallbackReadBufferBytes sizes the per-call read buffer DoIO allocates
// when it is handed no shared buffer — directBufferBytes disabled, or no
// worker-owned buffer available for this call.
const fallbackReadBufferBytes = 4096

// NewTCPCnxn wraps an already-accepted, already-nonblocking fd.
func NewTCPCnxn(fd int, remoteAddr string, affinityKey uint64, traceID string, sessionlessTTL time.Duration) *TCPCnxn {
	now := time.Now()
	c := &TCPCnxn{
		fd:             fd,
		remoteAddr:     remoteAddr,
		affinityKey:    affinityKey,
		traceID:        traceID,
		sessionlessTTL: sessionlessTTL,
		interestOps:    uint32(OpRead),
		selectable:     1,
		connectedAt:    now,
		lastTouch:      now.UnixNano(),
		sessionTimeout: int64(sessionlessTTL),
	}
	return c
}

func (c *TCPCnxn) AffinityKey() uint64    { return c.affinityKey }
func (c *TCPCnxn) TraceID() string        { return c.traceID }
func (c *TCPCnxn) RemoteAddress() string  { return c.remoteAddr }
func (c *TCPCnxn) SessionID() uint64      { return atomic.LoadUint64(&c.sessionID) }
func (c *TCPCnxn) SessionTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.sessionTimeout))
}

func (c *TCPCnxn) InterestOps() InterestOps {
	return InterestOps(atomic.LoadUint32(&c.interestOps))
}

func (c *TCPCnxn) SetInterestOps(ops InterestOps) {
	atomic.StoreUint32(&c.interestOps, uint32(ops))
}

func (c *TCPCnxn) IsSelectable() bool     { return atomic.LoadInt32(&c.selectable) != 0 }
func (c *TCPCnxn) EnableSelectable()      { atomic.StoreInt32(&c.selectable, 1) }
func (c *TCPCnxn) DisableSelectable()     { atomic.StoreInt32(&c.selectable, 0) }

func (c *TCPCnxn) ResetStats() {
	atomic.StoreUint64(&c.bytesRead, 0)
	atomic.StoreUint64(&c.bytesWritten, 0)
}

// Close shuts down the raw fd. Idempotent: a connection may be closed
// from the selector thread, the expirer, or the factory's removeCnxn
// path, whichever observes it first.
func (c *TCPCnxn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return syscall.Close(c.fd)
}

// DoIO is invoked by a worker once the selector has observed readability
// and cleared interest-ops to 0. It drains whatever is available on the
// socket, answers complete handshake lines, and leaves any partial line
// buffered for the next readiness cycle.
//
// buf is the direct buffer the caller read into: the executing worker's
// own reusable buffer, sized by directBufferBytes, never shared outside
// that worker. If buf is empty — direct buffers disabled, or no
// worker-owned buffer available for this call — DoIO allocates its own
// fallback buffer for the call instead.
func (c *TCPCnxn) DoIO(key *SelectionKey, buf []byte) error {
	if len(buf) == 0 {
		buf = make([]byte, fallbackReadBufferBytes)
	}

	for {
		n, err := syscall.Read(c.fd, buf)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				break
			}
			return fmt.Errorf("cnxn: read %s: %w", c.remoteAddr, err)
		}
		if n == 0 {
			return fmt.Errorf("cnxn: %s closed by peer", c.remoteAddr)
		}
		atomic.AddUint64(&c.bytesRead, uint64(n))
		c.pending = append(c.pending, buf[:n]...)

		if len(c.pending) > maxHandshakeLine*4 {
			return fmt.Errorf("cnxn: %s exceeded handshake buffer without a newline", c.remoteAddr)
		}
	}

	for {
		idx := bytes.IndexByte(c.pending, '\n')
		if idx < 0 {
			break
		}
		line := c.pending[:idx]
		c.pending = c.pending[idx+1:]
		if err := c.handleLine(line); err != nil {
			return err
		}
	}

	atomic.StoreInt64(&c.lastTouch, time.Now().UnixNano())
	return nil
}

func (c *TCPCnxn) handleLine(line []byte) error {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		return fmt.Errorf("cnxn: %s sent malformed handshake: %w", c.remoteAddr, err)
	}

	switch m := msg.(type) {
	case *protocol.ConnectRequest:
		sid := m.SessionID
		if sid == 0 {
			sid = newSessionID()
		}
		timeout := time.Duration(m.SessionTimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = c.sessionlessTTL
		}
		atomic.StoreUint64(&c.sessionID, sid)
		atomic.StoreInt64(&c.sessionTimeout, int64(timeout))

		resp := protocol.NewConnectResponse(sid, timeout.Milliseconds(), true, "")
		return c.writeMessage(resp)

	case *protocol.PingMessage:
		return c.writeMessage(protocol.NewPong())

	default:
		return fmt.Errorf("cnxn: %s sent unexpected message %T", c.remoteAddr, m)
	}
}

func (c *TCPCnxn) writeMessage(msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("cnxn: encode response for %s: %w", c.remoteAddr, err)
	}
	data = append(data, '\n')
	return c.writeAll(data)
}

// writeAll retries EAGAIN with a bounded number of scheduler yields. This
// is a deliberate simplification: handshake responses are a few dozen
// bytes and the wire protocol past the handshake is out of this
// package's scope, so there is no general write-back-pressure queue.
func (c *TCPCnxn) writeAll(data []byte) error {
	const maxWriteYields = 1000
	yields := 0
	for len(data) > 0 {
		n, err := syscall.Write(c.fd, data)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				if yields >= maxWriteYields {
					return fmt.Errorf("cnxn: write %s: still blocked after %d yields", c.remoteAddr, yields)
				}
				yields++
				runtime.Gosched()
				continue
			}
			return fmt.Errorf("cnxn: write %s: %w", c.remoteAddr, err)
		}
		data = data[n:]
		atomic.AddUint64(&c.bytesWritten, uint64(n))
	}
	return nil
}

// ConnectionInfo returns a snapshot of this connection's identifying and
// statistical fields, brief or full depending on brief.
func (c *TCPCnxn) ConnectionInfo(brief bool) map[string]interface{} {
	info := map[string]interface{}{
		"remote_addr":  c.remoteAddr,
		"session_id":   c.SessionID(),
		"interest_ops": uint32(c.InterestOps()),
	}
	if !brief {
		info["connected_since"] = c.connectedAt
		info["last_touch"] = time.Unix(0, atomic.LoadInt64(&c.lastTouch))
		info["selectable"] = c.IsSelectable()
	}
	return info
}

var sessionIDCounter uint64

// newSessionID mints a process-local monotonic session id. A real
// coordination service would derive this from its own id allocator
// (server id high bits + counter); out of scope here.
func newSessionID() uint64 {
	return atomic.AddUint64(&sessionIDCounter, 1)
}
