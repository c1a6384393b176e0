//go:build linux

package selector

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
	"github.com/smukkama/cnxnfactory/internal/workerpool"
	"github.com/smukkama/cnxnfactory/internal/wheel"
)

func TestInterestToEpollMapping(t *testing.T) {
	if got := interestToEpoll(cnxn.OpRead); got != unix.EPOLLIN {
		t.Fatalf("expected EPOLLIN, got %x", got)
	}
	if got := interestToEpoll(cnxn.OpRead | cnxn.OpWrite); got != unix.EPOLLIN|unix.EPOLLOUT {
		t.Fatalf("expected EPOLLIN|EPOLLOUT, got %x", got)
	}
	if got := interestToEpoll(0); got != 0 {
		t.Fatalf("expected no bits set, got %x", got)
	}
}

// TestThreadHandshakeRoundTrip exercises the full register -> readiness
// -> worker -> update_ops_queue path over a real socket pair: the
// server side is driven by a Thread, the client side by a plain net.Conn
// wrapper around the other fd in the pair.
func TestThreadHandshakeRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverFD, clientFD := fds[0], fds[1]

	if err := unix.SetNonblock(serverFD, true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	clientFile := os.NewFile(uintptr(clientFD), "client")
	clientConn, err := net.FileConn(clientFile)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	defer clientConn.Close()

	pool := workerpool.New(1, 4, 0)
	defer pool.Stop(time.Second)
	w := wheel.New(50 * time.Millisecond)

	removed := make(chan struct{}, 1)
	th, err := NewThread(0, pool, w, time.Second, 0, func(c cnxn.Cnxn) {
		select {
		case removed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	go th.Run()
	defer th.Stop()

	if !th.OfferAccepted(AcceptedSocket{FD: serverFD, RemoteAddr: "unix:test", AffinityKey: 1, TraceID: "t1"}) {
		t.Fatal("expected OfferAccepted to succeed")
	}

	if _, err := clientConn.Write([]byte(`{"type":"connect","protocol_version":1,"session_id":0,"session_timeout_ms":1000}` + "\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(clientConn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("client read response: %v", err)
	}
	if want := `"accepted":true`; !contains(line, want) {
		t.Fatalf("expected response to contain %q, got %q", want, line)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
