package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
)

type stubCnxn struct {
	addr      string
	sessionID uint64
}

func (s *stubCnxn) DoIO(key *cnxn.SelectionKey, buf []byte) error { return nil }
func (s *stubCnxn) Close() error                      { return nil }
func (s *stubCnxn) InterestOps() cnxn.InterestOps      { return cnxn.OpRead }
func (s *stubCnxn) SetInterestOps(cnxn.InterestOps)    {}
func (s *stubCnxn) SessionID() uint64                  { return s.sessionID }
func (s *stubCnxn) SessionTimeout() time.Duration      { return time.Second }
func (s *stubCnxn) RemoteAddress() string              { return s.addr }
func (s *stubCnxn) IsSelectable() bool                 { return true }
func (s *stubCnxn) EnableSelectable()                  {}
func (s *stubCnxn) DisableSelectable()                 {}
func (s *stubCnxn) ResetStats()                        {}
func (s *stubCnxn) ConnectionInfo(brief bool) map[string]interface{} {
	return map[string]interface{}{"remote_addr": s.addr}
}
func (s *stubCnxn) AffinityKey() uint64 { return s.sessionID }
func (s *stubCnxn) TraceID() string     { return "t" }

func TestTryAddEnforcesPerPeerCap(t *testing.T) {
	r := New()

	a := &stubCnxn{addr: "127.0.0.1:1"}
	b := &stubCnxn{addr: "127.0.0.1:2"}
	c := &stubCnxn{addr: "127.0.0.1:3"}

	if !r.TryAdd(a, 2) {
		t.Fatal("expected first connection from peer to be admitted")
	}
	if !r.TryAdd(b, 2) {
		t.Fatal("expected second connection from peer to be admitted")
	}
	if r.TryAdd(c, 2) {
		t.Fatal("expected third connection from peer to be rejected at cap 2")
	}

	if got := r.PeerCount("127.0.0.1:9999"); got != 2 {
		t.Fatalf("expected peer count 2, got %d", got)
	}
}

func TestTryAddZeroCapIsUnlimited(t *testing.T) {
	r := New()
	for i := 0; i < 10; i++ {
		c := &stubCnxn{addr: fmt.Sprintf("10.0.0.1:%d", i)}
		if !r.TryAdd(c, 0) {
			t.Fatalf("expected connection %d to be admitted under unlimited cap", i)
		}
	}
	if r.Len() != 10 {
		t.Fatalf("expected 10 live connections, got %d", r.Len())
	}
}

func TestRemoveRetainsEmptyIPMapEntry(t *testing.T) {
	r := New()
	c := &stubCnxn{addr: "192.168.1.1:4"}
	r.TryAdd(c, 0)
	r.Remove(c)

	if r.Contains(c) {
		t.Fatal("expected connection to be gone from connections after Remove")
	}
	if r.IPMapLen() != 1 {
		t.Fatalf("expected the now-empty ip_map entry to be retained, got len %d", r.IPMapLen())
	}
	if r.PeerCount("192.168.1.1:4") != 0 {
		t.Fatal("expected peer's connection count to be zero after Remove")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	c := &stubCnxn{addr: "192.168.1.2:4"}
	r.TryAdd(c, 0)
	r.Remove(c)
	r.Remove(c)
	if r.Len() != 0 {
		t.Fatalf("expected registry to be empty, got %d", r.Len())
	}
}

func TestSessionMapLastWriterWins(t *testing.T) {
	r := New()
	first := &stubCnxn{addr: "10.0.0.9:1", sessionID: 7}
	second := &stubCnxn{addr: "10.0.0.9:2", sessionID: 7}

	r.AddSession(7, first)
	r.AddSession(7, second)

	bound, ok := r.CloseSession(7)
	if !ok {
		t.Fatal("expected session 7 to be bound")
	}
	if bound != cnxn.Cnxn(second) {
		t.Fatal("expected last writer (second) to win the session binding")
	}

	if _, ok := r.CloseSession(7); ok {
		t.Fatal("expected second CloseSession call to report no binding")
	}
}
