package cnxn

import (
	"testing"
	"time"
)

type fakeCnxn struct {
	affinityKey uint64
	closed      bool
	ops         InterestOps
}

func (f *fakeCnxn) DoIO(key *SelectionKey, buf []byte) error { return nil }
func (f *fakeCnxn) Close() error                 { f.closed = true; return nil }
func (f *fakeCnxn) InterestOps() InterestOps      { return f.ops }
func (f *fakeCnxn) SetInterestOps(o InterestOps)  { f.ops = o }
func (f *fakeCnxn) SessionID() uint64             { return 0 }
func (f *fakeCnxn) SessionTimeout() time.Duration { return 0 }
func (f *fakeCnxn) RemoteAddress() string         { return "127.0.0.1:1" }
func (f *fakeCnxn) IsSelectable() bool            { return true }
func (f *fakeCnxn) EnableSelectable()             {}
func (f *fakeCnxn) DisableSelectable()            {}
func (f *fakeCnxn) ResetStats()                   {}
func (f *fakeCnxn) ConnectionInfo(brief bool) map[string]interface{} {
	return map[string]interface{}{}
}
func (f *fakeCnxn) AffinityKey() uint64 { return f.affinityKey }
func (f *fakeCnxn) TraceID() string     { return "t" }

func TestSelectionKeyCancelIsIdempotent(t *testing.T) {
	k := NewSelectionKey(5, &fakeCnxn{})
	if !k.Valid() {
		t.Fatal("expected newly constructed key to be valid")
	}
	k.Cancel()
	k.Cancel()
	if k.Valid() {
		t.Fatal("expected cancelled key to report invalid")
	}
}

func TestTCPCnxnConnectionInfoShape(t *testing.T) {
	// fd -1 is never read from or written to in this test.
	c := NewTCPCnxn(-1, "10.0.0.5:5555", 42, "trace-1", 10*time.Second)

	brief := c.ConnectionInfo(true)
	for _, key := range []string{"remote_addr", "session_id", "interest_ops"} {
		if _, ok := brief[key]; !ok {
			t.Fatalf("brief connection info missing %q", key)
		}
	}
	for _, key := range []string{"connected_since", "last_touch", "selectable"} {
		if _, ok := brief[key]; ok {
			t.Fatalf("brief connection info should not include %q", key)
		}
	}

	full := c.ConnectionInfo(false)
	for _, key := range []string{"remote_addr", "session_id", "interest_ops", "connected_since", "last_touch", "selectable"} {
		if _, ok := full[key]; !ok {
			t.Fatalf("full connection info missing %q", key)
		}
	}
}

func TestTCPCnxnCloseIsIdempotent(t *testing.T) {
	// A pipe-backed fd isn't available without syscalls; rely on an
	// already-invalid fd. The first Close reports the bad fd; the second
	// must be a no-op that reports no error.
	c := NewTCPCnxn(-1, "10.0.0.5:5555", 1, "trace-2", time.Second)
	_ = c.Close()
	if err := c.Close(); err != nil {
		t.Fatalf("expected second Close to be a no-op, got %v", err)
	}
}

func TestAffinityKeyRoundTrips(t *testing.T) {
	c := NewTCPCnxn(-1, "10.0.0.6:1", 99, "trace-3", time.Second)
	if c.AffinityKey() != 99 {
		t.Fatalf("expected affinity key 99, got %d", c.AffinityKey())
	}
}
