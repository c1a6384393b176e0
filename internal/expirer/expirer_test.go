package expirer

import (
	"testing"
	"time"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
	"github.com/smukkama/cnxnfactory/internal/wheel"
)

type fakeCnxn struct {
	addr string
}

func (f *fakeCnxn) DoIO(key *cnxn.SelectionKey, buf []byte) error { return nil }
func (f *fakeCnxn) Close() error                      { return nil }
func (f *fakeCnxn) InterestOps() cnxn.InterestOps     { return cnxn.OpRead }
func (f *fakeCnxn) SetInterestOps(cnxn.InterestOps)   {}
func (f *fakeCnxn) SessionID() uint64                 { return 0 }
func (f *fakeCnxn) SessionTimeout() time.Duration      { return time.Second }
func (f *fakeCnxn) RemoteAddress() string              { return f.addr }
func (f *fakeCnxn) IsSelectable() bool                 { return true }
func (f *fakeCnxn) EnableSelectable()                  {}
func (f *fakeCnxn) DisableSelectable()                 {}
func (f *fakeCnxn) ResetStats()                        {}
func (f *fakeCnxn) ConnectionInfo(brief bool) map[string]interface{} {
	return nil
}
func (f *fakeCnxn) AffinityKey() uint64 { return 1 }
func (f *fakeCnxn) TraceID() string     { return "t" }

func TestExpirerClosesConnectionAfterDeadline(t *testing.T) {
	w := wheel.New(10 * time.Millisecond)
	c := &fakeCnxn{addr: "1.2.3.4:1"}
	w.Update(cnxn.Cnxn(c), 20*time.Millisecond)

	closed := make(chan cnxn.Cnxn, 1)
	th := NewThread(w, func(cc cnxn.Cnxn) {
		closed <- cc
	})
	go th.Run()
	defer th.Stop()

	select {
	case got := <-closed:
		if got != cnxn.Cnxn(c) {
			t.Fatal("expected the expired connection to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expirer did not close the connection in time")
	}
}

func TestExpirerStopEndsRun(t *testing.T) {
	w := wheel.New(time.Second)
	th := NewThread(w, func(cnxn.Cnxn) {})
	go th.Run()
	th.Stop()

	select {
	case <-th.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after Stop")
	}
}
