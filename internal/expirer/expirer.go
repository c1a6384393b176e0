// Package expirer implements the connection expirer thread: it reclaims
// sessionless or session-expired connections that never completed (or
// renewed) their handshake in time.
package expirer

import (
	"sync/atomic"
	"time"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
	"github.com/smukkama/cnxnfactory/internal/wheel"
)

// Thread sleeps on the wheel's next deadline and closes whatever the
// wheel hands back once that deadline passes. Closing is delegated to
// the injected closeCnxn callback, which is the factory's remove_cnxn
// path — it is responsible for de-registering from every index.
type Thread struct {
	wheel     *wheel.Wheel
	closeCnxn func(cnxn.Cnxn)

	stopped int32
	wake    chan struct{}
	done    chan struct{}
}

func NewThread(w *wheel.Wheel, closeCnxn func(cnxn.Cnxn)) *Thread {
	return &Thread{
		wheel:     w,
		closeCnxn: closeCnxn,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Done is closed once Run has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

func (t *Thread) isStopping() bool { return atomic.LoadInt32(&t.stopped) != 0 }

// Run loops: sleep for wait_time(), then close every connection the
// wheel's poll() hands back. Interruption is the stop signal.
func (t *Thread) Run() {
	defer close(t.done)

	for {
		if t.isStopping() {
			return
		}

		w := t.wheel.WaitTime()
		if w > 0 {
			timer := time.NewTimer(w)
			select {
			case <-timer.C:
			case <-t.wake:
				timer.Stop()
			}
			continue
		}

		for _, item := range t.wheel.Poll() {
			c, ok := item.(cnxn.Cnxn)
			if !ok {
				continue
			}
			t.closeCnxn(c)
		}
	}
}

// Stop interrupts the expirer's sleep and tells it to exit on its next
// loop boundary.
func (t *Thread) Stop() {
	if !atomic.CompareAndSwapInt32(&t.stopped, 0, 1) {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}
