package selector

import (
	"fmt"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
)

// IOWorkRequest adapts a ready selection key into a
// workerpool.WorkRequest. It is constructed by the owning selector
// thread and scheduled onto the worker pool keyed by the connection's
// affinity key.
type IOWorkRequest struct {
	key    *cnxn.SelectionKey
	thread *Thread
}

func newIOWorkRequest(key *cnxn.SelectionKey, t *Thread) *IOWorkRequest {
	return &IOWorkRequest{key: key, thread: t}
}

// DoWork runs one connection's pending I/O: performs it, then either
// re-arms the key for the next ready event or tears the connection down.
// buf is the direct buffer workerpool.Pool handed this call, or nil if
// direct buffers are disabled or this pool runs inline — in the nil
// case DoWork falls back to the owning selector thread's own buffer.
//
// DoWork runs on a worker goroutine, never the selector thread that
// owns key. It must not touch key.FD in the selector's keys map or its
// epoll instance directly; every invalid-key path below routes cleanup
// back through offerCleanup so only the owning thread's goroutine ever
// mutates that state.
func (w *IOWorkRequest) DoWork(buf []byte) {
	if !w.key.Valid() {
		w.thread.offerCleanup(w.key)
		return
	}

	if len(buf) == 0 {
		buf = w.thread.ioBuffer
	}

	if err := w.key.Cnxn.DoIO(w.key, buf); err != nil {
		w.thread.logIOError(w.key, err)
		w.key.Cancel()
		w.thread.closeAndForget(w.key.Cnxn)
		return
	}

	if w.thread.isStopping() {
		w.key.Cancel()
		w.thread.closeAndForget(w.key.Cnxn)
		return
	}

	if !w.key.Valid() {
		w.thread.offerCleanup(w.key)
		return
	}

	w.thread.touch(w.key.Cnxn)
	w.key.Cnxn.EnableSelectable()

	if !w.thread.offerUpdateOps(w.key) {
		w.key.Cancel()
		w.thread.closeAndForget(w.key.Cnxn)
	}
}

// Cleanup closes the connection if DoWork never ran (pool shutdown,
// queue overflow).
func (w *IOWorkRequest) Cleanup() {
	w.thread.closeAndForget(w.key.Cnxn)
}

func (t *Thread) logIOError(key *cnxn.SelectionKey, err error) {
	fmt.Printf("selector[%d]: io error on %s: %v\n", t.id, key.Cnxn.RemoteAddress(), err)
}
