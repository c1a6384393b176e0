// Package factory wires the expiry wheel, worker pool, selector threads,
// accept thread, and expirer thread together and drives them through the
// lifecycle state machine Unconfigured -> Configured -> Running ->
// Stopping -> Stopped.
package factory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smukkama/cnxnfactory/internal/acceptor"
	"github.com/smukkama/cnxnfactory/internal/cnxn"
	"github.com/smukkama/cnxnfactory/internal/expirer"
	"github.com/smukkama/cnxnfactory/internal/protocol"
	"github.com/smukkama/cnxnfactory/internal/ratelimit"
	"github.com/smukkama/cnxnfactory/internal/registry"
	"github.com/smukkama/cnxnfactory/internal/selector"
	"github.com/smukkama/cnxnfactory/internal/wheel"
	"github.com/smukkama/cnxnfactory/internal/workerpool"
	"github.com/smukkama/cnxnfactory/pkg/config"
)


// State is a stage in the factory's lifecycle state machine.
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "Unconfigured"
	case StateConfigured:
		return "Configured"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// EventSink is implemented by whatever publishes lifecycle audit events
// (the Kafka producer in cmd/cnxnfactoryd, a no-op in tests).
type EventSink interface {
	Publish(ev *protocol.ConnectionEvent)
}

type noopSink struct{}

func (noopSink) Publish(*protocol.ConnectionEvent) {}

// Factory is the client-facing connection factory's facade.
type Factory struct {
	mu    sync.Mutex
	state State

	cfg      config.FactoryConfig
	maxPerPeer int

	registry *registry.Registry
	wheel    *wheel.Wheel
	pool     *workerpool.Pool

	selectors       []*selector.Thread
	selectorTargets []acceptor.SelectorTarget
	acceptorThread  *acceptor.Thread
	expirerThread   *expirer.Thread
	limiter         *ratelimit.Limiter
	events          EventSink
}

// New constructs an Unconfigured factory. cfg supplies the factory's
// tunables; events may be nil to use a no-op sink.
func New(cfg config.FactoryConfig, events EventSink) *Factory {
	if events == nil {
		events = noopSink{}
	}
	return &Factory{
		cfg:    cfg,
		state:  StateUnconfigured,
		events: events,
	}
}

func (f *Factory) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Configure binds the factory to addr with the given per-peer cap.
// Rejects secure=true. Builds the wheel, registry, selector threads (not
// started), the accept thread, and the expirer thread; the worker pool
// slot stays empty until Start.
func (f *Factory) Configure(addr string, maxPerPeer int, secure bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateUnconfigured {
		return fmt.Errorf("factory: configure called in state %s", f.state)
	}
	if secure {
		return errors.New("factory: secure=true is not supported on this listener")
	}
	if f.cfg.NumSelectorThreads < 1 {
		return errors.New("factory: num_selector_threads must be >= 1")
	}

	f.maxPerPeer = maxPerPeer
	f.registry = registry.New()
	f.wheel = wheel.New(f.cfg.SessionlessCnxnTimeout)
	f.limiter = ratelimit.New(time.Second, 1, 10*time.Minute)

	f.selectors = make([]*selector.Thread, f.cfg.NumSelectorThreads)
	f.selectorTargets = make([]acceptor.SelectorTarget, f.cfg.NumSelectorThreads)
	for i := range f.selectors {
		th, err := selector.NewThread(i, nil, f.wheel, f.cfg.SessionlessCnxnTimeout, f.cfg.DirectBufferBytes, f.removeCnxnLocked)
		if err != nil {
			return fmt.Errorf("factory: construct selector thread %d: %w", i, err)
		}
		f.selectors[i] = th
		f.selectorTargets[i] = th
	}

	acc, err := acceptor.NewThread(addr, secure, f.selectorTargets, f.registry, maxPerPeer, f.limiter, f.events)
	if err != nil {
		return fmt.Errorf("factory: construct accept thread: %w", err)
	}
	f.acceptorThread = acc

	f.expirerThread = expirer.NewThread(f.wheel, f.removeCnxnLocked)

	f.state = StateConfigured
	return nil
}

// Start instantiates the worker pool, starts each selector thread, the
// accept thread, and the expirer thread. Idempotent: calling Start twice
// is a no-op.
func (f *Factory) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateRunning {
		return nil
	}
	if f.state != StateConfigured {
		return fmt.Errorf("factory: start called in state %s", f.state)
	}

	f.pool = workerpool.New(f.cfg.NumWorkerThreads, f.cfg.WorkerQueueDepth, f.cfg.DirectBufferBytes)
	for _, th := range f.selectors {
		th.SetPool(f.pool)
		go th.Run()
	}
	go f.acceptorThread.Run()
	go f.expirerThread.Run()

	f.state = StateRunning
	return nil
}

// Stop marks the factory stopping, closes the listen socket, wakes the
// accept thread, interrupts the expirer, wakes every selector thread,
// and drains the worker pool.
func (f *Factory) Stop() {
	f.mu.Lock()
	if f.state == StateStopping || f.state == StateStopped {
		f.mu.Unlock()
		return
	}
	f.state = StateStopping
	acc := f.acceptorThread
	exp := f.expirerThread
	sels := f.selectors
	pool := f.pool
	grace := f.cfg.ShutdownTimeout
	f.mu.Unlock()

	if acc != nil {
		acc.Stop()
	}
	if exp != nil {
		exp.Stop()
	}
	for _, th := range sels {
		th.Stop()
	}
	if pool != nil {
		pool.Stop(grace)
	}
}

// Join blocks until the accept thread, every selector thread, and the
// worker pool (already bounded by its own shutdown timeout during Stop)
// have finished.
func (f *Factory) Join() {
	f.mu.Lock()
	acc := f.acceptorThread
	sels := f.selectors
	f.mu.Unlock()

	if acc != nil {
		<-acc.Done()
	}
	for _, th := range sels {
		<-th.Done()
	}

	f.mu.Lock()
	f.state = StateStopped
	f.mu.Unlock()
}

// Shutdown stops the factory, waits for every thread to exit, then
// closes every live connection.
func (f *Factory) Shutdown() {
	f.Stop()
	f.Join()
	f.CloseAll()
}

// CloseAll closes every connection still tracked by the registry.
func (f *Factory) CloseAll() {
	f.mu.Lock()
	reg := f.registry
	f.mu.Unlock()
	if reg == nil {
		return
	}
	for _, c := range reg.All() {
		f.RemoveCnxn(c)
	}
}

// CloseSession removes sessionID from the session map; if it was bound
// to a live connection, closes that connection.
func (f *Factory) CloseSession(sessionID uint64) {
	f.mu.Lock()
	reg := f.registry
	f.mu.Unlock()
	if reg == nil {
		return
	}
	if c, ok := reg.CloseSession(sessionID); ok {
		f.RemoveCnxn(c)
	}
}

// AddSession binds sessionID to c in the session map, with no
// replacement check: the last writer wins.
func (f *Factory) AddSession(sessionID uint64, c cnxn.Cnxn) {
	f.mu.Lock()
	reg := f.registry
	f.mu.Unlock()
	if reg == nil {
		return
	}
	reg.AddSession(sessionID, c)
	f.publish(&protocol.ConnectionEvent{
		TraceID:    c.TraceID(),
		RemoteAddr: c.RemoteAddress(),
		SessionID:  sessionID,
		Event:      protocol.EventEstablished,
		ObservedAt: time.Now(),
	})
}

// RemoveCnxn de-registers c from the connection set, the expiry wheel,
// the session map, and the per-peer map. Closes the connection if it
// has not already closed itself.
func (f *Factory) RemoveCnxn(c cnxn.Cnxn) {
	f.removeCnxnLocked(c)
}

// removeCnxnLocked is the callback handed to the selector and expirer
// threads. It is invoked from arbitrary goroutines, so it holds f.mu
// only long enough to read the registry and wheel pointers; the removal
// itself runs outside f.mu under the registry's and wheel's own locks.
func (f *Factory) removeCnxnLocked(c cnxn.Cnxn) {
	f.mu.Lock()
	reg := f.registry
	w := f.wheel
	f.mu.Unlock()

	c.Close()
	if w != nil {
		w.Remove(c)
	}
	if reg != nil {
		reg.Remove(c)
	}
	f.publish(&protocol.ConnectionEvent{
		TraceID:    c.TraceID(),
		RemoteAddr: c.RemoteAddress(),
		SessionID:  c.SessionID(),
		Event:      protocol.EventClosed,
		ObservedAt: time.Now(),
	})
}

// TouchCnxn renews the connection's expiry using its current session
// timeout, or the sessionless timeout if unset.
func (f *Factory) TouchCnxn(c cnxn.Cnxn) {
	f.mu.Lock()
	w := f.wheel
	ttl := f.cfg.SessionlessCnxnTimeout
	f.mu.Unlock()
	if w == nil {
		return
	}
	timeout := c.SessionTimeout()
	if timeout <= 0 {
		timeout = ttl
	}
	w.Update(c, timeout)
}

// ResetAllConnectionStats zeroes the per-connection counters tracked by
// every live connection.
func (f *Factory) ResetAllConnectionStats() {
	f.mu.Lock()
	reg := f.registry
	f.mu.Unlock()
	if reg != nil {
		reg.ResetAllStats()
	}
}

// GetConnections returns every connection currently tracked.
func (f *Factory) GetConnections() []cnxn.Cnxn {
	f.mu.Lock()
	reg := f.registry
	f.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.All()
}

// DumpConnections returns full (non-brief) connection info for every
// live connection.
func (f *Factory) DumpConnections() []map[string]interface{} {
	return f.GetAllConnectionInfo(false)
}

// GetAllConnectionInfo returns per-connection info for every live
// connection, brief or full depending on brief.
func (f *Factory) GetAllConnectionInfo(brief bool) []map[string]interface{} {
	f.mu.Lock()
	reg := f.registry
	f.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.DumpConnectionInfo(brief)
}

// Reconfigure binds a replacement accept thread at newAddr, swaps it in,
// and starts it, reusing the existing selector thread set.
func (f *Factory) Reconfigure(newAddr string) error {
	f.mu.Lock()
	old := f.acceptorThread
	if old == nil {
		f.mu.Unlock()
		return errors.New("factory: reconfigure called before configure")
	}
	f.mu.Unlock()

	replacement, err := old.Reconfigure(newAddr)
	if err != nil {
		return err
	}

	<-old.Done()

	f.mu.Lock()
	f.acceptorThread = replacement
	f.mu.Unlock()

	go replacement.Run()
	return nil
}

func (f *Factory) publish(ev *protocol.ConnectionEvent) {
	f.events.Publish(ev)
}
