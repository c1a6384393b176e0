// Package registry implements the factory's three indexes over live
// connections: the full connection set, the peer-address map used for
// per-peer cap enforcement, and the session-id map populated once a
// connection completes its handshake.
package registry

import (
	"sync"

	"github.com/smukkama/cnxnfactory/internal/cnxn"
)

// Registry is safe for concurrent use. It deliberately does not remove
// empty ip_map entries on its own: this is an accepted, bounded leak
// rather than a bug, since the number of distinct peer addresses is
// small relative to connection churn.
type Registry struct {
	mu         sync.RWMutex
	connections map[cnxn.Cnxn]struct{}
	ipMap       map[string]map[cnxn.Cnxn]struct{}
	sessionMap  map[uint64]cnxn.Cnxn
}

func New() *Registry {
	return &Registry{
		connections: make(map[cnxn.Cnxn]struct{}),
		ipMap:       make(map[string]map[cnxn.Cnxn]struct{}),
		sessionMap:  make(map[uint64]cnxn.Cnxn),
	}
}

// peerOf extracts the bare IP from a "host:port" remote address; the cap
// is per source IP, not per source socket.
func peerOf(remoteAddr string) string {
	for i := len(remoteAddr) - 1; i >= 0; i-- {
		if remoteAddr[i] == ':' {
			return remoteAddr[:i]
		}
	}
	return remoteAddr
}

// TryAdd inserts c into connections and ip_map, enforcing maxPerPeer (0
// means unlimited). Returns false without mutating anything if the peer
// is already at cap — the caller is expected to fast-close and log.
func (r *Registry) TryAdd(c cnxn.Cnxn, maxPerPeer int) bool {
	peer := peerOf(c.RemoteAddress())

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.ipMap[peer]
	if maxPerPeer > 0 && len(set) >= maxPerPeer {
		return false
	}

	r.connections[c] = struct{}{}
	if set == nil {
		set = make(map[cnxn.Cnxn]struct{})
		r.ipMap[peer] = set
	}
	set[c] = struct{}{}
	return true
}

// PeerCount reports the live connection count from a peer address,
// without mutating the registry. Used by the accept thread to decide
// whether TryAdd would succeed before it bothers accepting further.
func (r *Registry) PeerCount(remoteAddr string) int {
	peer := peerOf(remoteAddr)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ipMap[peer])
}

// AddSession publishes a session id -> connection binding. Last writer
// wins by design — the upstream caller is assumed to have already
// detected collisions.
func (r *Registry) AddSession(sessionID uint64, c cnxn.Cnxn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionMap[sessionID] = c
}

// CloseSession removes sessionID from session_map and returns the bound
// connection, if any, so the caller can close it.
func (r *Registry) CloseSession(sessionID uint64) (cnxn.Cnxn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessionMap[sessionID]
	if ok {
		delete(r.sessionMap, sessionID)
	}
	return c, ok
}

// Remove de-registers c from connections, session_map (if bound), and
// ip_map. An emptied ip_map[peer] entry is retained, not deleted.
// Idempotent: removing an already-absent connection is a no-op.
func (r *Registry) Remove(c cnxn.Cnxn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[c]; !ok {
		return
	}
	delete(r.connections, c)

	peer := peerOf(c.RemoteAddress())
	if set, ok := r.ipMap[peer]; ok {
		delete(set, c)
	}

	if sid := c.SessionID(); sid != 0 {
		if bound, ok := r.sessionMap[sid]; ok && bound == c {
			delete(r.sessionMap, sid)
		}
	}
}

// Contains reports whether c is currently a live, registered connection.
func (r *Registry) Contains(c cnxn.Cnxn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[c]
	return ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// All returns a snapshot slice of every live connection.
func (r *Registry) All() []cnxn.Cnxn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cnxn.Cnxn, 0, len(r.connections))
	for c := range r.connections {
		out = append(out, c)
	}
	return out
}

// DumpConnectionInfo returns ConnectionInfo(brief) for every live
// connection.
func (r *Registry) DumpConnectionInfo(brief bool) []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]interface{}, 0, len(r.connections))
	for c := range r.connections {
		out = append(out, c.ConnectionInfo(brief))
	}
	return out
}

// IPMapLen reports the number of distinct peer addresses tracked,
// including peers whose set has been emptied but retained.
func (r *Registry) IPMapLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ipMap)
}

// ResetAllStats calls ResetStats on every live connection.
func (r *Registry) ResetAllStats() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.connections {
		c.ResetStats()
	}
}
