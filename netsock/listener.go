package netsock

import (
	"sync"
	"time"

	"github.com/opendgram/snp/conn"
)

// ConnEntry is what the Registry's connection slab actually stores: the
// live Connection plus the handle it was assigned, so a connection can
// find (and remove) its own entry on Think-driven destruction.
type ConnEntry struct {
	Handle Handle
	Conn   *conn.Connection
}

// peerKey identifies an accepted child the way spec.md §3 "Ownership"
// describes: "map from (remote_identity, remote_conn_id)".
type peerKey struct {
	identity string
	connID   uint32
}

// Listener is C8: it owns every connection it has accepted, keyed by
// (peer-identity, peer-conn-id) so a duplicate connect from the same
// remote conn id resolves to the existing child instead of spawning a
// second one.
//
// Grounded on client2/connection.go's map-based client/provider
// bookkeeping, generalized to the handle-keyed children spec.md §9
// directs.
type Listener struct {
	reg    *Registry
	handle Handle

	mu       sync.Mutex
	children map[peerKey]Handle
	accept   func(c *conn.Connection)
}

// Listen registers a new Listener in reg. accept, if non-nil, is called
// synchronously from Accept for every newly admitted child.
func (reg *Registry) Listen(accept func(c *conn.Connection)) *Listener {
	l := &Listener{reg: reg, children: make(map[peerKey]Handle), accept: accept}
	l.handle = reg.listeners.Insert(l)
	return l
}

// Accept admits c as this listener's child keyed by (remoteIdentity,
// remoteConnID). If a child already exists for that key it is returned
// unchanged (idempotent re-delivery of a connect request must not spawn
// a second connection).
func (l *Listener) Accept(remoteIdentity string, remoteConnID uint32, c *conn.Connection) *conn.Connection {
	key := peerKey{identity: remoteIdentity, connID: remoteConnID}

	l.mu.Lock()
	if h, ok := l.children[key]; ok {
		l.mu.Unlock()
		if entry, err := l.reg.conns.Get(h); err == nil {
			return entry.Conn
		}
	}
	h := l.reg.conns.Insert(&ConnEntry{Conn: c})
	entry, _ := l.reg.conns.Get(h)
	entry.Handle = h
	l.children[key] = h
	l.mu.Unlock()

	c.OnDestroy = func(cc *conn.Connection) {
		l.removeChild(key)
		l.reg.conns.Remove(h)
	}
	l.reg.track(c, c.LocalConnID, time.Now())
	if l.accept != nil {
		l.accept(c)
	}
	return c
}

func (l *Listener) removeChild(key peerKey) {
	l.mu.Lock()
	delete(l.children, key)
	l.mu.Unlock()
}

// Children returns a snapshot of every currently accepted child.
func (l *Listener) Children() []*conn.Connection {
	l.mu.Lock()
	handles := make([]Handle, 0, len(l.children))
	for _, h := range l.children {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	out := make([]*conn.Connection, 0, len(handles))
	for _, h := range handles {
		if entry, err := l.reg.conns.Get(h); err == nil {
			out = append(out, entry.Conn)
		}
	}
	return out
}

// Close detaches the listener from the registry. Already-accepted
// children are unaffected; they continue to run until individually
// closed (spec.md §5: closing a socket logically detaches it, physical
// teardown is deferred).
func (l *Listener) Close() error {
	return l.reg.listeners.Remove(l.handle)
}
