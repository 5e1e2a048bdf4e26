package netsock

import (
	"sync"

	"github.com/opendgram/snp/conn"
	"github.com/opendgram/snp/message"
)

// PollGroup aggregates inbound messages from several connections into
// one secondary queue for bulk polling (spec.md §3 glossary "Poll
// group"). It holds only weak references to its member connections
// (Handles, checked for staleness on every dereference) — a connection
// that dies without calling Leave simply stops delivering, it does not
// dangle (spec.md §3 "Ownership", §9 raw-pointer-to-handle redesign).
//
// Grounded on spec.md §3/§9 directly; no single teacher file owns this
// shape, since katzenpost's own stream/client2 packages have no
// multi-connection aggregation concept.
type PollGroup struct {
	reg    *Registry
	handle Handle

	mu      sync.Mutex
	members map[Handle]struct{}
	queue   *message.Queue
}

// NewPollGroup registers a new, empty PollGroup in reg.
func (reg *Registry) NewPollGroup() *PollGroup {
	pg := &PollGroup{members: make(map[Handle]struct{}), queue: message.NewQueue(message.Secondary)}
	pg.reg = reg
	pg.handle = reg.pollGroups.Insert(pg)
	return pg
}

// Join adds c's messages to this poll group's secondary queue and
// detaches c from any poll group it was previously a member of.
func (reg *Registry) Join(pg *PollGroup, connHandle Handle, c *conn.Connection) {
	pg.mu.Lock()
	pg.members[connHandle] = struct{}{}
	pg.mu.Unlock()
	c.SetPollGroup(pg)
}

// Leave detaches a connection. Messages it already delivered stay
// pollable in the group's secondary queue; a closing connection discards
// its own undelivered messages via Discard instead (spec.md §5
// "Cancellation").
func (pg *PollGroup) Leave(connHandle Handle, c *conn.Connection) {
	pg.mu.Lock()
	delete(pg.members, connHandle)
	pg.mu.Unlock()
	c.SetPollGroup(nil)
}

// Deliver implements conn.PollGroupSink: messages arrive in the order
// Deliver is called, which spec.md §5 "Ordering guarantees" only promises
// is by arrival timestamp, best-effort, with no cross-connection ordering
// guarantee beyond that.
func (pg *PollGroup) Deliver(m *message.Message) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.queue.PushBack(m)
}

// Discard implements conn.PollGroupSink: a closing connection unlinks a
// message it still owns from the group's secondary queue before
// releasing it.
func (pg *PollGroup) Discard(m *message.Message) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.queue.Unlink(m)
}

// Poll pops the oldest undelivered message aggregated across this
// group's members, or nil if none is pending. The message also remains
// on its owning connection's receive queue (the group is a secondary
// index over its members' deliveries); ownership transfers only once
// the connection's ReceiveMessage pops it.
func (pg *PollGroup) Poll() *message.Message {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.queue.PopFront()
}

// Len reports how many messages are currently queued in this group.
func (pg *PollGroup) Len() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.queue.Len()
}

// Close removes the poll group from its registry. Member connections are
// not closed; they simply stop having anywhere to deliver secondary
// messages.
func (pg *PollGroup) Close() error {
	return pg.reg.pollGroups.Remove(pg.handle)
}
