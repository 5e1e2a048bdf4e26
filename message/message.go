// Package message implements the C1 Message Record and C10 Message
// Queues: a single inbound or outbound message, and the two kinds of
// doubly-linked lists it can simultaneously belong to (a connection's own
// send/receive queue, and its poll-group's secondary queue).
//
// Grounded on stream/stream.go's Frame/smsg types (Type, id, Ack, Payload)
// and on spec.md §9's note on the source's intrusively double-linked
// Frame (embedded Links struct twice). The links here stay intrusive: each
// Message embeds two listLinks values, one per queue Kind; there is no
// freelist-backed node table.
package message

import "time"

// Flag holds the per-message delivery flags (spec.md §3).
type Flag uint32

const (
	// FlagReliable marks a message for reliable, in-order delivery.
	FlagReliable Flag = 1 << iota
	// FlagNoNagle sends immediately, clearing pending Nagle deadlines on
	// the connection's whole queue.
	FlagNoNagle
	// FlagNoDelay bypasses pacing for this one message (still subject to
	// the token bucket going negative).
	FlagNoDelay
	// FlagUseCurrentThread drives a think pass on the calling goroutine
	// instead of deferring to the connection's service goroutine.
	FlagUseCurrentThread
)

// Message is one inbound or outbound application message. It is owned by
// whichever queue(s) it is linked into; ownership transfers to the
// application when a receive queue delivers it, until the application
// releases it (Release).
type Message struct {
	MsgNum  uint64
	Channel int32
	Flags   Flag
	Payload []byte

	ConnUserData int64
	Timestamp    time.Time

	// ReliableStreamPos is the reliable-stream byte offset this message's
	// payload begins at; zero for unreliable messages.
	ReliableStreamPos uint64
	// ReliableHeaderBytes is the length of the reliable-stream header
	// (spec.md §3) this message was prefixed with when queued.
	ReliableHeaderBytes int

	NagleDeadline time.Time

	// primary is this message's link in its owning connection's queue.
	primary listLinks
	// secondary is this message's link in its poll-group's queue, or the
	// zero value if it is not (yet, or no longer) linked into one.
	secondary listLinks

	onRelease func(*Message)
	released  bool
}

// listLinks is the intrusive doubly-linked-list node embedded (by value,
// twice) in every Message: once for the connection-local queue, once for
// the poll-group queue.
type listLinks struct {
	queue      *Queue
	prev, next *Message
}

// SetReleaseHook installs the callback invoked exactly once when Release
// is called; Release itself asserts the message has been unlinked from
// both queues before the hook runs.
func (m *Message) SetReleaseHook(fn func(*Message)) {
	m.onRelease = fn
}

// Release returns ownership of the message to its creator. The caller
// must have unlinked the message from any queue first (mirrors the
// teacher's own invariant: Release() must first Unlink()).
func (m *Message) Release() {
	if m.primary.queue != nil || m.secondary.queue != nil {
		panic("message: Release called while still linked into a queue")
	}
	if m.released {
		return
	}
	m.released = true
	if m.onRelease != nil {
		m.onRelease(m)
	}
}

// Detach unlinks m from any queue it is still linked into, readying it
// for Release. The caller is responsible for whatever synchronization the
// owning queues require.
func (m *Message) Detach() {
	if q := m.primary.queue; q != nil {
		q.Unlink(m)
	}
	if q := m.secondary.queue; q != nil {
		q.Unlink(m)
	}
}

// linksFor returns the link set used for the given queue Kind.
func (m *Message) linksFor(k Kind) *listLinks {
	if k == Primary {
		return &m.primary
	}
	return &m.secondary
}
