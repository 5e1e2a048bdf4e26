package conn

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rs/xid"

	"github.com/opendgram/snp/message"
	"github.com/opendgram/snp/pktstats"
	"github.com/opendgram/snp/receiver"
	"github.com/opendgram/snp/sender"
	"github.com/opendgram/snp/snpcrypto"
	"github.com/opendgram/snp/wire"
)

var (
	ErrNotConnected  = errors.New("conn: not connected")
	ErrClosed        = errors.New("conn: handle already closed")
	ErrAckedReliable = errors.New("conn: packet carried a rejected reliable segment and was not acked")
)

// Config bundles the per-connection tunables spec.md §6 exposes. The
// core treats the configuration value registry itself as an external
// collaborator (spec.md §1); whatever translates raw key/value overrides
// into this struct lives in package config.
type Config struct {
	SendBufferSize     int
	RateMin, RateMax   float64
	NagleTime          time.Duration
	TimeoutInitial     time.Duration
	TimeoutConnected   time.Duration
	FinWaitTimeout     time.Duration
	KeepaliveInterval  time.Duration
	StatsReplyTimeout  time.Duration
	PingMissesInitial  int
	PingMissesOngoing  int
	ConnectRetryPeriod time.Duration

	MTUPacketSize      int
	MaxUnreliableMsg   int
	MaxReliableSegment int

	MaxAckBlocks    int
	MaxDataAckDelay time.Duration
	NackFlushDelay  time.Duration
	MaxPacketGaps   int

	MaxBufferedReliableBytes      int
	MaxReliableStreamGaps         int
	MaxMessageSizeRecv            int
	MaxBufferedUnreliableSegments int
}

// PollGroupSink receives messages delivered on a connection that is a
// member of a poll group (spec.md §3 "poll group weakly references
// children"). Discard unlinks a message from the group's secondary queue
// so a closing connection can release messages it still owns.
type PollGroupSink interface {
	Deliver(msg *message.Message)
	Discard(msg *message.Message)
}

// Connection is C7: the state machine plus one of each of C2-C6 (spec.md
// §2, §3). Every connection starts in Connecting; while there it emits
// connect requests via Transport (when Transport.CanSendConnect allows)
// until CompleteHandshake installs the crypto context.
type Connection struct {
	LocalConnID  uint32
	RemoteConnID uint32
	Description  string // correlation id for logs, minted with rs/xid

	AppName        string
	UserData       int64
	Cipher         snpcrypto.Cipher
	RemoteIdentity string // from the peer's cert, if any (spec.md §4.2 step 2)

	// mu serializes all mutation of this connection's state, standing in
	// for spec.md §5's process-wide global lock (see DESIGN.md): the
	// service goroutine's Think, transport receive callbacks, and API
	// calls from application goroutines all funnel through it. At most
	// this one object lock is held per goroutine, except for loopback
	// delivery, which acquires the peer's lock after releasing no lock of
	// its own connection's callees.
	mu sync.Mutex

	state     State
	wireState State // preserved across local-only transitions (spec.md §3)

	entryTs                  time.Time
	lastSentConnectRequestTs time.Time

	endReason EndReason
	endDebug  string

	cfg Config

	Transport Transport
	crypto    *snpcrypto.Context
	Stats     *pktstats.Stats
	Send      *sender.Sender
	Recv      *receiver.Receiver

	recvQueue *message.Queue
	pollGroup PollGroupSink

	consecutivePingMisses int
	lastRecvTs            time.Time
	statsRequestedAt      time.Time

	// OnStatusChanged fires for every API-visible state transition
	// (spec.md §7): Connecting, FindingRoute, Connected, ClosedByPeer,
	// ProblemDetectedLocally.
	OnStatusChanged func(c *Connection)
	// OnDestroy fires once the connection reaches Dead and should be
	// reaped by its owning registry/listen socket.
	OnDestroy func(c *Connection)
	// OnWake asks the owning service thread to re-run Think soon; set by
	// netsock's tracking so a queued send does not wait out the previous
	// deadline (spec.md §4.3 "else schedule the service thread").
	OnWake func()

	Log *log.Logger
}

// New constructs a Connection in Connecting. protocolAtLeast10 selects
// pktstats.New's packet-number seeding.
func New(cfg Config, localConnID, remoteConnID uint32, transport Transport, crypto *snpcrypto.Context, protocolAtLeast10 bool, now time.Time) *Connection {
	id := xid.New().String()
	c := &Connection{
		LocalConnID:  localConnID,
		RemoteConnID: remoteConnID,
		Description:  id,
		cfg:          cfg,
		Transport:    transport,
		crypto:       crypto,
		state:        StateConnecting,
		wireState:    StateConnecting,
		entryTs:      now,
		recvQueue:    message.NewQueue(message.Primary),
		Log:          log.NewWithOptions(os.Stderr, log.Options{Prefix: "conn:" + id}),
	}
	c.Stats = pktstats.New(protocolAtLeast10)
	c.Send = sender.New(sender.Config{
		RateBytesPerSec:    cfg.RateMax,
		SendBufferSize:     cfg.SendBufferSize,
		MaxUnreliableMsg:   cfg.MaxUnreliableMsg,
		MaxReliableSegment: cfg.MaxReliableSegment,
	}, c.Stats, now)
	c.Recv = receiver.New(receiver.Config{
		Pkt: receiver.ReceivedPktTrackerConfig{
			MaxGaps:         cfg.MaxPacketGaps,
			NackFlushDelay:  cfg.NackFlushDelay,
			MaxDataAckDelay: cfg.MaxDataAckDelay,
		},
		Stream: receiver.ReliableStreamConfig{
			MaxBufferedBytes: cfg.MaxBufferedReliableBytes,
			MaxGapsExtend:    cfg.MaxReliableStreamGaps,
			MaxGapsFragment:  cfg.MaxReliableStreamGaps,
			MaxMessageSize:   cfg.MaxMessageSizeRecv,
		},
		Unreliable: receiver.UnreliableReassemblerConfig{
			MaxBufferedSegments: cfg.MaxBufferedUnreliableSegments,
		},
	})
	return c
}

// State returns the connection's current (possibly internal) state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WireState returns the state as the peer would observe it, which lags
// the local state across Connected->Linger->FinWait (spec.md §3).
func (c *Connection) WireState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wireState
}

// EndReason and EndDebug report why a terminal connection closed.
func (c *Connection) EndReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

func (c *Connection) EndDebug() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endDebug
}

// SetPollGroup attaches (or, with nil, detaches) this connection's
// poll-group membership. Messages already queued in the old group stay
// pollable there until the group drains them or the connection closes
// (spec.md §3, §5 "Cancellation").
func (c *Connection) SetPollGroup(pg PollGroupSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollGroup = pg
}

// setState transitions the local state, preserving wireState semantics:
// Connected -> Linger -> FinWait all keep the externally observed state
// at Connected, so the peer cannot tell (spec.md §3).
func (c *Connection) setState(s State, now time.Time) {
	prev := c.state
	c.state = s
	if s == StateConnected || s == StateClosedByPeer || s == StateProblemDetectedLocally || s == StateConnecting || s == StateFindingRoute {
		c.wireState = s
	}
	c.entryTs = now
	if s.apiVisible() && (prev != s) {
		if c.OnStatusChanged != nil {
			c.OnStatusChanged(c)
		}
	}
}

// ProblemDetectedLocally implements ConnectionState_ProblemDetectedLocally
// (spec.md §7): transitions to ProblemDetectedLocally, arms the
// notification callback, and the caller must stop processing the current
// packet.
func (c *Connection) ProblemDetectedLocally(reason EndReason, debug string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.problemDetectedLocally(reason, debug, now)
}

func (c *Connection) problemDetectedLocally(reason EndReason, debug string, now time.Time) {
	if c.state == StateProblemDetectedLocally || c.state == StateDead {
		return
	}
	c.endReason = reason
	c.endDebug = debug
	c.setState(StateProblemDetectedLocally, now)
}

// CompleteHandshake implements the Connecting/FindingRoute -> Connected
// transition (spec.md §3) once the crypto handshake (spec.md §4.2) has
// produced a ready AEAD context: installs the negotiated cipher and
// crypto context, records the peer's cert identity if any, and fires the
// status-changed callback. netsock.NewPair's unencrypted loopback calls
// it with CipherNull and a NULL context.
func (c *Connection) CompleteHandshake(cipher snpcrypto.Cipher, crypto *snpcrypto.Context, remoteIdentity string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting && c.state != StateFindingRoute {
		return
	}
	c.Cipher = cipher
	c.crypto = crypto
	c.RemoteIdentity = remoteIdentity
	c.setState(StateConnected, now)
	if c.OnWake != nil {
		c.OnWake()
	}
}

// ClosedByPeer records that the peer cleanly closed the connection.
func (c *Connection) ClosedByPeer(reason EndReason, debug string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.IsTerminal() || c.state == StateDead {
		return
	}
	c.endReason = reason
	c.endDebug = debug
	c.setState(StateClosedByPeer, now)
}

// Close implements the application-initiated close (spec.md §5
// "Cancellation"): synchronously moves to Linger (if reliable data is
// still outstanding) or straight to FinWait, discards the receive queue,
// and detaches from any poll group.
func (c *Connection) Close(reason EndReason, debug string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead || c.state == StateFinWait {
		return
	}
	c.endReason = reason
	c.endDebug = debug
	if c.state == StateConnected && !c.Send.Idle() {
		c.setState(StateLinger, now)
	} else {
		c.setState(StateFinWait, now)
	}
	for {
		m := c.recvQueue.PopFront()
		if m == nil {
			break
		}
		if c.pollGroup != nil {
			c.pollGroup.Discard(m)
		}
		m.Detach()
		m.Release()
	}
	c.pollGroup = nil
}

// connectionTimedOut implements spec.md §4.6 step 3.
func (c *Connection) connectionTimedOut(now time.Time) {
	reason := EndMiscTimeout
	if c.state == StateFindingRoute {
		reason = EndMiscP2PRendezvous
	}
	c.endReason = reason
	c.endDebug = "handshake or liveness timeout"
	c.setState(StateProblemDetectedLocally, now)
}

// SendMessage implements send_message (spec.md §4.3).
func (c *Connection) SendMessage(payload []byte, flags message.Flag, now time.Time) (coerced bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false, ErrNotConnected
	}
	msg := &message.Message{Payload: payload, Flags: flags, Timestamp: now}
	reliable := flags&message.FlagReliable != 0
	noNagle := flags&message.FlagNoNagle != 0
	coerced, err = c.Send.Enqueue(msg, reliable, noNagle, c.cfg.NagleTime, now)
	if err != nil {
		return coerced, err
	}
	if flags&message.FlagUseCurrentThread != 0 {
		c.think(now)
	} else if c.OnWake != nil {
		c.OnWake()
	}
	return coerced, nil
}

// deliver appends a reassembled message to this connection's receive
// queue and, if it belongs to one, its poll-group's secondary queue
// (spec.md §5 "Ordering guarantees").
func (c *Connection) deliver(m *message.Message, now time.Time) {
	m.Timestamp = now
	c.recvQueue.PushBack(m)
	if c.pollGroup != nil {
		c.pollGroup.Deliver(m)
	}
}

// ReceiveMessage pops the oldest undelivered message from this
// connection's receive queue, or nil if none is pending. Ownership
// transfers to the caller, so the message is unlinked from the poll
// group's secondary queue as well before it is handed out.
func (c *Connection) ReceiveMessage() *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.recvQueue.PopFront()
	if m == nil {
		return nil
	}
	if c.pollGroup != nil {
		c.pollGroup.Discard(m)
	}
	m.Detach()
	return m
}

// maxAckBlocksDefault bounds the ack-block serialization when Config
// leaves it unset.
const maxAckBlocksDefault = 32

// ackProvider returns the callback the sender pump uses to fold a due
// ack frame into the next outgoing packet. Building the ack clears the
// flush schedule, so at most one pump iteration per think pass carries
// one.
func (c *Connection) ackProvider(now time.Time) func() *wire.Ack {
	return func() *wire.Ack {
		if !c.Recv.AckDue(now) && !c.Recv.NackDue(now) {
			return nil
		}
		max := c.cfg.MaxAckBlocks
		if max <= 0 {
			max = maxAckBlocksDefault
		}
		ack := c.Recv.BuildAck(now, false, max)
		c.Recv.OnAckSent()
		return &ack
	}
}
