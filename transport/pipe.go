// Package transport implements the §6 transport interface the core
// consumes (conn.Transport) without ever implementing it itself: Pipe,
// the always-succeeds loopback shortcut spec.md §6 names explicitly, and
// UDPTransport, a real net.ListenUDP-backed transport with the §6 fake-
// network debug knobs wired into its send path.
//
// Pipe is grounded on sockatz/common/conn.go's QUICProxyConn (an
// incoming/outgoing channel pair standing in for a transport, paired
// with a synthetic non-routable net.Addr), simplified to a direct
// synchronous call into the peer's receiver since spec.md §6 says Pipe
// "shortcuts directly into the peer's receiver" rather than queueing.
package transport

import (
	"time"

	"github.com/opendgram/snp/conn"
)

// Pipe is the loopback transport spec.md §6 names as "the only supported
// 'always succeeds' transport": every send is delivered synchronously
// into the paired peer's Connection.ProcessInbound, with no encryption
// (the Pair that constructs two Pipes gives each Connection a
// snpcrypto.NewNullContext(), per spec.md E1).
type Pipe struct {
	peer *conn.Connection
}

// NewPipePair returns two Pipes, each wired to deliver into the other's
// peer Connection once SetPeer has been called on both (the connections
// themselves cannot exist before their transports do, so wiring is a
// two-step construction: NewPipePair, build both Connections, SetPeer).
func NewPipePair() (a, b *Pipe) {
	return &Pipe{}, &Pipe{}
}

// SetPeer completes construction by pointing this Pipe at the
// Connection its sends should land in.
func (p *Pipe) SetPeer(c *conn.Connection) { p.peer = c }

func (p *Pipe) CanSendConnect() bool { return true }
func (p *Pipe) CanSendData() bool    { return true }

// SendConnectRequest is a no-op: a Pipe pair is constructed already past
// the handshake (spec.md E1 "Both connections report Connected"), so
// nothing ever calls this in practice, but it must satisfy conn.Transport.
func (p *Pipe) SendConnectRequest(now time.Time) {}

// SendEncryptedChunk hands payload directly to the peer's inbound
// processing, synchronously, on the caller's goroutine.
func (p *Pipe) SendEncryptedChunk(payload []byte) (int, error) {
	if p.peer == nil {
		return 0, nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.peer.ProcessInbound(buf, time.Now())
	return len(payload), nil
}

// SendStatsMsg immediately resolves the peer's keepalive bookkeeping,
// since a Pipe send is instantaneous — there is no wire round trip to
// simulate.
func (p *Pipe) SendStatsMsg(mode conn.StatsReplyMode, now time.Time, reason string) {
	if p.peer == nil {
		return
	}
	p.peer.OnStatsReply(now)
}
