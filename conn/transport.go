package conn

import "time"

// StatsReplyMode tells a transport's SendStatsMsg whether it must ask the
// peer to reply (for keepalive/liveness) or is just echoing (spec.md §4.6
// "stats-ping requesting reply").
type StatsReplyMode int

const (
	StatsReplyNone StatsReplyMode = iota
	StatsReplyRequested
	StatsReplyAck
)

// Transport is the §6 interface the core consumes and never implements
// itself: everything the connection needs from whatever underlying
// delivery mechanism (raw UDP, a relay, a loopback pipe) is carrying its
// encrypted packets. Kept as a small interface over a closed set of
// concrete implementations (transport.Pipe, transport.UDPTransport) per
// spec.md §9's "variant dispatch for transports" note — idiomatic Go
// expresses a closed set this way rather than as a tagged enum.
type Transport interface {
	CanSendConnect() bool
	CanSendData() bool
	SendConnectRequest(now time.Time)
	SendEncryptedChunk(payload []byte) (int, error)
	SendStatsMsg(mode StatsReplyMode, now time.Time, reason string)
}
