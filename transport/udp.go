package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/higebu/netfd"

	"github.com/opendgram/snp/config"
	"github.com/opendgram/snp/conn"
)

// RecvEvent is what open_raw_udp's callback receives per spec.md §6: the
// packet bytes, the source address, and the timestamp it arrived at.
// queued_for_out_of_order_flag and socket_ref are omitted — nothing in
// this module's UDPTransport consumes them; out-of-order arrival is
// handled at the connection's receiver (receiver.ReceivedPktTracker)
// instead.
type RecvEvent struct {
	Data      []byte
	From      *net.UDPAddr
	Timestamp time.Time
}

// RawSocket implements §6's "open_raw_udp(...) -> RawSocket" /
// "raw_socket.send(iovec[], to_addr) -> bool": one shared *net.UDPConn,
// a background read loop dispatching RecvEvents, and a registry of
// per-remote-peer UDPTransports so inbound packets reach the right
// Connection (the "open_bound(remote_addr, callback) wraps a shared ...
// socket for a single remote peer" case in §6).
//
// Grounded on client2/connection.go's real-socket dial/listen pattern;
// the fd retrieval is grounded on runZeroInc-sockstats's
// pkg/exporter.TCPInfoCollector.Add, which keeps a raw fd next to each
// tracked net.Conn the same way this keeps one next to the shared
// *net.UDPConn. No socket options are set through that fd.
type RawSocket struct {
	conn *net.UDPConn
	fd   uintptr

	mu      sync.RWMutex
	byPeer  map[string]*UDPTransport
	closeCh chan struct{}

	onUnrouted func(RecvEvent)
}

// OpenRawUDP binds a UDP socket to localAddr (":0" for an ephemeral
// port) and starts its read loop. onUnrouted, if non-nil, is invoked for
// packets from a source address with no bound UDPTransport — typically
// the initial connect request from a not-yet-accepted peer.
func OpenRawUDP(localAddr string, onUnrouted func(RecvEvent)) (*RawSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	rs := &RawSocket{
		conn:       c,
		fd:         uintptr(netfd.GetFdFromConn(c)),
		byPeer:     make(map[string]*UDPTransport),
		closeCh:    make(chan struct{}),
		onUnrouted: onUnrouted,
	}
	go rs.readLoop()
	return rs, nil
}

// Fd exposes the socket's OS file descriptor, fetched once at OpenRawUDP
// time via netfd. Buffer sizes are left at the OS defaults.
func (rs *RawSocket) Fd() uintptr { return rs.fd }

// LocalAddr reports the address this socket is bound to.
func (rs *RawSocket) LocalAddr() net.Addr { return rs.conn.LocalAddr() }

func (rs *RawSocket) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := rs.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-rs.closeCh:
				return
			default:
				continue
			}
		}
		now := time.Now()
		data := make([]byte, n)
		copy(data, buf[:n])
		ev := RecvEvent{Data: data, From: from, Timestamp: now}

		rs.mu.RLock()
		ut := rs.byPeer[from.String()]
		rs.mu.RUnlock()

		if ut == nil {
			if rs.onUnrouted != nil {
				rs.onUnrouted(ev)
			}
			continue
		}
		ut.handleRecv(ev)
	}
}

// bind registers ut as the UDPTransport responsible for packets arriving
// from remote.
func (rs *RawSocket) bind(remote *net.UDPAddr, ut *UDPTransport) {
	rs.mu.Lock()
	rs.byPeer[remote.String()] = ut
	rs.mu.Unlock()
}

func (rs *RawSocket) unbind(remote *net.UDPAddr) {
	rs.mu.Lock()
	delete(rs.byPeer, remote.String())
	rs.mu.Unlock()
}

// send implements raw_socket.send for one destination (iovec gather-send
// is flattened into a single WriteToUDP, since this module never splits
// one packet across multiple buffers at the socket layer).
func (rs *RawSocket) send(iovec [][]byte, to *net.UDPAddr) bool {
	total := 0
	for _, b := range iovec {
		total += len(b)
	}
	buf := make([]byte, 0, total)
	for _, b := range iovec {
		buf = append(buf, b...)
	}
	_, err := rs.conn.WriteToUDP(buf, to)
	return err == nil
}

// Close implements raw_socket.close. Physical teardown is immediate
// here; spec.md §5's "deferred until the service thread is known not to
// be polling on its fd" concern applies to the lower-level poller this
// module does not implement (each Connection already serializes its own
// Think calls through its owning registry/goroutine).
func (rs *RawSocket) Close() error {
	close(rs.closeCh)
	return rs.conn.Close()
}

// UDPTransport implements conn.Transport over a RawSocket bound to a
// single remote peer (§6's "open_bound" case), with the §6 fake-network
// knobs applied to both directions.
type UDPTransport struct {
	raw    *RawSocket
	remote *net.UDPAddr
	peer   *conn.Connection

	sendFake *fakeNetwork
	recvFake *fakeNetwork

	sendConnectFn func(now time.Time)
	handshakeSink func(RecvEvent)

	closed bool
	mu     sync.Mutex
}

// NewUDPTransport binds a new UDPTransport for remote on raw, applying
// fake-network knobs from cfg. The returned transport is not yet wired
// to a Connection; call SetPeer once the Connection exists (the same
// two-step construction Pipe uses, for the same reason: a Connection
// needs its Transport to exist before it can be built).
func NewUDPTransport(raw *RawSocket, remote *net.UDPAddr, cfg config.FakeNetwork) *UDPTransport {
	ut := &UDPTransport{
		raw:      raw,
		remote:   remote,
		sendFake: newFakeNetwork(cfg.LossSendPct, cfg.LagSend, cfg.ReorderSendPct, cfg.ReorderTime, cfg.DupSendPct, cfg.DupTimeMax),
		recvFake: newFakeNetwork(cfg.LossRecvPct, cfg.LagRecv, cfg.ReorderRecvPct, cfg.ReorderTime, cfg.DupRecvPct, cfg.DupTimeMax),
	}
	raw.bind(remote, ut)
	return ut
}

// SetPeer completes construction by pointing this transport at the
// Connection whose ProcessInbound receives its deliveries. Until this is
// called, inbound bytes are routed to the handshake sink instead (see
// SetHandshakeSink) — a dialed connection has no Connection ready to
// decrypt into until its handshake.DialSession completes.
func (ut *UDPTransport) SetPeer(c *conn.Connection) { ut.peer = c }

// SetHandshakeSink installs the callback that receives raw inbound bytes
// while no peer Connection is set yet: the plaintext connect/connect-ok
// frames spec.md §4.2's handshake exchanges before any AEAD context
// exists. Once the handshake completes the caller calls SetPeer and
// ordinary encrypted traffic routes to ProcessInbound instead.
func (ut *UDPTransport) SetHandshakeSink(fn func(RecvEvent)) { ut.handshakeSink = fn }

// SendRaw writes payload to this transport's bound remote address
// without the send-side fake-network knobs or conn.Transport framing —
// used for the plaintext handshake frames, which precede both.
func (ut *UDPTransport) SendRaw(payload []byte) (int, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if !ut.raw.send([][]byte{buf}, ut.remote) {
		return 0, fmt.Errorf("udp: send to %s failed", ut.remote)
	}
	return len(buf), nil
}

// SetConnectSender installs the callback SendConnectRequest invokes —
// the transport-specific connect framing spec.md §6 says is emitted by
// "send_connect_request(now)". netsock.Registry.DialUDP installs one
// that sends the handshake's ConnectFrame through SendRaw; with no
// callback installed, SendConnectRequest sends nothing.
func (ut *UDPTransport) SetConnectSender(fn func(now time.Time)) { ut.sendConnectFn = fn }

func (ut *UDPTransport) CanSendConnect() bool { return true }
func (ut *UDPTransport) CanSendData() bool    { return true }

func (ut *UDPTransport) SendConnectRequest(now time.Time) {
	if ut.sendConnectFn != nil {
		ut.sendConnectFn(now)
	}
}

// SendEncryptedChunk implements conn.Transport, applying the send-side
// fake-network knobs before handing the packet to the RawSocket.
func (ut *UDPTransport) SendEncryptedChunk(payload []byte) (int, error) {
	if ut.sendFake.drop() {
		return len(payload), nil // §7: a lost packet is not a send error
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	send := func() {
		if !ut.raw.send([][]byte{buf}, ut.remote) {
			return
		}
	}
	if d := ut.sendFake.delay(); d > 0 {
		time.AfterFunc(d, send)
	} else {
		send()
	}
	if dup, dd := ut.sendFake.dup(); dup {
		time.AfterFunc(dd, send)
	}
	return len(payload), nil
}

// SendStatsMsg sends a minimal stats frame. This module encodes stats
// pings/replies as ordinary encrypted payloads through the same path as
// data (spec.md does not define a separate unencrypted stats wire
// format), so callers that need an actual ping round trip construct one
// via conn and SendEncryptedChunk; SendStatsMsg here does nothing with
// mode, now or reason.
func (ut *UDPTransport) SendStatsMsg(mode conn.StatsReplyMode, now time.Time, reason string) {}

// handleRecv applies recv-side fake-network knobs, then delivers into
// the bound Connection's ProcessInbound.
func (ut *UDPTransport) handleRecv(ev RecvEvent) {
	if ut.peer == nil {
		if ut.handshakeSink != nil {
			ut.handshakeSink(ev)
		}
		return
	}
	if ut.recvFake.drop() {
		return
	}
	deliver := func() {
		if ut.peer != nil {
			ut.peer.ProcessInbound(ev.Data, time.Now())
		}
	}
	if d := ut.recvFake.delay(); d > 0 {
		time.AfterFunc(d, deliver)
	} else {
		deliver()
	}
	if dup, dd := ut.recvFake.dup(); dup {
		time.AfterFunc(dd, deliver)
	}
}

// Close unbinds this transport from its RawSocket. The RawSocket itself
// (and its fd) is not closed — it may be shared by other peers' bound
// transports.
func (ut *UDPTransport) Close() error {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	if ut.closed {
		return nil
	}
	ut.closed = true
	ut.raw.unbind(ut.remote)
	return nil
}

func (ut *UDPTransport) String() string {
	return fmt.Sprintf("udp:%s", ut.remote)
}
