package conn

import (
	"testing"
	"time"

	"github.com/opendgram/snp/message"
	"github.com/opendgram/snp/snpcrypto"
	"github.com/stretchr/testify/require"
)

// fakeTransport wires one Connection's outbound encrypted chunks directly
// into a peer Connection's ProcessInbound, modeling the netsock.Pair
// loopback transport (spec.md E1) without any real socket.
type fakeTransport struct {
	peer  *Connection
	clock *time.Time

	connectSent int
	statsSent   int
}

func (f *fakeTransport) CanSendConnect() bool { return true }
func (f *fakeTransport) CanSendData() bool    { return true }
func (f *fakeTransport) SendConnectRequest(now time.Time) {
	f.connectSent++
}
func (f *fakeTransport) SendEncryptedChunk(payload []byte) (int, error) {
	cp := append([]byte(nil), payload...)
	if f.peer != nil {
		f.peer.ProcessInbound(cp, *f.clock)
	}
	return len(cp), nil
}
func (f *fakeTransport) SendStatsMsg(mode StatsReplyMode, now time.Time, reason string) {
	f.statsSent++
}

func testConfig() Config {
	return Config{
		SendBufferSize:     1 << 20,
		RateMin:            1024,
		RateMax:            1 << 20,
		NagleTime:          0,
		TimeoutInitial:     time.Hour,
		TimeoutConnected:   time.Hour,
		FinWaitTimeout:     time.Second,
		KeepaliveInterval:  time.Hour,
		StatsReplyTimeout:  time.Hour,
		PingMissesInitial:  0,
		PingMissesOngoing:  0,
		ConnectRetryPeriod: time.Second,
		MTUPacketSize:      1200,
		MaxUnreliableMsg:   1200,
		MaxReliableSegment: 1200,
		MaxAckBlocks:       32,
		MaxDataAckDelay:    5 * time.Millisecond,
		NackFlushDelay:     5 * time.Millisecond,
		MaxPacketGaps:      16,

		MaxBufferedReliableBytes:      1 << 20,
		MaxReliableStreamGaps:         16,
		MaxMessageSizeRecv:            1 << 20,
		MaxBufferedUnreliableSegments: 64,
	}
}

// connectedPair builds two Connections wired loopback-style via
// fakeTransport, both already Connected with the NULL cipher.
func connectedPair(now time.Time) (a, b *Connection, ta, tb *fakeTransport) {
	clock := &now
	ta = &fakeTransport{clock: clock}
	tb = &fakeTransport{clock: clock}
	a = New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	b = New(testConfig(), 2, 1, tb, snpcrypto.NewNullContext(), false, now)
	ta.peer = b
	tb.peer = a
	a.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)
	b.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)
	return a, b, ta, tb
}

func TestLoopbackPairEchoesUnreliableMessage(t *testing.T) {
	now := time.Now()
	a, b, _, _ := connectedPair(now)

	_, err := a.SendMessage([]byte("hello"), 0, now)
	require.NoError(t, err)

	a.Think(now)

	msg := b.ReceiveMessage()
	require.NotNil(t, msg)
	require.Equal(t, []byte("hello"), msg.Payload)
}

func TestLoopbackPairDeliversReliableMessageInOrder(t *testing.T) {
	now := time.Now()
	a, b, _, _ := connectedPair(now)

	_, err := a.SendMessage([]byte("first"), message.FlagReliable, now)
	require.NoError(t, err)
	_, err = a.SendMessage([]byte("second"), message.FlagReliable, now)
	require.NoError(t, err)

	a.Think(now)

	m1 := b.ReceiveMessage()
	require.NotNil(t, m1)
	require.Equal(t, []byte("first"), m1.Payload)

	m2 := b.ReceiveMessage()
	require.NotNil(t, m2)
	require.Equal(t, []byte("second"), m2.Payload)
}

func TestLoopbackPairFragmentsOversizedReliablePayload(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.MaxReliableSegment = 32
	cfg.MTUPacketSize = 40

	clock := &now
	ta := &fakeTransport{clock: clock}
	tb := &fakeTransport{clock: clock}
	a := New(cfg, 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	b := New(cfg, 2, 1, tb, snpcrypto.NewNullContext(), false, now)
	ta.peer, tb.peer = b, a
	a.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)
	b.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	_, err := a.SendMessage(payload, message.FlagReliable, now)
	require.NoError(t, err)

	for i := 0; i < 40 && !b.hasReceived(); i++ {
		a.Think(now)
		now = now.Add(time.Millisecond)
	}

	m := b.ReceiveMessage()
	require.NotNil(t, m)
	require.Equal(t, payload, m.Payload)
}

// hasReceived peeks the receive queue without consuming it, for the
// fragmentation test's retry loop.
func (c *Connection) hasReceived() bool {
	return c.recvQueue.Front() != nil
}

func TestAckFlushFiresOnceThenGoesQuiet(t *testing.T) {
	now := time.Now()
	a, b, _, _ := connectedPair(now)

	_, err := a.SendMessage([]byte("data"), message.FlagReliable, now)
	require.NoError(t, err)
	a.Think(now)
	require.NotNil(t, b.ReceiveMessage())

	// b owes an ack for the data packet; one think past the flush delay
	// emits exactly one packet, and further thinks emit nothing.
	later := now.Add(10 * time.Millisecond)
	b.Think(later)
	require.EqualValues(t, 1, b.Stats.PacketsSent())

	b.Think(later.Add(10 * time.Millisecond))
	b.Think(later.Add(20 * time.Millisecond))
	require.EqualValues(t, 1, b.Stats.PacketsSent())

	// The ack resolved a's in-flight reliable data.
	require.True(t, a.Send.Idle())
}

func TestSendMessageRejectsWhenNotConnected(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now}
	c := New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)

	_, err := c.SendMessage([]byte("x"), 0, now)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestCompleteHandshakeTransitionsToConnected(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now}
	c := New(testConfig(), 1, 2, ta, nil, false, now)
	require.Equal(t, StateConnecting, c.State())

	var changed int
	c.OnStatusChanged = func(c *Connection) { changed++ }

	c.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "peer-identity", now)
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, "peer-identity", c.RemoteIdentity)
	require.Equal(t, 1, changed)
}

func TestCloseWithOutstandingReliableDataEntersLinger(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now} // peer is nil: packets vanish, nothing acks.
	c := New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	c.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)

	_, err := c.SendMessage([]byte("pending"), message.FlagReliable, now)
	require.NoError(t, err)
	c.Think(now) // hands the reliable segment to the sender's in-flight set

	c.Close(EndAppGeneric, "bye", now)
	require.Equal(t, StateLinger, c.State())
	require.Equal(t, StateConnected, c.WireState())
}

func TestCloseWithNothingOutstandingEntersFinWait(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now}
	c := New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	c.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)

	c.Close(EndAppGeneric, "bye", now)
	require.Equal(t, StateFinWait, c.State())
}

func TestThinkTimesOutHandshakeAfterTimeoutInitial(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.TimeoutInitial = 10 * time.Millisecond
	cfg.ConnectRetryPeriod = time.Millisecond
	ta := &fakeTransport{clock: &now}
	c := New(cfg, 1, 2, ta, nil, false, now)

	later := now.Add(20 * time.Millisecond)
	c.Think(later)

	require.Equal(t, StateProblemDetectedLocally, c.State())
	require.Equal(t, EndMiscTimeout, c.EndReason())
}

func TestThinkRetriesConnectRequestUntilHandshakeCompletes(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cfg.TimeoutInitial = time.Hour
	cfg.ConnectRetryPeriod = 5 * time.Millisecond
	ta := &fakeTransport{clock: &now}
	c := New(cfg, 1, 2, ta, nil, false, now)

	c.Think(now)
	require.Equal(t, 1, ta.connectSent)

	c.Think(now.Add(10 * time.Millisecond))
	require.Equal(t, 2, ta.connectSent)
}

func TestProcessInboundDropsTruncatedPacket(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now}
	c := New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	c.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)

	c.ProcessInbound([]byte{0x01}, now) // shorter than the 2-byte prefix
	require.Equal(t, StateConnected, c.State())
}

func TestProcessInboundIgnoresStateDead(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now}
	c := New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	c.setState(StateDead, now)

	c.ProcessInbound([]byte{0x00, 0x00, 0x01, 0x02}, now)
	require.Equal(t, StateDead, c.State())
}

func TestProblemDetectedLocallyIsIdempotentOnceTerminal(t *testing.T) {
	now := time.Now()
	ta := &fakeTransport{clock: &now}
	c := New(testConfig(), 1, 2, ta, snpcrypto.NewNullContext(), false, now)
	c.CompleteHandshake(snpcrypto.CipherNull, snpcrypto.NewNullContext(), "", now)

	c.ProblemDetectedLocally(EndMiscGeneric, "first", now)
	require.Equal(t, EndMiscGeneric, c.EndReason())

	c.ProblemDetectedLocally(EndMiscInternalError, "second", now)
	require.Equal(t, EndMiscGeneric, c.EndReason())
	require.Equal(t, "first", c.EndDebug())
}

type pollSink struct {
	got []*message.Message
}

func (p *pollSink) Deliver(m *message.Message) { p.got = append(p.got, m) }
func (p *pollSink) Discard(m *message.Message) {}

func TestSetPollGroupReceivesDeliveredMessages(t *testing.T) {
	now := time.Now()
	a, b, _, _ := connectedPair(now)

	sink := &pollSink{}
	b.SetPollGroup(sink)

	_, err := a.SendMessage([]byte("pg"), 0, now)
	require.NoError(t, err)
	a.Think(now)

	require.Len(t, sink.got, 1)
	require.Equal(t, []byte("pg"), sink.got[0].Payload)
}
