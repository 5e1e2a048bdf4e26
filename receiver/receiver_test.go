package receiver

import (
	"testing"
	"time"

	"github.com/opendgram/snp/wire"
	"github.com/stretchr/testify/require"
)

func TestReceiverHandleUnreliableSegmentFastPath(t *testing.T) {
	r := New(Config{})
	m := r.HandleUnreliableSegment(wire.UnreliableSegment{MsgNum: 1, Offset: 0, IsLast: true, Data: []byte("hi")})
	require.NotNil(t, m)
	require.Equal(t, []byte("hi"), m.Payload)
}

func TestReceiverHandleUnreliableSegmentMultiPart(t *testing.T) {
	r := New(Config{})
	m := r.HandleUnreliableSegment(wire.UnreliableSegment{MsgNum: 1, Offset: 0, IsLast: false, Data: []byte("ab")})
	require.Nil(t, m)
	m = r.HandleUnreliableSegment(wire.UnreliableSegment{MsgNum: 1, Offset: 2, IsLast: true, Data: []byte("cd")})
	require.NotNil(t, m)
	require.Equal(t, []byte("abcd"), m.Payload)
}

func TestReceiverHandleReliableSegmentDelivers(t *testing.T) {
	r := New(Config{})
	hdr := wire.AppendReliableMessageHeader(nil, 1, 5)
	data := append(hdr, []byte("hello")...)

	result, msgs := r.HandleReliableSegment(wire.ReliableSegment{StreamBegin: 0, Data: data})
	require.Equal(t, ReliableOk, result)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hello"), msgs[0].Payload)
}

func TestReceiverRecordReceivedPktAndBuildAck(t *testing.T) {
	r := New(Config{Pkt: ReceivedPktTrackerConfig{MaxDataAckDelay: 5 * time.Millisecond}})
	now := time.Now()
	require.True(t, r.RecordReceivedPkt(1, now, true))

	ack := r.BuildAck(now.Add(2*time.Millisecond), false, 4)
	require.EqualValues(t, 1, ack.LatestRecvPktNum)
	require.False(t, ack.Wide)
	require.True(t, ack.HasAckDelay)
	require.Equal(t, 2*time.Millisecond, ack.AckDelay)

	r.OnAckSent()
	require.False(t, r.AckDue(now.Add(time.Hour)))
}

func TestReceiverForgetBelowAppliesToTracker(t *testing.T) {
	r := New(Config{})
	now := time.Now()
	r.RecordReceivedPkt(1, now, false)
	r.RecordReceivedPkt(5, now, false)

	r.ForgetBelow(3)
	require.Equal(t, int64(3), r.Pkts.minPktToSendAcks)
}

func TestReceiverAckDueAndNackDue(t *testing.T) {
	r := New(Config{Pkt: ReceivedPktTrackerConfig{MaxDataAckDelay: time.Millisecond, NackFlushDelay: time.Millisecond}})
	now := time.Now()
	r.RecordReceivedPkt(1, now, true)
	r.RecordReceivedPkt(5, now, true)

	later := now.Add(10 * time.Millisecond)
	require.True(t, r.AckDue(later))
	require.True(t, r.NackDue(later))
}

func TestReceiverNextDeadlineZeroWhenIdle(t *testing.T) {
	r := New(Config{})
	require.True(t, r.NextDeadline().IsZero())
}
