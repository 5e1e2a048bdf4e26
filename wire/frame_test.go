package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTripUnreliableSingle(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.WriteUnreliable(UnreliableSegment{MsgNum: 5, Offset: 0, IsLast: true, Data: []byte("hello")}, false))

	frames, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	seg := frames[0].(UnreliableSegment)
	require.Equal(t, uint64(5), seg.MsgNum)
	require.True(t, seg.IsLast)
	require.Equal(t, []byte("hello"), seg.Data)
}

func TestRoundTripUnreliableMultipleSegmentsSameMessage(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.WriteUnreliable(UnreliableSegment{MsgNum: 100000, Offset: 0, IsLast: false, Data: []byte("abc")}, false))
	require.NoError(t, enc.WriteUnreliable(UnreliableSegment{MsgNum: 100000, Offset: 3, IsLast: true, Data: []byte("def")}, true))

	frames, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 2)

	first := frames[0].(UnreliableSegment)
	require.Equal(t, uint64(100000), first.MsgNum)
	require.Equal(t, uint64(0), first.Offset)
	require.False(t, first.IsLast)

	second := frames[1].(UnreliableSegment)
	require.Equal(t, uint64(100000), second.MsgNum)
	require.Equal(t, uint64(3), second.Offset)
	require.True(t, second.IsLast)
	require.Equal(t, []byte("def"), second.Data)
}

func TestRoundTripReliableSegmentAbsoluteAndDelta(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.WriteReliable(ReliableSegment{StreamBegin: 1000, Data: []byte("0123456789")}, false))
	require.NoError(t, enc.WriteReliable(ReliableSegment{StreamBegin: 1010, Data: []byte("more")}, false))

	frames, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 2)

	r0 := frames[0].(ReliableSegment)
	require.Equal(t, uint64(1000), r0.StreamBegin)
	require.Equal(t, []byte("0123456789"), r0.Data)

	r1 := frames[1].(ReliableSegment)
	require.Equal(t, uint64(1010), r1.StreamBegin)
	require.Equal(t, []byte("more"), r1.Data)
}

func TestRoundTripStopWaitingWidths(t *testing.T) {
	for _, offset := range []uint64{0, 10, 1000, 1 << 20, 1 << 40} {
		enc := NewEncoder()
		enc.WriteStopWaiting(offset)
		frames, err := Decode(enc.Bytes())
		require.NoError(t, err)
		require.Len(t, frames, 1)
		require.Equal(t, offset, frames[0].(StopWaiting).Offset)
	}
}

func TestRoundTripAckNoBlocks(t *testing.T) {
	enc := NewEncoder()
	a := Ack{LatestRecvPktNum: 42, Wide: false, AckDelay: 3 * time.Millisecond, HasAckDelay: true}
	require.NoError(t, enc.WriteAck(a))

	frames, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	got := frames[0].(Ack)
	require.Equal(t, uint64(42), got.LatestRecvPktNum)
	require.False(t, got.Wide)
	require.True(t, got.HasAckDelay)
	require.Empty(t, got.Blocks)
}

func TestRoundTripAckManyBlocksWideOverflowCounts(t *testing.T) {
	enc := NewEncoder()
	a := Ack{
		LatestRecvPktNum: 1 << 20,
		Wide:             true,
		AckDelay:         100 * time.Millisecond,
		Blocks: []AckBlock{
			{AckCount: 3, NackCount: 0},
			{AckCount: 500, NackCount: 9},
			{AckCount: 0, NackCount: 200},
			{AckCount: 1, NackCount: 1},
			{AckCount: 1, NackCount: 1},
			{AckCount: 1, NackCount: 1},
			{AckCount: 1, NackCount: 1},
			{AckCount: 1, NackCount: 1}, // 8 blocks forces the BBB==7 escape
		},
	}
	require.NoError(t, enc.WriteAck(a))

	frames, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	got := frames[0].(Ack)
	require.Equal(t, a.LatestRecvPktNum, got.LatestRecvPktNum)
	require.True(t, got.Wide)
	require.Len(t, got.Blocks, len(a.Blocks))
	for i, b := range a.Blocks {
		require.Equal(t, b.AckCount, got.Blocks[i].AckCount, "block %d ack count", i)
		require.Equal(t, b.NackCount, got.Blocks[i].NackCount, "block %d nack count", i)
	}
}

func TestAckCountOverflowRejected(t *testing.T) {
	enc := NewEncoder()
	err := enc.WriteAck(Ack{LatestRecvPktNum: 1, Blocks: []AckBlock{{AckCount: maxSanityCount + 1}}})
	require.ErrorIs(t, err, ErrCountOverflow)
}

func TestDecodeUnknownFrameBitsRejected(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	require.ErrorIs(t, err, ErrUnknownFrame)
}

func TestDecodeTruncatedFrameRejected(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.WriteUnreliable(UnreliableSegment{MsgNum: 1, IsLast: true, Data: []byte("hello world")}, false))
	truncated := enc.Bytes()[:len(enc.Bytes())-3]
	_, err := Decode(truncated)
	require.Error(t, err)
}

func TestMixedPacketInOrder(t *testing.T) {
	enc := NewEncoder()
	enc.WriteStopWaiting(10)
	// An ack with no delay sample travels as the 0xFFFF sentinel.
	require.NoError(t, enc.WriteAck(Ack{LatestRecvPktNum: 9}))
	require.NoError(t, enc.WriteReliable(ReliableSegment{StreamBegin: 0, Data: []byte("reliable-bytes")}, false))
	require.NoError(t, enc.WriteUnreliable(UnreliableSegment{MsgNum: 1, IsLast: true, Data: []byte("unrel")}, true))

	frames, err := Decode(enc.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 4)
	_, ok := frames[0].(StopWaiting)
	require.True(t, ok)
	_, ok = frames[1].(Ack)
	require.True(t, ok)
	_, ok = frames[2].(ReliableSegment)
	require.True(t, ok)
	_, ok = frames[3].(UnreliableSegment)
	require.True(t, ok)
}

func TestReliableMessageHeaderRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		delta uint64
		size  int
	}{
		{1, 0},
		{1, 10},
		{2, 31},
		{5, 32},
		{1, 100000},
		{999, 5},
	} {
		hdr := AppendReliableMessageHeader(nil, tc.delta, tc.size)
		gotDelta, gotSize, n, err := ReadReliableMessageHeader(hdr)
		require.NoError(t, err)
		require.Equal(t, tc.delta, gotDelta)
		require.Equal(t, tc.size, gotSize)
		require.Equal(t, len(hdr), n)
	}
}

func TestReliableMessageHeaderReservedBitRejected(t *testing.T) {
	_, _, _, err := ReadReliableMessageHeader([]byte{0x80})
	require.ErrorIs(t, err, ErrReliableHeaderReserved)
}
