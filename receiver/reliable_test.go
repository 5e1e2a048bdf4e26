package receiver

import (
	"testing"

	"github.com/opendgram/snp/wire"
	"github.com/stretchr/testify/require"
)

func encodeMsg(delta uint64, payload []byte) []byte {
	return wire.AppendReliableMessageHeader(nil, delta, len(payload))
}

func TestRecvReliableInOrderSingleMessage(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	hdr := encodeMsg(1, []byte("hello"))
	data := append(hdr, []byte("hello")...)

	result, msgs := rs.RecvReliable(0, data)
	require.Equal(t, ReliableOk, result)
	require.Len(t, msgs, 1)
	require.EqualValues(t, 1, msgs[0].MsgNum)
	require.Equal(t, []byte("hello"), msgs[0].Payload)
}

func TestRecvReliableOutOfOrderThenGapFill(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	hdr1 := encodeMsg(1, []byte("AAAAA"))
	seg1 := append(hdr1, []byte("AAAAA")...)
	hdr2 := encodeMsg(1, []byte("BBBBB"))
	seg2 := append(hdr2, []byte("BBBBB")...)

	// seg2 arrives first, at the stream position right after seg1.
	result, msgs := rs.RecvReliable(uint64(len(seg1)), seg2)
	require.Equal(t, ReliableOk, result)
	require.Empty(t, msgs) // still gapped, nothing deliverable yet

	result, msgs = rs.RecvReliable(0, seg1)
	require.Equal(t, ReliableOk, result)
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("AAAAA"), msgs[0].Payload)
	require.Equal(t, []byte("BBBBB"), msgs[1].Payload)
}

func TestRecvReliableAlreadyConsumedIsAckedButIgnored(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	hdr := encodeMsg(1, []byte("hello"))
	data := append(hdr, []byte("hello")...)
	rs.RecvReliable(0, data)

	result, msgs := rs.RecvReliable(0, data) // duplicate, already consumed
	require.Equal(t, ReliableOk, result)
	require.Empty(t, msgs)
}

func TestRecvReliableRejectsOverBufferLimit(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{MaxBufferedBytes: 4})
	result, _ := rs.RecvReliable(0, []byte("too much data"))
	require.Equal(t, ReliableReject, result)
}

func TestRecvReliableRejectsTooManyGaps(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{MaxGapsExtend: 1, MaxBufferedBytes: 1 << 20})
	// 0x1F declares a 31-byte message with no further bytes present, so it
	// never drains and just occupies buffer space without parsing noise.
	incomplete := []byte{0x1F}
	rs.RecvReliable(0, incomplete)                // establishes [0,1)
	result, _ := rs.RecvReliable(100, incomplete) // first extend-gap, ok
	require.Equal(t, ReliableOk, result)
	result, _ = rs.RecvReliable(200, incomplete) // second extend-gap, over limit
	require.Equal(t, ReliableReject, result)
}

func TestRecvReliableFailHardOnReservedHeaderBit(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	// 0x80 has the reserved high bit set.
	result, _ := rs.RecvReliable(0, []byte{0x80})
	require.Equal(t, ReliableFailHard, result)
}

func TestRecvReliableFailHardOnMsgNumLurch(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	hdr := wire.AppendReliableMessageHeader(nil, 2_000_000, 1) // delta way over 1e6
	data := append(hdr, []byte("x")...)
	result, _ := rs.RecvReliable(0, data)
	require.Equal(t, ReliableFailHard, result)
}

func TestRecvReliableDrainKeepsGapPositionsAbsolute(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	hdrA := encodeMsg(1, []byte("AAAA"))
	segA := append(hdrA, []byte("AAAA")...)
	hdrB := encodeMsg(1, []byte("BBBB"))
	segB := append(hdrB, []byte("BBBB")...)
	hdrC := encodeMsg(1, []byte("CCCC"))
	segC := append(hdrC, []byte("CCCC")...)

	posB := uint64(len(segA))
	posC := posB + uint64(len(segB))

	// C arrives first, opening a gap over A and B.
	result, msgs := rs.RecvReliable(posC, segC)
	require.Equal(t, ReliableOk, result)
	require.Empty(t, msgs)

	// A fills the head; draining it advances base while the B gap is
	// still open, which must not disturb the gap's stream position.
	result, msgs = rs.RecvReliable(0, segA)
	require.Equal(t, ReliableOk, result)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("AAAA"), msgs[0].Payload)

	result, msgs = rs.RecvReliable(posB, segB)
	require.Equal(t, ReliableOk, result)
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("BBBB"), msgs[0].Payload)
	require.Equal(t, []byte("CCCC"), msgs[1].Payload)
	require.EqualValues(t, 3, rs.LastDeliveredMsgNum())
}

func TestRecvReliableWaitsForMoreDataOnTruncatedMessage(t *testing.T) {
	rs := NewReliableStream(ReliableStreamConfig{})
	hdr := encodeMsg(1, []byte("hello world"))
	partial := append(hdr, []byte("hello")...) // declared size 11, only 5 bytes present

	result, msgs := rs.RecvReliable(0, partial)
	require.Equal(t, ReliableOk, result)
	require.Empty(t, msgs)

	result, msgs = rs.RecvReliable(uint64(len(partial)), []byte(" world"))
	require.Equal(t, ReliableOk, result)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hello world"), msgs[0].Payload)
}
