package receiver

import (
	"errors"

	"github.com/opendgram/snp/wire"
)

// ReliableResult reports the outcome of RecvReliable (spec.md §4.4).
type ReliableResult int

const (
	// ReliableOk means the segment was accepted; the packet carrying it
	// can be acked.
	ReliableOk ReliableResult = iota
	// ReliableReject means the segment was refused (buffer/gap limits
	// exceeded); the packet must NOT be acked, forcing a retransmit.
	ReliableReject
	// ReliableFailHard means the peer violated the reliable-stream
	// framing (reserved header bit); the connection must be torn down.
	ReliableFailHard
)

var (
	// ErrMessageTooLarge bounds a single parsed reliable message against
	// hostile peers (spec.md §4.4 k_cbMaxMessageSizeRecv).
	ErrMessageTooLarge = errors.New("receiver: reliable message exceeds max size")
	// ErrMsgNumLurch bounds the msg-num gap sanity check (spec.md §4.4).
	ErrMsgNumLurch = errors.New("receiver: reliable msg-num gap exceeds sanity bound")
)

// reliableGap is one still-missing byte span within the reliable stream
// buffer, [begin, end) in absolute stream-position terms.
type reliableGap struct {
	begin, end uint64
}

// ReliableStreamConfig bundles the tunables spec.md §4.4/§6 expose for one
// connection's reliable-stream reassembly.
type ReliableStreamConfig struct {
	MaxBufferedBytes int
	MaxGapsExtend    int
	MaxGapsFragment  int
	MaxMessageSize   int
}

// ReliableStream holds C5's reliable-byte-stream buffer: the bytes
// received so far (possibly with gaps), the gap map, and the cursor of
// fully-delivered reliable messages (spec.md §3 "Reliable receive state",
// §4.4 "Reliable segment").
//
// Grounded on stream/stream.go's readBuf *bytes.Buffer plus cursor, here
// generalized with an explicit gap map since the teacher's own stream is
// strictly ordered and never buffers ahead of a gap.
type ReliableStream struct {
	base uint64 // stream_pos_base: buf[0] corresponds to this absolute position
	buf  []byte
	gaps []reliableGap

	lastRecvReliableMsgNum uint64
	highestMsgNumSeen      uint64

	cfg ReliableStreamConfig
}

func NewReliableStream(cfg ReliableStreamConfig) *ReliableStream {
	if cfg.MaxGapsExtend <= 0 {
		cfg.MaxGapsExtend = 20
	}
	if cfg.MaxGapsFragment <= 0 {
		cfg.MaxGapsFragment = 20
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512 * 1024
	}
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = 512 * 1024
	}
	return &ReliableStream{cfg: cfg}
}

// ReliableMessage is one fully-reassembled reliable message handed to the
// caller for delivery.
type ReliableMessage struct {
	MsgNum  uint64
	Payload []byte
}

func (rs *ReliableStream) ensureLen(n int) {
	if n <= len(rs.buf) {
		return
	}
	grown := make([]byte, n)
	copy(grown, rs.buf)
	rs.buf = grown
}

// firstGapBegin returns the absolute stream position of the earliest gap,
// or base+len(buf) (end of buffer) if there is none.
func (rs *ReliableStream) firstGapBegin() uint64 {
	if len(rs.gaps) == 0 {
		return rs.base + uint64(len(rs.buf))
	}
	return rs.gaps[0].begin
}

// applyGapSplit consumes [begin,end) out of the gap map: shrinking,
// splitting, or erasing gaps as needed, returning an error if the
// split-count limit would be exceeded.
func (rs *ReliableStream) applyGapSplit(begin, end uint64) error {
	var out []reliableGap
	splitsAdded := 0
	for _, g := range rs.gaps {
		switch {
		case end <= g.begin || begin >= g.end:
			out = append(out, g)
		case begin <= g.begin && end >= g.end:
			// Fully consumed; drop it.
		case begin <= g.begin:
			out = append(out, reliableGap{end, g.end})
		case end >= g.end:
			out = append(out, reliableGap{g.begin, begin})
		default:
			// Data lands strictly inside the gap: split into two.
			if len(rs.gaps)+splitsAdded-1 >= rs.cfg.MaxGapsFragment {
				return ErrGapLimitExceeded
			}
			out = append(out, reliableGap{g.begin, begin}, reliableGap{end, g.end})
			splitsAdded++
		}
	}
	rs.gaps = out
	return nil
}

// ErrGapLimitExceeded signals the reliable-stream gap-count policy limit
// was hit; the caller must return ReliableReject (spec.md §4.4).
var ErrGapLimitExceeded = errors.New("receiver: reliable stream gap limit exceeded")

// RecvReliable implements recv_reliable (spec.md §4.4): folds one
// reliable segment into the stream buffer, parses any now-complete
// messages off the head, and reports whether the containing packet may
// be acked.
func (rs *ReliableStream) RecvReliable(streamBegin uint64, data []byte) (ReliableResult, []ReliableMessage) {
	streamEnd := streamBegin + uint64(len(data))
	if streamEnd <= rs.base {
		// Already consumed; ack anyway.
		return ReliableOk, nil
	}

	newLen := streamEnd - rs.base
	if int(newLen) > rs.cfg.MaxBufferedBytes {
		return ReliableReject, nil
	}

	existingEnd := rs.base + uint64(len(rs.buf))
	if streamBegin > existingEnd {
		// Introduces a brand-new gap at the tail.
		if len(rs.gaps) >= rs.cfg.MaxGapsExtend {
			return ReliableReject, nil
		}
		rs.gaps = append(rs.gaps, reliableGap{existingEnd, streamBegin})
	}

	rs.ensureLen(int(newLen))
	copy(rs.buf[streamBegin-rs.base:], data)

	if err := rs.applyGapSplit(streamBegin, streamEnd); err != nil {
		return ReliableReject, nil
	}

	msgs, fail := rs.drainMessages()
	if fail {
		return ReliableFailHard, msgs
	}
	return ReliableOk, msgs
}

// drainMessages parses as many complete reliable messages as possible
// from the contiguous valid head of the buffer (spec.md §4.4 "Parse
// reliable messages out of the valid head, in a loop").
func (rs *ReliableStream) drainMessages() (msgs []ReliableMessage, fail bool) {
	for {
		validEnd := rs.firstGapBegin()
		validLen := int(validEnd - rs.base)
		if validLen <= 0 {
			return msgs, false
		}
		head := rs.buf[:validLen]

		delta, size, n, err := wire.ReadReliableMessageHeader(head)
		if err != nil {
			if errors.Is(err, wire.ErrReliableHeaderReserved) {
				return msgs, true
			}
			// Truncated header: not enough valid bytes yet.
			return msgs, false
		}
		msgNum := rs.lastRecvReliableMsgNum + delta
		if delta > 1_000_000 || msgNum > rs.highestMsgNumSeen+10_000 {
			return msgs, true
		}
		if size > rs.cfg.MaxMessageSize {
			return msgs, true
		}
		if n+size > validLen {
			return msgs, false // not enough data yet
		}

		payload := make([]byte, size)
		copy(payload, head[n:n+size])
		msgs = append(msgs, ReliableMessage{MsgNum: msgNum, Payload: payload})

		rs.lastRecvReliableMsgNum = msgNum
		if msgNum > rs.highestMsgNumSeen {
			rs.highestMsgNumSeen = msgNum
		}

		// Gaps are kept in absolute stream positions, so consuming the
		// head only moves base; the gap map is untouched.
		consumed := n + size
		rs.base += uint64(consumed)
		rs.buf = rs.buf[consumed:]
	}
}

// LastDeliveredMsgNum returns the msg_num of the most recently fully
// delivered reliable message.
func (rs *ReliableStream) LastDeliveredMsgNum() uint64 { return rs.lastRecvReliableMsgNum }

// BufferedBytes reports the current stream buffer span, for diagnostics.
func (rs *ReliableStream) BufferedBytes() int { return len(rs.buf) }
