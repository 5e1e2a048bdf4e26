package wire

import "errors"

// ErrReliableHeaderReserved is returned when a reliable-stream message
// header's reserved top bit is set (spec.md §4.4: "high bit must be 0 else
// fatal protocol error").
var ErrReliableHeaderReserved = errors.New("wire: reliable message header reserved bit set")

// maxMsgNumGap bounds the decoded message-number gap against hostile peers
// (spec.md §4.4).
const maxMsgNumGap = 1_000_000

// AppendReliableMessageHeader appends the per-message header that prefixes
// each reliable message inside the reliable byte stream itself (distinct
// from the per-packet ReliableSegment header): one byte carrying a
// reserved top bit, a has-gap bit, a size-extension bit, and the low 5
// bits of size, followed by an optional gap varint and an optional
// size-extension varint (spec.md §4.3 "prepend the reliable-header",
// §4.4 "Parse header byte ... Parse optional msg-num-gap varint ... Parse
// size: low 5 bits + optional varint shifted 5").
//
// msgNumDelta is the message number minus the previous reliable message's
// number; a delta of exactly 1 (the common case: strictly the next
// message) omits the gap varint entirely.
func AppendReliableMessageHeader(dst []byte, msgNumDelta uint64, size int) []byte {
	hasGap := msgNumDelta != 1
	sizeExt := size >= 32
	var b byte
	if hasGap {
		b |= 0x40
	}
	if sizeExt {
		b |= 0x20
	}
	b |= byte(size & 0x1F)
	dst = append(dst, b)
	if hasGap {
		dst = appendUvarint(dst, msgNumDelta)
	}
	if sizeExt {
		dst = appendUvarint(dst, uint64(size>>5))
	}
	return dst
}

// ReadReliableMessageHeader parses one header written by
// AppendReliableMessageHeader from the front of buf, returning the
// message-number delta, the declared size, and the number of header bytes
// consumed.
func ReadReliableMessageHeader(buf []byte) (msgNumDelta uint64, size int, n int, err error) {
	r := newReader(buf)
	b, err := r.byte()
	if err != nil {
		return 0, 0, 0, err
	}
	if b&0x80 != 0 {
		return 0, 0, 0, ErrReliableHeaderReserved
	}
	hasGap := b&0x40 != 0
	sizeExt := b&0x20 != 0
	low := uint64(b & 0x1F)

	msgNumDelta = 1
	if hasGap {
		v, err := r.uvarint()
		if err != nil {
			return 0, 0, 0, err
		}
		if v > maxMsgNumGap {
			return 0, 0, 0, ErrCountOverflow
		}
		msgNumDelta = v
	}

	sz := low
	if sizeExt {
		v, err := r.uvarint()
		if err != nil {
			return 0, 0, 0, err
		}
		sz |= v << 5
	}
	return msgNumDelta, int(sz), r.pos, nil
}

// ReliableMessageHeaderLen reports how many bytes AppendReliableMessageHeader
// would emit for the given delta/size, without writing anything; the
// sender uses this to size-check before committing a message to the
// reliable stream.
func ReliableMessageHeaderLen(msgNumDelta uint64, size int) int {
	before := len(AppendReliableMessageHeader(nil, msgNumDelta, size))
	return before
}
