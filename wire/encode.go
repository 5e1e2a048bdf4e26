package wire

// Encoder serializes a sequence of frames into one packet payload,
// tracking the running state the grammar's compact encodings depend on:
// whether a first unreliable/reliable segment has been written yet, the
// previous unreliable segment's message number, and the previous
// reliable segment's end-of-range stream position (spec.md §4.5).
type Encoder struct {
	buf []byte

	wroteFirstUnreliable bool
	prevUnreliableMsgNum uint64

	wroteFirstReliable bool
	prevReliableEnd    uint64

	minPktWaitingOnAck uint64
	haveStopWaiting    bool
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Len reports the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// WriteStopWaiting appends a stop-waiting frame. offset is
// next_send_seq - min_pkt_waiting_on_ack - 1 (spec.md §4.5); width is
// chosen as the smallest of 1/2/3/8 bytes that fits.
func (e *Encoder) WriteStopWaiting(offset uint64) {
	nn, width := stopWaitingWidth(offset)
	e.buf = append(e.buf, 0x80|nn)
	e.buf = appendUintLE(e.buf, offset, width)
}

func stopWaitingWidth(v uint64) (nn byte, width int) {
	switch {
	case v < 1<<8:
		return 0, 1
	case v < 1<<16:
		return 1, 2
	case v < 1<<24:
		return 2, 3
	default:
		return 3, 8
	}
}

// WriteAck appends an ack frame.
func (e *Encoder) WriteAck(a Ack) error {
	w, pnWidth := byte(0), 2
	if a.Wide || a.LatestRecvPktNum >= 1<<16 {
		w, pnWidth = 0x08, 4
	}
	n := len(a.Blocks)
	bbb := byte(n)
	escape := n >= 7
	if escape {
		bbb = 7
	}
	e.buf = append(e.buf, 0x90|w|bbb)
	if escape {
		if n > 0xFF {
			return ErrCountOverflow
		}
		e.buf = append(e.buf, byte(n))
	}
	e.buf = appendUintLE(e.buf, a.LatestRecvPktNum, pnWidth)
	delay := uint16(0xFFFF)
	if a.HasAckDelay {
		delay = encodeAckDelay(a.AckDelay)
	}
	e.buf = appendUintLE(e.buf, uint64(delay), 2)

	for _, blk := range a.Blocks {
		if blk.AckCount > maxSanityCount || blk.NackCount > maxSanityCount {
			return ErrCountOverflow
		}
		var nack7, nack3 byte
		ackLow := blk.AckCount & 0x7
		nackLow := blk.NackCount & 0x7
		ackRem := blk.AckCount >> 3
		nackRem := blk.NackCount >> 3
		if ackRem != 0 {
			nack7 = 0x80
		}
		if nackRem != 0 {
			nack3 = 0x08
		}
		e.buf = append(e.buf, nack7|byte(ackLow<<4)|nack3|byte(nackLow))
		if nack7 != 0 {
			e.buf = appendUvarint(e.buf, ackRem)
		}
		if nack3 != 0 {
			e.buf = appendUvarint(e.buf, nackRem)
		}
	}
	return nil
}

// WriteUnreliable appends one unreliable segment. extendToEnd should be
// true only for the final frame written to this packet, letting the
// size field be omitted (SSS==7).
func (e *Encoder) WriteUnreliable(seg UnreliableSegment, extendToEnd bool) error {
	var l, m, s byte
	if seg.IsLast {
		l = 0x20
	}
	if seg.Offset != 0 {
		s = 0x08
	}
	sss, extra, hasExtra, err := encodeSize(len(seg.Data), extendToEnd)
	if err != nil {
		return err
	}

	if !e.wroteFirstUnreliable {
		// First unreliable segment in the packet: absolute msg_num,
		// width chosen by whether it fits 16 bits.
		if seg.MsgNum >= 1<<16 {
			m = 0x10
		}
		e.buf = append(e.buf, m|l|s|sss)
		width := 2
		if m != 0 {
			width = 4
		}
		e.buf = appendUintLE(e.buf, seg.MsgNum, width)
		e.wroteFirstUnreliable = true
	} else {
		delta := seg.MsgNum - e.prevUnreliableMsgNum
		if delta != 1 {
			m = 0x10
		}
		e.buf = append(e.buf, m|l|s|sss)
		if m != 0 {
			e.buf = appendUvarint(e.buf, delta)
		}
	}
	e.prevUnreliableMsgNum = seg.MsgNum

	if s != 0 {
		e.buf = appendUvarint(e.buf, seg.Offset)
	}
	if hasExtra {
		e.buf = append(e.buf, extra)
	}
	e.buf = append(e.buf, seg.Data...)
	return nil
}

// WriteReliable appends one reliable segment, capped at
// max_reliable_segment by the caller (spec.md §4.3).
func (e *Encoder) WriteReliable(seg ReliableSegment, extendToEnd bool) error {
	sss, extra, hasExtra, err := encodeSize(len(seg.Data), extendToEnd)
	if err != nil {
		return err
	}
	end := seg.StreamBegin + uint64(len(seg.Data))

	var pp byte
	var posBytes []byte
	if !e.wroteFirstReliable {
		width := absoluteStreamPosWidth(seg.StreamBegin)
		switch width {
		case 3:
			pp = 0
		case 4:
			pp = 1
		case 6:
			pp = 2
		default:
			return ErrReservedWidthField
		}
		posBytes = make([]byte, width)
		putUintLE(posBytes, seg.StreamBegin, width)
		e.wroteFirstReliable = true
	} else {
		delta := seg.StreamBegin - e.prevReliableEnd
		width := deltaStreamPosWidth(delta)
		switch width {
		case 0:
			pp = 0
		case 1:
			pp = 1
		case 2:
			pp = 2
		case 4:
			pp = 3
		}
		posBytes = make([]byte, width)
		putUintLE(posBytes, delta, width)
	}
	e.prevReliableEnd = end

	e.buf = append(e.buf, 0x40|(pp<<3)|sss)
	e.buf = append(e.buf, posBytes...)
	if hasExtra {
		e.buf = append(e.buf, extra)
	}
	e.buf = append(e.buf, seg.Data...)
	return nil
}

func absoluteStreamPosWidth(v uint64) int {
	switch {
	case v < 1<<24:
		return 3
	case v < 1<<32:
		return 4
	default:
		return 6
	}
}

func deltaStreamPosWidth(v uint64) int {
	switch {
	case v == 0:
		return 0
	case v < 1<<8:
		return 1
	case v < 1<<16:
		return 2
	default:
		return 4
	}
}
