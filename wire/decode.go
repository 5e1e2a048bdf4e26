package wire

// Decode parses a decrypted packet payload into its sequence of frames,
// per spec.md §4.5's grammar. Unrecognized leading bits yield
// ErrUnknownFrame; callers apply spec.md §7's drop-silently policy.
func Decode(payload []byte) ([]Frame, error) {
	r := newReader(payload)

	var frames []Frame
	var wroteFirstUnreliable bool
	var prevUnreliableMsgNum uint64
	var wroteFirstReliable bool
	var prevReliableEnd uint64

	for r.remaining() > 0 {
		start := r.pos
		b, err := r.byte()
		if err != nil {
			return nil, err
		}

		switch {
		case b&0xC0 == 0x00: // unreliable: 00 L M S SSS
			seg, err := decodeUnreliable(b, r, wroteFirstUnreliable, prevUnreliableMsgNum, len(payload)-r.pos)
			if err != nil {
				return nil, err
			}
			wroteFirstUnreliable = true
			prevUnreliableMsgNum = seg.MsgNum
			frames = append(frames, seg)

		case b&0xE0 == 0x40: // reliable: 010 PP SSS
			seg, err := decodeReliable(b, r, wroteFirstReliable, prevReliableEnd, len(payload)-r.pos)
			if err != nil {
				return nil, err
			}
			wroteFirstReliable = true
			prevReliableEnd = seg.StreamBegin + uint64(len(seg.Data))
			frames = append(frames, seg)

		case b&0xFC == 0x80: // stop-waiting: 100000 NN
			sw, err := decodeStopWaiting(b, r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, sw)

		case b&0xF0 == 0x90: // ack: 1001 W BBB
			ack, err := decodeAck(b, r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, ack)

		default:
			return nil, ErrUnknownFrame
		}

		if r.pos == start {
			// Defensive: never loop forever on a malformed zero-length
			// frame.
			return nil, ErrTruncated
		}
	}
	return frames, nil
}

func decodeUnreliable(b byte, r *reader, haveFirst bool, prevMsgNum uint64, remainingAfterHeader int) (UnreliableSegment, error) {
	l := b&0x20 != 0
	m := b&0x10 != 0
	s := b&0x08 != 0
	sss := b & 0x07

	var msgNum uint64
	if !haveFirst {
		width := 2
		if m {
			width = 4
		}
		v, err := r.uintLE(width)
		if err != nil {
			return UnreliableSegment{}, err
		}
		msgNum = v
	} else if m {
		delta, err := r.uvarint()
		if err != nil {
			return UnreliableSegment{}, err
		}
		msgNum = prevMsgNum + delta
	} else {
		msgNum = prevMsgNum + 1
	}

	var offset uint64
	if s {
		v, err := r.uvarint()
		if err != nil {
			return UnreliableSegment{}, err
		}
		offset = v
	}

	size, err := decodeSize(sss, r, remainingAfterHeaderAdjust(remainingAfterHeader, r))
	if err != nil {
		return UnreliableSegment{}, err
	}
	data, err := r.bytesN(size)
	if err != nil {
		return UnreliableSegment{}, err
	}
	return UnreliableSegment{MsgNum: msgNum, Offset: offset, IsLast: l, Data: data}, nil
}

func decodeReliable(b byte, r *reader, haveFirst bool, prevEnd uint64, remainingAfterHeader int) (ReliableSegment, error) {
	pp := (b >> 3) & 0x03
	sss := b & 0x07

	var begin uint64
	if !haveFirst {
		var width int
		switch pp {
		case 0:
			width = 3
		case 1:
			width = 4
		case 2:
			width = 6
		default:
			return ReliableSegment{}, ErrReservedWidthField
		}
		v, err := r.uintLE(width)
		if err != nil {
			return ReliableSegment{}, err
		}
		begin = v
	} else {
		var width int
		switch pp {
		case 0:
			width = 0
		case 1:
			width = 1
		case 2:
			width = 2
		case 3:
			width = 4
		}
		var delta uint64
		if width > 0 {
			v, err := r.uintLE(width)
			if err != nil {
				return ReliableSegment{}, err
			}
			delta = v
		}
		begin = prevEnd + delta
	}

	size, err := decodeSize(sss, r, remainingAfterHeaderAdjust(remainingAfterHeader, r))
	if err != nil {
		return ReliableSegment{}, err
	}
	data, err := r.bytesN(size)
	if err != nil {
		return ReliableSegment{}, err
	}
	return ReliableSegment{StreamBegin: begin, Data: data}, nil
}

// remainingAfterHeaderAdjust recomputes "bytes left in the packet" at the
// point the size field itself is decoded (decodeSize may still need to
// consume one more byte for sss<=4 before the data starts).
func remainingAfterHeaderAdjust(_ int, r *reader) int {
	return r.remaining()
}

func decodeStopWaiting(b byte, r *reader) (StopWaiting, error) {
	nn := b & 0x03
	width := [4]int{1, 2, 3, 8}[nn]
	v, err := r.uintLE(width)
	if err != nil {
		return StopWaiting{}, err
	}
	return StopWaiting{Offset: v}, nil
}

func decodeAck(b byte, r *reader) (Ack, error) {
	w := b&0x08 != 0
	bbb := b & 0x07

	n := int(bbb)
	if bbb == 7 {
		extra, err := r.byte()
		if err != nil {
			return Ack{}, err
		}
		n = int(extra)
	}

	pnWidth := 2
	if w {
		pnWidth = 4
	}
	latest, err := r.uintLE(pnWidth)
	if err != nil {
		return Ack{}, err
	}
	delayRaw, err := r.uintLE(2)
	if err != nil {
		return Ack{}, err
	}
	delay, haveDelay := decodeAckDelay(uint16(delayRaw))

	blocks := make([]AckBlock, 0, n)
	for i := 0; i < n; i++ {
		blkByte, err := r.byte()
		if err != nil {
			return Ack{}, err
		}
		nack7 := blkByte&0x80 != 0
		ackLow := uint64((blkByte >> 4) & 0x07)
		nack3 := blkByte&0x08 != 0
		nackLow := uint64(blkByte & 0x07)

		ackCount := ackLow
		if nack7 {
			rem, err := r.uvarint()
			if err != nil {
				return Ack{}, err
			}
			ackCount = rem<<3 | ackLow
		}
		nackCount := nackLow
		if nack3 {
			rem, err := r.uvarint()
			if err != nil {
				return Ack{}, err
			}
			nackCount = rem<<3 | nackLow
		}
		if ackCount > maxSanityCount || nackCount > maxSanityCount {
			return Ack{}, ErrCountOverflow
		}
		blocks = append(blocks, AckBlock{AckCount: ackCount, NackCount: nackCount})
	}

	return Ack{LatestRecvPktNum: latest, Wide: w, AckDelay: delay, HasAckDelay: haveDelay, Blocks: blocks}, nil
}
