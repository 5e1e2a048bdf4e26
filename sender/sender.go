// Package sender implements C4: the outgoing side of one connection —
// queueing, Nagle bundling, reliable-stream cursor assignment, retry
// tracking, token-bucket pacing, and per-packet frame assembly (spec.md
// §4.3).
//
// Grounded on client2/arq.go's ARQ (Send/resend/surbIDMap, a
// sent-but-unacked map keyed by id with timer-driven retransmission),
// generalized from katzenpost's single-packet-SURB retransmission unit to
// a byte-range retransmission unit, and on stream.go's wack unacked-set /
// txEnqueue / processAck shape.
package sender

import (
	"errors"
	"time"

	"github.com/opendgram/snp/message"
	"github.com/opendgram/snp/pktstats"
	"github.com/opendgram/snp/wire"
)

// ErrLimitExceeded is returned by Enqueue when accepting the message
// would push pending bytes past the configured send buffer size
// (spec.md §4.3).
var ErrLimitExceeded = errors.New("sender: pending bytes would exceed send buffer size")

// minSegmentOverhead is a conservative reservation for a segment's header
// bytes (frame byte, size byte, optional stream-position/offset fields),
// used to keep per-packet budget accounting simple without tracking each
// frame type's exact overhead.
const minSegmentOverhead = 10

// minSliverBytes is the smallest data chunk this sender will place at the
// end of a packet (spec.md §4.3 "sliver avoidance").
const minSliverBytes = 16

// Sender holds one connection's entire outgoing-side state.
type Sender struct {
	stats  *pktstats.Stats
	bucket *tokenBucket

	sendQueue *message.Queue // Primary: messages not yet segmented at all
	unacked   *message.Queue // Secondary: fully-sent reliable messages awaiting full ack

	front            *message.Message
	frontData        []byte
	frontSent        int
	frontReliable    bool
	frontStreamBegin uint64

	headerOf   map[*message.Message][]byte // reliable header, set at Enqueue, consumed at loadFront
	streamData map[*message.Message][]byte // header+payload, kept while any range is outstanding
	refcount   map[*message.Message]int    // outstanding (unacked) byte ranges per message

	reliableStreamCursor   uint64
	lastSentReliableMsgNum uint64
	nextMsgNum             uint64

	pendingTotalBytes  int
	sendBufferSize     int
	maxUnreliableMsg   int
	maxReliableSegment int
	maxPacketsPerThink int

	inFlight *inFlightSet
	retry    *retrySet

	minPktWaitingOnAck uint64
	haveMinPkt         bool
}

// Config bundles the tunables spec.md §6 exposes for one connection's
// sender.
type Config struct {
	RateBytesPerSec    float64
	SendBufferSize     int
	MaxUnreliableMsg   int
	MaxReliableSegment int
}

// New returns a Sender with an empty queue and a freshly seeded token
// bucket.
func New(cfg Config, stats *pktstats.Stats, now time.Time) *Sender {
	maxReliableSegment := cfg.MaxReliableSegment
	if maxReliableSegment <= 0 {
		maxReliableSegment = 1200
	}
	return &Sender{
		stats:              stats,
		bucket:             newTokenBucket(cfg.RateBytesPerSec, now),
		sendQueue:          message.NewQueue(message.Primary),
		unacked:            message.NewQueue(message.Secondary),
		headerOf:           make(map[*message.Message][]byte),
		streamData:         make(map[*message.Message][]byte),
		refcount:           make(map[*message.Message]int),
		nextMsgNum:         1,
		sendBufferSize:     cfg.SendBufferSize,
		maxUnreliableMsg:   cfg.MaxUnreliableMsg,
		maxReliableSegment: maxReliableSegment,
		maxPacketsPerThink: 16,
		inFlight:           newInFlightSet(),
		retry:              newRetrySet(),
	}
}

// SetRate updates the pacing rate (e.g. from a congestion signal).
func (s *Sender) SetRate(rateBps float64) { s.bucket.SetRate(rateBps) }

// PendingBytes reports bytes currently queued but not yet sent.
func (s *Sender) PendingBytes() int { return s.pendingTotalBytes }

// Idle reports whether there is nothing queued, no reliable byte range in
// flight, and nothing awaiting retry — the signal conn uses to advance
// Linger to FinWait. Packets in flight that carry no reliable ranges
// (unreliable-only or pure-ack packets) do not count.
func (s *Sender) Idle() bool {
	if !s.sendQueue.Empty() || s.front != nil || !s.retry.Empty() {
		return false
	}
	for e := s.inFlight.l.Front(); e != nil; e = e.Next() {
		if len(e.Value.(*inFlightPacket).ranges) > 0 {
			return false
		}
	}
	return true
}

// Enqueue implements send_message: assigns a message number, reserves
// reliable-stream space if reliable, and appends to the send queue.
// coerced reports whether an oversized unreliable message was silently
// upgraded to reliable (spec.md §4.3); the caller should log a warning
// when true.
func (s *Sender) Enqueue(msg *message.Message, reliable bool, noNagle bool, nagleTime time.Duration, now time.Time) (coerced bool, err error) {
	size := len(msg.Payload)
	if !reliable && size > s.maxUnreliableMsg {
		reliable = true
		coerced = true
	}
	if s.pendingTotalBytes+size > s.sendBufferSize {
		return coerced, ErrLimitExceeded
	}

	msg.MsgNum = s.nextMsgNum
	s.nextMsgNum++
	msg.Timestamp = now

	if reliable {
		msg.Flags |= message.FlagReliable
		delta := msg.MsgNum - s.lastSentReliableMsgNum
		header := wire.AppendReliableMessageHeader(nil, delta, size)
		msg.ReliableHeaderBytes = len(header)
		msg.ReliableStreamPos = s.reliableStreamCursor
		s.reliableStreamCursor += uint64(len(header) + size)
		s.lastSentReliableMsgNum = msg.MsgNum
		s.headerOf[msg] = header
	}

	if noNagle {
		msg.Flags |= message.FlagNoNagle
		s.sendQueue.Each(func(m *message.Message) { m.NagleDeadline = time.Time{} })
		if s.front != nil {
			s.front.NagleDeadline = time.Time{}
		}
	} else {
		msg.NagleDeadline = now.Add(nagleTime)
	}

	s.sendQueue.PushBack(msg)
	s.pendingTotalBytes += size
	return coerced, nil
}

// loadFront pops the next message off the send queue to begin segmenting
// it, if one isn't already in progress. Returns false if there is nothing
// to segment.
func (s *Sender) loadFront() bool {
	if s.front != nil {
		return true
	}
	m := s.sendQueue.PopFront()
	if m == nil {
		return false
	}
	s.pendingTotalBytes -= len(m.Payload)
	s.front = m
	s.frontSent = 0

	if m.Flags&message.FlagReliable != 0 {
		s.frontReliable = true
		header := s.headerOf[m]
		delete(s.headerOf, m)
		data := make([]byte, 0, len(header)+len(m.Payload))
		data = append(data, header...)
		data = append(data, m.Payload...)
		s.frontData = data
		s.frontStreamBegin = m.ReliableStreamPos
		s.streamData[m] = data
	} else {
		s.frontReliable = false
		s.frontData = m.Payload
	}
	return true
}

// advanceFront is called once the front message's data has been fully
// segmented into packets: reliable messages move to the unacked list
// (retained until every range acks); unreliable ones are released right
// away, since nothing further references them.
func (s *Sender) advanceFront() {
	m := s.front
	if s.frontReliable {
		s.unacked.PushBack(m)
	} else {
		m.Release()
	}
	s.front = nil
	s.frontData = nil
	s.frontSent = 0
}

// writeStopWaiting appends the stop-waiting frame (spec.md §4.3 item 1),
// if there is an outstanding in-flight floor to report.
func (s *Sender) writeStopWaiting(enc *wire.Encoder) {
	if !s.haveMinPkt {
		return
	}
	nextSeq := s.stats.PeekNextSendPacketNumber()
	if nextSeq <= s.minPktWaitingOnAck {
		return
	}
	enc.WriteStopWaiting(nextSeq - s.minPktWaitingOnAck - 1)
}

// sliceForRetry caps a retry-ready range to what fits in the remaining
// per-packet data budget and the max-reliable-segment limit.
func (s *Sender) sliceForRetry(entry retryEntry, dataBudget int) (ByteRange, int) {
	n := int(entry.Range.Len())
	if n > s.maxReliableSegment {
		n = s.maxReliableSegment
	}
	if n > dataBudget {
		n = dataBudget
	}
	if n <= 0 {
		return ByteRange{}, 0
	}
	return ByteRange{entry.Range.Begin, entry.Range.Begin + uint64(n)}, n
}

func (s *Sender) bytesForRange(msg *message.Message, r ByteRange) []byte {
	data := s.streamData[msg]
	offset := r.Begin - msg.ReliableStreamPos
	return data[offset : offset+r.Len()]
}

// BuildPacket assembles one packet's worth of frames, in the order
// spec.md §4.3 mandates: stop-waiting, ack, retry segments, new segments.
// It assigns the packet number and registers the result as in flight.
// Returns a nil payload if there is nothing to send.
func (s *Sender) BuildPacket(now time.Time, budget int, ack *wire.Ack) (pktNum uint64, payload []byte, hasReliable bool, err error) {
	enc := wire.NewEncoder()
	s.writeStopWaiting(enc)
	if ack != nil {
		if err := enc.WriteAck(*ack); err != nil {
			return 0, nil, false, err
		}
	}

	var ranges []retryEntry
	haveReliable := false
	// carried tracks whether the packet holds anything beyond the
	// stop-waiting frame; a stop-waiting-only packet is never worth a
	// packet number.
	carried := ack != nil

	for enc.Len() < budget {
		entry, ok := s.retry.Front()
		if !ok {
			break
		}
		dataBudget := budget - enc.Len() - minSegmentOverhead
		if dataBudget < minSliverBytes && dataBudget < int(entry.Range.Len()) {
			break
		}
		seg, n := s.sliceForRetry(entry, dataBudget)
		if n == 0 {
			break
		}
		if err := enc.WriteReliable(wire.ReliableSegment{StreamBegin: seg.Begin, Data: s.bytesForRange(entry.Msg, seg)}, false); err != nil {
			break
		}
		s.retry.RemoveCovering(seg)
		if seg.End < entry.Range.End {
			// The split leaves a second live reference to this message's
			// stream data; count it so cleanupUnacked doesn't release the
			// buffer while the remainder still awaits retransmission.
			s.retry.Insert(ByteRange{seg.End, entry.Range.End}, entry.Msg)
			s.refcount[entry.Msg]++
		}
		ranges = append(ranges, retryEntry{Range: seg, Msg: entry.Msg})
		haveReliable = true
		carried = true
	}

	for enc.Len() < budget {
		if s.front == nil {
			head := s.sendQueue.Front()
			if head == nil {
				break
			}
			// Hold a fresh message inside its Nagle window unless the
			// packet is going out anyway, in which case it piggybacks
			// (spec.md §4.3 "Pacing").
			if !carried && head.NagleDeadline.After(now) {
				break
			}
		}
		if !s.loadFront() {
			break
		}
		remainingData := len(s.frontData) - s.frontSent
		if remainingData <= 0 {
			s.advanceFront()
			continue
		}
		dataBudget := budget - enc.Len() - minSegmentOverhead
		if dataBudget < minSliverBytes && dataBudget < remainingData {
			break
		}
		if dataBudget <= 0 {
			break
		}

		if s.frontReliable {
			n := remainingData
			if n > s.maxReliableSegment {
				n = s.maxReliableSegment
			}
			if n > dataBudget {
				n = dataBudget
			}
			begin := s.frontStreamBegin + uint64(s.frontSent)
			data := s.frontData[s.frontSent : s.frontSent+n]
			if err := enc.WriteReliable(wire.ReliableSegment{StreamBegin: begin, Data: data}, false); err != nil {
				break
			}
			ranges = append(ranges, retryEntry{Range: ByteRange{begin, begin + uint64(n)}, Msg: s.front})
			s.refcount[s.front]++
			haveReliable = true
			carried = true
			s.frontSent += n
		} else {
			n := remainingData
			if n > dataBudget {
				n = dataBudget
			}
			isLast := s.frontSent+n == len(s.frontData)
			seg := wire.UnreliableSegment{
				MsgNum: s.front.MsgNum,
				Offset: uint64(s.frontSent),
				IsLast: isLast,
				Data:   s.frontData[s.frontSent : s.frontSent+n],
			}
			if err := enc.WriteUnreliable(seg, false); err != nil {
				break
			}
			carried = true
			s.frontSent += n
		}

		if s.frontSent >= len(s.frontData) {
			s.advanceFront()
		}
	}

	if !carried || enc.Len() == 0 {
		return 0, nil, false, nil
	}

	pktNum = s.stats.NextSendPacketNumber()
	s.inFlight.Insert(&inFlightPacket{pktNum: pktNum, sentTs: now, ranges: ranges})
	if !s.haveMinPkt {
		s.minPktWaitingOnAck = pktNum
		s.haveMinPkt = true
	}
	return pktNum, enc.Bytes(), haveReliable, nil
}

// hasWork reports whether Think has anything worth building a packet for.
func (s *Sender) hasWork(ack *wire.Ack) bool {
	return ack != nil || !s.retry.Empty() || !s.sendQueue.Empty() || s.front != nil
}

// pump runs BuildPacket in a loop while the token bucket allows it,
// capped at maxPacketsPerThink packets (spec.md §4.6 "Sender pump").
func (s *Sender) pump(now time.Time, budget int, ackProvider func() *wire.Ack, send func(pktNum uint64, payload []byte, hasReliable bool)) time.Time {
	sent := 0
	for {
		queueEmpty := s.sendQueue.Empty() && s.front == nil
		s.bucket.Accumulate(now, queueEmpty)
		if !s.bucket.Ready() {
			break
		}
		if sent >= s.maxPacketsPerThink {
			return s.bucket.Penalize(now)
		}
		ack := ackProvider()
		if !s.hasWork(ack) {
			break
		}
		pktNum, payload, hasReliable, err := s.BuildPacket(now, budget, ack)
		if err != nil || len(payload) == 0 {
			break
		}
		s.bucket.Spend(len(payload))
		sent++
		send(pktNum, payload, hasReliable)
	}
	return time.Time{}
}

func (s *Sender) nextNagleDeadline() time.Time {
	if s.front != nil && !s.front.NagleDeadline.IsZero() {
		return s.front.NagleDeadline
	}
	if m := s.sendQueue.Front(); m != nil && !m.NagleDeadline.IsZero() {
		return m.NagleDeadline
	}
	return time.Time{}
}

func earliestNonZero(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

// Think runs one full pass: sweep timed-out in-flight packets (spec.md
// §4.3 "sender_check_in_flight"), pump as many packets as pacing allows,
// and report the earliest time a future think pass is needed for
// (spec.md §4.6).
func (s *Sender) Think(now time.Time, budget int, ackProvider func() *wire.Ack, send func(pktNum uint64, payload []byte, hasReliable bool)) time.Time {
	rto := s.stats.RTO()
	rtoDeadline := s.inFlight.CheckTimeouts(now, rto, s.onTimeoutNack)

	// CheckTimeouts may have expired old nacked entries; the stop-waiting
	// floor moves up with them, since their ranges now travel in newer
	// packets and no report on the old numbers is wanted anymore.
	if s.haveMinPkt {
		if oldest, ok := s.inFlight.OldestPacketNum(); ok {
			if oldest > s.minPktWaitingOnAck {
				s.minPktWaitingOnAck = oldest
			}
		} else {
			s.minPktWaitingOnAck = s.stats.PeekNextSendPacketNumber()
		}
	}

	deadline := s.pump(now, budget, ackProvider, send)
	deadline = earliestNonZero(deadline, rtoDeadline)
	deadline = earliestNonZero(deadline, s.bucket.EarliestSend(now))
	deadline = earliestNonZero(deadline, s.nextNagleDeadline())
	return deadline
}

func (s *Sender) onTimeoutNack(p *inFlightPacket) {
	for _, re := range p.ranges {
		s.retry.Insert(re.Range, re.Msg)
	}
	p.ranges = nil
}

// HandleAck applies a decoded Ack frame: expands the wire-truncated
// latest packet number, then walks newest-to-oldest ack/nack blocks
// (spec.md §4.5), acking or nacking each covered packet number.
func (s *Sender) HandleAck(ack wire.Ack, now time.Time) {
	width := uint(16)
	if ack.Wide {
		width = 32
	}
	full, ok := s.stats.ExpandForAck(ack.LatestRecvPktNum, width)
	if !ok {
		return
	}

	// The peer's ack_delay is reported against the newest packet number
	// it is acking (spec.md §4.1 "Ping"); sample it before the in-flight
	// entry for pktNum==full is erased below. The 0xFFFF wire sentinel
	// decodes to HasAckDelay==false and yields no sample.
	if p, ok := s.inFlight.Get(uint64(full)); ok && ack.HasAckDelay {
		s.stats.OnPing(now.Sub(p.sentTs), ack.AckDelay)
	}

	cursor := full + 1
	for _, blk := range ack.Blocks {
		ackEnd := cursor
		ackBegin := ackEnd - int64(blk.AckCount)
		for pn := ackBegin; pn < ackEnd; pn++ {
			if pn > 0 {
				s.onPacketAcked(uint64(pn), now)
			}
		}
		nackEnd := ackBegin
		nackBegin := nackEnd - int64(blk.NackCount)
		for pn := nackBegin; pn < nackEnd; pn++ {
			if pn > 0 {
				s.onPacketNacked(uint64(pn), now)
			}
		}
		cursor = nackBegin
		if cursor <= 0 {
			return
		}
	}

	// Implicit final block: everything older than the oldest explicit
	// block, down to the stop-waiting floor, is acked (spec.md §4.5).
	var below []uint64
	for e := s.inFlight.l.Front(); e != nil; e = e.Next() {
		p := e.Value.(*inFlightPacket)
		if p.pktNum >= uint64(cursor) {
			break
		}
		below = append(below, p.pktNum)
	}
	for _, pn := range below {
		s.onPacketAcked(pn, now)
	}
}

func (s *Sender) onPacketAcked(pktNum uint64, now time.Time) {
	if p, ok := s.inFlight.Get(pktNum); ok {
		s.inFlight.Remove(pktNum)
		for _, re := range p.ranges {
			s.resolveRange(re)
		}
	}
	s.stats.NotifyAcked(int64(pktNum), now)

	if s.haveMinPkt && pktNum == s.minPktWaitingOnAck {
		if next, ok2 := s.inFlight.OldestPacketNum(); ok2 {
			s.minPktWaitingOnAck = next
		} else {
			s.minPktWaitingOnAck = s.stats.PeekNextSendPacketNumber()
		}
	}
}

func (s *Sender) onPacketNacked(pktNum uint64, now time.Time) {
	p, ok := s.inFlight.Get(pktNum)
	if !ok || p.nacked {
		return
	}
	p.nacked = true
	p.nackedTs = now
	for _, re := range p.ranges {
		s.retry.Insert(re.Range, re.Msg)
	}
	p.ranges = nil
}

// resolveRange erases an acked byte range from wherever it sits (spec.md
// §4.3 "the range is erased from wherever it sits") and runs unacked
// cleanup once its message's refcount reaches zero.
func (s *Sender) resolveRange(re retryEntry) {
	s.retry.RemoveCovering(re.Range)
	s.refcount[re.Msg]--
	s.cleanupUnacked()
}

func (s *Sender) cleanupUnacked() {
	for {
		head := s.unacked.Front()
		if head == nil {
			return
		}
		if s.refcount[head] > 0 {
			return
		}
		delete(s.refcount, head)
		delete(s.streamData, head)
		s.unacked.Unlink(head)
		head.Release()
	}
}
