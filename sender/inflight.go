package sender

import (
	"container/list"
	"time"
)

// ByteRange is a half-open [Begin, End) span of the reliable byte stream.
type ByteRange struct {
	Begin, End uint64
}

// Len reports the number of bytes the range covers.
func (r ByteRange) Len() uint64 { return r.End - r.Begin }

// inFlightPacket is one sent packet awaiting ack or nack (spec.md §4.3
// "sender_check_in_flight"). ranges is empty for a pure-ack/stop-waiting
// packet that carried no reliable data.
type inFlightPacket struct {
	pktNum   uint64
	sentTs   time.Time
	ranges   []retryEntry
	nacked   bool
	nackedTs time.Time
}

// inFlightSet tracks in-flight packets in strictly increasing packet-number
// order (true by construction, since packet numbers are assigned
// sequentially on send), backed by container/list so the timeout sweep
// can resume from a cursor instead of rescanning from the head every
// time.
type inFlightSet struct {
	l      *list.List
	byNum  map[uint64]*list.Element
	cursor *list.Element // next candidate for sender_check_in_flight
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{l: list.New(), byNum: make(map[uint64]*list.Element)}
}

func (s *inFlightSet) Insert(p *inFlightPacket) {
	e := s.l.PushBack(p)
	s.byNum[p.pktNum] = e
	if s.cursor == nil {
		s.cursor = e
	}
}

func (s *inFlightSet) Get(pktNum uint64) (*inFlightPacket, bool) {
	e, ok := s.byNum[pktNum]
	if !ok {
		return nil, false
	}
	return e.Value.(*inFlightPacket), true
}

// Remove erases a packet from the set (used on ack).
func (s *inFlightSet) Remove(pktNum uint64) {
	e, ok := s.byNum[pktNum]
	if !ok {
		return
	}
	if s.cursor == e {
		s.cursor = e.Next()
	}
	s.l.Remove(e)
	delete(s.byNum, pktNum)
}

// OldestPacketNum returns the smallest packet number still tracked, or
// (0, false) if the set is empty.
func (s *inFlightSet) OldestPacketNum() (uint64, bool) {
	if s.l.Front() == nil {
		return 0, false
	}
	return s.l.Front().Value.(*inFlightPacket).pktNum, true
}

// CheckTimeouts implements sender_check_in_flight: walks forward from the
// timeout cursor, marking every not-yet-nacked entry whose RTO has
// elapsed, and separately drops nacked entries older than 2*rto to bound
// the map's size. It returns the next RTO deadline, or the zero Time if
// nothing remains to wait on.
func (s *inFlightSet) CheckTimeouts(now time.Time, rto time.Duration, onNack func(p *inFlightPacket)) time.Time {
	for s.cursor != nil {
		p := s.cursor.Value.(*inFlightPacket)
		if p.nacked {
			s.cursor = s.cursor.Next()
			continue
		}
		if now.Sub(p.sentTs) < rto {
			break
		}
		p.nacked = true
		p.nackedTs = now
		onNack(p)
		s.cursor = s.cursor.Next()
	}

	// Expire very-old nacked entries to bound map size.
	for e := s.l.Front(); e != nil; {
		next := e.Next()
		p := e.Value.(*inFlightPacket)
		if p.nacked && now.Sub(p.nackedTs) > 2*rto {
			if s.cursor == e {
				s.cursor = next
			}
			s.l.Remove(e)
			delete(s.byNum, p.pktNum)
		}
		e = next
	}

	for e := s.l.Front(); e != nil; e = e.Next() {
		p := e.Value.(*inFlightPacket)
		if !p.nacked {
			return p.sentTs.Add(rto)
		}
	}
	return time.Time{}
}
