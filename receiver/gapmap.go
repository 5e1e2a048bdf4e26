// Package receiver implements C5: the inbound side of one connection —
// the received-packet gap map with ack/nack scheduling, the unreliable
// reassembly map, and the reliable byte-stream buffer with its own gap
// map (spec.md §4.4).
//
// Grounded on stream.go's readBuf *bytes.Buffer reassembly and
// f_ack_idx/wack ack-tracking; the teacher's own stream is strictly
// ordered and windowed and does not reassemble out-of-order byte ranges
// itself, so the gap-map structures here are built from spec.md §4.4's
// stated invariants in the teacher's buffer-plus-cursor style, kept on
// plain sorted slices (see DESIGN.md for why no ordered-map library is
// used).
package receiver

import "time"

// minNonZero returns the earlier of a and b, treating the zero Time as
// "infinity" (no deadline) rather than "the beginning of time" — the
// convention spec.md §4.4 calls usec_when_* == infinity.
func minNonZero(a, b time.Time) time.Time {
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

// recvGap is one as-yet-unfilled span of packet numbers, with the
// ack/nack scheduling metadata spec.md §4.4 attaches to each gap.
type recvGap struct {
	begin, end int64 // [begin, end)

	usecWhenOkToNack time.Time // zero == never due yet
	usecWhenAckPrior time.Time // zero == infinity, inherited from the terminal sentinel at creation
}

// ReceivedPktTrackerConfig bundles the tunables spec.md §6 exposes for
// ack/nack scheduling.
type ReceivedPktTrackerConfig struct {
	MaxGaps         int
	NackFlushDelay  time.Duration
	MaxDataAckDelay time.Duration
}

// ReceivedPktTracker is C5's received-packet record: the highest packet
// number seen, the set of gaps below it still missing, and the pending
// ack/nack deadlines those gaps carry.
type ReceivedPktTracker struct {
	maxRecv          int64
	maxRecvTs        time.Time // when maxRecv was recorded, for the ack-delay field
	minPktToSendAcks int64     // packets below this are forgotten (peer's stop-waiting)
	gaps             []recvGap

	terminalAckPrior time.Time // sentinel for "beyond the newest gap", zero == infinity

	cfg ReceivedPktTrackerConfig
}

func NewReceivedPktTracker(cfg ReceivedPktTrackerConfig) *ReceivedPktTracker {
	if cfg.MaxGaps <= 0 {
		cfg.MaxGaps = 64
	}
	return &ReceivedPktTracker{cfg: cfg}
}

// MaxRecv returns the highest full packet number recorded.
func (t *ReceivedPktTracker) MaxRecv() int64 { return t.maxRecv }

// ForgetBelow applies a peer's stop-waiting: packets at or below pktNum
// are no longer tracked (gaps below it are dropped).
func (t *ReceivedPktTracker) ForgetBelow(pktNum int64) {
	if pktNum <= t.minPktToSendAcks {
		return
	}
	t.minPktToSendAcks = pktNum
	kept := t.gaps[:0]
	for _, g := range t.gaps {
		if g.end <= pktNum {
			continue
		}
		if g.begin < pktNum {
			g.begin = pktNum
		}
		kept = append(kept, g)
	}
	t.gaps = kept
}

// RecordReceivedPkt implements record_received_pkt: updates max_recv and
// the gap map for one newly-seen packet number. It returns false if a
// forward jump would exceed the gap-count policy limit, signaling the
// caller to let the sender retransmit instead of tracking the gap.
func (t *ReceivedPktTracker) RecordReceivedPkt(pktNum int64, now time.Time, scheduleAck bool) bool {
	if pktNum < t.minPktToSendAcks {
		return true
	}

	switch {
	case pktNum == t.maxRecv+1:
		t.maxRecv = pktNum
		t.maxRecvTs = now
		if scheduleAck {
			t.terminalAckPrior = minNonZero(t.terminalAckPrior, now.Add(t.cfg.MaxDataAckDelay))
		}
		return true

	case pktNum > t.maxRecv+1:
		if len(t.gaps) >= t.cfg.MaxGaps {
			return false
		}
		g := recvGap{
			begin:            t.maxRecv + 1,
			end:              pktNum,
			usecWhenAckPrior: t.terminalAckPrior,
		}
		if pktNum < t.maxRecv+3 {
			g.usecWhenOkToNack = now.Add(t.cfg.NackFlushDelay)
		} else {
			g.usecWhenOkToNack = now
		}
		t.gaps = append(t.gaps, g)
		t.maxRecv = pktNum
		t.maxRecvTs = now
		if scheduleAck {
			t.terminalAckPrior = minNonZero(t.terminalAckPrior, now.Add(t.cfg.MaxDataAckDelay))
		}
		return true

	default:
		for i := range t.gaps {
			g := &t.gaps[i]
			if pktNum < g.begin || pktNum >= g.end {
				continue
			}
			switch {
			case pktNum == g.begin:
				g.begin++
			case pktNum == g.end-1:
				g.end--
			default:
				// Split the gap; both halves inherit the original's
				// scheduling metadata.
				tail := recvGap{begin: pktNum + 1, end: g.end, usecWhenOkToNack: g.usecWhenOkToNack, usecWhenAckPrior: g.usecWhenAckPrior}
				g.end = pktNum
				rest := append([]recvGap{}, t.gaps[i+1:]...)
				t.gaps = append(t.gaps[:i+1], tail)
				t.gaps = append(t.gaps, rest...)
			}
			break
		}
		t.eraseEmptyGaps()
		return true
	}
}

func (t *ReceivedPktTracker) eraseEmptyGaps() {
	kept := t.gaps[:0]
	for _, g := range t.gaps {
		if g.begin < g.end {
			kept = append(kept, g)
		}
	}
	t.gaps = kept
}

// NextAckDeadline returns the earliest time an ack is due, or the zero
// Time if none is pending.
func (t *ReceivedPktTracker) NextAckDeadline() time.Time {
	best := t.terminalAckPrior
	for _, g := range t.gaps {
		best = minNonZero(best, g.usecWhenAckPrior)
	}
	return best
}

// NextNackDeadline returns the earliest time a gap becomes eligible to be
// flushed as a nack, or the zero Time if there is no gap.
func (t *ReceivedPktTracker) NextNackDeadline() time.Time {
	var best time.Time
	for _, g := range t.gaps {
		best = minNonZero(best, g.usecWhenOkToNack)
	}
	return best
}

// FlushAllAcks implements queue_flush_all_acks: pulls the terminal
// sentinel down to min(current, byTime) and sweeps backward through the
// gaps so every pending ack deadline is non-decreasing from the oldest
// gap to the terminal sentinel.
func (t *ReceivedPktTracker) FlushAllAcks(byTime time.Time) {
	t.terminalAckPrior = minNonZero(t.terminalAckPrior, byTime)
	last := t.terminalAckPrior
	for i := len(t.gaps) - 1; i >= 0; i-- {
		if t.gaps[i].usecWhenAckPrior.IsZero() || t.gaps[i].usecWhenAckPrior.After(last) {
			t.gaps[i].usecWhenAckPrior = last
		}
		last = t.gaps[i].usecWhenAckPrior
	}
}

// MaxRecvTs reports when the current maxRecv packet arrived; the zero
// Time if nothing has been received yet.
func (t *ReceivedPktTracker) MaxRecvTs() time.Time { return t.maxRecvTs }

// OnAckSent clears the pending ack and nack schedules after an ack frame
// has actually been serialized: every gap the frame reported is
// considered flushed, and new deadlines arm only as further packets
// arrive. Without this the ack deadline would stay in the past and the
// sender pump would emit ack frames every pass.
func (t *ReceivedPktTracker) OnAckSent() {
	t.terminalAckPrior = time.Time{}
	for i := range t.gaps {
		t.gaps[i].usecWhenAckPrior = time.Time{}
		t.gaps[i].usecWhenOkToNack = time.Time{}
	}
}

// AckBlocks builds up to maxBlocks newest-to-oldest (ack_count,
// nack_count) pairs describing the gap map, for wire.Ack.Blocks
// (spec.md §4.5).
func (t *ReceivedPktTracker) AckBlocks(maxBlocks int) []AckRun {
	var blocks []AckRun
	cursor := t.maxRecv + 1
	i := len(t.gaps) - 1
	for len(blocks) < maxBlocks {
		var ackBegin int64
		if i >= 0 {
			ackBegin = t.gaps[i].end
		} else {
			ackBegin = t.minPktToSendAcks
		}
		ackCount := uint64(cursor - ackBegin)
		var nackCount uint64
		nackBegin := ackBegin
		if i >= 0 {
			nackBegin = t.gaps[i].begin
			nackCount = uint64(ackBegin - nackBegin)
		}
		blocks = append(blocks, AckRun{AckCount: ackCount, NackCount: nackCount})
		if i < 0 {
			break
		}
		cursor = nackBegin
		i--
	}
	return blocks
}

// AckRun mirrors wire.AckBlock; kept distinct so this package doesn't
// need to import wire just for a two-field struct used by its own tests.
type AckRun struct {
	AckCount  uint64
	NackCount uint64
}
