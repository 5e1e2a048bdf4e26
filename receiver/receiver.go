package receiver

import (
	"time"

	"github.com/opendgram/snp/message"
	"github.com/opendgram/snp/wire"
)

// Config bundles every tunable spec.md §4.4/§6 exposes for one
// connection's receive side.
type Config struct {
	Pkt        ReceivedPktTrackerConfig
	Stream     ReliableStreamConfig
	Unreliable UnreliableReassemblerConfig
}

// Receiver is C5 in full: the received-packet gap/ack tracker, the
// reliable byte-stream reassembler, and the unreliable-segment
// reassembly map, composed the way spec.md §3/§4.4 describes them as one
// connection's receive-side state.
type Receiver struct {
	Pkts   *ReceivedPktTracker
	Stream *ReliableStream
	Unrel  *UnreliableReassembler
}

func New(cfg Config) *Receiver {
	return &Receiver{
		Pkts:   NewReceivedPktTracker(cfg.Pkt),
		Stream: NewReliableStream(cfg.Stream),
		Unrel:  NewUnreliableReassembler(cfg.Unreliable),
	}
}

// HandleReliableSegment folds one decoded reliable frame into the stream
// buffer and returns any newly-completed messages, ready to append to the
// connection's receive queue.
func (r *Receiver) HandleReliableSegment(seg wire.ReliableSegment) (ReliableResult, []*message.Message) {
	result, msgs := r.Stream.RecvReliable(seg.StreamBegin, seg.Data)
	if len(msgs) == 0 {
		return result, nil
	}
	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = &message.Message{
			MsgNum:            m.MsgNum,
			Flags:             message.FlagReliable,
			Payload:           m.Payload,
			ReliableStreamPos: seg.StreamBegin,
		}
	}
	return result, out
}

// HandleUnreliableSegment folds one decoded unreliable frame into the
// reassembly map, taking the zero-copy fast path spec.md §4.4 describes
// for a single-fragment message (offset 0, is_last). It returns the
// completed message, or nil if reassembly is still pending.
func (r *Receiver) HandleUnreliableSegment(seg wire.UnreliableSegment) *message.Message {
	if seg.Offset == 0 && seg.IsLast {
		payload := make([]byte, len(seg.Data))
		copy(payload, seg.Data)
		return &message.Message{MsgNum: seg.MsgNum, Payload: payload}
	}
	payload := r.Unrel.RecvUnreliable(seg.MsgNum, seg.Offset, seg.Data, seg.IsLast)
	if payload == nil {
		return nil
	}
	return &message.Message{MsgNum: seg.MsgNum, Payload: payload}
}

// RecordReceivedPkt updates the received-packet gap map for one newly
// decrypted-and-decoded packet. Returns false if the caller should drop
// the packet without acking (gap-count policy limit hit).
func (r *Receiver) RecordReceivedPkt(pktNum int64, now time.Time, scheduleAck bool) bool {
	return r.Pkts.RecordReceivedPkt(pktNum, now, scheduleAck)
}

// ForgetBelow applies a peer's stop-waiting frame to both the
// received-packet gap map (spec.md §4.4) and, implicitly, bounds which
// in-flight state the sender side still needs to track.
func (r *Receiver) ForgetBelow(pktNum int64) {
	r.Pkts.ForgetBelow(pktNum)
}

// BuildAck assembles an Ack frame reporting up to maxBlocks gap runs,
// newest to oldest, for the caller to hand to wire.Encoder.WriteAck. The
// ack-delay field is the time elapsed since the newest packet arrived,
// the value the peer subtracts from its measured round trip (spec.md
// §4.1 "Ping").
func (r *Receiver) BuildAck(now time.Time, wide bool, maxBlocks int) wire.Ack {
	blocks := r.Pkts.AckBlocks(maxBlocks)
	wireBlocks := make([]wire.AckBlock, len(blocks))
	for i, b := range blocks {
		wireBlocks[i] = wire.AckBlock{AckCount: b.AckCount, NackCount: b.NackCount}
	}
	latest := uint64(r.Pkts.MaxRecv())
	if !wide {
		latest &= 0xFFFF
	} else {
		latest &= 0xFFFFFFFF
	}
	ack := wire.Ack{LatestRecvPktNum: latest, Wide: wide, Blocks: wireBlocks}
	if ts := r.Pkts.MaxRecvTs(); !ts.IsZero() {
		ack.AckDelay = now.Sub(ts)
		ack.HasAckDelay = true
	}
	return ack
}

// OnAckSent clears the ack/nack flush schedule once a built ack has been
// serialized into an outgoing packet.
func (r *Receiver) OnAckSent() {
	r.Pkts.OnAckSent()
}

// AckDue reports whether an ack flush is currently pending.
func (r *Receiver) AckDue(now time.Time) bool {
	d := r.Pkts.NextAckDeadline()
	return !d.IsZero() && !d.After(now)
}

// NackDue reports whether a nack flush is currently pending.
func (r *Receiver) NackDue(now time.Time) bool {
	d := r.Pkts.NextNackDeadline()
	return !d.IsZero() && !d.After(now)
}

// NextDeadline is the earliest of the pending ack/nack flush times, or
// the zero Time if neither is pending.
func (r *Receiver) NextDeadline() time.Time {
	ack := r.Pkts.NextAckDeadline()
	nack := r.Pkts.NextNackDeadline()
	return minNonZero(ack, nack)
}
