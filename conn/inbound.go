package conn

import (
	"errors"
	"time"

	"github.com/opendgram/snp/receiver"
	"github.com/opendgram/snp/wire"
)

// ErrTruncatedPacket names the case of a datagram too short to even carry
// a packet-number prefix. ProcessInbound does not return it: such a
// datagram is dropped silently, per spec.md §7's drop-silently policy.
var ErrTruncatedPacket = errors.New("conn: packet shorter than its packet-number prefix")

// maxRecvGapFatal bounds a forward jump in the received packet-number
// sequence (spec.md §6: "max_recv-gap > 0x4000 is fatal -> Misc_Generic").
const maxRecvGapFatal = 0x4000

// ProcessInbound implements the receive half of spec.md §2's control
// flow: expand the wire packet number, decrypt, run the frame codec, and
// fold the result into the receiver and sender state. Decrypt failures,
// unrecognized frame bits, and reassembly overflows are dropped silently
// per spec.md §7 and never return an error to the caller — only a
// protocol-rule violation (reserved header bit, a packet-number lurch)
// transitions the connection to ProblemDetectedLocally.
func (c *Connection) ProcessInbound(raw []byte, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead || c.state == StateFinWait {
		return
	}

	wireBits, rest, ok := readPacketNumberPrefix(raw, false)
	if !ok {
		return
	}
	full, ok := c.Stats.ExpandForRecv(wireBits, 16)
	if !ok {
		return
	}
	c.Stats.RecordRecvRaw(len(raw))

	if gap := full - c.Stats.MaxRecvPacketNumber(); gap > maxRecvGapFatal {
		c.problemDetectedLocally(EndMiscGeneric, "packet number lurch exceeds sanity bound", now)
		return
	}

	plaintext, err := c.crypto.Open(uint64(full), rest)
	if err != nil {
		return
	}

	frames, err := wire.Decode(plaintext)
	if err != nil {
		// Unrecognized frame bits drop silently; a malformed frame from a
		// peer that did authenticate is a protocol violation (spec.md §7).
		if !errors.Is(err, wire.ErrUnknownFrame) && !errors.Is(err, wire.ErrTruncated) {
			c.problemDetectedLocally(EndMiscGeneric, "invalid frame grammar: "+err.Error(), now)
		}
		return
	}

	ackable := true
	ackEliciting := false
	for _, f := range frames {
		switch fr := f.(type) {
		case wire.StopWaiting:
			// The frame carries the offset from the packet that carried it
			// (spec.md §4.5); stale values resolve below the current trim
			// point and are silently ignored by ForgetBelow.
			if trim := full - int64(fr.Offset) - 1; trim > 0 {
				c.Recv.ForgetBelow(trim)
			}

		case wire.Ack:
			c.Send.HandleAck(fr, now)

		case wire.ReliableSegment:
			ackEliciting = true
			result, msgs := c.Recv.HandleReliableSegment(fr)
			for _, m := range msgs {
				c.deliver(m, now)
			}
			switch result {
			case receiver.ReliableReject:
				ackable = false
			case receiver.ReliableFailHard:
				c.problemDetectedLocally(EndMiscGeneric, "reliable stream framing violation", now)
				return
			}

		case wire.UnreliableSegment:
			ackEliciting = true
			if m := c.Recv.HandleUnreliableSegment(fr); m != nil {
				c.deliver(m, now)
			}
		}
	}

	// Pure-ack packets are recorded (they consume packet numbers and may
	// expose gaps) but never schedule an ack of their own, which would
	// ping-pong acks between idle peers forever.
	c.Stats.RecordRecvPacketNumber(full)
	c.Recv.RecordReceivedPkt(full, now, ackable && ackEliciting)
	c.noteAlive(now)
}
