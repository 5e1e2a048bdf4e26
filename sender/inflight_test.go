package sender

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInFlightSetInsertGetRemove(t *testing.T) {
	s := newInFlightSet()
	now := time.Now()
	s.Insert(&inFlightPacket{pktNum: 1, sentTs: now})
	s.Insert(&inFlightPacket{pktNum: 2, sentTs: now})

	p, ok := s.Get(1)
	require.True(t, ok)
	require.EqualValues(t, 1, p.pktNum)

	oldest, ok := s.OldestPacketNum()
	require.True(t, ok)
	require.EqualValues(t, 1, oldest)

	s.Remove(1)
	_, ok = s.Get(1)
	require.False(t, ok)
	oldest, ok = s.OldestPacketNum()
	require.True(t, ok)
	require.EqualValues(t, 2, oldest)
}

func TestInFlightSetOldestPacketNumEmpty(t *testing.T) {
	s := newInFlightSet()
	_, ok := s.OldestPacketNum()
	require.False(t, ok)
}

func TestCheckTimeoutsMarksNackedAfterRTO(t *testing.T) {
	s := newInFlightSet()
	now := time.Now()
	rto := 100 * time.Millisecond

	var nacked []uint64
	s.Insert(&inFlightPacket{pktNum: 1, sentTs: now})
	s.Insert(&inFlightPacket{pktNum: 2, sentTs: now.Add(50 * time.Millisecond)})

	deadline := s.CheckTimeouts(now.Add(120*time.Millisecond), rto, func(p *inFlightPacket) {
		nacked = append(nacked, p.pktNum)
	})

	require.Equal(t, []uint64{1}, nacked)
	require.False(t, deadline.IsZero())
	require.Equal(t, now.Add(50*time.Millisecond).Add(rto), deadline)
}

func TestCheckTimeoutsExpiresOldNackedEntries(t *testing.T) {
	s := newInFlightSet()
	now := time.Now()
	rto := 100 * time.Millisecond

	s.Insert(&inFlightPacket{pktNum: 1, sentTs: now})
	s.CheckTimeouts(now.Add(rto), rto, func(*inFlightPacket) {})
	_, ok := s.Get(1)
	require.True(t, ok) // nacked, but not yet old enough to expire

	s.CheckTimeouts(now.Add(3*rto+time.Millisecond), rto, func(*inFlightPacket) {})
	_, ok = s.Get(1)
	require.False(t, ok)
}

func TestByteRangeLen(t *testing.T) {
	r := ByteRange{Begin: 10, End: 25}
	require.EqualValues(t, 15, r.Len())
}
