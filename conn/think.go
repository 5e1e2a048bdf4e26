package conn

import "time"

// earliest returns the earlier of a and b, treating the zero Time as "no
// deadline" rather than "the beginning of time".
func earliest(a, b time.Time) time.Time {
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

// Think implements spec.md §4.6: the per-connection service pass the
// thinker scheduler invokes at the connection's next deadline. It
// satisfies timerqueue.Thinker.
func (c *Connection) Think(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.think(now)
}

func (c *Connection) think(now time.Time) time.Time {
	switch c.state {
	case StateDead:
		if c.OnDestroy != nil {
			c.OnDestroy(c)
		}
		return time.Time{}

	case StateFinWait:
		if now.Sub(c.entryTs) >= c.cfg.FinWaitTimeout {
			c.setState(StateDead, now)
			if c.OnDestroy != nil {
				c.OnDestroy(c)
			}
			return time.Time{}
		}
		return c.entryTs.Add(c.cfg.FinWaitTimeout)

	case StateConnecting, StateFindingRoute:
		return c.thinkHandshaking(now)

	case StateConnected, StateLinger:
		return c.thinkConnected(now)

	default:
		return time.Time{}
	}
}

// thinkHandshaking implements spec.md §4.6 step 3.
func (c *Connection) thinkHandshaking(now time.Time) time.Time {
	if now.Sub(c.entryTs) >= c.cfg.TimeoutInitial {
		c.connectionTimedOut(now)
		return now
	}
	deadline := c.entryTs.Add(c.cfg.TimeoutInitial)
	if c.state == StateConnecting && c.Transport != nil && c.Transport.CanSendConnect() {
		if c.lastSentConnectRequestTs.IsZero() || now.Sub(c.lastSentConnectRequestTs) >= c.cfg.ConnectRetryPeriod {
			c.Transport.SendConnectRequest(now)
			c.lastSentConnectRequestTs = now
		}
		deadline = earliest(deadline, c.lastSentConnectRequestTs.Add(c.cfg.ConnectRetryPeriod))
	}
	return deadline
}

// thinkConnected implements spec.md §4.6 steps 4-5: drive the sender
// pump, transition Linger->FinWait once drained, and run keepalive /
// stats-timeout bookkeeping.
func (c *Connection) thinkConnected(now time.Time) time.Time {
	budget := c.cfg.MTUPacketSize
	if c.crypto != nil {
		budget = c.crypto.MaxPlaintextPayload(c.cfg.MTUPacketSize)
	}

	deadline := c.Send.Think(now, budget, c.ackProvider(now), c.sendPacket)

	if c.state == StateLinger && c.Send.Idle() {
		c.setState(StateFinWait, now)
		return now
	}

	deadline = earliest(deadline, c.Recv.NextDeadline())
	deadline = earliest(deadline, c.thinkKeepalive(now))
	deadline = earliest(deadline, c.entryTs.Add(c.cfg.TimeoutConnected))
	return deadline
}

// sendPacket encrypts one assembled frame payload and hands it to the
// transport, prefixed with its cleartext packet-number bits (spec.md §6).
func (c *Connection) sendPacket(pktNum uint64, payload []byte, hasReliable bool) {
	ciphertext := c.crypto.Seal(pktNum, payload)
	hdr := writePacketNumberPrefix(pktNum, false)
	out := append(hdr, ciphertext...)
	n, err := c.Transport.SendEncryptedChunk(out)
	if err != nil {
		c.Log.Warnf("send failed: %v", err)
		return
	}
	c.Stats.RecordSent(n)
	if hasReliable {
		// A packet carrying reliable data should come back acked; observing
		// that ack doubles as a liveness signal (spec.md §4.3 "State entry
		// on ack", §4.6).
		c.Stats.SetWaitingForAck(int64(pktNum), c.noteAlive)
	}
}

// thinkKeepalive implements spec.md §4.6 step 5: after keepalive_interval
// of no recv, request a stats reply; after reply_timeout with enough
// consecutive misses and TimeoutConnected elapsed with no inbound data,
// time the connection out.
func (c *Connection) thinkKeepalive(now time.Time) time.Time {
	if c.lastRecvTs.IsZero() {
		c.lastRecvTs = c.entryTs
	}
	sinceRecv := now.Sub(c.lastRecvTs)
	if sinceRecv < c.cfg.KeepaliveInterval {
		return c.lastRecvTs.Add(c.cfg.KeepaliveInterval)
	}

	if c.statsRequestedAt.IsZero() || now.Sub(c.statsRequestedAt) >= c.cfg.StatsReplyTimeout {
		if !c.statsRequestedAt.IsZero() {
			c.consecutivePingMisses++
		}
		c.Transport.SendStatsMsg(StatsReplyRequested, now, "keepalive")
		c.statsRequestedAt = now
	}

	threshold := c.cfg.PingMissesOngoing
	if c.state == StateConnecting || c.state == StateFindingRoute {
		threshold = c.cfg.PingMissesInitial
	}
	if threshold > 0 && c.consecutivePingMisses >= threshold && now.Sub(c.entryTs) >= c.cfg.TimeoutConnected {
		c.connectionTimedOut(now)
		return now
	}
	return c.statsRequestedAt.Add(c.cfg.StatsReplyTimeout)
}

// OnStatsReply resets the keepalive-miss counter once any inbound
// traffic (data or a stats reply) is observed.
func (c *Connection) OnStatsReply(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noteAlive(now)
}

func (c *Connection) noteAlive(now time.Time) {
	c.consecutivePingMisses = 0
	c.statsRequestedAt = time.Time{}
	c.lastRecvTs = now
}
