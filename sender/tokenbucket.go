package sender

import "time"

// Rate bounds and burst clamp (spec.md §4.3 "Token bucket").
const (
	minRateBytesPerSec = 1024              // 1 KiB/s
	maxRateBytesPerSec = 100 * 1024 * 1024 // 100 MiB/s

	// maxBurstBytes is the single-burst overage the bucket is clamped to
	// whenever the send queue is empty, analogous to the teacher pack's
	// own notion of one max-size encrypted payload worth of credit.
	maxBurstBytes = 1300
)

// tokenBucket is the sender's byte-rate pacer: tokens accrue at rate
// bytes/sec and are spent per byte sent; a negative balance means "must
// wait" (spec.md §4.3).
type tokenBucket struct {
	tokens     float64
	rate       float64
	lastUpdate time.Time
}

func newTokenBucket(rateBps float64, now time.Time) *tokenBucket {
	return &tokenBucket{rate: clampRate(rateBps), lastUpdate: now}
}

func clampRate(rate float64) float64 {
	switch {
	case rate < minRateBytesPerSec:
		return minRateBytesPerSec
	case rate > maxRateBytesPerSec:
		return maxRateBytesPerSec
	default:
		return rate
	}
}

// SetRate updates the bucket's rate, clamped to [min_rate, max_rate].
func (b *tokenBucket) SetRate(rate float64) { b.rate = clampRate(rate) }

// Accumulate adds tokens for the elapsed time since the last call, then
// clamps to the burst ceiling if the send queue is currently empty
// (spec.md §4.3: "Clamp to a single burst overage ... whenever the queue
// is empty").
func (b *tokenBucket) Accumulate(now time.Time, queueEmpty bool) {
	if elapsed := now.Sub(b.lastUpdate).Seconds(); elapsed > 0 {
		b.tokens += b.rate * elapsed
	}
	b.lastUpdate = now
	if queueEmpty && b.tokens > maxBurstBytes {
		b.tokens = maxBurstBytes
	}
}

// Spend subtracts n bytes from the balance after a packet is sent.
func (b *tokenBucket) Spend(n int) { b.tokens -= float64(n) }

// Ready reports whether the bucket currently allows sending.
func (b *tokenBucket) Ready() bool { return b.tokens >= 0 }

// EarliestSend returns the time at which the balance will reach zero at
// the current rate (spec.md §4.3 "earliest-send time"), or the zero Time
// when tokens are non-negative and no pacing wait is needed.
func (b *tokenBucket) EarliestSend(now time.Time) time.Time {
	if b.tokens >= 0 {
		return time.Time{}
	}
	waitSeconds := -b.tokens / b.rate
	return now.Add(time.Duration(waitSeconds * float64(time.Second)))
}

// Penalize is invoked when a single think pass has built the per-think
// packet cap's worth of packets; it forces a roughly 1ms pause rather
// than letting the bucket drain the whole queue in one call (spec.md
// §4.6 "Bound per-think packets at 16; if exceeded, set tokens <- rate *
// -0.5ms and wake again in ~1ms").
func (b *tokenBucket) Penalize(now time.Time) time.Time {
	b.tokens = b.rate * -0.0005
	return now.Add(time.Millisecond)
}
