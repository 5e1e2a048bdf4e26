package transport

import (
	"math/rand"
	"time"
)

// fakeNetwork implements the §6 debug simulation knobs
// (FakePacketLoss/Lag/Reorder/Dup_{Send,Recv}) that the UDP layer applies
// independently of the reliability core — spec.md §1 scopes these to
// "the UDP socket layer", never to the connection itself, which is why
// they live in this package rather than in conn.
type fakeNetwork struct {
	lossPct       float64
	lag           time.Duration
	reorderPct    float64
	reorderWindow time.Duration
	dupPct        float64
	dupWindow     time.Duration

	rng *rand.Rand
}

func newFakeNetwork(lossPct float64, lag time.Duration, reorderPct float64, reorderWindow time.Duration, dupPct float64, dupWindow time.Duration) *fakeNetwork {
	return &fakeNetwork{
		lossPct:       lossPct,
		lag:           lag,
		reorderPct:    reorderPct,
		reorderWindow: reorderWindow,
		dupPct:        dupPct,
		dupWindow:     dupWindow,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// drop reports whether this packet should be silently discarded.
func (f *fakeNetwork) drop() bool {
	return f != nil && f.lossPct > 0 && f.rng.Float64()*100 < f.lossPct
}

// delay returns how long to hold this packet before delivering it: the
// fixed lag, plus an extra reorderWindow-bounded jitter on a random
// fraction of packets (spec.md §6 FakePacketReorder_Time).
func (f *fakeNetwork) delay() time.Duration {
	if f == nil {
		return 0
	}
	d := f.lag
	if f.reorderPct > 0 && f.rng.Float64()*100 < f.reorderPct && f.reorderWindow > 0 {
		d += time.Duration(f.rng.Int63n(int64(f.reorderWindow)))
	}
	return d
}

// dup reports whether a duplicate of this packet should also be
// delivered, and the extra delay (bounded by dupWindow) to hold it.
func (f *fakeNetwork) dup() (bool, time.Duration) {
	if f == nil || f.dupPct <= 0 || f.rng.Float64()*100 >= f.dupPct {
		return false, 0
	}
	if f.dupWindow <= 0 {
		return true, 0
	}
	return true, time.Duration(f.rng.Int63n(int64(f.dupWindow)))
}
