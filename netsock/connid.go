package netsock

import (
	"sync"

	"github.com/opendgram/snp/internal/rng"
)

// recentConnIDRingSize is spec.md §3's "keep 256 most-recent in a ring"
// bound on how long a freed local connection id is avoided before it can
// be handed out again.
const recentConnIDRingSize = 256

// connIDAllocator hands out local connection ids chosen randomly at
// creation (spec.md §3 "Connection": "a small integer... chosen randomly
// at creation, avoiding recent reuse"). It never hands back an id that is
// either currently live (tracked via inUse) or was freed within the last
// recentConnIDRingSize allocations.
type connIDAllocator struct {
	mu      sync.Mutex
	ring    [recentConnIDRingSize]uint32
	ringPos int
	seen    map[uint32]struct{} // mirrors ring's contents for O(1) lookup
	inUse   map[uint32]struct{}
}

func newConnIDAllocator() *connIDAllocator {
	return &connIDAllocator{
		seen:  make(map[uint32]struct{}, recentConnIDRingSize),
		inUse: make(map[uint32]struct{}),
	}
}

// Alloc draws a fresh id from internal/rng, retrying on a collision with
// either a live id or one still sitting in the recent-reuse ring, then
// marks it live.
func (a *connIDAllocator) Alloc() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		id := rng.Uint32()
		if id == 0 {
			continue // 0 is reserved (spec.md §3: ids are nonzero)
		}
		if _, live := a.inUse[id]; live {
			continue
		}
		if _, recent := a.seen[id]; recent {
			continue
		}
		a.inUse[id] = struct{}{}
		return id
	}
}

// Free releases id back into the recent-reuse ring, evicting whichever
// entry the ring's write cursor next overwrites.
func (a *connIDAllocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
	if evicted := a.ring[a.ringPos]; evicted != 0 {
		delete(a.seen, evicted)
	}
	a.ring[a.ringPos] = id
	a.seen[id] = struct{}{}
	a.ringPos = (a.ringPos + 1) % recentConnIDRingSize
}
