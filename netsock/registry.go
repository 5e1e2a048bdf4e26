// Package netsock implements C8 (Listen Socket / Pair) and the §9
// "raw-pointer back-references -> handle-based indirection" redesign: the
// process-wide connection/listen-socket/poll-group tables become slab
// tables keyed by a generation-counted handle instead of a raw pointer, so
// a poll group's weak reference to a child connection can be checked for
// staleness on every dereference instead of dangling.
//
// Grounded on client2/connection.go's map-based client/provider
// bookkeeping and on spec.md §9's explicit redesign note.
package netsock

import (
	"errors"
	"sync"

	"github.com/opendgram/snp/internal/timerqueue"
)

var (
	ErrClosed      = errors.New("netsock: handle table entry already removed")
	ErrStaleHandle = errors.New("netsock: handle generation mismatch (use-after-remove)")
	ErrNotFound    = errors.New("netsock: no entry for handle")
)

// Handle is a slab-table reference: Index selects a slot, Gen must match
// the slot's current generation or the reference is stale (spec.md §9).
type Handle struct {
	Index uint32
	Gen   uint32
}

// slab is a generic generation-counted slot table. Removed slots are
// pushed onto a freelist and reused, bumping Gen so old Handles fail.
type slab[T any] struct {
	mu       sync.RWMutex
	slots    []slabSlot[T]
	freelist []uint32
}

type slabSlot[T any] struct {
	gen      uint32
	occupied bool
	value    T
}

func newSlab[T any]() *slab[T] {
	return &slab[T]{}
}

// Insert reserves a slot, returning the Handle for it.
func (s *slab[T]) Insert(v T) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.freelist); n > 0 {
		idx := s.freelist[n-1]
		s.freelist = s.freelist[:n-1]
		slot := &s.slots[idx]
		slot.occupied = true
		slot.value = v
		return Handle{Index: idx, Gen: slot.gen}
	}
	s.slots = append(s.slots, slabSlot[T]{gen: 1, occupied: true, value: v})
	return Handle{Index: uint32(len(s.slots) - 1), Gen: 1}
}

// Get dereferences a Handle, failing if the slot was removed and possibly
// reused (generation mismatch) or never existed.
func (s *slab[T]) Get(h Handle) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if int(h.Index) >= len(s.slots) {
		return zero, ErrNotFound
	}
	slot := &s.slots[h.Index]
	if !slot.occupied {
		return zero, ErrClosed
	}
	if slot.gen != h.Gen {
		return zero, ErrStaleHandle
	}
	return slot.value, nil
}

// Remove frees the slot and bumps its generation so stale Handles are
// rejected on future Get calls.
func (s *slab[T]) Remove(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(h.Index) >= len(s.slots) {
		return ErrNotFound
	}
	slot := &s.slots[h.Index]
	if !slot.occupied || slot.gen != h.Gen {
		return ErrStaleHandle
	}
	slot.occupied = false
	var zero T
	slot.value = zero
	slot.gen++
	s.freelist = append(s.freelist, h.Index)
	return nil
}

// Each calls fn for every occupied slot's current handle and value. fn
// must not call back into Insert/Remove on this slab.
func (s *slab[T]) Each(fn func(Handle, T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.slots {
		if s.slots[i].occupied {
			fn(Handle{Index: uint32(i), Gen: s.slots[i].gen}, s.slots[i].value)
		}
	}
}

// Registry is the process-wide table set spec.md §5 says is guarded by
// "the global lock": the active-connection table, the active-listen-
// socket table, and the poll-group table. One Registry is meant to be
// shared by every connection/listener/poll-group constructed in a
// process; its mutex plays the role of spec.md §5's global lock for
// table mutation (object-level mutation is each owner's own concern).
type Registry struct {
	conns      *slab[*ConnEntry]
	listeners  *slab[*Listener]
	pollGroups *slab[*PollGroup]

	// scheduler is C9's thinker scheduler (internal/timerqueue): the min-
	// heap a Service goroutine drains so every tracked connection's Think
	// runs at its next deadline without a caller-driven loop (spec.md §2,
	// §4.6).
	scheduler *timerqueue.Queue
	// wake nudges a Service's loop early when track schedules a deadline
	// that may be earlier than whatever the loop is currently sleeping on.
	wake chan struct{}

	connIDs *connIDAllocator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:      newSlab[*ConnEntry](),
		listeners:  newSlab[*Listener](),
		pollGroups: newSlab[*PollGroup](),
		scheduler:  timerqueue.New(),
		wake:       make(chan struct{}, 1),
		connIDs:    newConnIDAllocator(),
	}
}

// AllocLocalConnID draws a fresh local connection id (spec.md §3), wired
// through internal/rng's CSPRNG with the 256-entry recent-reuse ring.
func (reg *Registry) AllocLocalConnID() uint32 {
	return reg.connIDs.Alloc()
}

func (reg *Registry) nudge() {
	select {
	case reg.wake <- struct{}{}:
	default:
	}
}
