package receiver

import "sort"

// unreliableSeg is one received fragment of an in-progress unreliable
// message (spec.md §3 "Unreliable reassembly map").
type unreliableSeg struct {
	offset uint64
	isLast bool
	data   []byte
}

type pendingMsg struct {
	msgNum    uint64
	segs      []unreliableSeg
	total     int // declared total size, known once the is_last segment arrives
	haveTotal bool
}

// UnreliableReassemblerConfig bundles spec.md §4.4/§6's tunables for the
// unreliable reassembly map.
type UnreliableReassemblerConfig struct {
	MaxBufferedSegments int
}

// UnreliableReassembler implements recv_unreliable (spec.md §4.4): a
// bounded map of (msg_num, offset) -> fragment, evicted oldest-first on
// overflow, delivering a message only once a contiguous [0, total) cover
// is present.
type UnreliableReassembler struct {
	pending map[uint64]*pendingMsg
	order   []uint64 // insertion order of msgNums currently tracked, oldest first
	cfg     UnreliableReassemblerConfig

	segmentCount int

	// OnEvictWarning, if set, is called when a segment is evicted to make
	// room and the evicted message is >= the message currently being
	// inserted (spec.md §4.4: "warn if evicting >= the current msg_num").
	OnEvictWarning func(evictedMsgNum, currentMsgNum uint64)
}

func NewUnreliableReassembler(cfg UnreliableReassemblerConfig) *UnreliableReassembler {
	if cfg.MaxBufferedSegments <= 0 {
		cfg.MaxBufferedSegments = 2048
	}
	return &UnreliableReassembler{
		pending: make(map[uint64]*pendingMsg),
		cfg:     cfg,
	}
}

// RecvUnreliable folds one unreliable segment into the reassembly state.
// The fast path (offset==0 && isLast) is handled by the caller before
// ever calling this (spec.md §4.4); this method handles the general,
// multi-fragment case.
func (u *UnreliableReassembler) RecvUnreliable(msgNum, offset uint64, data []byte, isLast bool) []byte {
	pm, ok := u.pending[msgNum]
	if !ok {
		u.evictIfFull(msgNum)
		pm = &pendingMsg{msgNum: msgNum}
		u.pending[msgNum] = pm
		u.order = append(u.order, msgNum)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	pm.segs = append(pm.segs, unreliableSeg{offset: offset, isLast: isLast, data: cp})
	u.segmentCount++
	if isLast {
		pm.total = int(offset) + len(data)
		pm.haveTotal = true
	}

	if !pm.haveTotal {
		return nil
	}

	sort.Slice(pm.segs, func(i, j int) bool { return pm.segs[i].offset < pm.segs[j].offset })

	cursor := 0
	for _, s := range pm.segs {
		if int(s.offset) > cursor {
			return nil // gap remains
		}
		end := int(s.offset) + len(s.data)
		if end > cursor {
			cursor = end
		}
	}
	if cursor < pm.total {
		return nil
	}

	out := make([]byte, pm.total)
	for _, s := range pm.segs {
		copy(out[s.offset:], s.data)
	}
	u.erase(msgNum)
	return out
}

// evictIfFull drops the oldest tracked message if the segment-count
// policy limit has been reached, warning if it evicts a message at or
// beyond the one currently being inserted.
func (u *UnreliableReassembler) evictIfFull(currentMsgNum uint64) {
	for u.segmentCount+1 > u.cfg.MaxBufferedSegments && len(u.order) > 0 {
		oldest := u.order[0]
		if oldest >= currentMsgNum && u.OnEvictWarning != nil {
			u.OnEvictWarning(oldest, currentMsgNum)
		}
		u.erase(oldest)
	}
}

func (u *UnreliableReassembler) erase(msgNum uint64) {
	pm, ok := u.pending[msgNum]
	if !ok {
		return
	}
	u.segmentCount -= len(pm.segs)
	delete(u.pending, msgNum)
	for i, n := range u.order {
		if n == msgNum {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
}

// BufferedSegments reports the current total fragment count across all
// in-progress messages, for diagnostics/tests.
func (u *UnreliableReassembler) BufferedSegments() int { return u.segmentCount }
