package sender

import (
	"sort"

	"github.com/opendgram/snp/message"
)

// retryEntry is one reliable byte-range due for retransmission, still
// attributed to the message it came from so retransmitted bytes can be
// located without re-reading the whole stream buffer.
type retryEntry struct {
	Range ByteRange
	Msg   *message.Message
}

// retrySet holds ranges moved out of in-flight by a nack, kept sorted by
// stream position so packets retransmit the oldest outstanding data
// first (spec.md §4.3 "Reliable retry segments ... in order of stream
// position").
type retrySet struct {
	entries []retryEntry
}

func newRetrySet() *retrySet { return &retrySet{} }

func (s *retrySet) Insert(r ByteRange, msg *message.Message) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Range.Begin >= r.Begin })
	s.entries = append(s.entries, retryEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = retryEntry{Range: r, Msg: msg}
}

// RemoveCovering removes (and returns) every retry-ready range that
// overlaps r — used when an ack covers bytes that were also sitting in
// retry_ready.
func (s *retrySet) RemoveCovering(r ByteRange) []retryEntry {
	var removed []retryEntry
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Range.Begin < r.End && r.Begin < e.Range.End {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// Front returns the oldest (lowest stream position) retry-ready entry,
// without removing it.
func (s *retrySet) Front() (retryEntry, bool) {
	if len(s.entries) == 0 {
		return retryEntry{}, false
	}
	return s.entries[0], true
}

// PopFront removes and returns the oldest retry-ready entry.
func (s *retrySet) PopFront() (retryEntry, bool) {
	if len(s.entries) == 0 {
		return retryEntry{}, false
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	return e, true
}

func (s *retrySet) Empty() bool { return len(s.entries) == 0 }
