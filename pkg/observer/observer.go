// Package observer turns circuit-usage notifications into the
// simulator's output trace: one per-client buffer of time-ordered
// trace.Entry rows, assembled from dense message ids and stable
// per-exit source ids handed out by a pair of shared, lock-protected
// counters.
//
// Grounded on the original's observer.rs (ClientObserver,
// ExitFingerprintSerializer) and trace.rs (the GlobalCounter pair,
// NEXT_SENDER/NEXT_MESSAGE, get_next/get_next_n contiguous-range
// allocation). The mutex-guarded-struct idiom is kept from the teacher's pkg/guard and pkg/circuit packages built
// earlier in this module.
package observer

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/opd-ai/torsim/pkg/directory"
	"github.com/opd-ai/torsim/pkg/trace"
	"github.com/opd-ai/torsim/pkg/usermodel"
)

// ExitIDRegistry hands out stable, dense u64 ids to exit relay
// fingerprints, assigning a new id the first time a fingerprint is seen
// and returning the same id on every later lookup. Safe for concurrent
// use by every client's observer.
type ExitIDRegistry struct {
	mu     sync.Mutex
	ids    map[string]uint64
	nextID uint64
}

// NewExitIDRegistry returns an empty registry.
func NewExitIDRegistry() *ExitIDRegistry {
	return &ExitIDRegistry{ids: make(map[string]uint64)}
}

// Register returns fingerprint's assigned id, assigning the next
// sequential id if fingerprint has not been seen before.
func (r *ExitIDRegistry) Register(fingerprint string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[fingerprint]; ok {
		return id
	}
	id := r.nextID
	r.ids[fingerprint] = id
	r.nextID++
	return id
}

// RegisterConsensus assigns ids to every exit relay in consensus that
// has not already been registered, in fingerprint order, so that
// registration order (and therefore the resulting ids) is independent
// of map-iteration order across runs with the same consensus.
func (r *ExitIDRegistry) RegisterConsensus(consensus *directory.Consensus) {
	if consensus == nil {
		return
	}
	fps := make([]string, 0, len(consensus.Relays))
	for _, relay := range consensus.Relays {
		if relay.IsExit() {
			fps = append(fps, relay.Fingerprint)
		}
	}
	sort.Strings(fps)
	for _, fp := range fps {
		r.Register(fp)
	}
}

// MessageCounter issues dense, non-overlapping message-id ranges under
// a single critical section, mirroring the original's GlobalCounter.
type MessageCounter struct {
	mu   sync.Mutex
	next uint64
}

// NewMessageCounter returns a counter starting at zero.
func NewMessageCounter() *MessageCounter {
	return &MessageCounter{}
}

// NextN atomically reserves a contiguous range of n ids and returns its
// first value; the reserved range is [first, first+n).
func (c *MessageCounter) NextN(n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.next
	c.next += uint64(n)
	return first
}

// ClientObserver collects one simulated client's circuit_used events
// into a time-ordered buffer of trace rows. Construction order of
// events within a client is timestamp-monotonic because requests are
// dispatched to circuit.Manager.HandleNewEpoch in non-decreasing time
// order, so the buffer never needs re-sorting.
type ClientObserver struct {
	clientID  uint64
	exitIDs   *ExitIDRegistry
	messageID *MessageCounter

	mu      sync.Mutex
	entries []trace.Entry
}

// NewClientObserver returns an observer for clientID, sharing exitIDs
// and messageID with every other client in the run.
func NewClientObserver(clientID uint64, exitIDs *ExitIDRegistry, messageID *MessageCounter) *ClientObserver {
	return &ClientObserver{
		clientID:  clientID,
		exitIDs:   exitIDs,
		messageID: messageID,
	}
}

// CircuitUsed implements circuit.Observer: it serializes one trace.Entry
// per response-packet timestamp on req, all sharing the source id
// assigned to exitFingerprint and a single contiguous range of message
// ids.
func (o *ClientObserver) CircuitUsed(req usermodel.Request, exitFingerprint string) {
	if len(req.PacketTimestamps) == 0 {
		return
	}

	sourceID := o.exitIDs.Register(exitFingerprint)
	firstMessageID := o.messageID.NextN(len(req.PacketTimestamps))

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, ts := range req.PacketTimestamps {
		o.entries = append(o.entries, trace.NewEntry(firstMessageID+uint64(i), sourceID, ts, o.clientID))
	}
}

// Entries returns a snapshot of this client's buffered trace rows, in
// the order they were recorded.
func (o *ClientObserver) Entries() []trace.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]trace.Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// entryHeap is a min-heap of per-client entry slices ordered by the
// current head of each slice, used by MergeOrdered for an in-memory
// k-way merge.
type entryHeap struct {
	heads []trace.Entry
	rest  [][]trace.Entry
}

func (h entryHeap) Len() int { return len(h.heads) }
func (h entryHeap) Less(i, j int) bool {
	a, b := h.heads[i], h.heads[j]
	if !a.SourceTimestamp.Equal(b.SourceTimestamp) {
		return a.SourceTimestamp.Before(b.SourceTimestamp)
	}
	return a.SourceID < b.SourceID
}
func (h entryHeap) Swap(i, j int) {
	h.heads[i], h.heads[j] = h.heads[j], h.heads[i]
	h.rest[i], h.rest[j] = h.rest[j], h.rest[i]
}
func (h *entryHeap) Push(x any) { panic("unused: entryHeap is pre-sized") }
func (h *entryHeap) Pop() any   { panic("unused: entryHeap is pre-sized") }

// MergeOrdered merges per-client trace buffers (each already ordered by
// SourceTimestamp) into a single slice ordered by (SourceTimestamp,
// SourceID), matching spec's ordering guarantee via an in-memory k-way
// merge rather than a flatten-and-sort.
func MergeOrdered(buffers [][]trace.Entry) []trace.Entry {
	total := 0
	h := &entryHeap{}
	for _, buf := range buffers {
		if len(buf) == 0 {
			continue
		}
		total += len(buf)
		h.heads = append(h.heads, buf[0])
		h.rest = append(h.rest, buf[1:])
	}
	heap.Init(h)

	out := make([]trace.Entry, 0, total)
	for h.Len() > 0 {
		out = append(out, h.heads[0])
		if len(h.rest[0]) > 0 {
			h.heads[0] = h.rest[0][0]
			h.rest[0] = h.rest[0][1:]
			heap.Fix(h, 0)
		} else {
			last := h.Len() - 1
			h.Swap(0, last)
			h.heads = h.heads[:last]
			h.rest = h.rest[:last]
			heap.Fix(h, 0)
		}
	}
	return out
}
