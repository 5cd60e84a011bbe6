package storagenode

import (
	"sync"

	"github.com/NebulousLabs/errors"
	"github.com/dfscore/chunkengine/chunk"
)

// ChunkEvent names one of the three conditions the storage node reports
// upstream: CHUNK_NEW (this node just created or received a part it didn't
// have before), CHUNK_DAMAGED (a part failed CRC or signature verification
// and needs to be dropped from the goal), or CHUNK_LOST (a folder holding
// the part went away entirely).
type ChunkEvent struct {
	ID   chunk.ID
	Part chunk.PartType
	Kind EventKind
	Err  error
}

type EventKind int

const (
	EventNew EventKind = iota
	EventDamaged
	EventLost
)

// EventQueue accumulates chunk events between periodic upstream reports,
// draining them in one batch rather than one round-trip per event.
type EventQueue struct {
	mu     sync.Mutex
	events []ChunkEvent
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue { return &EventQueue{} }

// Push records one event.
func (q *EventQueue) Push(ev ChunkEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

// Drain removes and returns every queued event.
func (q *EventQueue) Drain() []ChunkEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// BatchError composes every error attached to queued damaged/lost events
// into a single reported error, the way REGISTER_CHUNKS failures for a
// whole batch are surfaced as one composed error rather than one callback
// per chunk.
func BatchError(events []ChunkEvent) error {
	var errs []error
	for _, ev := range events {
		if ev.Err != nil {
			errs = append(errs, ev.Err)
		}
	}
	return errors.Compose(errs...)
}

// reportDamaged pushes a damaged-chunk event and deletes the part (its file
// and its folder registration) so it is no longer offered for reads.
func (n *Node) reportDamaged(q *EventQueue, id chunk.ID, pt chunk.PartType, cause error) {
	q.Push(ChunkEvent{ID: id, Part: pt, Kind: EventDamaged, Err: cause})
	_ = n.DeletePart(id, pt)
}
