package clientwriter

import (
	"time"

	"github.com/dfscore/chunkengine/chunk"
)

// stripeEntry buffers the data blocks of one stripe until they're flushed
// as an operation, the journal-side counterpart of chunk_writer.h's
// Operation (a set of journal positions that together form one stripe).
type stripeEntry struct {
	blocks    map[int]*CacheBlock // data part index -> block
	firstSeen time.Time
}

// Journal buffers dirty blocks by stripe, grouping chunk_writer.h's flat
// journal_ list into per-stripe entries directly since this engine's
// writer never needs to replay the raw insertion order, only "is this
// stripe ready to flush".
type Journal struct {
	kind    chunk.SliceKind
	width   int
	stripes map[int]*stripeEntry
}

func newJournal(kind chunk.SliceKind) *Journal {
	return &Journal{kind: kind, width: stripeWidth(kind), stripes: make(map[int]*stripeEntry)}
}

func (j *Journal) entry(stripeIndex int, now time.Time) *stripeEntry {
	e, ok := j.stripes[stripeIndex]
	if !ok {
		e = &stripeEntry{blocks: make(map[int]*CacheBlock), firstSeen: now}
		j.stripes[stripeIndex] = e
	}
	return e
}

// AddWrite buffers logical bytes [offset, offset+len(data)) into whichever
// stripes and data blocks they fall in, expanding an existing Writable
// block in place when the new range abuts or overlaps it.
func (j *Journal) AddWrite(offset int64, data []byte, now time.Time) {
	pos := 0
	for pos < len(data) {
		block := int(offset) + pos
		logicalBlock := block / chunk.BlockSize
		within := block % chunk.BlockSize
		n := chunk.BlockSize - within
		if n > len(data)-pos {
			n = len(data) - pos
		}

		stripeIndex, physical := stripeOf(j.kind, logicalBlock)
		part := dataPartIndex(j.kind, logicalBlock)
		e := j.entry(stripeIndex, now)
		b, ok := e.blocks[part]
		if !ok {
			b = newCacheBlock(stripeIndex, physical, Writable)
			e.blocks[part] = b
		}
		if !b.Expand(within, within+n, data[pos:pos+n]) {
			// A non-contiguous write into an already-filled range starts a
			// fresh block for the gap; the previous one flushes on its own
			// once the stripe is otherwise complete.
			b = newCacheBlock(stripeIndex, physical, Writable)
			b.Expand(within, within+n, data[pos:pos+n])
			e.blocks[part] = b
		}
		pos += n
	}
}

// ReadyStripes returns, in ascending order, every stripe index whose data
// blocks are completely full and therefore flushable without a read-back.
func (j *Journal) ReadyStripes() []int {
	var out []int
	for idx, e := range j.stripes {
		if len(e.blocks) < j.width {
			continue
		}
		complete := true
		for _, b := range e.blocks {
			if !b.Full() {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, idx)
		}
	}
	sortInts(out)
	return out
}

// OldestAge returns how long the oldest still-buffered stripe has been
// sitting in the journal, used to trigger a flush once it exceeds
// max_age_in_journal even though the stripe is still partial.
func (j *Journal) OldestAge(now time.Time) (time.Duration, bool) {
	var oldest time.Time
	found := false
	for _, e := range j.stripes {
		if !found || e.firstSeen.Before(oldest) {
			oldest = e.firstSeen
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return now.Sub(oldest), true
}

// PendingStripes returns every stripe index currently buffered, whether or
// not it is complete, in ascending order — the set a forced flush (close,
// explicit fsync, or max_age_in_journal) must drain.
func (j *Journal) PendingStripes() []int {
	out := make([]int, 0, len(j.stripes))
	for idx := range j.stripes {
		out = append(out, idx)
	}
	sortInts(out)
	return out
}

// Take removes and returns a stripe's buffered blocks, keyed by part index.
// Only parts that received a write are in the map.
func (j *Journal) Take(stripeIndex int) map[int]*CacheBlock {
	e, ok := j.stripes[stripeIndex]
	if !ok {
		return nil
	}
	delete(j.stripes, stripeIndex)
	return e.blocks
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for k := i; k > 0 && s[k-1] > s[k]; k-- {
			s[k-1], s[k] = s[k], s[k-1]
		}
	}
}
