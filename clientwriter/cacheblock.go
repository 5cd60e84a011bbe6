// Package clientwriter implements the client-side chunk write journal: it
// buffers dirty bytes per chunk, batches them into per-stripe operations,
// computes XOR or Reed-Solomon parity on the fly, sends chained writes to
// storage nodes with window control and write_id tracking, and classifies
// every failure as recoverable or unrecoverable for the caller's retry
// loop.
package clientwriter

import "github.com/dfscore/chunkengine/chunk"

// BlockType classifies one cached block, mirroring write_cache_block.h's
// WriteCacheBlock::Type.
type BlockType int

const (
	// Writable is a normal block still being filled by client writes.
	Writable BlockType = iota
	// ReadOnly is a Writable block handed to the writer for sending; it
	// must not be expanded any further.
	ReadOnly
	// Parity is a computed parity block for one stripe.
	Parity
	// Read is a block fetched from a storage node solely to compute a
	// stripe's parity; it is never sent back out.
	Read
)

func (t BlockType) String() string {
	switch t {
	case Writable:
		return "writable"
	case ReadOnly:
		return "read-only"
	case Parity:
		return "parity"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// CacheBlock is one block-sized unit of the write journal: a physical
// block belonging to one data part (or its parity), possibly only
// partially filled. [From, To) is the filled byte range; an empty block
// has From > To.
type CacheBlock struct {
	StripeIndex int
	BlockIndex  int // physical block index within its part
	From, To    int
	Type        BlockType
	Data        []byte // always chunk.BlockSize long
}

func newCacheBlock(stripeIndex, blockIndex int, t BlockType) *CacheBlock {
	return &CacheBlock{
		StripeIndex: stripeIndex,
		BlockIndex:  blockIndex,
		From:        chunk.BlockSize,
		To:          0,
		Type:        t,
		Data:        make([]byte, chunk.BlockSize),
	}
}

// Expand writes buffer[0:to-from] into the block's [from,to) range,
// provided the block is still Writable and the new range overlaps or
// directly abuts whatever is already filled — the same in-place growth
// chunk_writer.h's Operation::expand performs so a run of small sequential
// writes collapses into one packet instead of many.
func (b *CacheBlock) Expand(from, to int, buffer []byte) bool {
	if b.Type != Writable {
		return false
	}
	if from < 0 || to > len(b.Data) || from > to {
		return false
	}
	empty := b.From > b.To
	if !empty && (from > b.To || to < b.From) {
		return false
	}
	copy(b.Data[from:to], buffer)
	if empty || from < b.From {
		b.From = from
	}
	if empty || to > b.To {
		b.To = to
	}
	return true
}

// Full reports whether every byte of the block has been written.
func (b *CacheBlock) Full() bool { return b.From == 0 && b.To == len(b.Data) }

// Empty reports whether no byte of the block has been written.
func (b *CacheBlock) Empty() bool { return b.From > b.To }
