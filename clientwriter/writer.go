package clientwriter

import (
	"fmt"
	"time"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/errkind"
	"github.com/dfscore/chunkengine/erasure"
)

// PartLocation names one chain a writer must drive: a part type and the
// address of the storage node currently holding it. A Standard slice
// contributes one PartLocation per copy, all sharing Index 0 but at
// distinct addresses; an XorN or EC(k,m) slice contributes one per data
// and parity index.
type PartLocation struct {
	Part chunk.PartType
	Addr string
}

// Lock is the write-lock token handed back by AcquireWriteLock. It is
// opaque to the writer; only the metadata coordinator interprets it.
type Lock struct {
	ID uint64
}

// LockManager is the seam to the metadata coordinator's locking protocol:
// a write lock is held for the duration of a chain of writes and released
// carrying the authoritative new file length, the same write-end exchange
// described for the mount client's lock discipline.
type LockManager interface {
	AcquireWriteLock(id chunk.ID) (Lock, error)
	ReleaseWriteLock(id chunk.ID, lock Lock, newLength int64) error
}

// Reader is the seam clientwriter uses to pull a stripe's currently-stored
// data blocks when computing parity for a partial write, reusing package
// clientreader's own read path instead of duplicating it.
type Reader interface {
	FetchBlocks(addr string, part chunk.PartType, firstBlock, blockCount int) (data []byte, blockCRCs []uint32, err error)
}

// Options tunes a Writer's window control and retry budget.
type Options struct {
	// WindowSize caps the number of data packets in flight at once across
	// every chain the writer drives.
	WindowSize int
	// MaxRetries bounds how many times a Recoverable failure is retried
	// before errkind.Promote turns it into a terminal Unrecoverable one.
	MaxRetries int
}

var DefaultOptions = Options{WindowSize: 8, MaxRetries: 4}

// Writer buffers dirty bytes for one chunk's target slice, batches them
// into per-stripe operations, computes parity, and drives the resulting
// packets through storagenode-facing chains — the client-side half of the
// write path whose storage-node half is package storagenode's WritePart
// and CreateChunk.
type Writer struct {
	id      chunk.ID
	version chunk.Version
	kind    chunk.SliceKind
	width   int

	targetsByIndex map[int][]string

	dialer Dialer
	reader Reader
	locks  LockManager
	opts   Options

	journal *Journal
	gate    *windowGate
	chains  map[string]*chain

	nextWriteID uint32
	length      int64
	lock        Lock
	locked      bool
}

// NewWriter builds a Writer for one chunk's slice. locations must cover
// every part index the slice kind requires (chunk.SliceKind.PartsInSlice
// entries for XorN/EC, any number of same-index entries for Standard).
func NewWriter(id chunk.ID, version chunk.Version, kind chunk.SliceKind, locations []PartLocation, dialer Dialer, reader Reader, locks LockManager, opts Options) *Writer {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultOptions.WindowSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	byIndex := make(map[int][]string)
	for _, loc := range locations {
		byIndex[loc.Part.Index] = append(byIndex[loc.Part.Index], loc.Addr)
	}
	return &Writer{
		id:             id,
		version:        version,
		kind:           kind,
		width:          stripeWidth(kind),
		targetsByIndex: byIndex,
		dialer:         dialer,
		reader:         reader,
		locks:          locks,
		opts:           opts,
		journal:        newJournal(kind),
		gate:           newWindowGate(opts.WindowSize),
		chains:         make(map[string]*chain),
	}
}

// Open acquires the write lock. It must succeed before Write or Truncate
// is called.
func (w *Writer) Open() error {
	lock, err := w.locks.AcquireWriteLock(w.id)
	if err != nil {
		return errkind.New(errkind.Recoverable, fmt.Errorf("clientwriter: acquire lock for chunk %d: %w", w.id, err))
	}
	w.lock = lock
	w.locked = true
	return nil
}

// Write buffers logical bytes at offset and flushes any stripe that
// becomes completely filled as a result — the common case needs no
// read-back at all, since every data block of the stripe was written by
// this call.
func (w *Writer) Write(offset int64, data []byte) error {
	if !w.locked {
		return errkind.New(errkind.Fatal, fmt.Errorf("clientwriter: write on chunk %d without an open lock", w.id))
	}
	w.journal.AddWrite(offset, data, time.Now())
	if end := offset + int64(len(data)); end > w.length {
		w.length = end
	}
	for _, s := range w.journal.ReadyStripes() {
		if err := w.flushStripe(s); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces every stripe still buffered to be sent, reading back
// whatever data blocks it is missing from their current holders to keep
// parity consistent — used when an explicit fsync is requested, the
// journal's oldest block has aged past a caller-chosen bound, or the
// file is closing.
func (w *Writer) Flush() error {
	for _, s := range w.journal.PendingStripes() {
		if err := w.flushStripe(s); err != nil {
			return err
		}
	}
	return nil
}

// Truncate shrinks (or grows) the chunk to newLength bytes. A shrink that
// lands inside a stripe pads the rest of that one data block with zeros
// (preserving whatever precedes the truncation point) before the stripe's
// parity is recomputed and sent; every stripe entirely beyond newLength is
// dropped from the journal without ever reaching a storage node.
func (w *Writer) Truncate(newLength int64) error {
	if !w.locked {
		return errkind.New(errkind.Fatal, fmt.Errorf("clientwriter: truncate on chunk %d without an open lock", w.id))
	}
	stripeBytes := int64(w.width) * chunk.BlockSize
	stripeIdx := newLength / stripeBytes
	within := newLength % stripeBytes

	dropFrom := stripeIdx
	if within != 0 {
		blockInStripe := within / chunk.BlockSize
		offsetInBlock := within % chunk.BlockSize
		logicalBlock := stripeIdx*int64(w.width) + blockInStripe
		zeros := make([]byte, chunk.BlockSize-int(offsetInBlock))
		w.journal.AddWrite(logicalBlock*chunk.BlockSize+offsetInBlock, zeros, time.Now())
		if err := w.flushStripe(int(stripeIdx)); err != nil {
			return err
		}
		dropFrom = stripeIdx + 1
	}
	for _, s := range w.journal.PendingStripes() {
		if int64(s) >= dropFrom {
			w.journal.Take(s)
		}
	}
	w.length = newLength
	return nil
}

// Close flushes every remaining stripe, sends WRITE_END down every chain
// that was opened, and releases the write lock carrying the writer's
// final known length — the authoritative length the metadata coordinator
// commits, per invariant: a crash before this point leaves the previous
// committed length visible, never a half-written one.
func (w *Writer) Close() error {
	if !w.locked {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	var endErr error
	for _, c := range w.chains {
		if err := c.end(); err != nil && endErr == nil {
			endErr = err
		}
		c.close()
	}
	if endErr != nil {
		return endErr
	}
	if err := w.locks.ReleaseWriteLock(w.id, w.lock, w.length); err != nil {
		return errkind.New(errkind.Recoverable, fmt.Errorf("clientwriter: release lock for chunk %d: %w", w.id, err))
	}
	w.locked = false
	return nil
}

// Abort drops every buffered stripe and closes every chain without
// sending WRITE_END, for a caller that must give up on a write outright
// (an unrecoverable error from any chain).
func (w *Writer) Abort() {
	for _, s := range w.journal.PendingStripes() {
		w.journal.Take(s)
	}
	for _, c := range w.chains {
		c.close()
	}
	w.locked = false
}

func (w *Writer) flushStripe(stripeIndex int) error {
	blocks := w.journal.Take(stripeIndex)
	if len(blocks) == 0 {
		return nil
	}

	// indices names every data part index this stripe touches, in the
	// order computeParity's EC(k,m) path needs its shards in (1-based
	// 1..N for XorN, since index 0 is parity; 0-based 0..k-1 for EC).
	indices := dataPartIndices(w.kind)
	dataBlocks := make(map[int][]byte, len(indices))
	dirty := make(map[int]bool, len(blocks))
	for _, part := range indices {
		b, ok := blocks[part]
		if !ok {
			data, err := w.fetchExisting(part, stripeIndex)
			if err != nil {
				return err
			}
			dataBlocks[part] = data
			continue
		}
		dirty[part] = true
		if !b.Full() {
			if err := w.fillGap(b, part, stripeIndex); err != nil {
				return err
			}
		}
		dataBlocks[part] = b.Data
	}

	for part := range dirty {
		for _, addr := range w.targetsByIndex[part] {
			if err := w.sendBlock(addr, chunk.PartType{Slice: w.kind, Index: part}, stripeIndex, dataBlocks[part]); err != nil {
				return err
			}
		}
	}

	ordered := make([][]byte, len(indices))
	for j, part := range indices {
		ordered[j] = dataBlocks[part]
	}
	parity, err := w.computeParity(ordered)
	if err != nil {
		return err
	}
	for i, idx := range parityPartIndices(w.kind) {
		for _, addr := range w.targetsByIndex[idx] {
			if err := w.sendBlock(addr, chunk.PartType{Slice: w.kind, Index: idx}, stripeIndex, parity[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// fillGap completes a partially-written block by reading the complement
// of its filled range from the block's current holder, the "read any
// missing data blocks of the stripe from their current holders" step of
// parity computation generalized to a block only partially overwritten.
func (w *Writer) fillGap(b *CacheBlock, part, stripeIndex int) error {
	existing, err := w.fetchExisting(part, stripeIndex)
	if err != nil {
		return err
	}
	if b.From > 0 {
		copy(b.Data[0:b.From], existing[0:b.From])
	}
	if b.To < len(b.Data) {
		copy(b.Data[b.To:], existing[b.To:])
	}
	b.From, b.To = 0, len(b.Data)
	return nil
}

func (w *Writer) fetchExisting(part, stripeIndex int) ([]byte, error) {
	addrs := w.targetsByIndex[part]
	if len(addrs) == 0 {
		return nil, errkind.New(errkind.Fatal, fmt.Errorf("clientwriter: no known holder for part index %d", part))
	}
	var lastErr error
	for _, addr := range addrs {
		data, _, err := w.reader.FetchBlocks(addr, chunk.PartType{Slice: w.kind, Index: part}, stripeIndex, 1)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, errkind.New(errkind.Recoverable, fmt.Errorf("clientwriter: read back part index %d stripe %d: %w", part, stripeIndex, lastErr))
}

// computeParity derives a stripe's parity block(s) from its full data
// blocks: the XOR identity for XorN, Reed-Solomon encoding for EC(k,m),
// nothing for Standard.
func (w *Writer) computeParity(full [][]byte) ([][]byte, error) {
	switch {
	case w.kind.IsXor():
		parity := make([]byte, chunk.BlockSize)
		if err := erasure.XORBlocks(parity, full...); err != nil {
			return nil, errkind.New(errkind.Fatal, err)
		}
		return [][]byte{parity}, nil
	case w.kind.IsEC():
		k, m := w.kind.ECParams()
		coder, err := erasure.NewRSCoder(k, m)
		if err != nil {
			return nil, errkind.New(errkind.Fatal, err)
		}
		shards := make([][]byte, k+m)
		copy(shards, full)
		for i := k; i < k+m; i++ {
			shards[i] = make([]byte, chunk.BlockSize)
		}
		if err := coder.Encode(shards); err != nil {
			return nil, errkind.New(errkind.Fatal, err)
		}
		return shards[k:], nil
	default:
		return nil, nil
	}
}

func (w *Writer) sendBlock(addr string, part chunk.PartType, physicalBlock int, data []byte) error {
	return w.withRetry(func() error {
		c, err := w.chainFor(addr, part)
		if err != nil {
			return err
		}
		writeID := w.allocateWriteID()
		w.gate.acquire()
		defer w.gate.release()
		return c.sendData(writeID, uint32(physicalBlock), 0, data)
	})
}

func (w *Writer) chainFor(addr string, part chunk.PartType) (*chain, error) {
	if c, ok := w.chains[addr]; ok {
		return c, nil
	}
	c, err := dialChain(w.dialer, addr, part, w.id, w.version, defaultChainTimeouts)
	if err != nil {
		return nil, err
	}
	w.chains[addr] = c
	return c, nil
}

func (w *Writer) allocateWriteID() uint32 {
	w.nextWriteID++
	if w.nextWriteID == 0 {
		w.nextWriteID = 1 // 0 is reserved for WRITE_INIT/WRITE_END acknowledgements
	}
	return w.nextWriteID
}

// withRetry runs op, retrying with exponential backoff as long as it
// fails Recoverable, and promotes the final failure to Unrecoverable once
// MaxRetries is exhausted. Each retry repeats op against the same chain;
// no other chain of the slice is tried in its place.
func (w *Writer) withRetry(op func() error) error {
	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= w.opts.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if ek, ok := err.(*errkind.Error); !ok || ek.Kind != errkind.Recoverable {
			return err
		}
		if attempt < w.opts.MaxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return errkind.Promote(lastErr)
}
