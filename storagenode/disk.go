package storagenode

import (
	"fmt"
	"sync"
	"time"

	"github.com/NebulousLabs/demotemutex"
	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/syncutil"
)

// statsWindow is how long the rolling I/O stats buffer covers, matching the
// 24-hour damage-detection window.
const statsWindow = 24 * time.Hour

// statsBuckets is the resolution of the rolling buffer: one bucket per
// hour, evicted as the window slides.
const statsBuckets = 24

// ioErrorRingSize bounds how many recent I/O errors a Folder remembers
// before it is marked damaged outright.
const ioErrorRingSize = 16

// Folder is one storage directory a node manages: a path, a capacity, and
// the chunk parts currently stored there.
type Folder struct {
	Path       string
	TotalBytes int64

	mu         sync.Mutex
	usedBytes  int64
	parts      map[partKey]*partEntry
	statBucket [statsBuckets]folderStatBucket
	bucketTime time.Time
	errRing    []error
	damaged    bool
}

type partKey struct {
	ID    chunk.ID
	Index int
	Kind  string // SliceKind.String(), since SliceKind is not itself comparable-by-value-friendly as a map key across EC params collisions
}

func keyFor(id chunk.ID, pt chunk.PartType) partKey {
	return partKey{ID: id, Index: pt.Index, Kind: pt.Slice.String()}
}

type partEntry struct {
	PartType   chunk.PartType
	Version    chunk.Version
	Layout     Layout
	SizeOnDisk int64
	// CRC is the CRC-32 of the region written by the last write at offset
	// 0, or zero once a write lands at any other offset (see updateCRC).
	CRC uint32
}

type folderStatBucket struct {
	reads, writes int64
	errors        int64
}

// NewFolder registers a storage folder with the given byte capacity.
func NewFolder(path string, totalBytes int64) *Folder {
	return &Folder{
		Path:       path,
		TotalBytes: totalBytes,
		parts:      make(map[partKey]*partEntry),
	}
}

// FreeBytes reports remaining capacity.
func (f *Folder) FreeBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TotalBytes - f.usedBytes
}

// UsedBytes reports consumed capacity.
func (f *Folder) UsedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usedBytes
}

// IsDamaged reports whether this folder has accumulated enough I/O errors to
// be taken out of service.
func (f *Folder) IsDamaged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.damaged
}

// RegisterPart records that a chunk part of the given size now lives on
// this folder, charging its space against capacity.
func (f *Folder) RegisterPart(id chunk.ID, pt chunk.PartType, version chunk.Version, layout Layout, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usedBytes+size > f.TotalBytes {
		return fmt.Errorf("storagenode: folder %s out of space", f.Path)
	}
	f.parts[keyFor(id, pt)] = &partEntry{PartType: pt, Version: version, Layout: layout, SizeOnDisk: size}
	f.usedBytes += size
	return nil
}

// UnregisterPart removes a chunk part's bookkeeping and frees its space.
func (f *Folder) UnregisterPart(id chunk.ID, pt chunk.PartType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keyFor(id, pt)
	if e, ok := f.parts[k]; ok {
		f.usedBytes -= e.SizeOnDisk
		delete(f.parts, k)
	}
}

// Lookup returns the registration for a chunk part, if present.
func (f *Folder) Lookup(id chunk.ID, pt chunk.PartType) (*partEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.parts[keyFor(id, pt)]
	return e, ok
}

// SetVersion updates a part's registered version, the final step of the
// replication algorithm's atomic "version 0 then upgrade" commit.
func (f *Folder) SetVersion(id chunk.ID, pt chunk.PartType, version chunk.Version) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.parts[keyFor(id, pt)]
	if !ok {
		return false
	}
	e.Version = version
	return true
}

// recordOp folds one I/O outcome into the current hourly bucket, rotating
// stale buckets out of the 24-hour window first.
func (f *Folder) recordOp(now time.Time, isWrite bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateBuckets(now)
	b := &f.statBucket[0]
	if isWrite {
		b.writes++
	} else {
		b.reads++
	}
	if err != nil {
		b.errors++
		f.errRing = append(f.errRing, err)
		if len(f.errRing) > ioErrorRingSize {
			f.errRing = f.errRing[len(f.errRing)-ioErrorRingSize:]
		}
		if len(f.errRing) >= ioErrorRingSize {
			f.damaged = true
		}
	}
}

// rotateBuckets shifts the ring forward by however many whole hours have
// elapsed since the last recorded operation, dropping buckets that have
// aged out of the 24-hour window entirely.
func (f *Folder) rotateBuckets(now time.Time) {
	if f.bucketTime.IsZero() {
		f.bucketTime = now
		return
	}
	elapsed := now.Sub(f.bucketTime)
	hours := int(elapsed / time.Hour)
	if hours <= 0 {
		return
	}
	if hours >= statsBuckets {
		f.statBucket = [statsBuckets]folderStatBucket{}
	} else {
		copy(f.statBucket[hours:], f.statBucket[:statsBuckets-hours])
		for i := 0; i < hours; i++ {
			f.statBucket[i] = folderStatBucket{}
		}
	}
	f.bucketTime = now
}

// WindowStats sums reads/writes/errors over the tracked 24-hour window.
func (f *Folder) WindowStats() (reads, writes, errs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.statBucket {
		reads += b.reads
		writes += b.writes
		errs += b.errors
	}
	return
}

// Node aggregates every folder a storage process manages, plus the
// replication throttle and lifecycle shared across them.
type Node struct {
	deps Dependencies
	tg   syncutil.ThreadGroup

	mu      sync.RWMutex
	folders map[string]*Folder

	// replicationMu serializes replication jobs: Replicate write-locks it,
	// then Demote()s before its network phase, so replications run one at a
	// time while holders of the read side are not blocked. The foreground
	// read/write paths do not take it. Mirrors the reference contract
	// manager's use of demotemutex for its own long-held storage locks.
	replicationMu demotemutex.DemoteMutex

	jobs *JobPool
}

// NewNode constructs an empty Node; folders are added with AddFolder.
func NewNode(deps Dependencies) *Node {
	n := &Node{
		deps:    deps,
		folders: make(map[string]*Folder),
	}
	n.jobs = NewJobPool(n, 0)
	return n
}

// AddFolder registers a new storage folder with the node.
func (n *Node) AddFolder(f *Folder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.folders[f.Path] = f
}

// Folders returns a snapshot slice of every registered folder.
func (n *Node) Folders() []*Folder {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Folder, 0, len(n.folders))
	for _, f := range n.folders {
		out = append(out, f)
	}
	return out
}

// TotalFreeBytes sums free space across every non-damaged folder, the
// figure reported upstream via REGISTER_SPACE.
func (n *Node) TotalFreeBytes() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var total int64
	for _, f := range n.folders {
		if f.IsDamaged() {
			continue
		}
		total += f.FreeBytes()
	}
	return total
}

// FindPart locates which folder (if any) holds the given chunk part.
func (n *Node) FindPart(id chunk.ID, pt chunk.PartType) (*Folder, *partEntry, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, f := range n.folders {
		if e, ok := f.Lookup(id, pt); ok {
			return f, e, true
		}
	}
	return nil, nil, false
}

// ThreadGroup exposes the node's lifecycle group so callers can participate
// in coordinated shutdown (Add/Done/Stop), the same pattern the reference
// contract manager's every long-lived goroutine follows.
func (n *Node) ThreadGroup() *syncutil.ThreadGroup { return &n.tg }

// Close stops the job pool and every background goroutine the node has
// started, waiting for in-flight jobs to finish.
func (n *Node) Close() error {
	n.jobs.Close()
	return n.tg.Stop()
}

// Deps exposes the dependency set for collaborators in this package.
func (n *Node) Deps() Dependencies { return n.deps }
