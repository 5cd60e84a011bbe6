package storagenode

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/crc32combine"
)

// partFilename derives a part's on-disk filename from its identity, the
// way the reference chunk server lays out one file per (chunk, slice,
// index) tuple within a folder.
func partFilename(id chunk.ID, pt chunk.PartType) string {
	return fmt.Sprintf("chunk_%016X_%s_%d.part", uint64(id), pt.Slice.String(), pt.Index)
}

// CreateChunk allocates a new, zero-filled chunk part of the given block
// length in the interleaved layout on whichever registered folder has the
// most free space, and registers it at the caller's version. It writes no
// data itself; Replicate gets its "version 0 then upgrade" commit by
// calling it with version 0 and setting the final version afterwards.
func (n *Node) CreateChunk(id chunk.ID, pt chunk.PartType, version chunk.Version, lengthBlocks int64) error {
	folder := n.pickFolderForNewPart(PartSize(LayoutInterleaved, pt, int(lengthBlocks)))
	if folder == nil {
		return fmt.Errorf("storagenode: no folder with enough free space for chunk %d part %s", id, pt.Slice)
	}

	path := filepath.Join(folder.Path, partFilename(id, pt))
	size := PartSize(LayoutInterleaved, pt, int(lengthBlocks))
	f, err := n.deps.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	n.recordIO(folder, true, err)
	if err != nil {
		return fmt.Errorf("storagenode: create chunk %d part %s: %w", id, pt.Slice, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("storagenode: truncate new part: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("storagenode: sync new part: %w", err)
	}

	if err := folder.RegisterPart(id, pt, version, LayoutInterleaved, size); err != nil {
		return err
	}
	return nil
}

// WritePart writes data at the given byte offset within a chunk part and
// updates the part's single in-memory running CRC (see updateCRC). No
// per-block CRC is computed or written to disk. version must match the
// part's current registered version,
// enforcing invariant (d): a version mismatch is refused rather than
// silently applied.
func (n *Node) WritePart(id chunk.ID, pt chunk.PartType, version chunk.Version, offset int64, data []byte) error {
	folder, entry, ok := n.FindPart(id, pt)
	if !ok {
		return fmt.Errorf("storagenode: no such chunk part %d/%s", id, pt.Slice)
	}
	if entry.Version != version {
		return fmt.Errorf("storagenode: wrong version for chunk %d part %s: have %d want %d", id, pt.Slice, entry.Version, version)
	}

	path := filepath.Join(folder.Path, partFilename(id, pt))
	f, err := n.deps.OpenFile(path, os.O_RDWR, 0640)
	n.recordIO(folder, true, err)
	if err != nil {
		return fmt.Errorf("storagenode: open part for write: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		n.recordIO(folder, true, err)
		return fmt.Errorf("storagenode: write part data: %w", err)
	}

	n.updateCRC(entry, offset, data)

	return f.Sync()
}

// updateCRC sets the part's running CRC from a newly written region. A
// write starting at offset 0 replaces the running value with that
// region's CRC; a write at any other offset, including one appended right
// after the previously covered region, resets it to zero. Nothing
// recomputes the value afterwards.
func (n *Node) updateCRC(entry *partEntry, offset int64, data []byte) {
	regionCRC := crc32combine.Checksum(0, data)
	switch {
	case offset == 0:
		entry.CRC = regionCRC
	default:
		entry.CRC = 0
	}
}

// ReadPart reads length bytes at offset from a chunk part and returns them.
func (n *Node) ReadPart(id chunk.ID, pt chunk.PartType, offset, length int64) ([]byte, error) {
	folder, _, ok := n.FindPart(id, pt)
	if !ok {
		return nil, fmt.Errorf("storagenode: no such chunk part %d/%s", id, pt.Slice)
	}
	path := filepath.Join(folder.Path, partFilename(id, pt))
	f, err := n.deps.OpenFile(path, os.O_RDONLY, 0640)
	n.recordIO(folder, false, err)
	if err != nil {
		return nil, fmt.Errorf("storagenode: open part for read: %w", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	read, err := f.ReadAt(buf, offset)
	n.recordIO(folder, false, err)
	if err != nil {
		return nil, fmt.Errorf("storagenode: read part data: %w", err)
	}
	return buf[:read], nil
}

// DeletePart removes a chunk part's file and bookkeeping from whichever
// folder holds it.
func (n *Node) DeletePart(id chunk.ID, pt chunk.PartType) error {
	folder, _, ok := n.FindPart(id, pt)
	if !ok {
		return nil
	}
	path := filepath.Join(folder.Path, partFilename(id, pt))
	err := n.deps.Remove(path)
	n.recordIO(folder, true, err)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storagenode: delete part: %w", err)
	}
	folder.UnregisterPart(id, pt)
	return nil
}

// pickFolderForNewPart chooses the registered, non-damaged folder with the
// most free space able to hold size bytes, the same greedy placement the
// reference storage-folder selection uses before consulting weighted
// round robin upstream.
func (n *Node) pickFolderForNewPart(size int64) *Folder {
	var best *Folder
	for _, f := range n.Folders() {
		if f.IsDamaged() {
			continue
		}
		if f.FreeBytes() < size {
			continue
		}
		if best == nil || f.FreeBytes() > best.FreeBytes() {
			best = f
		}
	}
	return best
}

func (n *Node) recordIO(folder *Folder, isWrite bool, err error) {
	folder.recordOp(n.deps.Now(), isWrite, err)
}
