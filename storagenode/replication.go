package storagenode

import (
	"fmt"
	"io"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"
	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/erasure"
)

// Replication timeouts, matching the reference replicator's CONNMSECTO/
// SENDMSECTO/RECVMSECTO constants.
const (
	connectTimeout = 5 * time.Second
	ioTimeout      = 5 * time.Second
)

// sourceStatus is what a replication source reports back for the part it
// holds, queried before any block data is requested.
type sourceStatus struct {
	ChunkID chunk.ID
	Version chunk.Version
	Blocks  int
}

// ReplicationSource names one candidate to pull a chunk part from: its
// network address and the exact part type/index it is expected to hold.
// Carrying the part type alongside the address (rather than a bare address
// list) is what lets fetchOrReconstruct place each fetched shard at its
// true position for EC(k,m) reconstruction instead of assuming sources
// answer in index order.
type ReplicationSource struct {
	Addr string
	Part chunk.PartType
}

// Replicate reconstructs a missing or damaged chunk part from a set of
// peer sources holding other parts of the same slice, following the
// reference chunk server's replication algorithm:
//
//  1. open a non-blocking TCP connection to every candidate source;
//  2. ask each source for its chunk id, version, and block count;
//  3. verify every responding source agrees on id and version, and that
//     their reported block counts agree (invariant (b): any mismatch
//     aborts the whole replication rather than silently reconstructing
//     from a stale copy);
//  4. for Standard, stream the one source's blocks directly into a new
//     part; for XorN/EC, pull every available part and reconstruct the
//     missing one in memory, block by block, via package erasure, placing
//     each fetched shard at its source's own part index rather than its
//     arrival order;
//  5. check that each source sent exactly blocks*BlockSize bytes (block
//     CRCs are not received or verified);
//  6. create the destination part at version 0 and write the
//     reconstructed (or copied) data into it;
//  7. only after every block is durably written does the part's version
//     get upgraded from 0 to the source's reported version, so a crash
//     mid-replication never leaves a part advertising a version it does
//     not fully hold.
func (n *Node) Replicate(id chunk.ID, pt chunk.PartType, version chunk.Version, sources []ReplicationSource) error {
	if len(sources) == 0 {
		return fmt.Errorf("storagenode: replicate %d/%s: no sources given", id, pt.Slice)
	}

	n.replicationMu.Lock()
	// Demote to a read lock once the network phase starts so
	// foreground traffic against other parts on the same folders is
	// not blocked behind a potentially slow multi-source fetch; the
	// final commit re-acquires exclusivity implicitly through the
	// folder's own mutex in RegisterPart.
	n.replicationMu.Demote()
	defer n.replicationMu.DemotedUnlock()

	conns, statuses, err := n.dialSources(id, sources)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
	}()

	blocks := -1
	for i, st := range statuses {
		if st == nil {
			continue
		}
		if st.ChunkID != id || st.Version != version {
			return fmt.Errorf("storagenode: replicate %d/%s: source %s reports id=%d version=%d, want id=%d version=%d",
				id, pt.Slice, sources[i].Addr, st.ChunkID, st.Version, id, version)
		}
		if blocks == -1 {
			blocks = st.Blocks
		} else if blocks != st.Blocks {
			return fmt.Errorf("storagenode: replicate %d/%s: source %s block count %d disagrees with %d", id, pt.Slice, sources[i].Addr, st.Blocks, blocks)
		}
	}
	if blocks == -1 {
		return fmt.Errorf("storagenode: replicate %d/%s: no source responded", id, pt.Slice)
	}

	data, err := n.fetchOrReconstruct(conns, statuses, sources, pt, blocks)
	if err != nil {
		return err
	}

	if err := n.CreateChunk(id, pt, 0, int64(blocks)); err != nil {
		return err
	}
	if err := n.WritePart(id, pt, 0, 0, data); err != nil {
		return errors.Compose(err, n.DeletePart(id, pt))
	}

	folder, _, ok := n.FindPart(id, pt)
	if !ok {
		return fmt.Errorf("storagenode: replicate %d/%s: part vanished after write", id, pt.Slice)
	}
	folder.SetVersion(id, pt, version)
	return nil
}

// dialSources opens every source connection and queries its chunk status,
// tolerating individual dial or query failures (a nil entry in the
// returned slices) as long as at least one source answers, per the
// reference implementation's tolerance for partially unreachable sources.
func (n *Node) dialSources(id chunk.ID, sources []ReplicationSource) ([]io.ReadWriteCloser, []*sourceStatus, error) {
	conns := make([]io.ReadWriteCloser, len(sources))
	statuses := make([]*sourceStatus, len(sources))
	anyOK := false
	for i, src := range sources {
		conn, err := n.deps.Dial("tcp", src.Addr, connectTimeout)
		if err != nil {
			continue
		}
		conns[i] = conn
		st, err := queryChunkStatus(conn, id, ioTimeout)
		if err != nil {
			continue
		}
		statuses[i] = st
		anyOK = true
	}
	if !anyOK {
		return conns, statuses, fmt.Errorf("storagenode: replicate %d: every source unreachable", id)
	}
	return conns, statuses, nil
}

// queryChunkStatus sends a status request and parses the peer's answer.
// The wire format itself is defined by package wire; this indirection
// keeps the replication algorithm decoupled from the exact message
// encoding.
func queryChunkStatus(conn io.ReadWriteCloser, id chunk.ID, timeout time.Duration) (*sourceStatus, error) {
	// The concrete request/response framing is done by requestChunkStatus
	// with package wire's codec; this function stays a thin seam over it.
	return requestChunkStatus(conn, id, timeout)
}

// fetchOrReconstruct pulls block data from however many sources are
// present and, for a redundancy-coded part, reconstructs the missing piece
// in memory via package erasure. Each source's own part index (not its
// position in the sources slice) determines where its data lands, so a
// response arriving out of order never scrambles an EC(k,m) reconstruction.
func (n *Node) fetchOrReconstruct(conns []io.ReadWriteCloser, statuses []*sourceStatus, sources []ReplicationSource, pt chunk.PartType, blocks int) ([]byte, error) {
	byIndex := make(map[int][]byte, len(conns))
	for i, conn := range conns {
		if conn == nil || statuses[i] == nil {
			continue
		}
		blockData, err := readAllBlocks(conn, blocks, ioTimeout)
		if err != nil {
			continue
		}
		byIndex[sources[i].Part.Index] = blockData
	}
	if len(byIndex) == 0 {
		return nil, fmt.Errorf("storagenode: no source yielded usable data")
	}

	switch {
	case pt.Slice.IsStandard():
		for _, data := range byIndex {
			return data, nil
		}
		return nil, fmt.Errorf("storagenode: no standard source data")
	case pt.Slice.IsXor():
		if len(byIndex) == pt.Slice.PartsInSlice()-1 {
			present := make([][]byte, 0, len(byIndex))
			for _, data := range byIndex {
				present = append(present, data)
			}
			return erasure.ReconstructXORBlock(len(present[0]), present...)
		}
		if data, ok := byIndex[pt.Index]; ok {
			return data, nil
		}
		return nil, fmt.Errorf("storagenode: no xor source data")
	case pt.Slice.IsEC():
		k, m := pt.Slice.ECParams()
		coder, err := erasure.NewRSCoder(k, m)
		if err != nil {
			return nil, err
		}
		shards := make([][]byte, k+m)
		for idx, data := range byIndex {
			if idx < 0 || idx >= len(shards) {
				return nil, fmt.Errorf("storagenode: source part index %d out of range for ec(%d,%d)", idx, k, m)
			}
			shards[idx] = data
		}
		if err := coder.Reconstruct(shards); err != nil {
			return nil, err
		}
		idx := pt.Index
		if idx < len(shards) {
			return shards[idx], nil
		}
		return nil, fmt.Errorf("storagenode: reconstruction index %d out of range", idx)
	default:
		for _, data := range byIndex {
			return data, nil
		}
		return nil, fmt.Errorf("storagenode: no source data")
	}
}

// readAllBlocks reads blocks*BlockSize bytes of data from conn in one
// READ_DATA frame and rejects a frame of any other length. The READ_DATA
// payload carries no CRCs, so no block CRC is verified.
func readAllBlocks(conn io.ReadWriteCloser, blocks int, timeout time.Duration) ([]byte, error) {
	return requestBlockData(conn, blocks, timeout)
}

// pickReplicationSources chooses up to n candidate sources from a larger
// pool, using fastrand for an unpredictable selection so repeated
// replication attempts after a transient failure do not keep hammering the
// same unlucky peer first.
func pickReplicationSources(candidates []ReplicationSource, n int) []ReplicationSource {
	if len(candidates) <= n {
		return candidates
	}
	perm := fastrand.Perm(len(candidates))
	out := make([]ReplicationSource, 0, n)
	for _, idx := range perm[:n] {
		out = append(out, candidates[idx])
	}
	return out
}
