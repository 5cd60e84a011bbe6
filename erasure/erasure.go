// Package erasure implements the two block-level redundancy encodings: XOR
// parity for XorN slices, and Reed-Solomon coding over GF(2^8) for EC(k,m)
// slices via klauspost/reedsolomon, the same library the reference renter
// uses for its erasure-coded uploads.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// XORBlocks computes the XOR-parity of dataBlocks block-by-block, writing
// the result into parity. Every slice (including parity) must be the same
// length. This implements the XorN parity identity:
// P = D_0 ⊕ D_1 ⊕ … ⊕ D_{N-1}.
func XORBlocks(parity []byte, dataBlocks ...[]byte) error {
	for _, d := range dataBlocks {
		if len(d) != len(parity) {
			return fmt.Errorf("erasure: mismatched block length %d != %d", len(d), len(parity))
		}
	}
	for i := range parity {
		parity[i] = 0
	}
	for _, d := range dataBlocks {
		for i, b := range d {
			parity[i] ^= b
		}
	}
	return nil
}

// ReconstructXORBlock recovers a single missing data (or parity) block of an
// XorN stripe given every other block of that stripe, using the identity
// D_i == P ⊕ ⊕_{j≠i} D_j. The caller
// passes every available block of the stripe (data and parity alike,
// whichever are present) except the missing one.
func ReconstructXORBlock(blockSize int, present ...[]byte) ([]byte, error) {
	out := make([]byte, blockSize)
	if err := XORBlocks(out, present...); err != nil {
		return nil, err
	}
	return out, nil
}

// RSCoder wraps a klauspost/reedsolomon Encoder configured for one EC(k,m)
// slice kind, giving the storage-node replicator and the client writer's
// parity computation a single entry point for encode/reconstruct.
type RSCoder struct {
	k, m int
	enc  reedsolomon.Encoder
}

// NewRSCoder builds the Reed-Solomon encoder for k data shards and m parity
// shards. k and m must already have been validated against the [2,32] and
// [1,32] bounds by the caller (typically chunk.EC's constructor).
func NewRSCoder(k, m int) (*RSCoder, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("erasure: failed to construct reed-solomon(%d,%d): %w", k, m, err)
	}
	return &RSCoder{k: k, m: m, enc: enc}, nil
}

// Encode computes the m parity shards from the k data shards in shards,
// writing them into shards[k:k+m] in place. len(shards) must equal k+m and
// every shard must be the same length.
func (c *RSCoder) Encode(shards [][]byte) error {
	if len(shards) != c.k+c.m {
		return fmt.Errorf("erasure: expected %d shards, got %d", c.k+c.m, len(shards))
	}
	return c.enc.Encode(shards)
}

// Reconstruct fills in any nil entries of shards (each of length k+m) from
// the remaining non-nil entries, provided at least k shards are present.
// This is the EC(k,m) branch of the replication algorithm's step 5 general
// reconstruction and the EC round-trip property.
func (c *RSCoder) Reconstruct(shards [][]byte) error {
	if len(shards) != c.k+c.m {
		return fmt.Errorf("erasure: expected %d shards, got %d", c.k+c.m, len(shards))
	}
	return c.enc.Reconstruct(shards)
}

// Verify reports whether the parity shards in shards are consistent with
// the data shards.
func (c *RSCoder) Verify(shards [][]byte) (bool, error) {
	return c.enc.Verify(shards)
}

// DataShards returns k.
func (c *RSCoder) DataShards() int { return c.k }

// ParityShards returns m.
func (c *RSCoder) ParityShards() int { return c.m }
