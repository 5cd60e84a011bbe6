// Package clientreader implements the client-side chunk read planner and
// wave-based executor: given the set of parts a chunk's goal
// actually has available, decide which parts to fetch and how to recover
// the requested byte range from them, then drive that fetch against real
// peers with overdrive waves and retry.
package clientreader

import (
	"fmt"
	"sort"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/erasure"
)

// BlockRef names one physical block: which part holds it, and that part's
// own block numbering (for XorN, physical block p of data part i holds
// logical block p*N + (i-1); for Standard and EC, physical and logical
// block numbers coincide).
type BlockRef struct {
	Part          chunk.PartType
	PhysicalBlock int
}

// ReadOp is one part's contribution to a read: the contiguous run of
// physical blocks to request from it.
type ReadOp struct {
	Part       chunk.PartType
	FirstBlock int
	BlockCount int
}

// PostProcessOperation produces one logical destination block, either by
// copying a single source block (len(Sources) == 1) or by XORing every
// listed source together to rebuild a block that was never read directly
// (the XOR identity).
type PostProcessOperation struct {
	DestBlock int
	Sources   []BlockRef
}

// planKind distinguishes which redundancy scheme a plan reads from, since
// the executor needs to know how many completed ReadOps are enough to stop
// waiting (requiredCount) and how to rebuild the logical range from
// whichever subset actually finished.
type planKind int

const (
	planStandard planKind = iota
	planXor
	planEC
)

// Plan is the outcome of planning a read of [FirstBlock, FirstBlock+BlockCount)
// from a chunk: which parts to read, which additional (redundant) parts
// may be raced in if a primary read stalls, and how to turn whatever comes
// back into the requested logical blocks.
//
// ReadOps are the basic reads the executor starts immediately. If, after
// the wave timeout, fewer than requiredCount() have finished,
// AdditionalReadOps are started too without cancelling the basic ones —
// the reference planner's distinction between basicReadOperations and
// additionalReadOperations (see original read_planner.h), generalized so
// the executor can race a wave of redundant sources instead of serializing
// retries against a single stalled one.
type Plan struct {
	FirstBlock        int
	BlockCount        int
	ReadOps           []ReadOp
	AdditionalReadOps []ReadOp
	// PostProcess is valid as-is only for planStandard and planEC; a
	// planXor plan's post-processing depends on which subset of ReadOps +
	// AdditionalReadOps actually completed and is rebuilt by the executor
	// via reconstructXorPostProcess.
	PostProcess []PostProcessOperation
	// ECReconstruct is set when the plan must run a full Reed-Solomon
	// reconstruction instead of per-block XOR post-processing.
	ECReconstruct *ecReconstructPlan

	kind     planKind
	xorN     int
	xorParts map[int]chunk.PartType // every available index for the chosen xor slice
}

type ecReconstructPlan struct {
	K, M      int
	Available []chunk.PartType
}

// requiredCount returns how many of a plan's ReadOps (basic plus, once
// started, additional) must complete successfully before the logical range
// can be reconstructed.
func (p *Plan) requiredCount() int {
	switch p.kind {
	case planStandard:
		return 1
	case planXor:
		return p.xorN
	case planEC:
		return p.ECReconstruct.K
	default:
		return len(p.ReadOps)
	}
}

// BuildPlan chooses which of the available parts to use for a read of
// [firstBlock, firstBlock+blockCount) blocks, preferring, in order:
//  1. a Standard (full copy) part, if any is available — cheapest, no
//     reconstruction needed;
//  2. the highest-numbered complete XorN slice, if every one of its N
//     data parts is available — also no reconstruction needed;
//  3. an XorN slice missing exactly one data part, reconstructing the
//     missing blocks in place via the XOR identity;
//  4. any EC(k,m) slice with at least k of its k+m parts available,
//     reconstructing via Reed-Solomon.
//
// This mirrors the reference planner's preference order: prefer plans that
// need no post-processing, then the cheapest reconstruction.
func BuildPlan(available []chunk.PartType, firstBlock, blockCount int) (*Plan, error) {
	if parts, ok := findStandardGroup(available); ok {
		return standardPlan(parts, firstBlock, blockCount), nil
	}
	if p, ok := bestXorPlan(available, firstBlock, blockCount); ok {
		return p, nil
	}
	if p, ok := bestECPlan(available, firstBlock, blockCount); ok {
		return p, nil
	}
	return nil, fmt.Errorf("clientreader: no readable plan for the available parts")
}

func findStandardGroup(available []chunk.PartType) ([]chunk.PartType, bool) {
	var out []chunk.PartType
	for _, pt := range available {
		if pt.Slice.IsStandard() {
			out = append(out, pt)
		}
	}
	return out, len(out) > 0
}

// standardPlan reads from the first available Standard copy, holding every
// other available copy in reserve as an additional (redundant) source.
func standardPlan(parts []chunk.PartType, firstBlock, blockCount int) *Plan {
	pt := parts[0]
	post := make([]PostProcessOperation, blockCount)
	for i := 0; i < blockCount; i++ {
		block := firstBlock + i
		post[i] = PostProcessOperation{DestBlock: block, Sources: []BlockRef{{Part: pt, PhysicalBlock: block}}}
	}
	var additional []ReadOp
	for _, other := range parts[1:] {
		additional = append(additional, ReadOp{Part: other, FirstBlock: firstBlock, BlockCount: blockCount})
	}
	return &Plan{
		FirstBlock:        firstBlock,
		BlockCount:        blockCount,
		ReadOps:           []ReadOp{{Part: pt, FirstBlock: firstBlock, BlockCount: blockCount}},
		AdditionalReadOps: additional,
		PostProcess:       post,
		kind:              planStandard,
	}
}

// groupBySlice buckets available parts by their slice kind's string form,
// since distinct EC parameterizations are otherwise indistinguishable as a
// map key without relying on chunk.SliceKind's unexported fields.
func groupBySlice(available []chunk.PartType) map[string][]chunk.PartType {
	groups := make(map[string][]chunk.PartType)
	for _, pt := range available {
		groups[pt.Slice.String()] = append(groups[pt.Slice.String()], pt)
	}
	return groups
}

// xorBlockOwner returns which data part (1..N) round-robins logical block
// index b, matching the reference XorN layout where logical block b lives
// on data part (b % N) + 1, at physical position b / N within that part.
func xorBlockOwner(n, block int) int { return block%n + 1 }

func bestXorPlan(available []chunk.PartType, firstBlock, blockCount int) (*Plan, bool) {
	groups := groupBySlice(available)

	var bestParts []chunk.PartType
	var bestN int
	var bestComplete bool

	for _, parts := range groups {
		if len(parts) == 0 || !parts[0].Slice.IsXor() {
			continue
		}
		n := parts[0].Slice.XorN()
		dataPresent := 0
		for _, pt := range parts {
			if !pt.IsParity() {
				dataPresent++
			}
		}
		// Need at least N of the N+1 parts present (any N suffice to
		// reconstruct, or read directly if exactly the N data parts are
		// the ones present). A slice with all N data parts beats one
		// missing a data part; among equals the higher N wins.
		complete := dataPresent >= n
		if len(parts) >= n && dataPresent >= n-1 && ((complete && !bestComplete) || (complete == bestComplete && n > bestN)) {
			bestParts, bestN, bestComplete = parts, n, complete
		}
	}

	if bestParts == nil {
		return nil, false
	}
	return xorPlan(bestParts, bestN, firstBlock, blockCount), true
}

func physicalRange(n, firstBlock, blockCount int) (firstPhys, lastPhys int) {
	lastBlock := firstBlock + blockCount - 1
	return firstBlock / n, lastBlock / n
}

// xorPlan builds a plan from every available part of one XorN slice: the
// first N of them (preferring data parts over parity, so the common case
// needs no reconstruction at all) become the basic ReadOps, and any
// remaining available part becomes an AdditionalReadOp the executor can
// race in if one of the basic reads stalls.
func xorPlan(parts []chunk.PartType, n, firstBlock, blockCount int) *Plan {
	byIndex := make(map[int]chunk.PartType, len(parts))
	for _, pt := range parts {
		byIndex[pt.Index] = pt
	}
	firstPhys, lastPhys := physicalRange(n, firstBlock, blockCount)
	blockCountPhys := lastPhys - firstPhys + 1

	// Order candidate indices with data parts (1..n) first, parity (0)
	// last, so the first n chosen need no XOR reconstruction whenever a
	// complete data set is available.
	var order []int
	for idx := 1; idx <= n; idx++ {
		if _, ok := byIndex[idx]; ok {
			order = append(order, idx)
		}
	}
	if _, ok := byIndex[0]; ok {
		order = append(order, 0)
	}

	var primary, extra []int
	for _, idx := range order {
		if len(primary) < n {
			primary = append(primary, idx)
		} else {
			extra = append(extra, idx)
		}
	}

	ops := make([]ReadOp, 0, len(primary))
	for _, idx := range primary {
		ops = append(ops, ReadOp{Part: byIndex[idx], FirstBlock: firstPhys, BlockCount: blockCountPhys})
	}
	var additional []ReadOp
	for _, idx := range extra {
		additional = append(additional, ReadOp{Part: byIndex[idx], FirstBlock: firstPhys, BlockCount: blockCountPhys})
	}

	completed := make(map[int]bool, len(primary))
	for _, idx := range primary {
		completed[idx] = true
	}

	p := &Plan{
		FirstBlock:        firstBlock,
		BlockCount:        blockCount,
		ReadOps:           ops,
		AdditionalReadOps: additional,
		kind:              planXor,
		xorN:              n,
		xorParts:          byIndex,
	}
	p.PostProcess = p.reconstructXorPostProcess(completed)
	return p
}

// reconstructStandardPostProcess builds direct-copy post-process steps from
// whichever Standard part actually finished reading, since the primary
// ReadOp's copy is not guaranteed to be the one that succeeded once
// AdditionalReadOps are in play.
func (p *Plan) reconstructStandardPostProcess(part chunk.PartType) []PostProcessOperation {
	post := make([]PostProcessOperation, p.BlockCount)
	for i := 0; i < p.BlockCount; i++ {
		block := p.FirstBlock + i
		post[i] = PostProcessOperation{DestBlock: block, Sources: []BlockRef{{Part: part, PhysicalBlock: block}}}
	}
	return post
}

// reconstructXorPostProcess builds the post-process operations for the
// blocks this plan covers given that exactly the indices in completed
// finished reading: a block whose round-robin owner is among completed is
// a direct copy, otherwise it is rebuilt by XORing every other completed
// index's same-stripe block together (the XOR identity).
func (p *Plan) reconstructXorPostProcess(completed map[int]bool) []PostProcessOperation {
	post := make([]PostProcessOperation, p.BlockCount)
	for i := 0; i < p.BlockCount; i++ {
		block := p.FirstBlock + i
		owner := xorBlockOwner(p.xorN, block)
		phys := block / p.xorN
		if completed[owner] {
			post[i] = PostProcessOperation{DestBlock: block, Sources: []BlockRef{{Part: p.xorParts[owner], PhysicalBlock: phys}}}
			continue
		}
		var sources []BlockRef
		for idx, pt := range p.xorParts {
			if idx == owner || !completed[idx] {
				continue
			}
			sources = append(sources, BlockRef{Part: pt, PhysicalBlock: phys})
		}
		post[i] = PostProcessOperation{DestBlock: block, Sources: sources}
	}
	return post
}

func bestECPlan(available []chunk.PartType, firstBlock, blockCount int) (*Plan, bool) {
	groups := groupBySlice(available)
	var keys []string
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts := groups[key]
		if len(parts) == 0 || !parts[0].Slice.IsEC() {
			continue
		}
		k, m := parts[0].Slice.ECParams()
		if len(parts) < k {
			continue
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })

		ops := make([]ReadOp, 0, k)
		for _, pt := range parts[:k] {
			ops = append(ops, ReadOp{Part: pt, FirstBlock: firstBlock, BlockCount: blockCount})
		}
		var additional []ReadOp
		for _, pt := range parts[k:] {
			additional = append(additional, ReadOp{Part: pt, FirstBlock: firstBlock, BlockCount: blockCount})
		}
		return &Plan{
			FirstBlock:        firstBlock,
			BlockCount:        blockCount,
			ReadOps:           ops,
			AdditionalReadOps: additional,
			ECReconstruct:     &ecReconstructPlan{K: k, M: m, Available: parts},
			kind:              planEC,
		}, true
	}
	return nil, false
}

// ReconstructEC runs the Reed-Solomon recovery for an EC plan once at least
// K of the plan's ReadOps/AdditionalReadOps have completed, using package
// erasure. Missing shards are left nil; Reconstruct only needs K non-nil
// entries regardless of which K they are.
func (p *Plan) ReconstructEC(shards map[chunk.PartType][]byte) ([]byte, error) {
	if p.ECReconstruct == nil {
		return nil, fmt.Errorf("clientreader: plan has no EC reconstruction step")
	}
	k, m := p.ECReconstruct.K, p.ECReconstruct.M
	coder, err := erasure.NewRSCoder(k, m)
	if err != nil {
		return nil, err
	}
	all := make([][]byte, k+m)
	var blockSize int
	for pt, data := range shards {
		all[pt.Index] = data
		if blockSize == 0 {
			blockSize = len(data)
		}
	}
	for i := range all {
		if all[i] == nil {
			all[i] = make([]byte, blockSize)
		}
	}
	if err := coder.Reconstruct(all); err != nil {
		return nil, err
	}
	out := make([]byte, 0, k*blockSize)
	for i := 0; i < k; i++ {
		out = append(out, all[i]...)
	}
	return out, nil
}
