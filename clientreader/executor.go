package clientreader

import (
	"fmt"
	"time"

	"github.com/dfscore/chunkengine/chunk"
	"github.com/dfscore/chunkengine/crc32combine"
)

// Timeouts governing one read attempt, generalizing the reference mount
// client's connect/wave/total timeout triad so a caller can tune them per
// deployment (e.g. shorter waves on a LAN, longer on a WAN).
type Timeouts struct {
	Connect time.Duration
	Wave    time.Duration
	Total   time.Duration
}

// DefaultTimeouts matches the reference client's defaults.
var DefaultTimeouts = Timeouts{
	Connect: 1 * time.Second,
	Wave:    2 * time.Second,
	Total:   30 * time.Second,
}

// Fetcher is the network seam the executor drives: read blockCount blocks
// of data starting at physical block firstBlock of a given part from a
// specific peer, along with the per-block CRCs the peer reports for
// cross-checking.
type Fetcher interface {
	FetchBlocks(peer string, part chunk.PartType, firstBlock, blockCount int) (data []byte, blockCRCs []uint32, err error)
}

// PartLocator resolves which peers currently hold a given part, used to
// pick a next candidate when a wave's current peer fails or times out.
type PartLocator interface {
	PeersFor(part chunk.PartType) []string
}

// Executor drives a Plan's reads against real peers in waves: every basic
// ReadOp starts immediately; if too few of them have finished by the time
// the wave timeout elapses, every standby AdditionalReadOp is started too,
// without cancelling the basic reads still outstanding, and whichever
// subset finishes first (down to plan.requiredCount()) wins — the same
// overdrive strategy the reference downloader's worker pool uses to
// tolerate slow or dead individual hosts without failing the whole read.
type Executor struct {
	fetcher  Fetcher
	locator  PartLocator
	timeouts Timeouts
}

// NewExecutor builds an Executor with the given timeouts; zero-value
// Timeouts fields fall back to DefaultTimeouts.
func NewExecutor(fetcher Fetcher, locator PartLocator, timeouts Timeouts) *Executor {
	if timeouts.Connect == 0 {
		timeouts.Connect = DefaultTimeouts.Connect
	}
	if timeouts.Wave == 0 {
		timeouts.Wave = DefaultTimeouts.Wave
	}
	if timeouts.Total == 0 {
		timeouts.Total = DefaultTimeouts.Total
	}
	return &Executor{fetcher: fetcher, locator: locator, timeouts: timeouts}
}

// opOutcome is one ReadOp's outcome: the data and per-block CRCs it
// produced (keyed by the op's own FirstBlock so post-processing can find
// any physical block within the fetched range), or the error that made it
// unusable.
type opOutcome struct {
	firstBlock int
	blockSize  int
	data       []byte
	blockCRCs  []uint32
	err        error
}

// block returns the bytes for physical block p, as fetched by this op.
func (o opOutcome) block(p int) ([]byte, error) {
	idx := p - o.firstBlock
	if idx < 0 || (idx+1)*o.blockSize > len(o.data) {
		return nil, fmt.Errorf("clientreader: physical block %d not covered by this op's read", p)
	}
	return o.data[idx*o.blockSize : (idx+1)*o.blockSize], nil
}

// Execute starts every basic ReadOp in plan immediately. If fewer than
// plan.requiredCount() of them (basic plus, once started, additional) have
// finished by the time the wave timeout elapses, every AdditionalReadOp is
// started too, without cancelling whatever basic reads are still
// outstanding — ordering between basic and additional operations is not
// guaranteed, so the post-process set actually used is chosen based on
// which operations actually retired, not which were scheduled first. Once
// enough operations have finished, their CRCs are verified and the result
// is reconstructed (EC decode, or the plan's — possibly dynamically
// rebuilt — post-process steps); any reads still in flight at that point
// are left to finish on their own and their results discarded.
func (e *Executor) Execute(plan *Plan) ([]byte, error) {
	type indexed struct {
		part   chunk.PartType
		out    opOutcome
		basic  bool
		failed bool
	}

	total := len(plan.ReadOps) + len(plan.AdditionalReadOps)
	resCh := make(chan indexed, total)

	launch := func(op ReadOp, basic bool) {
		go func() {
			data, crcs, err := e.fetchWithRetry(op)
			blockSize := 0
			if len(crcs) > 0 && len(data) > 0 {
				blockSize = len(data) / len(crcs)
			}
			out := opOutcome{firstBlock: op.FirstBlock, blockSize: blockSize, data: data, blockCRCs: crcs, err: err}
			resCh <- indexed{part: op.Part, out: out, basic: basic, failed: err != nil}
		}()
	}

	for _, op := range plan.ReadOps {
		launch(op, true)
	}

	required := plan.requiredCount()
	results := make(map[chunk.PartType]opOutcome, total)
	finished := make(map[int]bool, total) // part index -> succeeded

	waveTimer := time.NewTimer(e.timeouts.Wave)
	defer waveTimer.Stop()
	totalDeadline := time.After(e.timeouts.Total)

	additionalStarted := false
	remaining := total
	successCount := 0

	for successCount < required && remaining > 0 {
		select {
		case r := <-resCh:
			remaining--
			if !r.failed {
				results[r.part] = r.out
				finished[r.part.Index] = true
				successCount++
			}
		case <-waveTimer.C:
			if !additionalStarted && successCount < required {
				additionalStarted = true
				for _, op := range plan.AdditionalReadOps {
					launch(op, false)
				}
			}
		case <-totalDeadline:
			return nil, fmt.Errorf("clientreader: read timed out after %s", e.timeouts.Total)
		}
	}
	if successCount < required {
		return nil, fmt.Errorf("clientreader: only %d of %d required reads succeeded", successCount, required)
	}

	for part, r := range results {
		for i, crc := range r.blockCRCs {
			block, err := r.block(r.firstBlock + i)
			if err != nil {
				return nil, err
			}
			if err := verifyBlockCRC(block, crc); err != nil {
				return nil, fmt.Errorf("clientreader: part %s: %w", part.Slice, err)
			}
		}
	}

	if plan.ECReconstruct != nil {
		shards := make(map[chunk.PartType][]byte, len(results))
		for part, r := range results {
			shards[part] = r.data
		}
		return plan.ReconstructEC(shards)
	}

	postProcess := plan.PostProcess
	switch plan.kind {
	case planXor:
		postProcess = plan.reconstructXorPostProcess(finished)
	case planStandard:
		for part := range results {
			postProcess = plan.reconstructStandardPostProcess(part)
			break
		}
	}
	return applyPostProcess(plan, postProcess, results)
}

// fetchWithRetry makes up to four attempts for an op's part, cycling
// through its known peers in order and applying exponential backoff
// between attempts, and returns the last error if none succeeds.
func (e *Executor) fetchWithRetry(op ReadOp) ([]byte, []uint32, error) {
	peers := e.locator.PeersFor(op.Part)
	if len(peers) == 0 {
		return nil, nil, fmt.Errorf("clientreader: no known peer for part %s", op.Part.Slice)
	}

	var lastErr error
	backoff := 50 * time.Millisecond
	const maxAttempts = 4
	for attempt := 0; attempt < maxAttempts; attempt++ {
		peer := peers[attempt%len(peers)]
		data, crcs, err := e.fetcher.FetchBlocks(peer, op.Part, op.FirstBlock, op.BlockCount)
		if err == nil {
			return data, crcs, nil
		}
		lastErr = err
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, nil, lastErr
}

// verifyBlockCRC checks one block's data against its reported CRC. A block
// of all-zero bytes reported with a zero CRC is accepted outright (a
// sparse-block shortcut), since an all-zero block's CRC never needs
// recomputation to be trusted.
func verifyBlockCRC(data []byte, want uint32) error {
	if want == 0 && isZeroBlock(data) {
		return nil
	}
	got := crc32combine.Checksum(0, data)
	if got != want {
		return fmt.Errorf("block crc mismatch: got %08x want %08x", got, want)
	}
	return nil
}

func isZeroBlock(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// applyPostProcess builds the logical output buffer by copying or XORing
// physical blocks from the completed reads, per the given post-process
// steps (plan.PostProcess for Standard/EC plans, or the dynamically
// rebuilt set for an XorN plan whose actual completions may differ from
// its basic ReadOps).
func applyPostProcess(plan *Plan, steps []PostProcessOperation, results map[chunk.PartType]opOutcome) ([]byte, error) {
	blockSize := chunk.BlockSize
	for _, r := range results {
		if r.blockSize > 0 {
			blockSize = r.blockSize
			break
		}
	}

	out := make([]byte, plan.BlockCount*blockSize)
	for _, step := range steps {
		destOff := (step.DestBlock - plan.FirstBlock) * blockSize
		dest := out[destOff : destOff+blockSize]

		for i, src := range step.Sources {
			outcome, ok := results[src.Part]
			if !ok {
				return nil, fmt.Errorf("clientreader: post-process references unread part %s", src.Part.Slice)
			}
			block, err := outcome.block(src.PhysicalBlock)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				copy(dest, block)
				continue
			}
			if len(block) != len(dest) {
				return nil, fmt.Errorf("clientreader: xor source length %d != %d", len(block), len(dest))
			}
			for j, b := range block {
				dest[j] ^= b
			}
		}
	}
	return out, nil
}
