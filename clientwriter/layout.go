package clientwriter

import "github.com/dfscore/chunkengine/chunk"

// stripeWidth returns the number of data blocks that make up one stripe
// for a slice kind: 1 for Standard (no striping, no parity), N for XorN, k
// for EC(k,m).
func stripeWidth(kind chunk.SliceKind) int {
	switch {
	case kind.IsStandard():
		return 1
	case kind.IsXor():
		return kind.XorN()
	case kind.IsEC():
		k, _ := kind.ECParams()
		return k
	default:
		return 1
	}
}

// dataPartIndex returns the part index that owns logical block b's data,
// matching the round-robin layout package clientreader's xorBlockOwner
// assumes when reading this same chunk back: for XorN, data part (b % N)
// + 1; for EC(k,m), data shard b % k; for Standard, always 0.
func dataPartIndex(kind chunk.SliceKind, block int) int {
	switch {
	case kind.IsStandard():
		return 0
	case kind.IsXor():
		n := kind.XorN()
		return block%n + 1
	case kind.IsEC():
		k, _ := kind.ECParams()
		return block % k
	default:
		return 0
	}
}

// stripeOf returns which stripe logical block b belongs to, and its
// physical block index within its data part.
func stripeOf(kind chunk.SliceKind, block int) (stripeIndex, physicalBlock int) {
	w := stripeWidth(kind)
	return block / w, block / w
}

// dataPartIndices returns every part index that carries data (never
// parity) for a slice kind, in the order dataPartIndex assigns them
// within a stripe: [0] for Standard, [1..N] for XorN (index 0 is
// reserved for parity), [0..k-1] for EC(k,m).
func dataPartIndices(kind chunk.SliceKind) []int {
	switch {
	case kind.IsStandard():
		return []int{0}
	case kind.IsXor():
		n := kind.XorN()
		out := make([]int, n)
		for i := range out {
			out[i] = i + 1
		}
		return out
	case kind.IsEC():
		k, _ := kind.ECParams()
		out := make([]int, k)
		for i := range out {
			out[i] = i
		}
		return out
	default:
		return nil
	}
}

// parityPartIndices returns the part index(es) that carry a stripe's
// parity: XorN's single index 0, or EC(k,m)'s k..k+m-1. Standard has none.
func parityPartIndices(kind chunk.SliceKind) []int {
	switch {
	case kind.IsXor():
		return []int{0}
	case kind.IsEC():
		k, m := kind.ECParams()
		out := make([]int, m)
		for i := range out {
			out[i] = k + i
		}
		return out
	default:
		return nil
	}
}
