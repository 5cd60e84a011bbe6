// Package chunkcopy implements the metadata-side chunk-copy calculator:
// given a chunk's available parts and its target goal, decide which
// parts are missing and need recovery, which are surplus and may be
// removed, and what overall redundancy state the chunk is in.
package chunkcopy

import (
	"sort"

	"github.com/dfscore/chunkengine/chunk"
)

// State is a chunk's (or one slice's) redundancy level, in increasing order
// of severity.
type State int

const (
	// Safe means at least one more part can be lost without losing data.
	Safe State = iota
	// Endangered means exactly the minimum number of parts needed to read
	// the data are present; losing any one more would lose data.
	Endangered
	// Lost means fewer than the minimum number of parts are present: some
	// of the chunk's data cannot currently be read.
	Lost
)

func (s State) String() string {
	switch s {
	case Safe:
		return "safe"
	case Endangered:
		return "endangered"
	case Lost:
		return "lost"
	default:
		return "invalid"
	}
}

// worse returns whichever of a, b is more severe.
func worse(a, b State) State {
	if a > b {
		return a
	}
	return b
}

// better returns whichever of a, b is less severe.
func better(a, b State) State {
	if a < b {
		return a
	}
	return b
}

// AvailablePart is one chunk part actually present somewhere, and the label
// of the server holding it.
type AvailablePart struct {
	Index int
	Label chunk.Label
}

// Calculator tracks one chunk's available parts against a target goal and
// answers the queries the replication scheduler and the removal/rebalance
// pass need, following the reference master's ChunkCopiesCalculator
// lifecycle: populate available parts, optionally Optimize, then query.
type Calculator struct {
	target    chunk.Goal
	available map[string][]AvailablePart // slice kind string -> parts present

	sliceState map[string]State
	optimized  bool
}

// NewCalculator returns a Calculator for the given target goal with no
// parts yet recorded as available.
func NewCalculator(target chunk.Goal) *Calculator {
	return &Calculator{
		target:    target,
		available: make(map[string][]AvailablePart),
	}
}

// AddPart records that a chunk part is available at a server with the given
// label.
func (c *Calculator) AddPart(pt chunk.PartType, label chunk.Label) {
	key := pt.Slice.String()
	c.available[key] = append(c.available[key], AvailablePart{Index: pt.Index, Label: label})
	c.optimized = false
}

// RemovePart drops one occurrence of a chunk part from the available set,
// e.g. when a storage node reports it lost or a removal completes.
func (c *Calculator) RemovePart(pt chunk.PartType, label chunk.Label) {
	key := pt.Slice.String()
	parts := c.available[key]
	for i, p := range parts {
		if p.Index == pt.Index && p.Label == label {
			c.available[key] = append(parts[:i], parts[i+1:]...)
			break
		}
	}
	c.optimized = false
}

// availableKeys returns the keys of the slice kinds with at least one
// available part, sorted for deterministic iteration.
func (c *Calculator) availableKeys() []string {
	keys := make([]string, 0, len(c.available))
	for k, parts := range c.available {
		if len(parts) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Optimize evaluates every slice kind's redundancy state (the evalState
// step) and caches the result. State and SliceState read that cache and
// call Optimize themselves when it is stale; the other query methods do
// not use it.
func (c *Calculator) Optimize() {
	c.sliceState = make(map[string]State)
	for _, slice := range c.target.Slices() {
		key := slice.Kind.String()
		c.sliceState[key] = c.evalSliceState(slice.Kind)
	}
	// A slice kind may be available but not present in the target at all
	// (e.g. the goal was just changed); it still contributes a way to read
	// the chunk, so its state is tracked too even though no removal
	// decision will ever target it as "required".
	for _, key := range c.availableKeys() {
		if _, ok := c.sliceState[key]; !ok {
			c.sliceState[key] = c.evalSliceStateByKey(key)
		}
	}
	c.optimized = true
}

func (c *Calculator) evalSliceState(kind chunk.SliceKind) State {
	return c.evalSliceStateByKey(kind.String())
}

// evalSliceStateByKey computes a slice's state purely from how many parts
// are present versus the minimum required to reconstruct: Standard needs 1,
// XorN needs N of its N+1 parts, EC(k,m) needs k of its k+m parts.
func (c *Calculator) evalSliceStateByKey(key string) State {
	parts := c.available[key]
	present := presentCount(key, parts)

	min := minRequiredFor(key, c.target, parts)
	switch {
	case present < min:
		return Lost
	case present == min:
		return Endangered
	default:
		return Safe
	}
}

func uniqueIndices(parts []AvailablePart) int {
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		seen[p.Index] = true
	}
	return len(seen)
}

// presentCount returns how many of a slice's required slots are filled.
// Standard parts all share Index 0, so every entry is a distinct copy and
// the raw count is what matters; XorN/EC(k,m) parts occupy distinct
// positional slots, so duplicate copies of the same index don't add
// redundancy and only the count of distinct indices matters.
func presentCount(key string, parts []AvailablePart) int {
	if key == chunk.Standard().String() {
		return len(parts)
	}
	return uniqueIndices(parts)
}

// minRequiredFor derives the minimum present-part count below which a slice
// kind is Lost, by matching the key back to a concrete SliceKind either from
// the target goal (preferred, since its Kind value carries k/m precisely)
// or, failing that, by inspecting the available parts' index range.
func minRequiredFor(key string, target chunk.Goal, parts []AvailablePart) int {
	for _, slice := range target.Slices() {
		if slice.Kind.String() == key {
			return minRequiredForKind(slice.Kind)
		}
	}
	// No matching target slice: infer N (or k) from the highest observed
	// part index. This is exact for Standard, and for XorN only while data
	// part N is present (otherwise it is lower); for an EC slice no longer
	// in the goal it is only a rough estimate.
	return inferMinRequired(key, parts)
}

func minRequiredForKind(k chunk.SliceKind) int {
	switch {
	case k.IsStandard():
		return 1
	case k.IsXor():
		return k.XorN()
	case k.IsEC():
		kk, _ := k.ECParams()
		return kk
	default:
		return 1
	}
}

func inferMinRequired(key string, parts []AvailablePart) int {
	if key == chunk.Standard().String() {
		return 1
	}
	maxIndex := 0
	for _, p := range parts {
		if p.Index > maxIndex {
			maxIndex = p.Index
		}
	}
	return maxIndex
}

// RedundancyLevel returns the signed number of additional part losses a
// chunk can tolerate before data becomes unreadable: positive means Safe,
// zero means Endangered, negative means that many parts are missing beyond
// what the goal tolerates (Lost). It is the maximum, across every slice
// kind present in the target or the available set, of that slice's own
// contribution:
//
//   - Standard contributes count_of_standard_copies - 1;
//   - XorN contributes min(data_parts_present, 1) + parity_present - 1,
//     i.e. having any data present at all is worth one unit of tolerance,
//     topped up by whether parity also survives;
//   - EC(k,m) contributes present_parts - k.
//
// A chunk's overall redundancy level is the best (highest) of its slices',
// since only one intact slice is needed to read the data.
func (c *Calculator) RedundancyLevel() int {
	keys := c.availableKeys()
	for _, slice := range c.target.Slices() {
		key := slice.Kind.String()
		if _, ok := c.available[key]; !ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return -1
	}
	best := -1 << 31
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		r := c.sliceRedundancyLevel(key)
		if r > best {
			best = r
		}
	}
	return best
}

func (c *Calculator) sliceRedundancyLevel(key string) int {
	parts := c.available[key]
	kind, known := sliceKindFromKey(c.target, key, parts)
	if !known {
		kind = inferSliceKind(key, parts)
	}

	switch {
	case kind.IsStandard():
		return len(parts) - 1
	case kind.IsXor():
		dataPresent, parityPresent := 0, 0
		seenIdx := make(map[int]bool, len(parts))
		for _, p := range parts {
			if seenIdx[p.Index] {
				continue
			}
			seenIdx[p.Index] = true
			if (chunk.PartType{Slice: kind, Index: p.Index}).IsParity() {
				parityPresent = 1
			} else {
				dataPresent++
			}
		}
		if dataPresent > 1 {
			dataPresent = 1
		}
		return dataPresent + parityPresent - 1
	case kind.IsEC():
		k, _ := kind.ECParams()
		return uniqueIndices(parts) - k
	default:
		return -1
	}
}

// inferSliceKind rebuilds a SliceKind from an available-parts key that no
// longer matches any slice in the target goal (e.g. the chunk is losing a
// slice kind it used to have), from the slice's own part index range.
func inferSliceKind(key string, parts []AvailablePart) chunk.SliceKind {
	if key == chunk.Standard().String() {
		return chunk.Standard()
	}
	maxIndex := 0
	for _, p := range parts {
		if p.Index > maxIndex {
			maxIndex = p.Index
		}
	}
	if maxIndex < 2 || maxIndex > 9 {
		return chunk.SliceKind{}
	}
	if n := chunk.Xor(maxIndex); n.String() == key {
		return n
	}
	return chunk.SliceKind{}
}

// RecoverySchedule is the (to_recover, to_remove) operation-count pair the
// chunk-copy calculator yields for one chunk: how many new parts must be
// created to reach the target goal, and how many surplus parts may be
// deleted. Both are plain counts; labels play no part in them.
type RecoverySchedule struct {
	ToRecover int
	ToRemove  int
}

// Schedule computes the chunk-wide (to_recover, to_remove) pair: the sum,
// over every slice kind named in the target goal, of that slice's missing
// part count (to_recover) and surplus part count (to_remove). For XorN/EC
// the count compared against the slice's part total is the number of
// distinct available indices. For Standard it is the number of available
// copies compared against the number of labels in the goal; the copies'
// labels are not compared with the goal's labels, so a copy on a server
// with the wrong label still counts as present.
func (c *Calculator) Schedule() RecoverySchedule {
	var sched RecoverySchedule
	for _, slice := range c.target.Slices() {
		key := slice.Kind.String()
		parts := c.available[key]
		present := slicePresentForSchedule(slice.Kind, parts)
		want := len(slice.Labels)
		if slice.Kind.IsXor() || slice.Kind.IsEC() {
			want = slice.Kind.PartsInSlice()
		}
		if present < want {
			sched.ToRecover += want - present
		} else if present > want {
			sched.ToRemove += present - want
		}
	}
	// Any available slice kind the target no longer names is entirely
	// surplus: every one of its parts may be removed.
	for _, key := range c.availableKeys() {
		if _, inTarget := sliceKindFromKey(c.target, key, nil); inTarget {
			continue
		}
		sched.ToRemove += len(c.available[key])
	}
	return sched
}

// slicePresentForSchedule counts how many of a slice's wanted slots are
// currently filled: for Standard every available copy fills one slot (the
// count is not capped at the number wanted); for XorN/EC, each distinct
// present index fills its own slot.
func slicePresentForSchedule(kind chunk.SliceKind, parts []AvailablePart) int {
	if kind.IsStandard() {
		return len(parts)
	}
	return uniqueIndices(parts)
}

// State returns the overall chunk state: the least severe state among every
// slice kind that currently has a way to reconstruct the data, since only
// one intact slice is needed to read a chunk. A chunk with no available
// parts at all is Lost.
func (c *Calculator) State() State {
	if !c.optimized {
		c.Optimize()
	}
	if len(c.sliceState) == 0 {
		return Lost
	}
	best := Lost
	for _, s := range c.sliceState {
		best = better(best, s)
	}
	return best
}

// SliceState returns the cached redundancy state of a specific slice kind.
func (c *Calculator) SliceState(kind chunk.SliceKind) State {
	if !c.optimized {
		c.Optimize()
	}
	return c.sliceState[kind.String()]
}

// CanRemovePart reports whether removing the given part would still leave
// its slice in a non-Lost state — the query the rebalancer uses before
// deleting a surplus replica.
func (c *Calculator) CanRemovePart(pt chunk.PartType, label chunk.Label) bool {
	key := pt.Slice.String()
	parts := c.available[key]
	remaining := make([]AvailablePart, 0, len(parts))
	removed := false
	for _, p := range parts {
		if !removed && p.Index == pt.Index && p.Label == label {
			removed = true
			continue
		}
		remaining = append(remaining, p)
	}
	if !removed {
		return false
	}
	min := minRequiredFor(key, c.target, remaining)
	return presentCount(key, remaining) >= min
}

// CanMovePartToDifferentLabel reports whether a part may be relocated to a
// server with a different label without violating the target goal.
//
// XorN/EC(k,m) slices assign a label per part index positionally: the part
// is pinned only if the target names an explicit (non-wildcard) label for
// that exact index. Standard slices instead require an unordered multiset
// of labels across all copies; a part is pinned only if removing it (and
// re-matching the rest, explicit labels first per chunk.SortedLabels) would
// leave some explicit label requirement unsatisfied.
func (c *Calculator) CanMovePartToDifferentLabel(pt chunk.PartType, label chunk.Label) bool {
	req := requiredLabelsFor(c.target, pt.Slice)
	if len(req) == 0 {
		return true
	}
	if !pt.Slice.IsStandard() {
		if pt.Index < 0 || pt.Index >= len(req) {
			return true
		}
		return req[pt.Index] == chunk.Wildcard
	}
	others := removeOneLabel(availableLabels(c.available[pt.Slice.String()]), label)
	// The moved copy still fills a wildcard slot, so only the explicit
	// labels have to be matched by the remaining copies.
	var explicit []chunk.Label
	for _, l := range chunk.SortedLabels(req) {
		if l != chunk.Wildcard {
			explicit = append(explicit, l)
		}
	}
	return multisetSatisfied(explicit, others)
}

// LabelsToRecover returns the labels a replacement for the given missing
// part must satisfy, drawn from the target goal's per-part label (or the
// wildcard if any label is acceptable).
func (c *Calculator) LabelsToRecover(pt chunk.PartType) []chunk.Label {
	req := requiredLabelsFor(c.target, pt.Slice)
	if pt.Slice.IsStandard() {
		return req // every label of the target's Standard slice
	}
	if pt.Index >= 0 && pt.Index < len(req) {
		return []chunk.Label{req[pt.Index]}
	}
	return []chunk.Label{chunk.Wildcard}
}

// RemovePool returns the labels of every available copy of the given part
// index. It does not check whether removing any of them is safe; that is
// what CanRemovePart answers.
func (c *Calculator) RemovePool(pt chunk.PartType) []chunk.Label {
	parts := c.available[pt.Slice.String()]
	var pool []chunk.Label
	for _, p := range parts {
		if p.Index == pt.Index {
			pool = append(pool, p.Label)
		}
	}
	return pool
}

// FullCopiesCount returns how many complete copies of the chunk's data are
// currently available: one per available Standard part, plus one for every
// complete set of an XorN or EC(k,m) slice's data parts.
func (c *Calculator) FullCopiesCount() int {
	count := 0
	for key, parts := range c.available {
		switch {
		case key == chunk.Standard().String():
			// Every Standard part uses Index 0, so each entry is a distinct
			// physical copy rather than a distinct index.
			count += len(parts)
		default:
			kind, ok := sliceKindFromKey(c.target, key, parts)
			if !ok {
				continue
			}
			dataParts := 0
			for _, p := range parts {
				if !(chunk.PartType{Slice: kind, Index: p.Index}).IsParity() {
					dataParts++
				}
			}
			need := kind.PartsInSlice()
			if kind.IsXor() {
				need = kind.XorN()
			} else if kind.IsEC() {
				k, _ := kind.ECParams()
				need = k
			}
			if need > 0 {
				count += dataParts / need
			}
		}
	}
	return count
}

func sliceKindFromKey(target chunk.Goal, key string, parts []AvailablePart) (chunk.SliceKind, bool) {
	for _, slice := range target.Slices() {
		if slice.Kind.String() == key {
			return slice.Kind, true
		}
	}
	return chunk.SliceKind{}, false
}
