package chunkcopy

import "github.com/dfscore/chunkengine/chunk"

// requiredLabelsFor returns the target goal's label list for the slice kind
// matching kind, or nil if the goal has no such slice.
func requiredLabelsFor(target chunk.Goal, kind chunk.SliceKind) []chunk.Label {
	for _, s := range target.Slices() {
		if s.Kind.String() == kind.String() {
			return s.Labels
		}
	}
	return nil
}

func availableLabels(parts []AvailablePart) []chunk.Label {
	labels := make([]chunk.Label, len(parts))
	for i, p := range parts {
		labels[i] = p.Label
	}
	return labels
}

// removeOneLabel returns labels with a single occurrence of l removed.
func removeOneLabel(labels []chunk.Label, l chunk.Label) []chunk.Label {
	out := make([]chunk.Label, 0, len(labels))
	removed := false
	for _, x := range labels {
		if !removed && x == l {
			removed = true
			continue
		}
		out = append(out, x)
	}
	return out
}

// multisetSatisfied reports whether every label in required (explicit
// labels first, per chunk.SortedLabels) can be matched against a distinct
// entry in available, with wildcards matching whatever is left over.
func multisetSatisfied(required, available []chunk.Label) bool {
	avail := make(map[chunk.Label]int, len(available))
	for _, l := range available {
		avail[l]++
	}
	remaining := len(available)
	for _, r := range required {
		if r == chunk.Wildcard {
			if remaining <= 0 {
				return false
			}
			remaining--
			continue
		}
		if avail[r] <= 0 {
			return false
		}
		avail[r]--
		remaining--
	}
	return true
}
