package chunk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Label tags a storage node (e.g. "ssd", "hdd") used by placement policies.
// Wildcard matches any label.
type Label string

// Wildcard is the label that placement policies treat as "anywhere".
const Wildcard Label = "_"

// Slice is one slice kind's contribution to a Goal: for Standard, Labels is
// an unordered multiset with one entry per desired copy; for XorN/EC(k,m),
// Labels[i] is the label required for part index i and len(Labels) ==
// Kind.PartsInSlice().
type Slice struct {
	Kind   SliceKind
	Labels []Label
}

// Goal is an ordered map from slice kind to per-part label multiset.
// Per the open question resolved in DESIGN.md, a Goal may contain at most
// one Standard slice, one XorN slice, and one EC(k,m) slice.
type Goal struct {
	slices []Slice
}

// Slices returns the goal's slices in the order they were added.
func (g *Goal) Slices() []Slice { return g.slices }

// AddSlice appends a slice to the goal, validating that the resulting goal
// still has at most one slice per kind category (Standard / Xor / EC).
func (g *Goal) AddSlice(s Slice) error {
	for _, existing := range g.slices {
		if sameCategory(existing.Kind, s.Kind) {
			return fmt.Errorf("chunk: goal already has a slice of kind category %q", categoryName(s.Kind))
		}
	}
	if s.Kind.IsStandard() {
		if len(s.Labels) == 0 {
			return fmt.Errorf("chunk: standard slice needs at least one copy")
		}
	} else if len(s.Labels) != s.Kind.PartsInSlice() {
		return fmt.Errorf("chunk: slice %s needs %d labels, got %d", s.Kind, s.Kind.PartsInSlice(), len(s.Labels))
	}
	g.slices = append(g.slices, s)
	return nil
}

// Standard returns the goal's Standard slice, if any.
func (g *Goal) Standard() (Slice, bool) {
	for _, s := range g.slices {
		if s.Kind.IsStandard() {
			return s, true
		}
	}
	return Slice{}, false
}

// Xor returns the goal's XorN slice, if any.
func (g *Goal) Xor() (Slice, bool) {
	for _, s := range g.slices {
		if s.Kind.IsXor() {
			return s, true
		}
	}
	return Slice{}, false
}

// EC returns the goal's EC(k,m) slice, if any.
func (g *Goal) EC() (Slice, bool) {
	for _, s := range g.slices {
		if s.Kind.IsEC() {
			return s, true
		}
	}
	return Slice{}, false
}

func sameCategory(a, b SliceKind) bool {
	switch {
	case a.IsStandard() && b.IsStandard():
		return true
	case a.IsXor() && b.IsXor():
		return true
	case a.IsEC() && b.IsEC():
		return true
	default:
		return false
	}
}

func categoryName(k SliceKind) string {
	switch {
	case k.IsStandard():
		return "standard"
	case k.IsXor():
		return "xor"
	case k.IsEC():
		return "ec"
	default:
		return "invalid"
	}
}

// LabelCounts returns the label -> count multiset of a Standard slice's
// Labels.
func LabelCounts(labels []Label) map[Label]int {
	counts := make(map[Label]int, len(labels))
	for _, l := range labels {
		counts[l]++
	}
	return counts
}

// SortedLabels returns labels sorted with explicit (non-wildcard) labels
// first, matching the "explicit labels first, wildcards last" matching
// order required by the chunk-copy calculator's matching algorithm.
func SortedLabels(labels []Label) []Label {
	out := make([]Label, len(labels))
	copy(out, labels)
	sort.SliceStable(out, func(i, j int) bool {
		iWild := out[i] == Wildcard
		jWild := out[j] == Wildcard
		if iWild != jWild {
			return !iWild
		}
		return out[i] < out[j]
	})
	return out
}

// Parse parses a textual goal definition into a Goal. The grammar is one
// slice specification per non-empty line:
//
//	std: _ _ ssd
//	xor3: _ _ _ _
//	ec(3,2): _ _ _ _ _
//
// A '#' starts a line comment, matching the reference config loader's
// tokenizer. Each label token after the colon is either the wildcard "_" or
// an alphanumeric/underscore label name; for "std" the tokens are an
// unordered multiset of per-copy labels, one token per desired copy.
func Parse(text string) (Goal, error) {
	var g Goal
	for lineNo, rawLine := range strings.Split(text, "\n") {
		line := stripComment(rawLine)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		slice, err := parseLine(line)
		if err != nil {
			return Goal{}, fmt.Errorf("chunk: line %d: %w", lineNo+1, err)
		}
		if err := g.AddSlice(slice); err != nil {
			return Goal{}, fmt.Errorf("chunk: line %d: %w", lineNo+1, err)
		}
	}
	if len(g.slices) == 0 {
		return Goal{}, fmt.Errorf("chunk: empty goal")
	}
	return g, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseLine(line string) (Slice, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return Slice{}, fmt.Errorf("missing colon in %q", line)
	}
	kindToken := strings.TrimSpace(line[:colon])
	labelTokens := strings.Fields(line[colon+1:])
	if len(labelTokens) == 0 {
		return Slice{}, fmt.Errorf("no labels specified in %q", line)
	}

	kind, err := parseSliceKind(kindToken)
	if err != nil {
		return Slice{}, err
	}

	labels := make([]Label, len(labelTokens))
	for i, tok := range labelTokens {
		if !isValidLabelToken(tok) {
			return Slice{}, fmt.Errorf("invalid label %q", tok)
		}
		labels[i] = Label(tok)
	}

	if !kind.IsStandard() && len(labels) != kind.PartsInSlice() {
		return Slice{}, fmt.Errorf("%s expects %d labels, got %d", kind, kind.PartsInSlice(), len(labels))
	}
	return Slice{Kind: kind, Labels: labels}, nil
}

func parseSliceKind(token string) (SliceKind, error) {
	switch token {
	case "std":
		return Standard(), nil
	case "xor2":
		return Xor(2), nil
	case "xor3":
		return Xor(3), nil
	case "xor4":
		return Xor(4), nil
	case "xor5":
		return Xor(5), nil
	case "xor6":
		return Xor(6), nil
	case "xor7":
		return Xor(7), nil
	case "xor8":
		return Xor(8), nil
	case "xor9":
		return Xor(9), nil
	}
	if strings.HasPrefix(token, "ec(") && strings.HasSuffix(token, ")") {
		inner := token[len("ec(") : len(token)-1]
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return SliceKind{}, fmt.Errorf("malformed erasure code type %q", token)
		}
		k, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		m, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return SliceKind{}, fmt.Errorf("malformed erasure code type %q", token)
		}
		if k < 2 || k > 32 || m < 1 || m > 32 {
			return SliceKind{}, fmt.Errorf("erasure code type %q out of range", token)
		}
		return EC(k, m), nil
	}
	return SliceKind{}, fmt.Errorf("unknown goal slice kind %q", token)
}

func isValidLabelToken(tok string) bool {
	if tok == string(Wildcard) {
		return true
	}
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
