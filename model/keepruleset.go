package model

import "sort"

// KeepRuleSet maps each flow direction to its ordered, non-overlapping list
// of KeepRules, sorted by SeqStart. A flow absent from the set means "no
// bytes preserved" for that direction — APPLY zeroes the whole payload.
//
// KeepRuleSet does not itself decide which adjacent rules to merge: that
// policy is type-aware (see the mark package's record-type strategy) and
// is resolved before rules are added here. Add only rejects structurally
// invalid input (zero-length rules) and keeps the per-flow list sorted.
type KeepRuleSet struct {
	byFlow map[FlowKey][]KeepRule
}

// NewKeepRuleSet returns an empty set.
func NewKeepRuleSet() *KeepRuleSet {
	return &KeepRuleSet{byFlow: make(map[FlowKey][]KeepRule)}
}

// Add inserts rule into its flow's list, maintaining sort order by
// SeqStart. Zero-length rules (SeqStart == SeqEnd) are silently dropped,
// per the "no zero-length rules" invariant.
func (s *KeepRuleSet) Add(rule KeepRule) {
	if rule.SeqStart == rule.SeqEnd {
		return
	}
	list := s.byFlow[rule.Flow]
	i := sort.Search(len(list), func(i int) bool { return list[i].SeqStart >= rule.SeqStart })
	list = append(list, KeepRule{})
	copy(list[i+1:], list[i:])
	list[i] = rule
	s.byFlow[rule.Flow] = list
}

// AddAll inserts every rule in rules.
func (s *KeepRuleSet) AddAll(rules []KeepRule) {
	for _, r := range rules {
		s.Add(r)
	}
}

// Flows returns every flow direction present in the set.
func (s *KeepRuleSet) Flows() []FlowKey {
	out := make([]FlowKey, 0, len(s.byFlow))
	for f := range s.byFlow {
		out = append(out, f)
	}
	return out
}

// Rules returns the ordered rule list for flow. The returned slice must
// not be mutated by the caller; it is a read view into the set.
func (s *KeepRuleSet) Rules(flow FlowKey) []KeepRule {
	return s.byFlow[flow]
}

// Has reports whether flow has any rules at all.
func (s *KeepRuleSet) Has(flow FlowKey) bool {
	_, ok := s.byFlow[flow]
	return ok
}

// Len returns the total number of rules across every flow.
func (s *KeepRuleSet) Len() int {
	n := 0
	for _, list := range s.byFlow {
		n += len(list)
	}
	return n
}

// MergeAdjacent collapses strictly abutting rules (a.SeqEnd == b.SeqStart)
// within an already-sorted, single-flow rule list into single wider rules.
// It is exported for callers that have already decided two adjacent rules
// are safe to merge (mark applies its own type-aware merge instead of
// calling it); KeepRuleSet itself
// never calls this automatically, since merging across a type-23
// ApplicationData boundary would silently extend a keep range into a body
// that must stay zeroed.
func MergeAdjacent(rules []KeepRule) []KeepRule {
	if len(rules) == 0 {
		return rules
	}
	out := make([]KeepRule, 0, len(rules))
	cur := rules[0]
	for _, r := range rules[1:] {
		if cur.SeqEnd == r.SeqStart {
			cur.SeqEnd = r.SeqEnd
			continue
		}
		out = append(out, cur)
		cur = r
	}
	return append(out, cur)
}
