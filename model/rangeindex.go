package model

import "sort"

// Interval is a payload-local, half-open byte range [Start, End) that must
// be kept; every other byte in the payload is zeroed by the caller.
type Interval struct {
	Start, End int
}

// Lookup answers, for one TCP payload of the given length starting at
// absolute sequence number seq in flow's direction, which payload-local
// byte ranges must be preserved. An unknown flow yields no intervals,
// meaning the whole payload is zeroed. length <= 0 is a no-op.
//
// Sequence arithmetic throughout is modular 32-bit: rule boundaries and
// seq are compared via signed differences (consistent with standard TCP
// sequence-comparison, RFC 1982 style), so the lookup remains correct
// across a sequence-number wrap as long as no single rule or payload spans
// more than half the sequence space — true of any real TLS record or
// segment.
func (s *KeepRuleSet) Lookup(flow FlowKey, seq uint32, length int) []Interval {
	if length <= 0 {
		return nil
	}
	rules := s.byFlow[flow]
	if len(rules) == 0 {
		return nil
	}

	relEnd := func(i int) int32 { return int32(rules[i].SeqEnd - seq) }
	relStart := func(i int) int32 { return int32(rules[i].SeqStart - seq) }

	// Rules are stored sorted by plain SeqStart, so relative to seq they
	// form a rotation of that order. Start one rule before the first rule
	// at or after seq (that rule may begin before seq and cover it), walk
	// forward modulo len(rules), and stop once a rule starts at or past
	// the payload end.
	n := len(rules)
	first := sort.Search(n, func(i int) bool { return rules[i].SeqStart >= seq })

	var out []Interval
	for j := 0; j < n; j++ {
		i := (first + n - 1 + j) % n
		if j > 0 && rules[i].SeqStart-seq >= uint32(length) {
			break
		}
		lo := relStart(i)
		if lo < 0 {
			lo = 0
		}
		hi := relEnd(i)
		if hi > int32(length) {
			hi = int32(length)
		}
		if lo >= hi {
			continue
		}
		out = append(out, Interval{Start: int(lo), End: int(hi)})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Start < out[b].Start })
	return out
}

// Zeroed returns the complement of Lookup within [0, length): the
// payload-local ranges that must be zeroed.
func (s *KeepRuleSet) Zeroed(flow FlowKey, seq uint32, length int) []Interval {
	if length <= 0 {
		return nil
	}
	keep := s.Lookup(flow, seq, length)
	var out []Interval
	cursor := 0
	for _, k := range keep {
		if k.Start > cursor {
			out = append(out, Interval{Start: cursor, End: k.Start})
		}
		if k.End > cursor {
			cursor = k.End
		}
	}
	if cursor < length {
		out = append(out, Interval{Start: cursor, End: length})
	}
	return out
}
