package model

// KeepRule denotes that absolute TCP sequence numbers in [SeqStart, SeqEnd)
// for Flow must be preserved byte-for-byte; every other payload byte in
// that direction is zeroed. Sequence arithmetic is modular 32-bit: a rule
// is stored normalized so SeqEnd > SeqStart, by splitting a wrap-around
// range into two rules at construction time; the one exception is a rule
// ending exactly at 2^32, stored with SeqEnd == 0 (see SplitWrap).
type KeepRule struct {
	Flow     FlowKey
	SeqStart uint32
	SeqEnd   uint32
}

// Len returns the byte width of the rule under modular-32 arithmetic.
func (r KeepRule) Len() uint32 {
	return r.SeqEnd - r.SeqStart
}

// SplitWrap normalizes a possibly wrap-around [start, end) range into one
// or two non-wrapping KeepRules. The caller passes the range's unwrapped
// end as a uint64 (start plus the range's true byte width) so the wrap is
// unambiguous; SplitWrap takes care of folding it back into u32 space.
//
// A rule that runs exactly to the top of the sequence space is stored with
// SeqEnd == 0: that is not a zero-length rule, since modular-32 comparison
// treats 0 as "2^32" relative to any nonzero SeqStart. Every consumer of
// KeepRule must compare sequence numbers modularly, never as plain uint32s.
func SplitWrap(flow FlowKey, start uint32, unwrappedEnd uint64) []KeepRule {
	const mod = uint64(1) << 32
	if unwrappedEnd <= uint64(start) {
		return nil
	}
	if unwrappedEnd <= mod {
		return []KeepRule{{Flow: flow, SeqStart: start, SeqEnd: uint32(unwrappedEnd)}}
	}
	rules := []KeepRule{{Flow: flow, SeqStart: start, SeqEnd: 0}}
	if remainder := uint32(unwrappedEnd - mod); remainder > 0 {
		rules = append(rules, KeepRule{Flow: flow, SeqStart: 0, SeqEnd: remainder})
	}
	return rules
}
