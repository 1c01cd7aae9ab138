// Package mark implements the MARK stage: it turns the external decoder's
// field-oriented TLS extraction into a model.KeepRuleSet, applying the
// strategy table and rule-merge policy.
package mark

import (
	"sort"

	"github.com/rickypin/pktmask/decoder"
	"github.com/rickypin/pktmask/metrics"
	"github.com/rickypin/pktmask/model"
	"github.com/rickypin/pktmask/tcp"
	"github.com/rickypin/pktmask/tlsrecord"
)

// Result is the product of a MARK run: the KeepRuleSet consumed by APPLY,
// plus per-type counts and the detected ISN per flow for reporting.
type Result struct {
	Rules      *model.KeepRuleSet
	TypeCounts map[tlsrecord.Type]int
	ISNs       map[model.FlowKey]uint32

	// GappyFlows counts flow directions where the retransmission-aware
	// sequence tracker still saw a missing segment after PREPROCESS —
	// a signal that under-masking is possible for that direction, not a
	// correctness failure in MARK itself.
	GappyFlows int
}

// isnTracker remembers, per flow direction, the smallest sequence number
// observed so far. FieldRow.TCPSeq already carries the absolute wire
// sequence number (the decoder is contracted to preserve it through
// reassembly, see decoder.FieldRow), so the tracker's only job is the
// diagnostic one the strategy calls for: surfacing a restarted stream
// (a decoder run that produced more than one plausible ISN for a flow)
// by reporting the smallest value seen, not performing any arithmetic
// conversion of record offsets.
type isnTracker struct {
	smallest map[model.FlowKey]uint32
	seen     map[model.FlowKey]bool
}

func newISNTracker() *isnTracker {
	return &isnTracker{
		smallest: make(map[model.FlowKey]uint32),
		seen:     make(map[model.FlowKey]bool),
	}
}

// observe folds seq into the tracked minimum for flow, treating the
// smaller of two sequence numbers by modular distance: if the gap going
// from candidate to current is smaller than the reverse gap, candidate
// precedes current in sequence-space and becomes the new minimum.
func (t *isnTracker) observe(flow model.FlowKey, seq uint32) {
	if !t.seen[flow] {
		t.seen[flow] = true
		t.smallest[flow] = seq
		return
	}
	cur := t.smallest[flow]
	if int32(cur-seq) > 0 {
		t.smallest[flow] = seq
	}
}

// Build consumes every FieldRow produced by the decoder's TLS extraction
// (already grouped by file, in any order) and returns the resulting
// KeepRuleSet plus per-type counts.
//
// rowFlow maps a FieldRow to the directional FlowKey the TLS record
// belongs to; it is a function rather than a FieldRow field because the
// decoder reports raw src/dst IP/port pairs and callers own the
// normalization (e.g. resolving encapsulated/NATed addresses) that turns
// those into a model.FlowKey.
//
// reportSequenceGaps gates the reassembly-gap diagnostic pass (a second,
// O(n log n) sort-and-replay of every row per flow, just to populate
// Result.GappyFlows for reporting): when false, that pass is skipped
// entirely and GappyFlows is always 0. It never affects the KeepRuleSet
// itself, which is built independently of this diagnostic.
func Build(rows []decoder.FieldRow, rowFlow func(decoder.FieldRow) model.FlowKey, reportSequenceGaps bool) Result {
	isns := newISNTracker()
	for _, row := range rows {
		isns.observe(rowFlow(row), row.TCPSeq)
	}

	var gaps int
	if reportSequenceGaps {
		gaps = reassemblyGaps(rows, rowFlow)
	}

	byFlow := make(map[model.FlowKey][]taggedRule)
	counts := make(map[tlsrecord.Type]int)

	for _, row := range rows {
		flow := rowFlow(row)
		rec := toRecord(row, flow)
		counts[rec.Type]++

		rules := rulesForRecord(rec)
		for _, r := range rules {
			byFlow[flow] = append(byFlow[flow], taggedRule{rule: r, boundary23: rec.Type == tlsrecord.ApplicationData})
		}
		metrics.TLSRecordsByType.WithLabelValues(rec.Type.String()).Inc()
	}

	out := model.NewKeepRuleSet()
	for _, tagged := range byFlow {
		sort.Slice(tagged, func(i, j int) bool { return tagged[i].rule.SeqStart < tagged[j].rule.SeqStart })
		merged := mergeRespectingBoundaries(tagged)
		out.AddAll(merged)
	}
	metrics.KeepRulesEmitted.Add(float64(out.Len()))

	isnReport := make(map[model.FlowKey]uint32, len(isns.smallest))
	for flow, seq := range isns.smallest {
		isnReport[flow] = seq
	}

	if gaps > 0 {
		metrics.ReassemblyGaps.Add(float64(gaps))
	}

	return Result{Rules: out, TypeCounts: counts, ISNs: isnReport, GappyFlows: gaps}
}

// reassemblyGaps runs each flow direction's rows, in ascending TCPSeq order,
// through a tcp.Tracker and counts the directions where MissingPackets was
// incremented at least once. It never mutates rows or influences the
// KeepRuleSet; it only flags streams PREPROCESS may not have fully
// reassembled, so under-masking risk can be reported per file
// (Result.GappyFlows, carried into report.FileResult.ReassemblyGaps).
func reassemblyGaps(rows []decoder.FieldRow, rowFlow func(decoder.FieldRow) model.FlowKey) int {
	byFlow := make(map[model.FlowKey][]decoder.FieldRow)
	for _, row := range rows {
		flow := rowFlow(row)
		byFlow[flow] = append(byFlow[flow], row)
	}

	gappy := 0
	for _, flowRows := range byFlow {
		sort.Slice(flowRows, func(i, j int) bool { return flowRows[i].TCPSeq < flowRows[j].TCPSeq })

		tracker := tcp.NewTracker()
		stats := &tcp.TcpStats{OptionCounts: make([]int64, 16)}
		for _, row := range flowRows {
			tracker.Seq(row.Timestamp, row.TCPSeq, uint16(row.TCPSegmentLen), false, stats)
		}
		if stats.MissingPackets > 0 {
			gappy++
		}
	}
	return gappy
}

// toRecord converts one FieldRow into a tlsrecord.Record. header_seq_start
// is taken directly from the row: the decoder extraction reports the
// original wire sequence number for each record, carried through
// reassembly unchanged.
func toRecord(row decoder.FieldRow, flow model.FlowKey) tlsrecord.Record {
	return tlsrecord.Record{
		Flow:           flow,
		Type:           tlsrecord.ResolveType(row.TLSContentType, row.TLSOpaqueType),
		HeaderSeqStart: row.TCPSeq,
		BodyLength:     row.TLSRecordLen,
	}
}

// rulesForRecord applies the strategy table, producing one or two
// KeepRules per record (two only when the kept range wraps mod 2^32).
func rulesForRecord(rec tlsrecord.Record) []model.KeepRule {
	switch rec.Type {
	case tlsrecord.ApplicationData:
		return model.SplitWrap(rec.Flow, rec.HeaderSeqStart, rec.BodySeqStartUnwrapped())
	default:
		return model.SplitWrap(rec.Flow, rec.HeaderSeqStart, rec.End())
	}
}

type taggedRule struct {
	rule       model.KeepRule
	boundary23 bool // true if this rule was emitted for a type-23 record
}

// mergeRespectingBoundaries merges adjacent, abutting rules except where
// one of the pair is a type-23 header-only rule: merging across that
// boundary would silently extend a keep range into the ApplicationData
// body, which must stay zeroed.
func mergeRespectingBoundaries(tagged []taggedRule) []model.KeepRule {
	if len(tagged) == 0 {
		return nil
	}
	out := make([]model.KeepRule, 0, len(tagged))
	cur := tagged[0]
	for _, next := range tagged[1:] {
		abuts := cur.rule.SeqEnd == next.rule.SeqStart
		safe := !cur.boundary23 && !next.boundary23
		if abuts && safe {
			cur.rule.SeqEnd = next.rule.SeqEnd
			continue
		}
		out = append(out, cur.rule)
		cur = next
	}
	return append(out, cur.rule)
}
