// Package runner composes the per-file stage pipeline: the optional DEDUP
// and PREPROCESS stages, MARK's rule construction, APPLY's masking pass,
// and the optional ANONYMIZE stage. It lives outside package pipeline
// because it imports every stage package, and those packages already
// import pipeline for the Stage interface; a Runner inside pipeline
// itself would create an import cycle.
package runner

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rickypin/pktmask/anonymize"
	"github.com/rickypin/pktmask/apply"
	"github.com/rickypin/pktmask/config"
	"github.com/rickypin/pktmask/decoder"
	"github.com/rickypin/pktmask/dedup"
	"github.com/rickypin/pktmask/mark"
	"github.com/rickypin/pktmask/model"
	"github.com/rickypin/pktmask/pipeline"
	"github.com/rickypin/pktmask/preprocess"
	"github.com/rickypin/pktmask/report"
	"github.com/rickypin/pktmask/scratch"
)

// RunFile executes the full stage sequence for one capture file, writing
// the final masked (and, if configured, deduplicated/anonymized) capture
// to outputPath. It returns a report.FileResult summarizing the run;
// the returned error is non-nil only for conditions the caller should
// treat as a hard failure (Failed is also set on FileResult in that case).
//
// dedupStage, when non-nil, is reused across calls so its fingerprint set
// spans every file the caller runs through it (batch-wide dedup); pass
// nil for per-file dedup, or when cfg.RunDedup is false.
//
// ctx carries cooperative cancellation: it is checked between frames
// inside each stage, and a cancelled ctx aborts the remaining stages and
// deletes outputPath (and any stage-local intermediate it already wrote)
// rather than leaving a partial file behind.
func RunFile(ctx context.Context, cfg config.PipelineConfig, dec *decoder.Decoder, anon *anonymize.Cryptopan, dedupStage *dedup.Stage, inputPath, outputPath string, sink pipeline.ProgressSink) (result report.FileResult, err error) {
	result = report.FileResult{Path: inputPath}

	scratchDir, err := scratch.New(cfg.ScratchBase, cfg.KeepIntermediate)
	if err != nil {
		return fail(result, fmt.Errorf("runner: %w", err))
	}
	defer scratchDir.Close()
	defer func() {
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	// source is the pre-reassembly capture APPLY must mask: the original
	// input, or the deduped capture if DEDUP ran. PREPROCESS's reassembled
	// capture is analysis input for MARK only and is never fed to APPLY —
	// APPLY streams raw frames as they appear on the wire, not a
	// reassembled stream, so frame count/order/timestamps are preserved.
	source := inputPath

	if cfg.RunDedup {
		if dedupStage == nil {
			dedupStage = &dedup.Stage{}
		}
		next := scratchDir.Join("deduped.pcap")
		stats, err := dedupStage.Process(ctx, source, next, sink)
		if err != nil {
			return fail(result, fmt.Errorf("runner: dedup: %w", err))
		}
		result.FramesIn = stats.FramesProcessed
		result.FramesModified += stats.FramesModified
		source = next
	}

	var rows []decoder.FieldRow
	if cfg.Preprocess.Disabled {
		rows, err = extractWithoutReassembly(ctx, dec, source, scratchDir)
		if err != nil {
			return fail(result, fmt.Errorf("runner: %w", err))
		}
	} else {
		pre := &preprocess.Stage{Decoder: dec, VXLANPorts: cfg.Apply.VXLANPorts}
		reassembled := scratchDir.Join("reassembled.pcap")
		if _, err := pre.Process(ctx, source, reassembled, sink); err != nil {
			return fail(result, fmt.Errorf("runner: preprocess: %w", err))
		}
		rows = pre.Last.Rows
		result.CollisionCount = pre.Last.Collisions
	}

	markResult := mark.Build(rows, fieldRowFlow, cfg.Mark.ReportSequenceGaps)
	result.ReassemblyGaps = markResult.GappyFlows

	applyStage := &apply.Stage{
		Rules:      markResult.Rules,
		Policy:     applyPolicy(cfg.Apply.Policy),
		VXLANPorts: cfg.Apply.VXLANPorts,
	}

	next := outputPath
	if cfg.RunAnonymize {
		next = scratchDir.Join("masked.pcap")
	}
	stats, err := applyStage.Process(ctx, source, next, sink)
	if err != nil {
		return fail(result, fmt.Errorf("runner: apply: %w", err))
	}
	if result.FramesIn == 0 {
		result.FramesIn = stats.FramesProcessed
	}
	result.FramesOut = stats.FramesProcessed
	result.FramesModified += stats.FramesModified
	result.BytesZeroed = stats.BytesZeroed
	current := next

	if cfg.RunAnonymize {
		anonStage := &anonymize.Stage{Anon: anon, VXLANPorts: cfg.Apply.VXLANPorts}
		if _, err := anonStage.Process(ctx, current, outputPath, sink); err != nil {
			return fail(result, fmt.Errorf("runner: anonymize: %w", err))
		}
	}

	return result, nil
}

func fail(result report.FileResult, err error) (report.FileResult, error) {
	result.Failed = true
	result.Reason = err.Error()
	return result, err
}

// extractWithoutReassembly runs the decoder's field extraction directly
// against inputPath, skipping reassembly. This is the degraded mode
// config.PreprocessConfig.Disabled selects: MARK still gets field rows,
// but any TLS record split across out-of-order or retransmitted segments
// will not have been reassembled first.
func extractWithoutReassembly(ctx context.Context, dec *decoder.Decoder, inputPath string, scratchDir *scratch.Dir) ([]decoder.FieldRow, error) {
	fieldsPath := scratchDir.Join("fields.csv")
	if err := dec.Extract(ctx, inputPath, fieldsPath); err != nil {
		return nil, fmt.Errorf("extracting %s: %w", inputPath, err)
	}
	defer os.Remove(fieldsPath)
	return decoder.ParseFieldRows(fieldsPath)
}

// fieldRowFlow derives the directional FlowKey a FieldRow belongs to from
// its reported 5-tuple.
func fieldRowFlow(row decoder.FieldRow) model.FlowKey {
	return model.NewFlowKey(net.ParseIP(row.SrcIP), net.ParseIP(row.DstIP), row.SrcPort, row.DstPort)
}

// applyPolicy converts config's stage-independent policy enum into
// apply's own, so config never imports the stage packages it configures.
func applyPolicy(p config.UnanalyzedFlowPolicy) apply.UnanalyzedFlowPolicy {
	if p == config.KeepUnanalyzed {
		return apply.KeepUnanalyzed
	}
	return apply.ZeroUnanalyzed
}
