// Package dedup implements the capture-thread DEDUP stage: drop frames
// that are byte-for-byte repeats of a frame already seen (earlier in this
// file, or in an earlier file when one Stage is shared across a batch),
// before the expensive PREPROCESS/MARK path ever sees them. Fingerprints
// are hashes of the whole frame, not frame indices, so the stage catches retransmits
// and mirrored duplicates regardless of where in the file they land.
package dedup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/cespare/xxhash/v2"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/metrics"
	"github.com/rickypin/pktmask/model"
	"github.com/rickypin/pktmask/pipeline"
)

// Stage implements pipeline.Stage for the DEDUP step. Zero value is ready
// to use.
type Stage struct {
	seen *haxmap.Map[uint64, struct{}]
}

func (s *Stage) Name() string { return "dedup" }

// Process streams inputPath into outputPath, dropping any frame whose
// content fingerprint has already been written. Frame order is otherwise
// preserved. Frame indices are not stored in the capture file, so a
// reader of outputPath numbers the surviving frames from 0 without gaps.
// It checks ctx between frames; on cancellation it stops, deletes the
// partially-written outputPath, and returns ctx.Err().
func (s *Stage) Process(ctx context.Context, inputPath, outputPath string, sink pipeline.ProgressSink) (stats pipeline.StageStats, err error) {
	start := time.Now()
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageStart})

	in, err := os.Open(inputPath)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "open_input").Inc()
		return pipeline.StageStats{}, fmt.Errorf("dedup: opening %s: %w", inputPath, err)
	}
	defer in.Close()

	reader, err := capio.Open(in)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "bad_format").Inc()
		return pipeline.StageStats{}, fmt.Errorf("dedup: %w", err)
	}

	writer, closer, err := capio.Create(outputPath, reader.Format(), reader.LinkType())
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "open_output").Inc()
		return pipeline.StageStats{}, fmt.Errorf("dedup: %w", err)
	}
	defer closer.Close()
	defer func() {
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	if s.seen == nil {
		s.seen = haxmap.New[uint64, struct{}]()
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}

		frame, readErr := reader.ReadFrame()
		if readErr != nil {
			break
		}
		stats.FramesProcessed++
		metrics.FramesProcessed.WithLabelValues(s.Name()).Inc()

		if s.duplicate(frame) {
			stats.FramesModified++
			metrics.DedupDropped.Inc()
			pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventFrameProgress, Processed: stats.FramesProcessed})
			continue
		}

		if err := writer.WriteFrame(frame); err != nil {
			metrics.FilesFailed.WithLabelValues(s.Name(), "write").Inc()
			return stats, fmt.Errorf("dedup: writing frame %d: %w", frame.Index, err)
		}
		pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventFrameProgress, Processed: stats.FramesProcessed})
	}
	if err := writer.Flush(); err != nil {
		return stats, fmt.Errorf("dedup: flushing %s: %w", outputPath, err)
	}

	stats.Duration = time.Since(start)
	metrics.StageDuration.WithLabelValues(s.Name()).Observe(stats.Duration.Seconds())
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageEnd, Stats: stats})
	return stats, nil
}

// duplicate reports whether frame.Data has been seen before, recording it
// if not. The fingerprint covers on-wire bytes only; timestamp and Index
// are excluded so the same packet captured twice by overlapping taps
// still collapses to one.
func (s *Stage) duplicate(frame model.Frame) bool {
	h := xxhash.Sum64(frame.Data)
	_, loaded := s.seen.GetOrCompute(h, func() struct{} { return struct{}{} })
	return loaded
}
