// Package pipeline defines the uniform stage interface every masking
// stage implements and the progress events stages emit. The stages are
// composed into a per-file sequence by package runner, not here.
package pipeline

import (
	"context"
	"time"
)

// StageStats summarizes one stage's run over one file.
type StageStats struct {
	FramesProcessed int
	FramesModified  int
	BytesZeroed     int64
	Duration        time.Duration
}

// EventKind distinguishes the four progress event shapes a stage emits.
type EventKind int

const (
	EventStageStart EventKind = iota
	EventFrameProgress
	EventStageEnd
	EventError
)

// ProgressEvent is emitted synchronously by a running stage. Consumers
// (a progress bar, a log line) must not block the call that emits it.
type ProgressEvent struct {
	Kind EventKind

	// EventFrameProgress fields.
	Processed int
	Total     int

	// EventStageEnd fields.
	Stats StageStats

	// EventError fields.
	Recoverable bool
	Message     string
}

// ProgressSink receives ProgressEvents. A nil sink is valid and discards
// every event.
type ProgressSink func(ProgressEvent)

func emit(sink ProgressSink, ev ProgressEvent) {
	if sink != nil {
		sink(ev)
	}
}

// Emit is exported so stage implementations outside this package (apply,
// preprocess, dedup, anonymize) can send events through a sink
// without reimplementing the nil check.
func Emit(sink ProgressSink, ev ProgressEvent) { emit(sink, ev) }

// Stage is the uniform operation every pipeline stage exposes: read
// inputPath, write outputPath, report progress through sink, and return
// accumulated stats (or the first fatal error encountered). ctx carries
// cooperative cancellation: a stage checks it between frames (and, for
// stages that shell out, passes it to the subprocess) and abandons work
// in progress without leaving a partially-written outputPath behind.
type Stage interface {
	Name() string
	Process(ctx context.Context, inputPath, outputPath string, sink ProgressSink) (StageStats, error)
}
