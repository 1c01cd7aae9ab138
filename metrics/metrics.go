// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the masking pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or going out of a stage: frames, files, records.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessed counts frames read by a stage.
	// Provides metric: pktmask_frames_processed_total{stage}
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_frames_processed_total",
		Help: "Number of frames read by a pipeline stage.",
	}, []string{"stage"})

	// FramesModified counts frames whose bytes a stage actually rewrote.
	// Provides metric: pktmask_frames_modified_total{stage}
	FramesModified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_frames_modified_total",
		Help: "Number of frames a pipeline stage rewrote.",
	}, []string{"stage"})

	// BytesZeroed counts payload bytes overwritten with zero by APPLY.
	// Provides metric: pktmask_bytes_zeroed_total
	BytesZeroed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_bytes_zeroed_total",
		Help: "Total TCP payload bytes overwritten with zero.",
	})

	// BytesKept counts payload bytes preserved untouched by APPLY.
	// Provides metric: pktmask_bytes_kept_total
	BytesKept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_bytes_kept_total",
		Help: "Total TCP payload bytes preserved untouched.",
	})

	// ParseWarnings counts recoverable frame-level parse problems (spec
	// error taxonomy item 4): malformed frame, undecodable encapsulation.
	// Provides metric: pktmask_parse_warnings_total{layer,reason}
	ParseWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_parse_warnings_total",
		Help: "Recoverable per-frame parse warnings, by layer and reason.",
	}, []string{"layer", "reason"})

	// ChecksumFailures counts frames where checksum recomputation failed;
	// such frames are emitted unchanged with an error logged.
	// Provides metric: pktmask_checksum_failures_total{layer}
	ChecksumFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_checksum_failures_total",
		Help: "Frames where checksum recomputation failed.",
	}, []string{"layer"})

	// TLSRecordsByType counts TLS records MARK classified, by record type.
	// Provides metric: pktmask_tls_records_total{record_type}
	TLSRecordsByType = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_tls_records_total",
		Help: "TLS records classified by MARK, by record type.",
	}, []string{"record_type"})

	// KeepRulesEmitted counts KeepRules MARK added to the KeepRuleSet.
	// Provides metric: pktmask_keep_rules_total
	KeepRulesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_keep_rules_total",
		Help: "KeepRules emitted by MARK.",
	})

	// ReassemblyGaps counts flows where post-PREPROCESS sequence tracking
	// still observed a gap, signaling possible under-masking.
	// Provides metric: pktmask_reassembly_gaps_total
	ReassemblyGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_reassembly_gaps_total",
		Help: "Flows where reassembly left an observable sequence-number gap.",
	})

	// DecoderInvocations counts external decoder subprocess spawns, by
	// outcome (ok, not_found, timeout, nonzero_exit).
	// Provides metric: pktmask_decoder_invocations_total{outcome}
	DecoderInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_decoder_invocations_total",
		Help: "External decoder subprocess invocations, by outcome.",
	}, []string{"outcome"})

	// DecoderDuration observes external decoder wall-clock duration.
	// Provides metric: pktmask_decoder_duration_seconds
	DecoderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pktmask_decoder_duration_seconds",
		Help:    "Wall-clock duration of external decoder invocations.",
		Buckets: prometheus.DefBuckets,
	})

	// StageDuration observes per-stage, per-file processing duration.
	// Provides metric: pktmask_stage_duration_seconds{stage}
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pktmask_stage_duration_seconds",
		Help:    "Per-file stage processing duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// FilesFailed counts files that failed a stage fatally (taxonomy
	// items 2, 3, 5), by stage and reason.
	// Provides metric: pktmask_files_failed_total{stage,reason}
	FilesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pktmask_files_failed_total",
		Help: "Files that failed a pipeline stage, by stage and reason.",
	}, []string{"stage", "reason"})

	// DedupDropped counts frames dropped by the dedup stage because their
	// content fingerprint had already been seen.
	// Provides metric: pktmask_dedup_dropped_total
	DedupDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_dedup_dropped_total",
		Help: "Frames dropped by the deduplication stage.",
	})

	// BatchFilesInFlight is a gauge of capture files currently being
	// processed concurrently by the batch runner.
	// Provides metric: pktmask_batch_files_in_flight
	BatchFilesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pktmask_batch_files_in_flight",
		Help: "Capture files currently being processed by the batch runner.",
	})
)
