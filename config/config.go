// Package config holds the explicit option structs that drive stage
// construction, replacing the singleton-flag-var style of the teacher's
// cmd/ binaries with structs threaded through the pipeline. A stage
// never reads global state; it only sees the config relevant to it.
package config

import (
	"time"

	"github.com/google/gopacket/layers"
)

// PreprocessConfig configures the external decoder invocation for the
// PREPROCESS stage.
type PreprocessConfig struct {
	DecoderPath    string
	DecoderTimeout time.Duration
	MaxRetries     uint
	Disabled       bool // skip PREPROCESS; MARK runs against the raw capture directly
}

// MarkConfig configures the MARK stage. The classification strategy
// itself is fixed (the TLS record-type table); this only controls the
// diagnostic pass.
type MarkConfig struct {
	ReportSequenceGaps bool
}

// UnanalyzedFlowPolicy mirrors apply.UnanalyzedFlowPolicy without
// importing it, so config has no dependency on the stage packages it
// configures.
type UnanalyzedFlowPolicy int

const (
	ZeroUnanalyzed UnanalyzedFlowPolicy = iota
	KeepUnanalyzed
)

// ApplyConfig configures the APPLY stage.
type ApplyConfig struct {
	Policy     UnanalyzedFlowPolicy
	VXLANPorts []layers.UDPPort
}

// PipelineConfig is the top-level configuration for one run: which
// optional stages to run, and where intermediate files live.
type PipelineConfig struct {
	Preprocess PreprocessConfig
	Mark       MarkConfig
	Apply      ApplyConfig

	ScratchBase      string
	KeepIntermediate bool
	StopOnFirstError bool

	// RunDedup and RunAnonymize enable the out-of-scope collaborator
	// stages ahead of / after the masking core.
	RunDedup     bool
	RunAnonymize bool
}
