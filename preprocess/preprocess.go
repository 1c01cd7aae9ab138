// Package preprocess implements the PREPROCESS stage: it hands the
// original capture to the external decoder for TCP/IP reassembly, asks
// the decoder for the reassembled capture's field-oriented TLS
// extraction, and builds a frame-correspondence map back to the original
// capture for reporting. MARK consumes the field rows and sequence
// ranges this stage produces, never frame indices, so the correspondence
// map is diagnostic only.
package preprocess

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/decoder"
	"github.com/rickypin/pktmask/headers"
	"github.com/rickypin/pktmask/metrics"
	"github.com/rickypin/pktmask/model"
	"github.com/rickypin/pktmask/pipeline"
	"github.com/rickypin/pktmask/tcp"
)

var info = log.New(os.Stdout, "preprocess: ", log.LstdFlags|log.Lshortfile)

// CompositeKey is the deterministic (timestamp, 5-tuple) key PREPROCESS
// uses to map a reassembled-capture frame back to an original frame.
type CompositeKey struct {
	TimestampNano int64
	SrcIP, DstIP  string
	SrcPort       uint16
	DstPort       uint16
}

// Result carries everything downstream stages need out of one PREPROCESS
// run: the decoder's field-oriented TLS extraction (consumed by MARK),
// the frame-correspondence map (diagnostic/report use only), and the
// number of composite-key collisions observed while building it.
type Result struct {
	Rows           []decoder.FieldRow
	Correspondence map[CompositeKey]int // -> original frame index; earliest wins on collision
	Collisions     int
}

// Stage implements pipeline.Stage for the PREPROCESS step. Process writes
// the reassembled capture to outputPath (MARK's input) and stashes the
// field extraction and correspondence map in Last, available after
// Process returns.
type Stage struct {
	Decoder    *decoder.Decoder
	VXLANPorts []layers.UDPPort

	Last Result
}

func (s *Stage) Name() string { return "preprocess" }

// Process hands ctx to every decoder invocation, so a cancelled batch
// kills the subprocess instead of waiting it out; it also deletes a
// partially-written outputPath if it returns early on cancellation.
func (s *Stage) Process(ctx context.Context, inputPath, outputPath string, sink pipeline.ProgressSink) (stats pipeline.StageStats, err error) {
	start := time.Now()
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageStart})
	s.Last = Result{}
	defer func() {
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	if err := s.Decoder.Reassemble(ctx, inputPath, outputPath); err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "decoder_reassemble").Inc()
		return pipeline.StageStats{}, fmt.Errorf("preprocess: reassembling %s: %w", inputPath, err)
	}

	fieldsPath := outputPath + ".fields.csv"
	if err := s.Decoder.Extract(ctx, outputPath, fieldsPath); err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "decoder_extract").Inc()
		return pipeline.StageStats{}, fmt.Errorf("preprocess: extracting %s: %w", outputPath, err)
	}
	defer os.Remove(fieldsPath)

	rows, err := decoder.ParseFieldRows(fieldsPath)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "parse_fields").Inc()
		return pipeline.StageStats{}, fmt.Errorf("preprocess: %w", err)
	}

	correspondence, collisions, framesProcessed, err := s.buildCorrespondence(inputPath, outputPath)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "correspondence").Inc()
		return pipeline.StageStats{}, fmt.Errorf("preprocess: %w", err)
	}
	if collisions > 0 {
		info.Printf("%s: %d composite-key collisions in frame correspondence", inputPath, collisions)
	}

	s.Last = Result{Rows: rows, Correspondence: correspondence, Collisions: collisions}

	stats = pipeline.StageStats{FramesProcessed: framesProcessed, Duration: time.Since(start)}
	metrics.StageDuration.WithLabelValues(s.Name()).Observe(stats.Duration.Seconds())
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageEnd, Stats: stats})
	return stats, nil
}

// buildCorrespondence reads the original and reassembled captures side by
// side and maps each reassembled frame's composite key to the earliest
// original frame sharing that key. A frame on either side that cannot be
// decapsulated to TCP-over-IP is skipped; it simply has no correspondence
// entry.
func (s *Stage) buildCorrespondence(originalPath, reassembledPath string) (map[CompositeKey]int, int, int, error) {
	originalKeys, originalCollisions, err := s.keysByFrame(originalPath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading original capture: %w", err)
	}

	f, err := os.Open(reassembledPath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opening reassembled capture: %w", err)
	}
	defer f.Close()
	reader, err := capio.Open(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opening reassembled capture: %w", err)
	}

	firstSeen := make(map[CompositeKey]int)
	collisions := originalCollisions
	processed := 0
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			break
		}
		processed++
		key, ok := frameKey(frame, s.VXLANPorts)
		if !ok {
			continue
		}
		origIdx, ok := originalKeys[key]
		if !ok {
			continue
		}
		if existing, present := firstSeen[key]; present {
			collisions++
			if origIdx < existing {
				firstSeen[key] = origIdx
			}
			continue
		}
		firstSeen[key] = origIdx
	}
	return firstSeen, collisions, processed, nil
}

// keysByFrame maps every decapsulatable frame in path to its composite key,
// keeping the earliest frame index on a collision. It also counts
// collisions: two or more original frames sharing the same composite key,
// which spec.md requires logging and resolving to the earliest index
// rather than silently dropping.
func (s *Stage) keysByFrame(path string) (map[CompositeKey]int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	reader, err := capio.Open(f)
	if err != nil {
		return nil, 0, err
	}

	out := make(map[CompositeKey]int)
	collisions := 0
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			break
		}
		key, ok := frameKey(frame, s.VXLANPorts)
		if !ok {
			continue
		}
		if existing, present := out[key]; present {
			collisions++
			if frame.Index < existing {
				out[key] = frame.Index
			}
			continue
		}
		out[key] = frame.Index
	}
	return out, collisions, nil
}

func frameKey(frame model.Frame, vxlanPorts []layers.UDPPort) (CompositeKey, bool) {
	res, err := headers.Decapsulate(frame.Data, vxlanPorts...)
	if err != nil {
		return CompositeKey{}, false
	}
	var tcpHdr tcp.TCPHeaderWrapper
	if err := tcp.WrapTCP(frame.Data[res.L4Offset:], &tcpHdr); err != nil {
		return CompositeKey{}, false
	}
	return CompositeKey{
		TimestampNano: int64(frame.Timestamp),
		SrcIP:         res.SrcIP.String(),
		DstIP:         res.DstIP.String(),
		SrcPort:       uint16(tcpHdr.SrcPort),
		DstPort:       uint16(tcpHdr.DstPort),
	}, true
}
