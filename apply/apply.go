// Package apply implements the APPLY stage: for every frame in a capture,
// locate its TCP payload (through any supported encapsulation), zero the
// bytes a KeepRuleSet does not cover, and recompute the affected L3/L4
// checksums. Frame count, order, timestamps, and non-payload header bytes
// are never touched.
package apply

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/m-lab/go/logx"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/headers"
	"github.com/rickypin/pktmask/metrics"
	"github.com/rickypin/pktmask/model"
	"github.com/rickypin/pktmask/pipeline"
	"github.com/rickypin/pktmask/tcp"
)

var (
	sparseLogger = log.New(os.Stdout, "apply: ", log.LstdFlags|log.Lshortfile)
	sparse1      = logx.NewLogEvery(sparseLogger, time.Second)
)

// UnanalyzedFlowPolicy controls what APPLY does with TCP payload in a flow
// direction MARK never analyzed (no entry at all in the KeepRuleSet).
type UnanalyzedFlowPolicy int

const (
	// ZeroUnanalyzed zeroes payload bytes in any flow MARK did not
	// analyze. This is the default: uniform and auditable, since
	// KeepRuleSet publishes exactly what to keep.
	ZeroUnanalyzed UnanalyzedFlowPolicy = iota
	// KeepUnanalyzed passes payload through untouched for flows MARK did
	// not analyze.
	KeepUnanalyzed
)

// Stage implements pipeline.Stage for the APPLY step.
type Stage struct {
	Rules      *model.KeepRuleSet
	Policy     UnanalyzedFlowPolicy
	VXLANPorts []layers.UDPPort
}

func (s *Stage) Name() string { return "apply" }

// Process streams inputPath frame by frame into outputPath, masking TCP
// payload per s.Rules and recomputing checksums on every TCP frame that
// carries a payload.
// It checks ctx between frames; on cancellation it stops, deletes the
// partially-written outputPath, and returns ctx.Err().
func (s *Stage) Process(ctx context.Context, inputPath, outputPath string, sink pipeline.ProgressSink) (stats pipeline.StageStats, err error) {
	start := time.Now()
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageStart})

	in, err := os.Open(inputPath)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "open_input").Inc()
		return pipeline.StageStats{}, fmt.Errorf("apply: opening %s: %w", inputPath, err)
	}
	defer in.Close()

	reader, err := capio.Open(in)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "bad_format").Inc()
		return pipeline.StageStats{}, fmt.Errorf("apply: %w", err)
	}

	writer, closer, err := capio.Create(outputPath, reader.Format(), reader.LinkType())
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "open_output").Inc()
		return pipeline.StageStats{}, fmt.Errorf("apply: %w", err)
	}
	defer closer.Close()
	defer func() {
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}

		frame, readErr := reader.ReadFrame()
		if readErr != nil {
			break
		}
		stats.FramesProcessed++

		modified, zeroed, err := s.maskFrame(frame)
		if err != nil {
			sparse1.Printf("frame %d: %v, passing through unchanged", frame.Index, err)
			metrics.ParseWarnings.WithLabelValues("apply", classifyErr(err)).Inc()
		} else if modified {
			stats.FramesModified++
			stats.BytesZeroed += zeroed
			metrics.FramesModified.WithLabelValues(s.Name()).Inc()
		}
		metrics.FramesProcessed.WithLabelValues(s.Name()).Inc()

		if err := writer.WriteFrame(frame); err != nil {
			metrics.FilesFailed.WithLabelValues(s.Name(), "write").Inc()
			return stats, fmt.Errorf("apply: writing frame %d: %w", frame.Index, err)
		}
		pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventFrameProgress, Processed: stats.FramesProcessed})
	}
	if err := writer.Flush(); err != nil {
		return stats, fmt.Errorf("apply: flushing %s: %w", outputPath, err)
	}

	stats.Duration = time.Since(start)
	metrics.StageDuration.WithLabelValues(s.Name()).Observe(stats.Duration.Seconds())
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageEnd, Stats: stats})
	return stats, nil
}

// maskFrame rewrites frame.Data in place and reports whether any payload
// byte was zeroed, plus how many. A frame carrying no TCP payload (no IP
// layer, no TCP layer, or zero-length payload) is left untouched and
// reported unmodified, never an error.
func (s *Stage) maskFrame(frame model.Frame) (bool, int64, error) {
	wire := frame.Data
	res, err := headers.Decapsulate(wire, s.VXLANPorts...)
	if err != nil {
		if err == headers.ErrNotTCPOverIP || err == headers.ErrUnsupportedEnc {
			return false, 0, nil
		}
		return false, 0, err
	}

	var tcpHdr tcp.TCPHeaderWrapper
	if err := tcp.WrapTCP(wire[res.L4Offset:], &tcpHdr); err != nil {
		return false, 0, err
	}

	segLen, err := segmentLength(res, wire)
	if err != nil {
		return false, 0, err
	}
	payloadOffset := res.L4Offset + int(tcpHdr.DataOffset)
	payloadLen := segLen - int(tcpHdr.DataOffset)
	if payloadLen <= 0 || payloadOffset+payloadLen > len(wire) {
		return false, 0, nil
	}
	payload := wire[payloadOffset : payloadOffset+payloadLen]

	flow := model.NewFlowKey(res.SrcIP, res.DstIP, uint16(tcpHdr.SrcPort), uint16(tcpHdr.DstPort))
	var zeroed []model.Interval
	if s.Rules.Has(flow) || s.Policy == ZeroUnanalyzed {
		zeroed = s.Rules.Zeroed(flow, tcpHdr.SeqNum, len(payload))
	}

	var bytesZeroed float64
	if len(zeroed) > 0 {
		for _, z := range zeroed {
			for i := z.Start; i < z.End; i++ {
				payload[i] = 0
			}
		}
		bytesZeroed = sumLen(zeroed)
		metrics.BytesZeroed.Add(bytesZeroed)
		metrics.BytesKept.Add(float64(len(payload)) - bytesZeroed)
	}

	// The checksum is recomputed unconditionally for every TCP-over-IP
	// frame with a payload, not just frames with zeroed bytes: a frame
	// that arrived with a checksum-offload placeholder (or any other
	// invalid on-wire checksum) must still validate after APPLY.
	if err := recomputeChecksums(res, wire, payloadOffset+payloadLen); err != nil {
		metrics.ChecksumFailures.WithLabelValues("tcp").Inc()
		return false, 0, err
	}
	return len(zeroed) > 0, int64(bytesZeroed), nil
}

// segmentLength returns the byte length of the TCP segment (header plus
// payload) as declared by the IP layer, clamped to the bytes actually
// captured.
func segmentLength(res headers.DecapResult, wire []byte) (int, error) {
	var ipPayloadLen int
	if res.IsIPv6 {
		// res.IPHdrLen already accounts for extension headers; the IPv6
		// base header's declared payload length covers extensions too.
		ipv6Payload := decodeIPv6PayloadLength(wire[res.IPOffset:])
		ipPayloadLen = ipv6Payload - (res.IPHdrLen - headers.IPv6HeaderSize)
	} else {
		ipPayloadLen = res.IPv4.PayloadLength()
	}
	segLen := ipPayloadLen
	if res.L4Offset+segLen > len(wire) {
		segLen = len(wire) - res.L4Offset
	}
	if segLen <= 0 {
		return 0, headers.ErrTruncatedIPHeader
	}
	return segLen, nil
}

// decodeIPv6PayloadLength reads the base IPv6 header's payload_length field
// directly (covers extension headers plus the upper-layer payload).
func decodeIPv6PayloadLength(ipv6 []byte) int {
	h, _, err := headers.OverlayIPv6Header(ipv6)
	if err != nil {
		return 0
	}
	return h.PayloadLength()
}

func sumLen(ivs []model.Interval) float64 {
	n := 0
	for _, iv := range ivs {
		n += iv.End - iv.Start
	}
	return float64(n)
}

// recomputeChecksums recomputes the TCP checksum (and, for IPv4, the IP
// header checksum) over the innermost segment only; outer encapsulation
// checksums are left untouched.
func recomputeChecksums(res headers.DecapResult, wire []byte, segmentEnd int) error {
	if segmentEnd > len(wire) {
		return headers.ErrTruncatedIPHeader
	}
	tcpSegment := wire[res.L4Offset:segmentEnd]
	headers.RecomputeTCPChecksum(tcpSegment, res.IsIPv6, res.SrcIP, res.DstIP)
	if !res.IsIPv6 {
		headers.RecomputeIPv4HeaderChecksum(res.IPv4, wire[res.IPOffset:res.IPOffset+res.IPHdrLen])
	}
	return nil
}

func classifyErr(err error) string {
	switch err {
	case headers.ErrTruncatedEncap, headers.ErrTruncatedIPHeader:
		return "truncated"
	case headers.ErrTooManyTunnels, headers.ErrTooManyVLANTags, headers.ErrTooManyMPLSLabels:
		return "depth_exceeded"
	default:
		return "malformed"
	}
}
