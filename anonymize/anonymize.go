package anonymize

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/m-lab/go/logx"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/headers"
	"github.com/rickypin/pktmask/metrics"
	"github.com/rickypin/pktmask/pipeline"
)

var (
	sparseLogger = log.New(os.Stdout, "anonymize: ", log.LstdFlags|log.Lshortfile)
	sparse1      = logx.NewLogEvery(sparseLogger, time.Second)
)

// Stage implements pipeline.Stage for the IP-anonymization step: every
// TCP-over-IP frame's innermost source and destination IP address is
// rewritten through a shared Cryptopan instance, and the affected
// IPv4/TCP checksums are recomputed. All other frames, including IP
// frames carrying UDP, ICMP or other non-TCP protocols, and frames that
// cannot be decapsulated are passed through unchanged.
type Stage struct {
	Anon       *Cryptopan
	VXLANPorts []layers.UDPPort
}

func (s *Stage) Name() string { return "anonymize" }

// Process checks ctx between frames; on cancellation it stops, deletes
// the partially-written outputPath, and returns ctx.Err().
func (s *Stage) Process(ctx context.Context, inputPath, outputPath string, sink pipeline.ProgressSink) (stats pipeline.StageStats, err error) {
	start := time.Now()
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageStart})

	in, err := os.Open(inputPath)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "open_input").Inc()
		return pipeline.StageStats{}, fmt.Errorf("anonymize: opening %s: %w", inputPath, err)
	}
	defer in.Close()

	reader, err := capio.Open(in)
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "bad_format").Inc()
		return pipeline.StageStats{}, fmt.Errorf("anonymize: %w", err)
	}

	writer, closer, err := capio.Create(outputPath, reader.Format(), reader.LinkType())
	if err != nil {
		metrics.FilesFailed.WithLabelValues(s.Name(), "open_output").Inc()
		return pipeline.StageStats{}, fmt.Errorf("anonymize: %w", err)
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

		modified, err := s.anonymizeFrame(frame.Data)
		if err != nil {
			sparse1.Printf("frame %d: %v, passing through unchanged", frame.Index, err)
			metrics.ParseWarnings.WithLabelValues("anonymize", "malformed").Inc()
		} else if modified {
			stats.FramesModified++
			metrics.FramesModified.WithLabelValues(s.Name()).Inc()
		}
		metrics.FramesProcessed.WithLabelValues(s.Name()).Inc()

		if err := writer.WriteFrame(frame); err != nil {
			metrics.FilesFailed.WithLabelValues(s.Name(), "write").Inc()
			return stats, fmt.Errorf("anonymize: writing frame %d: %w", frame.Index, err)
		}
		pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventFrameProgress, Processed: stats.FramesProcessed})
	}
	if err := writer.Flush(); err != nil {
		return stats, fmt.Errorf("anonymize: flushing %s: %w", outputPath, err)
	}

	stats.Duration = time.Since(start)
	metrics.StageDuration.WithLabelValues(s.Name()).Observe(stats.Duration.Seconds())
	pipeline.Emit(sink, pipeline.ProgressEvent{Kind: pipeline.EventStageEnd, Stats: stats})
	return stats, nil
}

// anonymizeFrame rewrites the innermost source/destination IP addresses
// of wire in place and recomputes the innermost IPv4/TCP checksums.
// Non-IP or non-TCP frames, and any frame Decapsulate cannot walk, are
// left untouched.
func (s *Stage) anonymizeFrame(wire []byte) (bool, error) {
	res, err := headers.Decapsulate(wire, s.VXLANPorts...)
	if err != nil {
		if err == headers.ErrNotTCPOverIP || err == headers.ErrUnsupportedEnc {
			return false, nil
		}
		return false, err
	}

	var newSrc, newDst net.IP
	if res.IsIPv6 {
		h, _, err := headers.OverlayIPv6Header(wire[res.IPOffset:])
		if err != nil {
			return false, err
		}
		var src, dst [16]byte
		copy(src[:], res.SrcIP.To16())
		copy(dst[:], res.DstIP.To16())
		anonSrc := s.Anon.Anonymize16(src)
		anonDst := s.Anon.Anonymize16(dst)
		newSrc, newDst = net.IP(anonSrc[:]), net.IP(anonDst[:])
		h.SetSrcIP(newSrc)
		h.SetDstIP(newDst)
	} else {
		var src, dst [4]byte
		copy(src[:], res.SrcIP.To4())
		copy(dst[:], res.DstIP.To4())
		anonSrc := s.Anon.Anonymize4(src)
		anonDst := s.Anon.Anonymize4(dst)
		newSrc, newDst = net.IP(anonSrc[:]), net.IP(anonDst[:])
		res.IPv4.SetSrcIP(newSrc)
		res.IPv4.SetDstIP(newDst)
	}

	segLen := len(wire) - res.L4Offset
	headers.RecomputeTCPChecksum(wire[res.L4Offset:res.L4Offset+segLen], res.IsIPv6, newSrc, newDst)
	if !res.IsIPv6 {
		headers.RecomputeIPv4HeaderChecksum(res.IPv4, wire[res.IPOffset:res.IPOffset+res.IPHdrLen])
	}
	return true, nil
}
