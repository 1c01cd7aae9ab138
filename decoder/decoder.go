// Package decoder wraps the external packet-decoder tool that PREPROCESS
// and MARK depend on. The decoder itself is an opaque black box; this
// package only knows its command-line contract: given a capture, it can
// emit either a reassembled capture file or a field-oriented TLS record
// extraction. Exit code 0 is success; anything else is a failure,
// surfaced as a preprocess/mark error.
package decoder

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/rickypin/pktmask/metrics"
)

var (
	info = log.New(os.Stdout, "decoder: ", log.LstdFlags|log.Lshortfile)

	ErrDecoderNotFound = fmt.Errorf("external decoder not found")
	ErrDecoderTimeout  = fmt.Errorf("external decoder timed out")
	ErrDecoderExit     = fmt.Errorf("external decoder exited non-zero")
)

// FieldRow is one record of the decoder's field-oriented extraction: frame
// number, frame timestamp, TCP stream identifier, TCP sequence, TCP
// segment length, and the TLS record fields needed to classify it.
type FieldRow struct {
	FrameNumber    int
	Timestamp      time.Time
	TCPStream      int
	SrcIP, DstIP   string
	SrcPort        uint16
	DstPort        uint16
	TCPSeq         uint32 // original wire sequence number, preserved through reassembly
	TCPSegmentLen  uint32
	TLSContentType uint8 // legacy content_type field, 0 if absent
	TLSOpaqueType  uint8 // TLS 1.3 opaque_type field, 0 if absent
	TLSRecordLen   uint32
}

// Config configures how the external decoder is invoked.
type Config struct {
	Path    string        // path to the decoder executable
	Timeout time.Duration // fatal per file if exceeded

	// MemoryCeilingMB bounds the decoder subprocess's virtual memory, in
	// megabytes. 0 disables the ceiling. Enforced on Unix by wrapping the
	// invocation in a shell that runs `ulimit -v` before exec'ing the
	// decoder (see memoryCeilingCommand in platform_other.go); there is no
	// stdlib primitive for a per-process memory limit on Windows, so the
	// ceiling is not enforced there (platform_windows.go's
	// memoryCeilingCommand is a no-op passthrough).
	MemoryCeilingMB int

	MaxRetries uint   // bounded retries around transient exec failures
	ScratchDir string // directory the decoder writes its output into
}

// Decoder invokes the external tool in either of its two modes.
type Decoder struct {
	cfg Config
}

func New(cfg Config) *Decoder {
	return &Decoder{cfg: cfg}
}

// Reassemble asks the decoder to reassemble inputPath (TCP stream
// reassembly, IPv4/IPv6 defragmentation all enabled) and write the result
// to outputPath, waiting for that file to appear via fsnotify rather than
// polling.
func (d *Decoder) Reassemble(ctx context.Context, inputPath, outputPath string) error {
	args := []string{"--mode", "reassemble", "--input", inputPath, "--output", outputPath}
	return d.run(ctx, args, outputPath)
}

// Extract asks the decoder to emit the field-oriented TLS extraction for
// inputPath into outputPath (a CSV file with the fieldRowColumns header;
// callers parse it with ParseFieldRows).
func (d *Decoder) Extract(ctx context.Context, inputPath, outputPath string) error {
	args := []string{"--mode", "extract-tls", "--input", inputPath, "--output", outputPath}
	return d.run(ctx, args, outputPath)
}

func (d *Decoder) run(ctx context.Context, args []string, awaitPath string) error {
	if _, err := os.Stat(d.cfg.Path); err != nil {
		metrics.DecoderInvocations.WithLabelValues("not_found").Inc()
		return fmt.Errorf("%w: %s", ErrDecoderNotFound, d.cfg.Path)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if d.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := retry.Do(
		func() error { return d.spawn(runCtx, args) },
		retry.Attempts(d.cfg.MaxRetries+1),
		retry.Context(runCtx),
		retry.LastErrorOnly(true),
	)
	metrics.DecoderDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			metrics.DecoderInvocations.WithLabelValues("timeout").Inc()
			return ErrDecoderTimeout
		}
		metrics.DecoderInvocations.WithLabelValues("nonzero_exit").Inc()
		return fmt.Errorf("%w: %v", ErrDecoderExit, err)
	}

	if awaitPath != "" {
		if err := awaitFile(runCtx, awaitPath); err != nil {
			return err
		}
	}
	metrics.DecoderInvocations.WithLabelValues("ok").Inc()
	return nil
}

func (d *Decoder) spawn(ctx context.Context, args []string) error {
	path, args := memoryCeilingCommand(d.cfg.Path, args, d.cfg.MemoryCeilingMB)
	cmd := exec.CommandContext(ctx, path, args...)
	configurePlatform(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		info.Printf("decoder invocation failed: %v: %s", err, stderr.String())
		return err
	}
	return nil
}

// awaitFile blocks until path exists, using fsnotify on its parent
// directory instead of polling. It also double-checks via os.Stat first,
// since the file may already exist by the time the subprocess returns.
func awaitFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("awaiting decoder output: %w", err)
	}
	defer watcher.Close()

	dir := parentDir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("awaiting decoder output: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("awaiting decoder output: watcher closed")
			}
			if ev.Name == path && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("awaiting decoder output: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}

func maxUint(a uint, b uint) uint {
	if b == 0 {
		return a
	}
	return b
}

// fieldRowColumns is the header row Extract's CSV output is expected to
// carry, in order.
var fieldRowColumns = []string{
	"frame_number", "timestamp", "tcp_stream", "src_ip", "dst_ip",
	"src_port", "dst_port", "tcp_seq", "tcp_segment_len",
	"tls_content_type", "tls_opaque_type", "tls_record_len",
}

// ParseFieldRows reads the CSV file Extract wrote at path into FieldRows.
// The first line is expected to be the header in fieldRowColumns order.
func ParseFieldRows(path string) ([]FieldRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decoder: opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("decoder: reading header of %s: %w", path, err)
	}
	if len(header) != len(fieldRowColumns) {
		return nil, fmt.Errorf("decoder: %s: expected %d columns, got %d", path, len(fieldRowColumns), len(header))
	}

	var rows []FieldRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoder: reading %s: %w", path, err)
		}
		row, err := parseFieldRow(rec)
		if err != nil {
			return nil, fmt.Errorf("decoder: %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseFieldRow(rec []string) (FieldRow, error) {
	frameNumber, err := strconv.Atoi(rec[0])
	if err != nil {
		return FieldRow{}, fmt.Errorf("frame_number: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, rec[1])
	if err != nil {
		return FieldRow{}, fmt.Errorf("timestamp: %w", err)
	}
	tcpStream, err := strconv.Atoi(rec[2])
	if err != nil {
		return FieldRow{}, fmt.Errorf("tcp_stream: %w", err)
	}
	srcPort, err := parseUint16(rec[5])
	if err != nil {
		return FieldRow{}, fmt.Errorf("src_port: %w", err)
	}
	dstPort, err := parseUint16(rec[6])
	if err != nil {
		return FieldRow{}, fmt.Errorf("dst_port: %w", err)
	}
	tcpSeq, err := parseUint32(rec[7])
	if err != nil {
		return FieldRow{}, fmt.Errorf("tcp_seq: %w", err)
	}
	segLen, err := parseUint32(rec[8])
	if err != nil {
		return FieldRow{}, fmt.Errorf("tcp_segment_len: %w", err)
	}
	contentType, err := parseUint8(rec[9])
	if err != nil {
		return FieldRow{}, fmt.Errorf("tls_content_type: %w", err)
	}
	opaqueType, err := parseUint8(rec[10])
	if err != nil {
		return FieldRow{}, fmt.Errorf("tls_opaque_type: %w", err)
	}
	recordLen, err := parseUint32(rec[11])
	if err != nil {
		return FieldRow{}, fmt.Errorf("tls_record_len: %w", err)
	}

	return FieldRow{
		FrameNumber:    frameNumber,
		Timestamp:      ts,
		TCPStream:      tcpStream,
		SrcIP:          rec[3],
		DstIP:          rec[4],
		SrcPort:        srcPort,
		DstPort:        dstPort,
		TCPSeq:         tcpSeq,
		TCPSegmentLen:  segLen,
		TLSContentType: contentType,
		TLSOpaqueType:  opaqueType,
		TLSRecordLen:   recordLen,
	}, nil
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
