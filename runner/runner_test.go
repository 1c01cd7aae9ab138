package runner

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unsafe"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/config"
	"github.com/rickypin/pktmask/decoder"
	"github.com/rickypin/pktmask/headers"
	"github.com/rickypin/pktmask/internal/nano"
	"github.com/rickypin/pktmask/model"
)

// buildFrame assembles a minimal Ethernet+IPv4+TCP frame carrying an
// ApplicationData TLS record, with valid checksums.
func buildFrame(src, dst net.IP, srcPort, dstPort uint16, seq uint32, body []byte) []byte {
	payload := append([]byte{0x17, 0x03, 0x03, 0x00, byte(len(body))}, body...)

	tcp := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	tcp[12] = 5 << 4
	copy(tcp[20:], payload)
	headers.RecomputeTCPChecksum(tcp, false, src, dst)

	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(20+len(tcp)))
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	h := (*headers.IPv4Header)(unsafe.Pointer(&ip[0]))
	headers.RecomputeIPv4HeaderChecksum(h, ip)

	frame := make([]byte, 14)
	copy(frame[0:6], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	copy(frame[6:12], []byte{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee})
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	frame = append(frame, ip...)
	frame = append(frame, tcp...)
	return frame
}

func writeCapture(t *testing.T, path string, frames [][]byte) {
	t.Helper()
	w, closer, err := capio.Create(path, capio.FormatPcap, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("capio.Create() error = %v", err)
	}
	ts := time.Unix(1700000000, 0)
	for i, data := range frames {
		frameTS := nano.FromTime(ts.Add(time.Duration(i) * time.Millisecond))
		if err := w.WriteFrame(model.Frame{Index: i, Timestamp: frameTS, Data: data}); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

// fakeDecoder writes a shell script standing in for the external decoder:
// "extract-tls" mode emits a single FieldRow describing the ApplicationData
// record built into every frame by buildFrame; "reassemble" mode is unused
// here since Preprocess.Disabled skips it.
func fakeDecoder(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-decoder.sh")
	script := `#!/bin/sh
set -e
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
cat > "$out" <<CSV
frame_number,timestamp,tcp_stream,src_ip,dst_ip,src_port,dst_port,tcp_seq,tcp_segment_len,tls_content_type,tls_opaque_type,tls_record_len
0,2023-11-14T22:13:20Z,0,10.0.0.1,10.0.0.2,51000,443,1000,25,23,0,20
CSV
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestRunFileMasksApplicationDataWithoutReassembly(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")

	src, dst := net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)
	body := bytes.Repeat([]byte{0xAA}, 20)
	writeCapture(t, in, [][]byte{buildFrame(src, dst, 51000, 443, 1000, body)})

	dec := decoder.New(decoder.Config{Path: fakeDecoder(t), Timeout: 5 * time.Second})
	cfg := config.PipelineConfig{
		ScratchBase: filepath.Join(dir, "scratch"),
		Preprocess:  config.PreprocessConfig{Disabled: true},
		Apply:       config.ApplyConfig{Policy: config.ZeroUnanalyzed},
	}

	result, err := RunFile(context.Background(), cfg, dec, nil, nil, in, out, nil)
	if err != nil {
		t.Fatalf("RunFile() error = %v", err)
	}
	if result.Failed {
		t.Fatalf("result.Failed = true, reason = %s", result.Reason)
	}
	if result.FramesIn != 1 || result.FramesOut != 1 {
		t.Errorf("FramesIn/Out = %d/%d, want 1/1", result.FramesIn, result.FramesOut)
	}
	if result.FramesModified != 1 {
		t.Errorf("FramesModified = %d, want 1", result.FramesModified)
	}
	if result.BytesZeroed != 20 {
		t.Errorf("BytesZeroed = %d, want 20", result.BytesZeroed)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("os.Open(out) error = %v", err)
	}
	defer f.Close()
	r, err := capio.Open(f)
	if err != nil {
		t.Fatalf("capio.Open() error = %v", err)
	}
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	payload := frame.Data[len(frame.Data)-20:]
	if !bytes.Equal(payload, make([]byte, 20)) {
		t.Errorf("output payload = %x, want all zero", payload)
	}
}
