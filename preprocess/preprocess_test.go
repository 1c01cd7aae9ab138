package preprocess

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/internal/nano"
	"github.com/rickypin/pktmask/model"
)

func buildFrame(src, dst net.IP, srcPort, dstPort uint16) []byte {
	tcp := make([]byte, 20)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4

	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)+len(tcp)))
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())

	frame := make([]byte, 14)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	frame = append(frame, ip...)
	frame = append(frame, tcp...)
	return frame
}

func writeCapture(t *testing.T, path string, frames []model.Frame) {
	t.Helper()
	w, closer, err := capio.Create(path, capio.FormatPcap, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("capio.Create() error = %v", err)
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
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

func TestFrameKeyRoundTrip(t *testing.T) {
	src, dst := net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)
	data := buildFrame(src, dst, 51000, 443)
	frame := model.Frame{Index: 0, Timestamp: nano.UnixNano(1000), Data: data}

	key, ok := frameKey(frame, nil)
	if !ok {
		t.Fatalf("frameKey() ok = false, want true")
	}
	want := CompositeKey{TimestampNano: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 51000, DstPort: 443}
	if key != want {
		t.Errorf("frameKey() = %+v, want %+v", key, want)
	}
}

func TestBuildCorrespondenceMapsAndDetectsCollisions(t *testing.T) {
	dir := t.TempDir()
	origPath := filepath.Join(dir, "orig.pcap")
	reassembledPath := filepath.Join(dir, "reassembled.pcap")

	src, dst := net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)
	f0 := buildFrame(src, dst, 51000, 443)

	writeCapture(t, origPath, []model.Frame{
		{Index: 0, Timestamp: nano.UnixNano(1000), Data: f0, OrigLen: len(f0)},
		{Index: 1, Timestamp: nano.UnixNano(1000), Data: f0, OrigLen: len(f0)}, // duplicate key, lower index wins
	})
	writeCapture(t, reassembledPath, []model.Frame{
		{Index: 0, Timestamp: nano.UnixNano(1000), Data: f0, OrigLen: len(f0)},
	})

	s := &Stage{}
	corr, collisions, processed, err := s.buildCorrespondence(origPath, reassembledPath)
	if err != nil {
		t.Fatalf("buildCorrespondence() error = %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if collisions != 1 {
		t.Errorf("collisions = %d, want 1 (two original frames share a key)", collisions)
	}
	key := CompositeKey{TimestampNano: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 51000, DstPort: 443}
	if got := corr[key]; got != 0 {
		t.Errorf("corr[key] = %d, want 0 (earliest original frame)", got)
	}
}
