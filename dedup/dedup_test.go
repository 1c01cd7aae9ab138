package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/capio"
	"github.com/rickypin/pktmask/internal/nano"
	"github.com/rickypin/pktmask/model"
)

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

func readAll(t *testing.T, path string) []model.Frame {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("os.Open() error = %v", err)
	}
	defer f.Close()
	r, err := capio.Open(f)
	if err != nil {
		t.Fatalf("capio.Open() error = %v", err)
	}
	var out []model.Frame
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			break
		}
		out = append(out, frame)
	}
	return out
}

func TestProcessDropsExactDuplicateFrame(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")

	repeated := []byte{1, 2, 3, 4, 5, 6}
	writeCapture(t, in, []model.Frame{
		{Timestamp: nano.UnixNano(1000), Data: repeated, OrigLen: len(repeated)},
		{Timestamp: nano.UnixNano(2000), Data: []byte{9, 9, 9}, OrigLen: 3},
		{Timestamp: nano.UnixNano(3000), Data: repeated, OrigLen: len(repeated)},
	})

	stage := &Stage{}
	stats, err := stage.Process(context.Background(), in, out, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.FramesProcessed != 3 {
		t.Errorf("FramesProcessed = %d, want 3", stats.FramesProcessed)
	}
	if stats.FramesModified != 1 {
		t.Errorf("FramesModified (dropped) = %d, want 1", stats.FramesModified)
	}

	got := readAll(t, out)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if string(got[0].Data) != string(repeated) {
		t.Errorf("frame 0 = %x, want %x", got[0].Data, repeated)
	}
	if string(got[1].Data) != string([]byte{9, 9, 9}) {
		t.Errorf("frame 1 = %x, want {9,9,9}", got[1].Data)
	}
}

func TestProcessKeepsAllDistinctFrames(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")

	writeCapture(t, in, []model.Frame{
		{Timestamp: nano.UnixNano(1000), Data: []byte{1}, OrigLen: 1},
		{Timestamp: nano.UnixNano(2000), Data: []byte{2}, OrigLen: 1},
		{Timestamp: nano.UnixNano(3000), Data: []byte{3}, OrigLen: 1},
	})

	stage := &Stage{}
	stats, err := stage.Process(context.Background(), in, out, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.FramesModified != 0 {
		t.Errorf("FramesModified (dropped) = %d, want 0", stats.FramesModified)
	}
	if got := readAll(t, out); len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
}
