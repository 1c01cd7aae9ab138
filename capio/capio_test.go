package capio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/internal/nano"
	"github.com/rickypin/pktmask/model"
)

func TestPcapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")

	w, closer, err := Create(path, FormatPcap, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	frames := []model.Frame{
		{Timestamp: nano.UnixNano(1000), Data: []byte{1, 2, 3, 4}, OrigLen: 4},
		{Timestamp: nano.UnixNano(2000), Data: []byte{5, 6, 7, 8, 9, 10}, OrigLen: 6},
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

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("os.Open() error = %v", err)
	}
	defer f.Close()

	r, err := Open(f)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if r.Format() != FormatPcap {
		t.Fatalf("Format() = %v, want FormatPcap", r.Format())
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("LinkType() = %v, want Ethernet", r.LinkType())
	}

	for i, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame(%d) error = %v", i, err)
		}
		if string(got.Data) != string(want.Data) {
			t.Errorf("frame %d data = %x, want %x", i, got.Data, want.Data)
		}
		if got.OrigLen != want.OrigLen {
			t.Errorf("frame %d OrigLen = %d, want %d", i, got.OrigLen, want.OrigLen)
		}
	}
}
