package headers

import (
	"encoding/binary"
	"net"
	"testing"
	"unsafe"

	"github.com/google/gopacket/layers"
)

func TestOnesComplementChecksumKnownGood(t *testing.T) {
	// A minimal 20-byte IPv4 header with a known-good checksum: building
	// it with the checksum field included should sum to 0xFFFF.
	header := []byte{
		0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00,
		0x40, 0x06, 0xb1, 0xe6, 0xac, 0x10, 0x0a, 0x63,
		0xac, 0x10, 0x0a, 0x0c,
	}
	sum := OnesComplementChecksum(header)
	if sum != 0 {
		t.Fatalf("checksum of a header with its own valid checksum embedded = 0x%04x, want 0", sum)
	}
}

func TestRecomputeIPv4HeaderChecksum(t *testing.T) {
	header := make([]byte, 20)
	header[0] = 0x45 // version 4, IHL 5
	header[2], header[3] = 0x00, 0x3c
	header[8] = 64               // TTL
	header[9] = byte(layers.IPProtocolTCP)
	copy(header[12:16], net.IPv4(172, 16, 10, 99).To4())
	copy(header[16:20], net.IPv4(172, 16, 10, 12).To4())
	// Poison the checksum field to confirm RecomputeIPv4HeaderChecksum
	// overwrites it unconditionally.
	header[10], header[11] = 0xAA, 0xBB

	h := (*IPv4Header)(unsafe.Pointer(&header[0]))
	RecomputeIPv4HeaderChecksum(h, header)

	if OnesComplementChecksum(header) != 0 {
		t.Fatalf("header checksum does not validate after recompute")
	}
}

func TestRecomputeTCPChecksumRoundTrip(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)

	tcp := make([]byte, 20+4) // header + 4 bytes payload
	binary.BigEndian.PutUint16(tcp[0:2], 443)   // src port
	binary.BigEndian.PutUint16(tcp[2:4], 51000) // dst port
	tcp[12] = 5 << 4                            // data offset = 5 words
	copy(tcp[20:], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	RecomputeTCPChecksum(tcp, false, src, dst)

	pseudo := ipv4PseudoHeader(src, dst, layers.IPProtocolTCP, len(tcp))
	full := append(append([]byte{}, pseudo...), tcp...)
	if OnesComplementChecksum(full) != 0 {
		t.Fatalf("TCP checksum does not validate against pseudo-header")
	}
}
