package anonymize

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/rickypin/pktmask/headers"
)

func testCryptopan(t *testing.T) *Cryptopan {
	t.Helper()
	var key, pad [blockSize]byte
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCryptopan(key, pad)
	if err != nil {
		t.Fatalf("NewCryptopan() error = %v", err)
	}
	return c
}

func TestAnonymize4PreservesPrefixAndIsDeterministic(t *testing.T) {
	c := testCryptopan(t)

	a := c.Anonymize4([4]byte{10, 0, 0, 1})
	b := c.Anonymize4([4]byte{10, 0, 0, 2})
	if a[0] != b[0] {
		t.Errorf("first octet diverged: %v vs %v, want shared /8 prefix preserved", a, b)
	}

	again := c.Anonymize4([4]byte{10, 0, 0, 1})
	if a != again {
		t.Errorf("Anonymize4 not deterministic: %v vs %v", a, again)
	}
}

func TestAnonymize4ChangesTheAddress(t *testing.T) {
	c := testCryptopan(t)
	in := [4]byte{192, 168, 1, 1}
	out := c.Anonymize4(in)
	if out == in {
		t.Errorf("Anonymize4(%v) = %v, want a different address", in, out)
	}
}

func buildFrame(src, dst net.IP, srcPort, dstPort uint16) []byte {
	tcp := make([]byte, 20)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4
	headers.RecomputeTCPChecksum(tcp, false, src, dst)

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

func TestAnonymizeFrameRewritesAddressesAndChecksums(t *testing.T) {
	src, dst := net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)
	wire := buildFrame(src, dst, 51000, 443)
	orig := append([]byte(nil), wire...)

	s := &Stage{Anon: testCryptopan(t)}
	modified, err := s.anonymizeFrame(wire)
	if err != nil {
		t.Fatalf("anonymizeFrame() error = %v", err)
	}
	if !modified {
		t.Fatalf("expected frame to be modified")
	}

	newSrc := wire[14+12 : 14+16]
	newDst := wire[14+16 : 14+20]
	if bytes.Equal(newSrc, orig[14+12:14+16]) {
		t.Errorf("source address unchanged after anonymization")
	}
	if bytes.Equal(newDst, orig[14+16:14+20]) {
		t.Errorf("destination address unchanged after anonymization")
	}

	res, err := headers.Decapsulate(wire)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if got := headers.OnesComplementChecksum(wire[res.IPOffset : res.IPOffset+res.IPHdrLen]); got != 0 {
		t.Errorf("IPv4 header checksum invalid after anonymization, residual = %#x", got)
	}
}
