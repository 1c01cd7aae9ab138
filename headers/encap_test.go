package headers

import (
	"encoding/binary"
	"net"
	"testing"
	"unsafe"

	"github.com/google/gopacket/layers"
)

// buildIPv4TCP assembles a minimal IPv4+TCP segment pair (header-only TCP,
// no options) with valid checksums, carrying payload as its data.
func buildIPv4TCP(payload []byte, src, dst net.IP) (ip, tcp []byte) {
	tcp = make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(tcp[0:2], 51000)
	binary.BigEndian.PutUint16(tcp[2:4], 443)
	binary.BigEndian.PutUint32(tcp[4:8], 1000)
	tcp[12] = 5 << 4
	copy(tcp[20:], payload)
	RecomputeTCPChecksum(tcp, false, src, dst)

	ip = make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(20+len(tcp)))
	ip[8] = 64
	ip[9] = byte(layers.IPProtocolTCP)
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	h := (*IPv4Header)(unsafe.Pointer(&ip[0]))
	RecomputeIPv4HeaderChecksum(h, ip)
	return ip, tcp
}

// buildVLANFrame assembles an Ethernet header, any stacked 802.1Q/802.1ad
// tags (vlanTPIDs given outermost-first, as they appear on the wire), and
// then ip+tcp.
func buildVLANFrame(ip, tcp []byte, vlanTPIDs ...layers.EthernetType) []byte {
	frame := make([]byte, EthernetHeaderSize)
	copy(frame[0:6], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	copy(frame[6:12], []byte{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee})

	nextType := uint16(layers.EthernetTypeIPv4)
	var tags [][]byte
	for i := len(vlanTPIDs) - 1; i >= 0; i-- {
		tag := make([]byte, 4)
		binary.BigEndian.PutUint16(tag[0:2], 100+uint16(i)) // arbitrary VID
		binary.BigEndian.PutUint16(tag[2:4], nextType)
		tags = append([][]byte{tag}, tags...)
		nextType = uint16(vlanTPIDs[i])
	}
	binary.BigEndian.PutUint16(frame[12:14], nextType)
	for _, tag := range tags {
		frame = append(frame, tag...)
	}
	frame = append(frame, ip...)
	frame = append(frame, tcp...)
	return frame
}

func TestDecapsulatePlainEthernet(t *testing.T) {
	src, dst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	ip, tcp := buildIPv4TCP(payload, src, dst)
	frame := buildVLANFrame(ip, tcp)

	res, err := Decapsulate(frame)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if res.IsIPv6 {
		t.Fatalf("expected IPv4")
	}
	if !res.SrcIP.Equal(src) {
		t.Errorf("SrcIP = %v, want %v", res.SrcIP, src)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}

func TestDecapsulateQinQ(t *testing.T) {
	src, dst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	ip, tcp := buildIPv4TCP(payload, src, dst)
	frame := buildVLANFrame(ip, tcp, layers.EthernetTypeQinQ, layers.EthernetTypeDot1Q)

	res, err := Decapsulate(frame)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}

func TestDecapsulateTruncatedFrame(t *testing.T) {
	if _, err := Decapsulate([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatalf("expected error on truncated frame")
	}
}

// buildOuterIPv4 wraps payload (already a complete next-layer blob, e.g.
// GRE+inner-frame or a raw IP-in-IP inner datagram) in an IPv4 header
// carrying nextProto, with a valid header checksum.
func buildOuterIPv4(payload []byte, src, dst net.IP, nextProto layers.IPProtocol) []byte {
	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(20+len(payload)))
	ip[8] = 64
	ip[9] = byte(nextProto)
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	h := (*IPv4Header)(unsafe.Pointer(&ip[0]))
	RecomputeIPv4HeaderChecksum(h, ip)
	return append(ip, payload...)
}

// buildEthernetFrame assembles a bare Ethernet header (no VLAN tags) around
// an already-built network-layer payload.
func buildEthernetFrame(etherType layers.EthernetType, payload []byte) []byte {
	frame := make([]byte, EthernetHeaderSize)
	copy(frame[0:6], []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	copy(frame[6:12], []byte{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee})
	binary.BigEndian.PutUint16(frame[12:14], uint16(etherType))
	return append(frame, payload...)
}

func TestDecapsulateGRE(t *testing.T) {
	outerSrc, outerDst := net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2)
	innerSrc, innerDst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	innerIP, innerTCP := buildIPv4TCP(payload, innerSrc, innerDst)
	innerDatagram := append(innerIP, innerTCP...)

	// Minimal GRE header: no checksum/key/sequence flags set, protocol IPv4.
	gre := make([]byte, 4)
	binary.BigEndian.PutUint16(gre[0:2], 0x0000)
	binary.BigEndian.PutUint16(gre[2:4], uint16(layers.EthernetTypeIPv4))
	greAndInner := append(gre, innerDatagram...)

	outerIP := buildOuterIPv4(greAndInner, outerSrc, outerDst, layers.IPProtocolGRE)
	frame := buildEthernetFrame(layers.EthernetTypeIPv4, outerIP)

	res, err := Decapsulate(frame)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if !res.SrcIP.Equal(innerSrc) || !res.DstIP.Equal(innerDst) {
		t.Errorf("SrcIP/DstIP = %v/%v, want %v/%v", res.SrcIP, res.DstIP, innerSrc, innerDst)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}

func TestDecapsulateVXLAN(t *testing.T) {
	outerSrc, outerDst := net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2)
	innerSrc, innerDst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	innerIP, innerTCP := buildIPv4TCP(payload, innerSrc, innerDst)
	innerFrame := buildEthernetFrame(layers.EthernetTypeIPv4, append(innerIP, innerTCP...))

	vxlan := make([]byte, 8)
	vxlan[0] = 0x08 // VNI valid flag
	vxlanAndInner := append(vxlan, innerFrame...)

	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], 40000)
	binary.BigEndian.PutUint16(udp[2:4], 4789)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(vxlanAndInner)))
	udpAndPayload := append(udp, vxlanAndInner...)

	outerIP := buildOuterIPv4(udpAndPayload, outerSrc, outerDst, layers.IPProtocolUDP)
	frame := buildEthernetFrame(layers.EthernetTypeIPv4, outerIP)

	res, err := Decapsulate(frame)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if !res.SrcIP.Equal(innerSrc) || !res.DstIP.Equal(innerDst) {
		t.Errorf("SrcIP/DstIP = %v/%v, want %v/%v", res.SrcIP, res.DstIP, innerSrc, innerDst)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}

func TestDecapsulateVXLANCustomPort(t *testing.T) {
	outerSrc, outerDst := net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2)
	innerSrc, innerDst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	innerIP, innerTCP := buildIPv4TCP(payload, innerSrc, innerDst)
	innerFrame := buildEthernetFrame(layers.EthernetTypeIPv4, append(innerIP, innerTCP...))

	vxlan := make([]byte, 8)
	vxlan[0] = 0x08
	vxlanAndInner := append(vxlan, innerFrame...)

	const customPort = 8472
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], 40000)
	binary.BigEndian.PutUint16(udp[2:4], customPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(vxlanAndInner)))
	udpAndPayload := append(udp, vxlanAndInner...)

	outerIP := buildOuterIPv4(udpAndPayload, outerSrc, outerDst, layers.IPProtocolUDP)
	frame := buildEthernetFrame(layers.EthernetTypeIPv4, outerIP)

	res, err := Decapsulate(frame, layers.UDPPort(customPort))
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}

func TestDecapsulateMPLS(t *testing.T) {
	src, dst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	ip, tcp := buildIPv4TCP(payload, src, dst)
	innerDatagram := append(ip, tcp...)

	// Single MPLS label, bottom-of-stack bit set, label value arbitrary.
	label := make([]byte, 4)
	binary.BigEndian.PutUint32(label, (42<<12)|0x100)

	frame := buildEthernetFrame(layers.EthernetTypeMPLSUnicast, append(label, innerDatagram...))

	res, err := Decapsulate(frame)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if res.IsIPv6 {
		t.Fatalf("expected IPv4")
	}
	if !res.SrcIP.Equal(src) || !res.DstIP.Equal(dst) {
		t.Errorf("SrcIP/DstIP = %v/%v, want %v/%v", res.SrcIP, res.DstIP, src, dst)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}

func TestDecapsulateIPIP(t *testing.T) {
	outerSrc, outerDst := net.IPv4(192, 0, 2, 1), net.IPv4(192, 0, 2, 2)
	innerSrc, innerDst := net.IPv4(172, 16, 10, 99), net.IPv4(172, 16, 10, 12)
	payload := []byte{0x17, 0x03, 0x03, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	innerIP, innerTCP := buildIPv4TCP(payload, innerSrc, innerDst)
	innerDatagram := append(innerIP, innerTCP...)

	outerIP := buildOuterIPv4(innerDatagram, outerSrc, outerDst, layers.IPProtocolIPIP)
	frame := buildEthernetFrame(layers.EthernetTypeIPv4, outerIP)

	res, err := Decapsulate(frame)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if !res.SrcIP.Equal(innerSrc) || !res.DstIP.Equal(innerDst) {
		t.Errorf("SrcIP/DstIP = %v/%v, want %v/%v", res.SrcIP, res.DstIP, innerSrc, innerDst)
	}
	got := frame[res.L4Offset+20:]
	if string(got) != string(payload) {
		t.Errorf("recovered payload = %x, want %x", got, payload)
	}
}
