package headers

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket/layers"
)

// be16 encodes v as a big-endian 2-byte value, the inverse of BE16.Uint16.
func be16(v uint16) BE16 {
	var b BE16
	binary.BigEndian.PutUint16(b[:], v)
	return b
}

// OnesComplementChecksum computes the 16-bit one's-complement checksum
// used by both the IPv4 header checksum and the TCP/UDP checksum (over
// their respective pseudo-headers plus payload). data's length may be odd;
// a trailing single byte is padded with a zero low byte per RFC 1071.
func OnesComplementChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for n > 1 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
		i += 2
		n -= 2
	}
	if n > 0 {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 > 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// addChecksum folds a second one's-complement sum (e.g. a pseudo-header
// checksum) into an already-computed partial checksum without needing to
// concatenate both buffers.
func addChecksum(a, b uint16) uint16 {
	sum := uint32(^a&0xFFFF) + uint32(^b&0xFFFF)
	for sum>>16 > 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// RecomputeIPv4HeaderChecksum recomputes and writes the IPv4 header
// checksum field in place. The checksum field itself is zeroed before
// computing, matching standard practice.
func RecomputeIPv4HeaderChecksum(h *IPv4Header, headerBytes []byte) {
	h.checksum = BE16{}
	h.checksum = be16(OnesComplementChecksum(headerBytes[:h.HeaderLength()]))
}

// ipv4PseudoHeader builds the 12-byte IPv4 TCP/UDP pseudo-header.
func ipv4PseudoHeader(src, dst net.IP, protocol layers.IPProtocol, length int) []byte {
	src4 := src.To4()
	dst4 := dst.To4()
	buf := make([]byte, 12)
	copy(buf[0:4], src4)
	copy(buf[4:8], dst4)
	buf[8] = 0
	buf[9] = byte(protocol)
	binary.BigEndian.PutUint16(buf[10:12], uint16(length))
	return buf
}

// ipv6PseudoHeader builds the 40-byte IPv6 TCP/UDP pseudo-header.
func ipv6PseudoHeader(src, dst net.IP, protocol layers.IPProtocol, length int) []byte {
	src16 := src.To16()
	dst16 := dst.To16()
	buf := make([]byte, 40)
	copy(buf[0:16], src16)
	copy(buf[16:32], dst16)
	binary.BigEndian.PutUint32(buf[32:36], uint32(length))
	buf[39] = byte(protocol)
	return buf
}

// RecomputeTCPChecksum computes the TCP checksum over tcpSegment (header
// plus payload) using the standard pseudo-header for the given IP
// version, and writes it into the checksum field at byte offset 16 of
// tcpSegment. tcpSegment's existing checksum bytes are zeroed first.
func RecomputeTCPChecksum(tcpSegment []byte, isIPv6 bool, src, dst net.IP) {
	tcpSegment[16] = 0
	tcpSegment[17] = 0

	var pseudo []byte
	if isIPv6 {
		pseudo = ipv6PseudoHeader(src, dst, layers.IPProtocolTCP, len(tcpSegment))
	} else {
		pseudo = ipv4PseudoHeader(src, dst, layers.IPProtocolTCP, len(tcpSegment))
	}
	sum := addChecksum(OnesComplementChecksum(pseudo), OnesComplementChecksum(tcpSegment))
	binary.BigEndian.PutUint16(tcpSegment[16:18], sum)
}
