package headers

import (
	"fmt"
	"net"
	"unsafe"

	"github.com/google/gopacket/layers"
)

var (
	ErrNotTCPOverIP    = fmt.Errorf("not TCP over IP after decapsulation")
	ErrUnsupportedEnc  = fmt.Errorf("unsupported encapsulation")
	ErrTruncatedEncap  = fmt.Errorf("truncated encapsulation header")
	ErrTooManyTunnels  = fmt.Errorf("too many nested tunnel layers")
	maxTunnelDepth     = 4
	vxlanDefaultPort   = layers.UDPPort(4789)
)

// greHeader overlays the fixed 4-byte GRE header (RFC 2784/2890). The
// optional checksum/reserved1, key, and sequence-number words follow when
// their corresponding flag bits are set, in that order.
type greHeader struct {
	flags    BE16
	protocol BE16 // EtherType of the encapsulated payload
}

var greHeaderSize = int(unsafe.Sizeof(greHeader{}))

func (g *greHeader) checksumPresent() bool { return g.flags.Uint16()&0x8000 != 0 }
func (g *greHeader) keyPresent() bool      { return g.flags.Uint16()&0x2000 != 0 }
func (g *greHeader) seqPresent() bool      { return g.flags.Uint16()&0x1000 != 0 }

// udpHeader overlays the fixed 8-byte UDP header.
type udpHeader struct {
	srcPort, dstPort BE16
	length           BE16
	checksum         BE16
}

var udpHeaderSize = int(unsafe.Sizeof(udpHeader{}))

// vxlanHeader overlays the fixed 8-byte VXLAN header (RFC 7348).
type vxlanHeader struct {
	flags        uint8
	reserved1    [3]byte
	vni          [3]byte
	reserved2    uint8
}

var vxlanHeaderSize = int(unsafe.Sizeof(vxlanHeader{}))

const etherTypeTransparentEthernetBridging = 0x6558

// DecapResult describes where, within the original frame, the innermost
// IP header and TCP segment were found after stripping every supported
// encapsulation layer.
type DecapResult struct {
	IsIPv6    bool
	IPv4      *IPv4Header // non-nil only when !IsIPv6
	IPOffset  int         // byte offset of the innermost IP header
	IPHdrLen  int         // innermost IP header length, including options/extensions
	L4Offset  int         // byte offset of the TCP header
	SrcIP     net.IP
	DstIP     net.IP
}

// Decapsulate walks wire (a full captured frame, link layer first) through
// Ethernet, optional 802.1Q/QinQ tags, optional MPLS label stack, and then
// through IPv4/IPv6 possibly wrapped in GRE, VXLAN (UDP/4789 or a custom
// port), or IP-in-IP, stopping at the innermost IP-over-TCP. vxlanPorts, if
// non-empty, are additional UDP destination ports treated as VXLAN besides
// the IANA-assigned 4789.
func Decapsulate(wire []byte, vxlanPorts ...layers.UDPPort) (DecapResult, error) {
	link, err := ParseLinkLayer(wire)
	if err != nil {
		return DecapResult{}, err
	}

	offset := link.Offset
	etherType := link.NextType
	if len(link.MPLSLabels) > 0 {
		if offset >= len(wire) {
			return DecapResult{}, ErrTruncatedEncap
		}
		switch wire[offset] >> 4 {
		case 4:
			etherType = layers.EthernetTypeIPv4
		case 6:
			etherType = layers.EthernetTypeIPv6
		default:
			return DecapResult{}, ErrUnsupportedEnc
		}
	}

	for depth := 0; ; depth++ {
		if depth > maxTunnelDepth {
			return DecapResult{}, ErrTooManyTunnels
		}

		res, nextOffset, nextProto, err := decapOneIPLayer(wire, offset, etherType)
		if err != nil {
			return DecapResult{}, err
		}

		switch nextProto {
		case layers.IPProtocolTCP:
			res.L4Offset = nextOffset
			return res, nil
		case layers.IPProtocolGRE:
			newOffset, newEtherType, err := decapGRE(wire, nextOffset)
			if err != nil {
				return DecapResult{}, err
			}
			if newEtherType == etherTypeTransparentEthernetBridging {
				inner, err := ParseLinkLayer(wire[newOffset:])
				if err != nil {
					return DecapResult{}, err
				}
				offset = newOffset + inner.Offset
				etherType = inner.NextType
			} else {
				offset = newOffset
				etherType = layers.EthernetType(newEtherType)
			}
		case layers.IPProtocolIPIP:
			offset = nextOffset
			etherType = layers.EthernetTypeIPv4
		case layers.IPProtocolIPv6:
			offset = nextOffset
			etherType = layers.EthernetTypeIPv6
		case layers.IPProtocolUDP:
			newOffset, isVXLAN, err := decapVXLAN(wire, nextOffset, vxlanPorts...)
			if err != nil {
				return DecapResult{}, err
			}
			if !isVXLAN {
				return DecapResult{}, ErrNotTCPOverIP
			}
			inner, err := ParseLinkLayer(wire[newOffset:])
			if err != nil {
				return DecapResult{}, err
			}
			offset = newOffset + inner.Offset
			etherType = inner.NextType
		default:
			return DecapResult{}, ErrNotTCPOverIP
		}
	}
}

// decapOneIPLayer overlays a single IPv4 or IPv6 header (with IPv6
// extension headers) at offset and returns the decap result so far plus
// the offset and next-layer protocol of what follows it.
func decapOneIPLayer(wire []byte, offset int, etherType layers.EthernetType) (DecapResult, int, layers.IPProtocol, error) {
	if offset > len(wire) {
		return DecapResult{}, 0, 0, ErrTruncatedEncap
	}
	switch etherType {
	case layers.EthernetTypeIPv4:
		h, _, err := OverlayIPv4Header(wire[offset:])
		if err != nil {
			return DecapResult{}, 0, 0, err
		}
		res := DecapResult{
			IsIPv6:   false,
			IPv4:     h,
			IPOffset: offset,
			IPHdrLen: h.HeaderLength(),
			SrcIP:    h.SrcIP(nil),
			DstIP:    h.DstIP(nil),
		}
		return res, offset + h.HeaderLength(), h.NextProtocol(), nil
	case layers.EthernetTypeIPv6:
		w := &IPv6Wrapper{}
		_, err := w.Overlay(wire[offset:])
		if err != nil {
			return DecapResult{}, 0, 0, err
		}
		np := w.NextProtocolAfterExtensions()
		res := DecapResult{
			IsIPv6:   true,
			IPOffset: offset,
			IPHdrLen: w.HeaderLength(),
			SrcIP:    w.SrcIP(nil),
			DstIP:    w.DstIP(nil),
		}
		return res, offset + w.HeaderLength(), np, nil
	default:
		return DecapResult{}, 0, 0, ErrUnsupportedEnc
	}
}

// decapGRE overlays a GRE header at offset, skipping whichever optional
// fields its flags declare present, and returns the offset of its payload
// plus the EtherType of that payload.
func decapGRE(wire []byte, offset int) (int, uint16, error) {
	if len(wire) < offset+greHeaderSize {
		return 0, 0, ErrTruncatedEncap
	}
	g := (*greHeader)(unsafe.Pointer(&wire[offset]))
	next := offset + greHeaderSize
	if g.checksumPresent() {
		next += 4
	}
	if g.keyPresent() {
		next += 4
	}
	if g.seqPresent() {
		next += 4
	}
	if len(wire) < next {
		return 0, 0, ErrTruncatedEncap
	}
	return next, g.protocol.Uint16(), nil
}

// decapVXLAN checks whether the UDP datagram at offset is VXLAN (by
// destination port) and, if so, returns the offset of the inner Ethernet
// frame.
func decapVXLAN(wire []byte, offset int, extraPorts ...layers.UDPPort) (int, bool, error) {
	if len(wire) < offset+udpHeaderSize {
		return 0, false, ErrTruncatedEncap
	}
	u := (*udpHeader)(unsafe.Pointer(&wire[offset]))
	dst := layers.UDPPort(u.dstPort.Uint16())
	isVXLAN := dst == vxlanDefaultPort
	for _, p := range extraPorts {
		isVXLAN = isVXLAN || dst == p
	}
	if !isVXLAN {
		return 0, false, nil
	}
	next := offset + udpHeaderSize
	if len(wire) < next+vxlanHeaderSize {
		return 0, false, ErrTruncatedEncap
	}
	return next + vxlanHeaderSize, true, nil
}
