package headers

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"
	"unsafe"

	"github.com/google/gopacket/layers"
	"github.com/m-lab/go/logx"

	"github.com/rickypin/pktmask/metrics"
)

var (
	info         = log.New(os.Stdout, "headers: ", log.LstdFlags|log.Lshortfile)
	sparseLogger = log.New(os.Stdout, "headers: ", log.LstdFlags|log.Lshortfile)
	sparse1      = logx.NewLogEvery(sparseLogger, 1000*time.Millisecond)

	ErrNoIPLayer         = fmt.Errorf("no IP layer")
	ErrTruncatedIPHeader = fmt.Errorf("truncated IP header")
)

/******************************************************************************
 * IP Header handling
******************************************************************************/

// IP provides the common interface for IPv4 and IPv6 packet headers.
type IP interface {
	Version() uint8
	PayloadLength() int
	SrcIP(net.IP) net.IP
	DstIP(net.IP) net.IP
	NextProtocol() layers.IPProtocol
	HopLimit() uint8
	HeaderLength() int
}

//=============================================================================

// IPv4Header struct for IPv4 header, in wire format
type IPv4Header struct {
	versionIHL    uint8             // Version (4 bits) + Internet header length (4 bits)
	typeOfService uint8             // Type of service
	length        BE16              // Total length
	id            BE16              // Identification
	flagsFragOff  BE16              // Flags (3 bits) + Fragment offset (13 bits)
	hopLimit      uint8             // Time to live
	protocol      layers.IPProtocol // Protocol of next following bytes, after the options
	checksum      BE16              // Header checksum
	srcIP         BE32              // Source address
	dstIP         BE32              // Destination address
}

var IPv4HeaderSize = int(unsafe.Sizeof(IPv4Header{}))

func (h *IPv4Header) Version() uint8 {
	return h.versionIHL >> 4
}

func (h *IPv4Header) PayloadLength() int {
	return int(h.length.Uint16()) - h.HeaderLength()
}

// Checksum returns the header checksum field as it appears on the wire.
func (h *IPv4Header) Checksum() uint16 {
	return h.checksum.Uint16()
}

// SetChecksum overwrites the header checksum field in place.
func (h *IPv4Header) SetChecksum(v uint16) {
	h.checksum = be16(v)
}

// Flags returns the 3-bit IPv4 flags field (bit 0 reserved, bit 1 DF, bit 2 MF).
func (h *IPv4Header) Flags() uint8 {
	return uint8(h.flagsFragOff.Uint16() >> 13)
}

// FragmentOffset returns the 13-bit fragment offset, in units of 8 bytes.
func (h *IPv4Header) FragmentOffset() uint16 {
	return h.flagsFragOff.Uint16() & 0x1FFF
}

// replace overwrites the destination IP with src, allocating if needed.
func replace(dst net.IP, src ...byte) net.IP {
	if dst != nil {
		dst = dst[:0]
	}
	return append(dst, src...)
}

// SrcIP returns the source IP address of the packet.
// It uses the provided backing parameter to avoid allocations.
func (h *IPv4Header) SrcIP(backing net.IP) net.IP {
	return replace(backing, h.srcIP[:]...)
}

// DstIP returns the destination IP address of the packet.
// It uses the provided backing parameter to avoid allocations.
func (h *IPv4Header) DstIP(backing net.IP) net.IP {
	return replace(backing, h.dstIP[:]...)
}

// SetSrcIP overwrites the source address in place with a 4-byte address.
func (h *IPv4Header) SetSrcIP(ip net.IP) {
	copy(h.srcIP[:], ip.To4())
}

// SetDstIP overwrites the destination address in place with a 4-byte address.
func (h *IPv4Header) SetDstIP(ip net.IP) {
	copy(h.dstIP[:], ip.To4())
}

// NextProtocol returns the next protocol in the stack.
func (h *IPv4Header) NextProtocol() layers.IPProtocol {
	return h.protocol
}

// HopLimit returns the (remaining) TTL of the packet.
func (h *IPv4Header) HopLimit() uint8 {
	return h.hopLimit
}

// HeaderLength returns the length of the header in bytes, including options.
func (h *IPv4Header) HeaderLength() int {
	return int(h.versionIHL&0x0f) << 2
}

// OverlayIPv4Header overlays an IPv4 header on wire data, validating the
// version nibble and that the declared header length fits.
func OverlayIPv4Header(wire []byte) (*IPv4Header, []byte, error) {
	if len(wire) < IPv4HeaderSize {
		return nil, nil, ErrTruncatedIPHeader
	}
	h := (*IPv4Header)(unsafe.Pointer(&wire[0]))
	if h.Version() != 4 {
		return nil, nil, fmt.Errorf("IPv4 header with version %d", h.Version())
	}
	hl := h.HeaderLength()
	if hl < IPv4HeaderSize || len(wire) < hl {
		return nil, nil, ErrTruncatedIPHeader
	}
	return h, wire[hl:], nil
}

// ExtensionHeader is used to parse IPv6 extension headers.
type ExtensionHeader struct {
	NextHeader        layers.IPProtocol
	HeaderLength      uint8
	OptionsAndPadding [6]byte
}

type EHWrapper struct {
	HeaderType layers.IPProtocol // Type of THIS header, not the next header.
	eh         *ExtensionHeader
	data       []byte // All the options and padding, including the first 6 bytes.
}

// IPv6Header struct for IPv6 header
type IPv6Header struct {
	versionTrafficClassFlowLabel BE32              // Version (4 bits) + Traffic class (8 bits) + Flow label (20 bits)
	payloadLength                BE16              // Original payload length, NOT the payload size of the captured packet.
	nextHeader                   layers.IPProtocol // Protocol of next layer/header
	hopLimit                     uint8             // Hop limit
	srcIP                        [16]byte
	dstIP                        [16]byte
}

var IPv6HeaderSize = int(unsafe.Sizeof(IPv6Header{}))

func OverlayIPv6Header(data []byte) (*IPv6Header, []byte, error) {
	if len(data) < IPv6HeaderSize {
		return nil, nil, ErrTruncatedIPHeader
	}
	h := (*IPv6Header)(unsafe.Pointer(&data[0]))
	if h.Version() != 6 {
		return nil, nil, fmt.Errorf("IPv6 packet with version %d", h.Version())
	}
	return h, data[IPv6HeaderSize:], nil
}

// Overlay reuses this object, using the provided wire data.
// The wire data is NOT copied, but is used to back the object fields.
func (w *IPv6Wrapper) Overlay(wire []byte) (payload []byte, err error) {
	w.IPv6Header, _, err = OverlayIPv6Header(wire)
	if err != nil {
		return nil, err
	}
	w.headerLength = IPv6HeaderSize
	err = w.handleExtensionHeaders(wire[IPv6HeaderSize:])
	if err != nil {
		return nil, err
	}
	if len(wire) < w.headerLength {
		return nil, ErrTruncatedIPHeader
	}
	return wire[w.headerLength:], err
}

func (h *IPv6Header) Version() uint8 {
	return h.versionTrafficClassFlowLabel[0] >> 4
}

func (h *IPv6Header) PayloadLength() int {
	return int(h.payloadLength.Uint16())
}

func (h *IPv6Header) SrcIP(backing net.IP) net.IP {
	return replace(backing, h.srcIP[:]...)
}

// DstIP returns the destination IP address of the packet.
func (h *IPv6Header) DstIP(backing net.IP) net.IP {
	return replace(backing, h.dstIP[:]...)
}

// SetSrcIP overwrites the source address in place with a 16-byte address.
func (h *IPv6Header) SetSrcIP(ip net.IP) {
	copy(h.srcIP[:], ip.To16())
}

// SetDstIP overwrites the destination address in place with a 16-byte address.
func (h *IPv6Header) SetDstIP(ip net.IP) {
	copy(h.dstIP[:], ip.To16())
}

func (h *IPv6Header) HopLimit() uint8 {
	return h.hopLimit
}

func (h *IPv6Header) NextProtocol() layers.IPProtocol {
	return h.nextHeader
}

// HeaderLength is not meaningful on the bare IPv6Header; use
// IPv6Wrapper.HeaderLength, which accounts for extension headers walked
// during Overlay.
func (h *IPv6Header) HeaderLength() int {
	return IPv6HeaderSize
}

type IPv6Wrapper struct {
	*IPv6Header
	ext          []EHWrapper
	headerLength int
	finalNext    layers.IPProtocol // protocol following the last extension header walked
}

// NextProtocolAfterExtensions returns the protocol of the payload
// following every extension header Overlay walked — the base header's
// NextProtocol() only reports the first extension header, if any.
func (w *IPv6Wrapper) NextProtocolAfterExtensions() layers.IPProtocol {
	return w.finalNext
}

// HeaderLength returns the IPv6 base header length plus every extension
// header walked in Overlay.
func (w *IPv6Wrapper) HeaderLength() int {
	return w.headerLength
}

// handleExtensionHeaders walks IPv6 extension headers starting right
// after the fixed 40-byte base header. It does not copy or disturb the
// underlying data; rawWire must start at the first extension header (or
// at the upper-layer payload if there are none).
func (w *IPv6Wrapper) handleExtensionHeaders(rawWire []byte) error {
	if w == nil {
		return fmt.Errorf("nil IPv6Wrapper")
	}
	w.ext = w.ext[:0]

	np := w.nextHeader
	for {
		switch np {
		case layers.IPProtocolNoNextHeader, layers.IPProtocolTCP, layers.IPProtocolUDP,
			layers.IPProtocolGRE, layers.IPProtocolIPv4:
			w.finalNext = np
			return nil
		case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Fragment:
			// fall through to extension-header parsing below
		default:
			metrics.ParseWarnings.WithLabelValues("ipv6", "unsupported_extension_type").Inc()
			sparse1.Println("unsupported IPv6 extension type", np)
			w.finalNext = np
			return nil
		}

		if len(rawWire) < 8 {
			metrics.ParseWarnings.WithLabelValues("ipv6", "truncated_extension").Inc()
			return ErrTruncatedIPHeader
		}

		eh := (*ExtensionHeader)(unsafe.Pointer(&rawWire[0]))
		extLen := 8 + int(eh.HeaderLength)*8
		if np == layers.IPProtocolIPv6Fragment {
			extLen = 8 // fragment header has no HeaderLength-scaled body
		}
		if len(rawWire) < extLen {
			metrics.ParseWarnings.WithLabelValues("ipv6", "truncated_extension").Inc()
			return ErrTruncatedIPHeader
		}
		w.ext = append(w.ext, EHWrapper{
			HeaderType: np,
			eh:         eh,
			data:       rawWire[2:extLen],
		})
		w.headerLength += extLen
		rawWire = rawWire[extLen:]
		np = eh.NextHeader
	}
}
