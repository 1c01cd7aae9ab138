// Package headers decodes link/network/transport headers directly off
// capture bytes via unsafe struct overlays, the way the rest of this
// codebase avoids copying packet data. It also recomputes L3/L4 checksums
// after APPLY rewrites a payload.
package headers

import (
	"fmt"
	"unsafe"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/internal/bigendian"
)

var (
	ErrUnknownEtherType        = fmt.Errorf("unknown Ethernet type")
	ErrTruncatedEthernetHeader = fmt.Errorf("truncated Ethernet header")
	ErrTooManyVLANTags         = fmt.Errorf("too many stacked VLAN tags")
	ErrTooManyMPLSLabels       = fmt.Errorf("too many stacked MPLS labels")
)

type BE16 = bigendian.BE16
type BE32 = bigendian.BE32

// maxStackedTags bounds 802.1Q/QinQ and MPLS label stack walks so a
// malformed frame with a bogus EtherType chain cannot loop forever.
const maxStackedTags = 8

/*******************************************************************************
 * Ethernet Header handling
*******************************************************************************/

// EthernetHeader overlays the fixed 14-byte Ethernet header in wire format.
type EthernetHeader struct {
	DstMAC, SrcMAC [6]byte
	etherType      BE16
}

var EthernetHeaderSize = int(unsafe.Sizeof(EthernetHeader{}))

// EtherType returns the EtherType field of the header.
func (e *EthernetHeader) EtherType() layers.EthernetType {
	return layers.EthernetType(e.etherType.Uint16())
}

// dot1qTag overlays an 802.1Q/802.1ad tag: 2 bytes of PCP/DEI/VID followed
// by the 2-byte EtherType/TPID of the next layer.
type dot1qTag struct {
	tci       BE16
	etherType BE16
}

var dot1qTagSize = int(unsafe.Sizeof(dot1qTag{}))

func (t *dot1qTag) vid() uint16 {
	return t.tci.Uint16() & 0x0FFF
}

// VLANTag is a single decoded 802.1Q/802.1ad tag.
type VLANTag struct {
	TPID layers.EthernetType
	VID  uint16
}

// mplsLabel overlays a single 4-byte MPLS label stack entry.
type mplsLabel struct {
	raw BE32
}

func (l mplsLabel) label() uint32    { return l.raw.Uint32() >> 12 }
func (l mplsLabel) bottomOfStack() bool { return l.raw.Uint32()&0x100 != 0 }

var mplsLabelSize = int(unsafe.Sizeof(mplsLabel{}))

// LinkHeaders is the result of walking the Ethernet header plus any
// stacked 802.1Q/QinQ tags and MPLS label stack. Offset is the byte offset
// into the frame where the next header (network layer, or the
// encapsulation payload for MPLS) begins.
type LinkHeaders struct {
	Eth        *EthernetHeader
	VLANTags   []VLANTag
	MPLSLabels []uint32
	NextType   layers.EthernetType // only meaningful when MPLSLabels is empty
	Offset     int
}

// ParseLinkLayer decodes the Ethernet header and walks any stacked VLAN
// tags and MPLS labels, returning the offset of the first byte past the
// link layer. For an MPLS-tagged frame, the caller must inspect the first
// nibble of the payload at Offset to tell IPv4 from IPv6 (RFC 4928), since
// MPLS carries no explicit next-protocol field.
func ParseLinkLayer(wire []byte) (LinkHeaders, error) {
	var lh LinkHeaders
	if len(wire) < EthernetHeaderSize {
		return lh, ErrTruncatedEthernetHeader
	}
	lh.Eth = (*EthernetHeader)(unsafe.Pointer(&wire[0]))
	offset := EthernetHeaderSize
	etherType := lh.Eth.EtherType()

	for i := 0; i < maxStackedTags; i++ {
		if etherType != layers.EthernetTypeDot1Q && etherType != layers.EthernetTypeQinQ {
			break
		}
		if len(wire) < offset+dot1qTagSize {
			return lh, ErrTruncatedEthernetHeader
		}
		tag := (*dot1qTag)(unsafe.Pointer(&wire[offset]))
		lh.VLANTags = append(lh.VLANTags, VLANTag{TPID: etherType, VID: tag.vid()})
		etherType = layers.EthernetType(tag.etherType.Uint16())
		offset += dot1qTagSize
		if i == maxStackedTags-1 {
			return lh, ErrTooManyVLANTags
		}
	}

	if etherType == layers.EthernetTypeMPLSUnicast || etherType == layers.EthernetTypeMPLSMulticast {
		for i := 0; ; i++ {
			if i == maxStackedTags {
				return lh, ErrTooManyMPLSLabels
			}
			if len(wire) < offset+mplsLabelSize {
				return lh, ErrTruncatedEthernetHeader
			}
			entry := (*mplsLabel)(unsafe.Pointer(&wire[offset]))
			lh.MPLSLabels = append(lh.MPLSLabels, entry.label())
			offset += mplsLabelSize
			if entry.bottomOfStack() {
				break
			}
		}
	} else {
		lh.NextType = etherType
	}

	lh.Offset = offset
	return lh, nil
}
