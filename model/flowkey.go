package model

import "net"

// FlowKey identifies one directional half of a TCP connection: the 5-tuple
// (src, dst, src port, dst port). The reverse direction is a distinct key.
// FlowKey stores both addresses in their string form (net.IP is a slice),
// so it is comparable and used directly as a map key.
type FlowKey struct {
	SrcIP   string
	DstIP   string
	SrcPort uint16
	DstPort uint16
}

// NewFlowKey builds a directional FlowKey from IPs in any net.IP form.
// IPv4 and IPv6 addresses are both supported; the string form retains
// whichever family was given.
func NewFlowKey(srcIP, dstIP net.IP, srcPort, dstPort uint16) FlowKey {
	return FlowKey{
		SrcIP:   srcIP.String(),
		DstIP:   dstIP.String(),
		SrcPort: srcPort,
		DstPort: dstPort,
	}
}

// Reverse returns the FlowKey for the opposite direction of the same
// connection.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort}
}

// Bidirectional returns the connection-level key obtained by sorting the
// two endpoints, for reporting only — never used to key KeepRules, since
// masking is strictly directional.
func (k FlowKey) Bidirectional() BidiKey {
	a := endpoint{ip: k.SrcIP, port: k.SrcPort}
	b := endpoint{ip: k.DstIP, port: k.DstPort}
	if endpointLess(b, a) {
		a, b = b, a
	}
	return BidiKey{A: a, B: b}
}

type endpoint struct {
	ip   string
	port uint16
}

func endpointLess(a, b endpoint) bool {
	if a.ip != b.ip {
		return a.ip < b.ip
	}
	return a.port < b.port
}

// BidiKey is the connection-level, order-independent identity of a TCP
// flow, used only for reporting.
type BidiKey struct {
	A, B endpoint
}
