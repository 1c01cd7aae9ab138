// Package tlsrecord models the intermediate TLS record representation
// MARK builds from the external decoder's field extraction. A TLSRecord
// never outlives one MARK run; it does not appear in KeepRuleSet.
package tlsrecord

import "github.com/rickypin/pktmask/model"

// Type is a TLS record's content type, as carried by the legacy
// content_type field (TLS <= 1.2) or the opaque_type field (TLS 1.3).
type Type uint8

const (
	ChangeCipherSpec Type = 20
	Alert            Type = 21
	Handshake        Type = 22
	ApplicationData  Type = 23
	Heartbeat        Type = 24
)

// headerLen is the fixed size of a TLS record header: 1 byte content
// type, 2 bytes version, 2 bytes length.
const headerLen = 5

// Record is one TLS record located within a flow's sequence space.
// body_seq_start = header_seq_start + 5 always; BodyLength is the
// record's declared body length from the decoder's extraction.
type Record struct {
	Flow           model.FlowKey
	Type           Type
	Version        uint16
	HeaderSeqStart uint32
	BodyLength     uint32
}

// BodySeqStart returns the absolute sequence number where the record body
// begins, immediately after the fixed 5-byte header. This wraps mod 2^32
// like any TCP sequence number; use BodySeqStartUnwrapped when the value
// feeds model.SplitWrap, which needs the unwrapped end to detect a wrap
// in the first place.
func (r Record) BodySeqStart() uint32 {
	return r.HeaderSeqStart + headerLen
}

// BodySeqStartUnwrapped returns the same position as BodySeqStart but
// computed in 64-bit arithmetic, so a header that itself straddles the
// sequence-number wrap (HeaderSeqStart near 2^32-1) still yields a value
// greater than HeaderSeqStart instead of silently wrapping back down.
func (r Record) BodySeqStartUnwrapped() uint64 {
	return uint64(r.HeaderSeqStart) + headerLen
}

// End returns the unwrapped (possibly >2^32) absolute sequence number one
// past the last byte of the record, for use with model.SplitWrap.
func (r Record) End() uint64 {
	return r.BodySeqStartUnwrapped() + uint64(r.BodyLength)
}

// ResolveType applies the TLS 1.3 precedence rule: when a record reports
// both a legacy content_type and a TLS 1.3 opaque_type, opaque_type wins.
// Either field may be absent (reported as 0, which is not a valid TLS
// record type and so unambiguously means "not present").
func ResolveType(contentType, opaqueType uint8) Type {
	if opaqueType != 0 {
		return Type(opaqueType)
	}
	return Type(contentType)
}

// IsKnown reports whether t is one of the record types with an explicit
// strategy-table entry; unknown types still get the safe "keep whole
// record" default.
func (t Type) IsKnown() bool {
	switch t {
	case ChangeCipherSpec, Alert, Handshake, ApplicationData, Heartbeat:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t {
	case ChangeCipherSpec:
		return "change_cipher_spec"
	case Alert:
		return "alert"
	case Handshake:
		return "handshake"
	case ApplicationData:
		return "application_data"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}
