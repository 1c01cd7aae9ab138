// Package model holds the data shared by every pipeline stage: the raw
// frame representation, flow identity, and the KeepRuleSet that MARK
// produces and APPLY consumes.
package model

import "github.com/rickypin/pktmask/internal/nano"

// Frame is an immutable record of one on-wire packet as read from a
// capture file. Index is the frame's position in the file it was read
// from; after DEDUP drops frames, that file is the deduplicated one.
type Frame struct {
	Index     int         // zero-based position in the capture file it was read from
	Timestamp nano.UnixNano
	Data      []byte      // raw bytes exactly as captured, link layer first
	OrigLen   int         // on-wire length, which may exceed len(Data) if the capture snapped the frame
}

// Len reports the captured (snapped) length, i.e. len(Data).
func (f *Frame) Len() int { return len(f.Data) }
