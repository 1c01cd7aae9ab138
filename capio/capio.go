// Package capio reads and writes PCAP and PCAPNG capture files, preserving
// frame count, order, timestamps, and link type across a round trip. It is
// the only place in the module that touches the on-disk capture format;
// every stage works with model.Frame instead.
package capio

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/rickypin/pktmask/internal/nano"
	"github.com/rickypin/pktmask/model"
)

var (
	ErrUnknownFormat = fmt.Errorf("capio: unrecognized capture file format")
)

// magic numbers for the first 4 bytes of a capture file read as a
// big-endian uint32: classic PCAP (microsecond and nanosecond variants)
// written in either byte order, plus the PCAPNG block-type magic.
const (
	magicPcapLE     = 0xa1b2c3d4
	magicPcapBE     = 0xd4c3b2a1
	magicPcapNSLE   = 0xa1b23c4d
	magicPcapNSBE   = 0x4d3cb2a1
	magicNgBlockLen = 0x0a0d0d0a
)

// Format identifies which on-disk container a capture uses.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapNg
)

// Reader streams frames out of a capture file one at a time, in file order.
type Reader struct {
	format Format
	link   layers.LinkType
	legacy *pcapgo.Reader
	ng     *pcapgo.NgReader
	index  int
}

// Open sniffs the first 4 bytes of f to choose between the classic PCAP and
// PCAPNG readers and returns a Reader positioned at the first frame.
func Open(f io.Reader) (*Reader, error) {
	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capio: reading file header: %w", err)
	}

	switch {
	case isClassicPcapMagic(head):
		r, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("capio: opening pcap reader: %w", err)
		}
		return &Reader{format: FormatPcap, link: r.LinkType(), legacy: r}, nil
	case beUint32(head) == magicNgBlockLen:
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("capio: opening pcapng reader: %w", err)
		}
		return &Reader{format: FormatPcapNg, link: r.LinkType(), ng: r}, nil
	default:
		return nil, ErrUnknownFormat
	}
}

func isClassicPcapMagic(head []byte) bool {
	v := beUint32(head)
	return v == magicPcapLE || v == magicPcapBE || v == magicPcapNSLE || v == magicPcapNSBE
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func leUint32(b []byte) uint32 {
	return uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
}

// Format reports which container format the opened file used.
func (r *Reader) Format() Format { return r.format }

// LinkType reports the capture's link-layer type, needed by a Writer to
// reproduce the same framing.
func (r *Reader) LinkType() layers.LinkType { return r.link }

// ReadFrame returns the next frame in the capture, or io.EOF when
// exhausted. OrigLen preserves the original (possibly larger than
// captured) packet length reported by the capture metadata.
func (r *Reader) ReadFrame() (model.Frame, error) {
	var data []byte
	var ci gopacket.CaptureInfo
	var err error
	switch r.format {
	case FormatPcap:
		data, ci, err = r.legacy.ReadPacketData()
	case FormatPcapNg:
		data, ci, err = r.ng.ReadPacketData()
	}
	if err != nil {
		return model.Frame{}, err
	}

	frame := model.Frame{
		Index:     r.index,
		Timestamp: nano.UnixNano(ci.Timestamp.UnixNano()),
		Data:      append([]byte(nil), data...),
		OrigLen:   ci.Length,
	}
	r.index++
	return frame, nil
}

// Writer appends frames to a capture file in the same format and link type
// as the source Reader, preserving OrigLen and Timestamp exactly.
type Writer struct {
	format Format
	legacy *pcapgo.Writer
	ng     *pcapgo.NgWriter
}

// Create opens a new capture file at path, writing a file header for
// format/link matching the source capture.
func Create(path string, format Format, link layers.LinkType) (*Writer, io.Closer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("capio: creating %s: %w", path, err)
	}

	switch format {
	case FormatPcap:
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(65536, link); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("capio: writing pcap header: %w", err)
		}
		return &Writer{format: format, legacy: w}, f, nil
	case FormatPcapNg:
		w, err := pcapgo.NewNgWriter(f, link)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("capio: writing pcapng header: %w", err)
		}
		return &Writer{format: format, ng: w}, f, nil
	default:
		f.Close()
		return nil, nil, ErrUnknownFormat
	}
}

// WriteFrame appends frame, preserving its timestamp and original length
// even though the frame's captured Data may be shorter (snaplen-truncated
// captures are passed through unchanged, never re-truncated further).
func (w *Writer) WriteFrame(frame model.Frame) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     frame.Timestamp.ToTime(),
		CaptureLength: len(frame.Data),
		Length:        frame.OrigLen,
	}
	switch w.format {
	case FormatPcap:
		return w.legacy.WritePacket(ci, frame.Data)
	case FormatPcapNg:
		return w.ng.WritePacket(ci, frame.Data)
	default:
		return ErrUnknownFormat
	}
}

// Flush flushes any buffered PCAPNG blocks (the legacy writer is
// unbuffered). Writer.Flush plus the io.Closer returned by Create must
// both run before the file is considered durable.
func (w *Writer) Flush() error {
	if w.format == FormatPcapNg {
		return w.ng.Flush()
	}
	return nil
}
