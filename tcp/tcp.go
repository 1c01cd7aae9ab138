// Package tcp decodes TCP segment headers and models enough of the TCP
// sequence-number state machine to support the masking pipeline: computing
// exact option-aware data offsets, and (read-only) tracking retransmissions
// and gaps for diagnostics. It never mutates capture bytes.
package tcp

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"
	"unsafe"

	"github.com/google/gopacket/layers"

	"github.com/rickypin/pktmask/internal/bigendian"
)

var (
	sparseLogger = log.New(os.Stdout, "tcp: ", log.LstdFlags|log.Lshortfile)

	ErrInvalidDelta       = fmt.Errorf("invalid sequence delta")
	ErrInvalidSackBlock   = fmt.Errorf("invalid sack block")
	ErrLateSackBlock      = fmt.Errorf("sack block to left of ack")
	ErrTruncatedTCPHeader = fmt.Errorf("truncated TCP header")
	ErrBadOption          = fmt.Errorf("bad TCP option")
)

type BE16 = bigendian.BE16
type BE32 = bigendian.BE32

/******************************************************************************
 * TCP Header and state machine
******************************************************************************/

// TCPHeader overlays the fixed 20-byte TCP header in wire (big-endian) format.
type TCPHeader struct {
	srcPort, dstPort BE16
	seqNum           BE32
	ackNum           BE32
	dataOffset       uint8 // upper 4 bits; lower 4 bits reserved
	Flags
	window   BE16
	checksum BE16
	urgent   BE16
}

var TCPHeaderSize = int(unsafe.Sizeof(TCPHeader{}))

type Flags uint8

func (f Flags) FIN() bool { return (f & 0x01) != 0 }
func (f Flags) SYN() bool { return (f & 0x02) != 0 }
func (f Flags) RST() bool { return (f & 0x04) != 0 }
func (f Flags) PSH() bool { return (f & 0x08) != 0 }
func (f Flags) ACK() bool { return (f & 0x10) != 0 }
func (f Flags) URG() bool { return (f & 0x20) != 0 }
func (f Flags) ECE() bool { return (f & 0x40) != 0 }
func (f Flags) CWR() bool { return (f & 0x80) != 0 }

// TCPHeaderGo is the host-endian, Go-friendly copy of TCPHeader.
type TCPHeaderGo struct {
	SrcPort, DstPort layers.TCPPort
	SeqNum           uint32
	AckNum           uint32
	DataOffset       uint8 // length of header in bytes, including options
	Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
}

func (h *TCPHeader) dataOffsetBytes() int {
	return 4 * int(h.dataOffset>>4)
}

// toGo converts the wire header into host-endian form.
func (h *TCPHeader) toGo(out *TCPHeaderGo) {
	out.SrcPort = layers.TCPPort(h.srcPort.Uint16())
	out.DstPort = layers.TCPPort(h.dstPort.Uint16())
	out.SeqNum = h.seqNum.Uint32()
	out.AckNum = h.ackNum.Uint32()
	out.Window = h.window.Uint16()
	out.Checksum = h.checksum.Uint16()
	out.Urgent = h.urgent.Uint16()
	out.DataOffset = uint8(h.dataOffsetBytes())
	out.Flags = h.Flags
}

// TCPOption is a decoded TCP option (kind + raw value bytes).
type TCPOption struct {
	Kind layers.TCPOptionKind
	len  uint8
	data [38]byte
}

func (o *TCPOption) getUint32(i int) uint32 {
	be := (*[10]BE32)(unsafe.Pointer(&o.data[0]))[i]
	return be.Uint32()
}

func (o *TCPOption) getUint16(i int) uint16 {
	be := (*[20]BE16)(unsafe.Pointer(&o.data[0]))[i]
	return be.Uint16()
}

func (o *TCPOption) GetMSS() (uint16, error) {
	if o.Kind != layers.TCPOptionKindMSS || o.len != 4 {
		return 0, ErrBadOption
	}
	return o.getUint16(0), nil
}

func (o *TCPOption) GetWS() (uint8, error) {
	if o.Kind != layers.TCPOptionKindWindowScale || o.len != 3 {
		return 0, ErrBadOption
	}
	return o.data[0], nil
}

func (o *TCPOption) GetTimestamps() (uint32, uint32, error) {
	if o.Kind != layers.TCPOptionKindTimestamps || o.len != 10 {
		return 0, 0, ErrBadOption
	}
	return o.getUint32(0), o.getUint32(1), nil
}

// SackBlock is a single SACK range reported by the receiver.
type SackBlock struct {
	Left, Right uint32
}

func (o *TCPOption) getSackBlock(i int) (sb SackBlock, err error) {
	if o.Kind != layers.TCPOptionKindSACK || (o.len-2)%8 != 0 || i > int(o.len-2)/8 {
		return sb, ErrBadOption
	}
	sb.Left = o.getUint32(2 * i)
	sb.Right = o.getUint32(2*i + 1)
	return sb, nil
}

func (o *TCPOption) eachSACK(f func(SackBlock)) error {
	if o.Kind != layers.TCPOptionKindSACK || (o.len-2)%8 != 0 {
		return ErrBadOption
	}
	numBlocks := (int(o.len) - 2) / 8
	for i := 0; i < numBlocks; i++ {
		sb, err := o.getSackBlock(i)
		if err != nil {
			return err
		}
		f(sb)
	}
	return nil
}

// TCPHeaderWrapper is a fully parsed TCP header, options included.
type TCPHeaderWrapper struct {
	TCPHeaderGo
	Options []TCPOption
}

// NextOption skips Nop options and returns the next option (a copy of its data).
func NextOption(data []byte) ([]byte, TCPOption, error) {
	for len(data) > 0 && data[0] == byte(layers.TCPOptionKindNop) {
		data = data[1:]
	}
	if len(data) == 0 {
		return nil, TCPOption{Kind: layers.TCPOptionKindEndList, len: 1}, nil
	}

	overlay := (*TCPOption)(unsafe.Pointer(&data[0]))
	if overlay.Kind == layers.TCPOptionKindEndList {
		return nil, TCPOption{Kind: layers.TCPOptionKindEndList, len: 1}, nil
	}
	if len(data) < 2 {
		return nil, TCPOption{}, ErrTruncatedTCPHeader
	}
	if int(overlay.len) > len(data) || overlay.len < 2 || overlay.len > 40 {
		return nil, TCPOption{}, ErrBadOption
	}
	opt := TCPOption{Kind: overlay.Kind, len: overlay.len}
	copy(opt.data[:], overlay.data[:overlay.len-2])
	return data[overlay.len:], opt, nil
}

// ParseTCPOptions decodes every option in the trailing option bytes of a TCP header.
func ParseTCPOptions(data []byte) ([]TCPOption, error) {
	if len(data) == 0 {
		return nil, nil
	}
	options := make([]TCPOption, 0, 2)
	for {
		var opt TCPOption
		var err error
		data, opt, err = NextOption(data)
		if err != nil {
			return nil, err
		}
		if opt.Kind == layers.TCPOptionKindEndList {
			break
		}
		options = append(options, opt)
		if len(data) == 0 {
			break
		}
	}
	return options, nil
}

// WrapTCP parses the fixed TCP header in data and fills w, including options.
// data must start at the first byte of the TCP header and extend at least
// through the full header (options included); payload beyond that is ignored.
func WrapTCP(data []byte, w *TCPHeaderWrapper) error {
	if len(data) < TCPHeaderSize {
		return ErrTruncatedTCPHeader
	}
	hdr := (*TCPHeader)(unsafe.Pointer(&data[0]))
	off := hdr.dataOffsetBytes()
	if off < TCPHeaderSize || off > len(data) {
		return ErrTruncatedTCPHeader
	}
	hdr.toGo(&w.TCPHeaderGo)
	opts, err := ParseTCPOptions(data[TCPHeaderSize:off])
	if err != nil {
		return err
	}
	w.Options = opts
	return nil
}

/******************************************************************************
 * Read-only sequence-number tracking, used by MARK diagnostics only.
******************************************************************************/

// diff computes clock-previous, treating the result as invalid if the
// magnitude reaches a quarter of the sequence space, 2^30 (RFC 1982-style
// wrap-aware comparison).
func diff(clock, previous uint32) (int32, error) {
	delta := int32(clock - previous)
	if !(-1<<30 < delta && delta < 1<<30) {
		return delta, ErrInvalidDelta
	}
	return delta, nil
}

// TcpStats accumulates per-direction diagnostic counters. None of these
// affect masking; they exist to surface under-reassembly risk through
// MARK's gap count (mark.Result.GappyFlows).
type TcpStats struct {
	Packets      int64
	OptionCounts []int64 // indexed by layers.TCPOptionKind, kinds 0-15

	RetransmitPackets int64
	RetransmitBytes   int64
	Sacks             int64
	ECECount          int64
	WindowChanges     int64

	BadSacks       int64
	BadDeltas      int64
	MissingPackets int64
	OtherErrors    int64
}

func (s *TcpStats) retransmit(bytes uint16) {
	s.RetransmitPackets++
	s.RetransmitBytes += int64(bytes)
}

func (s *TcpStats) option(opt layers.TCPOptionKind) {
	if int(opt) < len(s.OptionCounts) {
		s.OptionCounts[opt]++
	}
}

// Tracker follows one direction's sequence-number progression, so MARK can
// flag streams where reassembly left gaps (under-masking risk).
type Tracker struct {
	initialized bool
	startTime   time.Time
	seq         uint32 // last sequence number observed, excluding retransmits
	synFin      uint32

	sendUNA uint32 // greatest observed ack
	acks    uint32

	sent           uint64
	lastDataLength uint16
	maxGap         int32
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// SendNext returns the expected next sequence number (wraps mod 2^32).
func (t *Tracker) SendNext() uint32 {
	return t.seq + uint32(t.lastDataLength)
}

// ByteCount returns the total payload bytes folded into this tracker,
// including retransmitted bytes.
func (t *Tracker) ByteCount() uint64 { return t.sent }

// MaxGap returns the largest observed gap between the ack frontier and the
// send frontier; a persistently large gap suggests missing segments.
func (t *Tracker) MaxGap() int32 { return t.maxGap }

// Seq updates the tracker for an observed data segment. Returns whether the
// segment looks like a retransmission.
func (t *Tracker) Seq(pTime time.Time, clock uint32, length uint16, synFin bool, stats *TcpStats) bool {
	stats.Packets++
	if !t.initialized {
		t.startTime = pTime
		t.seq = clock
		t.sendUNA = clock
		t.initialized = true
	}

	delta, err := diff(clock, t.seq)
	if err != nil {
		stats.BadDeltas++
		return false
	}
	if delta < 0 {
		t.sent += uint64(length)
		stats.retransmit(length)
		return true
	}

	if delta != int32(t.lastDataLength) {
		stats.MissingPackets++
	}
	if synFin {
		t.synFin++
		t.lastDataLength = 1 + length
	} else {
		t.lastDataLength = length
	}
	t.sent += uint64(length)
	t.seq = clock

	if gap, err := diff(t.seq, t.sendUNA); err == nil && gap > t.maxGap {
		t.maxGap = gap
	}
	return false
}

// Ack updates the tracker based on an observed ack from the other direction.
func (t *Tracker) Ack(clock uint32, stats *TcpStats) {
	if !t.initialized {
		stats.OtherErrors++
		return
	}
	delta, err := diff(clock, t.sendUNA)
	if err != nil {
		stats.BadDeltas++
		t.sendUNA = clock
		return
	}
	if delta > 0 {
		t.acks++
	}
	t.sendUNA = clock
}

func (t *Tracker) checkSack(sb SackBlock) error {
	if width, err := diff(sb.Right, sb.Left); err != nil || width <= 0 {
		return ErrInvalidSackBlock
	}
	if overlap, err := diff(t.SendNext(), sb.Right); err != nil || overlap < 0 {
		return ErrInvalidSackBlock
	}
	if overlap, err := diff(sb.Left, t.sendUNA); err != nil || overlap < 0 {
		return ErrLateSackBlock
	}
	return nil
}

func (t *Tracker) sack(sb SackBlock, stats *TcpStats) {
	stats.Sacks++
	if err := t.checkSack(sb); err != nil {
		stats.BadSacks++
	}
}

// State tracks one direction (by source IP/port) of a TCP connection.
type State struct {
	SrcIP   net.IP
	SrcPort layers.TCPPort
	Window  uint16

	SeqTracker *Tracker
	Stats      TcpStats
}

func NewState(srcIP net.IP, srcPort layers.TCPPort) *State {
	return &State{
		SrcIP:      srcIP,
		SrcPort:    srcPort,
		SeqTracker: NewTracker(),
		Stats:      TcpStats{OptionCounts: make([]int64, 16)},
	}
}

// Update folds one observed packet into the direction whose SrcIP matches s.
func (s *State) Update(srcIP, dstIP net.IP, tcpLength uint16, hdr *TCPHeaderGo, options []TCPOption, pTime time.Time) {
	dataLength := tcpLength - uint16(hdr.DataOffset)
	switch {
	case s.SrcIP.Equal(srcIP):
		s.SeqTracker.Seq(pTime, hdr.SeqNum, dataLength, hdr.SYN() || hdr.FIN(), &s.Stats)
		if hdr.ECE() {
			s.Stats.ECECount++
		}
	case s.SrcIP.Equal(dstIP):
		if s.Window != hdr.Window {
			s.Stats.WindowChanges++
			s.Window = hdr.Window
		}
		if hdr.ACK() {
			s.SeqTracker.Ack(hdr.AckNum, &s.Stats)
		}
	}
	for i := range options {
		opt := &options[i]
		s.Stats.option(opt.Kind)
		if opt.Kind == layers.TCPOptionKindSACK {
			if err := opt.eachSACK(func(sb SackBlock) { s.SeqTracker.sack(sb, &s.Stats) }); err != nil {
				sparseLogger.Println(err, "on SACK option")
			}
		}
	}
}

func (s State) String() string {
	return fmt.Sprintf("[%v:%5d sendNext:%10d acked-through:%10d sacks:%4d retrans:%4d]",
		s.SrcIP, s.SrcPort, s.SeqTracker.SendNext(), s.SeqTracker.sendUNA, s.Stats.Sacks, s.Stats.RetransmitPackets)
}
