// Package codec decodes the tracker wire protocol: the identity frame a
// device sends on connect, and Codec 8 / Codec 8 Extended telemetry
// packets. All decode functions are pure; the connection gateway owns
// buffering and feeds byte slices in.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrNeedMoreData means the buffer holds a prefix of a valid frame; the
// caller should wait for the next read and retry with more bytes.
var ErrNeedMoreData = errors.New("codec: need more data")

// ErrInvalidFrame wraps all malformed-frame conditions. The caller decides
// whether to skip the frame or count the session toward a desync close.
var ErrInvalidFrame = errors.New("codec: invalid frame")

// Codec identifiers the decoder accepts.
const (
	Codec8  byte = 0x08
	Codec8E byte = 0x8E
)

const imeiLength = 15

// frame geometry: 4B preamble + 4B data length, then data, then 4B CRC.
const (
	headerSize  = 8
	crcSize     = 4
	maxDataSize = 1 << 20 // sanity cap, real packets are a few KB
)

// IOKind tags the width class an IO element was transmitted with. The
// protocol distinguishes 1/2/4/8-byte and variable-length values, so a
// single numeric type would silently truncate 8-byte elements.
type IOKind uint8

const (
	IOU8 IOKind = iota
	IOU16
	IOU32
	IOU64
	IOBytes
)

// IOValue is one device-reported signal value.
type IOValue struct {
	Kind  IOKind
	Uint  uint64
	Bytes []byte
}

// GPS is the raw position block of an AVL record. Coordinates are already
// converted from the wire's 1e-7-degree fixed point to decimal degrees.
type GPS struct {
	Latitude   float64
	Longitude  float64
	Altitude   uint16
	Heading    uint16
	Satellites uint8
	Speed      uint16
}

// Record is one decoded AVL entry.
type Record struct {
	Timestamp time.Time
	Priority  uint8
	GPS       GPS
	EventID   uint16
	Elements  map[uint16]IOValue
}

// Packet is the result of decoding one telemetry frame. CountMismatch and
// CRCMismatch flag data-quality issues the caller should log; the records
// are still usable in both cases.
type Packet struct {
	CodecID       byte
	Records       []Record
	CountMismatch bool
	CRCMismatch   bool
}

// fieldWidths selects the ID/count field widths once per packet instead
// of branching on the codec id throughout the record parser.
type fieldWidths struct {
	id    int
	count int
}

var (
	widthsCodec8  = fieldWidths{id: 1, count: 1}
	widthsCodec8E = fieldWidths{id: 2, count: 2}
)

// DecodeIdentity parses the handshake frame a device sends first:
// a 2-byte big-endian length followed by that many ASCII bytes. The
// payload must be exactly 15 ASCII digits (an IMEI). Returns the identity
// and the number of bytes consumed.
func DecodeIdentity(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, ErrNeedMoreData
	}
	length := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+length {
		return "", 0, ErrNeedMoreData
	}
	payload := buf[2 : 2+length]
	if length != imeiLength {
		return "", 0, fmt.Errorf("%w: identity length %d, want %d", ErrInvalidFrame, length, imeiLength)
	}
	for _, b := range payload {
		if b < '0' || b > '9' {
			return "", 0, fmt.Errorf("%w: identity contains non-digit 0x%02x", ErrInvalidFrame, b)
		}
	}
	return string(payload), 2 + length, nil
}

// DecodePacket parses one telemetry frame from the front of buf.
//
// On success it returns the packet and the exact number of bytes consumed
// so the caller can slice its buffer. ErrNeedMoreData means a partial
// frame; nothing is consumed and the caller should wait. On an invalid
// frame whose total length was still determinable, consumed reports the
// span of the bad frame so the caller may skip it; consumed is 0 when the
// stream is desynced beyond recovery (bad preamble).
//
// It never reads past the boundary of the frame indicated by the length
// header, so adjacent-frame bytes can never be taken for this frame's tail.
func DecodePacket(buf []byte) (*Packet, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrNeedMoreData
	}
	if preamble := binary.BigEndian.Uint32(buf); preamble != 0 {
		return nil, 0, fmt.Errorf("%w: preamble 0x%08x, want zero", ErrInvalidFrame, preamble)
	}
	if len(buf) < headerSize {
		return nil, 0, ErrNeedMoreData
	}
	dataLen := int(binary.BigEndian.Uint32(buf[4:]))
	if dataLen <= 0 || dataLen > maxDataSize {
		return nil, 0, fmt.Errorf("%w: data length %d out of range", ErrInvalidFrame, dataLen)
	}
	total := headerSize + dataLen + crcSize
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	data := buf[headerSize : headerSize+dataLen]
	r := &reader{buf: data}

	codecID := r.u8()
	var widths fieldWidths
	switch codecID {
	case Codec8:
		widths = widthsCodec8
	case Codec8E:
		widths = widthsCodec8E
	default:
		return nil, total, fmt.Errorf("%w: unsupported codec 0x%02x", ErrInvalidFrame, codecID)
	}

	count := int(r.u8())
	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		rec, err := decodeRecord(r, widths)
		if err != nil {
			return nil, total, fmt.Errorf("%w: record %d: %v", ErrInvalidFrame, i, err)
		}
		records = append(records, rec)
	}

	trailingCount := int(r.u8())
	if r.err != nil {
		return nil, total, fmt.Errorf("%w: %v", ErrInvalidFrame, r.err)
	}

	pkt := &Packet{
		CodecID: codecID,
		Records: records,
		// The two bracket counts should match; the device's first count
		// already drove the parse, so a mismatch is reported, not fatal.
		CountMismatch: trailingCount != count,
	}

	wireCRC := binary.BigEndian.Uint32(buf[headerSize+dataLen:])
	if uint32(Checksum(data)) != wireCRC {
		pkt.CRCMismatch = true
	}
	return pkt, total, nil
}

func decodeRecord(r *reader, widths fieldWidths) (Record, error) {
	ts := r.u64()
	priority := r.u8()

	gps := GPS{
		Longitude:  float64(int32(r.u32())) / 1e7,
		Latitude:   float64(int32(r.u32())) / 1e7,
		Altitude:   r.u16(),
		Heading:    r.u16(),
		Satellites: r.u8(),
		Speed:      r.u16(),
	}

	eventID := r.uvar(widths.id)
	r.uvar(widths.count) // total element count, redundant with the group counts

	elements := make(map[uint16]IOValue)
	for _, g := range []struct {
		kind IOKind
		size int
	}{
		{IOU8, 1},
		{IOU16, 2},
		{IOU32, 4},
		{IOU64, 8},
	} {
		n := int(r.uvar(widths.count))
		for i := 0; i < n; i++ {
			id := r.uvar(widths.id)
			var v uint64
			switch g.size {
			case 1:
				v = uint64(r.u8())
			case 2:
				v = uint64(r.u16())
			case 4:
				v = uint64(r.u32())
			case 8:
				v = r.u64()
			}
			elements[id] = IOValue{Kind: g.kind, Uint: v}
		}
		if r.err != nil {
			return Record{}, r.err
		}
	}

	// Codec 8 Extended carries a fifth, variable-length group. Devices in
	// the field sometimes omit or truncate it, so a malformed tail rolls
	// back to "no extra elements" rather than failing the record.
	if widths == widthsCodec8E {
		mark := r.off
		if err := decodeVariableGroup(r, elements); err != nil {
			r.off = mark
			r.err = nil
		}
	}

	if r.err != nil {
		return Record{}, r.err
	}
	return Record{
		Timestamp: time.UnixMilli(int64(ts)).UTC(),
		Priority:  priority,
		GPS:       gps,
		EventID:   eventID,
		Elements:  elements,
	}, nil
}

func decodeVariableGroup(r *reader, elements map[uint16]IOValue) error {
	n := int(r.u16())
	for i := 0; i < n; i++ {
		id := r.u16()
		length := int(r.u16())
		raw := r.bytes(length)
		if r.err != nil {
			return r.err
		}
		elements[id] = IOValue{Kind: IOBytes, Bytes: raw}
	}
	return r.err
}

// reader is a bounds-checked cursor over the data section of one frame.
// A read past the end sets err and returns zero; callers check err at
// group boundaries instead of after every read.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("truncated at offset %d (need %d of %d bytes)", r.off, n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// uvar reads a 1- or 2-byte big-endian unsigned value, the two widths the
// codec variants use for IO identifiers and counts.
func (r *reader) uvar(width int) uint16 {
	if width == 1 {
		return uint16(r.u8())
	}
	return r.u16()
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
