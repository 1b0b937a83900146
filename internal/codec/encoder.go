package codec

import (
	"encoding/binary"
	"math"
	"sort"
)

// EncodeIdentity builds the handshake frame for an identity string.
// Used by the device simulator and tests; the server itself never sends
// identity frames.
func EncodeIdentity(imei string) []byte {
	out := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	copy(out[2:], imei)
	return out
}

// EncodePacket builds a complete telemetry frame for the given codec id,
// the inverse of DecodePacket. Elements are grouped by value width in
// ascending IO-id order.
func EncodePacket(codecID byte, records []Record) []byte {
	widths := widthsCodec8
	if codecID == Codec8E {
		widths = widthsCodec8E
	}

	var data []byte
	data = append(data, codecID, byte(len(records)))
	for _, rec := range records {
		data = appendRecord(data, rec, widths)
	}
	data = append(data, byte(len(records)))

	out := make([]byte, headerSize, headerSize+len(data)+crcSize)
	binary.BigEndian.PutUint32(out[4:], uint32(len(data)))
	out = append(out, data...)
	out = binary.BigEndian.AppendUint32(out, uint32(Checksum(data)))
	return out
}

func appendRecord(data []byte, rec Record, widths fieldWidths) []byte {
	data = binary.BigEndian.AppendUint64(data, uint64(rec.Timestamp.UnixMilli()))
	data = append(data, rec.Priority)

	data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(rec.GPS.Longitude*1e7))))
	data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(rec.GPS.Latitude*1e7))))
	data = binary.BigEndian.AppendUint16(data, rec.GPS.Altitude)
	data = binary.BigEndian.AppendUint16(data, rec.GPS.Heading)
	data = append(data, rec.GPS.Satellites)
	data = binary.BigEndian.AppendUint16(data, rec.GPS.Speed)

	data = appendUvar(data, rec.EventID, widths.id)
	data = appendUvar(data, uint16(len(rec.Elements)), widths.count)

	byKind := map[IOKind][]uint16{}
	for id, v := range rec.Elements {
		byKind[v.Kind] = append(byKind[v.Kind], id)
	}
	for _, ids := range byKind {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	for _, g := range []struct {
		kind IOKind
		size int
	}{
		{IOU8, 1},
		{IOU16, 2},
		{IOU32, 4},
		{IOU64, 8},
	} {
		ids := byKind[g.kind]
		data = appendUvar(data, uint16(len(ids)), widths.count)
		for _, id := range ids {
			data = appendUvar(data, id, widths.id)
			v := rec.Elements[id].Uint
			switch g.size {
			case 1:
				data = append(data, byte(v))
			case 2:
				data = binary.BigEndian.AppendUint16(data, uint16(v))
			case 4:
				data = binary.BigEndian.AppendUint32(data, uint32(v))
			case 8:
				data = binary.BigEndian.AppendUint64(data, v)
			}
		}
	}

	if widths == widthsCodec8E {
		ids := byKind[IOBytes]
		data = binary.BigEndian.AppendUint16(data, uint16(len(ids)))
		for _, id := range ids {
			raw := rec.Elements[id].Bytes
			data = binary.BigEndian.AppendUint16(data, id)
			data = binary.BigEndian.AppendUint16(data, uint16(len(raw)))
			data = append(data, raw...)
		}
	}
	return data
}

func appendUvar(data []byte, v uint16, width int) []byte {
	if width == 1 {
		return append(data, byte(v))
	}
	return binary.BigEndian.AppendUint16(data, v)
}
