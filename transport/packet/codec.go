package packet

import "encoding/binary"

// protectedMetaSize is the encoded size of one ProtectedMeta entry:
// seq(8) + ts(8) + frame_id(8) + frag(2) + total(2) + len(2).
const protectedMetaSize = 30

// Encode serializes p into its big-endian wire form. Encode/Decode are a
// total inverse on well-formed input; Encode never fails for the types
// defined in this package.
func Encode(p Packet) []byte {
	switch v := p.(type) {
	case Ping:
		buf := make([]byte, 1+8)
		buf[0] = byte(KindPing)
		binary.BigEndian.PutUint64(buf[1:9], v.Timestamp)
		return buf
	case Pong:
		buf := make([]byte, 1+8)
		buf[0] = byte(KindPong)
		binary.BigEndian.PutUint64(buf[1:9], v.Timestamp)
		return buf
	case Rtp:
		buf := make([]byte, 1+8+8+8+2+2+len(v.Data))
		buf[0] = byte(KindRtp)
		off := 1
		binary.BigEndian.PutUint64(buf[off:], v.SequenceNumber)
		off += 8
		binary.BigEndian.PutUint64(buf[off:], v.Timestamp)
		off += 8
		binary.BigEndian.PutUint64(buf[off:], v.FrameID)
		off += 8
		binary.BigEndian.PutUint16(buf[off:], v.TotalFragments)
		off += 2
		binary.BigEndian.PutUint16(buf[off:], v.FragmentNumber)
		off += 2
		copy(buf[off:], v.Data)
		return buf
	case Nack:
		buf := make([]byte, 1+1+8*len(v.MissingSequences))
		buf[0] = byte(KindNack)
		buf[1] = byte(len(v.MissingSequences))
		off := 2
		for _, seq := range v.MissingSequences {
			binary.BigEndian.PutUint64(buf[off:], seq)
			off += 8
		}
		return buf
	case Fec:
		n := len(v.ProtectedPackets)
		buf := make([]byte, 1+8+1+n*protectedMetaSize+len(v.FecData))
		buf[0] = byte(KindFec)
		off := 1
		binary.BigEndian.PutUint64(buf[off:], v.Timestamp)
		off += 8
		buf[off] = byte(n)
		off++
		for _, m := range v.ProtectedPackets {
			binary.BigEndian.PutUint64(buf[off:], m.SequenceNumber)
			off += 8
			binary.BigEndian.PutUint64(buf[off:], m.Timestamp)
			off += 8
			binary.BigEndian.PutUint64(buf[off:], m.FrameID)
			off += 8
			binary.BigEndian.PutUint16(buf[off:], m.FragmentNumber)
			off += 2
			binary.BigEndian.PutUint16(buf[off:], m.TotalFragments)
			off += 2
			binary.BigEndian.PutUint16(buf[off:], m.DataLength)
			off += 2
		}
		copy(buf[off:], v.FecData)
		return buf
	default:
		return nil
	}
}

// Decode parses a wire-format datagram. It returns ok=false on any length or
// tag error rather than an error value — malformed datagrams are meant to be
// dropped silently by callers (see transport/conn), not propagated as errors.
func Decode(buf []byte) (Packet, bool) {
	if len(buf) == 0 {
		return nil, false
	}
	switch Kind(buf[0]) {
	case KindPing:
		if len(buf) < 9 {
			return nil, false
		}
		return Ping{Timestamp: binary.BigEndian.Uint64(buf[1:9])}, true
	case KindPong:
		if len(buf) < 9 {
			return nil, false
		}
		return Pong{Timestamp: binary.BigEndian.Uint64(buf[1:9])}, true
	case KindRtp:
		if len(buf) < 29 {
			return nil, false
		}
		off := 1
		seq := binary.BigEndian.Uint64(buf[off:])
		off += 8
		ts := binary.BigEndian.Uint64(buf[off:])
		off += 8
		frameID := binary.BigEndian.Uint64(buf[off:])
		off += 8
		total := binary.BigEndian.Uint16(buf[off:])
		off += 2
		frag := binary.BigEndian.Uint16(buf[off:])
		off += 2
		var data []byte
		if len(buf) > off {
			data = make([]byte, len(buf)-off)
			copy(data, buf[off:])
		}
		return Rtp{
			SequenceNumber: seq,
			Timestamp:      ts,
			FrameID:        frameID,
			TotalFragments: total,
			FragmentNumber: frag,
			Data:           data,
		}, true
	case KindNack:
		if len(buf) < 2 {
			return nil, false
		}
		n := int(buf[1])
		if len(buf) < 2+n*8 {
			return nil, false
		}
		var seqs []uint64
		if n > 0 {
			seqs = make([]uint64, n)
		}
		off := 2
		for i := 0; i < n; i++ {
			seqs[i] = binary.BigEndian.Uint64(buf[off:])
			off += 8
		}
		return Nack{MissingSequences: seqs}, true
	case KindFec:
		if len(buf) < 10 {
			return nil, false
		}
		off := 1
		ts := binary.BigEndian.Uint64(buf[off:])
		off += 8
		n := int(buf[off])
		off++
		if len(buf) < off+n*protectedMetaSize {
			return nil, false
		}
		metas := make([]ProtectedMeta, n)
		for i := 0; i < n; i++ {
			metas[i] = ProtectedMeta{
				SequenceNumber: binary.BigEndian.Uint64(buf[off:]),
				Timestamp:      binary.BigEndian.Uint64(buf[off+8:]),
				FrameID:        binary.BigEndian.Uint64(buf[off+16:]),
				FragmentNumber: binary.BigEndian.Uint16(buf[off+24:]),
				TotalFragments: binary.BigEndian.Uint16(buf[off+26:]),
				DataLength:     binary.BigEndian.Uint16(buf[off+28:]),
			}
			off += protectedMetaSize
		}
		fecData := make([]byte, len(buf)-off)
		copy(fecData, buf[off:])
		return Fec{Timestamp: ts, ProtectedPackets: metas, FecData: fecData}, true
	default:
		return nil, false
	}
}
