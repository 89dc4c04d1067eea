package chunk

import (
	"encoding/binary"

	rerrors "github.com/driftloop/rtmp-go/internal/errors"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
)

// Packet is a fully-serialized run of wire bytes ready for a socket write
// (C5). CanBeDropped mirrors the outbound queue's video/audio discard policy
// under backpressure (§5): callers may skip writing a droppable packet
// instead of buffering it when the network is saturated, the same relief
// valve the teacher's relay applies to video frames during slow-client
// conditions.
type Packet struct {
	Bytes        []byte
	CanBeDropped bool
}

// Serializer turns outbound message.Payload values into wire chunks (C5),
// maintaining per-csid compression state so it only emits the header fields
// that changed since the last chunk on that chunk stream.
type Serializer struct {
	maxChunkSize uint32
	states       map[uint32]*outboundState
}

// NewSerializer constructs a Serializer with the protocol's mandated initial
// chunk size.
func NewSerializer() *Serializer {
	return &Serializer{
		maxChunkSize: DefaultMaxChunkSize,
		states:       make(map[uint32]*outboundState),
	}
}

// SetMaxChunkSize changes the outbound max chunk size and returns the
// SetChunkSize control message that must be sent to the peer to announce it
// (§4.1). force re-emits the message even if n matches the current size,
// needed the first time a non-default size is negotiated.
func (s *Serializer) SetMaxChunkSize(n uint32, force bool) (*message.Payload, error) {
	if n == 0 || n&0x80000000 != 0 {
		return nil, rerrors.NewChunkErrorKind("serializer.setMaxChunkSize", rerrors.KindInvalidChunkSize, nil)
	}
	if n == s.maxChunkSize && !force {
		return nil, nil
	}
	s.maxChunkSize = n
	p, err := message.FromMessage(message.SetChunkSize{Size: n}, 0, 0)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// csidFor assigns a chunk stream id by message type, matching the
// conventional split recommended for header-compression locality (§4.1):
// protocol control messages share csid 2, command/data messages split from
// media so a burst of video chunks never delays a pending command reply.
func csidFor(typeID uint8) uint32 {
	switch typeID {
	case message.TypeSetChunkSize, message.TypeAbort, message.TypeAcknowledgement,
		message.TypeUserControl, message.TypeWindowAcknowledgement, message.TypeSetPeerBandwidth:
		return 2
	case message.TypeAudioData:
		return 4
	case message.TypeVideoData:
		return 5
	case message.TypeAmf0Data:
		return 6
	default:
		return 3 // Amf0Command and anything else shares the command chunk stream.
	}
}

// Serialize fragments p into one or more chunks and concatenates them into a
// single Packet. forceUncompressed emits a fmt0 header even when the csid's
// prior state would otherwise allow a more compressed form, which callers
// use right after a stream reset. canBeDropped is carried onto the
// resulting Packet unchanged.
func (s *Serializer) Serialize(p message.Payload, forceUncompressed, canBeDropped bool) (Packet, error) {
	csid := csidFor(p.TypeID)
	st := s.states[csid]
	if st == nil {
		st = &outboundState{}
		s.states[csid] = st
	}

	fmtVal, delta, useExtended := s.chooseHeader(st, p, forceUncompressed)
	extendedValue := p.Timestamp.Uint32()
	if fmtVal == 1 || fmtVal == 2 {
		extendedValue = delta
	}

	var out []byte
	var err error
	out, err = encodeBasicHeader(out, fmtVal, csid)
	if err != nil {
		return Packet{}, err
	}
	out = appendMessageHeader(out, fmtVal, p, delta, useExtended)

	remaining := p.Data
	first := true
	for {
		if !first {
			out, err = encodeBasicHeader(out, 3, csid)
			if err != nil {
				return Packet{}, err
			}
			if useExtended {
				var ext [4]byte
				binary.BigEndian.PutUint32(ext[:], extendedValue)
				out = append(out, ext[:]...)
			}
		}
		n := len(remaining)
		if uint32(n) > s.maxChunkSize {
			n = int(s.maxChunkSize)
		}
		out = append(out, remaining[:n]...)
		remaining = remaining[n:]
		first = false
		if len(remaining) == 0 {
			break
		}
	}

	st.msid = p.MessageStreamID
	st.typeID = p.TypeID
	st.messageLength = uint32(len(p.Data))
	st.lastDelta = delta
	st.timestamp = p.Timestamp
	st.hasExtended = useExtended
	st.initialized = true

	return Packet{Bytes: out, CanBeDropped: canBeDropped}, nil
}

// chooseHeader picks the minimal fmt value that correctly represents p given
// st's prior chunk on this csid, per the header-compression rules in §4.1.
func (s *Serializer) chooseHeader(st *outboundState, p message.Payload, forceUncompressed bool) (fmtVal uint8, delta uint32, useExtended bool) {
	if !st.initialized || forceUncompressed {
		return 0, 0, p.Timestamp.Uint32() >= extendedTimestampMarker
	}
	if p.MessageStreamID != st.msid {
		return 0, 0, p.Timestamp.Uint32() >= extendedTimestampMarker
	}
	d := uint32(p.Timestamp.Sub(st.timestamp))
	useExtended = d >= extendedTimestampMarker
	if p.TypeID != st.typeID || uint32(len(p.Data)) != st.messageLength {
		return 1, d, useExtended
	}
	if d != st.lastDelta {
		return 2, d, useExtended
	}
	return 3, d, useExtended
}

func appendMessageHeader(dst []byte, fmtVal uint8, p message.Payload, delta uint32, useExtended bool) []byte {
	switch fmtVal {
	case 0:
		var mh [11]byte
		ts := p.Timestamp.Uint32()
		if useExtended {
			writeUint24(mh[0:3], extendedTimestampMarker)
		} else {
			writeUint24(mh[0:3], ts)
		}
		writeUint24(mh[3:6], uint32(len(p.Data)))
		mh[6] = p.TypeID
		binary.LittleEndian.PutUint32(mh[7:11], p.MessageStreamID)
		dst = append(dst, mh[:]...)
	case 1:
		var mh [7]byte
		if useExtended {
			writeUint24(mh[0:3], extendedTimestampMarker)
		} else {
			writeUint24(mh[0:3], delta)
		}
		writeUint24(mh[3:6], uint32(len(p.Data)))
		mh[6] = p.TypeID
		dst = append(dst, mh[:]...)
	case 2:
		var mh [3]byte
		if useExtended {
			writeUint24(mh[0:3], extendedTimestampMarker)
		} else {
			writeUint24(mh[0:3], delta)
		}
		dst = append(dst, mh[:]...)
	case 3:
		// no message header fields
	}
	if useExtended {
		extendedValue := p.Timestamp.Uint32()
		if fmtVal == 1 || fmtVal == 2 {
			extendedValue = delta
		}
		var ext [4]byte
		binary.BigEndian.PutUint32(ext[:], extendedValue)
		dst = append(dst, ext[:]...)
	}
	return dst
}
