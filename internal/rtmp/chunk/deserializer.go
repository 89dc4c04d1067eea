package chunk

import (
	"encoding/binary"

	rerrors "github.com/driftloop/rtmp-go/internal/errors"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

// DefaultMaxChunkSize is the mandated initial inbound/outbound chunk size
// before either peer negotiates a larger one (§4.1).
const DefaultMaxChunkSize = 128

// DefaultMaxMessageBytes bounds how large a single reassembled message body
// may grow before deserialization fails with a size-limit error (§5
// "implementations SHOULD enforce a per-message cap").
const DefaultMaxMessageBytes = 10 << 20

// Deserializer turns an inbound byte stream into a sequence of
// message.Payload values (C4). It is restartable: Feed may be called with
// successive byte slices, buffering any unconsumed remainder internally.
type Deserializer struct {
	maxChunkSize   uint32
	maxMessageSize uint32
	states         map[uint32]*inboundState
	leftover       []byte
}

// NewDeserializer constructs a Deserializer with the protocol's mandated
// initial chunk size.
func NewDeserializer() *Deserializer {
	return &Deserializer{
		maxChunkSize:   DefaultMaxChunkSize,
		maxMessageSize: DefaultMaxMessageBytes,
		states:         make(map[uint32]*inboundState),
	}
}

// SetMaxChunkSize changes the inbound max chunk size. It is bounded to 31
// bits per §4.1; the top bit of a SetChunkSize value is reserved.
func (d *Deserializer) SetMaxChunkSize(n uint32) error {
	if n == 0 || n&0x80000000 != 0 {
		return rerrors.NewChunkErrorKind("deserializer.setMaxChunkSize", rerrors.KindInvalidChunkSize, nil)
	}
	d.maxChunkSize = n
	return nil
}

// SetMaxMessageBytes overrides the per-message size cap (default 10 MiB).
func (d *Deserializer) SetMaxMessageBytes(n uint32) {
	d.maxMessageSize = n
}

// Feed appends data to the internal buffer and extracts every fully-formed
// message currently available. It never blocks and never errors on a
// partial chunk: an incomplete trailing chunk is retained for the next Feed
// call. A Go-idiomatic relaxation of the wire contract's one-message-at-a-
// time Option<MessagePayload> shape: a single socket Read() commonly carries
// several complete RTMP messages, so Feed drains all of them at once rather
// than forcing the caller to loop with empty slices.
func (d *Deserializer) Feed(data []byte) ([]message.Payload, error) {
	if len(data) > 0 {
		d.leftover = append(d.leftover, data...)
	}

	var out []message.Payload
	for {
		payload, consumed, err := d.parseOneChunk(d.leftover)
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			break // not enough buffered bytes for a full chunk yet
		}
		d.leftover = d.leftover[consumed:]
		if payload != nil {
			out = append(out, *payload)
		}
	}
	// Compact the leftover slice so it doesn't retain the full history's backing array.
	if len(d.leftover) > 0 {
		d.leftover = append([]byte(nil), d.leftover...)
	} else {
		d.leftover = nil
	}
	return out, nil
}

// parseOneChunk attempts to parse exactly one chunk (basic header + message
// header + body slice) from the front of buf. consumed==0 means buf doesn't
// hold enough bytes yet; the caller must wait for more input.
func (d *Deserializer) parseOneChunk(buf []byte) (*message.Payload, int, error) {
	fmtVal, csid, basicLen, ok := parseBasicHeader(buf)
	if !ok {
		return nil, 0, nil
	}

	st := d.states[csid]
	if st == nil {
		if fmtVal != 0 {
			// Allow creation so the size/continuity check below produces a
			// precise error rather than a nil dereference, but fmt!=0 on an
			// unseen csid is always a protocol violation.
			st = &inboundState{}
		} else {
			st = &inboundState{}
		}
	}

	off := basicLen
	hdrLen := messageHeaderLen(fmtVal)
	if len(buf) < off+hdrLen {
		return nil, 0, nil
	}

	var (
		newTimestamp  timestamp.Timestamp
		newLength     = st.messageLength
		newTypeID     = st.typeID
		newMsid       = st.msid
		startsMessage bool
		hasExtended   bool
	)

	switch fmtVal {
	case 0:
		mh := buf[off : off+11]
		ts := readUint24(mh[0:3])
		newLength = readUint24(mh[3:6])
		newTypeID = mh[6]
		newMsid = binary.LittleEndian.Uint32(mh[7:11])
		off += 11
		resolved, extLen, sufficient := d.resolveExtended(buf, off, ts)
		if !sufficient {
			return nil, 0, nil
		}
		off += extLen
		hasExtended = extLen > 0
		newTimestamp = timestamp.Timestamp(resolved)
		startsMessage = true
	case 1:
		if !st.seen() {
			return nil, 0, rerrors.NewChunkErrorKind("deserializer.fmt1", rerrors.KindMissingPreviousChunkHeader, nil)
		}
		mh := buf[off : off+7]
		delta := readUint24(mh[0:3])
		newLength = readUint24(mh[3:6])
		newTypeID = mh[6]
		off += 7
		resolved, extLen, sufficient := d.resolveExtended(buf, off, delta)
		if !sufficient {
			return nil, 0, nil
		}
		off += extLen
		hasExtended = extLen > 0
		newTimestamp = st.timestamp.Add(resolved)
		st.lastDelta = resolved
		startsMessage = true
	case 2:
		if !st.seen() {
			return nil, 0, rerrors.NewChunkErrorKind("deserializer.fmt2", rerrors.KindMissingPreviousChunkHeader, nil)
		}
		mh := buf[off : off+3]
		delta := readUint24(mh[0:3])
		off += 3
		resolved, extLen, sufficient := d.resolveExtended(buf, off, delta)
		if !sufficient {
			return nil, 0, nil
		}
		off += extLen
		hasExtended = extLen > 0
		newTimestamp = st.timestamp.Add(resolved)
		st.lastDelta = resolved
		startsMessage = true
	case 3:
		if !st.seen() {
			return nil, 0, rerrors.NewChunkErrorKind("deserializer.fmt3", rerrors.KindMissingPreviousChunkHeader, nil)
		}
		if st.hasExtended {
			if len(buf) < off+4 {
				return nil, 0, nil
			}
			off += 4 // extended timestamp is repeated verbatim; value already known
		}
		if st.inProgress {
			// Pure continuation: timestamp/length/type/msid unchanged, message in flight.
			newTimestamp = st.timestamp
			hasExtended = st.hasExtended
		} else {
			// fmt3 starting a new message inherits the previous delta (§4.1 step 2).
			newTimestamp = st.timestamp.Add(st.lastDelta)
			hasExtended = st.hasExtended
			startsMessage = true
		}
	default:
		return nil, 0, rerrors.NewChunkErrorKind("deserializer.header", rerrors.KindInvalidChunkFormat, nil)
	}

	if newLength > uint32(d.maxMessageSize) {
		return nil, 0, rerrors.NewChunkErrorKind("deserializer.messageLength", rerrors.KindMessageTooLarge, nil)
	}

	bodyRemaining := newLength
	if !startsMessage && st.inProgress {
		bodyRemaining = newLength - uint32(len(st.buffer))
	}
	chunkBodyLen := bodyRemaining
	if chunkBodyLen > d.maxChunkSize {
		chunkBodyLen = d.maxChunkSize
	}
	if len(buf) < off+int(chunkBodyLen) {
		return nil, 0, nil
	}

	// All bytes for this chunk are available: commit state mutations now.
	if startsMessage {
		st.msid = newMsid
		st.typeID = newTypeID
		st.messageLength = newLength
		st.timestamp = newTimestamp
		st.hasExtended = hasExtended
		st.buffer = st.buffer[:0]
		st.inProgress = true
	}
	d.states[csid] = st

	st.buffer = append(st.buffer, buf[off:off+int(chunkBodyLen)]...)
	off += int(chunkBodyLen)

	var out *message.Payload
	if uint32(len(st.buffer)) >= st.messageLength {
		body := append([]byte(nil), st.buffer...)
		p, err := message.NewPayload(st.timestamp, st.typeID, st.msid, body)
		if err != nil {
			return nil, 0, err
		}
		out = &p
		st.buffer = st.buffer[:0]
		st.inProgress = false
	}

	return out, off, nil
}

// resolveExtended reads the 4-byte extended timestamp following the message
// header when encoded equals the 0xFFFFFF sentinel, returning the resolved
// value (absolute for fmt0, delta for fmt1/2), the extra bytes consumed, and
// whether buf held enough bytes to decide.
func (d *Deserializer) resolveExtended(buf []byte, off int, encoded uint32) (resolved uint32, extraLen int, sufficient bool) {
	if encoded != extendedTimestampMarker {
		return encoded, 0, true
	}
	if len(buf) < off+4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(buf[off : off+4]), 4, true
}

func (s *inboundState) seen() bool {
	return s.messageLength > 0 || s.inProgress || s.typeID != 0
}
