package message

import (
	rerrors "github.com/driftloop/rtmp-go/internal/errors"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

// MaxBodyLength is the largest message body the wire format can address: a
// 24-bit length field (§3).
const MaxBodyLength = 0xFFFFFF

// Payload is the tuple (timestamp, type_id, message_stream_id, data) the
// chunk layer hands to the session layer, and that the session layer hands
// back for serialization (C3).
type Payload struct {
	Timestamp       timestamp.Timestamp
	TypeID          uint8
	MessageStreamID uint32
	Data            []byte
}

// NewPayload validates data's length against the wire format's 24-bit body
// length limit before constructing a Payload.
func NewPayload(ts timestamp.Timestamp, typeID uint8, msid uint32, data []byte) (Payload, error) {
	if len(data) > MaxBodyLength {
		return Payload{}, rerrors.NewChunkErrorKind("payload.new", rerrors.KindMessageTooLarge, nil)
	}
	return Payload{Timestamp: ts, TypeID: typeID, MessageStreamID: msid, Data: data}, nil
}

// ToMessage dispatches on p.TypeID, decoding the body into a typed
// RtmpMessage. It implements the two AMF3 pass-through quirks from §4.2:
// type_id 15 is actually AMF0 data, and type_id 17 is actually AMF0 command
// (optionally prefixed with a single 0x00 byte some encoders add to mimic
// the true AMF3 command framing).
func ToMessage(p Payload) (RtmpMessage, error) {
	switch p.TypeID {
	case TypeAmf3DataQuirk:
		values, err := decodeAmf0DataBody(p.Data)
		if err != nil {
			return nil, err
		}
		return values, nil
	case TypeAmf3CommandQuirk:
		body := p.Data
		if len(body) > 0 && body[0] == 0x00 {
			body = body[1:]
		}
		return decodeAmf0Command(body)
	default:
		return Decode(p.TypeID, p.Data)
	}
}

func decodeAmf0DataBody(data []byte) (RtmpMessage, error) {
	msg, err := Decode(TypeAmf0Data, data)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// FromMessage inverts ToMessage's dispatch, re-attaching timestamp and
// message-stream-id metadata. Unknown passes its captured type_id and raw
// bytes straight through.
func FromMessage(msg RtmpMessage, ts timestamp.Timestamp, msid uint32) (Payload, error) {
	if u, ok := msg.(Unknown); ok {
		return NewPayload(ts, u.OriginalTypeID, msid, u.Data)
	}
	data, err := Encode(msg)
	if err != nil {
		return Payload{}, err
	}
	return NewPayload(ts, msg.TypeID(), msid, data)
}
