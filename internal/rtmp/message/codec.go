package message

import (
	"encoding/binary"

	rerrors "github.com/driftloop/rtmp-go/internal/errors"
	"github.com/driftloop/rtmp-go/internal/rtmp/amf"
)

// Encode serializes msg into its wire body bytes (no chunk/message header).
// Numeric fields are big-endian throughout, per §4.2.
func Encode(msg RtmpMessage) ([]byte, error) {
	switch v := msg.(type) {
	case SetChunkSize:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v.Size&0x7FFFFFFF)
		return b[:], nil
	case Abort:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v.StreamID)
		return b[:], nil
	case Acknowledgement:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v.SequenceNumber)
		return b[:], nil
	case UserControl:
		return encodeUserControl(v)
	case WindowAcknowledgement:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v.Size)
		return b[:], nil
	case SetPeerBandwidth:
		if v.LimitType > LimitDynamic {
			return nil, rerrors.NewChunkErrorKind("encode.setPeerBandwidth", rerrors.KindInvalidPeerBandwidthLimitType, nil)
		}
		var b [5]byte
		binary.BigEndian.PutUint32(b[0:4], v.Size)
		b[4] = byte(v.LimitType)
		return b[:], nil
	case AudioData:
		return v.Data, nil
	case VideoData:
		return v.Data, nil
	case Amf0Data:
		data, err := amf.EncodeAll(v.Values...)
		if err != nil {
			return nil, rerrors.NewAMFErrorKind("encode.amf0Data", rerrors.AMFKindEncodeFailed, err)
		}
		return data, nil
	case Amf0Command:
		values := make([]interface{}, 0, 3+len(v.AdditionalArguments))
		values = append(values, v.CommandName, v.TransactionID, v.CommandObject)
		values = append(values, v.AdditionalArguments...)
		data, err := amf.EncodeAll(values...)
		if err != nil {
			return nil, rerrors.NewAMFErrorKind("encode.amf0Command", rerrors.AMFKindEncodeFailed, err)
		}
		return data, nil
	case Unknown:
		return v.Data, nil
	default:
		return nil, rerrors.NewChunkErrorKind("encode.unknownVariant", rerrors.KindUnknownMessageType, nil)
	}
}

func encodeUserControl(v UserControl) ([]byte, error) {
	switch v.EventType {
	case UCStreamBegin, UCStreamEof, UCStreamDry, UCStreamIsRecorded:
		var b [6]byte
		binary.BigEndian.PutUint16(b[0:2], uint16(v.EventType))
		binary.BigEndian.PutUint32(b[2:6], v.StreamID)
		return b[:], nil
	case UCSetBufferLength:
		var b [10]byte
		binary.BigEndian.PutUint16(b[0:2], uint16(v.EventType))
		binary.BigEndian.PutUint32(b[2:6], v.StreamID)
		binary.BigEndian.PutUint32(b[6:10], v.BufferLength)
		return b[:], nil
	case UCPingRequest, UCPingResponse:
		var b [6]byte
		binary.BigEndian.PutUint16(b[0:2], uint16(v.EventType))
		binary.BigEndian.PutUint32(b[2:6], v.Timestamp)
		return b[:], nil
	default:
		return nil, rerrors.NewChunkErrorKind("encode.userControl", rerrors.KindInvalidUserControlEventType, nil)
	}
}

// Decode parses a message body given its wire type_id. For type ids this
// package doesn't model explicitly, it returns Unknown (not an error), per
// the §7 "unknown types are a non-error pass-through" rule. Strict variants
// (1,2,3,4,5,6,8,9,18,20) that fail to parse their own body DO return an
// error.
func Decode(typeID uint8, data []byte) (RtmpMessage, error) {
	switch typeID {
	case TypeSetChunkSize:
		if len(data) != 4 {
			return nil, rerrors.NewChunkErrorKind("decode.setChunkSize", rerrors.KindIoShort, nil)
		}
		v := binary.BigEndian.Uint32(data)
		return SetChunkSize{Size: v &^ 0x80000000}, nil
	case TypeAbort:
		if len(data) != 4 {
			return nil, rerrors.NewChunkErrorKind("decode.abort", rerrors.KindIoShort, nil)
		}
		return Abort{StreamID: binary.BigEndian.Uint32(data)}, nil
	case TypeAcknowledgement:
		if len(data) != 4 {
			return nil, rerrors.NewChunkErrorKind("decode.acknowledgement", rerrors.KindIoShort, nil)
		}
		return Acknowledgement{SequenceNumber: binary.BigEndian.Uint32(data)}, nil
	case TypeUserControl:
		return decodeUserControl(data)
	case TypeWindowAcknowledgement:
		if len(data) != 4 {
			return nil, rerrors.NewChunkErrorKind("decode.windowAcknowledgement", rerrors.KindIoShort, nil)
		}
		return WindowAcknowledgement{Size: binary.BigEndian.Uint32(data)}, nil
	case TypeSetPeerBandwidth:
		if len(data) != 5 {
			return nil, rerrors.NewChunkErrorKind("decode.setPeerBandwidth", rerrors.KindIoShort, nil)
		}
		lt := data[4]
		if lt > byte(LimitDynamic) {
			return nil, rerrors.NewChunkErrorKind("decode.setPeerBandwidth", rerrors.KindInvalidPeerBandwidthLimitType, nil)
		}
		return SetPeerBandwidth{Size: binary.BigEndian.Uint32(data[0:4]), LimitType: PeerBandwidthLimitType(lt)}, nil
	case TypeAudioData:
		return AudioData{Data: data}, nil
	case TypeVideoData:
		return VideoData{Data: data}, nil
	case TypeAmf0Data:
		values, err := amf.DecodeAll(data)
		if err != nil {
			return nil, rerrors.NewAMFErrorKind("decode.amf0Data", rerrors.AMFKindDecodeFailed, err)
		}
		return Amf0Data{Values: values}, nil
	case TypeAmf0Command:
		return decodeAmf0Command(data)
	default:
		return Unknown{OriginalTypeID: typeID, Data: data}, nil
	}
}

func decodeUserControl(data []byte) (RtmpMessage, error) {
	if len(data) < 2 {
		return nil, rerrors.NewChunkErrorKind("decode.userControl", rerrors.KindIoShort, nil)
	}
	ev := UserControlEventType(binary.BigEndian.Uint16(data[0:2]))
	switch ev {
	case UCStreamBegin, UCStreamEof, UCStreamDry, UCStreamIsRecorded:
		if len(data) != 6 {
			return nil, rerrors.NewChunkErrorKind("decode.userControl.streamEvent", rerrors.KindIoShort, nil)
		}
		return UserControl{EventType: ev, StreamID: binary.BigEndian.Uint32(data[2:6])}, nil
	case UCSetBufferLength:
		if len(data) != 10 {
			return nil, rerrors.NewChunkErrorKind("decode.userControl.setBufferLength", rerrors.KindIoShort, nil)
		}
		return UserControl{
			EventType:    ev,
			StreamID:     binary.BigEndian.Uint32(data[2:6]),
			BufferLength: binary.BigEndian.Uint32(data[6:10]),
		}, nil
	case UCPingRequest, UCPingResponse:
		if len(data) != 6 {
			return nil, rerrors.NewChunkErrorKind("decode.userControl.ping", rerrors.KindIoShort, nil)
		}
		return UserControl{EventType: ev, Timestamp: binary.BigEndian.Uint32(data[2:6])}, nil
	default:
		return nil, rerrors.NewChunkErrorKind("decode.userControl", rerrors.KindInvalidUserControlEventType, nil)
	}
}

func decodeAmf0Command(data []byte) (RtmpMessage, error) {
	values, err := amf.DecodeAll(data)
	if err != nil {
		return nil, rerrors.NewAMFErrorKind("decode.amf0Command", rerrors.AMFKindDecodeFailed, err)
	}
	return amf0CommandFromValues(values)
}

func amf0CommandFromValues(values []interface{}) (RtmpMessage, error) {
	if len(values) < 3 {
		return nil, rerrors.NewAMFErrorKind("decode.amf0Command.shape", rerrors.AMFKindDecodeFailed, nil)
	}
	name, ok := values[0].(string)
	if !ok {
		return nil, rerrors.NewAMFErrorKind("decode.amf0Command.name", rerrors.AMFKindDecodeFailed, nil)
	}
	txID, ok := values[1].(float64)
	if !ok {
		return nil, rerrors.NewAMFErrorKind("decode.amf0Command.transactionId", rerrors.AMFKindDecodeFailed, nil)
	}
	return Amf0Command{
		CommandName:         name,
		TransactionID:       txID,
		CommandObject:       values[2],
		AdditionalArguments: values[3:],
	}, nil
}
