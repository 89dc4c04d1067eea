// Package message implements the RTMP message type codecs (C2) and the
// message-payload bridge (C3): the binary formats of the protocol-control,
// audio/video and AMF0 message variants, and the dispatch that turns a raw
// (type_id, bytes) pair into one of those typed variants and back.
package message

// Type IDs for the RTMP message variants this package understands (§3).
const (
	TypeSetChunkSize          uint8 = 1
	TypeAbort                 uint8 = 2
	TypeAcknowledgement       uint8 = 3
	TypeUserControl           uint8 = 4
	TypeWindowAcknowledgement uint8 = 5
	TypeSetPeerBandwidth      uint8 = 6
	TypeAudioData             uint8 = 8
	TypeVideoData             uint8 = 9
	TypeAmf3DataQuirk         uint8 = 15
	TypeAmf0Data              uint8 = 18
	TypeAmf3CommandQuirk      uint8 = 17
	TypeAmf0Command           uint8 = 20
)

// UserControlEventType enumerates the Type 4 event sub-types.
type UserControlEventType uint16

const (
	UCStreamBegin      UserControlEventType = 0
	UCStreamEof        UserControlEventType = 1
	UCStreamDry        UserControlEventType = 2
	UCSetBufferLength  UserControlEventType = 3
	UCStreamIsRecorded UserControlEventType = 4
	UCPingRequest      UserControlEventType = 6
	UCPingResponse     UserControlEventType = 7
)

// PeerBandwidthLimitType enumerates the Type 6 limit-type byte.
type PeerBandwidthLimitType uint8

const (
	LimitHard PeerBandwidthLimitType = iota
	LimitSoft
	LimitDynamic
)

// RtmpMessage is implemented by every message variant. TypeID reports the
// wire type id the variant serializes to; Unknown reports its captured id.
type RtmpMessage interface {
	TypeID() uint8
}

// SetChunkSize is message type 1.
type SetChunkSize struct {
	Size uint32
}

func (SetChunkSize) TypeID() uint8 { return TypeSetChunkSize }

// Abort is message type 2.
type Abort struct {
	StreamID uint32
}

func (Abort) TypeID() uint8 { return TypeAbort }

// Acknowledgement is message type 3.
type Acknowledgement struct {
	SequenceNumber uint32
}

func (Acknowledgement) TypeID() uint8 { return TypeAcknowledgement }

// UserControl is message type 4. Which of StreamID/BufferLength/Timestamp
// is meaningful depends on EventType.
type UserControl struct {
	EventType    UserControlEventType
	StreamID     uint32
	BufferLength uint32
	Timestamp    uint32
}

func (UserControl) TypeID() uint8 { return TypeUserControl }

// WindowAcknowledgement is message type 5.
type WindowAcknowledgement struct {
	Size uint32
}

func (WindowAcknowledgement) TypeID() uint8 { return TypeWindowAcknowledgement }

// SetPeerBandwidth is message type 6.
type SetPeerBandwidth struct {
	Size      uint32
	LimitType PeerBandwidthLimitType
}

func (SetPeerBandwidth) TypeID() uint8 { return TypeSetPeerBandwidth }

// AudioData is message type 8. Payload bytes pass through opaque.
type AudioData struct {
	Data []byte
}

func (AudioData) TypeID() uint8 { return TypeAudioData }

// VideoData is message type 9. Payload bytes pass through opaque.
type VideoData struct {
	Data []byte
}

func (VideoData) TypeID() uint8 { return TypeVideoData }

// Amf0Data is message type 18: a concatenated sequence of AMF0 values,
// typically ["onMetaData", EcmaArray{...}] or ["@setDataFrame", ...].
type Amf0Data struct {
	Values []interface{}
}

func (Amf0Data) TypeID() uint8 { return TypeAmf0Data }

// Amf0Command is message type 20.
type Amf0Command struct {
	CommandName         string
	TransactionID       float64
	CommandObject       interface{} // amf.EcmaArray, map[string]interface{}, or nil
	AdditionalArguments []interface{}
}

func (Amf0Command) TypeID() uint8 { return TypeAmf0Command }

// Unknown is the pass-through variant for any type_id this package doesn't
// model explicitly. It is not an error condition (§7): callers surface it as
// an UnhandleableMessageReceived event.
type Unknown struct {
	OriginalTypeID uint8
	Data           []byte
}

func (u Unknown) TypeID() uint8 { return u.OriginalTypeID }
