// Package session implements the client and server RTMP session state
// machines (C6/C7): single-threaded, synchronous handling of the
// connect/createStream/publish/play command exchange on top of the chunk
// and message codecs, expressed as plain state plus returned Action lists
// rather than goroutines driving a net.Conn directly.
package session

import (
	"github.com/driftloop/rtmp-go/internal/rtmp/amf"
	"github.com/driftloop/rtmp-go/internal/rtmp/chunk"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
)

// Action is something the embedder must do in response to a session call:
// write bytes to the peer, surface an event to application code, or forward
// a message the session didn't recognize.
type Action interface{ isAction() }

// OutboundPacket carries wire bytes the embedder must write to the peer, in
// the order the session returned them.
type OutboundPacket struct {
	Packet chunk.Packet
}

func (OutboundPacket) isAction() {}

// RaisedEvent surfaces an application-meaningful occurrence (connection
// accepted, metadata received, a stream request needing a decision, ...).
type RaisedEvent struct {
	Event Event
}

func (RaisedEvent) isAction() {}

// UnhandleableMessageReceived passes through a message the session has no
// defined reaction to (an unrecognized AMF0 command, for instance). It is
// not an error: the embedder may log it, ignore it, or act on it directly.
type UnhandleableMessageReceived struct {
	Payload message.Payload
}

func (UnhandleableMessageReceived) isAction() {}

// Event is implemented by every value a session can raise via RaisedEvent.
type Event interface{ isEvent() }

type ConnectionRequestAccepted struct{}
type ConnectionRequestRejected struct{ Description string }
type PlaybackRequestAccepted struct {
	AppName   string
	StreamKey string
}
type PlaybackRequestRejected struct{ Description string }
type PublishRequestAccepted struct {
	AppName   string
	StreamKey string
}
type PublishRequestRejected struct{ Description string }

type StreamMetadataReceived struct{ Metadata StreamMetadata }

// VideoDataReceived is tagged with the app/stream_key resolved via the
// active-stream table so the embedder doesn't have to track per-connection
// publish/play state itself.
type VideoDataReceived struct {
	AppName   string
	StreamKey string
	Data      []byte
	Timestamp uint32
}

// AudioDataReceived is tagged with the app/stream_key resolved via the
// active-stream table so the embedder doesn't have to track per-connection
// publish/play state itself.
type AudioDataReceived struct {
	AppName   string
	StreamKey string
	Data      []byte
	Timestamp uint32
}

// ConnectionRequested is raised server-side on an inbound connect command.
// The embedder must call AcceptRequest or RejectRequest with RequestID.
type ConnectionRequested struct {
	RequestID uint32
	AppName   string
}

// PublishStreamRequested is raised server-side on an inbound publish command.
// releaseStream and FCPublish are accepted but raise no event.
type PublishStreamRequested struct {
	RequestID   uint32
	StreamID    uint32
	AppName     string
	StreamKey   string
	PublishType string
}

// PlayStreamRequested is raised server-side on an inbound play command.
type PlayStreamRequested struct {
	RequestID uint32
	StreamID  uint32
	AppName   string
	StreamKey string
	StartAt   float64
	Duration  float64
	Reset     bool
}

type PublishStreamFinished struct {
	AppName   string
	StreamKey string
}

type PlayStreamFinished struct {
	AppName   string
	StreamKey string
}

// StreamMetadataChanged is raised server-side on an inbound @setDataFrame.
type StreamMetadataChanged struct {
	AppName   string
	StreamKey string
	Metadata  StreamMetadata
}

// UnhandleableAmf0Command is raised when a command name isn't one of the
// names this session understands.
type UnhandleableAmf0Command struct {
	CommandName string
}

func (ConnectionRequestAccepted) isEvent()  {}
func (ConnectionRequestRejected) isEvent()  {}
func (PlaybackRequestAccepted) isEvent()    {}
func (PlaybackRequestRejected) isEvent()    {}
func (PublishRequestAccepted) isEvent()     {}
func (PublishRequestRejected) isEvent()     {}
func (StreamMetadataReceived) isEvent()     {}
func (VideoDataReceived) isEvent()          {}
func (AudioDataReceived) isEvent()          {}
func (ConnectionRequested) isEvent()        {}
func (PublishStreamRequested) isEvent()     {}
func (PlayStreamRequested) isEvent()        {}
func (PublishStreamFinished) isEvent()      {}
func (PlayStreamFinished) isEvent()         {}
func (StreamMetadataChanged) isEvent()      {}
func (UnhandleableAmf0Command) isEvent()    {}

// StreamMetadata holds the well-known onMetaData / @setDataFrame properties
// (§4.3). Fields are pointers so "not present in this metadata message" is
// distinguishable from "present with zero value".
type StreamMetadata struct {
	Width           *float64
	Height          *float64
	VideoCodecID    *float64
	VideoDataRate   *float64
	FrameRate       *float64
	AudioCodecID    *float64
	AudioDataRate   *float64
	AudioSampleRate *float64
	AudioSampleSize *float64
	AudioChannels   *float64
	Stereo          *bool
	Encoder         *string
}

func metadataFromProperties(props map[string]interface{}) StreamMetadata {
	var m StreamMetadata
	if v, ok := floatProp(props, "width"); ok {
		m.Width = &v
	}
	if v, ok := floatProp(props, "height"); ok {
		m.Height = &v
	}
	if v, ok := floatProp(props, "videocodecid"); ok {
		m.VideoCodecID = &v
	}
	if v, ok := floatProp(props, "videodatarate"); ok {
		m.VideoDataRate = &v
	}
	if v, ok := floatProp(props, "framerate"); ok {
		m.FrameRate = &v
	}
	if v, ok := floatProp(props, "audiocodecid"); ok {
		m.AudioCodecID = &v
	}
	if v, ok := floatProp(props, "audiodatarate"); ok {
		m.AudioDataRate = &v
	}
	if v, ok := floatProp(props, "audiosamplerate"); ok {
		m.AudioSampleRate = &v
	}
	if v, ok := floatProp(props, "audiosamplesize"); ok {
		m.AudioSampleSize = &v
	}
	if v, ok := floatProp(props, "audiochannels"); ok {
		m.AudioChannels = &v
	}
	if v, ok := props["stereo"].(bool); ok {
		m.Stereo = &v
	}
	if v, ok := props["encoder"].(string); ok {
		m.Encoder = &v
	}
	return m
}

func floatProp(props map[string]interface{}, key string) (float64, bool) {
	v, ok := props[key].(float64)
	return v, ok
}

// asProperties accepts either a map[string]interface{} or an amf.EcmaArray
// (both decode AMF0 associative values) and returns a plain map.
func asProperties(v interface{}) map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return t
	case amf.EcmaArray:
		return map[string]interface{}(t)
	default:
		return nil
	}
}
