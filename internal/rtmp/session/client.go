package session

import (
	rerrors "github.com/driftloop/rtmp-go/internal/errors"
	"github.com/driftloop/rtmp-go/internal/rtmp/chunk"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

// ClientState enumerates the states ClientSession moves through over a
// connect/createStream/publish-or-play lifecycle (§4.3).
type ClientState int

const (
	Disconnected ClientState = iota
	Connecting
	Connected
	PlaybackRequested
	Playing
	PublishRequested
	Publishing
)

// ClientConfig parameterizes a new ClientSession (§6 external interfaces).
type ClientConfig struct {
	ChunkSize              uint32
	WindowAckSize          uint32
	PeerBandwidth          uint32
	FlashVersion           string
	PlaybackBufferLengthMs uint32
}

// DefaultClientConfig mirrors common Flash-era defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ChunkSize:              4096,
		WindowAckSize:          2500000,
		PeerBandwidth:          2500000,
		FlashVersion:           "FMLE/3.0 (compatible; rtmp-go)",
		PlaybackBufferLengthMs: 3000,
	}
}

// ClientSession is the outbound-connecting half of the protocol: it issues
// connect/createStream/publish/play requests and interprets the server's
// replies.
type ClientSession struct {
	config ClientConfig
	state  ClientState

	des *chunk.Deserializer
	ser *chunk.Serializer

	nextTxnID          uint32
	connectTxnID       uint32
	createStreamTxnID  uint32
	appName            string
	pendingStreamKey   string
	pendingPublishType string
	activeStreamID     uint32

	bytesReceived  uint64
	bytesAckedAt   uint64
	peerWindowAck  uint32
	peerBandwidth  uint32
}

// NewClientSession constructs a ClientSession and the initial outbound
// actions (none, today: the client speaks first via RequestConnection).
func NewClientSession(cfg ClientConfig) (*ClientSession, []Action) {
	s := &ClientSession{
		config: cfg,
		state:  Disconnected,
		des:    chunk.NewDeserializer(),
		ser:    chunk.NewSerializer(),
	}
	return s, nil
}

func (s *ClientSession) nextTransactionID() uint32 {
	s.nextTxnID++
	return s.nextTxnID
}

func (s *ClientSession) sendCommand(cmd message.Amf0Command) ([]Action, error) {
	p, err := message.FromMessage(cmd, timestamp.Timestamp(0), s.activeStreamID)
	if err != nil {
		return nil, rerrors.NewSessionError("session.sendCommand", rerrors.SessionKindUnspecified, err)
	}
	pkt, err := s.ser.Serialize(p, false, false)
	if err != nil {
		return nil, err
	}
	return []Action{OutboundPacket{Packet: pkt}}, nil
}

func (s *ClientSession) sendMessage(msg message.RtmpMessage, msid uint32, ts uint32, canBeDropped bool) ([]Action, error) {
	p, err := message.FromMessage(msg, timestamp.Timestamp(ts), msid)
	if err != nil {
		return nil, err
	}
	pkt, err := s.ser.Serialize(p, false, canBeDropped)
	if err != nil {
		return nil, err
	}
	return []Action{OutboundPacket{Packet: pkt}}, nil
}

// RequestConnection issues the AMF0 connect command (§4.3). Valid only from
// Disconnected.
func (s *ClientSession) RequestConnection(appName string) ([]Action, error) {
	if s.state != Disconnected {
		return nil, rerrors.NewSessionError("session.requestConnection", rerrors.SessionKindCantConnectWhileAlreadyConnected, nil)
	}
	txn := s.nextTransactionID()
	s.connectTxnID = txn
	s.appName = appName
	cmd := message.Amf0Command{
		CommandName:   "connect",
		TransactionID: float64(txn),
		CommandObject: map[string]interface{}{
			"app":            appName,
			"objectEncoding": float64(0),
			"flashVer":       s.config.FlashVersion,
		},
	}
	actions, err := s.sendCommand(cmd)
	if err != nil {
		return nil, err
	}
	s.state = Connecting
	return actions, nil
}

// RequestPlayback issues createStream followed (once the stream id is
// known) by play. Valid only from Connected.
func (s *ClientSession) RequestPlayback(streamKey string) ([]Action, error) {
	if s.state != Connected {
		return nil, rerrors.NewSessionError("session.requestPlayback", rerrors.SessionKindActionNotAllowedInCurrentState, nil)
	}
	txn := s.nextTransactionID()
	s.createStreamTxnID = txn
	s.pendingStreamKey = streamKey
	s.pendingPublishType = ""
	cmd := message.Amf0Command{CommandName: "createStream", TransactionID: float64(txn), CommandObject: nil}
	actions, err := s.sendCommand(cmd)
	if err != nil {
		return nil, err
	}
	s.state = PlaybackRequested
	return actions, nil
}

// RequestPublishing is the publish-side mirror of RequestPlayback.
func (s *ClientSession) RequestPublishing(streamKey, publishType string) ([]Action, error) {
	if s.state != Connected {
		return nil, rerrors.NewSessionError("session.requestPublishing", rerrors.SessionKindActionNotAllowedInCurrentState, nil)
	}
	txn := s.nextTransactionID()
	s.createStreamTxnID = txn
	s.pendingStreamKey = streamKey
	s.pendingPublishType = publishType
	cmd := message.Amf0Command{CommandName: "createStream", TransactionID: float64(txn), CommandObject: nil}
	actions, err := s.sendCommand(cmd)
	if err != nil {
		return nil, err
	}
	s.state = PublishRequested
	return actions, nil
}

// PublishMetadata sends an onMetaData AMF0 data message on the active
// stream. Valid only while Publishing.
func (s *ClientSession) PublishMetadata(metadata map[string]interface{}) ([]Action, error) {
	if s.state != Publishing {
		return nil, rerrors.NewSessionError("session.publishMetadata", rerrors.SessionKindActionNotAllowedInCurrentState, nil)
	}
	msg := message.Amf0Data{Values: []interface{}{"onMetaData", metadata}}
	return s.sendMessage(msg, s.activeStreamID, 0, false)
}

// PublishAudioData sends one audio payload on the active stream.
func (s *ClientSession) PublishAudioData(data []byte, ts uint32, canBeDropped bool) ([]Action, error) {
	if s.state != Publishing {
		return nil, rerrors.NewSessionError("session.publishAudioData", rerrors.SessionKindActionNotAllowedInCurrentState, nil)
	}
	return s.sendMessage(message.AudioData{Data: data}, s.activeStreamID, ts, canBeDropped)
}

// PublishVideoData sends one video payload on the active stream.
func (s *ClientSession) PublishVideoData(data []byte, ts uint32, canBeDropped bool) ([]Action, error) {
	if s.state != Publishing {
		return nil, rerrors.NewSessionError("session.publishVideoData", rerrors.SessionKindActionNotAllowedInCurrentState, nil)
	}
	return s.sendMessage(message.VideoData{Data: data}, s.activeStreamID, ts, canBeDropped)
}

// HandleInput feeds inbound bytes to the deserializer and dispatches every
// completed message, returning the actions that resulted (§5: ordering of
// returned actions matches arrival order of their triggering messages).
func (s *ClientSession) HandleInput(data []byte) ([]Action, error) {
	payloads, err := s.des.Feed(data)
	if err != nil {
		return nil, err
	}
	var actions []Action
	for _, p := range payloads {
		s.bytesReceived += uint64(len(p.Data))
		a, err := s.dispatch(p)
		if err != nil {
			return actions, err
		}
		actions = append(actions, a...)
		if s.peerWindowAck > 0 && s.bytesReceived-s.bytesAckedAt >= uint64(s.peerWindowAck) {
			s.bytesAckedAt = s.bytesReceived
			ackActions, err := s.sendMessage(message.Acknowledgement{SequenceNumber: uint32(s.bytesReceived % (1 << 32))}, 0, 0, false)
			if err != nil {
				return actions, err
			}
			actions = append(actions, ackActions...)
		}
	}
	return actions, nil
}

func (s *ClientSession) dispatch(p message.Payload) ([]Action, error) {
	msg, err := message.ToMessage(p)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case message.SetChunkSize:
		if err := s.des.SetMaxChunkSize(m.Size); err != nil {
			return nil, err
		}
		return nil, nil
	case message.SetPeerBandwidth:
		if m.Size != s.peerBandwidth {
			s.peerBandwidth = m.Size
			return s.sendMessage(message.WindowAcknowledgement{Size: s.config.WindowAckSize}, 0, 0, false)
		}
		return nil, nil
	case message.WindowAcknowledgement:
		s.peerWindowAck = m.Size
		return nil, nil
	case message.Amf0Command:
		return s.dispatchCommand(m, p)
	case message.Amf0Data:
		return s.dispatchData(m)
	case message.AudioData:
		if s.state == Playing {
			return []Action{RaisedEvent{Event: AudioDataReceived{Data: m.Data, Timestamp: p.Timestamp.Uint32()}}}, nil
		}
		return nil, nil
	case message.VideoData:
		if s.state == Playing {
			return []Action{RaisedEvent{Event: VideoDataReceived{Data: m.Data, Timestamp: p.Timestamp.Uint32()}}}, nil
		}
		return nil, nil
	case message.Unknown:
		return []Action{UnhandleableMessageReceived{Payload: p}}, nil
	default:
		return nil, nil
	}
}

func (s *ClientSession) dispatchData(m message.Amf0Data) ([]Action, error) {
	if len(m.Values) == 0 {
		return nil, nil
	}
	name, _ := m.Values[0].(string)
	if name != "onMetaData" || len(m.Values) < 2 || s.state != Playing {
		return nil, nil
	}
	props := asProperties(m.Values[1])
	return []Action{RaisedEvent{Event: StreamMetadataReceived{Metadata: metadataFromProperties(props)}}}, nil
}

func (s *ClientSession) dispatchCommand(m message.Amf0Command, p message.Payload) ([]Action, error) {
	txn := uint32(m.TransactionID)
	switch m.CommandName {
	case "_result":
		return s.handleResult(txn, m)
	case "_error":
		return s.handleError(txn, m)
	case "onStatus":
		return s.handleStatus(m)
	default:
		return []Action{UnhandleableMessageReceived{Payload: p}}, nil
	}
}

func (s *ClientSession) handleResult(txn uint32, m message.Amf0Command) ([]Action, error) {
	switch {
	case txn == s.connectTxnID && s.state == Connecting:
		s.state = Connected
		actions := []Action{RaisedEvent{Event: ConnectionRequestAccepted{}}}
		ack, err := s.sendMessage(message.WindowAcknowledgement{Size: s.config.WindowAckSize}, 0, 0, false)
		if err != nil {
			return nil, err
		}
		return append(actions, ack...), nil
	case txn == s.createStreamTxnID && (s.state == PlaybackRequested || s.state == PublishRequested):
		if len(m.AdditionalArguments) == 0 {
			return nil, rerrors.NewSessionError("session.handleResult", rerrors.SessionKindInvalidTransactionId, nil)
		}
		streamIDFloat, ok := m.AdditionalArguments[len(m.AdditionalArguments)-1].(float64)
		if !ok {
			return nil, rerrors.NewSessionError("session.handleResult", rerrors.SessionKindInvalidTransactionId, nil)
		}
		s.activeStreamID = uint32(streamIDFloat)
		var actions []Action
		bufAction, err := s.sendMessage(message.UserControl{EventType: message.UCSetBufferLength, StreamID: s.activeStreamID, BufferLength: s.config.PlaybackBufferLengthMs}, 0, 0, false)
		if err != nil {
			return nil, err
		}
		actions = append(actions, bufAction...)
		if s.state == PlaybackRequested {
			cmd := message.Amf0Command{CommandName: "play", TransactionID: 0, CommandObject: nil, AdditionalArguments: []interface{}{s.pendingStreamKey}}
			cmdActions, err := s.sendCommand(cmd)
			if err != nil {
				return nil, err
			}
			actions = append(actions, cmdActions...)
		} else {
			cmd := message.Amf0Command{CommandName: "publish", TransactionID: 0, CommandObject: nil, AdditionalArguments: []interface{}{s.pendingStreamKey, s.pendingPublishType}}
			cmdActions, err := s.sendCommand(cmd)
			if err != nil {
				return nil, err
			}
			actions = append(actions, cmdActions...)
		}
		return actions, nil
	default:
		return nil, rerrors.NewSessionError("session.handleResult", rerrors.SessionKindUnknownRequestId, nil)
	}
}

func (s *ClientSession) handleError(txn uint32, m message.Amf0Command) ([]Action, error) {
	description := describeFailure(m)
	switch {
	case txn == s.connectTxnID && s.state == Connecting:
		s.state = Disconnected
		return []Action{RaisedEvent{Event: ConnectionRequestRejected{Description: description}}}, nil
	case txn == s.createStreamTxnID && s.state == PlaybackRequested:
		s.state = Connected
		return []Action{RaisedEvent{Event: PlaybackRequestRejected{Description: description}}}, nil
	case txn == s.createStreamTxnID && s.state == PublishRequested:
		s.state = Connected
		return []Action{RaisedEvent{Event: PublishRequestRejected{Description: description}}}, nil
	default:
		return nil, nil
	}
}

func (s *ClientSession) handleStatus(m message.Amf0Command) ([]Action, error) {
	info := commandObjectMap(m)
	code, _ := info["code"].(string)
	switch code {
	case "NetStream.Play.Start":
		s.state = Playing
		return []Action{RaisedEvent{Event: PlaybackRequestAccepted{AppName: s.appName, StreamKey: s.pendingStreamKey}}}, nil
	case "NetStream.Publish.Start":
		s.state = Publishing
		return []Action{RaisedEvent{Event: PublishRequestAccepted{AppName: s.appName, StreamKey: s.pendingStreamKey}}}, nil
	case "NetStream.Play.Failed", "NetStream.Play.StreamNotFound":
		s.state = Connected
		return []Action{RaisedEvent{Event: PlaybackRequestRejected{Description: code}}}, nil
	case "NetStream.Publish.BadName", "NetStream.Publish.Failed":
		s.state = Connected
		return []Action{RaisedEvent{Event: PublishRequestRejected{Description: code}}}, nil
	default:
		return nil, nil
	}
}

func commandObjectMap(m message.Amf0Command) map[string]interface{} {
	if len(m.AdditionalArguments) == 0 {
		return nil
	}
	return asProperties(m.AdditionalArguments[0])
}

func describeFailure(m message.Amf0Command) string {
	info := commandObjectMap(m)
	if desc, ok := info["description"].(string); ok {
		return desc
	}
	return m.CommandName
}
