package session

import (
	rerrors "github.com/driftloop/rtmp-go/internal/errors"
	"github.com/driftloop/rtmp-go/internal/rtmp/chunk"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

// ServerRole distinguishes which direction an active stream on a
// ServerSession is being used for.
type ServerRole int

const (
	RolePublish ServerRole = iota
	RolePlay
)

// ServerConfig parameterizes a new ServerSession.
type ServerConfig struct {
	ChunkSize     uint32
	WindowAckSize uint32
	PeerBandwidth uint32
}

// DefaultServerConfig mirrors common media-server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{ChunkSize: 4096, WindowAckSize: 2500000, PeerBandwidth: 2500000}
}

type pendingConnect struct {
	transactionID float64
	appName       string
}

type pendingStreamRequest struct {
	transactionID float64
	streamID      uint32
	role          ServerRole
	streamKey     string
	publishType   string
}

type activeStream struct {
	role      ServerRole
	appName   string
	streamKey string
}

// ServerSession is the accepting half of the protocol: it reacts to an
// inbound connect/createStream/publish-or-play sequence and exposes
// accept/reject decision points to the embedder (§4.4).
type ServerSession struct {
	config ServerConfig

	des *chunk.Deserializer
	ser *chunk.Serializer

	connected    bool
	appName      string
	nextStreamID uint32
	nextRequest  uint32

	pendingConnects map[uint32]pendingConnect
	pendingStreams  map[uint32]pendingStreamRequest
	activeStreams   map[uint32]activeStream // keyed by message stream id

	bytesReceived uint64
	bytesAckedAt  uint64
	peerChunkSize uint32
}

// NewServerSession constructs a ServerSession and its mandated initial
// outbound packets: SetChunkSize, WindowAcknowledgement, SetPeerBandwidth.
func NewServerSession(cfg ServerConfig) (*ServerSession, []Action, error) {
	s := &ServerSession{
		config:          cfg,
		des:             chunk.NewDeserializer(),
		ser:             chunk.NewSerializer(),
		nextStreamID:    1,
		pendingConnects: make(map[uint32]pendingConnect),
		pendingStreams:  make(map[uint32]pendingStreamRequest),
		activeStreams:   make(map[uint32]activeStream),
	}

	var actions []Action
	scp, err := s.ser.SetMaxChunkSize(cfg.ChunkSize, true)
	if err != nil {
		return nil, nil, err
	}
	if scp != nil {
		pkt, err := s.ser.Serialize(*scp, false, false)
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, OutboundPacket{Packet: pkt})
	}
	for _, m := range []message.RtmpMessage{
		message.WindowAcknowledgement{Size: cfg.WindowAckSize},
		message.SetPeerBandwidth{Size: cfg.PeerBandwidth, LimitType: message.LimitDynamic},
	} {
		a, err := s.sendMessage(m, 0, 0, false)
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, a...)
	}
	return s, actions, nil
}

func (s *ServerSession) sendMessage(msg message.RtmpMessage, msid uint32, ts uint32, canBeDropped bool) ([]Action, error) {
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

func (s *ServerSession) allocateRequestID() uint32 {
	s.nextRequest++
	return s.nextRequest
}

// HandleInput feeds inbound bytes to the deserializer and dispatches every
// completed message.
func (s *ServerSession) HandleInput(data []byte) ([]Action, error) {
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
		if s.config.WindowAckSize > 0 && s.bytesReceived-s.bytesAckedAt >= uint64(s.config.WindowAckSize) {
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

func (s *ServerSession) dispatch(p message.Payload) ([]Action, error) {
	msg, err := message.ToMessage(p)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case message.SetChunkSize:
		if err := s.des.SetMaxChunkSize(m.Size); err != nil {
			return nil, err
		}
		s.peerChunkSize = m.Size
		return nil, nil
	case message.Amf0Command:
		return s.dispatchCommand(m, p)
	case message.Amf0Data:
		return s.dispatchData(m, p)
	case message.AudioData:
		return s.dispatchMedia(p.MessageStreamID, m.Data, p.Timestamp.Uint32(), true)
	case message.VideoData:
		return s.dispatchMedia(p.MessageStreamID, m.Data, p.Timestamp.Uint32(), false)
	case message.Unknown:
		return []Action{UnhandleableMessageReceived{Payload: p}}, nil
	default:
		return nil, nil
	}
}

func (s *ServerSession) dispatchMedia(msid uint32, data []byte, ts uint32, audio bool) ([]Action, error) {
	st, ok := s.activeStreams[msid]
	if !ok || st.role != RolePublish {
		return nil, nil
	}
	if audio {
		return []Action{RaisedEvent{Event: AudioDataReceived{AppName: st.appName, StreamKey: st.streamKey, Data: data, Timestamp: ts}}}, nil
	}
	return []Action{RaisedEvent{Event: VideoDataReceived{AppName: st.appName, StreamKey: st.streamKey, Data: data, Timestamp: ts}}}, nil
}

func (s *ServerSession) dispatchData(m message.Amf0Data, p message.Payload) ([]Action, error) {
	if len(m.Values) == 0 {
		return nil, nil
	}
	name, _ := m.Values[0].(string)
	st, hasStream := s.activeStreams[p.MessageStreamID]
	switch name {
	case "@setDataFrame":
		if len(m.Values) < 3 {
			return nil, nil
		}
		inner, _ := m.Values[1].(string)
		if inner != "onMetaData" {
			return nil, nil
		}
		if !hasStream {
			return nil, nil
		}
		props := asProperties(m.Values[2])
		return []Action{RaisedEvent{Event: StreamMetadataChanged{
			AppName:   st.appName,
			StreamKey: st.streamKey,
			Metadata:  metadataFromProperties(props),
		}}}, nil
	default:
		return nil, nil
	}
}

func (s *ServerSession) dispatchCommand(m message.Amf0Command, p message.Payload) ([]Action, error) {
	switch m.CommandName {
	case "connect":
		return s.handleConnect(m)
	case "createStream":
		return s.handleCreateStream(m, p)
	case "publish", "releaseStream", "FCPublish":
		return s.handlePublish(m, p)
	case "play":
		return s.handlePlay(m, p)
	case "deleteStream":
		return s.handleDeleteStream(m, p)
	default:
		return []Action{RaisedEvent{Event: UnhandleableAmf0Command{CommandName: m.CommandName}}}, nil
	}
}

func (s *ServerSession) handleConnect(m message.Amf0Command) ([]Action, error) {
	appName, _ := asProperties(m.CommandObject)["app"].(string)
	reqID := s.allocateRequestID()
	s.pendingConnects[reqID] = pendingConnect{transactionID: m.TransactionID, appName: appName}
	s.appName = appName
	return []Action{RaisedEvent{Event: ConnectionRequested{RequestID: reqID, AppName: appName}}}, nil
}

// AcceptRequest resolves a pending connect/publish/play request favorably.
func (s *ServerSession) AcceptRequest(requestID uint32) ([]Action, error) {
	if pc, ok := s.pendingConnects[requestID]; ok {
		delete(s.pendingConnects, requestID)
		s.connected = true
		cmd := message.Amf0Command{
			CommandName:   "_result",
			TransactionID: pc.transactionID,
			CommandObject: map[string]interface{}{"fmsVer": "FMS/3,0,1,123", "capabilities": float64(31)},
			AdditionalArguments: []interface{}{map[string]interface{}{
				"level":          "status",
				"code":           "NetConnection.Connect.Success",
				"description":    "Connection succeeded.",
				"objectEncoding": float64(0),
			}},
		}
		return s.sendMessage(cmd, 0, 0, false)
	}
	if pr, ok := s.pendingStreams[requestID]; ok {
		delete(s.pendingStreams, requestID)
		switch pr.role {
		case RolePublish:
			s.activeStreams[pr.streamID] = activeStream{role: RolePublish, appName: s.appName, streamKey: pr.streamKey}
			cmd := message.Amf0Command{
				CommandName:   "onStatus",
				TransactionID: 0,
				AdditionalArguments: []interface{}{map[string]interface{}{
					"level":       "status",
					"code":        "NetStream.Publish.Start",
					"description": "Publishing " + pr.streamKey + ".",
				}},
			}
			return s.sendMessage(cmd, pr.streamID, 0, false)
		case RolePlay:
			s.activeStreams[pr.streamID] = activeStream{role: RolePlay, appName: s.appName, streamKey: pr.streamKey}
			return s.sendPlayStartSequence(pr.streamID, pr.streamKey)
		}
	}
	return nil, rerrors.NewSessionError("session.acceptRequest", rerrors.SessionKindUnknownRequestId, nil)
}

// sendPlayStartSequence emits the mandatory reply order for an accepted
// play request (§4.4): StreamBegin, Play.Reset, Play.Start,
// RtmpSampleAccess, Data.Start.
func (s *ServerSession) sendPlayStartSequence(streamID uint32, streamKey string) ([]Action, error) {
	var actions []Action

	a, err := s.sendMessage(message.UserControl{EventType: message.UCStreamBegin, StreamID: streamID}, 0, 0, false)
	if err != nil {
		return nil, err
	}
	actions = append(actions, a...)

	status := func(code, desc string) (message.Amf0Command, error) {
		return message.Amf0Command{
			CommandName:   "onStatus",
			TransactionID: 0,
			AdditionalArguments: []interface{}{map[string]interface{}{
				"level":       "status",
				"code":        code,
				"description": desc,
			}},
		}, nil
	}

	resetCmd, _ := status("NetStream.Play.Reset", "Playing and resetting "+streamKey+".")
	a, err = s.sendMessage(resetCmd, streamID, 0, false)
	if err != nil {
		return nil, err
	}
	actions = append(actions, a...)

	startCmd, _ := status("NetStream.Play.Start", "Started playing "+streamKey+".")
	a, err = s.sendMessage(startCmd, streamID, 0, false)
	if err != nil {
		return nil, err
	}
	actions = append(actions, a...)

	sampleAccess := message.Amf0Command{
		CommandName:         "|RtmpSampleAccess",
		TransactionID:       0,
		CommandObject:       nil,
		AdditionalArguments: []interface{}{false, false},
	}
	a, err = s.sendMessage(sampleAccess, streamID, 0, false)
	if err != nil {
		return nil, err
	}
	actions = append(actions, a...)

	dataStart, _ := status("NetStream.Data.Start", "")
	a, err = s.sendMessage(dataStart, streamID, 0, false)
	if err != nil {
		return nil, err
	}
	actions = append(actions, a...)

	return actions, nil
}

// RejectRequest resolves a pending connect/publish/play request
// unfavorably, with description surfaced to the peer.
func (s *ServerSession) RejectRequest(requestID uint32, description string) ([]Action, error) {
	if pc, ok := s.pendingConnects[requestID]; ok {
		delete(s.pendingConnects, requestID)
		cmd := message.Amf0Command{
			CommandName:   "_error",
			TransactionID: pc.transactionID,
			AdditionalArguments: []interface{}{map[string]interface{}{
				"level":       "error",
				"code":        "NetConnection.Connect.Failed",
				"description": description,
			}},
		}
		return s.sendMessage(cmd, 0, 0, false)
	}
	if pr, ok := s.pendingStreams[requestID]; ok {
		delete(s.pendingStreams, requestID)
		code := "NetStream.Publish.BadName"
		if pr.role == RolePlay {
			code = "NetStream.Play.Failed"
		}
		cmd := message.Amf0Command{
			CommandName:   "onStatus",
			TransactionID: 0,
			AdditionalArguments: []interface{}{map[string]interface{}{
				"level":       "error",
				"code":        code,
				"description": description,
			}},
		}
		return s.sendMessage(cmd, pr.streamID, 0, false)
	}
	return nil, rerrors.NewSessionError("session.rejectRequest", rerrors.SessionKindUnknownRequestId, nil)
}

func (s *ServerSession) handleCreateStream(m message.Amf0Command, p message.Payload) ([]Action, error) {
	streamID := s.nextStreamID
	s.nextStreamID++
	cmd := message.Amf0Command{
		CommandName:         "_result",
		TransactionID:       m.TransactionID,
		CommandObject:       nil,
		AdditionalArguments: []interface{}{float64(streamID)},
	}
	return s.sendMessage(cmd, 0, 0, false)
}

func (s *ServerSession) handlePublish(m message.Amf0Command, p message.Payload) ([]Action, error) {
	if m.CommandName != "publish" {
		return nil, nil // releaseStream/FCPublish acknowledge nothing per se
	}
	streamKey, publishType := publishArgs(m.AdditionalArguments)
	reqID := s.allocateRequestID()
	s.pendingStreams[reqID] = pendingStreamRequest{
		transactionID: m.TransactionID,
		streamID:      p.MessageStreamID,
		role:          RolePublish,
		streamKey:     streamKey,
		publishType:   publishType,
	}
	return []Action{RaisedEvent{Event: PublishStreamRequested{
		RequestID:   reqID,
		StreamID:    p.MessageStreamID,
		AppName:     s.appName,
		StreamKey:   streamKey,
		PublishType: publishType,
	}}}, nil
}

func publishArgs(args []interface{}) (streamKey, publishType string) {
	if len(args) > 0 {
		streamKey, _ = args[0].(string)
	}
	if len(args) > 1 {
		publishType, _ = args[1].(string)
	}
	return
}

func (s *ServerSession) handlePlay(m message.Amf0Command, p message.Payload) ([]Action, error) {
	var streamKey string
	var startAt, duration float64 = -2, -1
	var reset bool
	if len(m.AdditionalArguments) > 0 {
		streamKey, _ = m.AdditionalArguments[0].(string)
	}
	if len(m.AdditionalArguments) > 1 {
		startAt, _ = m.AdditionalArguments[1].(float64)
	}
	if len(m.AdditionalArguments) > 2 {
		duration, _ = m.AdditionalArguments[2].(float64)
	}
	if len(m.AdditionalArguments) > 3 {
		reset, _ = m.AdditionalArguments[3].(bool)
	}
	reqID := s.allocateRequestID()
	s.pendingStreams[reqID] = pendingStreamRequest{
		transactionID: m.TransactionID,
		streamID:      p.MessageStreamID,
		role:          RolePlay,
		streamKey:     streamKey,
	}
	return []Action{RaisedEvent{Event: PlayStreamRequested{
		RequestID: reqID,
		StreamID:  p.MessageStreamID,
		AppName:   s.appName,
		StreamKey: streamKey,
		StartAt:   startAt,
		Duration:  duration,
		Reset:     reset,
	}}}, nil
}

func (s *ServerSession) handleDeleteStream(m message.Amf0Command, p message.Payload) ([]Action, error) {
	var targetID uint32
	if len(m.AdditionalArguments) > 0 {
		if f, ok := m.AdditionalArguments[0].(float64); ok {
			targetID = uint32(f)
		}
	}
	st, ok := s.activeStreams[targetID]
	if !ok {
		return nil, nil
	}
	delete(s.activeStreams, targetID)
	if st.role == RolePublish {
		return []Action{RaisedEvent{Event: PublishStreamFinished{AppName: st.appName, StreamKey: st.streamKey}}}, nil
	}
	return []Action{RaisedEvent{Event: PlayStreamFinished{AppName: st.appName, StreamKey: st.streamKey}}}, nil
}

// SendMetadata pushes an onMetaData AMF0 data message to a playing stream.
func (s *ServerSession) SendMetadata(streamID uint32, metadata map[string]interface{}) ([]Action, error) {
	return s.sendMessage(message.Amf0Data{Values: []interface{}{"onMetaData", metadata}}, streamID, 0, false)
}

// SendAudioData forwards an audio payload to a playing stream.
func (s *ServerSession) SendAudioData(streamID uint32, data []byte, ts uint32, canBeDropped bool) ([]Action, error) {
	return s.sendMessage(message.AudioData{Data: data}, streamID, ts, canBeDropped)
}

// SendVideoData forwards a video payload to a playing stream.
func (s *ServerSession) SendVideoData(streamID uint32, data []byte, ts uint32, canBeDropped bool) ([]Action, error) {
	return s.sendMessage(message.VideoData{Data: data}, streamID, ts, canBeDropped)
}

// SendPingRequest issues a UserControl.PingRequest, typically on a timer the
// embedder owns (§5: the core schedules nothing itself).
func (s *ServerSession) SendPingRequest(ts uint32) ([]Action, error) {
	return s.sendMessage(message.UserControl{EventType: message.UCPingRequest, Timestamp: ts}, 0, 0, false)
}

// SendUserControlMessage is an escape hatch for user control events this
// session doesn't construct internally.
func (s *ServerSession) SendUserControlMessage(uc message.UserControl) ([]Action, error) {
	return s.sendMessage(uc, 0, 0, false)
}
