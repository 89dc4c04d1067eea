package server

// Event Wiring
// ------------
// Bridges a connection's session.Event stream to the stream registry:
// accepting connect requests, registering publishers/subscribers, relaying
// media between them, and tearing down state when a stream ends. This is
// the server's only reaction to session events — everything AMF0/onStatus
// related is already handled inside session.ServerSession itself.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	iconn "github.com/driftloop/rtmp-go/internal/rtmp/conn"
	"github.com/driftloop/rtmp-go/internal/rtmp/media"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/relay"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/auth"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/hooks"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/presence"
	"github.com/driftloop/rtmp-go/internal/rtmp/session"
	"github.com/driftloop/rtmp-go/internal/rtmp/storage"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

// connState tracks the mutable per-connection fields the event handler
// needs: which stream (if any) this connection is publishing to or has
// subscribed to for playback.
type connState struct {
	cfg           *Config
	reg           *Registry
	log           *slog.Logger
	mediaLogger   *MediaLogger
	codecDetector *media.CodecDetector
	destinations  *relay.DestinationManager
	hookMgr       *hooks.HookManager
	publishAuth   *auth.Validator
	presenceTrack *presence.Tracker
	storageSide   *storage.Sidecar
	connID        string

	publishStreamKey string
	publishApp       string
	playStreamKey    string
	playSub          *subscriberConn
}

// attachEventHandling wires a freshly accepted connection's session events
// into the stream registry. Must be called before Connection.Start.
func attachEventHandling(c *iconn.Connection, reg *Registry, cfg *Config, log *slog.Logger, destinations *relay.DestinationManager, hookMgr *hooks.HookManager, publishAuth *auth.Validator, presenceTrack *presence.Tracker, storageSide *storage.Sidecar) {
	if c == nil || reg == nil || cfg == nil {
		return
	}
	st := &connState{
		cfg:           cfg,
		reg:           reg,
		log:           log,
		mediaLogger:   NewMediaLogger(c.ID(), log, 30*time.Second),
		codecDetector: &media.CodecDetector{},
		destinations:  destinations,
		hookMgr:       hookMgr,
		publishAuth:   publishAuth,
		presenceTrack: presenceTrack,
		storageSide:   storageSide,
		connID:        c.ID(),
	}

	c.SetEventHandler(func(c *iconn.Connection, evt session.Event) {
		switch e := evt.(type) {
		case session.ConnectionRequested:
			if err := c.AcceptRequest(e.RequestID); err != nil {
				log.Error("accept connect failed", "error", err)
			}
		case session.PublishStreamRequested:
			st.onPublishRequested(c, e)
		case session.PlayStreamRequested:
			st.onPlayRequested(c, e)
		case session.AudioDataReceived:
			st.onMedia(message.TypeAudioData, e.Data, e.Timestamp)
		case session.VideoDataReceived:
			st.onMedia(message.TypeVideoData, e.Data, e.Timestamp)
		case session.StreamMetadataChanged:
			st.onMetadata(e)
		case session.PublishStreamFinished:
			st.onPublishFinished()
		case session.PlayStreamFinished:
			st.onPlayFinished()
		}
	})
}

func (st *connState) triggerHook(eventType hooks.EventType, streamKey string, data map[string]interface{}) {
	if st.hookMgr == nil {
		return
	}
	evt := hooks.NewEvent(eventType).WithConnID(st.connID).WithStreamKey(streamKey)
	for k, v := range data {
		evt.WithData(k, v)
	}
	st.hookMgr.TriggerEvent(context.Background(), *evt)
}

func (st *connState) onPublishRequested(c *iconn.Connection, e session.PublishStreamRequested) {
	streamKey, token := auth.ExtractToken(e.StreamKey)
	if st.publishAuth.Enabled() {
		if err := st.publishAuth.Validate(token); err != nil {
			st.log.Warn("rejecting unauthorized publisher", "stream_key", streamKey, "error", err)
			_ = c.RejectRequest(e.RequestID, "Publish unauthorized.")
			st.triggerHook(hooks.EventPublishStart, streamKey, map[string]interface{}{"app": e.AppName, "auth_rejected": true})
			return
		}
	}

	if st.presenceTrack != nil {
		if err := st.presenceTrack.Join(context.Background(), e.AppName, streamKey); err != nil {
			st.log.Warn("rejecting publisher, stream already owned elsewhere", "stream_key", streamKey, "error", err)
			_ = c.RejectRequest(e.RequestID, "Stream already has a publisher.")
			return
		}
	}

	stream, _ := st.reg.CreateStream(streamKey)
	if err := stream.SetPublisher(c); err != nil {
		st.log.Warn("rejecting duplicate publisher", "stream_key", streamKey, "error", err)
		_ = c.RejectRequest(e.RequestID, "Stream already has a publisher.")
		if st.presenceTrack != nil {
			_ = st.presenceTrack.Leave(context.Background(), e.AppName, streamKey)
		}
		return
	}
	st.publishStreamKey = streamKey
	st.publishApp = e.AppName

	if st.cfg.RecordAll {
		if err := initRecorder(stream, st.cfg.RecordDir, st.log); err != nil {
			st.log.Error("failed to create recorder", "error", err, "stream_key", streamKey)
		}
	}

	if err := c.AcceptRequest(e.RequestID); err != nil {
		st.log.Error("accept publish failed", "error", err)
		return
	}
	st.triggerHook(hooks.EventPublishStart, streamKey, map[string]interface{}{"app": e.AppName})
}

func (st *connState) onPlayRequested(c *iconn.Connection, e session.PlayStreamRequested) {
	stream := st.reg.GetStream(e.StreamKey)
	if stream == nil || stream.Publisher == nil {
		_ = c.RejectRequest(e.RequestID, fmt.Sprintf("Stream %s not found.", e.StreamKey))
		return
	}

	sub := &subscriberConn{conn: c, streamID: e.StreamID}
	stream.AddSubscriber(sub)
	st.playStreamKey = e.StreamKey
	st.playSub = sub

	if err := c.AcceptRequest(e.RequestID); err != nil {
		st.log.Error("accept play failed", "error", err)
		return
	}

	// Send cached sequence headers so a late-joining subscriber can decode
	// from the next frame without waiting for the next IDR/AudioSpecificConfig.
	stream.mu.RLock()
	audio, video := stream.AudioSequenceHeader, stream.VideoSequenceHeader
	stream.mu.RUnlock()
	if audio != nil {
		if err := c.SendAudioData(e.StreamID, audio.Data, 0, false); err != nil {
			st.log.Error("send cached audio sequence header failed", "error", err)
		}
	}
	if video != nil {
		if err := c.SendVideoData(e.StreamID, video.Data, 0, false); err != nil {
			st.log.Error("send cached video sequence header failed", "error", err)
		}
	}
	st.triggerHook(hooks.EventPlayStart, e.StreamKey, map[string]interface{}{"app": e.AppName})
}

func (st *connState) onMedia(typeID uint8, data []byte, ts uint32) {
	if st.publishStreamKey == "" {
		return
	}
	stream := st.reg.GetStream(st.publishStreamKey)
	if stream == nil {
		return
	}
	p := &message.Payload{Timestamp: timestamp.Timestamp(ts), TypeID: typeID, Data: data}
	st.mediaLogger.ProcessMessage(p)

	stream.mu.Lock()
	rec := stream.Recorder
	stream.mu.Unlock()
	if rec != nil {
		rec.WriteMessage(p)
	}

	stream.BroadcastMessage(st.codecDetector, p, st.log)

	if st.destinations != nil {
		st.destinations.RelayMessage(p)
	}
}

func (st *connState) onMetadata(e session.StreamMetadataChanged) {
	stream := st.reg.GetStream(e.StreamKey)
	if stream == nil {
		return
	}
	stream.mu.Lock()
	if m := e.Metadata.VideoCodecID; m != nil {
		stream.VideoCodec = fmt.Sprintf("%v", *m)
	}
	if m := e.Metadata.AudioCodecID; m != nil {
		stream.AudioCodec = fmt.Sprintf("%v", *m)
	}
	stream.mu.Unlock()
}

func (st *connState) onPublishFinished() {
	if st.publishStreamKey == "" {
		return
	}
	if path := cleanupRecorder(st.reg, st.publishStreamKey, st.log); path != "" && st.storageSide != nil {
		st.storageSide.Enqueue(path)
	}
	st.reg.DeleteStream(st.publishStreamKey)
	if st.presenceTrack != nil {
		if err := st.presenceTrack.Leave(context.Background(), st.publishApp, st.publishStreamKey); err != nil {
			st.log.Warn("presence leave failed", "error", err, "stream_key", st.publishStreamKey)
		}
	}
	st.triggerHook(hooks.EventPublishStop, st.publishStreamKey, nil)
	st.publishStreamKey = ""
	st.publishApp = ""
}

func (st *connState) onPlayFinished() {
	if st.playStreamKey == "" {
		return
	}
	if stream := st.reg.GetStream(st.playStreamKey); stream != nil && st.playSub != nil {
		stream.RemoveSubscriber(st.playSub)
	}
	st.triggerHook(hooks.EventPlayStop, st.playStreamKey, nil)
	st.playStreamKey = ""
	st.playSub = nil
}

// subscriberConn adapts a *conn.Connection into a media.Subscriber, routing
// a relayed payload back through the session's typed Send* methods so the
// subscriber's own message-stream-id is used rather than the publisher's.
type subscriberConn struct {
	conn     *iconn.Connection
	streamID uint32
}

func (s *subscriberConn) SendMessage(p *message.Payload) error {
	switch p.TypeID {
	case message.TypeAudioData:
		return s.conn.SendAudioData(s.streamID, p.Data, p.Timestamp.Uint32(), true)
	case message.TypeVideoData:
		return s.conn.SendVideoData(s.streamID, p.Data, p.Timestamp.Uint32(), true)
	default:
		return nil
	}
}

// initRecorder creates and initializes a recorder for the given stream,
// generating a timestamped filename based on the stream key.
func initRecorder(stream *Stream, recordDir string, log *slog.Logger) error {
	if stream == nil {
		return fmt.Errorf("nil stream")
	}
	if err := os.MkdirAll(recordDir, 0755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	safeKey := strings.ReplaceAll(stream.Key, "/", "_")
	ts := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s.flv", safeKey, ts)
	path := filepath.Join(recordDir, filename)

	recorder, err := media.NewRecorder(path, log)
	if err != nil {
		return fmt.Errorf("create recorder: %w", err)
	}
	stream.mu.Lock()
	stream.Recorder = recorder
	stream.mu.Unlock()
	log.Info("recorder initialized", "stream_key", stream.Key, "file", path)
	return nil
}

// cleanupRecorder closes and clears the recorder for the given stream key,
// returning the finished file's path (empty if there was no recorder) so
// the caller can hand it to the storage sidecar for upload.
func cleanupRecorder(reg *Registry, streamKey string, log *slog.Logger) string {
	if reg == nil || streamKey == "" {
		return ""
	}
	stream := reg.GetStream(streamKey)
	if stream == nil {
		return ""
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.Recorder == nil {
		return ""
	}
	path := stream.Recorder.Path()
	if err := stream.Recorder.Close(); err != nil {
		log.Error("recorder close error", "error", err, "stream_key", streamKey)
	} else {
		log.Info("recorder closed", "stream_key", streamKey)
	}
	stream.Recorder = nil
	return path
}
