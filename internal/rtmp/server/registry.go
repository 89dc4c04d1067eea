package server

// Stream Registry
// ---------------
// Thread‑safe registry that tracks active publish streams keyed by the full
// stream key ("app/stream"). Publish and play handling register one
// publisher and fan out to multiple subscribers through this registry.
//
// Concurrency model: sync.RWMutex guards the map. Per‑stream mutable slices
// are guarded by the stream's own mutex (so that subscriber operations do not
// serialize across different streams).

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftloop/rtmp-go/internal/rtmp/media"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
)

// ErrPublisherExists is returned when trying to set a second publisher.
var ErrPublisherExists = errors.New("publisher already registered for stream")

// Registry holds all active streams keyed by stream key.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{streams: make(map[string]*Stream)} }

// Stream represents a server side stream (superset of media.Stream fields).
// Publisher points at the accepted connection publishing this stream key;
// kept as interface{} so tests can inject a stub without importing conn.
// Subscribers re‑use the media package's Subscriber interface so the media
// relay can broadcast to them. Recorder is optional (may be nil).
type Stream struct {
	Key         string
	Publisher   interface{}
	Subscribers []media.Subscriber
	Metadata    map[string]interface{}
	VideoCodec  string
	AudioCodec  string
	StartTime   time.Time
	Recorder    *media.Recorder

	// Cached sequence headers for late-joining subscribers.
	AudioSequenceHeader *message.Payload
	VideoSequenceHeader *message.Payload

	mu sync.RWMutex // protects Subscribers & Publisher mutation
}

// CreateStream returns the existing stream if present or creates a new one.
// The boolean indicates whether a new stream was created.
func (r *Registry) CreateStream(key string) (*Stream, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.RLock()
	if s, ok := r.streams[key]; ok {
		r.mu.RUnlock()
		return s, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[key]; ok { // double‑check
		return s, false
	}
	s := &Stream{Key: key, StartTime: time.Now(), Metadata: make(map[string]interface{}), Subscribers: make([]media.Subscriber, 0)}
	r.streams[key] = s
	return s, true
}

// GetStream returns the stream for key or nil if absent.
func (r *Registry) GetStream(key string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[key]
}

// DeleteStream removes the stream (if present) and returns true if deleted.
func (r *Registry) DeleteStream(key string) bool {
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[key]; ok {
		delete(r.streams, key)
		return true
	}
	return false
}

// SetPublisher sets the publisher if empty else returns ErrPublisherExists.
func (s *Stream) SetPublisher(pub interface{}) error {
	if s == nil || pub == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Publisher != nil {
		return ErrPublisherExists
	}
	s.Publisher = pub
	return nil
}

// AddSubscriber adds a subscriber (ignoring nil) in a thread‑safe manner.
func (s *Stream) AddSubscriber(sub media.Subscriber) {
	if s == nil || sub == nil {
		return
	}
	s.mu.Lock()
	s.Subscribers = append(s.Subscribers, sub)
	s.mu.Unlock()
}

// RemoveSubscriber removes the first matching subscriber reference (identity
// comparison) from the slice, so disconnecting viewers stop receiving media.
func (s *Stream) RemoveSubscriber(sub media.Subscriber) {
	if s == nil || sub == nil {
		return
	}
	s.mu.Lock()
	for i, existing := range s.Subscribers {
		if existing == sub {
			last := len(s.Subscribers) - 1
			s.Subscribers[i] = s.Subscribers[last]
			s.Subscribers[last] = nil
			s.Subscribers = s.Subscribers[:last]
			break
		}
	}
	s.mu.Unlock()
}

// SubscriberCount returns a snapshot count of subscribers.
func (s *Stream) SubscriberCount() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Subscribers)
}

// --- CodecStore interface implementation (required for relay/codec detection) ---

func (s *Stream) SetAudioCodec(codec string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.AudioCodec = codec
	s.mu.Unlock()
}

func (s *Stream) SetVideoCodec(codec string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.VideoCodec = codec
	s.mu.Unlock()
}

func (s *Stream) GetAudioCodec() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AudioCodec
}

func (s *Stream) GetVideoCodec() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VideoCodec
}

// StreamKey returns the stream's key (required by CodecStore interface).
func (s *Stream) StreamKey() string {
	if s == nil {
		return ""
	}
	return s.Key
}

// BroadcastMessage relays a publisher's media payload to all current
// subscribers. It also performs one-shot codec detection on the first
// audio/video frames and caches AVC/AAC sequence headers for late-joining
// subscribers.
func (s *Stream) BroadcastMessage(detector *media.CodecDetector, p *message.Payload, logger *slog.Logger) {
	if s == nil || p == nil || logger == nil {
		return
	}

	if p.TypeID == message.TypeAudioData || p.TypeID == message.TypeVideoData {
		if detector == nil {
			detector = &media.CodecDetector{}
		}
		detector.Process(p.TypeID, p.Data, s, logger)
	}

	// Video: type_id=9, avc_packet_type=0 (byte offset 1) marks an AVC
	// sequence header (SPS/PPS). Audio: type_id=8, high nibble 0xA (AAC),
	// aac_packet_type=0 marks an AudioSpecificConfig sequence header.
	if p.TypeID == message.TypeVideoData && len(p.Data) >= 2 && p.Data[1] == 0 {
		cached := clonePayload(p)
		s.mu.Lock()
		s.VideoSequenceHeader = &cached
		s.mu.Unlock()
		logger.Info("Cached video sequence header", "stream_key", s.Key, "size", len(p.Data))
	} else if p.TypeID == message.TypeAudioData && len(p.Data) >= 2 && (p.Data[0]>>4) == 0x0A && p.Data[1] == 0 {
		cached := clonePayload(p)
		s.mu.Lock()
		s.AudioSequenceHeader = &cached
		s.mu.Unlock()
		logger.Info("Cached audio sequence header", "stream_key", s.Key, "size", len(p.Data))
	}

	if p.TypeID == message.TypeVideoData && len(p.Data) >= 10 {
		frameType := (p.Data[0] >> 4) & 0x0F
		codecID := p.Data[0] & 0x0F
		avcPacketType := p.Data[1]
		logger.Debug("Video packet structure before relay",
			"frame_type", frameType,
			"codec_id", codecID,
			"avc_packet_type", avcPacketType,
			"payload_len", len(p.Data),
			"first_10_bytes", fmt.Sprintf("%02X %02X %02X %02X %02X %02X %02X %02X %02X %02X",
				p.Data[0], p.Data[1], p.Data[2], p.Data[3], p.Data[4],
				p.Data[5], p.Data[6], p.Data[7], p.Data[8], p.Data[9]))
		if codecID != 7 {
			logger.Warn("Invalid AVC codec ID in video packet", "codec_id", codecID, "expected", 7)
		}
	}

	s.mu.RLock()
	subs := make([]media.Subscriber, len(s.Subscribers))
	copy(subs, s.Subscribers)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		relay := clonePayload(p)
		if ts, ok := sub.(media.TrySendMessage); ok {
			if ok := ts.TrySendMessage(&relay); !ok {
				logger.Debug("Dropped media message (slow subscriber)", "stream_key", s.Key)
			}
			continue
		}
		_ = sub.SendMessage(&relay)
	}
}

// clonePayload makes an independent copy of a media payload so a slow
// subscriber's buffered write cannot observe mutations made to bytes shared
// with the publisher's read buffer or other subscribers.
func clonePayload(p *message.Payload) message.Payload {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return message.Payload{Timestamp: p.Timestamp, TypeID: p.TypeID, MessageStreamID: p.MessageStreamID, Data: data}
}
