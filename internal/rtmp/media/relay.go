package media

import (
	"io"
	"log/slog"
	"sync"

	"github.com/driftloop/rtmp-go/internal/rtmp/message"
)

// NullLogger returns a no-op slog.Logger for tests that don't care about output.
func NullLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Subscriber receives relayed audio/video message.Payload values (§4.4:
// "inbound audio/video while a stream is Publishing produces
// AudioDataReceived/VideoDataReceived events" — the registry fans those out
// to every subscriber of that stream).
type Subscriber interface {
	SendMessage(*message.Payload) error
}

// TrySendMessage is an optional interface for non-blocking enqueue
// semantics, used to implement the serializer's can-be-dropped backpressure
// policy for audio/video (§4.1).
type TrySendMessage interface {
	TrySendMessage(*message.Payload) bool
}

// Stream is a minimal subscriber-fanout primitive, reused directly by
// server.Stream (which adds recording, metadata caching and the publisher
// reference) and exercised standalone in this package's tests.
type Stream struct {
	key        string
	videoCodec string
	audioCodec string
	mu         sync.RWMutex
	subs       []Subscriber
}

func NewStream(key string) *Stream { return &Stream{key: key, subs: make([]Subscriber, 0)} }

// --- CodecStore implementation ---
func (s *Stream) SetAudioCodec(c string) { s.audioCodec = c }
func (s *Stream) SetVideoCodec(c string) { s.videoCodec = c }
func (s *Stream) GetAudioCodec() string  { return s.audioCodec }
func (s *Stream) GetVideoCodec() string  { return s.videoCodec }
func (s *Stream) StreamKey() string      { return s.key }

// AddSubscriber appends a subscriber safely.
func (s *Stream) AddSubscriber(sub Subscriber) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Subscribers snapshot (used in tests only).
func (s *Stream) Subscribers() []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

// BroadcastMessage relays a publisher's media payload to all current
// subscribers, after one-shot codec detection on the first audio/video
// frames.
func (s *Stream) BroadcastMessage(detector *CodecDetector, p *message.Payload, logger *slog.Logger) {
	if s == nil || p == nil || logger == nil {
		return
	}

	if p.TypeID == message.TypeAudioData || p.TypeID == message.TypeVideoData {
		if detector == nil {
			detector = &CodecDetector{}
		}
		detector.Process(p.TypeID, p.Data, s, logger)
	}

	s.mu.RLock()
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if ts, ok := sub.(TrySendMessage); ok {
			if ok := ts.TrySendMessage(p); !ok {
				logger.Debug("Dropped media message (slow subscriber)", "stream_key", s.key)
			}
			continue
		}
		_ = sub.SendMessage(p)
	}
}
