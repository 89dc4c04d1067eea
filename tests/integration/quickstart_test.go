package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftloop/rtmp-go/internal/rtmp/client"
	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/server"
)

// TestQuickstartScenario drives the full lifecycle a live-streaming client
// would exercise: server startup, a publisher's handshake/connect/
// createStream/publish, an AVC sequence header + AAC AudioSpecificConfig,
// and a viewer receiving that same media via play.
func TestQuickstartScenario(t *testing.T) {
	srv := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()
	addr := srv.Addr().String()

	pub, err := client.New(fmt.Sprintf("rtmp://%s/live/quickstart", addr))
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()
	if err := pub.Connect(); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	if err := pub.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	viewer, err := client.New(fmt.Sprintf("rtmp://%s/live/quickstart", addr))
	if err != nil {
		t.Fatalf("new viewer: %v", err)
	}
	defer viewer.Close()

	var mu sync.Mutex
	var gotAudio, gotVideo bool
	viewer.SetMediaHandler(func(typeID uint8, ts uint32, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		switch typeID {
		case message.TypeAudioData:
			gotAudio = true
		case message.TypeVideoData:
			gotVideo = true
		}
	})

	if err := viewer.Connect(); err != nil {
		t.Fatalf("viewer connect: %v", err)
	}
	if err := viewer.Play(); err != nil {
		t.Fatalf("viewer play: %v", err)
	}

	avcSequenceHeader := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x1F}
	aacSequenceHeader := []byte{0xAF, 0x00, 0x12, 0x10}

	if err := pub.SendVideo(0, avcSequenceHeader); err != nil {
		t.Fatalf("send video: %v", err)
	}
	if err := pub.SendAudio(0, aacSequenceHeader); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotAudio && gotVideo
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotAudio {
		t.Error("viewer did not receive audio")
	}
	if !gotVideo {
		t.Error("viewer did not receive video")
	}
}
