package session

import (
	"testing"

	"github.com/driftloop/rtmp-go/internal/rtmp/message"
)

func findEvent[T Event](actions []Action) (T, bool) {
	for _, a := range actions {
		if re, ok := a.(RaisedEvent); ok {
			if ev, ok := re.Event.(T); ok {
				return ev, true
			}
		}
	}
	var zero T
	return zero, false
}

func outboundBytes(actions []Action) [][]byte {
	var out [][]byte
	for _, a := range actions {
		if op, ok := a.(OutboundPacket); ok {
			out = append(out, op.Packet.Bytes)
		}
	}
	return out
}

// TestFullConnectPublishHandshake drives a ClientSession and ServerSession
// against each other's HandleInput, exercising connect, createStream,
// publish and one audio message.
func TestFullConnectPublishHandshake(t *testing.T) {
	client, _ := NewClientSession(DefaultClientConfig())
	server, serverInit, err := NewServerSession(DefaultServerConfig())
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}

	// Feed the server's initial SetChunkSize/WindowAck/SetPeerBandwidth into the client.
	for _, b := range outboundBytes(serverInit) {
		a, err := client.HandleInput(b)
		if err != nil {
			t.Fatalf("client handling server init: %v", err)
		}
		// Forward the client's WindowAck echo of SetPeerBandwidth so the
		// server's chunk header state for csid 2 stays in step.
		for _, ob := range outboundBytes(a) {
			if _, err := server.HandleInput(ob); err != nil {
				t.Fatalf("server handling client init reply: %v", err)
			}
		}
	}

	connectActions, err := client.RequestConnection("live")
	if err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}

	var serverActions []Action
	for _, b := range outboundBytes(connectActions) {
		a, err := server.HandleInput(b)
		if err != nil {
			t.Fatalf("server HandleInput(connect): %v", err)
		}
		serverActions = append(serverActions, a...)
	}
	connReq, ok := findEvent[ConnectionRequested](serverActions)
	if !ok {
		t.Fatalf("expected ConnectionRequested, got %+v", serverActions)
	}
	if connReq.AppName != "live" {
		t.Fatalf("unexpected app name %q", connReq.AppName)
	}

	acceptActions, err := server.AcceptRequest(connReq.RequestID)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	var clientActions []Action
	for _, b := range outboundBytes(acceptActions) {
		a, err := client.HandleInput(b)
		if err != nil {
			t.Fatalf("client HandleInput(_result connect): %v", err)
		}
		clientActions = append(clientActions, a...)
	}
	if _, ok := findEvent[ConnectionRequestAccepted](clientActions); !ok {
		t.Fatalf("expected ConnectionRequestAccepted, got %+v", clientActions)
	}
	if client.state != Connected {
		t.Fatalf("expected client Connected, got %v", client.state)
	}
	// Forward the client's WindowAck sent in reply to the connect _result.
	for _, b := range outboundBytes(clientActions) {
		if _, err := server.HandleInput(b); err != nil {
			t.Fatalf("server HandleInput(client reply to connect _result): %v", err)
		}
	}

	publishActions, err := client.RequestPublishing("mystream", "live")
	if err != nil {
		t.Fatalf("RequestPublishing: %v", err)
	}
	serverActions = nil
	for _, b := range outboundBytes(publishActions) {
		a, err := server.HandleInput(b)
		if err != nil {
			t.Fatalf("server HandleInput(createStream): %v", err)
		}
		serverActions = append(serverActions, a...)
	}

	clientActions = nil
	for _, b := range outboundBytes(serverActions) {
		a, err := client.HandleInput(b)
		if err != nil {
			t.Fatalf("client HandleInput(_result createStream): %v", err)
		}
		clientActions = append(clientActions, a...)
	}

	serverActions = nil
	for _, b := range outboundBytes(clientActions) {
		a, err := server.HandleInput(b)
		if err != nil {
			t.Fatalf("server HandleInput(publish): %v", err)
		}
		serverActions = append(serverActions, a...)
	}
	pubReq, ok := findEvent[PublishStreamRequested](serverActions)
	if !ok {
		t.Fatalf("expected PublishStreamRequested, got %+v", serverActions)
	}
	if pubReq.StreamKey != "mystream" {
		t.Fatalf("unexpected stream key %q", pubReq.StreamKey)
	}

	acceptPub, err := server.AcceptRequest(pubReq.RequestID)
	if err != nil {
		t.Fatalf("AcceptRequest(publish): %v", err)
	}
	clientActions = nil
	for _, b := range outboundBytes(acceptPub) {
		a, err := client.HandleInput(b)
		if err != nil {
			t.Fatalf("client HandleInput(onStatus publish.start): %v", err)
		}
		clientActions = append(clientActions, a...)
	}
	pubAccepted, ok := findEvent[PublishRequestAccepted](clientActions)
	if !ok {
		t.Fatalf("expected PublishRequestAccepted, got %+v", clientActions)
	}
	if pubAccepted.AppName != "live" || pubAccepted.StreamKey != "mystream" {
		t.Fatalf("unexpected app/stream_key %q/%q", pubAccepted.AppName, pubAccepted.StreamKey)
	}
	if client.state != Publishing {
		t.Fatalf("expected client Publishing, got %v", client.state)
	}

	audioActions, err := client.PublishAudioData([]byte{0xAF, 0x01}, 10, true)
	if err != nil {
		t.Fatalf("PublishAudioData: %v", err)
	}
	serverActions = nil
	for _, b := range outboundBytes(audioActions) {
		a, err := server.HandleInput(b)
		if err != nil {
			t.Fatalf("server HandleInput(audio): %v", err)
		}
		serverActions = append(serverActions, a...)
	}
	audioEvt, ok := findEvent[AudioDataReceived](serverActions)
	if !ok {
		t.Fatalf("expected AudioDataReceived, got %+v", serverActions)
	}
	if audioEvt.Timestamp != 10 {
		t.Fatalf("unexpected timestamp %d", audioEvt.Timestamp)
	}
	if audioEvt.AppName != "live" || audioEvt.StreamKey != "mystream" {
		t.Fatalf("unexpected app/stream_key %q/%q", audioEvt.AppName, audioEvt.StreamKey)
	}
}

func TestRequestConnectionTwiceFails(t *testing.T) {
	client, _ := NewClientSession(DefaultClientConfig())
	if _, err := client.RequestConnection("a"); err != nil {
		t.Fatalf("first RequestConnection: %v", err)
	}
	if _, err := client.RequestConnection("a"); err == nil {
		t.Fatalf("expected CantConnectWhileAlreadyConnected")
	}
}

func TestRequestPlaybackBeforeConnectedFails(t *testing.T) {
	client, _ := NewClientSession(DefaultClientConfig())
	if _, err := client.RequestPlayback("x"); err == nil {
		t.Fatalf("expected ActionNotAllowedInCurrentState")
	}
}

func TestServerUnknownCommandYieldsUnhandleable(t *testing.T) {
	server, _, err := NewServerSession(DefaultServerConfig())
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	cmd := message.Amf0Command{CommandName: "checkBandwidth", TransactionID: 9}
	p, err := message.FromMessage(cmd, 0, 0)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	actions, err := server.dispatch(p)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok := findEvent[UnhandleableAmf0Command](actions); !ok {
		t.Fatalf("expected UnhandleableAmf0Command, got %+v", actions)
	}
}
