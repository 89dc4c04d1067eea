package chunk

import (
	"bytes"
	"testing"

	"github.com/driftloop/rtmp-go/internal/rtmp/message"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	ser := NewSerializer()
	des := NewDeserializer()

	p := message.Payload{Timestamp: 100, TypeID: message.TypeAmf0Command, MessageStreamID: 1, Data: []byte("hello world")}
	pkt, err := ser.Serialize(p, false, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	out, err := des.Feed(pkt.Bytes)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if !bytes.Equal(out[0].Data, p.Data) || out[0].Timestamp != p.Timestamp || out[0].TypeID != p.TypeID {
		t.Fatalf("got %+v want %+v", out[0], p)
	}
}

func TestSerializeCompressesRepeatedHeaders(t *testing.T) {
	ser := NewSerializer()
	des := NewDeserializer()

	var all []message.Payload
	for i := 0; i < 3; i++ {
		p := message.Payload{Timestamp: timestamp.Timestamp(uint32(i) * 33), TypeID: message.TypeVideoData, MessageStreamID: 1, Data: []byte{0x17, byte(i)}}
		pkt, err := ser.Serialize(p, false, true)
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		// The second message's delta (33) differs from the first's (0), so it
		// needs a fmt2 header; the third repeats delta 33 and gets fmt3.
		if i == 1 && pkt.Bytes[0]>>6 != 2 {
			t.Fatalf("expected fmt2 header on first delta change, got fmt%d", pkt.Bytes[0]>>6)
		}
		if i > 1 && len(pkt.Bytes) > 4 {
			t.Fatalf("expected compressed fmt3 header on repeat, got %d bytes", len(pkt.Bytes))
		}
		out, err := des.Feed(pkt.Bytes)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		all = append(all, out...)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 reassembled messages, got %d", len(all))
	}
}

func TestChunkFragmentationAcrossMaxChunkSize(t *testing.T) {
	ser := NewSerializer()
	des := NewDeserializer()
	if _, err := ser.SetMaxChunkSize(8, true); err != nil {
		t.Fatalf("SetMaxChunkSize: %v", err)
	}
	des.maxChunkSize = 8

	body := bytes.Repeat([]byte{0xAA}, 25)
	p := message.Payload{Timestamp: 0, TypeID: message.TypeAudioData, MessageStreamID: 1, Data: body}
	pkt, err := ser.Serialize(p, true, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	out, err := des.Feed(pkt.Bytes)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(out) != 1 || !bytes.Equal(out[0].Data, body) {
		t.Fatalf("fragmented reassembly mismatch: %+v", out)
	}
}

func TestFeedIsRestartableAcrossPartialChunks(t *testing.T) {
	ser := NewSerializer()
	des := NewDeserializer()

	p := message.Payload{Timestamp: 5, TypeID: message.TypeAmf0Data, MessageStreamID: 3, Data: []byte("partial-feed-data")}
	pkt, err := ser.Serialize(p, true, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	split := len(pkt.Bytes) / 2
	out, err := des.Feed(pkt.Bytes[:split])
	if err != nil {
		t.Fatalf("Feed first half: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no message from partial feed, got %d", len(out))
	}
	out, err = des.Feed(pkt.Bytes[split:])
	if err != nil {
		t.Fatalf("Feed second half: %v", err)
	}
	if len(out) != 1 || !bytes.Equal(out[0].Data, p.Data) {
		t.Fatalf("got %+v", out)
	}
}

func TestFmt3MissingPreviousHeaderErrors(t *testing.T) {
	des := NewDeserializer()
	// fmt3 basic header on csid 7, never seen before.
	buf := []byte{byte(3<<6) | 7}
	if _, err := des.Feed(buf); err == nil {
		t.Fatalf("expected error for fmt3 on unseen csid")
	}
}

func TestMessageTooLargeRejected(t *testing.T) {
	des := NewDeserializer()
	des.SetMaxMessageBytes(16)

	ser := NewSerializer()
	p := message.Payload{Timestamp: 0, TypeID: message.TypeAmf0Data, MessageStreamID: 1, Data: bytes.Repeat([]byte{1}, 32)}
	pkt, err := ser.Serialize(p, true, false)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := des.Feed(pkt.Bytes); err == nil {
		t.Fatalf("expected message-too-large error")
	}
}
