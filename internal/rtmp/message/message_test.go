package message

import (
	"reflect"
	"testing"

	"github.com/driftloop/rtmp-go/internal/rtmp/amf"
	"github.com/driftloop/rtmp-go/internal/rtmp/timestamp"
)

func roundTrip(t *testing.T, m RtmpMessage) RtmpMessage {
	t.Helper()
	p, err := FromMessage(m, timestamp.Timestamp(123), 1)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	got, err := ToMessage(p)
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	return got
}

func TestRoundTripSetChunkSize(t *testing.T) {
	m := SetChunkSize{Size: 4096}
	if got := roundTrip(t, m); got != m {
		t.Fatalf("got %+v want %+v", got, m)
	}
}

func TestRoundTripSetChunkSizeHighBitMasked(t *testing.T) {
	m := SetChunkSize{Size: 0x80001000}
	got := roundTrip(t, m).(SetChunkSize)
	if got.Size != 0x1000 {
		t.Fatalf("expected high bit masked, got %#x", got.Size)
	}
}

func TestRoundTripUserControlVariants(t *testing.T) {
	cases := []UserControl{
		{EventType: UCStreamBegin, StreamID: 7},
		{EventType: UCStreamEof, StreamID: 7},
		{EventType: UCStreamDry, StreamID: 7},
		{EventType: UCStreamIsRecorded, StreamID: 7},
		{EventType: UCSetBufferLength, StreamID: 7, BufferLength: 3000},
		{EventType: UCPingRequest, Timestamp: 555},
		{EventType: UCPingResponse, Timestamp: 555},
	}
	for _, c := range cases {
		if got := roundTrip(t, c); got != c {
			t.Fatalf("event %d: got %+v want %+v", c.EventType, got, c)
		}
	}
}

func TestDecodeUserControlUnknownEventFails(t *testing.T) {
	_, err := Decode(TypeUserControl, []byte{0x00, 0x63})
	if err == nil {
		t.Fatalf("expected error for unknown user control event")
	}
}

func TestRoundTripSetPeerBandwidth(t *testing.T) {
	m := SetPeerBandwidth{Size: 2_500_000, LimitType: LimitDynamic}
	if got := roundTrip(t, m); got != m {
		t.Fatalf("got %+v want %+v", got, m)
	}
}

func TestDecodeSetPeerBandwidthInvalidLimitType(t *testing.T) {
	_, err := Decode(TypeSetPeerBandwidth, []byte{0, 0, 0, 1, 9})
	if err == nil {
		t.Fatalf("expected error for invalid limit type")
	}
}

func TestRoundTripAudioVideoOpaque(t *testing.T) {
	a := AudioData{Data: []byte{0xAF, 0x01, 0x02}}
	if got := roundTrip(t, a); !reflect.DeepEqual(got, RtmpMessage(a)) {
		t.Fatalf("got %+v want %+v", got, a)
	}
	v := VideoData{Data: []byte{0x17, 0x01, 0x02}}
	if got := roundTrip(t, v); !reflect.DeepEqual(got, RtmpMessage(v)) {
		t.Fatalf("got %+v want %+v", got, v)
	}
}

func TestRoundTripAmf0Command(t *testing.T) {
	m := Amf0Command{
		CommandName:         "connect",
		TransactionID:       1,
		CommandObject:       map[string]interface{}{"app": "live"},
		AdditionalArguments: nil,
	}
	got := roundTrip(t, m).(Amf0Command)
	if got.CommandName != m.CommandName || got.TransactionID != m.TransactionID {
		t.Fatalf("got %+v want %+v", got, m)
	}
	if !reflect.DeepEqual(got.CommandObject, m.CommandObject) {
		t.Fatalf("command object mismatch: got %+v want %+v", got.CommandObject, m.CommandObject)
	}
}

func TestRoundTripAmf0Data(t *testing.T) {
	m := Amf0Data{Values: []interface{}{"onMetaData", amf.EcmaArray{"width": float64(1920)}}}
	got := roundTrip(t, m).(Amf0Data)
	if !reflect.DeepEqual(got.Values, m.Values) {
		t.Fatalf("got %+v want %+v", got.Values, m.Values)
	}
}

func TestUnknownPassThrough(t *testing.T) {
	u := Unknown{OriginalTypeID: 200, Data: []byte{1, 2, 3}}
	p, err := FromMessage(u, timestamp.Timestamp(1), 1)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	if p.TypeID != 200 {
		t.Fatalf("expected original type id preserved, got %d", p.TypeID)
	}
	got, err := ToMessage(p)
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	gotU, ok := got.(Unknown)
	if !ok || gotU.OriginalTypeID != 200 || !reflect.DeepEqual(gotU.Data, u.Data) {
		t.Fatalf("got %+v want %+v", got, u)
	}
}

func TestAmf3DataQuirk(t *testing.T) {
	body, err := amf.EncodeAll("onMetaData", amf.EcmaArray{"width": float64(1920)})
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	p := Payload{TypeID: TypeAmf3DataQuirk, Data: body, Timestamp: 0, MessageStreamID: 1}
	got, err := ToMessage(p)
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	data, ok := got.(Amf0Data)
	if !ok {
		t.Fatalf("expected Amf0Data, got %T", got)
	}
	if data.Values[0] != "onMetaData" {
		t.Fatalf("unexpected first value: %v", data.Values[0])
	}
}

func TestAmf3CommandQuirkWithZeroPrefix(t *testing.T) {
	body, err := amf.EncodeAll("play", float64(0), nil, "key")
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	prefixed := append([]byte{0x00}, body...)
	p := Payload{TypeID: TypeAmf3CommandQuirk, Data: prefixed}
	got, err := ToMessage(p)
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	cmd, ok := got.(Amf0Command)
	if !ok {
		t.Fatalf("expected Amf0Command, got %T", got)
	}
	if cmd.CommandName != "play" {
		t.Fatalf("unexpected command name %q", cmd.CommandName)
	}
}

func TestAmf3CommandQuirkWithoutPrefix(t *testing.T) {
	body, err := amf.EncodeAll("play", float64(0), nil, "key")
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	p := Payload{TypeID: TypeAmf3CommandQuirk, Data: body}
	got, err := ToMessage(p)
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	if got.(Amf0Command).CommandName != "play" {
		t.Fatalf("unexpected decode result: %+v", got)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	_, err := NewPayload(0, TypeAudioData, 1, make([]byte, MaxBodyLength+1))
	if err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}
