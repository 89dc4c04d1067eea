package chunk

import "github.com/driftloop/rtmp-go/internal/rtmp/timestamp"

// inboundState is the per-csid bookkeeping the deserializer needs to apply
// header compression and reassemble chunk-fragmented messages (§3
// "ChunkStream (inbound, per csid)").
type inboundState struct {
	msid          uint32
	typeID        uint8
	timestamp     timestamp.Timestamp
	messageLength uint32
	lastDelta     uint32
	hasExtended   bool

	buffer     []byte
	inProgress bool
}

// outboundState mirrors inboundState for the serializer (§3 "ChunkStream
// (outbound, per csid)").
type outboundState struct {
	msid          uint32
	typeID        uint8
	timestamp     timestamp.Timestamp
	messageLength uint32
	lastDelta     uint32
	hasExtended   bool
	initialized   bool
}
