// Package timestamp implements RTMP's 32-bit wrapping millisecond timestamp
// arithmetic (C1), shared by the chunk codec and the session state machines.
package timestamp

// Timestamp is a 32-bit unsigned millisecond counter that wraps modulo 2^32.
type Timestamp uint32

// Add returns t + delta, wrapped modulo 2^32.
func (t Timestamp) Add(delta uint32) Timestamp {
	return Timestamp(uint32(t) + delta)
}

// Sub returns the signed logical distance from other to t: the value d in
// [-2^31, 2^31) such that t = other + d (mod 2^32). This is what lets two
// wrapped counters be compared meaningfully across a wraparound boundary.
func (t Timestamp) Sub(other Timestamp) int32 {
	return int32(uint32(t) - uint32(other))
}

// Before reports whether t logically precedes other, using wraparound-safe
// subtraction rather than raw numeric comparison.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Sub(other) < 0
}

// Equal reports raw equality against another Timestamp.
func (t Timestamp) Equal(other Timestamp) bool {
	return t == other
}

// EqualUint32 reports raw equality against a plain integer value.
func (t Timestamp) EqualUint32(v uint32) bool {
	return uint32(t) == v
}

// Uint32 returns the raw wrapped value.
func (t Timestamp) Uint32() uint32 {
	return uint32(t)
}
