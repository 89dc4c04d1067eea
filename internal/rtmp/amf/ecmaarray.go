package amf

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	amferrors "github.com/driftloop/rtmp-go/internal/errors"
)

// markerEcmaArray is the AMF0 type marker for the ECMA (associative) array (0x08).
// Wire format mirrors Object but carries a 4-byte element-count hint ahead of the
// key/value pairs; the decoder reads the count and ignores it, reading pairs up to
// the end sentinel instead, since real encoders frequently leave it at zero.
const markerEcmaArray = 0x08

// EcmaArray is an AMF0 associative array: wire-compatible with Object except for
// its marker byte and the leading element count. Distinguished from Object as a
// Go type because command objects (e.g. "onMetaData" properties) are conventionally
// emitted as EcmaArray by real encoders even though the key/value shape is identical.
type EcmaArray map[string]interface{}

// EncodeEcmaArray writes v to w using the 0x08 marker, a 4-byte count, the
// key/value pairs in lexicographic key order (for deterministic output), and
// the standard 0x00 0x00 0x09 end sentinel.
func EncodeEcmaArray(w io.Writer, v EcmaArray) error {
	var hdr [1 + 4]byte
	hdr[0] = markerEcmaArray
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(v)))
	if _, err := w.Write(hdr[:]); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.header.write", err)
	}

	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var klen [2]byte
	for _, k := range keys {
		kb := []byte(k)
		if len(kb) > 0xFFFF {
			return amferrors.NewAMFError("encode.ecmaarray.key.length", fmt.Errorf("key '%s' length %d exceeds 65535", k, len(kb)))
		}
		binary.BigEndian.PutUint16(klen[:], uint16(len(kb)))
		if _, err := w.Write(klen[:]); err != nil {
			return amferrors.NewAMFError("encode.ecmaarray.key.length.write", err)
		}
		if len(kb) > 0 {
			if _, err := w.Write(kb); err != nil {
				return amferrors.NewAMFError("encode.ecmaarray.key.write", err)
			}
		}
		if err := encodeAny(w, v[k]); err != nil {
			return amferrors.NewAMFError("encode.ecmaarray.value", fmt.Errorf("key '%s': %w", k, err))
		}
	}

	if _, err := w.Write([]byte{0x00, 0x00, markerObjectEnd}); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.end.write", err)
	}
	return nil
}

// DecodeEcmaArray decodes an AMF0 ECMA array from r. It expects the marker 0x08
// at the current reader position, already consumed by the caller's dispatch.
func DecodeEcmaArray(r io.Reader) (EcmaArray, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.count.read", err)
	}

	out := make(EcmaArray)
	for {
		var klenBuf [2]byte
		if _, err := io.ReadFull(r, klenBuf[:]); err != nil {
			return nil, amferrors.NewAMFError("decode.ecmaarray.key.length.read", err)
		}
		klen := binary.BigEndian.Uint16(klenBuf[:])
		if klen == 0 {
			var end [1]byte
			if _, err := io.ReadFull(r, end[:]); err != nil {
				return nil, amferrors.NewAMFError("decode.ecmaarray.end.read", err)
			}
			if end[0] != markerObjectEnd {
				return nil, amferrors.NewAMFError("decode.ecmaarray.end.marker", fmt.Errorf("expected 0x%02x got 0x%02x", markerObjectEnd, end[0]))
			}
			break
		}
		keyBytes := make([]byte, klen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, amferrors.NewAMFError("decode.ecmaarray.key.read", err)
		}
		key := string(keyBytes)

		var valMarker [1]byte
		if _, err := io.ReadFull(r, valMarker[:]); err != nil {
			return nil, amferrors.NewAMFError("decode.ecmaarray.value.marker.read", err)
		}
		val, err := decodeValueWithMarker(valMarker[0], r)
		if err != nil {
			return nil, amferrors.NewAMFError("decode.ecmaarray.value", fmt.Errorf("key '%s': %w", key, err))
		}
		out[key] = val
	}
	return out, nil
}
