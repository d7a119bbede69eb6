package rwire

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// Encapsulation identifiers for serialized payloads.
const (
	// Opaque bytes as produced by the type support.
	EncapsulationRaw uint16 = 0x0000

	// Vendor-specific: snappy-compressed opaque bytes.
	EncapsulationSnappy uint16 = 0x8001
)

// MaxDecodedPayload bounds the size of a decompressed payload.
const MaxDecodedPayload = 64 << 20

// CompressThreshold is the smallest payload for which compression is attempted.
const CompressThreshold = 512

const encapsulationLen = 4

// AppendPayload appends the encapsulated form of payload to dst.
//
// Payloads of at least [CompressThreshold] bytes are snappy-compressed
// when that is smaller than the raw bytes; otherwise they are sent raw.
func AppendPayload(dst, payload []byte) []byte {
	if len(payload) >= CompressThreshold {
		enc := snappy.Encode(nil, payload)
		if len(enc) < len(payload) {
			dst = binary.BigEndian.AppendUint16(dst, EncapsulationSnappy)
			dst = append(dst, 0, 0)
			return append(dst, enc...)
		}
	}
	dst = binary.BigEndian.AppendUint16(dst, EncapsulationRaw)
	dst = append(dst, 0, 0)
	return append(dst, payload...)
}

// EncapsulatedLen returns an upper bound on the size AppendPayload produces.
func EncapsulatedLen(payloadLen int) int {
	return encapsulationLen + payloadLen
}

// DecodePayload strips the encapsulation header from b.
// A raw payload aliases b; a compressed one is newly allocated.
func DecodePayload(b []byte) ([]byte, error) {
	if len(b) < encapsulationLen {
		return nil, fmt.Errorf("%w: serialized payload shorter than encapsulation header", ErrMalformed)
	}
	id := binary.BigEndian.Uint16(b)
	body := b[encapsulationLen:]
	switch id {
	case EncapsulationSnappy:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("%w: bad compressed payload: %w", ErrMalformed, err)
		}
		if n > MaxDecodedPayload {
			return nil, fmt.Errorf("%w: compressed payload expands to %d bytes", ErrMalformed, n)
		}
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decompress payload: %w", ErrMalformed, err)
		}
		return out, nil
	default:
		// Any other representation is passed through to the type support.
		return body, nil
	}
}
