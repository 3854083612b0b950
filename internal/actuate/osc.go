package actuate

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeMessage renders an OSC 1.0 message: the padded address, the
// padded type-tag string, then each argument in big-endian order.
// Supported argument types are int, int32, float32, float64 (sent as
// float32), string, and bool (encoded in the tag string only).
func encodeMessage(address string, args ...any) ([]byte, error) {
	if address == "" || address[0] != '/' {
		return nil, fmt.Errorf("invalid osc address %q", address)
	}

	tags := []byte{','}
	var payload []byte

	for i, arg := range args {
		switch v := arg.(type) {
		case int:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("arg %d: int %d overflows int32", i, v)
			}
			tags = append(tags, 'i')
			payload = binary.BigEndian.AppendUint32(payload, uint32(int32(v)))
		case int32:
			tags = append(tags, 'i')
			payload = binary.BigEndian.AppendUint32(payload, uint32(v))
		case float32:
			tags = append(tags, 'f')
			payload = binary.BigEndian.AppendUint32(payload, math.Float32bits(v))
		case float64:
			tags = append(tags, 'f')
			payload = binary.BigEndian.AppendUint32(payload, math.Float32bits(float32(v)))
		case string:
			tags = append(tags, 's')
			payload = appendPadded(payload, v)
		case bool:
			if v {
				tags = append(tags, 'T')
			} else {
				tags = append(tags, 'F')
			}
		default:
			return nil, fmt.Errorf("arg %d: unsupported osc type %T", i, arg)
		}
	}

	buf := appendPadded(nil, address)
	buf = appendPadded(buf, string(tags))
	return append(buf, payload...), nil
}

// appendPadded appends s with a NUL terminator, padded to a four-byte
// boundary.
func appendPadded(buf []byte, s string) []byte {
	buf = append(buf, s...)
	pad := 4 - len(s)%4
	for range pad {
		buf = append(buf, 0)
	}
	return buf
}
