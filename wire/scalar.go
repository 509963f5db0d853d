package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DecodeInt8 parses a column value as a 64-bit integer, honoring the
// column's format code. Used by the merger's typed sort comparator.
func DecodeInt8(value []byte, format int16) (int64, error) {
	if format == 1 {
		if len(value) != 8 {
			return 0, fmt.Errorf("wire: binary int8 wrong length %d", len(value))
		}
		return int64(binary.BigEndian.Uint64(value)), nil
	}
	return strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
}

// DecodeInt4 parses a column value as a 32-bit integer.
func DecodeInt4(value []byte, format int16) (int32, error) {
	if format == 1 {
		if len(value) != 4 {
			return 0, fmt.Errorf("wire: binary int4 wrong length %d", len(value))
		}
		return int32(binary.BigEndian.Uint32(value)), nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 32)
	return int32(v), err
}

// DecodeFloat8 parses a column value as a double.
func DecodeFloat8(value []byte, format int16) (float64, error) {
	if format == 1 {
		if len(value) != 8 {
			return 0, fmt.Errorf("wire: binary float8 wrong length %d", len(value))
		}
		return math.Float64frombits(binary.BigEndian.Uint64(value)), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(string(value)), 64)
}

// DecodeUUID parses a column value as a UUID, in either text
// (xxxxxxxx-xxxx-...) or binary (16 raw bytes) form.
func DecodeUUID(value []byte, format int16) (uuid.UUID, error) {
	if format == 1 {
		return uuid.FromBytes(value)
	}
	return uuid.Parse(strings.TrimSpace(string(value)))
}

// DecodeVector parses a pgvector column value, text form "[1,2,3]" or
// binary form (dim uint16, unused uint16, then float32 per dimension).
func DecodeVector(value []byte, format int16) ([]float32, error) {
	if format == 1 {
		if len(value) < 4 {
			return nil, fmt.Errorf("wire: binary vector truncated")
		}
		dim := int(binary.BigEndian.Uint16(value[0:2]))
		rest := value[4:]
		if len(rest) < dim*4 {
			return nil, fmt.Errorf("wire: binary vector data truncated")
		}
		out := make([]float32, dim)
		for i := 0; i < dim; i++ {
			bits := binary.BigEndian.Uint32(rest[i*4 : i*4+4])
			out[i] = math.Float32frombits(bits)
		}
		return out, nil
	}
	s := strings.TrimSpace(string(value))
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("wire: malformed vector element %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// EncodeText encodes a string as a text-format column value.
func EncodeText(s string) []byte {
	return []byte(s)
}

// EncodeInt8Text encodes an int64 as a text-format column value, the
// format the merger's synthesized aggregate rows use.
func EncodeInt8Text(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

// EncodeFloat8Text encodes a float64 as a text-format column value.
func EncodeFloat8Text(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'g', -1, 64))
}
