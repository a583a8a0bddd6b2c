// ABOUTME: Order-preserving encoding for values and composite keys
// ABOUTME: Encoded tuples sort the same way Compare orders the values

package value

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode appends the order-preserving encoding of vals to dst.
// Each value is tagged with its kind; a tuple encoding is a prefix of any
// longer tuple that starts with the same values, which makes prefix scans work.
func Encode(dst []byte, vals ...Value) []byte {
	for _, v := range vals {
		if !v.IsValid() {
			panic(fmt.Sprintf("value: encode invalid kind %d", v.kind))
		}
		dst = append(dst, byte(v.kind))

		switch v.kind {
		case KindNull:
			// Tag only

		case KindBoolean:
			dst = append(dst, byte(v.i))

		case KindInteger, KindTimestamp:
			// Flip sign bit for proper ordering
			dst = binary.BigEndian.AppendUint64(dst, uint64(v.i)^(1<<63))

		case KindReal:
			// Positive: set the sign bit. Negative: flip every bit.
			bits := math.Float64bits(v.f)
			if bits&(1<<63) == 0 {
				bits |= 1 << 63
			} else {
				bits = ^bits
			}
			dst = binary.BigEndian.AppendUint64(dst, bits)

		case KindText, KindBinary:
			// Escape and null-terminate
			dst = appendEscaped(dst, v.s)
			dst = append(dst, 0)
		}
	}
	return dst
}

// EncodeKey encodes vals into a fresh key
func EncodeKey(vals ...Value) []byte {
	return Encode(make([]byte, 0, 64), vals...)
}

// appendEscaped escapes 0x00 and 0x01 so the terminator never appears
// inside a string: 0x00 -> 0x01 0x01, 0x01 -> 0x01 0x02.
func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case 0x00, 0x01:
			dst = append(dst, 0x01, b+1)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// DecodeOne decodes the first value in data and returns the number of bytes consumed
func DecodeOne(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	kind := Kind(data[0])
	pos := 1

	switch kind {
	case KindNull:
		return Null(), pos, nil

	case KindBoolean:
		if pos+1 > len(data) {
			return Value{}, 0, fmt.Errorf("%w: incomplete boolean at pos %d", ErrMalformed, pos)
		}
		return Bool(data[pos] == 1), pos + 1, nil

	case KindInteger, KindTimestamp:
		if pos+8 > len(data) {
			return Value{}, 0, fmt.Errorf("%w: incomplete %s at pos %d", ErrMalformed, kind, pos)
		}
		i := int64(binary.BigEndian.Uint64(data[pos:]) ^ (1 << 63))
		return Value{kind: kind, i: i}, pos + 8, nil

	case KindReal:
		if pos+8 > len(data) {
			return Value{}, 0, fmt.Errorf("%w: incomplete real at pos %d", ErrMalformed, pos)
		}
		bits := binary.BigEndian.Uint64(data[pos:])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return Real(math.Float64frombits(bits)), pos + 8, nil

	case KindText, KindBinary:
		out := make([]byte, 0, len(data)-pos)
		for ; pos < len(data); pos++ {
			b := data[pos]
			if b == 0 {
				return Value{kind: kind, s: string(out)}, pos + 1, nil
			}
			if b == 0x01 {
				pos++
				if pos >= len(data) || data[pos] < 1 || data[pos] > 2 {
					return Value{}, 0, fmt.Errorf("%w: bad escape at pos %d", ErrMalformed, pos)
				}
				b = data[pos] - 1
			}
			out = append(out, b)
		}
		return Value{}, 0, fmt.Errorf("%w: unterminated %s", ErrMalformed, kind)

	default:
		return Value{}, 0, fmt.Errorf("%w: unknown kind %d", ErrMalformed, data[0])
	}
}

// Decode decodes every value in data
func Decode(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	for pos := 0; pos < len(data); {
		v, n, err := DecodeOne(data[pos:])
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		pos += n
	}
	return vals, nil
}
