// ABOUTME: Typed scalar values attached to entities as properties
// ABOUTME: Closed tagged union with kind-aware equality and ordering

package value

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the payload carried by a Value.
// The numeric order of kinds is the cross-kind sort order.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNull
	KindBoolean
	KindInteger
	KindReal
	KindText
	KindBinary
	KindTimestamp
)

var kindNames = [...]string{"invalid", "null", "boolean", "integer", "real", "text", "binary", "timestamp"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind maps a kind name back to its Kind
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if i > 0 && name == s {
			return Kind(i), true
		}
	}
	return KindInvalid, false
}

// Value is an immutable typed scalar.
// The zero Value is invalid and is rejected wherever a property value is required.
type Value struct {
	kind Kind
	i    int64   // integer, boolean (0/1), timestamp (unix nanoseconds)
	f    float64 // real
	s    string  // text, binary
}

// Null returns the explicit absence marker
func Null() Value { return Value{kind: KindNull} }

// Bool creates a boolean value
func Bool(b bool) Value {
	v := Value{kind: KindBoolean}
	if b {
		v.i = 1
	}
	return v
}

// Int creates an integer value
func Int(i int64) Value { return Value{kind: KindInteger, i: i} }

// Real creates a real value. Negative zero and NaN payloads are canonicalized
// so that equality matches the stored encoding.
func Real(f float64) Value {
	switch {
	case math.IsNaN(f):
		f = math.NaN()
	case f == 0:
		f = 0
	}
	return Value{kind: KindReal, f: f}
}

// Text creates a text value
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Binary creates a binary value. The slice is copied.
func Binary(b []byte) Value { return Value{kind: KindBinary, s: string(b)} }

// Timestamps are stored as int64 unix nanoseconds
var (
	MinTime = time.Unix(0, math.MinInt64).UTC()
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

// Timestamp creates a timestamp value with nanosecond precision. Only times
// between MinTime and MaxTime (years 1677 to 2262) are representable; others
// yield an arbitrary instant. Of rejects them.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, i: t.UnixNano()} }

// Of converts a native Go value into a Value
func Of(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		if !t.IsValid() {
			return Value{}, ErrInvalid
		}
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case float32:
		return Real(float64(t)), nil
	case float64:
		return Real(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Binary(t), nil
	case time.Time:
		if t.Before(MinTime) || t.After(MaxTime) {
			return Value{}, fmt.Errorf("%w: timestamp %s outside %d to %d",
				ErrInvalid, t.Format(time.RFC3339), MinTime.Year(), MaxTime.Year())
		}
		return Timestamp(t), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
}

// MustOf is Of for literals known to be convertible
func MustOf(x any) Value {
	v, err := Of(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Kind returns the value's kind
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a payload (including Null)
func (v Value) IsValid() bool { return v.kind != KindInvalid && v.kind <= KindTimestamp }

// IsNull reports whether v is the explicit absence marker
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.i == 1, v.kind == KindBoolean }

func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInteger }

func (v Value) AsReal() (float64, bool) { return v.f, v.kind == KindReal }

func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsBinary returns a copy of the binary payload
func (v Value) AsBinary() ([]byte, bool) {
	if v.kind != KindBinary {
		return nil, false
	}
	return []byte(v.s), true
}

func (v Value) AsTime() (time.Time, bool) {
	if v.kind != KindTimestamp {
		return time.Time{}, false
	}
	return time.Unix(0, v.i).UTC(), true
}

// Interface returns the native Go representation of v
func (v Value) Interface() any {
	switch v.kind {
	case KindBoolean:
		return v.i == 1
	case KindInteger:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return v.s
	case KindBinary:
		return []byte(v.s)
	case KindTimestamp:
		t, _ := v.AsTime()
		return t
	default:
		return nil
	}
}

// Equal reports kind-aware equality. Values of different kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindReal:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindText, KindBinary:
		return v.s == o.s
	default:
		return v.i == o.i
	}
}

// Compare orders values by kind first, then by payload
func (v Value) Compare(o Value) int {
	if c := cmp.Compare(v.kind, o.kind); c != 0 {
		return c
	}
	switch v.kind {
	case KindReal:
		return cmp.Compare(v.f, o.f)
	case KindText:
		return strings.Compare(v.s, o.s)
	case KindBinary:
		return bytes.Compare([]byte(v.s), []byte(o.s))
	default:
		return cmp.Compare(v.i, o.i)
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBoolean:
		return strconv.FormatBool(v.i == 1)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.s)
	case KindBinary:
		return "0x" + hex.EncodeToString([]byte(v.s))
	case KindTimestamp:
		t, _ := v.AsTime()
		return t.Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}
