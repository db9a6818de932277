// Package value implements CannonDB's tagged-union value codec: the
// handful of scalar and composite types a key or a stored value may
// hold, and their deterministic encoding to self-delimiting bytes.
package value

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Kind tags the variant carried by a Value.
type Kind byte

const (
	KindInt   Kind = 0x01
	KindFloat Kind = 0x02
	KindText  Kind = 0x03
	KindUUID  Kind = 0x04
	KindMap   Kind = 0x05
	KindList  Kind = 0x06
)

// MaxDepth bounds recursion when decoding nested Map/List values, per
// spec's suggested cap on pathological nesting.
const MaxDepth = 32

var (
	// ErrInvalidEncoding is returned when bytes don't match any known
	// tag/length, or nesting exceeds MaxDepth.
	ErrInvalidEncoding = errors.New("value: invalid encoding")
)

// MapEntry is one (key, value) pair of a Map. Entries are kept in the
// order they were constructed; encoding preserves that order, so two
// Maps with the same pairs in different orders encode to different
// bytes and compare as distinct keys (see DESIGN.md open question).
type MapEntry struct {
	Key   string
	Value Value
}

// Value is a closed sum type over CannonDB's supported scalar and
// composite variants. Only the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	UUID  uuid.UUID
	Map   []MapEntry
	List  []Value
}

func Int(v int64) Value      { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value  { return Value{Kind: KindFloat, Float: v} }
func Text(v string) Value    { return Value{Kind: KindText, Text: v} }
func UUIDValue(v uuid.UUID) Value { return Value{Kind: KindUUID, UUID: v} }
func Map(entries []MapEntry) Value { return Value{Kind: KindMap, Map: entries} }
func List(items []Value) Value     { return Value{Kind: KindList, List: items} }

// Encode serializes v into its self-delimiting wire form (spec.md §4.A).
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: nesting exceeds %d", ErrInvalidEncoding, MaxDepth)
	}

	switch v.Kind {
	case KindInt:
		buf.WriteByte(byte(KindInt))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		buf.Write(b[:])
	case KindFloat:
		buf.WriteByte(byte(KindFloat))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf.Write(b[:])
	case KindText:
		buf.WriteByte(byte(KindText))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Text)))
		buf.Write(lenBuf[:])
		buf.WriteString(v.Text)
	case KindUUID:
		buf.WriteByte(byte(KindUUID))
		buf.Write(v.UUID[:])
	case KindMap:
		buf.WriteByte(byte(KindMap))
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(v.Map)))
		buf.Write(countBuf[:])
		for _, entry := range v.Map {
			if err := encode(buf, Text(entry.Key), depth+1); err != nil {
				return err
			}
			if err := encode(buf, entry.Value, depth+1); err != nil {
				return err
			}
		}
	case KindList:
		buf.WriteByte(byte(KindList))
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(v.List)))
		buf.Write(countBuf[:])
		for _, item := range v.List {
			if err := encode(buf, item, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %#x", ErrInvalidEncoding, byte(v.Kind))
	}
	return nil
}

// Decode parses the self-delimiting encoding of a single value out of
// b. The entire slice must be consumed; trailing bytes are an error.
func Decode(b []byte) (Value, error) {
	v, n, err := decode(b, 0)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidEncoding, len(b)-n)
	}
	return v, nil
}

// decode parses one value from the front of b, returning the value and
// the number of bytes consumed.
func decode(b []byte, depth int) (Value, int, error) {
	if depth > MaxDepth {
		return Value{}, 0, fmt.Errorf("%w: nesting exceeds %d", ErrInvalidEncoding, MaxDepth)
	}
	if len(b) < 1 {
		return Value{}, 0, fmt.Errorf("%w: empty buffer", ErrInvalidEncoding)
	}

	kind := Kind(b[0])
	rest := b[1:]

	switch kind {
	case KindInt:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("%w: truncated int", ErrInvalidEncoding)
		}
		return Int(int64(binary.BigEndian.Uint64(rest[:8]))), 9, nil

	case KindFloat:
		if len(rest) < 8 {
			return Value{}, 0, fmt.Errorf("%w: truncated float", ErrInvalidEncoding)
		}
		bits := binary.BigEndian.Uint64(rest[:8])
		return Float(math.Float64frombits(bits)), 9, nil

	case KindText:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("%w: truncated text length", ErrInvalidEncoding)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return Value{}, 0, fmt.Errorf("%w: truncated text", ErrInvalidEncoding)
		}
		return Text(string(rest[:n])), 1 + 4 + int(n), nil

	case KindUUID:
		if len(rest) < 16 {
			return Value{}, 0, fmt.Errorf("%w: truncated uuid", ErrInvalidEncoding)
		}
		var u uuid.UUID
		copy(u[:], rest[:16])
		return UUIDValue(u), 1 + 16, nil

	case KindMap:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("%w: truncated map count", ErrInvalidEncoding)
		}
		count := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		consumed := 1 + 4
		entries := make([]MapEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			keyVal, kn, err := decode(rest, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			if keyVal.Kind != KindText {
				return Value{}, 0, fmt.Errorf("%w: map key not text", ErrInvalidEncoding)
			}
			rest = rest[kn:]
			consumed += kn

			val, vn, err := decode(rest, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			rest = rest[vn:]
			consumed += vn

			entries = append(entries, MapEntry{Key: keyVal.Text, Value: val})
		}
		return Map(entries), consumed, nil

	case KindList:
		if len(rest) < 4 {
			return Value{}, 0, fmt.Errorf("%w: truncated list count", ErrInvalidEncoding)
		}
		count := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		consumed := 1 + 4
		items := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			item, n, err := decode(rest, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			rest = rest[n:]
			consumed += n
			items = append(items, item)
		}
		return List(items), consumed, nil

	default:
		return Value{}, 0, fmt.Errorf("%w: unknown tag %#x", ErrInvalidEncoding, byte(kind))
	}
}

// Compare implements the total order over encoded values used by the
// B-tree: unequal tags compare by tag number; equal tags compare by
// payload (numeric for int/float, lexicographic for text/uuid,
// lexicographic-of-encoded-bytes for composites).
func Compare(a, b []byte) int {
	if len(a) == 0 || len(b) == 0 {
		return bytes.Compare(a, b)
	}
	tagA, tagB := a[0], b[0]
	if tagA != tagB {
		if tagA < tagB {
			return -1
		}
		return 1
	}

	switch Kind(tagA) {
	case KindInt:
		ai := int64(binary.BigEndian.Uint64(a[1:9]))
		bi := int64(binary.BigEndian.Uint64(b[1:9]))
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	case KindFloat:
		af := math.Float64frombits(binary.BigEndian.Uint64(a[1:9]))
		bf := math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case KindText:
		lenA := binary.BigEndian.Uint32(a[1:5])
		lenB := binary.BigEndian.Uint32(b[1:5])
		return bytes.Compare(a[5:5+lenA], b[5:5+lenB])
	case KindUUID:
		return bytes.Compare(a[1:], b[1:])
	default:
		// Map, List: lexicographic over the full encoded payload.
		return bytes.Compare(a[1:], b[1:])
	}
}
