package pdc

import (
	"encoding/binary"
	"math"

	"github.com/hpc-io/pdc-sub007/errors"
)

// TagType describes how a tag value should be interpreted.
type TagType uint8

const (
	TagBytes TagType = iota
	TagString
	TagInt64
	TagUint64
	TagDouble
)

// KVTag is a self-describing key/value pair attached to an object.
// Multi-byte scalar values are stored little-endian.
type KVTag struct {
	Name  string  `json:"name"`
	Type  TagType `json:"type"`
	Value []byte  `json:"value"`
}

func StringTag(name, v string) KVTag {
	return KVTag{Name: name, Type: TagString, Value: []byte(v)}
}

func Int64Tag(name string, v int64) KVTag {
	return KVTag{Name: name, Type: TagInt64, Value: AppendUint64LE(nil, uint64(v))}
}

func Uint64Tag(name string, v uint64) KVTag {
	return KVTag{Name: name, Type: TagUint64, Value: AppendUint64LE(nil, v)}
}

func DoubleTag(name string, v float64) KVTag {
	return KVTag{Name: name, Type: TagDouble, Value: AppendUint64LE(nil, math.Float64bits(v))}
}

// Int64 returns the value of an integer tag.
func (t KVTag) Int64() (int64, error) {
	if (t.Type != TagInt64 && t.Type != TagUint64) || len(t.Value) != 8 {
		return 0, NewErrInvalidArgument("tag '%s' is not an integer", t.Name)
	}
	return int64(Uint64LE(t.Value)), nil
}

// Double returns the value of a floating point tag.
func (t KVTag) Double() (float64, error) {
	if t.Type != TagDouble || len(t.Value) != 8 {
		return 0, NewErrInvalidArgument("tag '%s' is not a double", t.Name)
	}
	return math.Float64frombits(Uint64LE(t.Value)), nil
}

// Equal reports whether two tags are identical.
func (t KVTag) Equal(o KVTag) bool {
	return t.Name == o.Name && t.Type == o.Type && string(t.Value) == string(o.Value)
}

// EncodedSize returns the length of the encoding of t.
func (t KVTag) EncodedSize() int {
	return 4 + len(t.Name) + 1 + 4 + len(t.Value)
}

// AppendKVTag appends the encoding of t to b:
// name_len:u32 | name | type:u8 | size:u32 | value.
func AppendKVTag(b []byte, t KVTag) []byte {
	b = AppendUint32LE(b, uint32(len(t.Name)))
	b = append(b, t.Name...)
	b = append(b, byte(t.Type))
	b = AppendUint32LE(b, uint32(len(t.Value)))
	return append(b, t.Value...)
}

// DecodeKVTag decodes one tag from the start of b and returns the number
// of bytes consumed.
func DecodeKVTag(b []byte) (KVTag, int, error) {
	var t KVTag
	if len(b) < 4 {
		return t, 0, errors.New(ErrCorrupt, "kvtag: short name length")
	}
	n := int(Uint32LE(b))
	pos := 4
	if n < 0 || len(b)-pos < n+5 {
		return t, 0, errors.New(ErrCorrupt, "kvtag: short name")
	}
	t.Name = string(b[pos : pos+n])
	pos += n
	t.Type = TagType(b[pos])
	pos++
	sz := int(Uint32LE(b[pos:]))
	pos += 4
	if sz < 0 || len(b)-pos < sz {
		return t, 0, errors.New(ErrCorrupt, "kvtag: short value")
	}
	t.Value = append([]byte(nil), b[pos:pos+sz]...)
	return t, pos + sz, nil
}

// Explicit little-endian scalar helpers. These are the only byte order
// used on the wire and on disk.

func AppendUint16LE(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func AppendUint32LE(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func AppendUint64LE(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }
func Uint16LE(b []byte) uint16                 { return binary.LittleEndian.Uint16(b) }
func Uint32LE(b []byte) uint32                 { return binary.LittleEndian.Uint32(b) }
func Uint64LE(b []byte) uint64                 { return binary.LittleEndian.Uint64(b) }
