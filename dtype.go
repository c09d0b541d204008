package pdc

import (
	"encoding/binary"
	"math"
	"strings"
)

// DataType is the element type of an object.
type DataType uint8

const (
	Unknown DataType = iota
	Int              // int32
	Float            // float32
	Double           // float64
	Char             // int8, used for text
	Int16
	Int8
	Uint8
	Uint16
	Uint // uint32
	Int64
	Uint64
)

var dataTypeNames = [...]string{
	Unknown: "unknown",
	Int:     "int",
	Float:   "float",
	Double:  "double",
	Char:    "char",
	Int16:   "int16",
	Int8:    "int8",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint:    "uint",
	Int64:   "int64",
	Uint64:  "uint64",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return "unknown"
}

// ParseDataType is the inverse of String.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(s)
	for i, n := range dataTypeNames {
		if i != int(Unknown) && n == s {
			return DataType(i), nil
		}
	}
	return Unknown, NewErrInvalidArgument("unknown data type '%s'", s)
}

// Valid reports whether t names a concrete element type.
func (t DataType) Valid() bool {
	return t > Unknown && int(t) < len(dataTypeNames)
}

// Size returns the size in bytes of one element, or 0 for Unknown.
func (t DataType) Size() int {
	switch t {
	case Char, Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int, Float, Uint:
		return 4
	case Double, Int64, Uint64:
		return 8
	}
	return 0
}

// Float64 decodes the little-endian element at the start of b. Integer
// types above 2^53 lose precision; comparisons in the query engine are
// done on these float64 values.
func (t DataType) Float64(b []byte) float64 {
	switch t {
	case Char, Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint:
		return float64(binary.LittleEndian.Uint32(b))
	case Float:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Double:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	}
	return math.NaN()
}

// PutFloat64 encodes v as one little-endian element at the start of b,
// converting as Go's numeric conversions do.
func (t DataType) PutFloat64(b []byte, v float64) {
	switch t {
	case Char, Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = byte(v)
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Float:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Double:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

// DecodeValues decodes every element of data.
func (t DataType) DecodeValues(data []byte) []float64 {
	sz := t.Size()
	if sz == 0 {
		return nil
	}
	out := make([]float64, len(data)/sz)
	for i := range out {
		out[i] = t.Float64(data[i*sz:])
	}
	return out
}

// EncodeValues is the inverse of DecodeValues.
func (t DataType) EncodeValues(vals []float64) []byte {
	sz := t.Size()
	out := make([]byte, len(vals)*sz)
	for i, v := range vals {
		t.PutFloat64(out[i*sz:], v)
	}
	return out
}
