// Package structure decodes fixed-size on-disk records from a declarative
// table of fields.
//
// A Schema lists each field's name, byte offset, byte length and how the
// bytes should be shown. Decode extracts every field from a block of bytes
// and returns them keyed by name. Multi-byte integers are little endian.
package structure

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Format controls how a field's bytes are interpreted.
type Format int

const (
	Uint  Format = iota // little-endian unsigned integer (1, 2, 4 or 8 bytes)
	Hex                 // integer shown in hexadecimal
	ASCII               // text, trailing NULs and spaces trimmed
	Bytes               // raw bytes shown in hex
)

func (f Format) String() string {
	switch f {
	case Uint:
		return "uint"
	case Hex:
		return "hex"
	case ASCII:
		return "ascii"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Field describes one field of a record.
type Field struct {
	Name   string
	Offset int
	Size   int
	Format Format
}

// Schema is an ordered list of fields.
type Schema []Field

// Size returns the number of bytes needed to decode every field.
func (s Schema) Size() int {
	n := 0
	for _, f := range s {
		n = max(n, f.Offset+f.Size)
	}
	return n
}

// Value is a decoded field.
type Value struct {
	Field Field
	Raw   []byte
}

// Uint returns the field as an unsigned integer. Fields wider than eight
// bytes return the low eight bytes.
func (v Value) Uint() uint64 {
	var buf [8]byte
	copy(buf[:], v.Raw)
	return binary.LittleEndian.Uint64(buf[:])
}

// Text returns the field as trimmed ASCII.
func (v Value) Text() string {
	return strings.TrimRight(string(v.Raw), "\x00 ")
}

func (v Value) String() string {
	switch v.Field.Format {
	case Hex:
		return "0x" + strconv.FormatUint(v.Uint(), 16)
	case ASCII:
		return strconv.Quote(v.Text())
	case Bytes:
		return hex.EncodeToString(v.Raw)
	}
	if v.Field.Size > 8 {
		return hex.EncodeToString(v.Raw)
	}
	return strconv.FormatUint(v.Uint(), 10)
}

// Decode extracts every field of schema from data. It fails if a field
// lies outside data or two fields share a name.
func Decode(schema Schema, data []byte) (map[string]Value, error) {
	values := make(map[string]Value, len(schema))
	for _, f := range schema {
		if f.Offset < 0 || f.Size <= 0 || f.Offset+f.Size > len(data) {
			return nil, fmt.Errorf("field %s [%d:%d] outside %d byte record", f.Name, f.Offset, f.Offset+f.Size, len(data))
		}
		if _, dup := values[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %s", f.Name)
		}
		raw := make([]byte, f.Size)
		copy(raw, data[f.Offset:f.Offset+f.Size])
		values[f.Name] = Value{Field: f, Raw: raw}
	}
	return values, nil
}
