package slack

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-restruct/restruct"
)

// Address locates one fragment of a hidden payload on the volume. Its
// binary form is the packed little-endian fields, 12 bytes.
type Address struct {
	Offset uint64
	Length uint32
}

// Manifest lists the fragments of a payload in payload order. It holds
// no path references, so it stays valid for as long as the slack itself is
// untouched.
type Manifest []Address

const addressSize = 12

// Len returns the payload length described by m.
func (m Manifest) Len() uint64 {
	var n uint64
	for _, a := range m {
		n += uint64(a.Length)
	}
	return n
}

// MarshalJSON encodes m as [[offset,length],...].
func (m Manifest) MarshalJSON() ([]byte, error) {
	pairs := make([][2]uint64, len(m))
	for i, a := range m {
		pairs[i] = [2]uint64{a.Offset, uint64(a.Length)}
	}
	return json.Marshal(pairs)
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var pairs [][2]uint64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}
	out := make(Manifest, len(pairs))
	for i, p := range pairs {
		if p[1] > 0xFFFFFFFF {
			return fmt.Errorf("decoding manifest: entry %d length %d out of range", i, p[1])
		}
		out[i] = Address{Offset: p[0], Length: uint32(p[1])}
	}
	*m = out
	return nil
}

// MarshalBinary encodes m as consecutive little-endian (u64 offset,
// u32 length) records.
func (m Manifest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, len(m)*addressSize)
	for i := range m {
		rec, err := restruct.Pack(binary.LittleEndian, &m[i])
		if err != nil {
			return nil, fmt.Errorf("encoding manifest entry %d: %w", i, err)
		}
		buf = append(buf, rec...)
	}
	return buf, nil
}

func (m *Manifest) UnmarshalBinary(data []byte) error {
	if len(data)%addressSize != 0 {
		return fmt.Errorf("decoding manifest: %d bytes is not a multiple of %d", len(data), addressSize)
	}
	out := make(Manifest, len(data)/addressSize)
	for i := range out {
		if err := restruct.Unpack(data[i*addressSize:(i+1)*addressSize], binary.LittleEndian, &out[i]); err != nil {
			return fmt.Errorf("decoding manifest entry %d: %w", i, err)
		}
	}
	*m = out
	return nil
}
