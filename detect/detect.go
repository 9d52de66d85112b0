// Package detect tells which filesystem family or partition table an
// image starts with. The exact variant (FAT12 or FAT32, ext2 or ext4) is
// left to the backend that opens the volume.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type is what an image starts with.
type Type int

const (
	Unknown Type = iota
	FAT
	NTFS
	Ext
	MBR // Master Boot Record partition table
	GPT // GUID Partition Table
)

func (t Type) String() string {
	switch t {
	case FAT:
		return "FAT"
	case NTFS:
		return "NTFS"
	case Ext:
		return "ext"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	default:
		return "unknown"
	}
}

// IsPartitionTable reports whether t is a partition table rather than a
// filesystem.
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

const (
	sectorSize   = 512
	extMagicOff  = 1024 + 0x38
	extMagic     = 0xEF53
	mbrTableOff  = 446
	mbrEntrySize = 16
)

// Detect sniffs the first sectors of r.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 2048)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	if n < sectorSize {
		return Unknown, fmt.Errorf("image too small: %d bytes", n)
	}
	header = header[:n]

	switch {
	case n >= 2*sectorSize && bytes.Equal(header[sectorSize:sectorSize+8], []byte("EFI PART")):
		return GPT, nil
	case bytes.Equal(header[3:11], []byte("NTFS    ")):
		return NTFS, nil
	case n >= extMagicOff+2 && binary.LittleEndian.Uint16(header[extMagicOff:]) == extMagic:
		return Ext, nil
	case header[510] != 0x55 || header[511] != 0xAA:
		return Unknown, nil
	case isBPB(header):
		return FAT, nil
	case hasPartitions(header):
		return MBR, nil
	}
	return Unknown, nil
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// isBPB reports whether sector 0 carries a plausible FAT BIOS parameter
// block: a jump instruction and sane geometry.
func isBPB(b []byte) bool {
	if !(b[0] == 0xEB && b[2] == 0x90) && b[0] != 0xE9 {
		return false
	}
	bps := uint32(binary.LittleEndian.Uint16(b[11:13]))
	spc := uint32(b[13])
	reserved := binary.LittleEndian.Uint16(b[14:16])
	fats := b[16]
	return bps >= 512 && bps <= 4096 && isPow2(bps) && isPow2(spc) && reserved > 0 && (fats == 1 || fats == 2)
}

// hasPartitions reports whether the MBR table holds at least one entry
// with a valid boot flag, a type and a non-empty range.
func hasPartitions(b []byte) bool {
	for i := 0; i < 4; i++ {
		e := b[mbrTableOff+i*mbrEntrySize:]
		if e[0] != 0x00 && e[0] != 0x80 {
			return false
		}
		if e[4] != 0 && binary.LittleEndian.Uint32(e[8:]) > 0 && binary.LittleEndian.Uint32(e[12:]) > 0 {
			return true
		}
	}
	return false
}
