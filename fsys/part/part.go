// Package part provides partition table parsing.
// A partition is selected by name and exposed as a byte range of the
// underlying image, so a filesystem inside it can be opened on its own.
package part

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/c2h5oh/datasize"
	"github.com/go-restruct/restruct"
	uuid "github.com/satori/go.uuid"

	"github.com/lvdlvd/slacker/detect"
	"github.com/lvdlvd/slacker/fsys"
)

const sectorSize = 512

// Partition represents a single partition entry
type Partition struct {
	Index    int      // Partition index (0-based)
	Name     string   // Display name (e.g., "p0", "p1")
	Type     byte     // MBR partition type or 0 for GPT
	TypeGUID [16]byte // GPT type GUID, as stored on disk
	StartLBA uint64
	SizeLBA  uint64
	Bootable bool
	Label    string // GPT partition label (if available)
}

// SizeBytes returns the partition size in bytes
func (p *Partition) SizeBytes() int64 {
	return int64(p.SizeLBA) * sectorSize
}

// StartOffset returns the starting byte offset
func (p *Partition) StartOffset() int64 {
	return int64(p.StartLBA) * sectorSize
}

// Extent maps the partition's bytes onto the image.
func (p *Partition) Extent() fsys.Extent {
	return fsys.Extent{Logical: 0, Physical: p.StartOffset(), Length: p.SizeBytes()}
}

// Table is a parsed MBR or GPT partition table.
type Table struct {
	Type       detect.Type
	Partitions []*Partition
	size       int64
}

type mbrEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	StartLBA uint32
	SizeLBA  uint32
}

type mbr struct {
	Bootstrap [446]byte
	Entries   [4]mbrEntry
	Signature uint16
}

type gptHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC      uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC     uint32
}

type gptEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

// Open parses the partition table of an image of the given size.
func Open(r io.ReaderAt, size int64, tableType detect.Type) (*Table, error) {
	t := &Table{Type: tableType, size: size}

	var err error
	switch tableType {
	case detect.MBR:
		err = t.parseMBR(r)
	case detect.GPT:
		err = t.parseGPT(r)
	default:
		return nil, fmt.Errorf("unknown partition table type: %v", tableType)
	}
	if err != nil {
		return nil, err
	}

	for _, p := range t.Partitions {
		if p.StartOffset()+p.SizeBytes() > size {
			return nil, fsys.Corruptf("partition %s extends beyond image (%d > %d)", p.Name, p.StartOffset()+p.SizeBytes(), size)
		}
	}
	return t, nil
}

// parseMBR parses an MBR partition table
func (t *Table) parseMBR(r io.ReaderAt) error {
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return fmt.Errorf("reading MBR: %w", err)
	}
	var m mbr
	if err := restruct.Unpack(header, binary.LittleEndian, &m); err != nil {
		return fmt.Errorf("decoding MBR: %w", err)
	}
	if m.Signature != 0xAA55 {
		return fsys.Corruptf("invalid MBR signature %#04x", m.Signature)
	}

	for _, e := range m.Entries {
		if e.Type == 0 || e.StartLBA == 0 || e.SizeLBA == 0 {
			continue
		}
		t.Partitions = append(t.Partitions, &Partition{
			Index:    len(t.Partitions),
			Name:     fmt.Sprintf("p%d", len(t.Partitions)),
			Type:     e.Type,
			StartLBA: uint64(e.StartLBA),
			SizeLBA:  uint64(e.SizeLBA),
			Bootable: e.Status == 0x80,
		})
	}
	return nil
}

// parseGPT parses a GPT partition table
func (t *Table) parseGPT(r io.ReaderAt) error {
	// GPT header is at LBA 1
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, sectorSize); err != nil {
		return fmt.Errorf("reading GPT header: %w", err)
	}
	var h gptHeader
	if err := restruct.Unpack(header, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("decoding GPT header: %w", err)
	}
	if string(h.Signature[:]) != "EFI PART" {
		return fsys.Corruptf("invalid GPT signature")
	}
	if h.EntrySize < 128 {
		return fsys.Corruptf("invalid partition entry size: %d", h.EntrySize)
	}

	entryOffset := int64(h.EntriesLBA) * sectorSize
	raw := make([]byte, h.EntrySize)
	for i := uint32(0); i < h.NumEntries; i++ {
		if _, err := r.ReadAt(raw, entryOffset+int64(i)*int64(h.EntrySize)); err != nil {
			return fmt.Errorf("reading GPT entry %d: %w", i, err)
		}
		var e gptEntry
		if err := restruct.Unpack(raw[:128], binary.LittleEndian, &e); err != nil {
			return fmt.Errorf("decoding GPT entry %d: %w", i, err)
		}
		if e.TypeGUID == ([16]byte{}) {
			continue
		}
		if e.LastLBA < e.FirstLBA {
			return fsys.Corruptf("GPT entry %d ends before it starts", i)
		}

		t.Partitions = append(t.Partitions, &Partition{
			Index:    len(t.Partitions),
			Name:     fmt.Sprintf("p%d", len(t.Partitions)),
			TypeGUID: e.TypeGUID,
			StartLBA: e.FirstLBA,
			SizeLBA:  e.LastLBA - e.FirstLBA + 1,
			Label:    decodeUTF16LE(e.Name[:]),
		})
	}
	return nil
}

func decodeUTF16LE(data []byte) string {
	u16s := make([]uint16, len(data)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	for i, v := range u16s {
		if v == 0 {
			u16s = u16s[:i]
			break
		}
	}
	return string(utf16.Decode(u16s))
}

// Find returns the partition called name. Both "p1" and "1" select the
// second partition.
func (t *Table) Find(name string) (*Partition, error) {
	idx, err := strconv.Atoi(strings.TrimPrefix(name, "p"))
	if err != nil || idx < 0 || idx >= len(t.Partitions) {
		return nil, fmt.Errorf("no partition %q (table has %d)", name, len(t.Partitions))
	}
	return t.Partitions[idx], nil
}

// Info returns partition table information
func (t *Table) Info() string {
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "Partition table: %s\n", t.Type)
	fmt.Fprintf(&sb, "Partitions: %d\n\n", len(t.Partitions))
	fmt.Fprintf(&sb, "%-6s %-19s %12s %10s %s\n", "NAME", "TYPE", "START", "SIZE", "LABEL")

	for _, p := range t.Partitions {
		label := p.Label
		if label == "" && p.Bootable {
			label = "(bootable)"
		}
		fmt.Fprintf(&sb, "%-6s %-19s %12d %10s %s\n",
			p.Name,
			truncate(PartitionTypeString(p), 19),
			p.StartLBA,
			datasize.ByteSize(p.SizeBytes()).HumanReadable(),
			label)
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// PartitionTypeString names the partition type.
func PartitionTypeString(p *Partition) string {
	if p.TypeGUID == ([16]byte{}) {
		switch p.Type {
		case 0x01:
			return "FAT12"
		case 0x04, 0x06, 0x0E:
			return "FAT16"
		case 0x0B, 0x0C:
			return "FAT32"
		case 0x07:
			return "NTFS/exFAT"
		case 0x05, 0x0F:
			return "Extended"
		case 0x82:
			return "Linux swap"
		case 0x83:
			return "Linux"
		case 0x8E:
			return "Linux LVM"
		case 0xEE:
			return "GPT Protective"
		case 0xEF:
			return "EFI System"
		default:
			return fmt.Sprintf("0x%02X", p.Type)
		}
	}

	guidStr := FormatGUID(p.TypeGUID)
	switch guidStr {
	case "C12A7328-F81F-11D2-BA4B-00A0C93EC93B":
		return "EFI System"
	case "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7":
		return "Basic Data"
	case "E3C9E316-0B5C-4DB8-817D-F92DF00215AE":
		return "Microsoft Reserved"
	case "0FC63DAF-8483-4772-8E79-3D69D8477DE4":
		return "Linux Filesystem"
	case "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F":
		return "Linux Swap"
	case "E6D6D379-F507-44C2-A23C-238F2A3DF928":
		return "Linux LVM"
	case "A19D880F-05FC-4D3B-A006-743F0F84911E":
		return "Linux RAID"
	default:
		return guidStr
	}
}

// FormatGUID renders an on-disk GUID. The first three groups are stored
// little-endian.
func FormatGUID(guid [16]byte) string {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:], binary.LittleEndian.Uint32(guid[0:4]))
	binary.BigEndian.PutUint16(b[4:], binary.LittleEndian.Uint16(guid[4:6]))
	binary.BigEndian.PutUint16(b[6:], binary.LittleEndian.Uint16(guid[6:8]))
	copy(b[8:], guid[8:])
	return strings.ToUpper(uuid.FromBytesOrNil(b[:]).String())
}
