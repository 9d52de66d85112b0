package testimg

import (
	"encoding/binary"
	"unicode/utf16"
)

// Partition is one volume to place in a partitioned disk image.
type Partition struct {
	Type     byte     // MBR type
	TypeGUID [16]byte // GPT type, on-disk byte order
	Label    string   // GPT only
	Bootable bool
	Data     []byte
}

// Disk is a partitioned image. Offsets holds the byte offset of each
// partition's first sector.
type Disk struct {
	Data    []byte
	Offsets []int64
}

const partAlign = 64 // sectors

func layout(parts []Partition) (int64, []int64) {
	var offsets []int64
	lba := int64(partAlign)
	for _, p := range parts {
		offsets = append(offsets, lba*512)
		sectors := (int64(len(p.Data)) + 511) / 512
		lba += (sectors + partAlign - 1) / partAlign * partAlign
	}
	return (lba + partAlign) * 512, offsets
}

func sectors(p Partition) uint32 {
	return uint32((len(p.Data) + 511) / 512)
}

// MBRDisk builds a disk with a classic MBR table holding up to four
// primary partitions.
func MBRDisk(parts ...Partition) *Disk {
	size, offsets := layout(parts)
	d := &Disk{Data: make([]byte, size), Offsets: offsets}
	for i, p := range parts {
		copy(d.Data[offsets[i]:], p.Data)
		e := d.Data[446+i*16:]
		if p.Bootable {
			e[0] = 0x80
		}
		e[4] = p.Type
		binary.LittleEndian.PutUint32(e[8:], uint32(offsets[i]/512))
		binary.LittleEndian.PutUint32(e[12:], sectors(p))
	}
	d.Data[510], d.Data[511] = 0x55, 0xAA
	return d
}

// GPTDisk builds a disk with a protective MBR and a GPT header at LBA 1.
// Entries start at LBA 2.
func GPTDisk(parts ...Partition) *Disk {
	size, offsets := layout(parts)
	d := &Disk{Data: make([]byte, size), Offsets: offsets}
	lastLBA := uint64(size/512 - 1)

	e := d.Data[446:]
	e[4] = 0xEE
	binary.LittleEndian.PutUint32(e[8:], 1)
	binary.LittleEndian.PutUint32(e[12:], uint32(lastLBA))
	d.Data[510], d.Data[511] = 0x55, 0xAA

	h := d.Data[512:1024]
	copy(h, "EFI PART")
	binary.LittleEndian.PutUint32(h[8:], 0x00010000)
	binary.LittleEndian.PutUint32(h[12:], 92)
	binary.LittleEndian.PutUint64(h[24:], 1)
	binary.LittleEndian.PutUint64(h[32:], lastLBA)
	binary.LittleEndian.PutUint64(h[40:], 34)
	binary.LittleEndian.PutUint64(h[48:], lastLBA-33)
	binary.LittleEndian.PutUint64(h[72:], 2)
	binary.LittleEndian.PutUint32(h[80:], 128)
	binary.LittleEndian.PutUint32(h[84:], 128)

	for i, p := range parts {
		copy(d.Data[offsets[i]:], p.Data)
		ent := d.Data[1024+i*128:]
		copy(ent[0:16], p.TypeGUID[:])
		binary.LittleEndian.PutUint64(ent[16:], uint64(i+1))
		first := uint64(offsets[i] / 512)
		binary.LittleEndian.PutUint64(ent[32:], first)
		binary.LittleEndian.PutUint64(ent[40:], first+uint64(sectors(p))-1)
		for j, c := range utf16.Encode([]rune(p.Label)) {
			if j >= 36 {
				break
			}
			binary.LittleEndian.PutUint16(ent[56+j*2:], c)
		}
	}
	return d
}
