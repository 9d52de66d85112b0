package testimg

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
	"unicode/utf16"
)

// NTFSOptions controls the geometry of an NTFS image.
type NTFSOptions struct {
	ClusterSize   int64 // multiple of 512, defaults to 512
	TotalClusters int64 // defaults to 4096
	Fragment      bool
	// IndexAllocation stores directory entries in INDX blocks instead of
	// the resident index root.
	IndexAllocation bool
	// StaleIndexBlock adds a freed INDX block to every index allocation.
	// It keeps its signature and an entry for a deleted file, as NTFS
	// leaves them after deletions, but its $BITMAP bit is clear.
	StaleIndexBlock bool
}

// NTFSImage is a built NTFS image.
type NTFSImage struct {
	Data        []byte
	Files       map[string]Placement
	Dirs        map[string]uint64 // directory path -> MFT record
	ClusterSize int64
	mftOffset   int64
}

const (
	ntfsRecordSize = 1024
	ntfsIndexBlock = 4096
	ntfsMFTCluster = 16
	ntfsMFTRecords = 64
	ntfsFirstUser  = 16
	ntfsRootRecord = 5
)

// NTFSDeletedRecord is the not-in-use record stale index entries point at.
const NTFSDeletedRecord = ntfsMFTRecords - 1

type ntfsNode struct {
	name     string
	record   uint64
	file     *File
	children []*ntfsNode
}

func (n *ntfsNode) child(name string) *ntfsNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &ntfsNode{name: name}
	n.children = append(n.children, c)
	return c
}

type ntfsRun struct {
	lcn    int64
	length int64
}

// NTFS builds an NTFS image holding files. Files with Resident set keep
// their data in the MFT record; empty files are always resident.
func NTFS(opts NTFSOptions, files ...File) (*NTFSImage, error) {
	if opts.ClusterSize == 0 {
		opts.ClusterSize = 512
	}
	if opts.TotalClusters == 0 {
		opts.TotalClusters = 4096
	}
	cs := opts.ClusterSize
	if cs%512 != 0 || cs > 64*1024 {
		return nil, fmt.Errorf("invalid cluster size %d", cs)
	}

	img := &NTFSImage{
		Data:        make([]byte, opts.TotalClusters*cs),
		Files:       make(map[string]Placement),
		Dirs:        make(map[string]uint64),
		ClusterSize: cs,
		mftOffset:   ntfsMFTCluster * cs,
	}
	mftClusters := (ntfsMFTRecords*ntfsRecordSize + cs - 1) / cs
	writeNTFSBoot(img.Data, opts, cs)

	next := int64(ntfsMFTCluster) + mftClusters
	alloc := func(n int64) ([]ntfsRun, error) {
		var runs []ntfsRun
		for i := int64(0); i < n; i++ {
			if next >= opts.TotalClusters {
				return nil, fmt.Errorf("image full")
			}
			if k := len(runs); k > 0 && runs[k-1].lcn+runs[k-1].length == next {
				runs[k-1].length++
			} else {
				runs = append(runs, ntfsRun{lcn: next, length: 1})
			}
			next++
			if opts.Fragment {
				next++
			}
		}
		return runs, nil
	}

	root := &ntfsNode{name: ".", record: ntfsRootRecord}
	for i := range files {
		f := &files[i]
		parts := strings.Split(strings.Trim(f.Path, "/"), "/")
		n := root
		for _, p := range parts[:len(parts)-1] {
			n = n.child(p)
		}
		n.child(parts[len(parts)-1]).file = f
	}

	record := uint64(ntfsFirstUser)
	var assign func(n *ntfsNode)
	assign = func(n *ntfsNode) {
		for _, c := range n.children {
			c.record = record
			record++
			assign(c)
		}
	}
	assign(root)
	if record > NTFSDeletedRecord {
		return nil, fmt.Errorf("too many files for %d MFT records", ntfsMFTRecords)
	}

	// $MFT
	mftRuns := []ntfsRun{{lcn: ntfsMFTCluster, length: mftClusters}}
	mftAttrs := [][]byte{
		ntfsResident(0x30, "", ntfsFileName(ntfsRootRecord, "$MFT", mftClusters*cs, ntfsMFTRecords*ntfsRecordSize, false)),
		ntfsNonResident(0x80, "", mftRuns, mftClusters, mftClusters*cs, ntfsMFTRecords*ntfsRecordSize),
	}
	if err := img.putRecord(0, 0x01, mftAttrs...); err != nil {
		return nil, err
	}

	var build func(n *ntfsNode, dir string, parent uint64) error
	build = func(n *ntfsNode, dir string, parent uint64) error {
		p := path.Join(dir, n.name)
		if n.file == nil {
			for _, c := range n.children {
				if err := build(c, p, n.record); err != nil {
					return err
				}
			}
			img.Dirs[p] = n.record
			return img.putDirectory(n, parent, opts, alloc)
		}

		f := n.file
		size := int64(len(f.Data))
		attrs := [][]byte{ntfsResident(0x30, "", ntfsFileName(parent, n.name, 0, size, false))}
		pl := Placement{Ref: n.record, UnitSize: cs}
		if f.Resident || (size == 0 && f.Prealloc == 0) {
			attrs = append(attrs, ntfsResident(0x80, "", f.Data))
		} else {
			clusters := (size+cs-1)/cs + f.Prealloc
			runs, err := alloc(clusters)
			if err != nil {
				return err
			}
			var units []int64
			for _, r := range runs {
				for k := int64(0); k < r.length; k++ {
					units = append(units, (r.lcn+k)*cs)
				}
			}
			for j, off := range units {
				lo := int64(j) * cs
				if lo >= size {
					break
				}
				hi := min(lo+cs, size)
				copy(img.Data[off:], f.Data[lo:hi])
				pl.DataEnd = off + hi - lo
			}
			if size%cs != 0 {
				copy(img.Data[pl.DataEnd:pl.DataEnd+cs-size%cs], f.Slack)
			}
			pl.Units = units
			attrs = append(attrs, ntfsNonResident(0x80, "", runs, clusters, clusters*cs, size))
		}
		img.Files[p] = pl
		return img.putRecord(n.record, 0x01, attrs...)
	}
	if err := build(root, "", ntfsRootRecord); err != nil {
		return nil, err
	}

	return img, nil
}

func (img *NTFSImage) putDirectory(n *ntfsNode, parent uint64, opts NTFSOptions, alloc func(int64) ([]ntfsRun, error)) error {
	var entries []byte
	if n.record == ntfsRootRecord {
		entries = append(entries, ntfsIndexEntry(0, ntfsFileName(ntfsRootRecord, "$MFT", 0, 0, false))...)
	}
	for _, c := range n.children {
		size := int64(0)
		if c.file != nil {
			size = int64(len(c.file.Data))
		}
		entries = append(entries, ntfsIndexEntry(c.record, ntfsFileName(n.record, c.name, 0, size, c.file == nil))...)
	}

	attrs := [][]byte{ntfsResident(0x30, "", ntfsFileName(parent, n.name, 0, 0, true))}
	if !opts.IndexAllocation {
		attrs = append(attrs, ntfsResident(0x90, "$I30", ntfsIndexRoot(entries, false)))
		return img.putRecord(n.record, 0x03, attrs...)
	}

	block, err := ntfsIndexBlockData(entries)
	if err != nil {
		return err
	}
	if opts.StaleIndexBlock {
		stale, err := ntfsIndexBlockData(ntfsIndexEntry(NTFSDeletedRecord, ntfsFileName(n.record, "deleted.txt", 0, 3, false)))
		if err != nil {
			return err
		}
		block = append(block, stale...)
		deleted := ntfsResident(0x30, "", ntfsFileName(n.record, "deleted.txt", 0, 3, false))
		if err := img.putRecord(NTFSDeletedRecord, 0x00, deleted); err != nil {
			return err
		}
	}
	clusters := (int64(len(block)) + img.ClusterSize - 1) / img.ClusterSize
	runs, err := alloc(clusters)
	if err != nil {
		return err
	}
	off := int64(0)
	for _, r := range runs {
		for k := int64(0); k < r.length && off < int64(len(block)); k++ {
			copy(img.Data[(r.lcn+k)*img.ClusterSize:], block[off:min(off+img.ClusterSize, int64(len(block)))])
			off += img.ClusterSize
		}
	}
	attrs = append(attrs,
		ntfsResident(0x90, "$I30", ntfsIndexRoot(nil, true)),
		ntfsNonResident(0xA0, "$I30", runs, clusters, clusters*img.ClusterSize, int64(len(block))),
		// Only the first block is in use.
		ntfsResident(0xB0, "$I30", []byte{0x01, 0, 0, 0, 0, 0, 0, 0}),
	)
	return img.putRecord(n.record, 0x03, attrs...)
}

// putRecord writes an MFT record with update sequence fixups applied.
func (img *NTFSImage) putRecord(num uint64, flags uint16, attrs ...[]byte) error {
	rec := make([]byte, ntfsRecordSize)
	copy(rec[0:4], "FILE")
	binary.LittleEndian.PutUint16(rec[4:6], 0x30) // update sequence array
	binary.LittleEndian.PutUint16(rec[6:8], 1+ntfsRecordSize/512)
	binary.LittleEndian.PutUint16(rec[16:18], 1) // sequence number
	binary.LittleEndian.PutUint16(rec[18:20], 1) // link count
	binary.LittleEndian.PutUint16(rec[20:22], 0x38)
	binary.LittleEndian.PutUint16(rec[22:24], flags)
	binary.LittleEndian.PutUint32(rec[28:32], ntfsRecordSize)
	binary.LittleEndian.PutUint32(rec[44:48], uint32(num))

	off := 0x38
	for i, a := range attrs {
		binary.LittleEndian.PutUint16(a[14:16], uint16(i))
		if off+len(a)+8 > ntfsRecordSize {
			return fmt.Errorf("record %d overflows", num)
		}
		copy(rec[off:], a)
		off += len(a)
	}
	binary.LittleEndian.PutUint32(rec[off:], 0xFFFFFFFF)
	off += 8
	binary.LittleEndian.PutUint32(rec[24:28], uint32(off))
	binary.LittleEndian.PutUint16(rec[40:42], uint16(len(attrs)))

	protect(rec, 0x30)
	copy(img.Data[img.mftOffset+int64(num)*ntfsRecordSize:], rec)
	return nil
}

// RecordOffset returns the image offset of MFT record num.
func (img *NTFSImage) RecordOffset(num uint64) int64 {
	return img.mftOffset + int64(num)*ntfsRecordSize
}

// protect stores the last two bytes of every 512 byte stride in the
// update sequence array and replaces them with the sequence number.
func protect(buf []byte, usaOffset int) {
	const usn = 0x0001
	binary.LittleEndian.PutUint16(buf[usaOffset:], usn)
	for i := 1; i <= len(buf)/512; i++ {
		end := i*512 - 2
		copy(buf[usaOffset+i*2:usaOffset+i*2+2], buf[end:end+2])
		binary.LittleEndian.PutUint16(buf[end:], usn)
	}
}

func align8(n int) int { return (n + 7) &^ 7 }

func utf16le(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, len(u)*2)
	for i, c := range u {
		binary.LittleEndian.PutUint16(b[i*2:], c)
	}
	return b
}

func ntfsResident(typ uint32, name string, value []byte) []byte {
	nm := utf16le(name)
	valueOffset := align8(24 + len(nm))
	a := make([]byte, align8(valueOffset+len(value)))
	binary.LittleEndian.PutUint32(a[0:4], typ)
	binary.LittleEndian.PutUint32(a[4:8], uint32(len(a)))
	a[9] = byte(len(nm) / 2)
	binary.LittleEndian.PutUint16(a[10:12], 24)
	binary.LittleEndian.PutUint32(a[16:20], uint32(len(value)))
	binary.LittleEndian.PutUint16(a[20:22], uint16(valueOffset))
	copy(a[24:], nm)
	copy(a[valueOffset:], value)
	return a
}

func ntfsNonResident(typ uint32, name string, runs []ntfsRun, clusters, allocated, real int64) []byte {
	nm := utf16le(name)
	runList := encodeRuns(runs)
	runsOffset := align8(64 + len(nm))
	a := make([]byte, align8(runsOffset+len(runList)))
	binary.LittleEndian.PutUint32(a[0:4], typ)
	binary.LittleEndian.PutUint32(a[4:8], uint32(len(a)))
	a[8] = 1
	a[9] = byte(len(nm) / 2)
	binary.LittleEndian.PutUint16(a[10:12], 64)
	binary.LittleEndian.PutUint64(a[16:24], 0)
	binary.LittleEndian.PutUint64(a[24:32], uint64(clusters-1))
	binary.LittleEndian.PutUint16(a[32:34], uint16(runsOffset))
	binary.LittleEndian.PutUint64(a[40:48], uint64(allocated))
	binary.LittleEndian.PutUint64(a[48:56], uint64(real))
	binary.LittleEndian.PutUint64(a[56:64], uint64(real))
	copy(a[64:], nm)
	copy(a[runsOffset:], runList)
	return a
}

// encodeRuns builds a run list terminated by a zero byte.
func encodeRuns(runs []ntfsRun) []byte {
	var out []byte
	prev := int64(0)
	for _, r := range runs {
		length := minimalBytes(uint64(r.length))
		delta := signedBytes(r.lcn - prev)
		prev = r.lcn
		out = append(out, byte(len(delta)<<4|len(length)))
		out = append(out, length...)
		out = append(out, delta...)
	}
	return append(out, 0)
}

func minimalBytes(v uint64) []byte {
	var b []byte
	for {
		b = append(b, byte(v))
		v >>= 8
		if v == 0 {
			return b
		}
	}
}

func signedBytes(v int64) []byte {
	var b []byte
	for {
		c := byte(v)
		b = append(b, c)
		v >>= 8
		if (v == 0 && c&0x80 == 0) || (v == -1 && c&0x80 != 0) {
			return b
		}
	}
}

func ntfsFileName(parent uint64, name string, allocated, real int64, dir bool) []byte {
	nm := utf16le(name)
	v := make([]byte, 66+len(nm))
	binary.LittleEndian.PutUint64(v[0:8], parent|1<<48)
	binary.LittleEndian.PutUint64(v[40:48], uint64(allocated))
	binary.LittleEndian.PutUint64(v[48:56], uint64(real))
	if dir {
		binary.LittleEndian.PutUint32(v[56:60], 0x10000000)
	}
	v[64] = byte(len(nm) / 2)
	v[65] = 3 // Win32 and DOS
	copy(v[66:], nm)
	return v
}

// ntfsIndexEntry wraps a $FILE_NAME value in an index entry.
func ntfsIndexEntry(ref uint64, fn []byte) []byte {
	e := make([]byte, align8(16+len(fn)))
	binary.LittleEndian.PutUint64(e[0:8], ref|1<<48)
	binary.LittleEndian.PutUint16(e[8:10], uint16(len(e)))
	binary.LittleEndian.PutUint16(e[10:12], uint16(len(fn)))
	copy(e[16:], fn)
	return e
}

func ntfsEndEntry(subnode bool) []byte {
	if subnode {
		e := make([]byte, 24)
		binary.LittleEndian.PutUint16(e[8:10], 24)
		binary.LittleEndian.PutUint32(e[12:16], 0x03)
		return e
	}
	e := make([]byte, 16)
	binary.LittleEndian.PutUint16(e[8:10], 16)
	binary.LittleEndian.PutUint32(e[12:16], 0x02)
	return e
}

func ntfsIndexRoot(entries []byte, large bool) []byte {
	body := append(append([]byte{}, entries...), ntfsEndEntry(large)...)
	v := make([]byte, 32+len(body))
	binary.LittleEndian.PutUint32(v[0:4], 0x30)
	binary.LittleEndian.PutUint32(v[4:8], 1) // collation: file name
	binary.LittleEndian.PutUint32(v[8:12], ntfsIndexBlock)
	v[12] = 1
	binary.LittleEndian.PutUint32(v[16:20], 16)
	binary.LittleEndian.PutUint32(v[20:24], uint32(16+len(body)))
	binary.LittleEndian.PutUint32(v[24:28], uint32(16+len(body)))
	if large {
		v[28] = 1
	}
	copy(v[32:], body)
	return v
}

func ntfsIndexBlockData(entries []byte) ([]byte, error) {
	const usaOffset = 0x28
	const entriesStart = 0x40
	body := append(append([]byte{}, entries...), ntfsEndEntry(false)...)
	if entriesStart+len(body) > ntfsIndexBlock-2 {
		return nil, fmt.Errorf("directory too large for one index block")
	}
	b := make([]byte, ntfsIndexBlock)
	copy(b[0:4], "INDX")
	binary.LittleEndian.PutUint16(b[4:6], usaOffset)
	binary.LittleEndian.PutUint16(b[6:8], 1+ntfsIndexBlock/512)
	binary.LittleEndian.PutUint32(b[24:28], entriesStart-24)
	binary.LittleEndian.PutUint32(b[28:32], uint32(entriesStart-24+len(body)))
	binary.LittleEndian.PutUint32(b[32:36], ntfsIndexBlock-24)
	copy(b[entriesStart:], body)
	protect(b, usaOffset)
	return b, nil
}

func writeNTFSBoot(data []byte, opts NTFSOptions, cs int64) {
	bs := data[:512]
	copy(bs[0:3], []byte{0xEB, 0x52, 0x90})
	copy(bs[3:11], "NTFS    ")
	binary.LittleEndian.PutUint16(bs[0x0B:], 512)
	bs[0x0D] = byte(cs / 512)
	bs[0x15] = 0xF8
	binary.LittleEndian.PutUint64(bs[0x28:], uint64(opts.TotalClusters*cs/512))
	binary.LittleEndian.PutUint64(bs[0x30:], ntfsMFTCluster)
	binary.LittleEndian.PutUint64(bs[0x38:], 2)
	bs[0x40] = 0xF6 // -10: 1024 byte records
	bs[0x44] = 0xF4 // -12: 4096 byte index blocks
	binary.LittleEndian.PutUint64(bs[0x48:], 0x5CA1AB1E5CA1AB1E)
	bs[510] = 0x55
	bs[511] = 0xAA
}
