// Package ntfs locates file slack on NTFS volumes.
//
// Only what slack location needs is decoded: the boot sector, MFT records
// (with update sequence fixups), resident and non-resident attributes, data
// runs and $I30 directory indexes. Attribute lists spanning several MFT
// records are not followed.
package ntfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"unicode/utf16"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/slacker/fsys"
	"github.com/lvdlvd/slacker/structure"
)

const (
	ntfsMagic = "NTFS    "

	// MFT record flags
	mftFlagInUse     = 0x01
	mftFlagDirectory = 0x02

	// Attribute types
	attrFileName        = 0x30
	attrData            = 0x80
	attrIndexRoot       = 0x90
	attrIndexAllocation = 0xA0
	attrBitmap          = 0xB0
	attrEnd             = 0xFFFFFFFF

	fileNameDOS = 2

	mftRecordRoot = 5
	// Records below this number are reserved for filesystem metadata.
	firstUserRecord = 16

	indexEntryLast = 0x02
	mftRefMask     = 0x0000FFFFFFFFFFFF
	mftSeqShift    = 48
	fixupStride    = 512
)

// FS is an NTFS volume inside an image.
type FS struct {
	r              io.ReaderAt
	boot           []byte
	clusterSize    int64
	totalClusters  uint64
	recordSize     int64
	indexBlockSize int64
	mft            *fsys.ExtentReaderAt
}

type bootSector struct {
	JumpBoot              [3]byte
	OEMID                 [8]byte
	BytesPerSector        uint16
	SectorsPerCluster     uint8
	Reserved              [7]byte
	Media                 uint8
	Unused16              uint16
	SectorsPerTrack       uint16
	NumHeads              uint16
	HiddenSectors         uint32
	Unused32              [8]byte
	TotalSectors          uint64
	MFTCluster            uint64
	MFTMirrCluster        uint64
	ClustersPerMFTRecord  int8
	Pad1                  [3]byte
	ClustersPerIndexBlock int8
	Pad2                  [3]byte
	SerialNumber          uint64
}

// BootSectorSchema describes the boot sector fields shown by Describe.
var BootSectorSchema = structure.Schema{
	{Name: "oem_id", Offset: 0x03, Size: 8, Format: structure.ASCII},
	{Name: "bytes_per_sector", Offset: 0x0B, Size: 2},
	{Name: "sectors_per_cluster", Offset: 0x0D, Size: 1},
	{Name: "media", Offset: 0x15, Size: 1, Format: structure.Hex},
	{Name: "total_sectors", Offset: 0x28, Size: 8},
	{Name: "mft_cluster", Offset: 0x30, Size: 8},
	{Name: "mftmirr_cluster", Offset: 0x38, Size: 8},
	{Name: "clusters_per_mft_record", Offset: 0x40, Size: 1, Format: structure.Hex},
	{Name: "clusters_per_index_block", Offset: 0x44, Size: 1, Format: structure.Hex},
	{Name: "serial_number", Offset: 0x48, Size: 8, Format: structure.Hex},
	{Name: "signature", Offset: 0x1FE, Size: 2, Format: structure.Hex},
}

// Open opens an NTFS filesystem from the given reader
func Open(r io.ReaderAt, size int64) (*FS, error) {
	header := make([]byte, 512)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}
	if !bytes.Equal(header[3:11], []byte(ntfsMagic)) {
		return nil, fmt.Errorf("not an NTFS filesystem")
	}

	f := &FS{r: r, boot: header}
	if err := f.parseBootSector(header, size); err != nil {
		return nil, err
	}
	if err := f.loadMFT(); err != nil {
		return nil, fmt.Errorf("loading MFT: %w", err)
	}
	return f, nil
}

// unitSize decodes the clusters-per-record encoding: positive values count
// clusters, negative values are a power of two in bytes.
func unitSize(v int8, clusterSize int64) int64 {
	if v > 0 {
		return int64(v) * clusterSize
	}
	return 1 << uint(-v)
}

func (f *FS) parseBootSector(header []byte, size int64) error {
	var bs bootSector
	if err := restruct.Unpack(header, binary.LittleEndian, &bs); err != nil {
		return fmt.Errorf("decoding boot sector: %w", err)
	}

	switch bs.BytesPerSector {
	case 256, 512, 1024, 2048, 4096:
	default:
		return fsys.Corruptf("invalid bytes per sector %d", bs.BytesPerSector)
	}
	if bs.SectorsPerCluster == 0 || bs.SectorsPerCluster&(bs.SectorsPerCluster-1) != 0 {
		return fsys.Corruptf("invalid sectors per cluster %d", bs.SectorsPerCluster)
	}

	f.clusterSize = int64(bs.SectorsPerCluster) * int64(bs.BytesPerSector)
	if bs.TotalSectors > uint64(size)/uint64(bs.BytesPerSector) {
		return fsys.Corruptf("volume of %d sectors exceeds image size %d", bs.TotalSectors, size)
	}
	f.totalClusters = bs.TotalSectors * uint64(bs.BytesPerSector) / uint64(f.clusterSize)
	if bs.MFTCluster >= f.totalClusters {
		return fsys.Corruptf("MFT cluster %d beyond %d clusters", bs.MFTCluster, f.totalClusters)
	}

	f.recordSize = unitSize(bs.ClustersPerMFTRecord, f.clusterSize)
	f.indexBlockSize = unitSize(bs.ClustersPerIndexBlock, f.clusterSize)
	if f.recordSize < fixupStride || f.recordSize > 1<<16 {
		return fsys.Corruptf("invalid MFT record size %d", f.recordSize)
	}
	if f.indexBlockSize < fixupStride || f.indexBlockSize > 1<<16 {
		return fsys.Corruptf("invalid index block size %d", f.indexBlockSize)
	}

	// Record 0 describes the MFT itself; read it in place until the MFT's
	// own data runs are known.
	f.mft = fsys.NewExtentReaderAt(f.r, []fsys.Extent{{
		Logical:  0,
		Physical: int64(bs.MFTCluster) * f.clusterSize,
		Length:   f.recordSize,
	}}, f.recordSize)

	return nil
}

func (f *FS) Type() string { return "NTFS" }
func (f *FS) Close() error { return nil }

// ClusterSize returns the size of one cluster in bytes
func (f *FS) ClusterSize() int64 { return f.clusterSize }

// Describe returns the boot sector and its schema.
func (f *FS) Describe() (structure.Schema, []byte, error) {
	return BootSectorSchema, f.boot, nil
}

func (f *FS) loadMFT() error {
	rec, err := f.readRecord(0)
	if err != nil {
		return err
	}
	data := rec.data()
	if data == nil || !data.nonResident {
		return fsys.Corruptf("$MFT has no non-resident $DATA attribute")
	}
	extents, err := f.runExtents(data)
	if err != nil {
		return err
	}
	f.mft = fsys.NewExtentReaderAt(f.r, extents, int64(data.realSize))
	return nil
}

// mftRecord is a parsed MFT record
type mftRecord struct {
	num   uint64
	seq   uint16
	flags uint16
	attrs []attribute
}

func (r *mftRecord) isDir() bool { return r.flags&mftFlagDirectory != 0 }
func (r *mftRecord) inUse() bool { return r.flags&mftFlagInUse != 0 }

// data returns the unnamed $DATA attribute, or nil.
func (r *mftRecord) data() *attribute {
	return r.find(attrData, "")
}

func (r *mftRecord) find(typ uint32, name string) *attribute {
	for i := range r.attrs {
		if r.attrs[i].attrType == typ && r.attrs[i].name == name {
			return &r.attrs[i]
		}
	}
	return nil
}

// attribute represents an NTFS attribute
type attribute struct {
	attrType    uint32
	nonResident bool
	name        string
	// Resident attribute
	value []byte
	// Non-resident attribute
	startVCN      uint64
	endVCN        uint64
	allocatedSize uint64
	realSize      uint64
	runs          []dataRun
}

// size returns the logical size of the attribute's value.
func (a *attribute) size() int64 {
	if a.nonResident {
		return int64(a.realSize)
	}
	return int64(len(a.value))
}

type dataRun struct {
	vcn    uint64
	lcn    uint64
	length uint64
	sparse bool
}

// readRecord reads record num, which must be in use.
func (f *FS) readRecord(num uint64) (*mftRecord, error) {
	rec, err := f.loadRecord(num)
	if err != nil {
		return nil, err
	}
	if !rec.inUse() {
		return nil, fsys.Corruptf("MFT record %d is not in use", num)
	}
	return rec, nil
}

// loadRecord reads record num whether or not it is in use.
func (f *FS) loadRecord(num uint64) (*mftRecord, error) {
	off := int64(num) * f.recordSize
	if off+f.recordSize > f.mft.Size() {
		return nil, fsys.Corruptf("MFT record %d out of range", num)
	}
	data := make([]byte, f.recordSize)
	if _, err := f.mft.ReadAt(data, off); err != nil {
		return nil, fmt.Errorf("reading MFT record %d: %w", num, err)
	}
	return f.parseRecord(data, num)
}

func (f *FS) parseRecord(data []byte, num uint64) (*mftRecord, error) {
	if string(data[0:4]) != "FILE" {
		return nil, fsys.Corruptf("MFT record %d: invalid signature %q", num, data[0:4])
	}
	usaOffset := binary.LittleEndian.Uint16(data[4:6])
	usaCount := binary.LittleEndian.Uint16(data[6:8])
	if err := applyFixup(data, usaOffset, usaCount); err != nil {
		return nil, fmt.Errorf("MFT record %d: %w", num, err)
	}

	rec := &mftRecord{
		num:   num,
		seq:   binary.LittleEndian.Uint16(data[16:18]),
		flags: binary.LittleEndian.Uint16(data[22:24]),
	}

	attrs, err := parseAttributes(data, int(binary.LittleEndian.Uint16(data[20:22])))
	if err != nil {
		return nil, fmt.Errorf("MFT record %d: %w", num, err)
	}
	rec.attrs = attrs
	return rec, nil
}

// applyFixup verifies the update sequence number at the end of every
// 512-byte stride and restores the original bytes.
func applyFixup(data []byte, usaOffset, usaCount uint16) error {
	if usaCount < 2 {
		return nil
	}

	usaEnd := int(usaOffset) + int(usaCount)*2
	if usaEnd > len(data) || (int(usaCount)-1)*fixupStride > len(data) {
		return fsys.Corruptf("fixup array out of bounds")
	}

	updateSeq := binary.LittleEndian.Uint16(data[usaOffset : usaOffset+2])
	for i := 1; i < int(usaCount); i++ {
		offset := i*fixupStride - 2
		if binary.LittleEndian.Uint16(data[offset:offset+2]) != updateSeq {
			return fsys.Corruptf("fixup mismatch at offset %d", offset)
		}
		src := int(usaOffset) + i*2
		copy(data[offset:offset+2], data[src:src+2])
	}
	return nil
}

func parseAttributes(data []byte, offset int) ([]attribute, error) {
	var attrs []attribute

	for {
		if offset+4 > len(data) {
			return nil, fsys.Corruptf("attribute list not terminated")
		}
		attrType := binary.LittleEndian.Uint32(data[offset : offset+4])
		if attrType == attrEnd {
			return attrs, nil
		}
		if offset+16 > len(data) {
			return nil, fsys.Corruptf("attribute header at %d truncated", offset)
		}

		length := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		if length < 16 || length > len(data)-offset {
			return nil, fsys.Corruptf("attribute at %d has invalid length %d", offset, length)
		}
		buf := data[offset : offset+length]

		attr := attribute{
			attrType:    attrType,
			nonResident: buf[8] != 0,
		}

		if nameLength := int(buf[9]); nameLength > 0 {
			nameOffset := int(binary.LittleEndian.Uint16(buf[10:12]))
			if nameOffset+nameLength*2 > length {
				return nil, fsys.Corruptf("attribute name at %d out of bounds", offset)
			}
			attr.name = decodeUTF16(buf[nameOffset : nameOffset+nameLength*2])
		}

		if attr.nonResident {
			if length < 64 {
				return nil, fsys.Corruptf("non-resident attribute at %d too short", offset)
			}
			attr.startVCN = binary.LittleEndian.Uint64(buf[16:24])
			attr.endVCN = binary.LittleEndian.Uint64(buf[24:32])
			runsOffset := int(binary.LittleEndian.Uint16(buf[32:34]))
			attr.allocatedSize = binary.LittleEndian.Uint64(buf[40:48])
			attr.realSize = binary.LittleEndian.Uint64(buf[48:56])
			if runsOffset > length {
				return nil, fsys.Corruptf("data runs at %d out of bounds", offset)
			}
			runs, err := parseDataRuns(buf[runsOffset:], attr.startVCN)
			if err != nil {
				return nil, err
			}
			attr.runs = runs
		} else {
			if length < 24 {
				return nil, fsys.Corruptf("resident attribute at %d too short", offset)
			}
			valueLength := int(binary.LittleEndian.Uint32(buf[16:20]))
			valueOffset := int(binary.LittleEndian.Uint16(buf[20:22]))
			if valueOffset+valueLength > length {
				return nil, fsys.Corruptf("resident value at %d out of bounds", offset)
			}
			attr.value = buf[valueOffset : valueOffset+valueLength]
		}

		attrs = append(attrs, attr)
		offset += length
	}
}

// parseDataRuns decodes a run list. A run whose header announces more
// bytes than remain is a truncated list.
func parseDataRuns(data []byte, vcn uint64) ([]dataRun, error) {
	var runs []dataRun
	offset := 0
	lcn := int64(0)

	for {
		if offset >= len(data) {
			return nil, fsys.Corruptf("data run list truncated")
		}
		header := data[offset]
		if header == 0 {
			return runs, nil
		}

		lengthSize := int(header & 0x0F)
		offsetSize := int(header >> 4)
		if lengthSize == 0 || lengthSize > 8 || offsetSize > 8 {
			return nil, fsys.Corruptf("invalid data run header 0x%02x", header)
		}
		if offset+1+lengthSize+offsetSize > len(data) {
			return nil, fsys.Corruptf("data run list truncated")
		}

		length := uint64(0)
		for i := 0; i < lengthSize; i++ {
			length |= uint64(data[offset+1+i]) << (i * 8)
		}
		if length == 0 {
			return nil, fsys.Corruptf("zero length data run")
		}

		run := dataRun{vcn: vcn, length: length, sparse: offsetSize == 0}
		if !run.sparse {
			delta := int64(0)
			for i := 0; i < offsetSize; i++ {
				delta |= int64(data[offset+1+lengthSize+i]) << (i * 8)
			}
			// Sign extend
			if offsetSize < 8 && data[offset+lengthSize+offsetSize]&0x80 != 0 {
				delta |= -1 << (offsetSize * 8)
			}
			lcn += delta
			if lcn < 0 {
				return nil, fsys.Corruptf("data run starts at negative cluster %d", lcn)
			}
			run.lcn = uint64(lcn)
		}

		runs = append(runs, run)
		vcn += length
		offset += 1 + lengthSize + offsetSize
	}
}

// runExtents maps a non-resident attribute's runs to image extents,
// checking that they stay inside the volume and cover the allocation.
func (f *FS) runExtents(a *attribute) ([]fsys.Extent, error) {
	var extents []fsys.Extent
	clusters := uint64(0)
	for _, run := range a.runs {
		clusters += run.length
		if run.sparse {
			continue
		}
		if run.lcn+run.length > f.totalClusters || run.lcn+run.length < run.lcn {
			return nil, fsys.Corruptf("data run [%d,+%d) beyond %d clusters", run.lcn, run.length, f.totalClusters)
		}
		extents = append(extents, fsys.Extent{
			Logical:  int64(run.vcn) * f.clusterSize,
			Physical: int64(run.lcn) * f.clusterSize,
			Length:   int64(run.length) * f.clusterSize,
		})
	}

	if len(a.runs) > 0 && a.endVCN+1-a.startVCN != clusters {
		return nil, fsys.Corruptf("data runs cover %d clusters, attribute spans VCN %d-%d", clusters, a.startVCN, a.endVCN)
	}
	if a.startVCN != 0 {
		return nil, fsys.Corruptf("attribute continues from VCN %d in another record", a.startVCN)
	}
	if clusters*uint64(f.clusterSize) < a.allocatedSize {
		return nil, fsys.Corruptf("data runs cover %d clusters, %d bytes allocated", clusters, a.allocatedSize)
	}
	if a.realSize > a.allocatedSize {
		return nil, fsys.Corruptf("real size %d exceeds allocated size %d", a.realSize, a.allocatedSize)
	}
	return extents, nil
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// LocateSlack returns the image ranges between the real and the allocated
// size of the unnamed $DATA attribute. Resident data has no slack.
func (f *FS) LocateSlack(file fsys.FileID) ([]fsys.Range, error) {
	if file.Dir {
		return nil, fmt.Errorf("%s: is a directory", file.Path)
	}
	rec, err := f.readRecord(file.Ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Path, err)
	}
	data := rec.data()
	if data == nil || !data.nonResident {
		return nil, nil
	}
	extents, err := f.runExtents(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Path, err)
	}
	return tailRanges(extents, int64(data.realSize), int64(data.allocatedSize)), nil
}

// tailRanges maps the logical span [from, to) through extents, merging
// physically adjacent pieces. Sparse gaps are skipped.
func tailRanges(extents []fsys.Extent, from, to int64) []fsys.Range {
	var ranges []fsys.Range
	for _, e := range extents {
		lo := max(from, e.Logical)
		hi := min(to, e.Logical+e.Length)
		if lo >= hi {
			continue
		}
		r := fsys.Range{Start: e.Physical + lo - e.Logical, End: e.Physical + hi - e.Logical}
		if n := len(ranges); n > 0 && ranges[n-1].End == r.Start {
			ranges[n-1].End = r.End
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}

// FileExtents returns the physical extents for a file. Resident files
// have none.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	id, err := f.ResolvePath(name)
	if err != nil {
		return nil, err
	}
	if id.Dir {
		return nil, fmt.Errorf("%s: is a directory", name)
	}
	rec, err := f.readRecord(id.Ref)
	if err != nil {
		return nil, err
	}
	data := rec.data()
	if data == nil || !data.nonResident {
		return nil, nil
	}
	extents, err := f.runExtents(data)
	if err != nil {
		return nil, err
	}
	return fsys.ComposeExtents([]fsys.Extent{{Length: int64(data.realSize)}}, extents), nil
}

// fileNameAttr is the part of $FILE_NAME used in directory indexes
type fileNameAttr struct {
	parentRef uint64
	nameType  uint8
	name      string
}

func parseFileNameAttr(data []byte) (*fileNameAttr, error) {
	if len(data) < 66 {
		return nil, fsys.Corruptf("$FILE_NAME too small")
	}
	nameLen := int(data[64])
	if len(data) < 66+nameLen*2 {
		return nil, fsys.Corruptf("$FILE_NAME name truncated")
	}
	return &fileNameAttr{
		parentRef: binary.LittleEndian.Uint64(data[0:8]) & mftRefMask,
		nameType:  data[65],
		name:      decodeUTF16(data[66 : 66+nameLen*2]),
	}, nil
}

// indexEntry represents a directory index entry
type indexEntry struct {
	ref      uint64
	seq      uint16 // sequence number of the record when the entry was made
	fileName *fileNameAttr
}

func (f *FS) readDirectory(rec *mftRecord) ([]indexEntry, error) {
	var entries []indexEntry

	root := rec.find(attrIndexRoot, "$I30")
	if root == nil {
		return nil, fsys.Corruptf("directory record %d has no $I30 index root", rec.num)
	}
	rootEntries, err := parseIndexRoot(root.value)
	if err != nil {
		return nil, err
	}
	entries = append(entries, rootEntries...)

	if alloc := rec.find(attrIndexAllocation, "$I30"); alloc != nil {
		data, err := f.attributeValue(alloc)
		if err != nil {
			return nil, fmt.Errorf("reading index allocation: %w", err)
		}
		bitmap, err := f.attributeValue(rec.find(attrBitmap, "$I30"))
		if err != nil {
			return nil, fmt.Errorf("reading index bitmap: %w", err)
		}
		allocEntries, err := f.parseIndexAllocation(data, bitmap)
		if err != nil {
			return nil, err
		}
		entries = append(entries, allocEntries...)
	}

	return entries, nil
}

func parseIndexRoot(data []byte) ([]indexEntry, error) {
	if len(data) < 32 {
		return nil, fsys.Corruptf("$INDEX_ROOT too small")
	}
	// Index node header follows the 16 byte root header
	entriesOffset := 16 + int(binary.LittleEndian.Uint32(data[16:20]))
	if entriesOffset > len(data) {
		return nil, fsys.Corruptf("$INDEX_ROOT entries out of bounds")
	}
	return parseIndexEntries(data[entriesOffset:])
}

// attributeValue returns the value of a, resident or not. A nil a has no
// value.
func (f *FS) attributeValue(a *attribute) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	if !a.nonResident {
		return a.value, nil
	}
	extents, err := f.runExtents(a)
	if err != nil {
		return nil, err
	}
	data := make([]byte, a.realSize)
	if _, err := fsys.NewExtentReaderAt(f.r, extents, int64(a.realSize)).ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

// parseIndexAllocation parses the INDX blocks of an index allocation.
// Blocks whose bit in bitmap is clear have been freed and may still hold
// stale entries; they are skipped. A nil bitmap marks every block in use.
func (f *FS) parseIndexAllocation(data, bitmap []byte) ([]indexEntry, error) {
	var all []indexEntry

	for offset := int64(0); offset+f.indexBlockSize <= int64(len(data)); offset += f.indexBlockSize {
		block := data[offset : offset+f.indexBlockSize]
		if n := offset / f.indexBlockSize; bitmap != nil && (n/8 >= int64(len(bitmap)) || bitmap[n/8]&(1<<(n%8)) == 0) {
			continue
		}

		// Unused blocks carry no signature
		if !bytes.Equal(block[0:4], []byte("INDX")) {
			continue
		}

		usaOffset := binary.LittleEndian.Uint16(block[4:6])
		usaCount := binary.LittleEndian.Uint16(block[6:8])
		if err := applyFixup(block, usaOffset, usaCount); err != nil {
			return nil, fmt.Errorf("index block at %d: %w", offset, err)
		}

		entriesOffset := 24 + int(binary.LittleEndian.Uint32(block[24:28]))
		if entriesOffset > len(block) {
			return nil, fsys.Corruptf("index block at %d: entries out of bounds", offset)
		}
		entries, err := parseIndexEntries(block[entriesOffset:])
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	return all, nil
}

func parseIndexEntries(data []byte) ([]indexEntry, error) {
	var entries []indexEntry
	offset := 0

	for {
		if offset+16 > len(data) {
			return nil, fsys.Corruptf("index entries not terminated")
		}
		ref := binary.LittleEndian.Uint64(data[offset : offset+8])
		entryLength := int(binary.LittleEndian.Uint16(data[offset+8 : offset+10]))
		contentLength := int(binary.LittleEndian.Uint16(data[offset+10 : offset+12]))
		flags := binary.LittleEndian.Uint32(data[offset+12 : offset+16])

		if flags&indexEntryLast != 0 {
			return entries, nil
		}
		if entryLength < 16 || offset+entryLength > len(data) || 16+contentLength > entryLength {
			return nil, fsys.Corruptf("index entry at %d has invalid length %d", offset, entryLength)
		}

		fn, err := parseFileNameAttr(data[offset+16 : offset+16+contentLength])
		if err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{ref: ref & mftRefMask, seq: uint16(ref >> mftSeqShift), fileName: fn})
		offset += entryLength
	}
}

func (f *FS) root() fsys.FileID {
	return fsys.FileID{Path: ".", Dir: true, Ref: mftRecordRoot}
}

// children lists a directory's entries once each, in index order,
// skipping DOS aliases.
func (f *FS) children(dir fsys.FileID) ([]indexEntry, error) {
	rec, err := f.readRecord(dir.Ref)
	if err != nil {
		return nil, err
	}
	if !rec.isDir() {
		return nil, fmt.Errorf("%s: not a directory", dir.Path)
	}
	entries, err := f.readDirectory(rec)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir.Path, err)
	}

	type key struct {
		ref uint64
		seq uint16
	}
	seen := make(map[key]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		k := key{e.ref, e.seq}
		if e.fileName.nameType == fileNameDOS || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out, nil
}

// fileID describes the file an index entry names. live is false when the
// entry is stale: its record was freed, or reused under a new sequence
// number.
func (f *FS) fileID(parent string, e indexEntry) (id fsys.FileID, live bool, err error) {
	rec, err := f.loadRecord(e.ref)
	if err != nil {
		return fsys.FileID{}, false, err
	}
	if !rec.inUse() || (e.seq != 0 && e.seq != rec.seq) {
		return fsys.FileID{}, false, nil
	}
	id = fsys.FileID{
		Path: fsys.Join(parent, e.fileName.name),
		Dir:  rec.isDir(),
		Ref:  e.ref,
	}
	if data := rec.data(); data != nil && !id.Dir {
		id.Size = data.size()
	}
	return id, true, nil
}

// ResolvePath walks the $I30 indexes from the root directory. Names
// compare case-insensitively.
func (f *FS) ResolvePath(name string) (fsys.FileID, error) {
	name = fsys.Clean(name)
	cur := f.root()
	if name == "." {
		return cur, nil
	}

	for _, part := range strings.Split(name, "/") {
		if !cur.Dir {
			return fsys.FileID{}, &fs.PathError{Op: "resolve", Path: name, Err: fs.ErrNotExist}
		}
		entries, err := f.children(cur)
		if err != nil {
			return fsys.FileID{}, err
		}

		found := false
		for _, e := range entries {
			if !strings.EqualFold(e.fileName.name, part) {
				continue
			}
			id, live, err := f.fileID(cur.Path, e)
			if err != nil {
				return fsys.FileID{}, err
			}
			if live {
				cur, found = id, true
				break
			}
		}
		if !found {
			return fsys.FileID{}, &fs.PathError{Op: "resolve", Path: name, Err: fs.ErrNotExist}
		}
	}

	return cur, nil
}

// EnumerateDirectory returns the entries of dir in index order. Metadata
// files ($MFT, $Bitmap, ...) are left out.
func (f *FS) EnumerateDirectory(dir fsys.FileID) ([]fsys.FileID, error) {
	if !dir.Dir {
		return nil, fmt.Errorf("%s: not a directory", dir.Path)
	}
	entries, err := f.children(dir)
	if err != nil {
		return nil, err
	}

	ids := make([]fsys.FileID, 0, len(entries))
	for _, e := range entries {
		if e.ref < firstUserRecord || e.ref == dir.Ref {
			continue
		}
		id, live, err := f.fileID(dir.Path, e)
		if err != nil {
			return nil, err
		}
		if live {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
