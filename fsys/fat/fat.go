// Package fat implements FAT12/16/32 slack location.
package fat

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/go-restruct/restruct"
	"golang.org/x/text/encoding/charmap"

	"github.com/lvdlvd/slacker/fsys"
	"github.com/lvdlvd/slacker/structure"
)

// FS is a FAT filesystem inside an image.
type FS struct {
	r    io.ReaderAt
	size int64
	boot []byte
	bpb  bpb
	fat  fatTable
	typ  string
}

// bootSector is the on-disk BIOS Parameter Block, up to the FAT32
// root cluster field.
type bootSector struct {
	JumpBoot          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	FATSize32         uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
}

// bpb contains the derived geometry we need
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16 // 0 for FAT32
	totalSectors      uint32
	fatSize           uint32 // in sectors
	rootCluster       uint32 // FAT32 only
	firstDataSector   uint32
	countOfClusters   uint32
	isFAT32           bool
}

// BootSectorSchema describes the boot sector fields shown by Describe.
var BootSectorSchema = structure.Schema{
	{Name: "oem_name", Offset: 0x03, Size: 8, Format: structure.ASCII},
	{Name: "bytes_per_sector", Offset: 0x0B, Size: 2},
	{Name: "sectors_per_cluster", Offset: 0x0D, Size: 1},
	{Name: "reserved_sectors", Offset: 0x0E, Size: 2},
	{Name: "fat_count", Offset: 0x10, Size: 1},
	{Name: "root_entries", Offset: 0x11, Size: 2},
	{Name: "total_sectors_16", Offset: 0x13, Size: 2},
	{Name: "media", Offset: 0x15, Size: 1, Format: structure.Hex},
	{Name: "fat_size_16", Offset: 0x16, Size: 2},
	{Name: "hidden_sectors", Offset: 0x1C, Size: 4},
	{Name: "total_sectors_32", Offset: 0x20, Size: 4},
	{Name: "signature", Offset: 0x1FE, Size: 2, Format: structure.Hex},
}

// fatTable provides access to the first FAT
type fatTable struct {
	r           io.ReaderAt
	startOffset int64
	isFAT32     bool
	isFAT12     bool
}

// Open opens a FAT filesystem from the given reader
func Open(r io.ReaderAt, size int64) (*FS, error) {
	header := make([]byte, 512)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("reading boot sector: %w", err)
	}

	if header[510] != 0x55 || header[511] != 0xAA {
		return nil, fmt.Errorf("not a FAT filesystem: missing boot signature")
	}

	f := &FS{r: r, size: size, boot: header}
	if err := f.parseBPB(header); err != nil {
		return nil, err
	}

	f.fat = fatTable{
		r:           r,
		startOffset: int64(f.bpb.reservedSectors) * int64(f.bpb.bytesPerSector),
		isFAT32:     f.bpb.isFAT32,
		isFAT12:     !f.bpb.isFAT32 && f.bpb.countOfClusters < 4085,
	}

	return f, nil
}

func (f *FS) parseBPB(header []byte) error {
	var bs bootSector
	if err := restruct.Unpack(header, binary.LittleEndian, &bs); err != nil {
		return fmt.Errorf("decoding boot sector: %w", err)
	}

	switch bs.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return fsys.Corruptf("invalid bytes per sector %d", bs.BytesPerSector)
	}
	if bs.SectorsPerCluster == 0 || bs.SectorsPerCluster&(bs.SectorsPerCluster-1) != 0 {
		return fsys.Corruptf("invalid sectors per cluster %d", bs.SectorsPerCluster)
	}
	if bs.NumFATs == 0 || bs.ReservedSectors == 0 {
		return fsys.Corruptf("invalid FAT count %d or reserved sectors %d", bs.NumFATs, bs.ReservedSectors)
	}

	f.bpb.bytesPerSector = bs.BytesPerSector
	f.bpb.sectorsPerCluster = bs.SectorsPerCluster
	f.bpb.reservedSectors = bs.ReservedSectors
	f.bpb.numFATs = bs.NumFATs
	f.bpb.rootEntryCount = bs.RootEntryCount

	if bs.TotalSectors16 != 0 {
		f.bpb.totalSectors = uint32(bs.TotalSectors16)
	} else {
		f.bpb.totalSectors = bs.TotalSectors32
	}

	if bs.FATSize16 != 0 {
		f.bpb.fatSize = uint32(bs.FATSize16)
	} else {
		f.bpb.fatSize = bs.FATSize32
		f.bpb.rootCluster = bs.RootCluster
		f.bpb.isFAT32 = true
	}

	rootDirSectors := ((uint32(f.bpb.rootEntryCount) * 32) + uint32(f.bpb.bytesPerSector) - 1) / uint32(f.bpb.bytesPerSector)
	f.bpb.firstDataSector = uint32(f.bpb.reservedSectors) + (uint32(f.bpb.numFATs) * f.bpb.fatSize) + rootDirSectors
	if int64(f.bpb.totalSectors)*int64(f.bpb.bytesPerSector) > f.size {
		return fsys.Corruptf("volume of %d sectors exceeds image size %d", f.bpb.totalSectors, f.size)
	}
	if f.bpb.firstDataSector >= f.bpb.totalSectors {
		return fsys.Corruptf("data region starts at sector %d beyond %d sectors", f.bpb.firstDataSector, f.bpb.totalSectors)
	}
	f.bpb.countOfClusters = (f.bpb.totalSectors - f.bpb.firstDataSector) / uint32(f.bpb.sectorsPerCluster)

	// A structurally FAT32 volume is reported as FAT32 whatever its
	// cluster count; otherwise the count decides between FAT12 and FAT16.
	switch {
	case f.bpb.isFAT32:
		f.typ = "FAT32"
	case f.bpb.countOfClusters < 4085:
		f.typ = "FAT12"
	default:
		f.typ = "FAT16"
	}

	if f.bpb.isFAT32 && !f.validCluster(f.bpb.rootCluster) {
		return fsys.Corruptf("root cluster %d out of range", f.bpb.rootCluster)
	}

	return nil
}

func (f *FS) Type() string { return f.typ }
func (f *FS) Close() error { return nil }

// Describe returns the boot sector and its schema.
func (f *FS) Describe() (structure.Schema, []byte, error) {
	return BootSectorSchema, f.boot, nil
}

// ClusterSize returns the size of one cluster in bytes
func (f *FS) ClusterSize() int64 {
	return int64(f.bpb.sectorsPerCluster) * int64(f.bpb.bytesPerSector)
}

func (f *FS) clusterToOffset(cluster uint32) int64 {
	return int64(f.bpb.firstDataSector)*int64(f.bpb.bytesPerSector) +
		int64(cluster-2)*f.ClusterSize()
}

func (f *FS) validCluster(c uint32) bool {
	return c >= 2 && c < f.bpb.countOfClusters+2
}

// chain returns the clusters holding the first size bytes of the chain
// starting at start. The chain must be long enough, acyclic and stay
// within the data region.
func (f *FS) chain(start uint32, size int64) ([]uint32, error) {
	if size <= 0 {
		return nil, nil
	}
	clusterSize := f.ClusterSize()
	needed := (size + clusterSize - 1) / clusterSize
	if needed > int64(f.bpb.countOfClusters) {
		return nil, fsys.Corruptf("size %d needs %d clusters, volume has %d", size, needed, f.bpb.countOfClusters)
	}
	if !f.validCluster(start) {
		return nil, fsys.Corruptf("start cluster %d out of range", start)
	}

	clusters := make([]uint32, 0, needed)
	seen := make(map[uint32]bool, needed)
	cluster := start
	for {
		if seen[cluster] {
			return nil, fsys.Corruptf("cluster chain from %d loops at %d", start, cluster)
		}
		seen[cluster] = true
		clusters = append(clusters, cluster)
		if int64(len(clusters)) == needed {
			return clusters, nil
		}

		next, err := f.fat.next(cluster)
		if err != nil {
			return nil, fmt.Errorf("reading FAT entry for cluster %d: %w", cluster, err)
		}
		if f.fat.isEOF(next) {
			return nil, fsys.Corruptf("cluster chain from %d ends after %d of %d clusters", start, len(clusters), needed)
		}
		if !f.validCluster(next) {
			return nil, fsys.Corruptf("cluster %d links to out of range cluster %d", cluster, next)
		}
		cluster = next
	}
}

// dirChain follows a directory's chain to its end marker.
func (f *FS) dirChain(start uint32) ([]uint32, error) {
	if !f.validCluster(start) {
		return nil, fsys.Corruptf("directory cluster %d out of range", start)
	}
	var clusters []uint32
	seen := make(map[uint32]bool)
	cluster := start
	for {
		if seen[cluster] {
			return nil, fsys.Corruptf("directory chain from %d loops at %d", start, cluster)
		}
		seen[cluster] = true
		clusters = append(clusters, cluster)

		next, err := f.fat.next(cluster)
		if err != nil {
			return nil, fmt.Errorf("reading FAT entry for cluster %d: %w", cluster, err)
		}
		if f.fat.isEOF(next) {
			return clusters, nil
		}
		if !f.validCluster(next) {
			return nil, fsys.Corruptf("cluster %d links to out of range cluster %d", cluster, next)
		}
		cluster = next
	}
}

// clusterExtents coalesces contiguous clusters into extents covering size bytes.
func (f *FS) clusterExtents(clusters []uint32, size int64) []fsys.Extent {
	var extents []fsys.Extent
	clusterSize := f.ClusterSize()
	logical := int64(0)

	for _, c := range clusters {
		phys := f.clusterToOffset(c)
		length := min(clusterSize, size-logical)

		if n := len(extents); n > 0 && extents[n-1].Physical+extents[n-1].Length == phys {
			extents[n-1].Length += length
		} else {
			extents = append(extents, fsys.Extent{Logical: logical, Physical: phys, Length: length})
		}
		logical += length
	}
	return extents
}

// FileExtents returns the physical extents for a file
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	id, err := f.ResolvePath(name)
	if err != nil {
		return nil, err
	}
	if id.Dir {
		return nil, fmt.Errorf("%s: is a directory", name)
	}

	clusters, err := f.chain(uint32(id.Ref), id.Size)
	if err != nil {
		return nil, err
	}
	return f.clusterExtents(clusters, id.Size), nil
}

// LocateSlack returns the unused tail of the file's last cluster.
func (f *FS) LocateSlack(file fsys.FileID) ([]fsys.Range, error) {
	if file.Dir {
		return nil, fmt.Errorf("%s: is a directory", file.Path)
	}
	clusters, err := f.chain(uint32(file.Ref), file.Size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Path, err)
	}
	r, err := fsys.TrailingSlack(f.clusterExtents(clusters, file.Size), file.Size, f.ClusterSize())
	if err != nil || r.Size() == 0 {
		return nil, err
	}
	return []fsys.Range{r}, nil
}

// next returns the next cluster in the chain
func (t *fatTable) next(cluster uint32) (uint32, error) {
	switch {
	case t.isFAT32:
		return t.nextFAT32(cluster)
	case t.isFAT12:
		return t.nextFAT12(cluster)
	}
	return t.nextFAT16(cluster)
}

func (t *fatTable) nextFAT12(cluster uint32) (uint32, error) {
	offset := t.startOffset + int64(cluster)*3/2
	buf := make([]byte, 2)
	if _, err := t.r.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	val := binary.LittleEndian.Uint16(buf)
	if cluster%2 == 0 {
		return uint32(val & 0x0FFF), nil
	}
	return uint32(val >> 4), nil
}

func (t *fatTable) nextFAT16(cluster uint32) (uint32, error) {
	buf := make([]byte, 2)
	if _, err := t.r.ReadAt(buf, t.startOffset+int64(cluster)*2); err != nil {
		return 0, err
	}
	return uint32(binary.LittleEndian.Uint16(buf)), nil
}

func (t *fatTable) nextFAT32(cluster uint32) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := t.r.ReadAt(buf, t.startOffset+int64(cluster)*4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf) & 0x0FFFFFFF, nil
}

func (t *fatTable) isEOF(cluster uint32) bool {
	switch {
	case t.isFAT32:
		return cluster >= 0x0FFFFFF8
	case t.isFAT12:
		return cluster >= 0x0FF8
	}
	return cluster >= 0xFFF8
}

// dirEntry represents a FAT directory entry
type dirEntry struct {
	name    string
	attr    uint8
	cluster uint32
	size    uint32
}

const (
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrLFN       = 0x0F
)

func (e dirEntry) isDir() bool { return e.attr&attrDirectory != 0 }

// readRootDir reads the root directory
func (f *FS) readRootDir() ([]dirEntry, error) {
	if f.bpb.isFAT32 {
		return f.readDir(f.bpb.rootCluster)
	}

	// FAT12/16: root directory is at fixed location
	rootStart := int64(f.bpb.reservedSectors)*int64(f.bpb.bytesPerSector) +
		int64(f.bpb.numFATs)*int64(f.bpb.fatSize)*int64(f.bpb.bytesPerSector)
	data := make([]byte, int64(f.bpb.rootEntryCount)*32)
	if _, err := f.r.ReadAt(data, rootStart); err != nil {
		return nil, fmt.Errorf("reading root directory: %w", err)
	}

	return f.parseDirEntries(data), nil
}

// readDir reads a directory starting at the given cluster
func (f *FS) readDir(cluster uint32) ([]dirEntry, error) {
	clusters, err := f.dirChain(cluster)
	if err != nil {
		return nil, err
	}

	clusterSize := f.ClusterSize()
	data := make([]byte, int64(len(clusters))*clusterSize)
	for i, c := range clusters {
		if _, err := f.r.ReadAt(data[int64(i)*clusterSize:int64(i+1)*clusterSize], f.clusterToOffset(c)); err != nil {
			return nil, fmt.Errorf("reading directory cluster %d: %w", c, err)
		}
	}
	return f.parseDirEntries(data), nil
}

func (f *FS) parseDirEntries(data []byte) []dirEntry {
	var entries []dirEntry
	var lfnParts []string

	for i := 0; i+32 <= len(data); i += 32 {
		entry := data[i : i+32]

		// End of directory
		if entry[0] == 0x00 {
			break
		}

		// Deleted entry
		if entry[0] == 0xE5 {
			lfnParts = nil
			continue
		}

		attr := entry[11]

		if attr == attrLFN {
			if entry[0]&0x40 != 0 {
				lfnParts = nil // Start of new LFN sequence
			}
			lfnParts = append([]string{parseLFNEntry(entry)}, lfnParts...)
			continue
		}

		if attr&attrVolumeID != 0 {
			lfnParts = nil
			continue
		}

		de := dirEntry{
			attr:    attr,
			size:    binary.LittleEndian.Uint32(entry[28:32]),
			cluster: uint32(binary.LittleEndian.Uint16(entry[26:28])),
		}
		if f.bpb.isFAT32 {
			de.cluster |= uint32(binary.LittleEndian.Uint16(entry[20:22])) << 16
		}

		if len(lfnParts) > 0 {
			de.name = strings.Join(lfnParts, "")
		} else {
			de.name = shortName(entry[0:11])
		}

		entries = append(entries, de)
		lfnParts = nil
	}

	return entries
}

// shortName decodes an 8.3 name from the OEM code page. Names without a
// long-name entry are shown in lower case.
func shortName(raw []byte) string {
	b := make([]byte, 11)
	copy(b, raw)
	if b[0] == 0x05 {
		b[0] = 0xE5
	}

	dec := charmap.CodePage437.NewDecoder()
	name, err := dec.String(strings.TrimRight(string(b[0:8]), " "))
	if err != nil {
		name = strings.TrimRight(string(b[0:8]), " ")
	}
	ext, err := dec.String(strings.TrimRight(string(b[8:11]), " "))
	if err != nil {
		ext = strings.TrimRight(string(b[8:11]), " ")
	}
	if ext != "" {
		name += "." + ext
	}
	return strings.ToLower(name)
}

func parseLFNEntry(entry []byte) string {
	offsets := [13]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

	var result strings.Builder
	for _, off := range offsets {
		c := binary.LittleEndian.Uint16(entry[off : off+2])
		if c == 0 || c == 0xFFFF {
			break
		}
		result.WriteRune(rune(c))
	}
	return result.String()
}

func (f *FS) root() fsys.FileID {
	return fsys.FileID{Path: ".", Dir: true, Ref: uint64(f.bpb.rootCluster)}
}

func (f *FS) entries(dir fsys.FileID) ([]dirEntry, error) {
	if dir.Path == "." {
		return f.readRootDir()
	}
	return f.readDir(uint32(dir.Ref))
}

// ResolvePath walks the directory tree from the root. Name matching is
// case-insensitive, as on the volume.
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
		entries, err := f.entries(cur)
		if err != nil {
			return fsys.FileID{}, fmt.Errorf("reading %s: %w", cur.Path, err)
		}

		found := false
		for _, e := range entries {
			if strings.EqualFold(e.name, part) {
				cur = toFileID(cur.Path, e)
				found = true
				break
			}
		}
		if !found {
			return fsys.FileID{}, &fs.PathError{Op: "resolve", Path: name, Err: fs.ErrNotExist}
		}
	}

	return cur, nil
}

// EnumerateDirectory returns the entries of dir in on-disk order.
func (f *FS) EnumerateDirectory(dir fsys.FileID) ([]fsys.FileID, error) {
	if !dir.Dir {
		return nil, fmt.Errorf("%s: not a directory", dir.Path)
	}
	entries, err := f.entries(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir.Path, err)
	}

	ids := make([]fsys.FileID, 0, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		ids = append(ids, toFileID(dir.Path, e))
	}
	return ids, nil
}

func toFileID(parent string, e dirEntry) fsys.FileID {
	return fsys.FileID{
		Path: fsys.Join(parent, e.name),
		Dir:  e.isDir(),
		Size: int64(e.size),
		Ref:  uint64(e.cluster),
	}
}
