// Package ext locates file slack on ext2/ext3/ext4 filesystems.
package ext

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/go-restruct/restruct"

	"github.com/lvdlvd/slacker/fsys"
	"github.com/lvdlvd/slacker/structure"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	extMagic         = 0xEF53
	extentMagic      = 0xF30A
	maxExtentDepth   = 5

	// Inode flags
	inodeFlagExtents    = 0x00080000
	inodeFlagInlineData = 0x10000000

	// Feature flags
	featureIncompatExtents  = 0x0040
	featureIncompat64Bit    = 0x0080
	featureCompatHasJournal = 0x0004

	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeRegular  = 0x8000

	rootInode = 2
)

// FS is an ext2/3/4 filesystem inside an image.
type FS struct {
	r          io.ReaderAt
	raw        []byte
	sb         superblock
	blockSize  int64
	blocks     uint64
	descSize   int64
	inodeSize  int64
	groupCount uint32
	typ        string
}

// superblock is the on-disk layout of the first 0x88 bytes
type superblock struct {
	InodesCount      uint32
	BlocksCountLo    uint32
	RBlocksCount     uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogClusterSize   uint32
	BlocksPerGroup   uint32
	ClustersPerGroup uint32
	InodesPerGroup   uint32
	Mtime            uint32
	Wtime            uint32
	MntCount         uint16
	MaxMntCount      uint16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	LastCheck        uint32
	CheckInterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResuid        uint16
	DefResgid        uint16
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
}

// SuperblockSchema describes the superblock fields shown by Describe.
var SuperblockSchema = structure.Schema{
	{Name: "inode_count", Offset: 0x00, Size: 4},
	{Name: "block_count", Offset: 0x04, Size: 4},
	{Name: "free_blocks", Offset: 0x0C, Size: 4},
	{Name: "free_inodes", Offset: 0x10, Size: 4},
	{Name: "first_data_block", Offset: 0x14, Size: 4},
	{Name: "log_block_size", Offset: 0x18, Size: 4},
	{Name: "blocks_per_group", Offset: 0x20, Size: 4},
	{Name: "inodes_per_group", Offset: 0x28, Size: 4},
	{Name: "magic_number", Offset: 0x38, Size: 2, Format: structure.Hex},
	{Name: "revision", Offset: 0x4C, Size: 4},
	{Name: "inode_size", Offset: 0x58, Size: 2},
	{Name: "feature_compat", Offset: 0x5C, Size: 4, Format: structure.Hex},
	{Name: "feature_incompat", Offset: 0x60, Size: 4, Format: structure.Hex},
	{Name: "feature_ro_compat", Offset: 0x64, Size: 4, Format: structure.Hex},
	{Name: "volume_uuid", Offset: 0x68, Size: 16, Format: structure.Bytes},
	{Name: "volume_name", Offset: 0x78, Size: 16, Format: structure.ASCII},
}

type inode struct {
	mode  uint16
	size  int64
	flags uint32
	block [60]byte // 15 * 4 bytes for block pointers or extent tree
}

func (ino inode) isDir() bool { return ino.mode&modeTypeMask == modeDir }
func (ino inode) isRegular() bool { return ino.mode&modeTypeMask == modeRegular }

// Open opens an ext2/3/4 filesystem from the given reader
func Open(r io.ReaderAt, size int64) (*FS, error) {
	data := make([]byte, superblockSize)
	if _, err := r.ReadAt(data, superblockOffset); err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}
	if binary.LittleEndian.Uint16(data[0x38:0x3A]) != extMagic {
		return nil, fmt.Errorf("not an ext filesystem")
	}

	f := &FS{r: r, raw: data}
	if err := f.parseSuperblock(data, size); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FS) parseSuperblock(data []byte, size int64) error {
	if err := restruct.Unpack(data, binary.LittleEndian, &f.sb); err != nil {
		return fmt.Errorf("decoding superblock: %w", err)
	}

	if f.sb.LogBlockSize > 6 {
		return fsys.Corruptf("invalid block size exponent %d", f.sb.LogBlockSize)
	}
	f.blockSize = 1024 << f.sb.LogBlockSize

	f.inodeSize = int64(f.sb.InodeSize)
	if f.sb.RevLevel == 0 {
		f.inodeSize = 128
	}
	if f.inodeSize < 128 || f.inodeSize > f.blockSize {
		return fsys.Corruptf("invalid inode size %d", f.inodeSize)
	}

	f.blocks = uint64(f.sb.BlocksCountLo)
	f.descSize = 32
	if f.sb.FeatureIncompat&featureIncompat64Bit != 0 {
		if ds := int64(binary.LittleEndian.Uint16(data[0xFE:0x100])); ds != 0 {
			f.descSize = ds
		} else {
			f.descSize = 64
		}
		f.blocks |= uint64(binary.LittleEndian.Uint32(data[0x150:0x154])) << 32
	}

	if f.sb.BlocksPerGroup == 0 || f.sb.InodesPerGroup == 0 {
		return fsys.Corruptf("zero blocks or inodes per group")
	}
	if f.blocks > uint64(size/f.blockSize) {
		return fsys.Corruptf("%d blocks exceed image size %d", f.blocks, size)
	}
	if uint64(f.sb.FirstDataBlock) >= f.blocks {
		return fsys.Corruptf("first data block %d beyond %d blocks", f.sb.FirstDataBlock, f.blocks)
	}
	f.groupCount = uint32((f.blocks - uint64(f.sb.FirstDataBlock) + uint64(f.sb.BlocksPerGroup) - 1) / uint64(f.sb.BlocksPerGroup))

	switch {
	case f.sb.FeatureIncompat&(featureIncompatExtents|featureIncompat64Bit) != 0:
		f.typ = "ext4"
	case f.sb.FeatureCompat&featureCompatHasJournal != 0:
		f.typ = "ext3"
	default:
		f.typ = "ext2"
	}

	return nil
}

func (f *FS) Type() string { return f.typ }
func (f *FS) Close() error { return nil }

// BlockSize returns the filesystem block size in bytes
func (f *FS) BlockSize() int64 { return f.blockSize }

// Describe returns the superblock and its schema.
func (f *FS) Describe() (structure.Schema, []byte, error) {
	return SuperblockSchema, f.raw, nil
}

func (f *FS) blockOffset(block uint64) int64 {
	return int64(block) * f.blockSize
}

func (f *FS) readBlock(block uint64) ([]byte, error) {
	if block >= f.blocks {
		return nil, fsys.Corruptf("block %d beyond %d blocks", block, f.blocks)
	}
	data := make([]byte, f.blockSize)
	if _, err := f.r.ReadAt(data, f.blockOffset(block)); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", block, err)
	}
	return data, nil
}

// inodeTable returns the first block of a group's inode table.
func (f *FS) inodeTable(group uint32) (uint64, error) {
	descBlock := uint64(f.sb.FirstDataBlock + 1)
	data := make([]byte, f.descSize)
	if _, err := f.r.ReadAt(data, f.blockOffset(descBlock)+int64(group)*f.descSize); err != nil {
		return 0, fmt.Errorf("reading group descriptor %d: %w", group, err)
	}

	table := uint64(binary.LittleEndian.Uint32(data[0x08:0x0C]))
	if f.sb.FeatureIncompat&featureIncompat64Bit != 0 && f.descSize >= 64 {
		table |= uint64(binary.LittleEndian.Uint32(data[0x28:0x2C])) << 32
	}
	if table == 0 || table >= f.blocks {
		return 0, fsys.Corruptf("group %d inode table at block %d", group, table)
	}
	return table, nil
}

func (f *FS) readInode(num uint64) (inode, error) {
	if num == 0 || num > uint64(f.sb.InodesCount) {
		return inode{}, fsys.Corruptf("inode %d out of range", num)
	}

	group := uint32((num - 1) / uint64(f.sb.InodesPerGroup))
	index := int64((num - 1) % uint64(f.sb.InodesPerGroup))
	if group >= f.groupCount {
		return inode{}, fsys.Corruptf("inode %d in group %d of %d", num, group, f.groupCount)
	}

	table, err := f.inodeTable(group)
	if err != nil {
		return inode{}, err
	}
	data := make([]byte, f.inodeSize)
	if _, err := f.r.ReadAt(data, f.blockOffset(table)+index*f.inodeSize); err != nil {
		return inode{}, fmt.Errorf("reading inode %d: %w", num, err)
	}

	ino := inode{
		mode:  binary.LittleEndian.Uint16(data[0x00:0x02]),
		size:  int64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		flags: binary.LittleEndian.Uint32(data[0x20:0x24]),
	}
	copy(ino.block[:], data[0x28:0x64])

	// Size high bits (for large files and directories)
	if t := ino.mode & modeTypeMask; t == modeRegular || t == modeDir {
		ino.size |= int64(binary.LittleEndian.Uint32(data[0x6C:0x70])) << 32
	}
	if ino.size < 0 {
		return inode{}, fsys.Corruptf("inode %d has negative size", num)
	}

	return ino, nil
}

// extents maps an inode's blocks to image extents, trimmed to its size.
func (f *FS) extents(ino inode) ([]fsys.Extent, error) {
	if ino.flags&inodeFlagInlineData != 0 || ino.size == 0 {
		return nil, nil
	}

	var extents []fsys.Extent
	add := func(logicalBlock, physicalBlock, count uint64) error {
		if physicalBlock+count > f.blocks || physicalBlock+count < physicalBlock {
			return fsys.Corruptf("blocks [%d,+%d) beyond %d blocks", physicalBlock, count, f.blocks)
		}
		logical := int64(logicalBlock) * f.blockSize
		if logical >= ino.size {
			return nil
		}
		length := min(int64(count)*f.blockSize, ino.size-logical)
		physical := f.blockOffset(physicalBlock)

		if n := len(extents); n > 0 && extents[n-1].Logical+extents[n-1].Length == logical && extents[n-1].Physical+extents[n-1].Length == physical {
			extents[n-1].Length += length
			return nil
		}
		extents = append(extents, fsys.Extent{Logical: logical, Physical: physical, Length: length})
		return nil
	}

	if ino.flags&inodeFlagExtents != 0 {
		if err := f.walkExtentTree(ino.block[:], maxExtentDepth, add); err != nil {
			return nil, err
		}
		return extents, nil
	}
	if err := f.walkBlockPointers(ino, add); err != nil {
		return nil, err
	}
	return extents, nil
}

func (f *FS) walkExtentTree(data []byte, maxDepth int, add func(logical, physical, count uint64) error) error {
	if len(data) < 12 {
		return fsys.Corruptf("extent node too small")
	}
	magic := binary.LittleEndian.Uint16(data[0:2])
	entries := int(binary.LittleEndian.Uint16(data[2:4]))
	maxEntries := int(binary.LittleEndian.Uint16(data[4:6]))
	depth := int(binary.LittleEndian.Uint16(data[6:8]))

	if magic != extentMagic {
		return fsys.Corruptf("invalid extent magic %04x", magic)
	}
	if entries > maxEntries || 12+entries*12 > len(data) {
		return fsys.Corruptf("extent node holds %d of %d entries", entries, maxEntries)
	}
	if depth > maxDepth {
		return fsys.Corruptf("extent tree depth %d exceeds %d", depth, maxDepth)
	}

	for i := 0; i < entries; i++ {
		e := data[12+i*12 : 24+i*12]
		if depth == 0 {
			// Leaf: logical block, length, physical start
			length := uint64(binary.LittleEndian.Uint16(e[4:6]))
			if length > 0x8000 {
				length -= 0x8000 // uninitialized
			}
			start := uint64(binary.LittleEndian.Uint32(e[8:12])) | uint64(binary.LittleEndian.Uint16(e[6:8]))<<32
			if err := add(uint64(binary.LittleEndian.Uint32(e[0:4])), start, length); err != nil {
				return err
			}
			continue
		}

		leaf := uint64(binary.LittleEndian.Uint32(e[4:8])) | uint64(binary.LittleEndian.Uint16(e[8:10]))<<32
		block, err := f.readBlock(leaf)
		if err != nil {
			return err
		}
		if err := f.walkExtentTree(block, depth-1, add); err != nil {
			return err
		}
	}
	return nil
}

// walkBlockPointers follows the direct and indirect block maps of ext2/3.
// Holes (zero pointers) are skipped.
func (f *FS) walkBlockPointers(ino inode, add func(logical, physical, count uint64) error) error {
	needed := uint64((ino.size + f.blockSize - 1) / f.blockSize)
	perBlock := uint64(f.blockSize / 4)
	logical := uint64(0)

	var walk func(block uint64, level int) error
	walk = func(block uint64, level int) error {
		if block == 0 {
			span := uint64(1)
			for i := 0; i < level; i++ {
				span *= perBlock
			}
			logical += span
			return nil
		}
		if level == 0 {
			if err := add(logical, block, 1); err != nil {
				return err
			}
			logical++
			return nil
		}
		data, err := f.readBlock(block)
		if err != nil {
			return err
		}
		for i := uint64(0); i < perBlock && logical < needed; i++ {
			if err := walk(uint64(binary.LittleEndian.Uint32(data[i*4:])), level-1); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 0; i < 15 && logical < needed; i++ {
		level := 0
		if i >= 12 {
			level = i - 11
		}
		if err := walk(uint64(binary.LittleEndian.Uint32(ino.block[i*4:])), level); err != nil {
			return err
		}
	}
	return nil
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
	ino, err := f.readInode(id.Ref)
	if err != nil {
		return nil, err
	}
	if !ino.isRegular() {
		return nil, fmt.Errorf("%s: not a regular file", name)
	}
	return f.extents(ino)
}

// LocateSlack returns the unused tail of the block holding the file's last
// byte. Files ending in a hole or stored inline have no slack, and neither
// have symlinks, devices or other non-regular inodes.
func (f *FS) LocateSlack(file fsys.FileID) ([]fsys.Range, error) {
	if file.Dir {
		return nil, fmt.Errorf("%s: is a directory", file.Path)
	}
	ino, err := f.readInode(file.Ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Path, err)
	}
	// A fast symlink keeps its target text where block pointers would be.
	if !ino.isRegular() {
		return nil, nil
	}
	extents, err := f.extents(ino)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file.Path, err)
	}
	if n := len(extents); n == 0 || extents[n-1].Logical+extents[n-1].Length != ino.size {
		return nil, nil
	}
	r, err := fsys.TrailingSlack(extents, ino.size, f.blockSize)
	if err != nil || r.Size() == 0 {
		return nil, err
	}
	return []fsys.Range{r}, nil
}

// Directory entry structure
type dirEntry struct {
	inode uint32
	name  string
}

func (f *FS) readDirectory(ino inode) ([]dirEntry, error) {
	extents, err := f.extents(ino)
	if err != nil {
		return nil, err
	}
	data := make([]byte, ino.size)
	if _, err := fsys.NewExtentReaderAt(f.r, extents, ino.size).ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}

	var entries []dirEntry
	for offset := 0; offset+8 <= len(data); {
		inodeNum := binary.LittleEndian.Uint32(data[offset : offset+4])
		recLen := int(binary.LittleEndian.Uint16(data[offset+4 : offset+6]))
		nameLen := int(data[offset+6])

		if recLen < 8 || offset+recLen > len(data) || 8+nameLen > recLen {
			return nil, fsys.Corruptf("directory entry at %d has invalid length %d", offset, recLen)
		}
		if inodeNum != 0 && nameLen > 0 {
			entries = append(entries, dirEntry{
				inode: inodeNum,
				name:  string(data[offset+8 : offset+8+nameLen]),
			})
		}
		offset += recLen
	}

	return entries, nil
}

func (f *FS) root() fsys.FileID {
	return fsys.FileID{Path: ".", Dir: true, Ref: rootInode}
}

// fileID describes the entry e of parent. regular reports whether it is a
// regular file; anything that is neither that nor a directory has no data
// of its own to carry slack.
func (f *FS) fileID(parent string, e dirEntry) (id fsys.FileID, regular bool, err error) {
	ino, err := f.readInode(uint64(e.inode))
	if err != nil {
		return fsys.FileID{}, false, err
	}
	id = fsys.FileID{Path: fsys.Join(parent, e.name), Dir: ino.isDir(), Ref: uint64(e.inode)}
	if !id.Dir {
		id.Size = ino.size
	}
	return id, ino.isRegular(), nil
}

func (f *FS) entries(dir fsys.FileID) ([]dirEntry, error) {
	ino, err := f.readInode(dir.Ref)
	if err != nil {
		return nil, err
	}
	if !ino.isDir() {
		return nil, fmt.Errorf("%s: not a directory", dir.Path)
	}
	entries, err := f.readDirectory(ino)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir.Path, err)
	}
	return entries, nil
}

// ResolvePath walks directory entries from the root inode. Names are
// case-sensitive.
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
			return fsys.FileID{}, err
		}

		found := false
		for _, e := range entries {
			if e.name == part {
				if cur, _, err = f.fileID(cur.Path, e); err != nil {
					return fsys.FileID{}, err
				}
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

// EnumerateDirectory returns the directories and regular files of dir in
// on-disk order. Symlinks, devices, fifos and sockets are left out.
func (f *FS) EnumerateDirectory(dir fsys.FileID) ([]fsys.FileID, error) {
	if !dir.Dir {
		return nil, fmt.Errorf("%s: not a directory", dir.Path)
	}
	entries, err := f.entries(dir)
	if err != nil {
		return nil, err
	}

	ids := make([]fsys.FileID, 0, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		id, regular, err := f.fileID(dir.Path, e)
		if err != nil {
			return nil, err
		}
		if !id.Dir && !regular {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
