// Package testimg builds small filesystem images in memory for tests.
//
// The images are minimal but structurally valid: enough metadata for the
// fsys backends to resolve paths, walk allocation structures and find
// slack. They are not meant to be mounted.
package testimg

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"
)

// File is a regular file to place in an image. Directories are created
// implicitly from the path.
type File struct {
	Path  string
	Data  []byte
	Slack []byte // bytes stored right after Data in the last unit

	// NTFS only: keep the data in the MFT record, or allocate extra
	// clusters past the data.
	Resident bool
	Prealloc int64

	// ext only: make a fast symlink to Link instead of a regular file.
	Link string
}

// Placement records where a file ended up in the image.
type Placement struct {
	Ref      uint64  // first cluster, MFT record or inode
	Units    []int64 // image offset of every allocated cluster/block, in file order
	DataEnd  int64   // image offset one past the last data byte
	UnitSize int64
}

// SlackStart returns the image offset of the first slack byte.
func (p Placement) SlackStart() int64 { return p.DataEnd }

// FATType selects the FAT variant built by FAT.
type FATType int

const (
	FAT12 FATType = 12
	FAT16 FATType = 16
	FAT32 FATType = 32
)

// FATOptions controls the geometry of a FAT image.
type FATOptions struct {
	Type              FATType
	SectorsPerCluster uint8 // defaults to 1
	// Fragment leaves a free cluster between consecutive clusters of
	// every file so chains are not contiguous.
	Fragment bool
}

// FATImage is a built FAT image.
type FATImage struct {
	Data      []byte
	Files     map[string]Placement
	Dirs      map[string]uint32 // directory path -> first cluster
	Type      FATType
	fatOffset int64
	fatBytes  int64
	numFATs   int
}

const (
	fatSectorSize = 512
	fatDirEntry   = 32
)

type fatGeometry struct {
	totalSectors    uint32
	reservedSectors uint16
	numFATs         uint8
	rootEntries     uint16
	fatSectors      uint32
}

func geometryFor(t FATType, spc uint8) fatGeometry {
	switch t {
	case FAT12:
		return fatGeometry{totalSectors: 2880 * uint32(spc), reservedSectors: 1, numFATs: 2, rootEntries: 224, fatSectors: 9}
	case FAT32:
		return fatGeometry{totalSectors: 4096 * uint32(spc), reservedSectors: 32, numFATs: 2, fatSectors: 32}
	default:
		return fatGeometry{totalSectors: 8192 * uint32(spc), reservedSectors: 1, numFATs: 2, rootEntries: 512, fatSectors: 32}
	}
}

type fatNode struct {
	name     string
	children []*fatNode
	file     *File
	cluster  uint32
	clusters []uint32
}

func (n *fatNode) child(name string) *fatNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &fatNode{name: name}
	n.children = append(n.children, c)
	return c
}

// FAT builds a FAT12/16/32 image holding files in the given order.
func FAT(opts FATOptions, files ...File) (*FATImage, error) {
	if opts.Type == 0 {
		opts.Type = FAT16
	}
	if opts.SectorsPerCluster == 0 {
		opts.SectorsPerCluster = 1
	}
	g := geometryFor(opts.Type, opts.SectorsPerCluster)
	clusterSize := int64(opts.SectorsPerCluster) * fatSectorSize

	img := &FATImage{
		Data:      make([]byte, int64(g.totalSectors)*fatSectorSize),
		Files:     make(map[string]Placement),
		Dirs:      make(map[string]uint32),
		Type:      opts.Type,
		fatOffset: int64(g.reservedSectors) * fatSectorSize,
		fatBytes:  int64(g.fatSectors) * fatSectorSize,
		numFATs:   int(g.numFATs),
	}

	rootDirSectors := (uint32(g.rootEntries)*fatDirEntry + fatSectorSize - 1) / fatSectorSize
	firstDataSector := uint32(g.reservedSectors) + uint32(g.numFATs)*g.fatSectors + rootDirSectors
	countOfClusters := (g.totalSectors - firstDataSector) / uint32(opts.SectorsPerCluster)
	clusterOffset := func(c uint32) int64 {
		return int64(firstDataSector)*fatSectorSize + int64(c-2)*clusterSize
	}

	writeBootSector(img.Data, opts, g)

	// media descriptor and reserved entries
	img.SetNext(0, 0x0FFFFFF8)
	img.SetNext(1, 0x0FFFFFFF)

	next := uint32(2)
	alloc := func(n int64) ([]uint32, error) {
		var out []uint32
		for i := int64(0); i < n; i++ {
			if next >= countOfClusters+2 {
				return nil, fmt.Errorf("image full")
			}
			out = append(out, next)
			next++
			if opts.Fragment {
				next++
			}
		}
		for i, c := range out {
			if i == len(out)-1 {
				img.SetNext(c, 0x0FFFFFFF)
			} else {
				img.SetNext(c, out[i+1])
			}
		}
		return out, nil
	}

	root := &fatNode{}
	if opts.Type == FAT32 {
		c, err := alloc(1)
		if err != nil {
			return nil, err
		}
		root.clusters = c
		root.cluster = c[0]
	}

	for i := range files {
		f := &files[i]
		parts := strings.Split(strings.Trim(f.Path, "/"), "/")
		n := root
		for _, p := range parts[:len(parts)-1] {
			n = n.child(p)
		}
		leaf := n.child(parts[len(parts)-1])
		leaf.file = f
	}

	// Directories first so their clusters precede file data.
	var allocDirs func(n *fatNode, p string) error
	allocDirs = func(n *fatNode, p string) error {
		for _, c := range n.children {
			if c.file != nil {
				continue
			}
			entries := dirTableSize(c)
			cl, err := alloc((entries + clusterSize - 1) / clusterSize)
			if err != nil {
				return err
			}
			c.clusters = cl
			c.cluster = cl[0]
			cp := path.Join(p, c.name)
			img.Dirs[cp] = c.cluster
			if err := allocDirs(c, cp); err != nil {
				return err
			}
		}
		return nil
	}
	if err := allocDirs(root, ""); err != nil {
		return nil, err
	}

	var allocFiles func(n *fatNode, p string) error
	allocFiles = func(n *fatNode, p string) error {
		for _, c := range n.children {
			cp := path.Join(p, c.name)
			if c.file == nil {
				if err := allocFiles(c, cp); err != nil {
					return err
				}
				continue
			}
			size := int64(len(c.file.Data))
			cl, err := alloc((size + clusterSize - 1) / clusterSize)
			if err != nil {
				return err
			}
			c.clusters = cl
			pl := Placement{UnitSize: clusterSize}
			if len(cl) > 0 {
				c.cluster = cl[0]
				pl.Ref = uint64(cl[0])
			}
			for j, k := range cl {
				off := clusterOffset(k)
				pl.Units = append(pl.Units, off)
				chunk := c.file.Data[int64(j)*clusterSize:]
				if int64(len(chunk)) > clusterSize {
					chunk = chunk[:clusterSize]
				}
				copy(img.Data[off:], chunk)
				if j == len(cl)-1 {
					pl.DataEnd = off + int64(len(chunk))
					copy(img.Data[pl.DataEnd:off+clusterSize], c.file.Slack)
				}
			}
			img.Files[cp] = pl
		}
		return nil
	}
	if err := allocFiles(root, ""); err != nil {
		return nil, err
	}

	// Directory tables.
	var writeDirs func(n *fatNode, parent uint32, isRoot bool)
	writeDirs = func(n *fatNode, parent uint32, isRoot bool) {
		var table []byte
		if !isRoot {
			table = append(table, shortEntry(".          ", 0x10, n.cluster, 0)...)
			table = append(table, shortEntry("..         ", 0x10, parent, 0)...)
		}
		for i, c := range n.children {
			attr := byte(0x20)
			size := uint32(0)
			if c.file == nil {
				attr = 0x10
			} else {
				size = uint32(len(c.file.Data))
			}
			table = append(table, dirEntries(c.name, i, attr, c.cluster, size)...)
		}

		if isRoot && opts.Type != FAT32 {
			rootOff := int64(uint32(g.reservedSectors)+uint32(g.numFATs)*g.fatSectors) * fatSectorSize
			copy(img.Data[rootOff:], table)
		} else {
			for j, k := range n.clusters {
				start := int64(j) * clusterSize
				if start >= int64(len(table)) {
					break
				}
				end := min(start+clusterSize, int64(len(table)))
				copy(img.Data[clusterOffset(k):], table[start:end])
			}
		}

		self := n.cluster
		if isRoot {
			self = 0
		}
		for _, c := range n.children {
			if c.file == nil {
				writeDirs(c, self, false)
			}
		}
	}
	writeDirs(root, 0, true)
	if opts.Type == FAT32 {
		img.Dirs["."] = root.cluster
	}

	return img, nil
}

func dirTableSize(n *fatNode) int64 {
	size := int64(2 * fatDirEntry)
	for i, c := range n.children {
		size += int64(len(dirEntries(c.name, i, 0, 0, 0)))
	}
	return size
}

func writeBootSector(data []byte, opts FATOptions, g fatGeometry) {
	bs := data[:fatSectorSize]
	copy(bs[0:3], []byte{0xEB, 0x3C, 0x90})
	copy(bs[3:11], "MSWIN4.1")
	binary.LittleEndian.PutUint16(bs[11:13], fatSectorSize)
	bs[13] = opts.SectorsPerCluster
	binary.LittleEndian.PutUint16(bs[14:16], g.reservedSectors)
	bs[16] = g.numFATs
	binary.LittleEndian.PutUint16(bs[17:19], g.rootEntries)
	bs[21] = 0xF8
	if g.totalSectors <= 0xFFFF && opts.Type != FAT32 {
		binary.LittleEndian.PutUint16(bs[19:21], uint16(g.totalSectors))
	} else {
		binary.LittleEndian.PutUint32(bs[32:36], g.totalSectors)
	}
	switch opts.Type {
	case FAT32:
		binary.LittleEndian.PutUint32(bs[36:40], g.fatSectors)
		binary.LittleEndian.PutUint32(bs[44:48], 2)
		bs[66] = 0x29
		copy(bs[71:82], "SLACKVOL   ")
		copy(bs[82:90], "FAT32   ")
	default:
		binary.LittleEndian.PutUint16(bs[22:24], uint16(g.fatSectors))
		bs[38] = 0x29
		copy(bs[43:54], "SLACKVOL   ")
		if opts.Type == FAT12 {
			copy(bs[54:62], "FAT12   ")
		} else {
			copy(bs[54:62], "FAT16   ")
		}
	}
	bs[510] = 0x55
	bs[511] = 0xAA
}

// SetNext writes a FAT entry in every FAT copy.
func (img *FATImage) SetNext(cluster, next uint32) {
	for i := 0; i < img.numFATs; i++ {
		base := img.fatOffset + int64(i)*img.fatBytes
		switch img.Type {
		case FAT12:
			off := base + int64(cluster)*3/2
			v := binary.LittleEndian.Uint16(img.Data[off:])
			next &= 0x0FFF
			if cluster%2 == 0 {
				v = v&0xF000 | uint16(next)
			} else {
				v = v&0x000F | uint16(next)<<4
			}
			binary.LittleEndian.PutUint16(img.Data[off:], v)
		case FAT16:
			binary.LittleEndian.PutUint16(img.Data[base+int64(cluster)*2:], uint16(next))
		case FAT32:
			binary.LittleEndian.PutUint32(img.Data[base+int64(cluster)*4:], next&0x0FFFFFFF)
		}
	}
}

// shortName converts name to an 8.3 entry name, reporting whether the
// name round-trips without a long-name entry.
func shortName(name string, index int) (string, bool) {
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	fits := name == strings.ToLower(name) && len(base) <= 8 && len(ext) <= 3 && !strings.ContainsAny(base, ". ")
	if !fits {
		tag := fmt.Sprintf("~%d", index+1)
		base = strings.NewReplacer(".", "", " ", "").Replace(base)
		if len(base) > 8-len(tag) {
			base = base[:8-len(tag)]
		}
		base += tag
		if len(ext) > 3 {
			ext = ext[:3]
		}
	}
	return strings.ToUpper(fmt.Sprintf("%-8s%-3s", base, ext)), fits
}

func shortEntry(name11 string, attr byte, cluster, size uint32) []byte {
	e := make([]byte, fatDirEntry)
	copy(e[0:11], name11)
	e[11] = attr
	binary.LittleEndian.PutUint16(e[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(e[22:24], 0x6000) // 12:00
	binary.LittleEndian.PutUint16(e[24:26], 0x5821) // 2024-01-01
	binary.LittleEndian.PutUint16(e[26:28], uint16(cluster))
	binary.LittleEndian.PutUint32(e[28:32], size)
	return e
}

// dirEntries returns the LFN entries (when needed) followed by the short
// entry for name.
func dirEntries(name string, index int, attr byte, cluster, size uint32) []byte {
	short, fits := shortName(name, index)
	entry := shortEntry(short, attr, cluster, size)
	if fits {
		return entry
	}

	var sum byte
	for i := 0; i < 11; i++ {
		sum = (sum>>1 | sum<<7) + short[i]
	}

	units := make([]uint16, 0, len(name)+1)
	for _, r := range name {
		units = append(units, uint16(r))
	}
	units = append(units, 0)
	for len(units)%13 != 0 {
		units = append(units, 0xFFFF)
	}
	n := len(units) / 13

	var out []byte
	for seq := n; seq >= 1; seq-- {
		e := make([]byte, fatDirEntry)
		e[0] = byte(seq)
		if seq == n {
			e[0] |= 0x40
		}
		e[11] = 0x0F
		e[13] = sum
		chunk := units[(seq-1)*13 : seq*13]
		offsets := []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
		for i, off := range offsets {
			binary.LittleEndian.PutUint16(e[off:], chunk[i])
		}
		out = append(out, e...)
	}
	return append(out, entry...)
}

// SortedPaths returns the file paths of an image in byte order.
func SortedPaths(files map[string]Placement) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
