package testimg

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
)

// ExtOptions controls the layout of an ext image.
type ExtOptions struct {
	BlockSize int64 // 1024, 2048 or 4096; defaults to 1024
	Blocks    int64 // defaults to 2048
	// Extents maps files with an ext4 extent tree instead of ext2 block
	// pointers.
	Extents  bool
	Fragment bool
}

// ExtImage is a built ext image.
type ExtImage struct {
	Data      []byte
	Files     map[string]Placement
	Dirs      map[string]uint64 // directory path -> inode
	BlockSize int64
	itable    int64
}

const (
	extInodeSize   = 128
	extInodeCount  = 64
	extFirstInode  = 12
	extRootInode   = 2
	extMaxInExtent = 4
)

type extNode struct {
	name     string
	inode    uint64
	file     *File
	children []*extNode
}

func (n *extNode) child(name string) *extNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &extNode{name: name}
	n.children = append(n.children, c)
	return c
}

// Ext builds a single-group ext2 or ext4 image.
func Ext(opts ExtOptions, files ...File) (*ExtImage, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = 1024
	}
	if opts.Blocks == 0 {
		opts.Blocks = 2048
	}
	bs := opts.BlockSize
	firstData := int64(0)
	if bs == 1024 {
		firstData = 1
	}
	if opts.Blocks > bs*8 {
		return nil, fmt.Errorf("%d blocks do not fit one group", opts.Blocks)
	}

	gdt := firstData + 1
	itable := gdt + 3
	itableBlocks := (extInodeCount*extInodeSize + bs - 1) / bs
	img := &ExtImage{
		Data:      make([]byte, opts.Blocks*bs),
		Files:     make(map[string]Placement),
		Dirs:      make(map[string]uint64),
		BlockSize: bs,
		itable:    itable * bs,
	}
	writeExtSuperblock(img.Data, opts, firstData)
	gd := img.Data[gdt*bs:]
	binary.LittleEndian.PutUint32(gd[0x00:], uint32(gdt+1))
	binary.LittleEndian.PutUint32(gd[0x04:], uint32(gdt+2))
	binary.LittleEndian.PutUint32(gd[0x08:], uint32(itable))

	next := itable + itableBlocks
	alloc := func(n int64) ([]int64, error) {
		var blocks []int64
		for i := int64(0); i < n; i++ {
			if next >= opts.Blocks {
				return nil, fmt.Errorf("image full")
			}
			blocks = append(blocks, next)
			next++
			if opts.Fragment {
				next++
			}
		}
		return blocks, nil
	}

	root := &extNode{name: ".", inode: extRootInode}
	for i := range files {
		f := &files[i]
		parts := strings.Split(strings.Trim(f.Path, "/"), "/")
		n := root
		for _, p := range parts[:len(parts)-1] {
			n = n.child(p)
		}
		n.child(parts[len(parts)-1]).file = f
	}
	ino := uint64(extFirstInode)
	var assign func(n *extNode)
	assign = func(n *extNode) {
		for _, c := range n.children {
			c.inode = ino
			ino++
			assign(c)
		}
	}
	assign(root)
	if ino > extInodeCount {
		return nil, fmt.Errorf("too many files for %d inodes", extInodeCount)
	}

	var build func(n *extNode, dir string, parent uint64) error
	build = func(n *extNode, dir string, parent uint64) error {
		p := path.Join(dir, n.name)
		if n.file == nil {
			img.Dirs[p] = n.inode
			table, err := extDirTable(n, parent, bs)
			if err != nil {
				return err
			}
			blocks, err := alloc(int64(len(table)) / bs)
			if err != nil {
				return err
			}
			for j, b := range blocks {
				copy(img.Data[b*bs:], table[int64(j)*bs:int64(j+1)*bs])
			}
			if err := img.putInode(n.inode, 0x41ED, int64(len(table)), blocks, opts, alloc); err != nil {
				return err
			}
			for _, c := range n.children {
				if err := build(c, p, n.inode); err != nil {
					return err
				}
			}
			return nil
		}

		f := n.file
		if f.Link != "" {
			return img.putSymlink(n.inode, f.Link)
		}
		size := int64(len(f.Data))
		blocks, err := alloc((size + bs - 1) / bs)
		if err != nil {
			return err
		}
		pl := Placement{Ref: n.inode, UnitSize: bs}
		for j, b := range blocks {
			off := b * bs
			lo := int64(j) * bs
			hi := min(lo+bs, size)
			copy(img.Data[off:], f.Data[lo:hi])
			pl.Units = append(pl.Units, off)
			pl.DataEnd = off + hi - lo
		}
		if size%bs != 0 {
			copy(img.Data[pl.DataEnd:pl.DataEnd+bs-size%bs], f.Slack)
		}
		img.Files[p] = pl
		return img.putInode(n.inode, 0x81A4, size, blocks, opts, alloc)
	}
	if err := build(root, "", extRootInode); err != nil {
		return nil, err
	}

	return img, nil
}

// InodeOffset returns the image offset of inode num.
func (img *ExtImage) InodeOffset(num uint64) int64 {
	return img.itable + int64(num-1)*extInodeSize
}

func (img *ExtImage) putInode(num uint64, mode uint16, size int64, blocks []int64, opts ExtOptions, alloc func(int64) ([]int64, error)) error {
	in := img.Data[img.InodeOffset(num) : img.InodeOffset(num)+extInodeSize]
	binary.LittleEndian.PutUint16(in[0x00:], mode)
	binary.LittleEndian.PutUint32(in[0x04:], uint32(size))
	binary.LittleEndian.PutUint32(in[0x6C:], uint32(size>>32))
	binary.LittleEndian.PutUint16(in[0x1A:], 1)
	binary.LittleEndian.PutUint32(in[0x1C:], uint32(int64(len(blocks))*img.BlockSize/512))
	i := in[0x28:0x64]

	if !opts.Extents {
		for j, b := range blocks {
			if j < 12 {
				binary.LittleEndian.PutUint32(i[j*4:], uint32(b))
				continue
			}
			if j == 12 {
				ind, err := alloc(1)
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint32(i[48:], uint32(ind[0]))
			}
			if j-12 >= int(img.BlockSize/4) {
				return fmt.Errorf("file too large for single indirect block")
			}
			ind := int64(binary.LittleEndian.Uint32(i[48:]))
			binary.LittleEndian.PutUint32(img.Data[ind*img.BlockSize+int64(j-12)*4:], uint32(b))
		}
		return nil
	}

	binary.LittleEndian.PutUint32(in[0x20:], 0x00080000)
	type run struct{ logical, start, length int64 }
	var runs []run
	for j, b := range blocks {
		if k := len(runs); k > 0 && runs[k-1].start+runs[k-1].length == b {
			runs[k-1].length++
			continue
		}
		runs = append(runs, run{int64(j), b, 1})
	}
	leaf := func(dst []byte, capacity int) {
		binary.LittleEndian.PutUint16(dst[0:], 0xF30A)
		binary.LittleEndian.PutUint16(dst[2:], uint16(len(runs)))
		binary.LittleEndian.PutUint16(dst[4:], uint16(capacity))
		for k, r := range runs {
			e := dst[12+k*12:]
			binary.LittleEndian.PutUint32(e[0:], uint32(r.logical))
			binary.LittleEndian.PutUint16(e[4:], uint16(r.length))
			binary.LittleEndian.PutUint16(e[6:], uint16(r.start>>32))
			binary.LittleEndian.PutUint32(e[8:], uint32(r.start))
		}
	}
	if len(runs) <= extMaxInExtent {
		leaf(i, extMaxInExtent)
		return nil
	}

	// Depth one tree: a single index entry pointing at a leaf block.
	lb, err := alloc(1)
	if err != nil {
		return err
	}
	perBlock := int((img.BlockSize - 12) / 12)
	if len(runs) > perBlock {
		return fmt.Errorf("too many extents")
	}
	leaf(img.Data[lb[0]*img.BlockSize:], perBlock)
	binary.LittleEndian.PutUint16(i[0:], 0xF30A)
	binary.LittleEndian.PutUint16(i[2:], 1)
	binary.LittleEndian.PutUint16(i[4:], extMaxInExtent)
	binary.LittleEndian.PutUint16(i[6:], 1)
	binary.LittleEndian.PutUint32(i[12:], 0)
	binary.LittleEndian.PutUint32(i[16:], uint32(lb[0]))
	binary.LittleEndian.PutUint16(i[20:], uint16(lb[0]>>32))
	return nil
}

// putSymlink stores a fast symlink: the target text lives in i_block.
func (img *ExtImage) putSymlink(num uint64, target string) error {
	if len(target) >= 60 {
		return fmt.Errorf("symlink target too long for a fast symlink: %s", target)
	}
	in := img.Data[img.InodeOffset(num) : img.InodeOffset(num)+extInodeSize]
	binary.LittleEndian.PutUint16(in[0x00:], 0xA1FF)
	binary.LittleEndian.PutUint32(in[0x04:], uint32(len(target)))
	binary.LittleEndian.PutUint16(in[0x1A:], 1)
	copy(in[0x28:0x64], target)
	return nil
}

// extDirTable lays out directory entries in whole blocks; the last entry
// of each block stretches to the block end.
func extDirTable(n *extNode, parent uint64, bs int64) ([]byte, error) {
	type ent struct {
		inode uint64
		name  string
		typ   byte
	}
	ents := []ent{{n.inode, ".", 2}, {parent, "..", 2}}
	for _, c := range n.children {
		t := byte(1)
		switch {
		case c.file == nil:
			t = 2
		case c.file.Link != "":
			t = 7
		}
		ents = append(ents, ent{c.inode, c.name, t})
	}

	var table []byte
	block := make([]byte, 0, bs)
	lastOff := -1
	flush := func() {
		if lastOff >= 0 {
			binary.LittleEndian.PutUint16(block[lastOff+4:], uint16(int(bs)-lastOff))
		}
		table = append(table, block[:bs]...)
		block = make([]byte, 0, bs)
		lastOff = -1
	}
	for _, e := range ents {
		recLen := (8 + len(e.name) + 3) &^ 3
		if recLen > int(bs) {
			return nil, fmt.Errorf("name too long: %s", e.name)
		}
		if len(block)+recLen > int(bs) {
			flush()
		}
		rec := make([]byte, recLen)
		binary.LittleEndian.PutUint32(rec[0:], uint32(e.inode))
		binary.LittleEndian.PutUint16(rec[4:], uint16(recLen))
		rec[6] = byte(len(e.name))
		rec[7] = e.typ
		copy(rec[8:], e.name)
		lastOff = len(block)
		block = append(block, rec...)
	}
	flush()
	return table, nil
}

func writeExtSuperblock(data []byte, opts ExtOptions, firstData int64) {
	sb := data[1024:2048]
	binary.LittleEndian.PutUint32(sb[0x00:], extInodeCount)
	binary.LittleEndian.PutUint32(sb[0x04:], uint32(opts.Blocks))
	binary.LittleEndian.PutUint32(sb[0x14:], uint32(firstData))
	shift := uint32(0)
	for b := opts.BlockSize; b > 1024; b >>= 1 {
		shift++
	}
	binary.LittleEndian.PutUint32(sb[0x18:], shift)
	binary.LittleEndian.PutUint32(sb[0x1C:], shift)
	binary.LittleEndian.PutUint32(sb[0x20:], uint32(opts.BlockSize*8))
	binary.LittleEndian.PutUint32(sb[0x24:], uint32(opts.BlockSize*8))
	binary.LittleEndian.PutUint32(sb[0x28:], extInodeCount)
	binary.LittleEndian.PutUint16(sb[0x38:], 0xEF53)
	binary.LittleEndian.PutUint16(sb[0x3A:], 1)
	binary.LittleEndian.PutUint32(sb[0x4C:], 1)
	binary.LittleEndian.PutUint32(sb[0x54:], 11)
	binary.LittleEndian.PutUint16(sb[0x58:], extInodeSize)
	incompat := uint32(0x0002) // filetype
	if opts.Extents {
		incompat |= 0x0040
	}
	binary.LittleEndian.PutUint32(sb[0x60:], incompat)
	for i := 0; i < 16; i++ {
		sb[0x68+i] = byte(0xA0 + i)
	}
	copy(sb[0x78:], "slackvol")
}
