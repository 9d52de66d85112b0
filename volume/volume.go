// Package volume opens an image file as the volume a filesystem lives on,
// descending into a partition when the image is a partitioned disk.
package volume

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lvdlvd/slacker/detect"
	"github.com/lvdlvd/slacker/fsys"
	"github.com/lvdlvd/slacker/fsys/ext"
	"github.com/lvdlvd/slacker/fsys/fat"
	"github.com/lvdlvd/slacker/fsys/ntfs"
	"github.com/lvdlvd/slacker/fsys/part"
)

// Options control how an image is opened.
type Options struct {
	// Partition selects a partition ("p0", "1", ...) of a partitioned
	// image. It defaults to the first partition.
	Partition string
	// Writable opens the image for writing and takes an exclusive lock.
	Writable bool
	Logger   *slog.Logger
}

// Storage is the raw image: readable, and writable when opened so.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Volume is an opened filesystem together with the bytes it lives on.
// Offsets reported by FS and accepted by ReadAt/WriteAt are relative to
// the start of the volume, not of the image.
type Volume struct {
	FS        fsys.FS
	Type      detect.Type     // filesystem family; FS.Type() names the variant
	Table     *part.Table     // nil for a bare filesystem image
	Partition *part.Partition // selected partition, nil without Table

	r    *fsys.ExtentReaderAt
	w    *fsys.ExtentWriterAt
	file *os.File
}

// Open opens the image at path. The caller must Close the volume.
func Open(path string, opts Options) (*Volume, error) {
	flag := os.O_RDONLY
	if opts.Writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	if err := lock(f, opts.Writable); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}

	v, err := New(f, info.Size(), opts)
	if err != nil {
		unlock(f)
		f.Close()
		return nil, err
	}
	v.file = f
	return v, nil
}

// New opens the filesystem stored in s, which holds size bytes.
func New(s Storage, size int64, opts Options) (*Volume, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	typ, err := detect.Detect(s)
	if err != nil {
		return nil, fmt.Errorf("detecting filesystem: %w", err)
	}
	log.Debug("detected image", "type", typ, "size", size)

	v := &Volume{}
	whole := []fsys.Extent{{Logical: 0, Physical: 0, Length: size}}
	if typ.IsPartitionTable() {
		v.Table, err = part.Open(s, size, typ)
		if err != nil {
			return nil, fmt.Errorf("reading partition table: %w", err)
		}
		name := opts.Partition
		if name == "" {
			name = "p0"
		}
		v.Partition, err = v.Table.Find(name)
		if err != nil {
			return nil, err
		}
		whole = []fsys.Extent{v.Partition.Extent()}
		size = v.Partition.SizeBytes()
		log.Debug("selected partition", "name", v.Partition.Name, "offset", v.Partition.StartOffset(), "size", size)
	} else if opts.Partition != "" {
		return nil, fmt.Errorf("image has no partition table, cannot select %s", opts.Partition)
	}

	v.r = fsys.NewExtentReaderAt(s, whole, size)
	v.w = fsys.NewExtentWriterAt(s, whole, size)
	if v.Table != nil {
		if typ, err = detect.Detect(v.r); err != nil {
			return nil, fmt.Errorf("detecting filesystem in %s: %w", v.Partition.Name, err)
		}
	}
	v.Type = typ

	if v.FS, err = OpenFS(v.r, size, typ); err != nil {
		return nil, fmt.Errorf("opening filesystem: %w", err)
	}
	log.Debug("opened filesystem", "type", v.FS.Type())
	return v, nil
}

// OpenFS opens the filesystem backend for the family typ. The backend
// works out the variant itself.
func OpenFS(r io.ReaderAt, size int64, typ detect.Type) (fsys.FS, error) {
	switch typ {
	case detect.FAT:
		return fat.Open(r, size)
	case detect.Ext:
		return ext.Open(r, size)
	case detect.NTFS:
		return ntfs.Open(r, size)
	default:
		return nil, fmt.Errorf("unsupported filesystem type: %s", typ)
	}
}

// Size returns the volume size in bytes.
func (v *Volume) Size() int64 { return v.r.Size() }

// ReadAt reads volume bytes.
func (v *Volume) ReadAt(p []byte, off int64) (int, error) { return v.r.ReadAt(p, off) }

// WriteAt writes volume bytes. Writes never cross the volume end.
func (v *Volume) WriteAt(p []byte, off int64) (int, error) { return v.w.WriteAt(p, off) }

// Sync flushes writes to the image file.
func (v *Volume) Sync() error {
	if v.file == nil {
		return nil
	}
	return sync(v.file)
}

// Close closes the filesystem and releases the image.
func (v *Volume) Close() error {
	err := v.FS.Close()
	if v.file != nil {
		unlock(v.file)
		if cerr := v.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
