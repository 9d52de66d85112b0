// Package fsys defines the filesystem backends used to find file slack in
// disk images, and the extent helpers they share.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/lvdlvd/slacker/structure"
)

// ErrCorrupt is returned when on-disk metadata (cluster chains, data runs,
// extent trees, records) cannot be interpreted.
var ErrCorrupt = errors.New("filesystem metadata corrupt")

// Corruptf returns an error wrapping ErrCorrupt with a formatted message.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Range represents a byte range [Start, End) where Start is inclusive
// and End is exclusive (one past the last byte).
type Range struct {
	Start int64 // First byte of the range (inclusive)
	End   int64 // One past the last byte (exclusive)
}

// Size returns the size of the range in bytes
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent represents a mapping from logical file offset to physical image offset
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64 // Length of this extent
}

// FileID identifies a file or directory inside a filesystem. It is only
// meaningful to the FS that produced it.
type FileID struct {
	Path string // slash separated, relative to the root; "." is the root
	Dir  bool
	Size int64  // logical size in bytes
	Ref  uint64 // backend reference: first cluster, MFT record or inode
}

// FS is a filesystem opened from an image that can report where the slack
// of its files lives.
type FS interface {
	// Type returns the filesystem type name (e.g., "FAT32", "NTFS", "ext4")
	Type() string

	// ResolvePath looks up a slash separated path. It returns an error
	// matching fs.ErrNotExist if nothing is found.
	ResolvePath(path string) (FileID, error)

	// EnumerateDirectory returns the entries of a directory, excluding
	// "." and ".." and filesystem metadata files, in on-disk order.
	EnumerateDirectory(dir FileID) ([]FileID, error)

	// LocateSlack returns the image byte ranges allocated to the file but
	// past its logical end, in file order. An empty result means the file
	// has no slack.
	LocateSlack(file FileID) ([]Range, error)

	// Close releases any resources held by the filesystem
	Close() error
}

// ExtentMapper is an optional interface for filesystems that can report
// the physical location of file data within the image
type ExtentMapper interface {
	// FileExtents returns the list of extents that map a file's logical
	// offsets to physical offsets in the image. Returns error if path
	// doesn't exist or is a directory.
	FileExtents(path string) ([]Extent, error)
}

// Describer is an optional interface for filesystems that can show their
// primary on-disk header (boot sector or superblock).
type Describer interface {
	Describe() (structure.Schema, []byte, error)
}

// TrailingSlack returns the unused tail of the last allocation unit of a
// file whose data is mapped by extents. The extents must cover exactly the
// logical size. A zero Range is returned when the file ends on a unit
// boundary or has no data.
func TrailingSlack(extents []Extent, size, unit int64) (Range, error) {
	if size <= 0 || len(extents) == 0 || unit <= 0 {
		return Range{}, nil
	}

	last := extents[0]
	for _, e := range extents[1:] {
		if e.Logical > last.Logical {
			last = e
		}
	}
	if last.Logical+last.Length != size {
		return Range{}, Corruptf("extents end at %d, file size is %d", last.Logical+last.Length, size)
	}

	tail := size % unit
	if tail == 0 {
		return Range{}, nil
	}
	end := last.Physical + last.Length
	return Range{Start: end, End: end + unit - tail}, nil
}

// ExtentReaderAt wraps an io.ReaderAt and a list of extents to provide
// a view of a file's data without loading it entirely into memory
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt creates a new ExtentReaderAt from a base reader and extents.
// If the base reader is itself an ExtentReaderAt, the extents are composed
// to create a flattened mapping directly to the underlying reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := sortExtents(extents)

	// If r is already an ExtentReaderAt, compose the mappings
	if inner, ok := r.(*ExtentReaderAt); ok {
		composed := ComposeExtents(sorted, inner.extents)
		return &ExtentReaderAt{r: inner.r, extents: composed, size: size}
	}

	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

func sortExtents(extents []Extent) []Extent {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})
	return sorted
}

// ComposeExtents takes outer extents (which map logical offsets to "physical"
// offsets in an inner coordinate space) and inner extents (which map that
// inner coordinate space to actual physical offsets), and returns composed
// extents that map directly from outer logical to actual physical.
//
// For example, if outer maps [0,100) -> [1000,1100) and inner maps [1000,1100) -> [5000,5100),
// the composed result maps [0,100) -> [5000,5100).
func ComposeExtents(outer, inner []Extent) []Extent {
	var composed []Extent

	for _, o := range outer {
		remaining := o.Length
		innerLogical := o.Physical
		outerLogical := o.Logical

		for remaining > 0 {
			i, found := findExtent(inner, innerLogical)
			if found {
				offsetInInner := innerLogical - i.Logical
				useLength := min(remaining, i.Length-offsetInInner)

				composed = append(composed, Extent{
					Logical:  outerLogical,
					Physical: i.Physical + offsetInInner,
					Length:   useLength,
				})

				outerLogical += useLength
				innerLogical += useLength
				remaining -= useLength
				continue
			}

			// Gap in inner extents (sparse region), skip to the next one
			nextStart := int64(-1)
			for _, i := range inner {
				if i.Logical > innerLogical && (nextStart < 0 || i.Logical < nextStart) {
					nextStart = i.Logical
				}
			}
			if nextStart < 0 {
				break
			}

			gap := min(nextStart-innerLogical, remaining)
			outerLogical += gap
			innerLogical += gap
			remaining -= gap
		}
	}

	return composed
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns the flattened extent list of the reader.
func (e *ExtentReaderAt) Extents() []Extent {
	return e.extents
}

// ReadAt implements io.ReaderAt
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}

	// Limit read to file size
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
	}

	totalRead := 0
	remaining := len(p)

	for remaining > 0 && off < e.size {
		ext, found := findExtent(e.extents, off)
		if !found {
			// Gap in extents (sparse file) - fill with zeros
			gapEnd := min(e.nextExtentStart(off), e.size)
			zeroLen := min(int(gapEnd-off), remaining)
			clear(p[totalRead : totalRead+zeroLen])
			totalRead += zeroLen
			remaining -= zeroLen
			off += int64(zeroLen)
			continue
		}

		extentOffset := off - ext.Logical
		toRead := min(int(ext.Length-extentOffset), remaining)

		nr, err := e.r.ReadAt(p[totalRead:totalRead+toRead], ext.Physical+extentOffset)
		totalRead += nr
		remaining -= nr
		off += int64(nr)

		if err != nil && err != io.EOF {
			return totalRead, err
		}
		if nr < toRead {
			return totalRead, io.EOF
		}
	}

	if totalRead == 0 && off >= e.size {
		return 0, io.EOF
	}

	return totalRead, nil
}

// findExtent finds the extent containing the given logical offset
func findExtent(extents []Extent, off int64) (Extent, bool) {
	for _, ext := range extents {
		if off >= ext.Logical && off < ext.Logical+ext.Length {
			return ext, true
		}
	}
	return Extent{}, false
}

// nextExtentStart returns the start of the next extent after the given offset
func (e *ExtentReaderAt) nextExtentStart(off int64) int64 {
	for _, ext := range e.extents {
		if ext.Logical > off {
			return ext.Logical
		}
	}
	return e.size
}

// ExtentWriterAt is the write side of ExtentReaderAt. Writes that touch a
// logical offset not covered by an extent fail; nothing is allocated.
type ExtentWriterAt struct {
	w       io.WriterAt
	extents []Extent
	size    int64
}

// NewExtentWriterAt creates an ExtentWriterAt over w.
func NewExtentWriterAt(w io.WriterAt, extents []Extent, size int64) *ExtentWriterAt {
	return &ExtentWriterAt{w: w, extents: sortExtents(extents), size: size}
}

// Size returns the logical size of the mapped region.
func (e *ExtentWriterAt) Size() int64 {
	return e.size
}

// WriteAt implements io.WriterAt
func (e *ExtentWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	if off+int64(len(p)) > e.size {
		return 0, fmt.Errorf("write of %d bytes at %d exceeds size %d", len(p), off, e.size)
	}

	written := 0
	for written < len(p) {
		ext, found := findExtent(e.extents, off)
		if !found {
			return written, fmt.Errorf("offset %d is not mapped", off)
		}

		extentOffset := off - ext.Logical
		toWrite := min(int(ext.Length-extentOffset), len(p)-written)

		nw, err := e.w.WriteAt(p[written:written+toWrite], ext.Physical+extentOffset)
		written += nw
		off += int64(nw)
		if err != nil {
			return written, err
		}
		if nw < toWrite {
			return written, io.ErrShortWrite
		}
	}

	return written, nil
}

// Clean normalizes a user supplied path: leading slashes are removed and
// the empty path becomes the root ".".
func Clean(p string) string {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// Join returns the path of name inside dir.
func Join(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}
