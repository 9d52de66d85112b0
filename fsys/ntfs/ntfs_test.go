package ntfs

import (
	"bytes"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/fsys"
	"github.com/lvdlvd/slacker/internal/testimg"
	"github.com/lvdlvd/slacker/structure"
)

func openImage(t *testing.T, img *testimg.NTFSImage) *FS {
	t.Helper()
	f, err := Open(bytes.NewReader(img.Data), int64(len(img.Data)))
	require.NoError(t, err)
	return f
}

func locate(f *FS, name string) ([]fsys.Range, error) {
	id, err := f.ResolvePath(name)
	if err != nil {
		return nil, err
	}
	return f.LocateSlack(id)
}

func TestLocateSlack(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{},
		testimg.File{Path: "a.txt", Data: bytes.Repeat([]byte{'a'}, 1000)},
		testimg.File{Path: "exact.bin", Data: bytes.Repeat([]byte{'e'}, 1024)},
		testimg.File{Path: "small.txt", Data: []byte("resident"), Resident: true},
		testimg.File{Path: "empty"},
	)
	require.NoError(t, err)
	f := openImage(t, img)
	assert.Equal(t, "NTFS", f.Type())

	id, err := f.ResolvePath("a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), id.Size)
	assert.Equal(t, img.Files["a.txt"].Ref, id.Ref)

	ranges, err := f.LocateSlack(id)
	require.NoError(t, err)
	start := img.Files["a.txt"].SlackStart()
	assert.Equal(t, []fsys.Range{{Start: start, End: start + 24}}, ranges)

	for _, name := range []string{"exact.bin", "small.txt", "empty"} {
		ranges, err := locate(f, name)
		require.NoError(t, err, name)
		assert.Empty(t, ranges, name)
	}

	small, err := f.ResolvePath("SMALL.TXT")
	require.NoError(t, err)
	assert.Equal(t, int64(8), small.Size)
}

func TestLocateSlackLargeClusters(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{ClusterSize: 4096, TotalClusters: 512},
		testimg.File{Path: "doc.txt", Data: bytes.Repeat([]byte{'d'}, 1000)},
	)
	require.NoError(t, err)
	f := openImage(t, img)

	ranges, err := locate(f, "doc.txt")
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, img.Files["doc.txt"].SlackStart(), ranges[0].Start)
	assert.Equal(t, int64(3096), ranges[0].Size())
}

func TestLocateSlackPreallocatedFragmented(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{Fragment: true},
		testimg.File{Path: "grow.log", Data: bytes.Repeat([]byte{'g'}, 600), Prealloc: 1},
	)
	require.NoError(t, err)
	f := openImage(t, img)

	pl := img.Files["grow.log"]
	require.Len(t, pl.Units, 3)

	ranges, err := locate(f, "grow.log")
	require.NoError(t, err)
	assert.Equal(t, []fsys.Range{
		{Start: pl.Units[1] + 88, End: pl.Units[1] + 512},
		{Start: pl.Units[2], End: pl.Units[2] + 512},
	}, ranges)

	extents, err := f.FileExtents("grow.log")
	require.NoError(t, err)
	assert.Equal(t, []fsys.Extent{
		{Logical: 0, Physical: pl.Units[0], Length: 512},
		{Logical: 512, Physical: pl.Units[1], Length: 88},
	}, extents)
}

func TestDirectories(t *testing.T) {
	for _, indexAlloc := range []bool{false, true} {
		img, err := testimg.NTFS(testimg.NTFSOptions{IndexAllocation: indexAlloc},
			testimg.File{Path: "docs/Quarterly Report.docx", Data: []byte("report")},
			testimg.File{Path: "docs/deep/x.bin", Data: []byte("x")},
			testimg.File{Path: "top.txt", Data: []byte("top")},
		)
		require.NoError(t, err)
		f := openImage(t, img)

		root, err := f.ResolvePath("")
		require.NoError(t, err)
		assert.True(t, root.Dir)

		entries, err := f.EnumerateDirectory(root)
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			names = append(names, e.Path)
		}
		assert.Equal(t, []string{"docs", "top.txt"}, names, "metadata files are hidden")
		assert.True(t, entries[0].Dir)
		assert.Equal(t, int64(3), entries[1].Size)

		docs, err := f.EnumerateDirectory(entries[0])
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "docs/Quarterly Report.docx", docs[0].Path)
		assert.Equal(t, int64(6), docs[0].Size)
		assert.Equal(t, "docs/deep", docs[1].Path)

		id, err := f.ResolvePath("/docs/quarterly report.docx")
		require.NoError(t, err)
		ranges, err := f.LocateSlack(id)
		require.NoError(t, err)
		start := img.Files["docs/Quarterly Report.docx"].SlackStart()
		assert.Equal(t, []fsys.Range{{Start: start, End: start + 506}}, ranges)

		_, err = f.LocateSlack(entries[0])
		assert.Error(t, err, "directories have no slack")
	}
}

// utf16le encodes ASCII s the way NTFS stores names.
func utf16le(s string) []byte {
	var b []byte
	for _, c := range []byte(s) {
		b = append(b, c, 0)
	}
	return b
}

func TestStaleIndexBlock(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{IndexAllocation: true, StaleIndexBlock: true},
		testimg.File{Path: "docs/a.txt", Data: []byte("a")},
		testimg.File{Path: "top.txt", Data: []byte("top")},
	)
	require.NoError(t, err)

	// Break the fixups of every freed block: they must not be parsed at all.
	name := utf16le("deleted.txt")
	stale := 0
	for off := 0; ; {
		i := bytes.Index(img.Data[off:], []byte("INDX"))
		if i < 0 {
			break
		}
		off += i
		if bytes.Contains(img.Data[off:off+4096], name) {
			img.Data[off+510] ^= 0xFF
			stale++
		}
		off += 4
	}
	require.Equal(t, 2, stale)
	f := openImage(t, img)

	root, err := f.ResolvePath("/")
	require.NoError(t, err)
	entries, err := f.EnumerateDirectory(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "docs", entries[0].Path)
	assert.Equal(t, "top.txt", entries[1].Path)

	for _, p := range []string{"deleted.txt", "docs/deleted.txt"} {
		_, err := f.ResolvePath(p)
		assert.ErrorIs(t, err, fs.ErrNotExist, p)
	}
	_, err = locate(f, "docs/a.txt")
	assert.NoError(t, err)
}

func TestStaleEntries(t *testing.T) {
	t.Run("deleted record", func(t *testing.T) {
		img, err := testimg.NTFS(testimg.NTFSOptions{},
			testimg.File{Path: "gone.txt", Data: []byte("gone")},
			testimg.File{Path: "kept.txt", Data: []byte("kept")},
		)
		require.NoError(t, err)
		// Clear the in-use flag; the index entry stays behind.
		img.Data[img.RecordOffset(img.Files["gone.txt"].Ref)+22] &^= 0x01
		f := openImage(t, img)

		root, err := f.ResolvePath("/")
		require.NoError(t, err)
		entries, err := f.EnumerateDirectory(root)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "kept.txt", entries[0].Path)
		_, err = f.ResolvePath("gone.txt")
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("reused record", func(t *testing.T) {
		img, err := testimg.NTFS(testimg.NTFSOptions{},
			testimg.File{Path: "old.txt", Data: []byte("old")},
		)
		require.NoError(t, err)
		// The record now belongs to a newer file than the entry names.
		img.Data[img.RecordOffset(img.Files["old.txt"].Ref)+16] = 2
		f := openImage(t, img)

		_, err = f.ResolvePath("old.txt")
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestResolveNotFound(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{}, testimg.File{Path: "d/f", Data: []byte("f")})
	require.NoError(t, err)
	f := openImage(t, img)

	for _, p := range []string{"nope", "d/nope", "d/f/g"} {
		_, err := f.ResolvePath(p)
		assert.ErrorIs(t, err, fs.ErrNotExist, p)
	}
}

// runListOffset returns the image offset of the run list of the $DATA
// attribute of a file record holding only $FILE_NAME and $DATA.
func runListOffset(img *testimg.NTFSImage, ref uint64, name string) int64 {
	fileNameAttr := int64(24+66+2*len(name)+7) &^ 7
	return img.RecordOffset(ref) + 0x38 + fileNameAttr + 64
}

func TestCorruptRecords(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(img *testimg.NTFSImage, ref uint64)
	}{
		{"run beyond volume", func(img *testimg.NTFSImage, ref uint64) {
			copy(img.Data[runListOffset(img, ref, "a.txt"):], []byte{0x21, 0x02, 0xFF, 0x7F})
		}},
		{"truncated run list", func(img *testimg.NTFSImage, ref uint64) {
			img.Data[runListOffset(img, ref, "a.txt")] = 0x88
		}},
		{"zero length run", func(img *testimg.NTFSImage, ref uint64) {
			img.Data[runListOffset(img, ref, "a.txt")+1] = 0
		}},
		{"fixup mismatch", func(img *testimg.NTFSImage, ref uint64) {
			img.Data[img.RecordOffset(ref)+510] ^= 0xFF
		}},
		{"bad signature", func(img *testimg.NTFSImage, ref uint64) {
			copy(img.Data[img.RecordOffset(ref):], "BAAD")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := testimg.NTFS(testimg.NTFSOptions{},
				testimg.File{Path: "a.txt", Data: bytes.Repeat([]byte{'a'}, 1000)},
			)
			require.NoError(t, err)
			tt.corrupt(img, img.Files["a.txt"].Ref)
			f := openImage(t, img)

			_, err = locate(f, "a.txt")
			require.ErrorIs(t, err, fsys.ErrCorrupt)
		})
	}
}

func TestOpenRejects(t *testing.T) {
	data := make([]byte, 8192)
	_, err := Open(bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)

	img, err := testimg.NTFS(testimg.NTFSOptions{})
	require.NoError(t, err)
	_, err = Open(bytes.NewReader(img.Data[:len(img.Data)/2]), int64(len(img.Data)/2))
	require.ErrorIs(t, err, fsys.ErrCorrupt)
}

func TestDescribe(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{ClusterSize: 1024})
	require.NoError(t, err)
	f := openImage(t, img)

	schema, raw, err := f.Describe()
	require.NoError(t, err)
	values, err := structure.Decode(schema, raw)
	require.NoError(t, err)
	assert.Equal(t, `"NTFS"`, values["oem_id"].String())
	assert.Equal(t, uint64(2), values["sectors_per_cluster"].Uint())
	assert.Equal(t, uint64(16), values["mft_cluster"].Uint())
}
