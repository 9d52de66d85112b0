package fat

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

func openImage(t *testing.T, img *testimg.FATImage) *FS {
	t.Helper()
	f, err := Open(bytes.NewReader(img.Data), int64(len(img.Data)))
	require.NoError(t, err)
	return f
}

func TestOpenTypes(t *testing.T) {
	for _, tc := range []struct {
		typ  testimg.FATType
		want string
	}{
		{testimg.FAT12, "FAT12"},
		{testimg.FAT16, "FAT16"},
		{testimg.FAT32, "FAT32"},
	} {
		t.Run(tc.want, func(t *testing.T) {
			img, err := testimg.FAT(testimg.FATOptions{Type: tc.typ}, testimg.File{Path: "a.txt", Data: []byte("hello")})
			require.NoError(t, err)
			f := openImage(t, img)
			assert.Equal(t, tc.want, f.Type())
			assert.Equal(t, int64(512), f.ClusterSize())
		})
	}
}

func TestOpenRejectsNonFAT(t *testing.T) {
	data := make([]byte, 4096)
	_, err := Open(bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)

	img, err := testimg.FAT(testimg.FATOptions{})
	require.NoError(t, err)
	img.Data[0x0D] = 3 // sectors per cluster must be a power of two
	_, err = Open(bytes.NewReader(img.Data), int64(len(img.Data)))
	require.ErrorIs(t, err, fsys.ErrCorrupt)
}

func TestLocateSlack(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT16},
		testimg.File{Path: "partial.bin", Data: bytes.Repeat([]byte{'p'}, 1000)},
		testimg.File{Path: "exact.bin", Data: bytes.Repeat([]byte{'e'}, 1024)},
		testimg.File{Path: "empty.bin"},
	)
	require.NoError(t, err)
	f := openImage(t, img)

	id, err := f.ResolvePath("partial.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), id.Size)

	ranges, err := f.LocateSlack(id)
	require.NoError(t, err)
	start := img.Files["partial.bin"].SlackStart()
	assert.Equal(t, []fsys.Range{{Start: start, End: start + 24}}, ranges)

	for _, name := range []string{"exact.bin", "empty.bin"} {
		id, err := f.ResolvePath(name)
		require.NoError(t, err)
		ranges, err := f.LocateSlack(id)
		require.NoError(t, err)
		assert.Empty(t, ranges, name)
	}
}

func TestLocateSlackFragmented(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT12, Fragment: true},
		testimg.File{Path: "frag.dat", Data: bytes.Repeat([]byte{'f'}, 1500)},
	)
	require.NoError(t, err)
	f := openImage(t, img)

	extents, err := f.FileExtents("frag.dat")
	require.NoError(t, err)
	require.Len(t, extents, 3)
	pl := img.Files["frag.dat"]
	for i, e := range extents {
		assert.Equal(t, pl.Units[i], e.Physical)
	}

	id, err := f.ResolvePath("frag.dat")
	require.NoError(t, err)
	ranges, err := f.LocateSlack(id)
	require.NoError(t, err)
	assert.Equal(t, []fsys.Range{{Start: pl.SlackStart(), End: pl.Units[2] + 512}}, ranges)
	assert.Equal(t, int64(36), ranges[0].Size())
}

func TestLargerClusters(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT16, SectorsPerCluster: 4},
		testimg.File{Path: "a.txt", Data: []byte("123456789")},
	)
	require.NoError(t, err)
	f := openImage(t, img)

	id, err := f.ResolvePath("A.TXT")
	require.NoError(t, err)
	ranges, err := f.LocateSlack(id)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(2048-9), ranges[0].Size())
}

func TestDirectories(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT32},
		testimg.File{Path: "Documents/Report Final.txt", Data: []byte("quarterly")},
		testimg.File{Path: "Documents/notes/b.txt", Data: []byte("b")},
		testimg.File{Path: "readme.md", Data: []byte("# hi")},
	)
	require.NoError(t, err)
	f := openImage(t, img)

	root, err := f.ResolvePath("/")
	require.NoError(t, err)
	assert.True(t, root.Dir)
	assert.Equal(t, ".", root.Path)

	entries, err := f.EnumerateDirectory(root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Documents", entries[0].Path)
	assert.True(t, entries[0].Dir)
	assert.Equal(t, "readme.md", entries[1].Path)
	assert.Equal(t, int64(4), entries[1].Size)

	docs, err := f.EnumerateDirectory(entries[0])
	require.NoError(t, err)
	var names []string
	for _, d := range docs {
		names = append(names, d.Path)
	}
	assert.Equal(t, []string{"Documents/Report Final.txt", "Documents/notes"}, names)

	id, err := f.ResolvePath("documents/report final.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(9), id.Size)
	ranges, err := f.LocateSlack(id)
	require.NoError(t, err)
	start := img.Files["Documents/Report Final.txt"].SlackStart()
	assert.Equal(t, []fsys.Range{{Start: start, End: start + 503}}, ranges)

	nested, err := f.ResolvePath("Documents/notes/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "Documents/notes/b.txt", nested.Path)
}

func TestResolveNotFound(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{}, testimg.File{Path: "dir/a.txt", Data: []byte("a")})
	require.NoError(t, err)
	f := openImage(t, img)

	for _, p := range []string{"missing.txt", "dir/missing", "dir/a.txt/below"} {
		_, err := f.ResolvePath(p)
		assert.ErrorIs(t, err, fs.ErrNotExist, p)
	}
}

func TestCorruptChains(t *testing.T) {
	build := func(t *testing.T) (*testimg.FATImage, []uint32) {
		img, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT16},
			testimg.File{Path: "three.bin", Data: bytes.Repeat([]byte{'3'}, 1300)},
		)
		require.NoError(t, err)
		first := uint32(img.Files["three.bin"].Ref)
		return img, []uint32{first, first + 1, first + 2}
	}

	tests := []struct {
		name    string
		corrupt func(img *testimg.FATImage, c []uint32)
	}{
		{"truncated", func(img *testimg.FATImage, c []uint32) { img.SetNext(c[0], 0xFFFF) }},
		{"loop", func(img *testimg.FATImage, c []uint32) { img.SetNext(c[1], c[0]) }},
		{"out of range", func(img *testimg.FATImage, c []uint32) { img.SetNext(c[0], 0xFFF0) }},
		{"free entry", func(img *testimg.FATImage, c []uint32) { img.SetNext(c[1], 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, clusters := build(t)
			tt.corrupt(img, clusters)
			f := openImage(t, img)

			id, err := f.ResolvePath("three.bin")
			require.NoError(t, err)
			_, err = f.LocateSlack(id)
			require.ErrorIs(t, err, fsys.ErrCorrupt)
		})
	}
}

func TestDescribe(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT16, SectorsPerCluster: 2})
	require.NoError(t, err)
	f := openImage(t, img)

	schema, raw, err := f.Describe()
	require.NoError(t, err)
	values, err := structure.Decode(schema, raw)
	require.NoError(t, err)

	assert.Equal(t, uint64(512), values["bytes_per_sector"].Uint())
	assert.Equal(t, uint64(2), values["sectors_per_cluster"].Uint())
	assert.Equal(t, `"MSWIN4.1"`, values["oem_name"].String())
	assert.Equal(t, "0xaa55", values["signature"].String())
}
