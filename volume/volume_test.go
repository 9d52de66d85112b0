package volume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/detect"
	"github.com/lvdlvd/slacker/internal/testimg"
	"github.com/lvdlvd/slacker/slack"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestOpenBareImage(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{}, testimg.File{Path: "a.txt", Data: []byte("hello")})
	require.NoError(t, err)
	p := writeImage(t, img.Data)

	v, err := Open(p, Options{})
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, detect.FAT, v.Type)
	assert.Nil(t, v.Table)
	assert.Equal(t, int64(len(img.Data)), v.Size())

	buf := make([]byte, 5)
	_, err = v.ReadAt(buf, img.Files["a.txt"].Units[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = v.WriteAt([]byte{1}, 0)
	assert.Error(t, err, "read-only volume")

	_, err = Open(p, Options{Partition: "p0"})
	assert.Error(t, err, "no partition table")
}

func TestWritePersists(t *testing.T) {
	img, err := testimg.Ext(testimg.ExtOptions{Extents: true}, testimg.File{Path: "notes", Data: []byte("notes")})
	require.NoError(t, err)
	p := writeImage(t, img.Data)

	v, err := Open(p, Options{Writable: true})
	require.NoError(t, err)
	m, err := slack.New(v.FS, v).Write([]byte("payload"), []string{"notes"})
	require.NoError(t, err)
	require.NoError(t, v.Sync())
	require.NoError(t, v.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	start := img.Files["notes"].SlackStart()
	assert.Equal(t, "payload", string(data[start:start+7]))

	v, err = Open(p, Options{})
	require.NoError(t, err)
	defer v.Close()
	got, err := slack.New(v.FS, v).Read(m)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

// memStorage is an in-memory Storage.
type memStorage struct{ data []byte }

func (m *memStorage) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m.data).ReadAt(p, off)
}

func (m *memStorage) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func TestPartitionedImage(t *testing.T) {
	fatImg, err := testimg.FAT(testimg.FATOptions{}, testimg.File{Path: "boot.cfg", Data: []byte("cfg")})
	require.NoError(t, err)
	extImg, err := testimg.Ext(testimg.ExtOptions{}, testimg.File{Path: "home/data", Data: []byte("data")})
	require.NoError(t, err)
	disk := testimg.MBRDisk(
		testimg.Partition{Type: 0x0E, Data: fatImg.Data},
		testimg.Partition{Type: 0x83, Data: extImg.Data},
	)
	s := &memStorage{data: disk.Data}

	v, err := New(s, int64(len(disk.Data)), Options{})
	require.NoError(t, err)
	assert.Equal(t, detect.FAT, v.Type, "first partition by default")
	require.NotNil(t, v.Table)
	assert.Equal(t, "p0", v.Partition.Name)

	v, err = New(s, int64(len(disk.Data)), Options{Partition: "p1"})
	require.NoError(t, err)
	assert.Equal(t, detect.Ext, v.Type)
	assert.Equal(t, "ext2", v.FS.Type())
	assert.Equal(t, int64(len(extImg.Data)), v.Size())

	m, err := slack.New(v.FS, v).Write([]byte("xyz"), []string{"home"})
	require.NoError(t, err)
	start := extImg.Files["home/data"].SlackStart()
	assert.Equal(t, slack.Manifest{{Offset: uint64(start), Length: 3}}, m, "offsets are volume relative")
	abs := disk.Offsets[1] + start
	assert.Equal(t, "xyz", string(disk.Data[abs:abs+3]))

	_, err = v.WriteAt(make([]byte, 2), v.Size()-1)
	assert.Error(t, err, "writes stay inside the partition")

	_, err = New(s, int64(len(disk.Data)), Options{Partition: "p7"})
	assert.Error(t, err)
}

func TestUnsupported(t *testing.T) {
	_, err := New(&memStorage{data: make([]byte, 8192)}, 8192, Options{})
	assert.Error(t, err)
}
