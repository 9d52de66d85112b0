package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/internal/testimg"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestEndToEnd(t *testing.T) {
	img, err := testimg.NTFS(testimg.NTFSOptions{},
		testimg.File{Path: "another", Data: bytes.Repeat([]byte("x"), 700)},
		testimg.File{Path: "onedirectory/nested", Data: []byte("nested")},
	)
	require.NoError(t, err)
	dir := t.TempDir()
	image := filepath.Join(dir, "ntfs.img")
	meta := filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(image, img.Data, 0o644))

	out, _, err := runCmd(t, "", "-d", image, "ls", "-l")
	require.NoError(t, err)
	assert.Contains(t, out, "another")
	assert.Contains(t, out, "onedirectory/nested")

	out, _, err = runCmd(t, "hidden message in the slack!", "-d", image, "write", "--dest", "another", "-m", meta)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	data, err := os.ReadFile(image)
	require.NoError(t, err)
	start := img.Files["another"].SlackStart()
	assert.Equal(t, "hidden message in the slack!", string(data[start:start+28]))

	out, _, err = runCmd(t, "", "-d", image, "read", "-m", meta)
	require.NoError(t, err)
	assert.Equal(t, "hidden message in the slack!", out)

	out, _, err = runCmd(t, "", "metadata", "-m", meta)
	require.NoError(t, err)
	assert.Contains(t, out, "Filesystem: NTFS")
	assert.Contains(t, out, "Filename:  stdin")

	_, _, err = runCmd(t, "again", "-d", image, "write", "--dest", "another", "-m", meta)
	assert.ErrorContains(t, err, "slack already in use")

	out, _, err = runCmd(t, "", "-d", image, "clear", "-m", meta)
	require.NoError(t, err)
	assert.Equal(t, "cleared "+id+"\n", out)
	data, err = os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, img.Data, data, "clearing restores the image")
}

func TestWriteFromFileToPartition(t *testing.T) {
	vol, err := testimg.Ext(testimg.ExtOptions{Extents: true}, testimg.File{Path: "var/log/syslog", Data: []byte("boot ok\n")})
	require.NoError(t, err)
	disk := testimg.MBRDisk(testimg.Partition{Type: 0x83, Data: vol.Data})
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	meta := filepath.Join(dir, "meta.json")
	payload := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(image, disk.Data, 0o644))
	require.NoError(t, os.WriteFile(payload, []byte("partitioned"), 0o644))

	_, _, err = runCmd(t, "", "-d", image, "-p", "p0", "write", "--dest", "var", "-m", meta, payload)
	require.NoError(t, err)

	outdir := filepath.Join(dir, "out")
	out, _, err := runCmd(t, "", "-d", image, "-p", "p0", "read", "-m", meta, "-o", outdir)
	require.NoError(t, err)
	assert.Contains(t, out, "note.txt")
	got, err := os.ReadFile(filepath.Join(outdir, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "partitioned", string(got))

	out, _, err = runCmd(t, "", "-d", image, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Partition table: MBR")
	assert.Contains(t, out, "Filesystem type: ext4")
	assert.Contains(t, out, "volume_name")
}

func TestUsageErrors(t *testing.T) {
	_, _, err := runCmd(t, "", "ls")
	assert.ErrorContains(t, err, "--device")

	_, _, err = runCmd(t, "", "-d", "/nonexistent.img", "info")
	assert.Error(t, err)

	_, _, err = runCmd(t, "", "-d", "x.img", "write")
	assert.ErrorContains(t, err, "dest")

	_, _, err = runCmd(t, "", "metadata", "-m", filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}

func TestVerboseLogging(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{}, testimg.File{Path: "a.txt", Data: []byte("a")})
	require.NoError(t, err)
	image := filepath.Join(t.TempDir(), "fat.img")
	require.NoError(t, os.WriteFile(image, img.Data, 0o644))

	_, stderr, err := runCmd(t, "", "-v", "-d", image, "ls")
	require.NoError(t, err)
	assert.Contains(t, stderr, "level=DEBUG")

	_, stderr, err = runCmd(t, "", "-d", image, "ls")
	require.NoError(t, err)
	assert.Empty(t, stderr)
}
