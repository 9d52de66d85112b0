package detect

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/internal/testimg"
)

func TestDetect(t *testing.T) {
	fat12, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT12})
	require.NoError(t, err)
	fat32, err := testimg.FAT(testimg.FATOptions{Type: testimg.FAT32})
	require.NoError(t, err)
	ntfs, err := testimg.NTFS(testimg.NTFSOptions{})
	require.NoError(t, err)
	ext2, err := testimg.Ext(testimg.ExtOptions{})
	require.NoError(t, err)
	ext4, err := testimg.Ext(testimg.ExtOptions{BlockSize: 4096, Blocks: 256, Extents: true})
	require.NoError(t, err)

	unlabelled := bytes.Clone(fat12.Data)
	copy(unlabelled[54:62], "        ")

	tests := []struct {
		name string
		data []byte
		want Type
	}{
		{"fat12", fat12.Data, FAT},
		{"fat without label", unlabelled, FAT},
		{"fat32", fat32.Data, FAT},
		{"ntfs", ntfs.Data, NTFS},
		{"ext2", ext2.Data, Ext},
		{"ext4", ext4.Data, Ext},
		{"mbr", testimg.MBRDisk(testimg.Partition{Type: 0x83, Data: ext2.Data}).Data, MBR},
		{"gpt", testimg.GPTDisk(testimg.Partition{TypeGUID: [16]byte{1}, Data: ext2.Data}).Data, GPT},
		{"zeros", make([]byte, 4096), Unknown},
		{"boot signature only", func() []byte {
			b := make([]byte, 512)
			b[510], b[511] = 0x55, 0xAA
			return b
		}(), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(bytes.NewReader(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectTooSmall(t *testing.T) {
	_, err := Detect(bytes.NewReader(make([]byte, 100)))
	assert.Error(t, err)
}

func TestTypeString(t *testing.T) {
	assert.True(t, GPT.IsPartitionTable())
	assert.False(t, NTFS.IsPartitionTable())
	assert.Equal(t, "ext", Ext.String())
	assert.Equal(t, "unknown", Unknown.String())
}
